// Adapter implementing Lister and Getter against AWS S3: a
// session.Session + s3.New, ListObjectsV2WithContext paginated via
// ContinuationToken, errors classified through awserr.
package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// ErrBucketNotFound classifies a hard, fatal remote error: the
// configured bucket does not exist.
var ErrBucketNotFound = fmt.Errorf("remote: bucket not found")

// ErrAccessDenied classifies a hard, fatal remote error: the credentials
// in use cannot access the configured bucket.
var ErrAccessDenied = fmt.Errorf("remote: access denied")

// ErrObjectNotFound classifies an acceptable, transient error: the
// object was gone by the time it was read, most likely deleted
// concurrently with the list or notification that referenced it.
var ErrObjectNotFound = fmt.Errorf("remote: object not found")

// S3Store implements Lister and Getter using aws-sdk-go's classic S3
// client.
type S3Store struct {
	client *s3.S3
}

// NewS3Store builds an S3Store for the given region, sharing the
// default AWS credential chain.
func NewS3Store(region string) (*S3Store, error) {
	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            aws.Config{Region: aws.String(region)},
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, fmt.Errorf("remote: create aws session: %w", err)
	}
	return &S3Store{client: s3.New(sess)}, nil
}

// List implements Lister. It performs a single ListObjectsV2 page.
func (s *S3Store) List(ctx context.Context, bucket, prefix string, maxKeys int, continuationToken string) (Page, error) {
	req := &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		MaxKeys: aws.Int64(int64(maxKeys)),
	}
	if prefix != "" {
		req.Prefix = aws.String(prefix)
	}
	if continuationToken != "" {
		req.ContinuationToken = aws.String(continuationToken)
	}

	resp, err := s.client.ListObjectsV2WithContext(ctx, req)
	if err != nil {
		return Page{}, classifyListError(err)
	}

	items := make([]RawObject, 0, len(resp.Contents))
	for _, obj := range resp.Contents {
		items = append(items, RawObject{
			Key:          aws.StringValue(obj.Key),
			LastModified: aws.TimeValue(obj.LastModified),
			Size:         aws.Int64Value(obj.Size),
			ETag:         aws.StringValue(obj.ETag),
		})
	}

	page := Page{Items: items}
	if aws.BoolValue(resp.IsTruncated) {
		page.NextContinuationToken = aws.StringValue(resp.NextContinuationToken)
	}
	return page, nil
}

// Get implements Getter, streaming the object body without buffering the
// whole object in memory.
func (s *S3Store) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	resp, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("remote: get %q: %w", key, err)
	}
	return resp.Body, nil
}

func classifyListError(err error) error {
	if awsErr, ok := err.(awserr.RequestFailure); ok {
		switch awsErr.StatusCode() {
		case http.StatusNotFound:
			return ErrBucketNotFound
		case http.StatusForbidden:
			return ErrAccessDenied
		}
	}
	return fmt.Errorf("remote: list: %w", err)
}

func isNotFound(err error) bool {
	if awsErr, ok := err.(awserr.Error); ok {
		return awsErr.Code() == s3.ErrCodeNoSuchKey || awsErr.Code() == "NotFound"
	}
	return false
}
