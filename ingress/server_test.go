package ingress

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bucketmirror/bucketmirror/action"
	"github.com/bucketmirror/bucketmirror/keytransform"
	"github.com/bucketmirror/bucketmirror/platform"
)

// fakeSubscribeClient records ConfirmSubscription/Unsubscribe calls
// without making any network call, standing in for subscribe.SNSClient.
type fakeSubscribeClient struct {
	mu         sync.Mutex
	confirmed  []string
	unsubbed   []string
	confirmErr error
}

func (f *fakeSubscribeClient) Subscribe(ctx context.Context, topic, endpoint, protocol string) (string, error) {
	return "arn:fake:sub", nil
}

func (f *fakeSubscribeClient) ConfirmSubscription(ctx context.Context, topic, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed = append(f.confirmed, topic)
	return f.confirmErr
}

func (f *fakeSubscribeClient) Unsubscribe(ctx context.Context, subscriptionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubbed = append(f.unsubbed, subscriptionID)
	return nil
}

func (f *fakeSubscribeClient) confirmedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.confirmed)
}

func newTestServer(t *testing.T, submit func(action.FileAction) error, sub *fakeSubscribeClient) *Server {
	t.Helper()
	pipeline := keytransform.NewPipeline(keytransform.Options{Profile: platform.Profile{Windows: false, Separator: '/'}})
	return NewServer(Options{
		Bucket:           "my-bucket",
		Pipeline:         pipeline,
		IgnoreValidation: true,
		SubscribeClient:  sub,
	}, submit)
}

func postJSON(t *testing.T, s *Server, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(string(raw)))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

// TestScenarioSubscribeConfirmNotifyUnsubscribe covers the ingress side
// of the subscribe -> confirm -> notify -> unsubscribe lifecycle, driven
// entirely through the HTTP handler the way a real push delivery would:
// a SubscriptionConfirmation issues ConfirmSubscription, a Notification
// dispatches a write, and an UnsubscribeConfirmation is accepted. The
// Subscribe and Unsubscribe calls themselves are issued by daemon and
// are not exercised here.
func TestScenarioSubscribeConfirmNotifyUnsubscribe(t *testing.T) {
	sub := &fakeSubscribeClient{}
	var mu sync.Mutex
	var got []action.FileAction
	submit := func(a action.FileAction) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, a)
		return nil
	}
	s := newTestServer(t, submit, sub)

	// 1. SubscriptionConfirmation.
	rec := postJSON(t, s, map[string]string{
		"Type":         "SubscriptionConfirmation",
		"TopicArn":     "arn:aws:sns:us-east-1:1234:topic",
		"Token":        "tok-123",
		"SubscribeURL": "https://sns.us-east-1.amazonaws.com/confirm",
		"Message":      "You have chosen to subscribe",
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	// confirmSubscription runs in a goroutine; wait for it deterministically
	// instead of sleeping, by polling the fake's recorded call count.
	require.Eventually(t, func() bool { return sub.confirmedCount() == 1 }, time.Second, time.Millisecond)

	// 2. Notification with a Created record.
	inner, err := json.Marshal(NotificationMessage{
		Records: []Record{
			{
				EventVersion: "2.1",
				EventName:    "ObjectCreated:Put",
				S3: RecordDetail{
					Bucket: struct {
						Name string `json:"name"`
					}{Name: "my-bucket"},
					Object: struct {
						Key  string `json:"key"`
						Size int64  `json:"size"`
						ETag string `json:"eTag"`
					}{Key: "a/b.txt", Size: 42},
				},
			},
		},
	})
	require.NoError(t, err)
	rec = postJSON(t, s, map[string]string{
		"Type":     "Notification",
		"TopicArn": "arn:aws:sns:us-east-1:1234:topic",
		"Message":  string(inner),
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	mu.Lock()
	require.Len(t, got, 1)
	assert.Equal(t, action.WriteObject, got[0].Kind)
	assert.Equal(t, "a/b.txt", got[0].TransformedKey)
	assert.Equal(t, int64(42), got[0].Size)
	mu.Unlock()

	// 3. UnsubscribeConfirmation.
	rec = postJSON(t, s, map[string]string{
		"Type":     "UnsubscribeConfirmation",
		"TopicArn": "arn:aws:sns:us-east-1:1234:topic",
		"Message":  "You have chosen to unsubscribe",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRemoveRecordDispatchesRemoveFile(t *testing.T) {
	var got []action.FileAction
	submit := func(a action.FileAction) error {
		got = append(got, a)
		return nil
	}
	s := newTestServer(t, submit, &fakeSubscribeClient{})

	inner, err := json.Marshal(NotificationMessage{
		Records: []Record{
			{
				EventVersion: "2.1",
				EventName:    "ObjectRemoved:Delete",
				S3: RecordDetail{
					Bucket: struct {
						Name string `json:"name"`
					}{Name: "my-bucket"},
					Object: struct {
						Key  string `json:"key"`
						Size int64  `json:"size"`
						ETag string `json:"eTag"`
					}{Key: "a/b.txt"},
				},
			},
		},
	})
	require.NoError(t, err)

	rec := postJSON(t, s, map[string]string{
		"Type":     "Notification",
		"TopicArn": "arn:aws:sns:us-east-1:1234:topic",
		"Message":  string(inner),
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, got, 1)
	assert.Equal(t, action.RemoveFile, got[0].Kind)
	assert.Equal(t, "a/b.txt", got[0].RelativePath)
}

func TestWrongBucketRecordIsSkipped(t *testing.T) {
	var got []action.FileAction
	submit := func(a action.FileAction) error {
		got = append(got, a)
		return nil
	}
	s := newTestServer(t, submit, &fakeSubscribeClient{})

	inner, err := json.Marshal(NotificationMessage{
		Records: []Record{
			{
				EventVersion: "2.1",
				EventName:    "ObjectCreated:Put",
				S3: RecordDetail{
					Bucket: struct {
						Name string `json:"name"`
					}{Name: "other-bucket"},
					Object: struct {
						Key  string `json:"key"`
						Size int64  `json:"size"`
						ETag string `json:"eTag"`
					}{Key: "a/b.txt"},
				},
			},
		},
	})
	require.NoError(t, err)

	rec := postJSON(t, s, map[string]string{
		"Type":     "Notification",
		"TopicArn": "arn:aws:sns:us-east-1:1234:topic",
		"Message":  string(inner),
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, got)
}

func TestUnsupportedEventVersionIsSkipped(t *testing.T) {
	assert.True(t, supportedEventVersion("2.1", 1))
	assert.True(t, supportedEventVersion("2.3", 1))
	assert.False(t, supportedEventVersion("1.0", 1))
	assert.False(t, supportedEventVersion("2.0", 1))
	assert.False(t, supportedEventVersion("garbage", 1))
}

func TestValidateHTTPPath(t *testing.T) {
	assert.NoError(t, ValidateHTTPPath(""))
	assert.NoError(t, ValidateHTTPPath("/hook"))
	assert.Error(t, ValidateHTTPPath("hook"))
}
