// Package subscribe implements the subscription-management client adapter
// (Subscribe/ConfirmSubscription/Unsubscribe) against AWS SNS. Construction
// follows the same session/client idiom as remote.S3Store.
package subscribe

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sns"
)

// Client is the interface the core consumes; its concrete SNS
// implementation is an external collaborator.
type Client interface {
	Subscribe(ctx context.Context, topic, endpoint, protocol string) (subscriptionID string, err error)
	ConfirmSubscription(ctx context.Context, topic, token string) error
	Unsubscribe(ctx context.Context, subscriptionID string) error
}

// SNSClient implements Client using aws-sdk-go's classic SNS client.
type SNSClient struct {
	client *sns.SNS
}

// NewSNSClient builds an SNSClient sharing the default credential chain.
func NewSNSClient(region string) (*SNSClient, error) {
	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            aws.Config{Region: aws.String(region)},
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe: create aws session: %w", err)
	}
	return &SNSClient{client: sns.New(sess)}, nil
}

// Subscribe issues Subscribe(topic, endpoint, protocol, return_id=true).
func (c *SNSClient) Subscribe(ctx context.Context, topic, endpoint, protocol string) (string, error) {
	out, err := c.client.SubscribeWithContext(ctx, &sns.SubscribeInput{
		TopicArn:              aws.String(topic),
		Endpoint:              aws.String(endpoint),
		Protocol:              aws.String(protocol),
		ReturnSubscriptionArn: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("subscribe: subscribe to %q: %w", topic, err)
	}
	return aws.StringValue(out.SubscriptionArn), nil
}

// ConfirmSubscription issues ConfirmSubscription(topic, token).
func (c *SNSClient) ConfirmSubscription(ctx context.Context, topic, token string) error {
	_, err := c.client.ConfirmSubscriptionWithContext(ctx, &sns.ConfirmSubscriptionInput{
		TopicArn: aws.String(topic),
		Token:    aws.String(token),
	})
	if err != nil {
		return fmt.Errorf("subscribe: confirm subscription for %q: %w", topic, err)
	}
	return nil
}

// Unsubscribe issues Unsubscribe(subscriptionID).
func (c *SNSClient) Unsubscribe(ctx context.Context, subscriptionID string) error {
	_, err := c.client.UnsubscribeWithContext(ctx, &sns.UnsubscribeInput{
		SubscriptionArn: aws.String(subscriptionID),
	})
	if err != nil {
		return fmt.Errorf("subscribe: unsubscribe %q: %w", subscriptionID, err)
	}
	return nil
}
