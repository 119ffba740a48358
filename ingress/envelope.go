// Package ingress implements the notification ingress HTTP(S) server: it
// validates signed push envelopes, parses them, and dispatches
// per-record FileAction values into the queue.
package ingress

import (
	"encoding/json"
	"fmt"
)

// EnvelopeType tags the outer push message's JSON shape.
type EnvelopeType string

// Recognized envelope types.
const (
	TypeSubscriptionConfirmation EnvelopeType = "SubscriptionConfirmation"
	TypeNotification             EnvelopeType = "Notification"
	TypeUnsubscribeConfirmation  EnvelopeType = "UnsubscribeConfirmation"
)

// Envelope is the outer signed push message.
type Envelope struct {
	Type             EnvelopeType `json:"Type"`
	TopicArn         string       `json:"TopicArn"`
	MessageID        string       `json:"MessageId"`
	Timestamp        string       `json:"Timestamp"`
	Signature        string       `json:"Signature"`
	SigningCertURL   string       `json:"SigningCertURL"`
	SignatureVersion string       `json:"SignatureVersion"`
	Token            string       `json:"Token"`
	SubscribeURL     string       `json:"SubscribeURL"`
	Message          string       `json:"Message"`
}

// NotificationMessage is the decoded inner Message for Type=Notification.
type NotificationMessage struct {
	Records []Record `json:"Records"`
}

// Record is a single S3-style object-change record.
type Record struct {
	EventVersion string       `json:"eventVersion"`
	EventName    string       `json:"eventName"`
	S3           RecordDetail `json:"s3"`
}

// RecordDetail carries the bucket and object that changed.
type RecordDetail struct {
	Bucket struct {
		Name string `json:"name"`
	} `json:"bucket"`
	Object struct {
		Key  string `json:"key"`
		Size int64  `json:"size"`
		ETag string `json:"eTag"`
	} `json:"object"`
}

// ParseEnvelope decodes the outer envelope from a request body.
func ParseEnvelope(body []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return Envelope{}, fmt.Errorf("ingress: parse envelope: %w", err)
	}
	return e, nil
}

// ParseNotificationMessage decodes the inner Message field of a
// Type=Notification envelope.
func ParseNotificationMessage(message string) (NotificationMessage, error) {
	var m NotificationMessage
	if err := json.Unmarshal([]byte(message), &m); err != nil {
		return NotificationMessage{}, fmt.Errorf("ingress: parse notification message: %w", err)
	}
	return m, nil
}
