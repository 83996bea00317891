package push

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
)

type Outcome string

const (
	OutcomeSent      Outcome = "sent"
	OutcomeTransient Outcome = "transient"
	OutcomeGone      Outcome = "gone"
)

// Sender delivers one encrypted payload to one subscription.
type Sender interface {
	// Configured reports whether the sender identity is available.
	Configured() bool
	Send(ctx context.Context, sub Subscription, payload []byte) (Outcome, error)
}

// VAPIDKeys identify this server to push services.
type VAPIDKeys struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

// GenerateVAPIDKeys creates a fresh key pair.
func GenerateVAPIDKeys() (VAPIDKeys, error) {
	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return VAPIDKeys{}, err
	}
	return VAPIDKeys{PublicKey: pub, PrivateKey: priv}, nil
}

type WebPushSender struct {
	keys   VAPIDKeys
	ttl    time.Duration
	client *http.Client
}

// NewWebPushSender builds a sender. A nil client uses the library default.
func NewWebPushSender(keys VAPIDKeys, ttl time.Duration, client *http.Client) *WebPushSender {
	return &WebPushSender{keys: keys, ttl: ttl, client: client}
}

func (s *WebPushSender) Configured() bool {
	return s.keys.PublicKey != "" && s.keys.PrivateKey != ""
}

func (s *WebPushSender) Send(ctx context.Context, sub Subscription, payload []byte) (Outcome, error) {
	if !s.Configured() {
		return OutcomeTransient, ErrSenderIdentityMissing
	}
	opts := &webpush.Options{
		Subscriber:      s.keys.Subject,
		VAPIDPublicKey:  s.keys.PublicKey,
		VAPIDPrivateKey: s.keys.PrivateKey,
		TTL:             int(s.ttl / time.Second),
		Urgency:         webpush.UrgencyNormal,
	}
	if s.client != nil {
		opts.HTTPClient = s.client
	}

	// webpush appends the record delimiter and padding into the message buffer
	resp, err := webpush.SendNotificationWithContext(ctx, bytes.Clone(payload), &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys[KeyP256dh],
			Auth:   sub.Keys[KeyAuth],
		},
	}, opts)
	if err != nil {
		return OutcomeTransient, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return classify(resp.StatusCode)
}

// classify maps a push service status to a delivery outcome. 404 and 410
// mean the subscription is permanently gone.
func classify(status int) (Outcome, error) {
	switch {
	case status >= 200 && status < 300:
		return OutcomeSent, nil
	case status == http.StatusNotFound || status == http.StatusGone:
		return OutcomeGone, &StatusError{Code: status}
	default:
		return OutcomeTransient, &StatusError{Code: status}
	}
}

// StatusError is a push service answer other than 2xx. The request reached
// the service; it was rejected.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("push service returned %d", e.Code)
}
