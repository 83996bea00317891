package push

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"strings"
	"time"
)

var (
	ErrInvalidSubscription   = errors.New("invalid push subscription")
	ErrSchemaMissing         = errors.New("push subscription storage is not provisioned")
	ErrSenderIdentityMissing = errors.New("push sender identity is not configured")
	ErrNotFound              = errors.New("push subscription not found")
)

const (
	KeyP256dh = "p256dh"
	KeyAuth   = "auth"
)

// Subscription is a browser push endpoint and the keys needed to encrypt for it.
type Subscription struct {
	Endpoint  string            `json:"endpoint"`
	Keys      map[string]string `json:"keys"`
	CreatedAt time.Time         `json:"createdAt,omitzero"`
	UpdatedAt time.Time         `json:"updatedAt,omitzero"`
}

// Validate checks the endpoint is an absolute http(s) URL and both
// encryption keys are present.
func (s Subscription) Validate() error {
	if err := validateEndpoint(s.Endpoint); err != nil {
		return err
	}
	for _, k := range []string{KeyP256dh, KeyAuth} {
		if strings.TrimSpace(s.Keys[k]) == "" {
			return fmt.Errorf("%w: missing %s key", ErrInvalidSubscription, k)
		}
	}
	return nil
}

func validateEndpoint(endpoint string) error {
	if strings.TrimSpace(endpoint) == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidSubscription)
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("%w: endpoint: %v", ErrInvalidSubscription, err)
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("%w: endpoint must be an absolute http(s) url", ErrInvalidSubscription)
	}
	return nil
}

func cloneSubscription(s Subscription) Subscription {
	s.Keys = maps.Clone(s.Keys)
	return s
}

// Notification is the user-visible message delivered to every subscription.
type Notification struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data,omitempty"`
}

// Payload is the JSON document handed to the push service.
func (n Notification) Payload() ([]byte, error) {
	return json.Marshal(n)
}

type DispatchResult struct {
	Attempted int    `json:"attempted"`
	Sent      int    `json:"sent"`
	Failed    int    `json:"failed"`
	Removed   int    `json:"removed"`
	Error     string `json:"error,omitempty"`
}
