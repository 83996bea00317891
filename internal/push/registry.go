package push

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"
)

// Store persists subscriptions keyed by endpoint.
type Store interface {
	// Probe reports ErrSchemaMissing when the backing table does not exist.
	Probe(ctx context.Context) error
	// Upsert inserts sub or replaces the keys of an existing record, keeping its CreatedAt.
	Upsert(ctx context.Context, sub Subscription) error
	// Delete removes the record; a missing record is not an error.
	Delete(ctx context.Context, endpoint string) error
	Get(ctx context.Context, endpoint string) (Subscription, error)
	All(ctx context.Context) iter.Seq2[Subscription, error]
}

type Mode int

const (
	ModeEnabled Mode = iota
	ModeDisabled
)

func (m Mode) String() string {
	if m == ModeDisabled {
		return "disabled"
	}
	return "enabled"
}

// Ack acknowledges a registry mutation. Warning is set when the call
// succeeded without persisting anything.
type Ack struct {
	OK      bool   `json:"ok"`
	Warning string `json:"warning,omitempty"`
}

const disabledWarning = "push notifications are disabled: subscription storage is not provisioned"

type Registry struct {
	store  Store
	mode   atomic.Int32
	logger *slog.Logger
	now    func() time.Time
}

// NewRegistry probes store once. A missing schema yields a disabled registry;
// any other probe failure is returned.
func NewRegistry(ctx context.Context, store Store, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		store:  store,
		logger: logger.With("component", "registry"),
		now:    time.Now,
	}
	if err := store.Probe(ctx); err != nil {
		if !errors.Is(err, ErrSchemaMissing) {
			return nil, fmt.Errorf("probe subscription store: %w", err)
		}
		r.disable(err)
	}
	return r, nil
}

func (r *Registry) Mode() Mode {
	return Mode(r.mode.Load())
}

// disable switches to soft-success mode once the backing table is gone.
func (r *Registry) disable(err error) {
	if r.mode.Swap(int32(ModeDisabled)) != int32(ModeDisabled) {
		r.logger.Warn("subscription registry disabled", "error", err)
	}
}

func (r *Registry) Subscribe(ctx context.Context, endpoint string, keys map[string]string) (Ack, error) {
	now := r.now()
	sub := Subscription{Endpoint: endpoint, Keys: keys, CreatedAt: now, UpdatedAt: now}
	if err := sub.Validate(); err != nil {
		return Ack{}, err
	}
	if r.Mode() == ModeDisabled {
		r.logger.Warn("subscribe ignored", "endpoint", endpoint, "reason", "registry disabled")
		return Ack{OK: true, Warning: disabledWarning}, nil
	}
	if err := r.store.Upsert(ctx, sub); err != nil {
		if errors.Is(err, ErrSchemaMissing) {
			r.disable(err)
			r.logger.Warn("subscribe ignored", "endpoint", endpoint, "reason", "schema missing")
			return Ack{OK: true, Warning: disabledWarning}, nil
		}
		return Ack{}, fmt.Errorf("store subscription: %w", err)
	}
	r.logger.Info("subscription stored", "endpoint", endpoint)
	return Ack{OK: true}, nil
}

func (r *Registry) Unsubscribe(ctx context.Context, endpoint string) (Ack, error) {
	if err := validateEndpoint(endpoint); err != nil {
		return Ack{}, err
	}
	if r.Mode() == ModeDisabled {
		r.logger.Warn("unsubscribe ignored", "endpoint", endpoint, "reason", "registry disabled")
		return Ack{OK: true, Warning: disabledWarning}, nil
	}
	if err := r.store.Delete(ctx, endpoint); err != nil {
		if errors.Is(err, ErrSchemaMissing) {
			r.disable(err)
			r.logger.Warn("unsubscribe ignored", "endpoint", endpoint, "reason", "schema missing")
			return Ack{OK: true, Warning: disabledWarning}, nil
		}
		return Ack{}, fmt.Errorf("delete subscription: %w", err)
	}
	r.logger.Info("subscription removed", "endpoint", endpoint)
	return Ack{OK: true}, nil
}

// Get returns the record for endpoint or ErrNotFound.
func (r *Registry) Get(ctx context.Context, endpoint string) (Subscription, error) {
	if r.Mode() == ModeDisabled {
		return Subscription{}, ErrNotFound
	}
	sub, err := r.store.Get(ctx, endpoint)
	if errors.Is(err, ErrSchemaMissing) {
		r.disable(err)
		return Subscription{}, ErrNotFound
	}
	return sub, err
}

// All streams every stored subscription. A disabled registry yields nothing.
func (r *Registry) All(ctx context.Context) iter.Seq2[Subscription, error] {
	if r.Mode() == ModeDisabled {
		return func(func(Subscription, error) bool) {}
	}
	return func(yield func(Subscription, error) bool) {
		for sub, err := range r.store.All(ctx) {
			if errors.Is(err, ErrSchemaMissing) {
				r.disable(err)
				return
			}
			if !yield(sub, err) {
				return
			}
		}
	}
}
