package push

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func validKeys() map[string]string {
	return map[string]string{KeyP256dh: "BPub", KeyAuth: "secret"}
}

type probeStore struct {
	*MemoryStore
	probeErr error
}

func (s probeStore) Probe(context.Context) error { return s.probeErr }

func collect(t *testing.T, seq iter.Seq2[Subscription, error]) []Subscription {
	t.Helper()
	var out []Subscription
	for sub, err := range seq {
		require.NoError(t, err)
		out = append(out, sub)
	}
	return out
}

func TestSubscriptionValidate(t *testing.T) {
	cases := []struct {
		name string
		sub  Subscription
		ok   bool
	}{
		{"valid", Subscription{Endpoint: "https://push.example.com/e1", Keys: validKeys()}, true},
		{"http allowed", Subscription{Endpoint: "http://localhost:9000/e1", Keys: validKeys()}, true},
		{"empty endpoint", Subscription{Keys: validKeys()}, false},
		{"relative endpoint", Subscription{Endpoint: "/e1", Keys: validKeys()}, false},
		{"other scheme", Subscription{Endpoint: "ftp://push.example.com/e1", Keys: validKeys()}, false},
		{"missing auth", Subscription{Endpoint: "https://push.example.com/e1", Keys: map[string]string{KeyP256dh: "x"}}, false},
		{"missing p256dh", Subscription{Endpoint: "https://push.example.com/e1", Keys: map[string]string{KeyAuth: "x"}}, false},
		{"nil keys", Subscription{Endpoint: "https://push.example.com/e1"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.sub.Validate()
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidSubscription)
		})
	}
}

func TestRegistrySubscribeUpserts(t *testing.T) {
	ctx := context.Background()
	r, err := NewRegistry(ctx, NewMemoryStore(), discardLogger())
	require.NoError(t, err)
	assert.Equal(t, ModeEnabled, r.Mode())

	first := time.Unix(1700000000, 0)
	r.now = func() time.Time { return first }
	ack, err := r.Subscribe(ctx, "https://push.example.com/e1", validKeys())
	require.NoError(t, err)
	assert.Equal(t, Ack{OK: true}, ack)

	later := first.Add(time.Hour)
	r.now = func() time.Time { return later }
	rotated := map[string]string{KeyP256dh: "BPub2", KeyAuth: "secret2"}
	_, err = r.Subscribe(ctx, "https://push.example.com/e1", rotated)
	require.NoError(t, err)

	subs := collect(t, r.All(ctx))
	require.Len(t, subs, 1)
	assert.Equal(t, rotated, subs[0].Keys)
	assert.True(t, subs[0].CreatedAt.Equal(first))
	assert.True(t, subs[0].UpdatedAt.Equal(later))
}

func TestRegistryRejectsInvalidWithoutWriting(t *testing.T) {
	ctx := context.Background()
	r, err := NewRegistry(ctx, NewMemoryStore(), discardLogger())
	require.NoError(t, err)

	_, err = r.Subscribe(ctx, "not a url", validKeys())
	assert.ErrorIs(t, err, ErrInvalidSubscription)
	_, err = r.Unsubscribe(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidSubscription)
	assert.Empty(t, collect(t, r.All(ctx)))
}

func TestRegistryUnsubscribeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r, err := NewRegistry(ctx, NewMemoryStore(), discardLogger())
	require.NoError(t, err)

	_, err = r.Subscribe(ctx, "https://push.example.com/e1", validKeys())
	require.NoError(t, err)
	_, err = r.Subscribe(ctx, "https://push.example.com/e2", validKeys())
	require.NoError(t, err)

	for range 2 {
		ack, err := r.Unsubscribe(ctx, "https://push.example.com/e1")
		require.NoError(t, err)
		assert.True(t, ack.OK)
	}

	subs := collect(t, r.All(ctx))
	require.Len(t, subs, 1)
	assert.Equal(t, "https://push.example.com/e2", subs[0].Endpoint)

	_, err = r.Get(ctx, "https://push.example.com/e1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryDisabledWhenSchemaMissing(t *testing.T) {
	ctx := context.Background()
	store := probeStore{MemoryStore: NewMemoryStore(), probeErr: ErrSchemaMissing}
	r, err := NewRegistry(ctx, store, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, ModeDisabled, r.Mode())

	ack, err := r.Subscribe(ctx, "https://push.example.com/e1", validKeys())
	require.NoError(t, err)
	assert.True(t, ack.OK)
	assert.NotEmpty(t, ack.Warning)

	ack, err = r.Unsubscribe(ctx, "https://push.example.com/e1")
	require.NoError(t, err)
	assert.NotEmpty(t, ack.Warning)

	assert.Empty(t, collect(t, r.All(ctx)))
	_, err = store.Get(ctx, "https://push.example.com/e1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.Subscribe(ctx, "", validKeys())
	assert.ErrorIs(t, err, ErrInvalidSubscription)
}

func TestRegistryProbeFailure(t *testing.T) {
	store := probeStore{MemoryStore: NewMemoryStore(), probeErr: errors.New("connection refused")}
	_, err := NewRegistry(context.Background(), store, discardLogger())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrSchemaMissing)
}

func TestMemoryStoreAllStopsEarly(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, e := range []string{"https://p.example.com/c", "https://p.example.com/a", "https://p.example.com/b"} {
		require.NoError(t, s.Upsert(ctx, Subscription{Endpoint: e, Keys: validKeys()}))
	}

	var seen []string
	for sub, err := range s.All(ctx) {
		require.NoError(t, err)
		seen = append(seen, sub.Endpoint)
		if len(seen) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"https://p.example.com/a", "https://p.example.com/b"}, seen)
}

// droppedTableStore passes the startup probe but has lost its table since.
type droppedTableStore struct {
	*MemoryStore
}

func (droppedTableStore) Upsert(context.Context, Subscription) error {
	return fmt.Errorf("upsert: %w", ErrSchemaMissing)
}

func (droppedTableStore) Delete(context.Context, string) error {
	return fmt.Errorf("delete: %w", ErrSchemaMissing)
}

func TestRegistryDegradesWhenTableDisappears(t *testing.T) {
	ctx := context.Background()
	r, err := NewRegistry(ctx, droppedTableStore{NewMemoryStore()}, discardLogger())
	require.NoError(t, err)
	require.Equal(t, ModeEnabled, r.Mode())

	ack, err := r.Subscribe(ctx, "https://push.example.com/a", validKeys())
	require.NoError(t, err)
	assert.True(t, ack.OK)
	assert.NotEmpty(t, ack.Warning)
	assert.Equal(t, ModeDisabled, r.Mode())

	ack, err = r.Unsubscribe(ctx, "https://push.example.com/a")
	require.NoError(t, err)
	assert.True(t, ack.OK)
	assert.NotEmpty(t, ack.Warning)
	assert.Empty(t, collect(t, r.All(ctx)))
}

func TestRegistryUnsubscribeDegradesWhenTableDisappears(t *testing.T) {
	ctx := context.Background()
	r, err := NewRegistry(ctx, droppedTableStore{NewMemoryStore()}, discardLogger())
	require.NoError(t, err)

	ack, err := r.Unsubscribe(ctx, "https://push.example.com/a")
	require.NoError(t, err)
	assert.Equal(t, Ack{OK: true, Warning: disabledWarning}, ack)
	assert.Equal(t, ModeDisabled, r.Mode())
}
