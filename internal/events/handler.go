package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/52poke/hondana/internal/push"
)

// Notifier fans a notification out to subscribers.
type Notifier interface {
	Dispatch(ctx context.Context, n push.Notification) (push.DispatchResult, error)
}

// Handler turns events into notifications. Push problems are logged and
// never reported back to the action that raised the event.
type Handler struct {
	notifier Notifier
	logger   *slog.Logger
}

func NewHandler(notifier Notifier, logger *slog.Logger) *Handler {
	return &Handler{notifier: notifier, logger: logger.With("component", "events")}
}

func (h *Handler) Handle(ctx context.Context, e Event) push.DispatchResult {
	n, err := e.Notification()
	if err != nil {
		h.logger.Warn("event dropped", "id", e.ID, "type", e.Type, "error", err)
		return push.DispatchResult{Error: err.Error()}
	}
	res, err := h.notifier.Dispatch(ctx, n)
	if err != nil {
		if errors.Is(err, push.ErrSenderIdentityMissing) {
			h.logger.Warn("push not configured, notification skipped", "id", e.ID, "type", e.Type)
		} else {
			h.logger.Error("notification dispatch failed", "id", e.ID, "type", e.Type, "error", err)
		}
		return push.DispatchResult{Error: err.Error()}
	}
	h.logger.Info("event handled", "id", e.ID, "type", e.Type, "sent", res.Sent, "failed", res.Failed)
	return res
}

// Publisher hands an event to whatever delivers it to a Handler.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// DirectPublisher handles events in-process on a background goroutine.
type DirectPublisher struct {
	handler *Handler
	wg      sync.WaitGroup
}

func NewDirectPublisher(handler *Handler) *DirectPublisher {
	return &DirectPublisher{handler: handler}
}

func (p *DirectPublisher) Publish(ctx context.Context, e Event) error {
	ctx = context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.handler.Handle(ctx, e)
	}()
	return nil
}

// Wait blocks until published events have been handled.
func (p *DirectPublisher) Wait() {
	p.wg.Wait()
}
