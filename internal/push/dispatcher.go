package push

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/52poke/hondana/internal/metrics"
)

const defaultConcurrency = 8

// Dispatcher fans a notification out to every registered subscription.
type Dispatcher struct {
	registry    *Registry
	sender      Sender
	concurrency int
	logger      *slog.Logger
	tracer      trace.Tracer
}

func NewDispatcher(registry *Registry, sender Sender, concurrency int, logger *slog.Logger) *Dispatcher {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Dispatcher{
		registry:    registry,
		sender:      sender,
		concurrency: concurrency,
		logger:      logger.With("component", "dispatcher"),
		tracer:      otel.Tracer("hondana/push"),
	}
}

// Configured reports whether deliveries can be attempted at all.
func (d *Dispatcher) Configured() bool {
	return d.sender.Configured()
}

// Dispatch delivers n to every subscription. Individual delivery failures are
// aggregated into the result; only a missing sender identity is an error.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) (DispatchResult, error) {
	if !d.sender.Configured() {
		return DispatchResult{}, ErrSenderIdentityMissing
	}
	payload, err := n.Payload()
	if err != nil {
		return DispatchResult{}, fmt.Errorf("encode notification: %w", err)
	}

	ctx, span := d.tracer.Start(ctx, "push.Dispatch")
	defer span.End()

	var (
		mu     sync.Mutex
		result DispatchResult
		gone   []string
	)
	g := new(errgroup.Group)
	g.SetLimit(d.concurrency)

	for sub, err := range d.registry.All(ctx) {
		if err != nil {
			d.logger.Error("listing subscriptions failed", "error", err)
			mu.Lock()
			result.Error = err.Error()
			mu.Unlock()
			break
		}
		mu.Lock()
		result.Attempted++
		mu.Unlock()

		g.Go(func() error {
			outcome, err := d.sender.Send(ctx, sub, bytes.Clone(payload))
			metrics.PushDeliveries.WithLabelValues(string(outcome)).Inc()

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case OutcomeSent:
				result.Sent++
			case OutcomeGone:
				result.Failed++
				gone = append(gone, sub.Endpoint)
			default:
				result.Failed++
			}
			if err != nil {
				result.Error = err.Error()
				d.logger.Warn("push delivery failed", "endpoint", sub.Endpoint, "outcome", outcome, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, endpoint := range gone {
		if _, err := d.registry.Unsubscribe(ctx, endpoint); err != nil {
			d.logger.Error("removing gone subscription failed", "endpoint", endpoint, "error", err)
			result.Error = err.Error()
			continue
		}
		result.Removed++
	}

	span.SetAttributes(
		attribute.Int("push.attempted", result.Attempted),
		attribute.Int("push.sent", result.Sent),
		attribute.Int("push.failed", result.Failed),
		attribute.Int("push.removed", result.Removed),
	)
	if result.Error != "" {
		span.SetStatus(codes.Error, result.Error)
	}
	d.logger.Info("notification dispatched",
		"title", n.Title,
		"attempted", result.Attempted,
		"sent", result.Sent,
		"failed", result.Failed,
		"removed", result.Removed,
	)
	return result, nil
}

// SendOne delivers payload to a single subscription without consulting the registry.
// A push service rejection reports false with no error; transport failures are returned.
func (d *Dispatcher) SendOne(ctx context.Context, sub Subscription, payload []byte) (bool, error) {
	if !d.sender.Configured() {
		return false, ErrSenderIdentityMissing
	}
	if err := sub.Validate(); err != nil {
		return false, err
	}
	ctx, span := d.tracer.Start(ctx, "push.SendOne")
	defer span.End()

	outcome, err := d.sender.Send(ctx, sub, payload)
	metrics.PushDeliveries.WithLabelValues(string(outcome)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.Warn("push delivery failed", "endpoint", sub.Endpoint, "outcome", outcome, "error", err)
		var status *StatusError
		if errors.As(err, &status) {
			return false, nil
		}
		return false, err
	}
	return outcome == OutcomeSent, nil
}
