package natsjs

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/eventstore/sqlite"
)

// EventPublisher publishes durable events
type EventPublisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// OutboxQueue is the consuming side of the store outbox
type OutboxQueue interface {
	DequeueOutbox(ctx context.Context, limit int) ([]sqlite.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, delay time.Duration) error
}

// Dispatcher moves outbox entries to JetStream
type Dispatcher struct {
	Queue     OutboxQueue
	Publisher EventPublisher
	Logger    zerolog.Logger

	// Idle is the pause after an empty dequeue
	Idle time.Duration
	// RetryDelay is applied to entries that failed to publish
	RetryDelay time.Duration
}

// Run continuously dispatches messages from the outbox until ctx is done
func (d *Dispatcher) Run(ctx context.Context) {
	idle := d.Idle
	if idle <= 0 {
		idle = 500 * time.Millisecond
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := d.DispatchOnce(ctx)
		if err != nil {
			d.Logger.Error().Err(err).Msg("dequeue outbox")
			sleep(ctx, time.Second)
			continue
		}
		if n == 0 {
			sleep(ctx, idle)
		}
	}
}

// DispatchOnce publishes one batch and returns its size
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	retry := d.RetryDelay
	if retry <= 0 {
		retry = 10 * time.Second
	}

	messages, err := d.Queue.DequeueOutbox(ctx, 100)
	if err != nil {
		return 0, err
	}

	for _, msg := range messages {
		if err := d.Publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
			d.Logger.Warn().Err(err).Int64("id", msg.ID).Int("attempts", msg.Attempts).Msg("publish outbox message")
			// exponential backoff capped at 64x
			delay := retry << min(msg.Attempts, 6)
			if err := d.Queue.MarkOutboxRetry(ctx, msg.ID, delay); err != nil {
				d.Logger.Error().Err(err).Int64("id", msg.ID).Msg("schedule outbox retry")
			}
			continue
		}

		if err := d.Queue.MarkPublished(ctx, msg.ID); err != nil {
			d.Logger.Error().Err(err).Int64("id", msg.ID).Msg("mark outbox message published")
		}
	}
	return len(messages), nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
