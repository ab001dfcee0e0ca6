package natsjs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Publisher wraps a NATS connection. Durable events go through JetStream,
// live sync state through core NATS.
type Publisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	stream string
}

// NewPublisher connects to NATS and opens a JetStream context
func NewPublisher(url, stream string, log zerolog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("mailsync"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Publisher{nc: nc, js: js, stream: stream}, nil
}

// EnsureStream ensures the stream holding mail events exists
func (p *Publisher) EnsureStream(ctx context.Context) error {
	streamInfo, err := p.js.StreamInfo(p.stream, nats.Context(ctx))
	if err == nil && streamInfo != nil {
		return nil
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:       p.stream,
		Subjects:   []string{EventSubjectPrefix + ".*.events.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     7 * 24 * time.Hour,
	}, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// Publish publishes a durable event with deduplication
func (p *Publisher) Publish(subject string, payload []byte, msgID string) error {
	_, err := p.js.Publish(subject, payload, nats.MsgId(msgID))
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Notify publishes a transient message that is not stored
func (p *Publisher) Notify(subject string, payload []byte) error {
	if err := p.nc.Publish(subject, payload); err != nil {
		return fmt.Errorf("failed to notify %s: %w", subject, err)
	}
	return nil
}

// Close drains and closes the NATS connection
func (p *Publisher) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			p.nc.Close()
		}
	}
}
