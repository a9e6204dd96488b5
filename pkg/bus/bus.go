// Package bus carries deployment work and sync lifecycle events over NATS JetStream.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects published by the services.
const (
	SubjectDeploymentQueued   = "syncd.deployments.queued"
	SubjectDeploymentFinished = "syncd.deployments.finished"
	SubjectTemplatePublished  = "syncd.templates.published"
	SubjectTemplateApplied    = "syncd.templates.applied"
	SubjectTemplateRolledBack = "syncd.templates.rolledback"
)

// StreamName is the JetStream stream that captures every syncd subject.
const StreamName = "SYNCD"

// Bus wraps a NATS JetStream connection for publishing and consuming events.
type Bus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// New creates a Bus connected to the provided NATS endpoint.
func New(url string, opts ...nats.Option) (*Bus, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &Bus{conn: nc, js: js}, nil
}

// EnsureStream creates the syncd stream when the server does not have it yet.
func (b *Bus) EnsureStream() error {
	if b == nil {
		return errors.New("nil bus")
	}
	if _, err := b.js.StreamInfo(StreamName); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info: %w", err)
	}

	_, err := b.js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{"syncd.>"},
		Storage:  nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("add stream: %w", err)
	}
	return nil
}

// Close shuts down the underlying NATS connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Connected reports whether the connection is currently usable.
func (b *Bus) Connected() bool {
	return b != nil && b.conn.IsConnected()
}

// Publish encodes v as JSON and publishes it to the given subject.
func (b *Bus) Publish(ctx context.Context, subj string, v any) error {
	return b.PublishMsgID(ctx, subj, "", v)
}

// PublishMsgID publishes v with a JetStream message id so the server drops duplicates
// inside its dedupe window.
func (b *Bus) PublishMsgID(ctx context.Context, subj, msgID string, v any) error {
	if b == nil {
		return errors.New("nil bus")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	opts := []nats.PubOpt{nats.Context(ctx)}
	if msgID != "" {
		opts = append(opts, nats.MsgId(msgID))
	}
	_, err = b.js.Publish(subj, data, opts...)
	return err
}

// Handler processes one message body.
type Handler func(ctx context.Context, data []byte) error

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth redelivering; the message is terminated.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// SubscribeOptions tune redelivery for a durable consumer.
type SubscribeOptions struct {
	// MaxDeliver caps delivery attempts per message. Defaults to 5.
	MaxDeliver int
	// AckWait is how long a handler may run before JetStream redelivers. Defaults to 2m.
	AckWait time.Duration
	// RetryDelay is the redelivery delay after a failed attempt. Defaults to 5s.
	RetryDelay time.Duration
}

func (o SubscribeOptions) withDefaults() SubscribeOptions {
	if o.MaxDeliver <= 0 {
		o.MaxDeliver = 5
	}
	if o.AckWait <= 0 {
		o.AckWait = 2 * time.Minute
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 5 * time.Second
	}
	return o
}

type subscription struct {
	sub  *nats.Subscription
	once sync.Once
	err  error
}

func (s *subscription) Close() error {
	s.once.Do(func() { s.err = s.sub.Drain() })
	return s.err
}

// Subscribe attaches a durable, explicitly acked consumer to subj. A handler error naks
// the message for redelivery after RetryDelay; Permanent errors terminate it. The
// subscription drains when ctx ends.
func (b *Bus) Subscribe(ctx context.Context, subj, durable string, fn Handler, opts SubscribeOptions) (io.Closer, error) {
	if b == nil {
		return nil, errors.New("nil bus")
	}
	if fn == nil {
		return nil, errors.New("nil handler")
	}
	if durable == "" {
		return nil, errors.New("durable name is required")
	}
	opts = opts.withDefaults()

	sub, err := b.js.Subscribe(subj, func(msg *nats.Msg) {
		handlerCtx, cancel := context.WithTimeout(ctx, opts.AckWait)
		defer cancel()

		switch err := fn(handlerCtx, msg.Data); {
		case err == nil:
			_ = msg.Ack()
		case IsPermanent(err):
			_ = msg.Term()
		default:
			_ = msg.NakWithDelay(opts.RetryDelay)
		}
	},
		nats.Durable(durable),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(opts.AckWait),
		nats.MaxDeliver(opts.MaxDeliver),
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subj, err)
	}

	s := &subscription{sub: sub}
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	return s, nil
}
