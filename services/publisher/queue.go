package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"syncd/pkg/bus"
)

// Queue hands queued deployments to the background worker.
type Queue interface {
	Submit(ctx context.Context, deploymentID uuid.UUID) error
}

// ProcessFunc runs one deployment.
type ProcessFunc func(ctx context.Context, deploymentID uuid.UUID) error

// LocalQueue runs deployments one at a time on a single in-process goroutine.
type LocalQueue struct {
	jobs   chan uuid.UUID
	logger zerolog.Logger
}

// NewLocalQueue returns a queue that buffers up to size pending deployments.
func NewLocalQueue(size int, logger zerolog.Logger) *LocalQueue {
	if size <= 0 {
		size = 64
	}
	return &LocalQueue{jobs: make(chan uuid.UUID, size), logger: logger}
}

// Submit implements Queue. It fails rather than blocks when the buffer is full.
func (q *LocalQueue) Submit(ctx context.Context, deploymentID uuid.UUID) error {
	select {
	case q.jobs <- deploymentID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return errors.New("deployment queue is full")
	}
}

// Run processes submitted deployments until ctx is cancelled.
func (q *LocalQueue) Run(ctx context.Context, process ProcessFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-q.jobs:
			if err := process(ctx, id); err != nil {
				q.logger.Error().Err(err).Str("deployment_id", id.String()).Msg("process deployment")
			}
		}
	}
}

// Publisher is the subset of *bus.Bus the BusQueue needs.
type Publisher interface {
	PublishMsgID(ctx context.Context, subj, msgID string, v any) error
	Subscribe(ctx context.Context, subj, durable string, fn bus.Handler, opts bus.SubscribeOptions) (io.Closer, error)
}

type queuedEvent struct {
	DeploymentID uuid.UUID `json:"deployment_id"`
}

// BusQueue distributes deployments over JetStream so any publisher replica can run them.
type BusQueue struct {
	bus     Publisher
	durable string
}

// NewBusQueue returns a queue on the deployments subject using a durable consumer.
func NewBusQueue(b Publisher, durable string) (*BusQueue, error) {
	if b == nil {
		return nil, errors.New("bus is required")
	}
	if durable == "" {
		durable = "publisher-deployments"
	}
	return &BusQueue{bus: b, durable: durable}, nil
}

// Submit implements Queue. The deployment id doubles as the message id.
func (q *BusQueue) Submit(ctx context.Context, deploymentID uuid.UUID) error {
	return q.bus.PublishMsgID(ctx, bus.SubjectDeploymentQueued, deploymentID.String(), queuedEvent{DeploymentID: deploymentID})
}

// Start subscribes the worker. Close the returned subscription to stop.
func (q *BusQueue) Start(ctx context.Context, process ProcessFunc) (io.Closer, error) {
	return q.bus.Subscribe(ctx, bus.SubjectDeploymentQueued, q.durable, func(ctx context.Context, data []byte) error {
		var evt queuedEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			return bus.Permanent(fmt.Errorf("decode queued deployment: %w", err))
		}
		if evt.DeploymentID == uuid.Nil {
			return bus.Permanent(errors.New("deployment_id missing from queued event"))
		}
		return process(ctx, evt.DeploymentID)
	}, bus.SubscribeOptions{AckWait: 5 * time.Minute})
}
