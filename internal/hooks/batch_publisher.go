package hooks

import (
	"context"
	"sync"
	"time"

	"github.com/apptrail-sh/orchestrator/internal/model"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// BatchConfig bounds how long and how large a batch may grow before it is
// sent.
type BatchConfig struct {
	FlushWindow  time.Duration
	MaxBatchSize int
}

func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		FlushWindow:  2 * time.Second,
		MaxBatchSize: 100,
	}
}

type BatchQueueOption func(*BatchPublisherQueue)

// WithBatchClock replaces the clock that times the flush window.
func WithBatchClock(clk clock.WithTicker) BatchQueueOption {
	return func(q *BatchPublisherQueue) { q.clock = clk }
}

// BatchPublisherQueue groups deployment events for publishers that prefer
// fewer, larger requests. A batch opens with its first event and is sent
// when the window closes or it reaches MaxBatchSize, whichever comes first.
// All buffering happens on the Loop goroutine.
type BatchPublisherQueue struct {
	eventChan  <-chan model.EventMessage
	publishers []BatchPublisher
	config     BatchConfig
	clock      clock.WithTicker

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewBatchPublisherQueue(
	eventChan <-chan model.EventMessage,
	publishers []BatchPublisher,
	config BatchConfig,
	opts ...BatchQueueOption,
) *BatchPublisherQueue {
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = DefaultBatchConfig().MaxBatchSize
	}
	q := &BatchPublisherQueue{
		eventChan:  eventChan,
		publishers: publishers,
		config:     config,
		clock:      clock.RealClock{},
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Loop runs until the channel is closed or Stop is called. Whatever is
// pending at that point is sent before Loop returns.
func (q *BatchPublisherQueue) Loop(ctx context.Context) {
	logger := log.FromContext(ctx).WithName("batch-queue")
	logger.Info("Batch publisher queue started",
		"publishers", len(q.publishers),
		"flushWindow", q.config.FlushWindow,
		"maxBatchSize", q.config.MaxBatchSize,
	)

	pending := newBatch(q.config.MaxBatchSize)
	var window clock.Timer
	defer func() {
		if window != nil {
			window.Stop()
		}
	}()

	send := func(trigger string) {
		if window != nil {
			window.Stop()
			window = nil
		}
		q.send(ctx, pending.take(), trigger)
	}

	for {
		var expired <-chan time.Time
		if window != nil {
			expired = window.C()
		}

		select {
		case msg, ok := <-q.eventChan:
			if !ok {
				send("closed")
				return
			}
			pending.add(msg)
			if pending.size() == 1 {
				window = q.clock.NewTimer(q.config.FlushWindow)
			}
			if pending.size() >= q.config.MaxBatchSize {
				send("size")
			}

		case <-expired:
			window = nil
			send("window")

		case <-q.stopCh:
			q.drain(pending)
			send("stopped")
			return
		}
	}
}

// Stop ends Loop. It is safe to call more than once.
func (q *BatchPublisherQueue) Stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })
}

// drain moves events already queued on the channel into b without blocking.
func (q *BatchPublisherQueue) drain(b *batch) {
	for {
		select {
		case msg, ok := <-q.eventChan:
			if !ok {
				return
			}
			b.add(msg)
		default:
			return
		}
	}
}

func (q *BatchPublisherQueue) send(ctx context.Context, msgs []model.EventMessage, trigger string) {
	if len(msgs) == 0 {
		return
	}
	logger := log.FromContext(ctx).WithName("batch-queue")
	logger.V(1).Info("Sending event batch", "eventCount", len(msgs), "trigger", trigger)

	for _, publisher := range q.publishers {
		if err := publisher.PublishBatch(ctx, msgs); err != nil {
			logger.Error(err, "Failed to publish event batch", "eventCount", len(msgs), "trigger", trigger)
		}
	}
}

type batch struct {
	capacity int
	msgs     []model.EventMessage
}

func newBatch(capacity int) *batch {
	return &batch{capacity: capacity}
}

func (b *batch) add(msg model.EventMessage) {
	if b.msgs == nil {
		b.msgs = make([]model.EventMessage, 0, b.capacity)
	}
	b.msgs = append(b.msgs, msg)
}

func (b *batch) size() int { return len(b.msgs) }

// take hands the buffered events to the caller and starts a fresh batch.
func (b *batch) take() []model.EventMessage {
	msgs := b.msgs
	b.msgs = nil
	return msgs
}
