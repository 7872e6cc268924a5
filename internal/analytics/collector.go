package analytics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kangjinkui/katokbot/pkg/config"
	"github.com/kangjinkui/katokbot/pkg/kafka"
)

// Publisher is satisfied by *kafka.Producer.
type Publisher interface {
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

// Collector records events into the local aggregator synchronously and
// forwards them to Kafka in the background. Track never blocks the request
// path; events are dropped when the buffer is full or after Close.
type Collector struct {
	aggregator *Aggregator
	publisher  Publisher
	topics     config.KafkaTopics
	eventCh    chan kafka.Event
	logger     *slog.Logger
	done       chan struct{}
	batchSize  int
	flushEvery time.Duration

	// mu guards closed and the close of eventCh against concurrent sends.
	mu     sync.RWMutex
	closed bool
}

// NewCollector accepts a nil aggregator or publisher.
func NewCollector(aggregator *Aggregator, publisher Publisher, topics config.KafkaTopics, bufferSize int) *Collector {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	return &Collector{
		aggregator: aggregator,
		publisher:  publisher,
		topics:     topics,
		eventCh:    make(chan kafka.Event, bufferSize),
		logger:     slog.Default().With("component", "analytics-collector"),
		done:       make(chan struct{}),
		batchSize:  100,
		flushEvery: time.Second,
	}
}

// Start runs the publishing loop until ctx is done or Close is called.
func (c *Collector) Start(ctx context.Context) {
	if c.publisher == nil {
		close(c.done)
		return
	}
	go c.run(ctx)
	c.logger.Info("analytics collector started", "buffer_size", cap(c.eventCh))
}

func (c *Collector) run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.flushEvery)
	defer ticker.Stop()

	batch := make([]kafka.Event, 0, c.batchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := c.publisher.PublishBatch(ctx, batch); err != nil {
			c.logger.Error("failed to publish analytics events", "count", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event, ok := <-c.eventCh:
			if !ok {
				flush(context.Background())
				return
			}
			batch = append(batch, event)
			if len(batch) >= c.batchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case <-ctx.Done():
			c.drain(&batch)
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			flush(drainCtx)
			cancel()
			return
		}
	}
}

func (c *Collector) drain(batch *[]kafka.Event) {
	for {
		select {
		case event, ok := <-c.eventCh:
			if !ok {
				return
			}
			*batch = append(*batch, event)
		default:
			return
		}
	}
}

func (c *Collector) TrackQuery(e QueryEvent) {
	e.Type = EventQuery
	if c.aggregator != nil {
		c.aggregator.RecordQuery(e)
	}
	c.enqueue(kafka.Event{Topic: c.topics.QueryEvents, Key: e.Query, Value: e})
}

func (c *Collector) TrackReload(e ReloadEvent) {
	e.Type = EventReload
	if c.aggregator != nil {
		c.aggregator.RecordReload(e)
	}
	c.enqueue(kafka.Event{Topic: c.topics.ReloadEvents, Key: e.ReloadID, Value: e})
}

func (c *Collector) enqueue(event kafka.Event) {
	if c.publisher == nil {
		return
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		c.logger.Debug("analytics event dropped (collector closed)", "topic", event.Topic)
		return
	}
	select {
	case c.eventCh <- event:
	default:
		c.logger.Warn("analytics event dropped (buffer full)")
	}
}

// Close flushes buffered events and stops the loop. Track calls racing with
// or following Close still update the aggregator but are not published.
func (c *Collector) Close() {
	if c.publisher == nil {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return
	}
	c.closed = true
	close(c.eventCh)
	c.mu.Unlock()
	<-c.done
}
