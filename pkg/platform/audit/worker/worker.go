package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Message is one unpublished outbox row.
type Message struct {
	ID          uuid.UUID
	AggregateID string
	EventType   string
	Payload     []byte
	CreatedAt   time.Time
}

// Outbox hands out batches of unpublished messages. ProcessBatch marks the
// batch published only when fn succeeds.
type Outbox interface {
	ProcessBatch(ctx context.Context, limit int, fn func(ctx context.Context, batch []Message) error) (int, error)
}

// Producer publishes keyed messages to a topic.
type Producer interface {
	Publish(ctx context.Context, topic string, messages []Message) error
}

// Worker relays outbox rows to Kafka on a fixed interval.
type Worker struct {
	outbox    Outbox
	producer  Producer
	topic     string
	batchSize int
	interval  time.Duration
	logger    *slog.Logger
}

// Option configures the Worker.
type Option func(*Worker)

func WithBatchSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

func NewWorker(outbox Outbox, producer Producer, topic string, opts ...Option) *Worker {
	w := &Worker{
		outbox:    outbox,
		producer:  producer,
		topic:     topic,
		batchSize: 100,
		interval:  time.Second,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run polls until ctx is cancelled. A full batch is followed immediately by
// another poll so a backlog drains without waiting for the ticker.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for {
				n, err := w.RunOnce(ctx)
				if err != nil {
					w.logger.WarnContext(ctx, "outbox relay batch failed", "error", err)
					break
				}
				if n < w.batchSize {
					break
				}
			}
		}
	}
}

// RunOnce publishes a single batch and returns how many rows it relayed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	return w.outbox.ProcessBatch(ctx, w.batchSize, func(ctx context.Context, batch []Message) error {
		return w.producer.Publish(ctx, w.topic, batch)
	})
}
