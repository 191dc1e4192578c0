package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
)

type fakeOutbox struct {
	mu        sync.Mutex
	pending   []Message
	published []Message
}

func (f *fakeOutbox) ProcessBatch(ctx context.Context, limit int, fn func(context.Context, []Message) error) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := min(limit, len(f.pending))
	batch := append([]Message{}, f.pending[:n]...)
	if n == 0 {
		return 0, nil
	}
	if err := fn(ctx, batch); err != nil {
		return 0, err
	}
	f.pending = f.pending[n:]
	f.published = append(f.published, batch...)
	return n, nil
}

type fakeProducer struct {
	mu     sync.Mutex
	fail   bool
	topics []string
	sent   int
}

func (p *fakeProducer) Publish(_ context.Context, topic string, messages []Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker unreachable")
	}
	p.topics = append(p.topics, topic)
	p.sent += len(messages)
	return nil
}

type WorkerSuite struct {
	suite.Suite
}

func TestWorkerSuite(t *testing.T) {
	suite.Run(t, new(WorkerSuite))
}

func messages(n int) []Message {
	out := make([]Message, n)
	for i := range out {
		out[i] = Message{ID: uuid.New(), AggregateID: uuid.NewString(), EventType: "approved", Payload: []byte(`{}`)}
	}
	return out
}

func (s *WorkerSuite) TestRunOnce() {
	s.Run("publishes one batch and marks it", func() {
		outbox := &fakeOutbox{pending: messages(3)}
		producer := &fakeProducer{}
		w := NewWorker(outbox, producer, "verification.audit", WithBatchSize(2))

		n, err := w.RunOnce(context.Background())
		s.Require().NoError(err)
		s.Equal(2, n)
		s.Len(outbox.pending, 1)
		s.Equal([]string{"verification.audit"}, producer.topics)
	})

	s.Run("producer failure leaves rows pending", func() {
		outbox := &fakeOutbox{pending: messages(2)}
		w := NewWorker(outbox, &fakeProducer{fail: true}, "verification.audit")

		_, err := w.RunOnce(context.Background())
		s.Require().Error(err)
		s.Len(outbox.pending, 2)
		s.Empty(outbox.published)
	})
}

func (s *WorkerSuite) TestRunDrainsBacklog() {
	outbox := &fakeOutbox{pending: messages(7)}
	producer := &fakeProducer{}
	w := NewWorker(outbox, producer, "verification.audit", WithBatchSize(3), WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := w.Run(ctx)
	s.ErrorIs(err, context.DeadlineExceeded)

	producer.mu.Lock()
	defer producer.mu.Unlock()
	s.Equal(7, producer.sent)
}
