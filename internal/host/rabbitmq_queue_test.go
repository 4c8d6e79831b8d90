package host

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type ackRecorder struct {
	mu     sync.Mutex
	acked  []uint64
	nacked []uint64
}

func (a *ackRecorder) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *ackRecorder) Nack(tag uint64, _, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = append(a.nacked, tag)
	return nil
}

func (a *ackRecorder) Reject(tag uint64, _ bool) error {
	return a.Nack(tag, false, false)
}

func TestConsumeDeliveriesAcksFailedJobs(t *testing.T) {
	acks := &ackRecorder{}
	msgs := make(chan amqp.Delivery, 3)
	for i, id := range []string{"ok", "broken", "ok-too"} {
		msgs <- amqp.Delivery{Acknowledger: acks, DeliveryTag: uint64(i + 1), Body: []byte(id)}
	}
	close(msgs)

	rec := &jobRecorder{}
	err := consumeDeliveries(context.Background(), msgs, 2, func(_ context.Context, id string) error {
		rec.add(id)
		if id == "broken" {
			return errors.New("handler failed")
		}
		return nil
	})
	if !errors.Is(err, ErrDeliveriesClosed) {
		t.Fatalf("expected closed deliveries, got %v", err)
	}
	if got := rec.snapshot(); len(got) != 3 {
		t.Fatalf("handled %v", got)
	}
	acks.mu.Lock()
	defer acks.mu.Unlock()
	if len(acks.acked) != 3 || len(acks.nacked) != 0 {
		t.Fatalf("acked %v nacked %v", acks.acked, acks.nacked)
	}
}

func TestConsumeDeliveriesStopsOnCancel(t *testing.T) {
	msgs := make(chan amqp.Delivery)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- consumeDeliveries(ctx, msgs, 1, func(context.Context, string) error { return nil })
	}()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected cancellation, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("consumer did not stop")
	}
}

func TestRabbitMQQueueRequiresConnection(t *testing.T) {
	if _, err := NewRabbitMQQueue(RabbitMQConfig{}); err == nil {
		t.Fatalf("expected error for empty url")
	}
	var q *RabbitMQQueue
	if err := q.Publish(context.Background(), "a"); err == nil {
		t.Fatalf("expected error publishing without a channel")
	}
	if err := q.Consume(context.Background(), 1, nil); err == nil {
		t.Fatalf("expected error consuming without a channel")
	}
	if err := q.Close(); err != nil {
		t.Fatalf("close nil queue: %v", err)
	}
}
