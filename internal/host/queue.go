package host

import (
	"context"
	"errors"
	"sync"
)

// Handler processes one job id taken from a queue.
type Handler func(ctx context.Context, jobID string) error

// Producer publishes job ids.
type Producer interface {
	Publish(ctx context.Context, jobID string) error
	Close() error
}

// Consumer delivers job ids to handler from workerCount goroutines until
// ctx is done.
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue is both ends of a transport.
type Queue interface {
	Producer
	Consumer
}

// ErrQueueClosed is returned when publishing to a closed queue.
var ErrQueueClosed = errors.New("queue closed")

// MemoryQueue is a buffered channel queue for single-process hosts.
// Publishers wait while the buffer is full. Publishes made from inside a
// handler never wait: when the buffer is full the id is handed over in the
// background so the worker keeps draining.
type MemoryQueue struct {
	ch   chan string
	done chan struct{}
	once sync.Once
}

type handlerCtxKey struct{}

// NewMemoryQueue creates a queue holding up to size ids.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size), done: make(chan struct{})}
}

func (q *MemoryQueue) Publish(ctx context.Context, jobID string) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- jobID:
		return nil
	default:
	}
	if owner, _ := ctx.Value(handlerCtxKey{}).(*MemoryQueue); owner == q {
		go q.handOver(ctx, jobID)
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrQueueClosed
	case q.ch <- jobID:
		return nil
	}
}

func (q *MemoryQueue) handOver(ctx context.Context, jobID string) {
	select {
	case q.ch <- jobID:
	case <-ctx.Done():
	case <-q.done:
	}
}

func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	hctx := context.WithValue(ctx, handlerCtxKey{}, q)
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case jobID := <-q.ch:
					_ = handler(hctx, jobID)
				}
			}
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrQueueClosed
}

// Close stops consumers and rejects further publishes. Buffered ids are dropped.
func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}
