package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-can-decoder/internal/can"
)

var (
	// ErrQueueOverflow is the usual OnDrop result when the queue is full.
	ErrQueueOverflow = errors.New("decode queue overflow")
	// ErrQueueClosed is returned by Enqueue after Close.
	ErrQueueClosed = errors.New("decode queue closed")
)

// AsyncQueue hands frames from the receive loop to a single worker goroutine.
// Enqueue never blocks: when the buffer is full the OnDrop hook runs and its
// error is returned, so a slow consumer cannot stall the bus reader.
//
//	q := NewAsyncQueue(ctx, 1024, handle, Hooks{...})
//	q.Enqueue(frame)
//	q.Close()
//
// Close drains frames already queued before returning.
type AsyncQueue struct {
	mu     sync.Mutex
	ch     chan can.Frame
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	handle FrameHandler
	hooks  Hooks
	closed atomic.Bool
}

// Hooks customize AsyncQueue behavior.
type Hooks struct {
	// OnError is called when the handler fails.
	OnError func(error)
	// OnAfter is called after each successfully handled frame.
	OnAfter func()
	// OnDrop is called when the buffer is full; its result is returned from
	// Enqueue. When nil the frame is dropped silently.
	OnDrop func() error
}

// NewAsyncQueue starts the worker. Cancelling parent stops it without draining.
func NewAsyncQueue(parent context.Context, buf int, handle FrameHandler, hooks Hooks) *AsyncQueue {
	if buf < 1 {
		buf = 1
	}
	ctx, cancel := context.WithCancel(parent)
	q := &AsyncQueue{
		ch:     make(chan can.Frame, buf),
		ctx:    ctx,
		cancel: cancel,
		handle: handle,
		hooks:  hooks,
	}
	q.wg.Add(1)
	go q.loop()
	return q
}

func (q *AsyncQueue) loop() {
	defer q.wg.Done()
	for {
		select {
		case fr, ok := <-q.ch:
			if !ok {
				return
			}
			q.run(fr)
		case <-q.ctx.Done():
			return
		}
	}
}

func (q *AsyncQueue) run(fr can.Frame) {
	if err := q.handle(fr); err != nil {
		if q.hooks.OnError != nil {
			q.hooks.OnError(err)
		}
		return
	}
	if q.hooks.OnAfter != nil {
		q.hooks.OnAfter()
	}
}

// Enqueue queues fr for the worker.
func (q *AsyncQueue) Enqueue(fr can.Frame) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed.Load() {
		return ErrQueueClosed
	}
	select {
	case q.ch <- fr:
		return nil
	default:
		if q.hooks.OnDrop != nil {
			return q.hooks.OnDrop()
		}
		return nil
	}
}

// Len reports frames waiting for the worker.
func (q *AsyncQueue) Len() int { return len(q.ch) }

// Cap reports the buffer size.
func (q *AsyncQueue) Cap() int { return cap(q.ch) }

// Close stops accepting frames, lets the worker finish what is queued and
// waits for it.
func (q *AsyncQueue) Close() {
	if q.closed.Swap(true) {
		return
	}
	q.mu.Lock()
	close(q.ch)
	q.mu.Unlock()
	q.wg.Wait()
	q.cancel()
}
