package driver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// txReq is one pending device write plus the virtual mailbox it completes.
type txReq struct {
	mailbox int
	buf     []byte
}

// writerHooks customize asyncWriter behavior so each backend keeps its own
// metrics and completion plumbing without duplicating the goroutine logic.
type writerHooks struct {
	// onError is called when send returns a non-nil error (frame not sent).
	onError func(txReq, error)
	// onAfter is called only after a successful send.
	onAfter func(txReq)
	// onDrop is called when the buffer is full; its returned error is
	// returned from enqueue. If nil, the overflow is silent.
	onDrop func(txReq) error
}

var errWriterClosed = errors.New("driver: async writer closed")

// asyncWriter funnels device writes through a single goroutine (fan-in) with
// non-blocking enqueue semantics: a full buffer invokes onDrop instead of
// blocking the submission path behind a slow or wedged device.
type asyncWriter struct {
	mu     sync.Mutex
	ch     chan txReq
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	send   func(txReq) error
	hooks  writerHooks
	closed atomic.Bool
}

func newAsyncWriter(parent context.Context, buf int, send func(txReq) error, hooks writerHooks) *asyncWriter {
	ctx, cancel := context.WithCancel(parent)
	w := &asyncWriter{
		ch:     make(chan txReq, buf),
		ctx:    ctx,
		cancel: cancel,
		send:   send,
		hooks:  hooks,
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

func (w *asyncWriter) loop() {
	defer w.wg.Done()
	for {
		select {
		case req, ok := <-w.ch:
			if !ok {
				return
			}
			if err := w.send(req); err != nil {
				if w.hooks.onError != nil {
					w.hooks.onError(req, err)
				}
				continue
			}
			if w.hooks.onAfter != nil {
				w.hooks.onAfter(req)
			}
		case <-w.ctx.Done():
			return
		}
	}
}

// enqueue queues a write or returns the drop error when the buffer is full.
func (w *asyncWriter) enqueue(req txReq) error {
	// Fast-path check so steady-state sends avoid the lock after shutdown.
	if w.closed.Load() {
		return errWriterClosed
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed.Load() {
		return errWriterClosed
	}
	select {
	case w.ch <- req:
		return nil
	default:
		if w.hooks.onDrop != nil {
			return w.hooks.onDrop(req)
		}
		return nil
	}
}

// close stops the worker and waits for it to drain.
func (w *asyncWriter) close() {
	if w.closed.Swap(true) {
		return
	}
	w.cancel()
	w.mu.Lock()
	close(w.ch)
	w.mu.Unlock()
	w.wg.Wait()
}
