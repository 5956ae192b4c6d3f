package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/pscheid92/livepoll/internal/domain"
)

const (
	queueSize   = 16
	sendTimeout = 5 * time.Second
)

// Viewer receives poll changes in commit order.
type Viewer interface {
	Send(ctx context.Context, change domain.PollChange) error
	Close(reason string)
}

// ViewerFunc adapts a function to an in-process Viewer. Close is a no-op.
type ViewerFunc func(ctx context.Context, change domain.PollChange) error

func (f ViewerFunc) Send(ctx context.Context, change domain.PollChange) error { return f(ctx, change) }
func (f ViewerFunc) Close(string)                                             {}

// writer drains one viewer's queue on its own goroutine.
type writer struct {
	viewer   Viewer
	queue    chan domain.PollChange
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	failed   func(error)
}

func newWriter(viewer Viewer, failed func(error)) *writer {
	ctx, cancel := context.WithCancel(context.Background())
	w := &writer{
		viewer: viewer,
		queue:  make(chan domain.PollChange, queueSize),
		ctx:    ctx,
		cancel: cancel,
		failed: failed,
	}
	go w.run()
	return w
}

// enqueue reports false when the queue is full.
func (w *writer) enqueue(change domain.PollChange) bool {
	select {
	case w.queue <- change:
		return true
	default:
		return false
	}
}

func (w *writer) run() {
	for {
		select {
		case change := <-w.queue:
			ctx, cancel := context.WithTimeout(w.ctx, sendTimeout)
			err := w.viewer.Send(ctx, change)
			cancel()
			if err != nil {
				if w.ctx.Err() == nil {
					w.failed(err)
				}
				return
			}
		case <-w.ctx.Done():
			return
		}
	}
}

// stop ends the writer without waiting for an in-flight Send; the viewer's
// Close is expected to unblock it.
func (w *writer) stop(reason string) {
	w.stopOnce.Do(func() {
		w.cancel()
		w.viewer.Close(reason)
	})
}
