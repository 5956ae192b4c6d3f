// Package memory is a single-process PollRepository for development and tests.
package memory

import (
	"context"
	"sync"

	"github.com/pscheid92/livepoll/internal/domain"
)

// Repository keeps the poll slot in memory. It retains no history: a Watch
// starting behind the current version first receives the latest state.
type Repository struct {
	mu       sync.Mutex
	version  int64
	poll     *domain.Poll
	watchers map[*watcher]struct{}
}

func NewRepository() *Repository {
	return &Repository{watchers: make(map[*watcher]struct{})}
}

func (r *Repository) Load(_ context.Context) (domain.PollChange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return domain.PollChange{Version: r.version, Poll: r.poll.Clone()}, nil
}

func (r *Repository) CompareAndSwap(_ context.Context, expectedVersion int64, next *domain.Poll) (domain.PollChange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.version != expectedVersion {
		return domain.PollChange{}, domain.ErrVersionConflict
	}

	r.version++
	r.poll = next.Clone()

	for w := range r.watchers {
		w.push(domain.PollChange{Version: r.version, Poll: r.poll.Clone()})
	}
	return domain.PollChange{Version: r.version, Poll: r.poll.Clone()}, nil
}

func (r *Repository) Watch(ctx context.Context, afterVersion int64) (<-chan domain.PollChange, error) {
	w := &watcher{signal: make(chan struct{}, 1)}

	r.mu.Lock()
	if r.version > afterVersion {
		w.push(domain.PollChange{Version: r.version, Poll: r.poll.Clone()})
	}
	r.watchers[w] = struct{}{}
	r.mu.Unlock()

	out := make(chan domain.PollChange)
	go func() {
		defer close(out)
		defer func() {
			r.mu.Lock()
			delete(r.watchers, w)
			r.mu.Unlock()
		}()
		w.run(ctx, out)
	}()
	return out, nil
}

// watcher buffers changes pushed under the repository lock so commits never
// wait for a slow reader.
type watcher struct {
	mu     sync.Mutex
	queue  []domain.PollChange
	signal chan struct{}
}

func (w *watcher) push(c domain.PollChange) {
	w.mu.Lock()
	w.queue = append(w.queue, c)
	w.mu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *watcher) drain() []domain.PollChange {
	w.mu.Lock()
	defer w.mu.Unlock()
	batch := w.queue
	w.queue = nil
	return batch
}

func (w *watcher) run(ctx context.Context, out chan<- domain.PollChange) {
	for {
		for _, c := range w.drain() {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-w.signal:
		case <-ctx.Done():
			return
		}
	}
}
