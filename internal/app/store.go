package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/livepoll/internal/adapter/metrics"
	"github.com/pscheid92/livepoll/internal/domain"
	"github.com/pscheid92/livepoll/internal/platform/retry"
	"golang.org/x/sync/singleflight"
)

const (
	defaultMaxAttempts = 16
	conflictBackoff    = time.Millisecond
	maxConflictBackoff = 25 * time.Millisecond
	feedRetryBackoff   = time.Second
	sharedLoadTimeout  = 5 * time.Second
)

type StoreOptions struct {
	// MaxAttempts caps compare-and-swap attempts per write before ErrContention.
	MaxAttempts int
	Metrics     *metrics.StoreMetrics
	Clock       clockwork.Clock
}

// PollStore owns the canonical poll. Every write is a compare-and-swap against
// the repository version it read, retried on conflict, so no two commits are
// ever based on the same prior state.
type PollStore struct {
	repo    domain.PollRepository
	ids     domain.IDGenerator
	policy  retry.Policy
	metrics *metrics.StoreMetrics
	clock   clockwork.Clock
	reads   singleflight.Group

	mu      sync.Mutex
	subs    map[uint64]func(domain.PollChange)
	nextSub uint64

	runMu     sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	ready     chan struct{}
	readyOnce sync.Once
}

func NewPollStore(repo domain.PollRepository, ids domain.IDGenerator, opts StoreOptions) *PollStore {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	return &PollStore{
		repo: repo,
		ids:  ids,
		policy: retry.Policy{
			MaxAttempts:    opts.MaxAttempts,
			InitialBackoff: conflictBackoff,
			MaxBackoff:     maxConflictBackoff,
			Jitter:         true,
		},
		metrics: opts.Metrics,
		clock:   opts.Clock,
		subs:    make(map[uint64]func(domain.PollChange)),
		ready:   make(chan struct{}),
	}
}

// Ready is closed once Run follows the change feed. Commits made before that
// are not dispatched to subscribers.
func (s *PollStore) Ready() <-chan struct{} {
	return s.ready
}

// Get returns a snapshot of the poll, or nil when there is none. Concurrent
// calls share one repository read.
func (s *PollStore) Get(ctx context.Context) (*domain.Poll, error) {
	change, err := s.Current(ctx)
	if err != nil {
		return nil, err
	}
	return change.Poll, nil
}

// Current returns the latest committed change. The poll is a private copy.
func (s *PollStore) Current(ctx context.Context) (domain.PollChange, error) {
	// The load is shared, so one caller going away must not fail the others.
	v, err, _ := s.reads.Do("poll", func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedLoadTimeout)
		defer cancel()
		return s.repo.Load(loadCtx)
	})
	if err != nil {
		return domain.PollChange{}, fmt.Errorf("failed to load poll: %w", err)
	}

	change := v.(domain.PollChange)
	return domain.PollChange{Version: change.Version, Poll: change.Poll.Clone()}, nil
}

// Create replaces whatever poll exists with a fresh active one.
func (s *PollStore) Create(ctx context.Context, question string, options []string, showResults bool) (*domain.Poll, error) {
	createdAt := s.ids.NextID()
	fresh, err := domain.NewPoll(question, options, showResults, createdAt)
	if err != nil {
		return nil, err
	}

	change, _, err := s.commit(ctx, "create", func(cur *domain.Poll) (*domain.Poll, bool, error) {
		next := fresh.Clone()
		// A new poll must be distinguishable from the one it replaces.
		if cur != nil && next.CreatedAt <= cur.CreatedAt {
			next.CreatedAt = cur.CreatedAt + 1
		}
		return next, true, nil
	})
	if err != nil {
		return nil, err
	}
	return change.Poll, nil
}

// Mutate applies transform to a private copy of the current poll and commits
// the result if nothing else committed in between, otherwise it re-runs
// transform against the fresh state. A transform returning (nil, nil) commits
// nothing and Mutate returns the unchanged poll. Mutate on an empty slot
// fails with ErrNoActivePoll without calling transform.
func (s *PollStore) Mutate(ctx context.Context, transform func(*domain.Poll) (*domain.Poll, error)) (*domain.Poll, error) {
	change, _, err := s.commit(ctx, "mutate", func(cur *domain.Poll) (*domain.Poll, bool, error) {
		if cur == nil {
			return nil, false, domain.ErrNoActivePoll
		}
		next, err := transform(cur)
		if err != nil {
			return nil, false, err
		}
		return next, next != nil, nil
	})
	if err != nil {
		return nil, err
	}
	return change.Poll, nil
}

// Reset zeroes all tallies and forgets every voter, keeping question, options
// and createdAt.
func (s *PollStore) Reset(ctx context.Context) (*domain.Poll, error) {
	change, _, err := s.commit(ctx, "reset", func(cur *domain.Poll) (*domain.Poll, bool, error) {
		if cur == nil {
			return nil, false, domain.ErrNoActivePoll
		}
		cur.ResetTallies()
		return cur, true, nil
	})
	if err != nil {
		return nil, err
	}
	return change.Poll, nil
}

// Delete empties the slot. Deleting an empty slot is a no-op.
func (s *PollStore) Delete(ctx context.Context) error {
	_, _, err := s.commit(ctx, "delete", func(cur *domain.Poll) (*domain.Poll, bool, error) {
		return nil, cur != nil, nil
	})
	return err
}

type stepFunc func(cur *domain.Poll) (next *domain.Poll, write bool, err error)

type commitResult struct {
	change    domain.PollChange
	committed bool
}

func (s *PollStore) commit(ctx context.Context, op string, step stepFunc) (domain.PollChange, bool, error) {
	res, err := retry.Do(ctx, s.policy, classifyConflict, func(int) (commitResult, error) {
		cur, err := s.repo.Load(ctx)
		if err != nil {
			return commitResult{}, fmt.Errorf("failed to load poll: %w", err)
		}

		next, write, err := step(cur.Poll.Clone())
		if err != nil {
			return commitResult{}, err
		}
		if !write {
			return commitResult{change: cur}, nil
		}

		if next != nil {
			if err := next.CheckInvariants(); err != nil {
				return commitResult{}, fmt.Errorf("refusing %s commit: %w", op, err)
			}
		}

		committed, err := s.repo.CompareAndSwap(ctx, cur.Version, next)
		if err != nil {
			if errors.Is(err, domain.ErrVersionConflict) && s.metrics != nil {
				s.metrics.Conflicts.Inc()
			}
			return commitResult{}, err
		}
		return commitResult{change: committed, committed: true}, nil
	})

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		if s.metrics != nil {
			s.metrics.Exhausted.Inc()
		}
		slog.WarnContext(ctx, "Poll write gave up under contention", "op", op, "attempts", exhausted.Attempts)
		return domain.PollChange{}, false, fmt.Errorf("%s after %d attempts: %w", op, exhausted.Attempts, domain.ErrContention)
	}
	if err != nil {
		return domain.PollChange{}, false, err
	}

	if res.committed && s.metrics != nil {
		s.metrics.Commits.WithLabelValues(op).Inc()
	}
	return domain.PollChange{Version: res.change.Version, Poll: res.change.Poll.Clone()}, res.committed, nil
}

func classifyConflict(err error) retry.Action {
	if errors.Is(err, domain.ErrVersionConflict) {
		return retry.Retry
	}
	return retry.Stop
}

// Subscribe registers callback for every change committed after Run started,
// delivered in commit order from a single goroutine. Callbacks must not
// block. The returned function unsubscribes and is safe to call repeatedly.
func (s *PollStore) Subscribe(callback func(domain.PollChange)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = callback
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Run follows the repository change feed and dispatches to subscribers until
// ctx ends or Close is called. A broken feed is re-opened after the last
// dispatched version so no commit is skipped.
func (s *PollStore) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.runMu.Lock()
	if s.done != nil {
		s.runMu.Unlock()
		return errors.New("poll store already running")
	}
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.runMu.Unlock()
	defer close(done)

	start, err := s.repo.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load initial poll state: %w", err)
	}
	after := start.Version

	for {
		feed, err := s.repo.Watch(ctx, after)
		if err != nil {
			slog.Error("Failed to open poll change feed", "after_version", after, "error", err)
		} else {
			s.readyOnce.Do(func() { close(s.ready) })
			after = s.follow(ctx, feed, after)
		}

		if ctx.Err() != nil {
			return nil
		}

		if s.metrics != nil {
			s.metrics.FeedRestarts.Inc()
		}
		slog.Warn("Poll change feed interrupted, reconnecting", "after_version", after)
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(feedRetryBackoff):
		}
	}
}

// follow dispatches changes newer than after until feed closes or ctx ends
// and returns the last dispatched version.
func (s *PollStore) follow(ctx context.Context, feed <-chan domain.PollChange, after int64) int64 {
	for {
		select {
		case <-ctx.Done():
			return after
		case change, ok := <-feed:
			if !ok {
				return after
			}
			if change.Version <= after {
				continue
			}
			after = change.Version
			s.dispatch(change)
		}
	}
}

// Close stops Run and waits for the dispatcher to exit.
func (s *PollStore) Close() {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *PollStore) dispatch(change domain.PollChange) {
	s.mu.Lock()
	callbacks := make([]func(domain.PollChange), 0, len(s.subs))
	for _, cb := range s.subs {
		callbacks = append(callbacks, cb)
	}
	s.mu.Unlock()

	for _, cb := range callbacks {
		cb(domain.PollChange{Version: change.Version, Poll: change.Poll.Clone()})
	}
}
