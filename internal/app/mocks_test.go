package app

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/livepoll/internal/adapter/memory"
	"github.com/pscheid92/livepoll/internal/domain"
)

// --- Mock PollRepository ---

type mockRepository struct {
	loadFn  func(ctx context.Context) (domain.PollChange, error)
	casFn   func(ctx context.Context, expectedVersion int64, next *domain.Poll) (domain.PollChange, error)
	watchFn func(ctx context.Context, afterVersion int64) (<-chan domain.PollChange, error)
}

func (m *mockRepository) Load(ctx context.Context) (domain.PollChange, error) {
	if m.loadFn != nil {
		return m.loadFn(ctx)
	}
	return domain.PollChange{}, nil
}

func (m *mockRepository) CompareAndSwap(ctx context.Context, expectedVersion int64, next *domain.Poll) (domain.PollChange, error) {
	if m.casFn != nil {
		return m.casFn(ctx, expectedVersion, next)
	}
	return domain.PollChange{Version: expectedVersion + 1, Poll: next}, nil
}

func (m *mockRepository) Watch(ctx context.Context, afterVersion int64) (<-chan domain.PollChange, error) {
	if m.watchFn != nil {
		return m.watchFn(ctx, afterVersion)
	}
	ch := make(chan domain.PollChange)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

// --- Mock VoteMemo ---

type mockMemo struct {
	recallFn   func(pollID int64) (int, bool)
	rememberFn func(pollID int64, optionIndex int) error
	forgotten  int
}

func (m *mockMemo) Recall(pollID int64) (int, bool) {
	if m.recallFn != nil {
		return m.recallFn(pollID)
	}
	return 0, false
}

func (m *mockMemo) Remember(pollID int64, optionIndex int) error {
	if m.rememberFn != nil {
		return m.rememberFn(pollID, optionIndex)
	}
	return nil
}

func (m *mockMemo) Forget() error {
	m.forgotten++
	return nil
}

// --- Helpers ---

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	repo  *memory.Repository
	clock *clockwork.FakeClock
	store *PollStore
	votes *VoteCoordinator
	admin *AdminController
}

func newFixture(t *testing.T, maxAttempts int) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testEpoch)
	repo := memory.NewRepository()
	store := NewPollStore(repo, NewLogicalClock(clock), StoreOptions{MaxAttempts: maxAttempts, Clock: clock})
	return &fixture{
		repo:  repo,
		clock: clock,
		store: store,
		votes: NewVoteCoordinator(store, nil, clock),
		admin: NewAdminController(store, "correct-horse"),
	}
}

func (f *fixture) create(t *testing.T) *domain.Poll {
	t.Helper()
	p, err := f.admin.CreatePoll(context.Background(), "Pick one", []string{"A", "B"}, true)
	if err != nil {
		t.Fatalf("create poll: %v", err)
	}
	return p
}

// runStore starts the dispatcher, waits until it follows the feed and stops
// it when the test ends.
func runStore(t *testing.T, s *PollStore) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()
	t.Cleanup(func() {
		s.Close()
		<-errCh
	})

	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("poll store did not become ready")
	}
}
