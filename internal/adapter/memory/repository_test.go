package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pscheid92/livepoll/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPoll(question string) *domain.Poll {
	p, _ := domain.NewPoll(question, []string{"A", "B"}, true, 1)
	return p
}

func TestRepository_EmptyLoad(t *testing.T) {
	change, err := NewRepository().Load(context.Background())
	require.NoError(t, err)
	assert.Zero(t, change.Version)
	assert.True(t, change.Absent())
}

func TestRepository_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()

	c1, err := repo.CompareAndSwap(ctx, 0, testPoll("one"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), c1.Version)
	assert.Equal(t, "one", c1.Poll.Question)

	_, err = repo.CompareAndSwap(ctx, 0, testPoll("stale"))
	assert.ErrorIs(t, err, domain.ErrVersionConflict)

	loaded, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "one", loaded.Poll.Question)

	deleted, err := repo.CompareAndSwap(ctx, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted.Version)
	assert.True(t, deleted.Absent())
}

func TestRepository_LoadReturnsCopy(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()
	_, err := repo.CompareAndSwap(ctx, 0, testPoll("q"))
	require.NoError(t, err)

	loaded, _ := repo.Load(ctx)
	loaded.Poll.Options[0].Votes = 99

	again, _ := repo.Load(ctx)
	assert.Zero(t, again.Poll.Options[0].Votes)
}

func TestRepository_ConcurrentCASOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()

	const n = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.CompareAndSwap(ctx, 0, testPoll("race")); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestRepository_WatchDeliversInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	repo := NewRepository()

	feed, err := repo.Watch(ctx, 0)
	require.NoError(t, err)

	for v := int64(0); v < 5; v++ {
		_, err := repo.CompareAndSwap(ctx, v, testPoll("q"))
		require.NoError(t, err)
	}
	_, err = repo.CompareAndSwap(ctx, 5, nil)
	require.NoError(t, err)

	for want := int64(1); want <= 6; want++ {
		select {
		case c := <-feed:
			assert.Equal(t, want, c.Version)
			assert.Equal(t, want == 6, c.Absent())
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for version %d", want)
		}
	}
}

func TestRepository_WatchBehindGetsLatest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	repo := NewRepository()

	for v := int64(0); v < 3; v++ {
		_, err := repo.CompareAndSwap(ctx, v, testPoll("q"))
		require.NoError(t, err)
	}

	feed, err := repo.Watch(ctx, 1)
	require.NoError(t, err)

	select {
	case c := <-feed:
		assert.Equal(t, int64(3), c.Version)
	case <-time.After(time.Second):
		t.Fatal("expected catch-up change")
	}
}

func TestRepository_WatchClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	repo := NewRepository()

	feed, err := repo.Watch(ctx, 0)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-feed:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("feed not closed after cancel")
	}

	assert.Eventually(t, func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		return len(repo.watchers) == 0
	}, time.Second, 10*time.Millisecond)
}
