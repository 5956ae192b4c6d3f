package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/livepoll/internal/adapter/memory"
	"github.com/pscheid92/livepoll/internal/adapter/metrics"
	"github.com/pscheid92/livepoll/internal/app"
	"github.com/pscheid92/livepoll/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingViewer captures every change it is sent. A non-nil gate blocks
// Send until the gate is closed.
type recordingViewer struct {
	mu      sync.Mutex
	changes []domain.PollChange
	reason  string
	closed  chan struct{}
	gate    chan struct{}
	sendErr error
}

func newRecordingViewer() *recordingViewer {
	return &recordingViewer{closed: make(chan struct{})}
}

func (v *recordingViewer) Send(ctx context.Context, change domain.PollChange) error {
	if v.gate != nil {
		select {
		case <-v.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if v.sendErr != nil {
		return v.sendErr
	}
	v.mu.Lock()
	v.changes = append(v.changes, change)
	v.mu.Unlock()
	return nil
}

func (v *recordingViewer) Close(reason string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	select {
	case <-v.closed:
	default:
		v.reason = reason
		close(v.closed)
	}
}

func (v *recordingViewer) versions() []int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]int64, len(v.changes))
	for i, c := range v.changes {
		out[i] = c.Version
	}
	return out
}

func (v *recordingViewer) received() []domain.PollChange {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]domain.PollChange(nil), v.changes...)
}

func (v *recordingViewer) waitClosed(t *testing.T) string {
	t.Helper()
	select {
	case <-v.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("viewer was not closed")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.reason
}

// staticSource is a Source whose state is set by the test.
type staticSource struct {
	mu       sync.Mutex
	current  domain.PollChange
	callback func(domain.PollChange)
	err      error
}

func (s *staticSource) Subscribe(cb func(domain.PollChange)) func() {
	s.mu.Lock()
	s.callback = cb
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.callback = nil
		s.mu.Unlock()
	}
}

func (s *staticSource) Current(context.Context) (domain.PollChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.err
}

func (s *staticSource) emit(c domain.PollChange) {
	s.mu.Lock()
	cb := s.callback
	s.mu.Unlock()
	if cb != nil {
		cb(c)
	}
}

func testHub(t *testing.T, maxViewers int) *Hub {
	t.Helper()
	h := NewHub(clockwork.NewRealClock(), nil, maxViewers)
	t.Cleanup(h.Stop)
	return h
}

func pollAt(version int64, question string) domain.PollChange {
	p, _ := domain.NewPoll(question, []string{"A", "B"}, true, 1)
	return domain.PollChange{Version: version, Poll: p}
}

func TestHub_AttachReceivesLatestImmediately(t *testing.T) {
	h := testHub(t, 10)
	src := &staticSource{current: pollAt(3, "Q")}
	require.NoError(t, h.Start(context.Background(), src))

	v := newRecordingViewer()
	_, err := h.Attach(v)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(v.versions()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "Q", v.received()[0].Poll.Question)
}

func TestHub_AttachToEmptySlotReceivesAbsent(t *testing.T) {
	h := testHub(t, 10)
	require.NoError(t, h.Start(context.Background(), &staticSource{}))

	v := newRecordingViewer()
	_, err := h.Attach(v)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(v.versions()) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, v.received()[0].Absent())
}

func TestHub_StartFailsWhenSeedFails(t *testing.T) {
	h := testHub(t, 10)
	err := h.Start(context.Background(), &staticSource{err: errors.New("redis down")})
	assert.ErrorContains(t, err, "redis down")
}

func TestHub_IgnoresStaleAndDuplicateVersions(t *testing.T) {
	h := testHub(t, 10)
	src := &staticSource{current: pollAt(5, "seed")}

	v := newRecordingViewer()
	_, err := h.Attach(v)
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background(), src))

	src.emit(pollAt(4, "older"))
	src.emit(pollAt(5, "same"))
	src.emit(pollAt(6, "newer"))

	require.Eventually(t, func() bool { return len(v.versions()) == 2 }, time.Second, 5*time.Millisecond)
	// Give stray deliveries a chance to show up.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []int64{5, 6}, v.versions())
}

func TestHub_SubscriberBeforeCreateSeesEveryChangeInOrder(t *testing.T) {
	clock := clockwork.NewRealClock()
	store := app.NewPollStore(memory.NewRepository(), app.NewLogicalClock(clock), app.StoreOptions{MaxAttempts: 64})
	votes := app.NewVoteCoordinator(store, nil, clock)
	admin := app.NewAdminController(store, "secret-secret")

	h := testHub(t, 10)
	require.NoError(t, h.Start(context.Background(), store))

	go func() { _ = store.Run(context.Background()) }()
	t.Cleanup(store.Close)
	select {
	case <-store.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("store not ready")
	}

	v := newRecordingViewer()
	_, err := h.Attach(v)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = admin.CreatePoll(ctx, "Pick one", []string{"A", "B"}, true)
	require.NoError(t, err)
	for _, dev := range []string{"d1", "d2", "d3"} {
		_, err := votes.CastVote(ctx, app.CastVoteRequest{OptionIndex: 0, DeviceID: dev})
		require.NoError(t, err)
	}
	_, err = admin.SetActive(ctx, false)
	require.NoError(t, err)
	require.NoError(t, admin.DeletePoll(ctx))

	require.Eventually(t, func() bool { return len(v.versions()) == 7 }, 2*time.Second, 5*time.Millisecond)

	got := v.received()
	assert.True(t, got[0].Absent(), "first delivery is the empty slot")
	assert.Equal(t, "Pick one", got[1].Poll.Question)
	for i := 2; i <= 4; i++ {
		assert.Equal(t, i-1, got[i].Poll.TotalVotes)
	}
	assert.False(t, got[5].Poll.IsActive)
	assert.True(t, got[6].Absent())
	for i := 1; i < len(got); i++ {
		assert.Equal(t, got[i-1].Version+1, got[i].Version)
	}
}

func TestHub_SlowViewerEvictedOthersUnaffected(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewHubMetrics(reg)
	h := NewHub(clockwork.NewRealClock(), m, 10)
	t.Cleanup(h.Stop)
	src := &staticSource{}
	require.NoError(t, h.Start(context.Background(), src))

	slow := newRecordingViewer()
	slow.gate = make(chan struct{})
	defer close(slow.gate)
	fast := newRecordingViewer()

	_, err := h.Attach(slow)
	require.NoError(t, err)
	_, err = h.Attach(fast)
	require.NoError(t, err)

	// Version 0 from the seed plus enough changes to overflow the slow queue.
	// Pacing on the fast viewer keeps its own queue short.
	const changes = queueSize + 4
	require.Eventually(t, func() bool { return len(fast.versions()) == 1 }, time.Second, time.Millisecond)
	for v := int64(1); v <= changes; v++ {
		src.emit(pollAt(v, "Q"))
		want := int(v) + 1
		require.Eventually(t, func() bool { return len(fast.versions()) == want }, time.Second, time.Millisecond)
	}

	assert.Equal(t, "too slow", slow.waitClosed(t))
	for i, v := range fast.versions() {
		assert.Equal(t, int64(i), v)
	}

	require.Eventually(t, func() bool { return h.ViewerCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Evictions.WithLabelValues("too slow")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Viewers), 0)
}

func TestHub_DetachIsIdempotent(t *testing.T) {
	h := testHub(t, 10)
	v := newRecordingViewer()

	handle, err := h.Attach(v)
	require.NoError(t, err)
	require.Equal(t, 1, h.ViewerCount())

	h.Detach(handle)
	h.Detach(handle)
	h.Detach(Handle{})

	assert.Equal(t, 0, h.ViewerCount())
	assert.Equal(t, "detached", v.waitClosed(t))
}

func TestHub_MaxViewers(t *testing.T) {
	h := testHub(t, 2)

	for range 2 {
		_, err := h.Attach(newRecordingViewer())
		require.NoError(t, err)
	}

	rejected := newRecordingViewer()
	_, err := h.Attach(rejected)
	require.ErrorIs(t, err, ErrTooManyViewers)
	assert.Equal(t, "too many viewers", rejected.waitClosed(t))
	assert.Equal(t, 2, h.ViewerCount())
}

func TestHub_FailingViewerIsDetached(t *testing.T) {
	h := testHub(t, 10)
	require.NoError(t, h.Start(context.Background(), &staticSource{current: pollAt(1, "Q")}))

	v := newRecordingViewer()
	v.sendErr = errors.New("broken pipe")
	_, err := h.Attach(v)
	require.NoError(t, err)

	assert.Equal(t, "send failed", v.waitClosed(t))
	require.Eventually(t, func() bool { return h.ViewerCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHub_StopClosesViewers(t *testing.T) {
	h := NewHub(clockwork.NewRealClock(), nil, 10)
	src := &staticSource{}
	require.NoError(t, h.Start(context.Background(), src))

	v := newRecordingViewer()
	_, err := h.Attach(v)
	require.NoError(t, err)

	h.Stop()
	assert.Equal(t, "server shutting down", v.waitClosed(t))

	_, err = h.Attach(newRecordingViewer())
	assert.Error(t, err)

	h.Stop() // second stop is a no-op
	src.mu.Lock()
	assert.Nil(t, src.callback, "stop unsubscribes from the source")
	src.mu.Unlock()
}

func TestViewerFunc(t *testing.T) {
	h := testHub(t, 10)
	require.NoError(t, h.Start(context.Background(), &staticSource{current: pollAt(2, "Q")}))

	got := make(chan domain.PollChange, 1)
	_, err := h.Attach(ViewerFunc(func(_ context.Context, c domain.PollChange) error {
		got <- c
		return nil
	}))
	require.NoError(t, err)

	select {
	case c := <-got:
		assert.Equal(t, int64(2), c.Version)
	case <-time.After(time.Second):
		t.Fatal("ViewerFunc not called")
	}
}
