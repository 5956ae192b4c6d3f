package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/livepoll/internal/adapter/metrics"
	"github.com/pscheid92/livepoll/internal/domain"
)

const (
	commandTimeout = 5 * time.Second
	stopTimeout    = 10 * time.Second
	commandBuffer  = 256
)

var (
	ErrTooManyViewers = errors.New("too many viewers")
	ErrHubStopped     = errors.New("hub stopped")
)

// Source is the committed change feed the hub republishes.
type Source interface {
	Subscribe(callback func(domain.PollChange)) func()
	Current(ctx context.Context) (domain.PollChange, error)
}

// Handle identifies an attached viewer.
type Handle struct {
	id uuid.UUID
}

func (h Handle) String() string { return h.id.String() }

type hubCmd interface{ isHubCmd() }

type baseHubCmd struct{}

func (baseHubCmd) isHubCmd() {}

type attachCmd struct {
	baseHubCmd
	viewer Viewer
	reply  chan attachResult
}

type attachResult struct {
	handle Handle
	err    error
}

type detachCmd struct {
	baseHubCmd
	handle Handle
	reason string
}

type changeCmd struct {
	baseHubCmd
	change domain.PollChange
}

type countCmd struct {
	baseHubCmd
	reply chan int
}

type stopCmd struct {
	baseHubCmd
}

// Hub is the subscription hub for poll changes.
type Hub struct {
	cmdCh      chan hubCmd
	done       chan struct{}
	clock      clockwork.Clock
	metrics    *metrics.HubMetrics
	maxViewers int

	// owned by run
	viewers   map[uuid.UUID]*writer
	latest    domain.PollChange
	hasLatest bool

	unsubscribe func()
}

func NewHub(clock clockwork.Clock, m *metrics.HubMetrics, maxViewers int) *Hub {
	h := &Hub{
		cmdCh:      make(chan hubCmd, commandBuffer),
		done:       make(chan struct{}),
		clock:      clock,
		metrics:    m,
		maxViewers: maxViewers,
		viewers:    make(map[uuid.UUID]*writer),
	}
	go h.run()
	return h
}

// Start subscribes to source and seeds the hub with its current state.
// Changes at or below the version already known are ignored, so the seed and
// the live feed may arrive in either order.
func (h *Hub) Start(ctx context.Context, source Source) error {
	h.unsubscribe = source.Subscribe(h.Publish)

	current, err := source.Current(ctx)
	if err != nil {
		return fmt.Errorf("failed to seed hub: %w", err)
	}
	h.Publish(current)
	return nil
}

// Publish hands a committed change to the hub. It is the Source callback and
// only blocks if the command buffer is full.
func (h *Hub) Publish(change domain.PollChange) {
	select {
	case h.cmdCh <- changeCmd{change: change}:
	case <-h.done:
	}
}

// Attach registers viewer and immediately queues the latest known state.
func (h *Hub) Attach(viewer Viewer) (Handle, error) {
	reply := make(chan attachResult, 1)
	select {
	case h.cmdCh <- attachCmd{viewer: viewer, reply: reply}:
	case <-h.done:
		return Handle{}, ErrHubStopped
	}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case res := <-reply:
		return res.handle, res.err
	case <-timer.Chan():
		return Handle{}, fmt.Errorf("attach command timed out after %v", commandTimeout)
	case <-h.done:
		return Handle{}, ErrHubStopped
	}
}

// Detach unregisters a viewer. Unknown or already detached handles are ignored.
func (h *Hub) Detach(handle Handle) {
	h.detach(handle, "detached")
}

func (h *Hub) detach(handle Handle, reason string) {
	select {
	case h.cmdCh <- detachCmd{handle: handle, reason: reason}:
	case <-h.done:
	}
}

// ViewerCount returns the number of attached viewers, or -1 on timeout.
func (h *Hub) ViewerCount() int {
	reply := make(chan int, 1)
	select {
	case h.cmdCh <- countCmd{reply: reply}:
	case <-h.done:
		return 0
	}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case n := <-reply:
		return n
	case <-timer.Chan():
		slog.Warn("ViewerCount timed out", "timeout", commandTimeout)
		return -1
	case <-h.done:
		return 0
	}
}

// Stop unsubscribes from the source and closes every viewer.
func (h *Hub) Stop() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}

	select {
	case h.cmdCh <- stopCmd{}:
	case <-h.done:
		return
	}

	timer := h.clock.NewTimer(stopTimeout)
	defer timer.Stop()

	select {
	case <-h.done:
		slog.Info("Hub stopped gracefully")
	case <-timer.Chan():
		slog.Warn("Hub stop timeout exceeded", "timeout", stopTimeout)
	}
}

func (h *Hub) run() {
	defer close(h.done)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Hub panic recovered", "panic", r)
			h.closeAll("hub failure")
		}
	}()

	for cmd := range h.cmdCh {
		switch c := cmd.(type) {
		case attachCmd:
			h.handleAttach(c)
		case detachCmd:
			h.remove(c.handle.id, c.reason)
		case changeCmd:
			h.handleChange(c.change)
		case countCmd:
			c.reply <- len(h.viewers)
		case stopCmd:
			slog.Info("Hub shutting down", "viewers", len(h.viewers))
			h.closeAll("server shutting down")
			return
		default:
			slog.Warn("Hub received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
		}
	}
}

func (h *Hub) handleAttach(c attachCmd) {
	if len(h.viewers) >= h.maxViewers {
		slog.Warn("Rejecting viewer: max viewers reached", "max_viewers", h.maxViewers)
		c.viewer.Close("too many viewers")
		h.countEviction("rejected")
		c.reply <- attachResult{err: ErrTooManyViewers}
		return
	}

	handle := Handle{id: uuid.New()}
	w := newWriter(c.viewer, func(err error) {
		slog.Debug("Viewer send failed", "viewer", handle.String(), "error", err)
		h.detach(handle, "send failed")
	})
	h.viewers[handle.id] = w

	if h.hasLatest {
		w.enqueue(h.latest)
	}
	if h.metrics != nil {
		h.metrics.Viewers.Set(float64(len(h.viewers)))
	}

	slog.Debug("Viewer attached", "viewer", handle.String(), "total_viewers", len(h.viewers))
	c.reply <- attachResult{handle: handle}
}

func (h *Hub) handleChange(change domain.PollChange) {
	if h.hasLatest && change.Version <= h.latest.Version {
		return
	}
	h.latest = change
	h.hasLatest = true

	var slow []uuid.UUID
	for id, w := range h.viewers {
		if !w.enqueue(change) {
			slow = append(slow, id)
		}
	}
	if h.metrics != nil {
		h.metrics.Deliveries.Add(float64(len(h.viewers) - len(slow)))
	}

	for _, id := range slow {
		slog.Warn("Evicting slow viewer", "viewer", id.String(), "version", change.Version)
		h.remove(id, "too slow")
	}
}

func (h *Hub) remove(id uuid.UUID, reason string) {
	w, ok := h.viewers[id]
	if !ok {
		return
	}
	delete(h.viewers, id)
	w.stop(reason)

	if reason != "detached" {
		h.countEviction(reason)
	}
	if h.metrics != nil {
		h.metrics.Viewers.Set(float64(len(h.viewers)))
	}
}

func (h *Hub) closeAll(reason string) {
	for id, w := range h.viewers {
		w.stop(reason)
		delete(h.viewers, id)
	}
	if h.metrics != nil {
		h.metrics.Viewers.Set(0)
	}
}

func (h *Hub) countEviction(reason string) {
	if h.metrics != nil {
		h.metrics.Evictions.WithLabelValues(reason).Inc()
	}
}
