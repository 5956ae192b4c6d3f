package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/centrifugal/centrifuge"
	"github.com/pscheid92/livepoll/internal/adapter/metrics"
	"github.com/pscheid92/livepoll/internal/broadcast"
	"github.com/pscheid92/livepoll/internal/domain"
)

const (
	historySize = 1
	historyTTL  = 10 * time.Minute
)

// Hub is the part of broadcast.Hub the publisher attaches to.
type Hub interface {
	Attach(viewer broadcast.Viewer) (broadcast.Handle, error)
	Detach(handle broadcast.Handle)
}

// Publisher is a hub viewer that republishes every change on PollChannel.
// Publications carry an idempotency key per version, so instances sharing a
// Redis broker publish each change once.
type Publisher struct {
	node      *centrifuge.Node
	wsMetrics *metrics.WebSocketMetrics

	mu     sync.Mutex
	closed chan struct{}
}

var _ broadcast.Viewer = (*Publisher)(nil)

func NewPublisher(node *centrifuge.Node, wsMetrics *metrics.WebSocketMetrics) *Publisher {
	return &Publisher{node: node, wsMetrics: wsMetrics, closed: make(chan struct{})}
}

func (p *Publisher) Send(_ context.Context, change domain.PollChange) error {
	data, err := json.Marshal(broadcast.NewMessage(change))
	if err != nil {
		return fmt.Errorf("marshal poll update: %w", err)
	}

	_, err = p.node.Publish(PollChannel, data,
		centrifuge.WithHistory(historySize, historyTTL),
		centrifuge.WithIdempotencyKey(fmt.Sprintf("poll:%d", change.Version)),
	)
	if err != nil {
		if p.wsMetrics != nil {
			p.wsMetrics.PublishErrors.Inc()
		}
		return fmt.Errorf("publish to channel %s: %w", PollChannel, err)
	}

	if p.wsMetrics != nil {
		p.wsMetrics.MessagesPublished.Inc()
	}
	return nil
}

// Close is called by the hub when it drops the publisher.
func (p *Publisher) Close(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.closed:
	default:
		slog.Warn("Poll publisher detached from hub", "reason", reason)
		close(p.closed)
	}
}

func (p *Publisher) done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Publisher) reopen() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = make(chan struct{})
}

// Follow keeps the publisher attached to hub until ctx ends. After an
// eviction it re-attaches, which replays the latest state.
func (p *Publisher) Follow(ctx context.Context, hub Hub) error {
	for {
		handle, err := hub.Attach(p)
		if err != nil {
			return fmt.Errorf("attach poll publisher: %w", err)
		}

		select {
		case <-ctx.Done():
			hub.Detach(handle)
			return nil
		case <-p.done():
			p.reopen()
		}
	}
}
