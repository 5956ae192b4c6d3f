package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/livepoll/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const (
	DefaultHeartbeat = 15 * time.Second

	// Instances silent for this many heartbeats are dropped from the registry.
	missedHeartbeats = 4
)

// InstanceRegistry tracks the server processes sharing one Redis. Each
// instance writes a heartbeat into a shared hash.
type InstanceRegistry struct {
	rdb       *goredis.Client
	key       string
	clock     clockwork.Clock
	heartbeat time.Duration
	self      domain.Instance
}

func NewInstanceRegistry(rdb *goredis.Client, clock clockwork.Clock, keyPrefix, version string, heartbeat time.Duration) *InstanceRegistry {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &InstanceRegistry{
		rdb:       rdb,
		key:       keyPrefix + ":instances",
		clock:     clock,
		heartbeat: heartbeat,
		self: domain.Instance{
			ID:        uuid.NewString(),
			Version:   version,
			StartedAt: clock.Now().UnixMilli(),
		},
	}
}

func (r *InstanceRegistry) ID() string { return r.self.ID }

// Run registers immediately and then on every heartbeat. It blocks until ctx
// is cancelled and unregisters on the way out.
func (r *InstanceRegistry) Run(ctx context.Context) {
	r.register(ctx)

	ticker := r.clock.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			r.register(ctx)
		case <-ctx.Done():
			r.unregister()
			return
		}
	}
}

func (r *InstanceRegistry) register(ctx context.Context) {
	info := r.self
	info.LastSeen = r.clock.Now().UnixMilli()

	data, err := json.Marshal(info)
	if err != nil {
		return
	}
	if err := r.rdb.HSet(ctx, r.key, info.ID, data).Err(); err != nil && ctx.Err() == nil {
		slog.Warn("Instance heartbeat failed", "instance_id", info.ID, "error", err)
	}
}

func (r *InstanceRegistry) unregister() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.rdb.HDel(ctx, r.key, r.self.ID)
}

// Instances lists the instances that sent a heartbeat recently, ordered by
// start time. Expired or unreadable entries are removed.
func (r *InstanceRegistry) Instances(ctx context.Context) ([]domain.Instance, error) {
	entries, err := r.rdb.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, err
	}

	cutoff := r.clock.Now().Add(-missedHeartbeats * r.heartbeat).UnixMilli()
	active := []domain.Instance{}
	var stale []string

	for id, data := range entries {
		var info domain.Instance
		if err := json.Unmarshal([]byte(data), &info); err != nil || info.LastSeen < cutoff {
			stale = append(stale, id)
			continue
		}
		active = append(active, info)
	}

	if len(stale) > 0 {
		if err := r.rdb.HDel(ctx, r.key, stale...).Err(); err != nil {
			slog.Warn("Failed to remove stale instances", "count", len(stale), "error", err)
		}
	}

	sort.Slice(active, func(i, j int) bool {
		if active[i].StartedAt != active[j].StartedAt {
			return active[i].StartedAt < active[j].StartedAt
		}
		return active[i].ID < active[j].ID
	})
	return active, nil
}
