// Package redis stores the poll slot in Redis so several server instances can
// share it.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pscheid92/livepoll/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const (
	DefaultKeyPrefix = "livepoll"

	changeField     = "change"
	streamMaxLen    = 1000
	readBatch       = 100
	defaultReadWait = 2 * time.Second
)

// PollRepository keeps the latest committed state under one string key and
// appends every commit to a stream in the same MULTI/EXEC. Stream entry ids
// are "<version>-0", so the stream is ordered by version and readers resume
// from any version they have seen.
type PollRepository struct {
	rdb       *goredis.Client
	stateKey  string
	streamKey string
	readWait  time.Duration
}

func NewPollRepository(rdb *goredis.Client, keyPrefix string) *PollRepository {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &PollRepository{
		rdb:       rdb,
		stateKey:  keyPrefix + ":poll",
		streamKey: keyPrefix + ":poll:changes",
		readWait:  defaultReadWait,
	}
}

func (r *PollRepository) Load(ctx context.Context) (domain.PollChange, error) {
	return r.load(ctx, r.rdb)
}

func (r *PollRepository) load(ctx context.Context, c goredis.Cmdable) (domain.PollChange, error) {
	data, err := c.Get(ctx, r.stateKey).Bytes()
	if errors.Is(err, goredis.Nil) {
		return domain.PollChange{}, nil
	}
	if err != nil {
		return domain.PollChange{}, fmt.Errorf("failed to load poll: %w", err)
	}

	var change domain.PollChange
	if err := json.Unmarshal(data, &change); err != nil {
		return domain.PollChange{}, fmt.Errorf("failed to decode poll: %w", err)
	}
	return change, nil
}

func (r *PollRepository) CompareAndSwap(ctx context.Context, expectedVersion int64, next *domain.Poll) (domain.PollChange, error) {
	var committed domain.PollChange

	err := r.rdb.Watch(ctx, func(tx *goredis.Tx) error {
		current, err := r.load(ctx, tx)
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return domain.ErrVersionConflict
		}

		change := domain.PollChange{Version: expectedVersion + 1, Poll: next.Clone()}
		data, err := json.Marshal(change)
		if err != nil {
			return fmt.Errorf("failed to encode poll: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, r.stateKey, data, 0)
			pipe.XAdd(ctx, &goredis.XAddArgs{
				Stream: r.streamKey,
				ID:     streamID(change.Version),
				MaxLen: streamMaxLen,
				Approx: true,
				Values: map[string]any{changeField: data},
			})
			return nil
		})
		if err != nil {
			return err
		}

		committed = change
		return nil
	}, r.stateKey)

	switch {
	case errors.Is(err, goredis.TxFailedErr):
		return domain.PollChange{}, domain.ErrVersionConflict
	case errors.Is(err, domain.ErrVersionConflict):
		return domain.PollChange{}, err
	case err != nil:
		return domain.PollChange{}, fmt.Errorf("failed to commit poll: %w", err)
	}
	return committed, nil
}

// Watch tails the change stream. A reader that fell behind the trimmed end of
// the stream first receives the latest state and continues from there.
func (r *PollRepository) Watch(ctx context.Context, afterVersion int64) (<-chan domain.PollChange, error) {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}

	out := make(chan domain.PollChange)
	go func() {
		defer close(out)
		if err := r.follow(ctx, afterVersion, out); err != nil && ctx.Err() == nil {
			slog.Warn("Poll change feed stopped", "error", err)
		}
	}()
	return out, nil
}

func (r *PollRepository) follow(ctx context.Context, last int64, out chan<- domain.PollChange) error {
	send := func(c domain.PollChange) bool {
		select {
		case out <- c:
			last = c.Version
			return true
		case <-ctx.Done():
			return false
		}
	}

	// Catch up when the entry right after last is no longer in the stream.
	first, err := r.rdb.XRangeN(ctx, r.streamKey, streamID(last+1), "+", 1).Result()
	if err != nil {
		return fmt.Errorf("failed to read poll changes: %w", err)
	}
	if len(first) == 0 || versionOf(first[0].ID) != last+1 {
		latest, err := r.Load(ctx)
		if err != nil {
			return err
		}
		if latest.Version > last && !send(latest) {
			return nil
		}
	}

	cursor := streamID(last)
	for ctx.Err() == nil {
		streams, err := r.rdb.XRead(ctx, &goredis.XReadArgs{
			Streams: []string{r.streamKey, cursor},
			Count:   readBatch,
			Block:   r.readWait,
		}).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read poll changes: %w", err)
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				cursor = msg.ID
				change, err := decodeChange(msg)
				if err != nil {
					return err
				}
				if change.Version <= last {
					continue
				}
				if change.Version > last+1 {
					latest, err := r.Load(ctx)
					if err != nil {
						return err
					}
					if latest.Version > last && !send(latest) {
						return nil
					}
					if change.Version <= last {
						continue
					}
				}
				if !send(change) {
					return nil
				}
			}
		}
	}
	return nil
}

func decodeChange(msg goredis.XMessage) (domain.PollChange, error) {
	raw, ok := msg.Values[changeField].(string)
	if !ok {
		return domain.PollChange{}, fmt.Errorf("stream entry %s has no %s field", msg.ID, changeField)
	}
	var change domain.PollChange
	if err := json.Unmarshal([]byte(raw), &change); err != nil {
		return domain.PollChange{}, fmt.Errorf("failed to decode stream entry %s: %w", msg.ID, err)
	}
	return change, nil
}

func streamID(version int64) string {
	return fmt.Sprintf("%d-0", version)
}

func versionOf(id string) int64 {
	var v, seq int64
	if _, err := fmt.Sscanf(id, "%d-%d", &v, &seq); err != nil {
		return -1
	}
	return v
}
