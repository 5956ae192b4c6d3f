package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pscheid92/livepoll/internal/domain"
)

const (
	notifyChannel = "poll_changes"
	keepChanges   = 1000
)

// PollRepository keeps the poll in the single-row poll_slot table. Every
// commit also lands in poll_changes and raises a NOTIFY, all in one
// transaction.
type PollRepository struct {
	pool *pgxpool.Pool
}

func NewPollRepository(pool *pgxpool.Pool) *PollRepository {
	return &PollRepository{pool: pool}
}

func (r *PollRepository) Load(ctx context.Context) (domain.PollChange, error) {
	var (
		version int64
		raw     []byte
	)
	err := r.pool.QueryRow(ctx, `SELECT version, poll FROM poll_slot WHERE id = 1`).Scan(&version, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PollChange{}, nil
	}
	if err != nil {
		return domain.PollChange{}, fmt.Errorf("failed to load poll: %w", err)
	}
	return decodeChange(version, raw)
}

func (r *PollRepository) CompareAndSwap(ctx context.Context, expectedVersion int64, next *domain.Poll) (domain.PollChange, error) {
	var raw []byte
	if next != nil {
		data, err := json.Marshal(next)
		if err != nil {
			return domain.PollChange{}, fmt.Errorf("failed to encode poll: %w", err)
		}
		raw = data
	}

	var version int64
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		// Under READ COMMITTED a concurrent writer blocks on the row lock and
		// then re-evaluates the version predicate, so only one swap matches.
		err := tx.QueryRow(ctx,
			`UPDATE poll_slot SET version = version + 1, poll = $2, updated_at = now()
			 WHERE id = 1 AND version = $1
			 RETURNING version`,
			expectedVersion, raw,
		).Scan(&version)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrVersionConflict
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `INSERT INTO poll_changes (version, poll) VALUES ($1, $2)`, version, raw); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM poll_changes WHERE version <= $1`, version-keepChanges); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, strconv.FormatInt(version, 10))
		return err
	})
	if errors.Is(err, domain.ErrVersionConflict) {
		return domain.PollChange{}, err
	}
	if err != nil {
		return domain.PollChange{}, fmt.Errorf("failed to commit poll: %w", err)
	}

	return domain.PollChange{Version: version, Poll: next.Clone()}, nil
}

// Watch holds a dedicated connection that LISTENs for commits and reads
// poll_changes past the last delivered version on every notification.
// A reader behind the pruned end of the log first receives the latest state.
func (r *PollRepository) Watch(ctx context.Context, afterVersion int64) (<-chan domain.PollChange, error) {
	pooled, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire listener connection: %w", err)
	}
	// The connection carries LISTEN state, so it never goes back to the pool.
	conn := pooled.Hijack()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("failed to listen for poll changes: %w", err)
	}

	out := make(chan domain.PollChange)
	go func() {
		defer close(out)
		defer func() { _ = conn.Close(context.Background()) }()

		if err := r.follow(ctx, conn, afterVersion, out); err != nil && ctx.Err() == nil {
			slog.Warn("Poll change feed stopped", "error", err)
		}
	}()
	return out, nil
}

func (r *PollRepository) follow(ctx context.Context, conn *pgx.Conn, last int64, out chan<- domain.PollChange) error {
	for {
		changes, err := r.changesAfter(ctx, conn, last)
		if err != nil {
			return err
		}

		if len(changes) == 0 || changes[0].Version > last+1 {
			latest, err := r.loadOn(ctx, conn)
			if err != nil {
				return err
			}
			if latest.Version > last {
				if !send(ctx, out, latest) {
					return nil
				}
				last = latest.Version
			}
		}

		for _, c := range changes {
			if c.Version <= last {
				continue
			}
			if !send(ctx, out, c) {
				return nil
			}
			last = c.Version
		}

		if _, err := conn.WaitForNotification(ctx); err != nil {
			return fmt.Errorf("failed to wait for poll changes: %w", err)
		}
	}
}

func (r *PollRepository) changesAfter(ctx context.Context, conn *pgx.Conn, after int64) ([]domain.PollChange, error) {
	rows, err := conn.Query(ctx, `SELECT version, poll FROM poll_changes WHERE version > $1 ORDER BY version`, after)
	if err != nil {
		return nil, fmt.Errorf("failed to read poll changes: %w", err)
	}
	defer rows.Close()

	var changes []domain.PollChange
	for rows.Next() {
		var (
			version int64
			raw     []byte
		)
		if err := rows.Scan(&version, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan poll change: %w", err)
		}
		change, err := decodeChange(version, raw)
		if err != nil {
			return nil, err
		}
		changes = append(changes, change)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read poll changes: %w", err)
	}
	return changes, nil
}

func (r *PollRepository) loadOn(ctx context.Context, conn *pgx.Conn) (domain.PollChange, error) {
	var (
		version int64
		raw     []byte
	)
	if err := conn.QueryRow(ctx, `SELECT version, poll FROM poll_slot WHERE id = 1`).Scan(&version, &raw); err != nil {
		return domain.PollChange{}, fmt.Errorf("failed to load poll: %w", err)
	}
	return decodeChange(version, raw)
}

func send(ctx context.Context, out chan<- domain.PollChange, c domain.PollChange) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func decodeChange(version int64, raw []byte) (domain.PollChange, error) {
	change := domain.PollChange{Version: version}
	if raw == nil {
		return change, nil
	}
	if err := json.Unmarshal(raw, &change.Poll); err != nil {
		return domain.PollChange{}, fmt.Errorf("failed to decode poll version %d: %w", version, err)
	}
	return change, nil
}
