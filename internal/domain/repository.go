package domain

import "context"

// PollRepository is the single-slot transactional store holding the poll.
type PollRepository interface {
	// Load returns the latest committed state. An empty slot that was never
	// written has version 0.
	Load(ctx context.Context) (PollChange, error)

	// CompareAndSwap commits next only when the stored version equals
	// expectedVersion, returning ErrVersionConflict otherwise. A nil next
	// empties the slot and still advances the version.
	CompareAndSwap(ctx context.Context, expectedVersion int64, next *Poll) (PollChange, error)

	// Watch streams every commit with a version above afterVersion in commit
	// order. The channel closes when ctx ends or the feed breaks.
	Watch(ctx context.Context, afterVersion int64) (<-chan PollChange, error)
}

// IDGenerator hands out strictly increasing poll ids.
type IDGenerator interface {
	NextID() int64
}
