package app

import (
	"sync"

	"github.com/jonboulle/clockwork"
)

// LogicalClock issues poll ids as wall-clock milliseconds, bumped by one when
// the clock has not advanced so ids stay strictly increasing.
type LogicalClock struct {
	clock clockwork.Clock

	mu   sync.Mutex
	last int64
}

func NewLogicalClock(clock clockwork.Clock) *LogicalClock {
	return &LogicalClock{clock: clock}
}

func (l *LogicalClock) NextID() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now().UnixMilli()
	if now <= l.last {
		now = l.last + 1
	}
	l.last = now
	return now
}
