package publish

import (
	"sync/atomic"
	"time"
)

// eventIDShift leaves room for about a million events per millisecond of uptime
// before IDs from one process could overlap those of a later restart.
const eventIDShift = 20

// EventIDs mints envelope IDs. IDs increase within a process, and a process
// started later begins above every ID an earlier one minted, so consumers can
// drop replays by keeping the highest ID seen per topic.
type EventIDs struct {
	last atomic.Uint64
}

// NewEventIDs starts the ID space at the given process start time.
func NewEventIDs(start time.Time) *EventIDs {
	ids := &EventIDs{}
	ids.last.Store(uint64(start.UnixMilli()) << eventIDShift)
	return ids
}

// Next returns the next envelope ID.
func (g *EventIDs) Next() uint64 {
	return g.last.Add(1)
}

// StartedAt recovers the process start time encoded in an envelope ID.
func StartedAt(id uint64) time.Time {
	return time.UnixMilli(int64(id >> eventIDShift))
}
