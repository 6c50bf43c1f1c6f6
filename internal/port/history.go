package port

import (
	"slices"
	"time"

	"github.com/mmr-tortoise/dynport/internal/model"
)

// HistoryLog maintains the bounded pick ledger embedded in the state.
// It holds no entries itself; the state's History slice is the ledger.
type HistoryLog struct {
	limit int
}

// NewHistoryLog returns a log that keeps at most limit entries. A limit of
// zero disables history.
func NewHistoryLog(limit int) *HistoryLog {
	if limit < 0 {
		limit = 0
	}
	return &HistoryLog{limit: limit}
}

// Limit returns the maximum number of entries kept.
func (h *HistoryLog) Limit() int {
	return h.limit
}

// Append adds e to entries and drops the oldest entries beyond the limit.
//
// Timestamps are kept strictly increasing: an entry that is not after the
// previous one (clock step back, or two picks within the clock resolution)
// is moved to one nanosecond past it.
func (h *HistoryLog) Append(entries []model.HistoryEntry, e model.HistoryEntry) []model.HistoryEntry {
	if h.limit == 0 {
		return []model.HistoryEntry{}
	}
	if n := len(entries); n > 0 {
		if last := entries[n-1].Timestamp; !e.Timestamp.After(last) {
			e.Timestamp = last.Add(time.Nanosecond)
		}
	}
	entries = append(entries, e)

	if over := len(entries) - h.limit; over > 0 {
		entries = entries[over:]
		// Reslicing keeps the dropped prefix reachable; compact once the
		// backing array is twice the bound.
		if cap(entries) > 2*h.limit {
			entries = slices.Clone(entries)
		}
	}
	return entries
}
