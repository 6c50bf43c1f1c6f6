package model

import (
	"fmt"
	"slices"
	"time"
)

const (
	// MinPort and MaxPort bound every configurable port range.
	MinPort = 1
	MaxPort = 65535
)

// HistoryEntry records one "active port changed" event.
//
// PreviousPort is nil when no port was active before the pick. Entries are
// appended by the history log in strictly increasing Timestamp order.
type HistoryEntry struct {
	// Timestamp is when the pick completed.
	Timestamp time.Time `json:"timestamp"`

	// PreviousPort is the port that was active before this pick, if any.
	PreviousPort *int `json:"previous_port"`

	// NewPort is the port that became active.
	NewPort int `json:"new_port"`
}

// Settings echoes the allocator's configuration into the state file for
// observability. It is NOT authoritative: the running allocator's own
// construction parameters always win over whatever is stored here.
type Settings struct {
	// PortRange is the inclusive [start, end] range.
	PortRange [2]int `json:"port_range"`

	// StatePath is the path of the state file itself.
	StatePath string `json:"state_path"`

	// HistoryMax is the maximum number of history entries retained.
	HistoryMax int `json:"history_max"`
}

// Start returns the first port of the configured range.
func (s Settings) Start() int { return s.PortRange[0] }

// End returns the last port of the configured range (inclusive).
func (s Settings) End() int { return s.PortRange[1] }

// Contains reports whether port lies within the configured range.
func (s Settings) Contains(port int) bool {
	return port >= s.Start() && port <= s.End()
}

// State is the allocator state persisted to the shared state file.
//
// Invariants (checked by Validate, enforced by the port package):
//   - FreePorts and UsedPorts are disjoint, sorted ascending, and contain no
//     duplicates.
//   - FreePorts ∪ UsedPorts lies within Settings.PortRange.
//   - CurrentPort, when non-nil, is an element of UsedPorts.
//   - len(History) never exceeds Settings.HistoryMax.
type State struct {
	// CurrentPort is the port most recently picked by any instance sharing
	// the file, or nil once that port has been released.
	CurrentPort *int `json:"current_port"`

	// FreePorts lists ports in range that are not allocated, ascending.
	FreePorts []int `json:"free_ports"`

	// UsedPorts lists ports currently allocated, ascending.
	UsedPorts []int `json:"used_ports"`

	// PortUsage counts how many times each port has been picked. Counters
	// only ever increase.
	PortUsage map[int]int `json:"port_usage"`

	// History is the bounded ledger of pick events, oldest first.
	History []HistoryEntry `json:"history"`

	// LastChecked is refreshed on every successful load or save.
	LastChecked time.Time `json:"last_checked"`

	// ChangeCount is the total number of completed pick/release transitions
	// since the file was created. The refresher compares it to detect
	// activity from sibling processes.
	ChangeCount int64 `json:"change_count"`

	// LastError and LastErrorTime describe the most recent operational
	// failure. Both are cleared by the next clean operation.
	LastError     *string    `json:"last_error"`
	LastErrorTime *time.Time `json:"last_error_time"`

	// Settings echoes the allocator configuration.
	Settings Settings `json:"settings"`
}

// NewState returns a freshly initialized state for the given settings: every
// port in range is free, nothing is used, history is empty and ChangeCount
// is zero.
func NewState(settings Settings) *State {
	free := make([]int, 0, settings.End()-settings.Start()+1)
	for p := settings.Start(); p <= settings.End(); p++ {
		free = append(free, p)
	}
	return &State{
		FreePorts: free,
		UsedPorts: []int{},
		PortUsage: map[int]int{},
		History:   []HistoryEntry{},
		Settings:  settings,
	}
}

// Clone returns a deep copy of the state. The allocator hands out clones so
// that callers can never mutate the cached view.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	out.CurrentPort = clonePtr(s.CurrentPort)
	out.FreePorts = slices.Clone(s.FreePorts)
	out.UsedPorts = slices.Clone(s.UsedPorts)
	out.PortUsage = make(map[int]int, len(s.PortUsage))
	for k, v := range s.PortUsage {
		out.PortUsage[k] = v
	}
	out.History = make([]HistoryEntry, len(s.History))
	for i, h := range s.History {
		out.History[i] = HistoryEntry{
			Timestamp:    h.Timestamp,
			PreviousPort: clonePtr(h.PreviousPort),
			NewPort:      h.NewPort,
		}
	}
	out.LastError = clonePtr(s.LastError)
	out.LastErrorTime = clonePtr(s.LastErrorTime)
	return &out
}

// Validate checks the structural invariants of a decoded state. It does NOT
// check ports against a configured range; range reconciliation is the
// store's job because a range change is not corruption.
func (s *State) Validate() error {
	if !isStrictlySorted(s.FreePorts) {
		return fmt.Errorf("free_ports must be sorted ascending without duplicates")
	}
	if !isStrictlySorted(s.UsedPorts) {
		return fmt.Errorf("used_ports must be sorted ascending without duplicates")
	}
	for _, p := range s.UsedPorts {
		if _, found := slices.BinarySearch(s.FreePorts, p); found {
			return fmt.Errorf("port %d is both free and used", p)
		}
	}
	for _, p := range append(slices.Clone(s.FreePorts), s.UsedPorts...) {
		if p < MinPort || p > MaxPort {
			return fmt.Errorf("port %d outside %d-%d", p, MinPort, MaxPort)
		}
	}
	if s.CurrentPort != nil && !s.IsUsed(*s.CurrentPort) {
		return fmt.Errorf("current_port %d is not in used_ports", *s.CurrentPort)
	}
	if s.ChangeCount < 0 {
		return fmt.Errorf("change_count %d is negative", s.ChangeCount)
	}
	for port, n := range s.PortUsage {
		if n < 0 {
			return fmt.Errorf("port_usage for %d is negative", port)
		}
	}
	return nil
}

// IsUsed reports whether port is currently allocated.
func (s *State) IsUsed(port int) bool {
	_, found := slices.BinarySearch(s.UsedPorts, port)
	return found
}

// IsFree reports whether port is currently free.
func (s *State) IsFree(port int) bool {
	_, found := slices.BinarySearch(s.FreePorts, port)
	return found
}

// RecordError stores err as the most recent operational failure.
func (s *State) RecordError(err error, at time.Time) {
	if err == nil {
		return
	}
	msg := err.Error()
	s.LastError = &msg
	s.LastErrorTime = &at
}

// ClearError drops any previously recorded failure.
func (s *State) ClearError() {
	s.LastError = nil
	s.LastErrorTime = nil
}

func isStrictlySorted(ports []int) bool {
	for i := 1; i < len(ports); i++ {
		if ports[i] <= ports[i-1] {
			return false
		}
	}
	return true
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// IntPtr returns a pointer to v. Handy for optional port fields.
func IntPtr(v int) *int {
	return &v
}
