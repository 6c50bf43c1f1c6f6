package port

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/mmr-tortoise/dynport/internal/model"
)

// Prober reports which candidate ports are actually usable right now.
//
// FirstAvailable receives the free ports in ascending order and returns the
// first one that is not occupied outside dynport's bookkeeping. ok is false
// when every candidate is occupied. A non-nil error means the probe itself
// failed and its answer must be ignored.
type Prober interface {
	// Name labels the probe in logs and metrics.
	Name() string

	FirstAvailable(ctx context.Context, candidates []int) (port int, ok bool, err error)
}

// Pool applies the allocation policy to a loaded state. It performs no I/O
// of its own except through the optional Prober; persistence and locking are
// the Allocator's job.
type Pool struct {
	history *HistoryLog
	prober  Prober
}

// NewPool creates a Pool. prober may be nil.
func NewPool(history *HistoryLog, prober Prober) *Pool {
	return &Pool{history: history, prober: prober}
}

// PickResult describes a successful pick.
type PickResult struct {
	// Port is the allocated port.
	Port int

	// Previous is the state's current_port before the pick.
	Previous *int

	// ProbeErr is set when the prober failed and the pick fell back to the
	// lowest free port.
	ProbeErr error

	// Skipped counts free ports below Port that the prober rejected.
	Skipped int
}

// Pick allocates the lowest acceptable free port in st.
//
// On success the port moves from free to used, its usage counter and the
// change count increase, current_port is set, and a history entry recording
// the previous current_port is appended. Pick returns an error wrapping
// model.ErrPoolExhausted when no free port is left or the prober rejects
// all of them; st is not modified in that case.
func (p *Pool) Pick(ctx context.Context, st *model.State, now time.Time) (PickResult, error) {
	if len(st.FreePorts) == 0 {
		return PickResult{}, fmt.Errorf("%w: no free port in %d-%d",
			model.ErrPoolExhausted, st.Settings.Start(), st.Settings.End())
	}

	// Step 1: choose. Lowest free port unless a prober says otherwise.
	var res PickResult
	chosen := st.FreePorts[0]
	if p.prober != nil {
		port, ok, err := p.prober.FirstAvailable(ctx, slices.Clone(st.FreePorts))
		switch {
		case err != nil:
			res.ProbeErr = fmt.Errorf("%s probe: %w", p.prober.Name(), err)
		case !ok:
			return PickResult{}, fmt.Errorf("%w: all %d free ports are occupied (%s probe)",
				model.ErrPoolExhausted, len(st.FreePorts), p.prober.Name())
		default:
			idx, found := slices.BinarySearch(st.FreePorts, port)
			if !found {
				res.ProbeErr = fmt.Errorf("%s probe returned %d, which is not a free port", p.prober.Name(), port)
				break
			}
			chosen = port
			res.Skipped = idx
		}
	}

	// Step 2: move the port from free to used.
	idx, _ := slices.BinarySearch(st.FreePorts, chosen)
	st.FreePorts = slices.Delete(st.FreePorts, idx, idx+1)
	st.UsedPorts = insertSorted(st.UsedPorts, chosen)

	// Step 3: bookkeeping.
	if st.PortUsage == nil {
		st.PortUsage = map[int]int{}
	}
	st.PortUsage[chosen]++
	res.Previous = st.CurrentPort
	res.Port = chosen
	st.CurrentPort = model.IntPtr(chosen)
	st.History = p.history.Append(st.History, model.HistoryEntry{
		Timestamp:    now,
		PreviousPort: res.Previous,
		NewPort:      chosen,
	})
	st.ChangeCount++
	return res, nil
}

// Release returns port to the free set. It reports false, leaving st
// untouched, when port is not in use. current_port is cleared when it
// names the released port.
func (p *Pool) Release(st *model.State, port int) bool {
	idx, found := slices.BinarySearch(st.UsedPorts, port)
	if !found {
		return false
	}
	st.UsedPorts = slices.Delete(st.UsedPorts, idx, idx+1)
	st.FreePorts = insertSorted(st.FreePorts, port)
	if st.CurrentPort != nil && *st.CurrentPort == port {
		st.CurrentPort = nil
	}
	st.ChangeCount++
	return true
}

// insertSorted inserts v into the ascending slice s if it is not present.
func insertSorted(s []int, v int) []int {
	idx, found := slices.BinarySearch(s, v)
	if found {
		return s
	}
	return slices.Insert(s, idx, v)
}
