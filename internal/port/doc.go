// Package port implements the dynamic port allocator.
//
// The allocation policy is deliberately simple: the numerically lowest port
// in free_ports wins. Everything interesting is in how that policy is
// applied safely when several processes share one state file:
//
//	lock -> load -> pick/release -> save (with backup) -> release lock
//
// Every public operation reloads the state from disk while holding the
// cross-process lock, so a pick made by a sibling process is always visible
// before this process computes its own. A background Refresher re-reads the
// file on an interval so that State() reflects sibling activity even when
// this process is idle.
//
// An optional Prober (the host Scanner here, or the Docker prober in
// internal/docker) can veto candidates that are occupied outside dynport's
// bookkeeping. Vetoed ports stay free; the pick moves on to the next one.
package port
