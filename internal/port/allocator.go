package port

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mmr-tortoise/dynport/internal/lock"
	"github.com/mmr-tortoise/dynport/internal/logging"
	"github.com/mmr-tortoise/dynport/internal/metrics"
	"github.com/mmr-tortoise/dynport/internal/model"
	"github.com/mmr-tortoise/dynport/internal/store"
)

// Defaults applied by New to zero-valued Options fields.
const (
	DefaultStart           = 3000
	DefaultEnd             = 9000
	DefaultStatePath       = "port_state/dynamic_ports.json"
	DefaultRefreshInterval = 60 * time.Second
	DefaultHistoryMax      = 100
	DefaultLockTimeout     = 5 * time.Second
)

// Operation names used in logs and metrics.
const (
	opInit    = "init"
	opPick    = "pick"
	opRelease = "release"
	opRefresh = "refresh"
	opStop    = "stop"
)

// Options are the construction parameters of an Allocator.
type Options struct {
	// Start and End bound the inclusive port range. Zero selects the
	// default for that end.
	Start int
	End   int

	// StatePath is the shared state file. Empty selects DefaultStatePath.
	StatePath string

	// RefreshInterval is the background refresh period. Zero selects the
	// default; a negative value disables background refresh.
	RefreshInterval time.Duration

	// HistoryMax bounds the pick history. Nil selects DefaultHistoryMax;
	// zero disables history.
	HistoryMax *int

	// LockTimeout bounds every lock acquisition. Zero selects the default.
	LockTimeout time.Duration

	// BackupKeep bounds the number of regular backups (0 keeps all).
	BackupKeep int

	// Prober optionally vetoes occupied candidates at pick time.
	Prober Prober

	// RetainOnStop keeps the held port allocated when Stop is called.
	RetainOnStop bool

	// Log receives state lines. Nil discards them.
	Log *logging.StateLogger

	// Locks scopes in-process locking. Nil selects the process-wide
	// registry, which is what sibling allocators in one process must share.
	Locks *lock.Registry

	// Now overrides the clock. Intended for tests.
	Now func() time.Time
}

// withDefaults fills zero-valued fields and validates the result.
func (o Options) withDefaults() (Options, error) {
	if o.Start == 0 {
		o.Start = DefaultStart
	}
	if o.End == 0 {
		o.End = DefaultEnd
	}
	if o.StatePath == "" {
		o.StatePath = DefaultStatePath
	}
	if o.RefreshInterval == 0 {
		o.RefreshInterval = DefaultRefreshInterval
	}
	if o.HistoryMax == nil {
		o.HistoryMax = model.IntPtr(DefaultHistoryMax)
	}
	if o.LockTimeout == 0 {
		o.LockTimeout = DefaultLockTimeout
	}
	if o.Log == nil {
		o.Log = logging.NewStateLogger(zerolog.Nop())
	}
	if o.Now == nil {
		o.Now = time.Now
	}

	switch {
	case o.Start < model.MinPort || o.End > model.MaxPort:
		return o, fmt.Errorf("%w: range %d-%d outside %d-%d", model.ErrInvalidConfig, o.Start, o.End, model.MinPort, model.MaxPort)
	case o.Start > o.End:
		return o, fmt.Errorf("%w: range start %d is after end %d", model.ErrInvalidConfig, o.Start, o.End)
	case *o.HistoryMax < 0:
		return o, fmt.Errorf("%w: history_max %d is negative", model.ErrInvalidConfig, *o.HistoryMax)
	case o.LockTimeout < 0:
		return o, fmt.Errorf("%w: lock_timeout %v is negative", model.ErrInvalidConfig, o.LockTimeout)
	case o.BackupKeep < 0:
		return o, fmt.Errorf("%w: backup_keep %d is negative", model.ErrInvalidConfig, o.BackupKeep)
	}
	return o, nil
}

// Allocator is the public facade over one shared state file.
//
// Mutations run under the cross-process lock and always reload the file
// first. Reads (State and the List* helpers) serve the last cached snapshot
// without locking; the snapshot is replaced after every operation and by the
// background refresher.
type Allocator struct {
	opts      Options
	settings  model.Settings
	store     *store.Store
	lock      *lock.Lock
	pool      *Pool
	log       *logging.StateLogger
	refresher *Refresher

	// mu guards held and serializes cache replacement.
	mu    sync.Mutex
	held  *int
	cache atomic.Pointer[model.State]

	// pending is a state whose save failed, guarded by the file lock. It
	// stands in for the file while the file still has pending.base as its
	// change_count.
	pending *unsaved

	stopped  atomic.Bool
	stopOnce sync.Once
	stopErr  error
}

// unsaved is a state that could not be written, and the change_count of the
// file it was derived from.
type unsaved struct {
	state *model.State
	base  int64
}

// New creates an Allocator, synchronizes it with the state file (creating
// or repairing the file as needed) and starts the background refresher.
// It only fails on invalid Options or an unusable lock path; a contended
// lock or unreadable file at startup is recorded as last_error instead.
func New(opts Options) (*Allocator, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	settings := model.Settings{
		PortRange:  [2]int{opts.Start, opts.End},
		StatePath:  opts.StatePath,
		HistoryMax: *opts.HistoryMax,
	}

	locks := opts.Locks
	var l *lock.Lock
	if locks != nil {
		l, err = locks.For(opts.StatePath)
	} else {
		l, err = lock.For(opts.StatePath)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrInvalidConfig, err)
	}

	a := &Allocator{
		opts:     opts,
		settings: settings,
		store: store.New(settings,
			store.WithBackupKeep(opts.BackupKeep),
			store.WithClock(opts.Now),
		),
		lock: l,
		pool: NewPool(NewHistoryLog(*opts.HistoryMax), opts.Prober),
		log:  opts.Log,
	}

	a.initialize()

	a.refresher = NewRefresher(opts.RefreshInterval, a.Refresh, func(err error) {
		a.log.Logger().Debug().Err(err).Msg("refresh tick failed")
	})
	a.refresher.Start()
	return a, nil
}

// initialize performs the first load. If the lock cannot be taken the file
// is read without it and nothing is saved.
func (a *Allocator) initialize() {
	started := time.Now()
	_, err := a.transact(context.Background(), opInit, func(*model.State, time.Time) (bool, error) {
		return false, nil
	})
	if err != nil {
		res := a.store.Load()
		res.State.RecordError(err, a.opts.Now())
		a.setCache(res.State)
		metrics.RecordOperation(opInit, outcome(err), time.Since(started))
		a.logState(logging.TagError, fmt.Sprintf("startup without lock: %v", err))
		return
	}
	metrics.RecordOperation(opInit, metrics.OutcomeOK, time.Since(started))
	a.logState(logging.TagInit, fmt.Sprintf("allocator started on %s (%d-%d)",
		a.store.Path(), a.settings.Start(), a.settings.End()))
}

// transact is the one code path that touches the state file:
//
//	lock -> load -> fn -> save if changed (or if the load needs it) -> cache
//
// fn mutates st in place and reports whether it changed anything. When fn
// fails, st is still saved if the load itself requires it (a rebuilt or
// reconciled file) so that recovery is never lost.
func (a *Allocator) transact(ctx context.Context, op string, fn func(st *model.State, now time.Time) (bool, error)) (*model.State, error) {
	release, err := a.lock.Acquire(ctx, a.opts.LockTimeout)
	if err != nil {
		a.recordCacheError(err)
		a.logState(logging.TagError, fmt.Sprintf("%s: %v", op, err))
		return nil, err
	}
	defer release()

	now := a.opts.Now()
	res := a.loadLocked()
	st := res.State
	if res.Recovered != nil {
		metrics.RecordRecovery()
		note := fmt.Sprintf("rebuilt state: %v", res.Recovered)
		if res.Quarantined != "" {
			note += "; moved aside as " + res.Quarantined
		}
		a.logState(logging.TagRecover, note)
	} else {
		st.ClearError()
	}

	changed, fnErr := fn(st, now)

	if changed || res.retry || res.NeedsSave() {
		a.save(op, st, res.base, now)
	}

	a.setCache(st)
	return st, fnErr
}

// loaded is the outcome of loadLocked.
type loaded struct {
	store.LoadResult

	// base is the file change_count that State derives from.
	base int64

	// retry is set when State is an earlier unsaved state rather than the
	// file content; it must be saved again.
	retry bool

	// dropped is set when an unsaved state was discarded because a sibling
	// wrote the file meanwhile.
	dropped bool
}

// loadLocked reads the state file. When an earlier save failed and the file
// has not moved on since, the unsaved state is returned instead, so its
// allocations are neither lost nor handed out twice. Callers hold the lock.
func (a *Allocator) loadLocked() loaded {
	res := a.store.Load()
	l := loaded{LoadResult: res, base: res.State.ChangeCount}
	if p := a.pending; p != nil {
		if res.Recovered == nil && res.State.ChangeCount == p.base {
			l.State, l.base, l.retry = p.state.Clone(), p.base, true
			return l
		}
		a.pending = nil
		l.dropped = true
		a.logState(logging.TagError, "unsaved state dropped; the file changed meanwhile")
	}
	return l
}

// save writes st. On failure st is kept as the pending state for the next
// locked operation to retry. Callers hold the lock.
func (a *Allocator) save(op string, st *model.State, base int64, now time.Time) {
	if err := a.store.Save(st); err != nil {
		st.RecordError(err, now)
		metrics.RecordSaveFailure()
		a.pending = &unsaved{state: st.Clone(), base: base}
		a.logStateFor(logging.TagError, st, fmt.Sprintf("%s: save failed: %v", op, err))
		return
	}
	a.pending = nil
}

// PickPort allocates the lowest free port and makes it this instance's held
// port. A port held from an earlier pick stays allocated until released
// explicitly with ReleaseSpecific.
func (a *Allocator) PickPort(ctx context.Context) (int, error) {
	started := time.Now()
	if a.stopped.Load() {
		metrics.RecordOperation(opPick, metrics.OutcomeStopped, time.Since(started))
		return 0, model.ErrNotRunning
	}

	var picked PickResult
	_, err := a.transact(ctx, opPick, func(st *model.State, now time.Time) (bool, error) {
		work := st.Clone()
		res, err := a.pool.Pick(ctx, work, now)
		if err != nil {
			return false, err
		}
		if res.ProbeErr != nil {
			work.RecordError(res.ProbeErr, now)
			metrics.RecordProbeFailure(a.opts.Prober.Name())
		}

		a.mu.Lock()
		defer a.mu.Unlock()
		// Stop reads held under mu after marking the allocator stopped, so
		// a port is either seen and released by Stop or never taken.
		if a.stopped.Load() {
			return false, model.ErrNotRunning
		}
		*st = *work
		a.held = model.IntPtr(res.Port)
		picked = res
		return true, nil
	})
	metrics.RecordOperation(opPick, outcome(err), time.Since(started))
	if err != nil {
		if errors.Is(err, model.ErrPoolExhausted) {
			a.logState(logging.TagError, err.Error())
		}
		return 0, err
	}

	note := ""
	if picked.ProbeErr != nil {
		note = fmt.Sprintf("probe failed, took lowest free port: %v", picked.ProbeErr)
	} else if picked.Skipped > 0 {
		note = fmt.Sprintf("skipped %d occupied port(s)", picked.Skipped)
	}
	a.logState(logging.TagPick, note)
	return picked.Port, nil
}

// ReleasePort releases this instance's held port. It is a no-op when the
// instance holds nothing, or when a sibling already released the port.
func (a *Allocator) ReleasePort(ctx context.Context) error {
	started := time.Now()
	if a.stopped.Load() {
		metrics.RecordOperation(opRelease, metrics.OutcomeStopped, time.Since(started))
		return model.ErrNotRunning
	}
	released, err := a.releaseHeld(ctx)
	a.finishRelease(started, released, err)
	return err
}

// releaseHeld releases the held port without the running check; Stop uses
// it after the allocator is already marked stopped.
func (a *Allocator) releaseHeld(ctx context.Context) (int, error) {
	released := 0
	_, err := a.transact(ctx, opRelease, func(st *model.State, _ time.Time) (bool, error) {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.held == nil {
			return false, nil
		}
		port := *a.held
		a.held = nil
		if !a.pool.Release(st, port) {
			return false, nil
		}
		released = port
		return true, nil
	})
	return released, err
}

// ReleaseSpecific releases port regardless of which instance picked it. It
// reports whether the port was in use. Ports outside the configured range
// yield model.ErrInvalidPort.
func (a *Allocator) ReleaseSpecific(ctx context.Context, port int) (bool, error) {
	started := time.Now()
	if a.stopped.Load() {
		metrics.RecordOperation(opRelease, metrics.OutcomeStopped, time.Since(started))
		return false, model.ErrNotRunning
	}
	if !a.settings.Contains(port) {
		return false, fmt.Errorf("%w: %d not in %d-%d", model.ErrInvalidPort, port, a.settings.Start(), a.settings.End())
	}

	released := 0
	_, err := a.transact(ctx, opRelease, func(st *model.State, _ time.Time) (bool, error) {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.held != nil && *a.held == port {
			a.held = nil
		}
		if !a.pool.Release(st, port) {
			return false, nil
		}
		released = port
		return true, nil
	})
	a.finishRelease(started, released, err)
	return released != 0, err
}

func (a *Allocator) finishRelease(started time.Time, released int, err error) {
	result := outcome(err)
	if err == nil && released == 0 {
		result = metrics.OutcomeNoop
	}
	metrics.RecordOperation(opRelease, result, time.Since(started))
	if released != 0 {
		a.logState(logging.TagRelease, fmt.Sprintf("released %d", released))
	}
}

// Refresh reloads the state file under the lock and replaces the cached
// snapshot when a sibling changed it (change_count differs) or the file had
// to be rebuilt. The background refresher calls it on every tick.
func (a *Allocator) Refresh(ctx context.Context) error {
	started := time.Now()
	if a.stopped.Load() {
		metrics.RecordOperation(opRefresh, metrics.OutcomeStopped, time.Since(started))
		return model.ErrNotRunning
	}

	release, err := a.lock.Acquire(ctx, a.opts.LockTimeout)
	if err != nil {
		a.recordCacheError(err)
		metrics.RecordOperation(opRefresh, outcome(err), time.Since(started))
		a.logState(logging.TagError, fmt.Sprintf("%s: %v", opRefresh, err))
		return err
	}
	defer release()

	res := a.loadLocked()
	st := res.State
	if res.Recovered != nil {
		metrics.RecordRecovery()
		a.logState(logging.TagRecover, fmt.Sprintf("rebuilt state: %v", res.Recovered))
	}
	if res.retry || res.NeedsSave() {
		a.save(opRefresh, st, res.base, a.opts.Now())
	}

	a.mu.Lock()
	cached := a.cache.Load()
	replace := cached == nil || cached.ChangeCount != st.ChangeCount || res.retry || res.dropped || res.NeedsSave()
	if replace {
		if a.held != nil && !st.IsUsed(*a.held) {
			a.held = nil
		}
		if res.Recovered == nil && cached != nil && cached.LastError != nil && st.LastError == nil {
			// Keep an error recorded by a failed operation visible until
			// the next clean pick or release.
			st.LastError, st.LastErrorTime = cached.LastError, cached.LastErrorTime
		}
		a.cache.Store(st.Clone())
		metrics.RecordPool(len(st.FreePorts), len(st.UsedPorts))
	}
	a.mu.Unlock()

	metrics.RecordOperation(opRefresh, metrics.OutcomeOK, time.Since(started))
	note := ""
	if replace {
		note = "state changed on disk"
	}
	a.logState(logging.TagRefresh, note)
	return nil
}

// Stop ends the allocator. It halts the refresher (waiting for an in-flight
// tick), then releases the held port unless RetainOnStop is set. Afterwards
// PickPort, ReleasePort, ReleaseSpecific and Refresh fail with
// model.ErrNotRunning; State and the List* helpers keep working. Stop is
// idempotent and returns the same result on every call.
func (a *Allocator) Stop() error {
	a.stopOnce.Do(func() {
		started := time.Now()
		a.stopped.Store(true)
		a.refresher.Stop()

		note := "allocator stopped"
		if !a.opts.RetainOnStop && a.Held() != nil {
			ctx, cancel := context.WithTimeout(context.Background(), a.opts.LockTimeout)
			defer cancel()
			released, err := a.releaseHeld(ctx)
			if err != nil {
				a.stopErr = fmt.Errorf("release held port on stop: %w", err)
				note = a.stopErr.Error()
			} else if released != 0 {
				note = fmt.Sprintf("allocator stopped, released %d", released)
			}
		}
		metrics.RecordOperation(opStop, outcome(a.stopErr), time.Since(started))
		a.logState(logging.TagStop, note)
	})
	return a.stopErr
}

// State returns a copy of the cached snapshot. It never blocks on the lock
// and never fails; the snapshot may trail the file by up to one refresh
// interval.
func (a *Allocator) State() *model.State {
	return a.cache.Load().Clone()
}

// Held returns this instance's held port, or nil.
func (a *Allocator) Held() *int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.held == nil {
		return nil
	}
	return model.IntPtr(*a.held)
}

// ListFreePorts returns the cached free ports in ascending order.
func (a *Allocator) ListFreePorts() []int {
	return slices.Clone(a.cache.Load().FreePorts)
}

// ListUsedPorts returns the cached used ports in ascending order.
func (a *Allocator) ListUsedPorts() []int {
	return slices.Clone(a.cache.Load().UsedPorts)
}

// ListHistory returns the cached pick history, oldest first.
func (a *Allocator) ListHistory() []model.HistoryEntry {
	return a.cache.Load().Clone().History
}

// ListBackups returns the backups of the state file, oldest first.
func (a *Allocator) ListBackups() ([]store.Backup, error) {
	return a.store.ListBackups()
}

// FetchBackup returns the raw content of one backup. Unknown names yield
// model.ErrNotFound.
func (a *Allocator) FetchBackup(name string) ([]byte, error) {
	return a.store.FetchBackup(name)
}

// Settings returns the authoritative configuration of this allocator.
func (a *Allocator) Settings() model.Settings {
	return a.settings
}

// setCache publishes a copy of st as the cached snapshot.
func (a *Allocator) setCache(st *model.State) {
	a.mu.Lock()
	a.cache.Store(st.Clone())
	a.mu.Unlock()
	metrics.RecordPool(len(st.FreePorts), len(st.UsedPorts))
}

// recordCacheError sets last_error on the cached snapshot. Used when the
// failure happened before the file could be read, so only the cache can
// carry it.
func (a *Allocator) recordCacheError(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	next := a.cache.Load().Clone()
	if next == nil {
		next = model.NewState(a.settings)
	}
	next.RecordError(err, a.opts.Now())
	a.cache.Store(next)
}

func (a *Allocator) logState(tag logging.Tag, note string) {
	a.logStateFor(tag, a.cache.Load(), note)
}

func (a *Allocator) logStateFor(tag logging.Tag, st *model.State, note string) {
	snap := logging.Snapshot{Held: a.Held()}
	if st != nil {
		snap.Free, snap.Used, snap.Count = st.FreePorts, st.UsedPorts, st.ChangeCount
	}
	a.log.State(tag, snap, note)
}

// outcome maps an operation error onto a metrics label.
func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, model.ErrPoolExhausted):
		return metrics.OutcomeExhausted
	case errors.Is(err, model.ErrLockTimeout):
		return metrics.OutcomeTimeout
	case errors.Is(err, model.ErrNotRunning):
		return metrics.OutcomeStopped
	default:
		return metrics.OutcomeError
	}
}
