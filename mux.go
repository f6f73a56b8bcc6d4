package dvbmux

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ScanState is the multiplex scan state as far as this subsystem cares:
// only ScanActive enables fast-switch evaluation, and only ScanIdle
// suppresses FlagScanSubs subscriptions.
type ScanState int32

const (
	ScanIdle ScanState = iota
	ScanPending
	ScanActive
)

// Backend is the hardware or software demultiplexer behind a Mux. The Mux
// handles all registry bookkeeping itself; the backend only arms and
// disarms the actual section delivery.
//
// StartFilter may be called again for an already-open filter after a
// rebind changed its PID; the backend must re-point delivery accordingly.
// StopFilter must guarantee no further Dispatch calls for the table once
// it returns.
type Backend interface {
	StartFilter(mm *Mux, t *Table)
	StopFilter(mm *Mux, t *Table)
}

// Mux owns the live set of section filters for one multiplex, their
// deferred-command queue, and the lock serializing all membership changes.
type Mux struct {
	name    string
	log     *slog.Logger
	backend Backend

	scanDone         func(mm *Mux, name string, ok bool)
	descramblerFlush func(mm *Mux)

	scanState atomic.Int32

	mu        sync.Mutex
	tables    []*Table
	numTables int
	deferred  []*Table
}

// NewMux creates a multiplex registry named name, asking backend to start
// and stop hardware filters as tables come and go.
func NewMux(name string, backend Backend, opts ...func(*Mux)) *Mux {
	mm := &Mux{
		name:    name,
		backend: backend,
	}
	for _, opt := range opts {
		opt(mm)
	}
	if mm.log == nil {
		mm.log = slog.Default()
	}
	mm.log = mm.log.With("mux", name)
	return mm
}

// MuxOptLogger sets the logger. Defaults to slog.Default().
func MuxOptLogger(log *slog.Logger) func(*Mux) {
	return func(mm *Mux) {
		mm.log = log
	}
}

// MuxOptScanDone sets the notification invoked when fast-switch finds
// every scan-relevant table complete and idle.
func MuxOptScanDone(fn func(mm *Mux, name string, ok bool)) func(*Mux) {
	return func(mm *Mux) {
		mm.scanDone = fn
	}
}

// MuxOptDescramblerFlush sets the call-out asking the descrambler layer
// to drop its table references before a bulk teardown.
func MuxOptDescramblerFlush(fn func(mm *Mux)) func(*Mux) {
	return func(mm *Mux) {
		mm.descramblerFlush = fn
	}
}

// Name returns the human-readable multiplex identifier.
func (mm *Mux) Name() string { return mm.name }

// ScanState returns the current scan state.
func (mm *Mux) ScanState() ScanState {
	return ScanState(mm.scanState.Load())
}

// SetScanState records the scan state driven by the outer scan machinery.
func (mm *Mux) SetScanState(s ScanState) {
	mm.scanState.Store(int32(s))
}

// NumTables returns the cached live-table count.
func (mm *Mux) NumTables() int {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.numTables
}

// ConsistencyError reports registry bookkeeping corruption: the cached
// table count and the live list disagree, or FlushAll left tables behind.
// It must never occur in correct operation; it is raised as a panic value
// rather than returned, since no caller can meaningfully recover.
type ConsistencyError struct {
	Mux   string
	Op    string
	Count int
	Live  int
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("dvbmux: mux %s: %s: table count inconsistency (num %d, list %d)",
		e.Mux, e.Op, e.Count, e.Live)
}

// checkConsistency traps bookkeeping bugs immediately instead of letting
// registry corruption propagate. Caller holds mm.mu.
func (mm *Mux) checkConsistency(op string) {
	if mm.numTables != len(mm.tables) {
		mm.log.Error("table count inconsistency",
			"op", op, "num", mm.numTables, "list", len(mm.tables))
		panic(&ConsistencyError{Mux: mm.name, Op: op, Count: mm.numTables, Live: len(mm.tables)})
	}
}

// openTable links t into the registry if new and arms the backend filter
// when subscribe is set. Caller holds mm.mu.
func (mm *Mux) openTable(t *Table, subscribe bool) {
	if !t.linked {
		mm.tables = append(mm.tables, t)
		mm.numTables++
		t.linked = true
	}
	if subscribe {
		mm.backend.StartFilter(mm, t)
		t.subscribed = true
	}
}

// closeTable unlinks t and stops section delivery. Caller holds mm.mu.
func (mm *Mux) closeTable(t *Table) {
	for i, cur := range mm.tables {
		if cur == t {
			mm.tables = append(mm.tables[:i], mm.tables[i+1:]...)
			mm.numTables--
			t.linked = false
			break
		}
	}
	if t.subscribed {
		mm.backend.StopFilter(mm, t)
		t.subscribed = false
	}
}

// AddTable registers a section filter, or returns an existing one when a
// dedupe rule matches. Matching is three-way, scanned in registration
// order against entries with the same owner:
//
//   - an entry still unbound (PID unknown) matches by name and is rebound
//     in place to the requested callback, PID and table id, with a forced
//     resubscription so the backend re-points the hardware filter;
//   - when a concrete PID is requested, an entry matches only with the
//     same PID and the same callback, and is returned unchanged;
//   - when no PID is requested, an entry matches by name and is
//     resubscribed if needed (unless FlagSkipSubs asks otherwise).
//
// A rebound entry cannot have a dispatch in flight: an unbound table has
// no hardware filter open, so nothing delivers sections to it.
//
// For a new table, FlagSkipSubs and FlagScanSubs are consumed here to
// decide the initial subscription and are not stored.
func (mm *Mux) AddTable(tableID, mask uint8, cb SectionCallback, owner any,
	name string, flags Flags, pid int) *Table {

	cbPtr := callbackPtr(cb)

	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.checkConsistency("add")

	for _, t := range mm.tables {
		if t.owner != owner {
			continue
		}
		if t.pid < 0 {
			if t.name != name {
				continue
			}
			t.callback = cb
			t.cbPtr = cbPtr
			t.pid = pid
			t.tableID = tableID
			mm.openTable(t, true)
		} else if pid >= 0 {
			if t.pid != pid {
				continue
			}
			if t.cbPtr != cbPtr {
				continue
			}
		} else {
			if t.name != name {
				continue
			}
			if flags&FlagSkipSubs == 0 && !t.subscribed {
				mm.openTable(t, true)
			}
		}
		mm.checkConsistency("add")
		return t
	}

	mm.log.Debug("table add",
		"name", name, "tableid", tableID, "mask", mask, "pid", pid)

	t := &Table{
		mux:      mm,
		log:      mm.log.With("table", name),
		name:     name,
		owner:    owner,
		callback: cb,
		cbPtr:    cbPtr,
		tableID:  tableID,
		mask:     mask,
		pid:      pid,
		cc:       -1,
	}
	t.refs.Store(1)
	t.flags.Store(uint32(flags &^ (FlagSkipSubs | FlagScanSubs)))

	subscribe := true
	switch {
	case pid < 0:
		subscribe = false
	case flags&FlagSkipSubs != 0:
		subscribe = false
	case flags&FlagScanSubs != 0 && mm.ScanState() == ScanIdle:
		subscribe = false
	}
	mm.openTable(t, subscribe)
	mm.checkConsistency("add")
	return t
}

// destroyTable marks t destroyed, closes its filter and drops the
// registry's reference. Caller holds mm.mu. The table may outlive this
// call if a dispatch holds a reference; it only stays unreachable.
func (mm *Mux) destroyTable(t *Table) {
	mm.log.Debug("table destroy",
		"name", t.name, "tableid", t.tableID, "mask", t.mask, "pid", t.pid)
	mm.checkConsistency("destroy")
	t.destroyed.Store(true)
	mm.closeTable(t)
	mm.checkConsistency("destroy")
	t.release()
}

// Destroy tears the table down: no further callback invocations happen
// once Destroy returns.
func (t *Table) Destroy() {
	mm := t.mux
	mm.mu.Lock()
	mm.destroyTable(t)
	mm.mu.Unlock()
}

// QueueDeferred schedules a subscribe (open=true) or unsubscribe command
// for later execution by RunDeferred, typically on the input thread that
// owns the hardware. A queued table holds one extra reference; a second
// queue call before the first ran just replaces the pending command.
func (mm *Mux) QueueDeferred(t *Table, open bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	cmd := deferClose
	if open {
		cmd = deferOpen
	}
	if t.deferCmd != deferNone {
		t.deferCmd = cmd
		return
	}
	if !t.retain() {
		return
	}
	t.deferCmd = cmd
	mm.deferred = append(mm.deferred, t)
}

// RunDeferred drains the deferred-command queue, applying each pending
// subscribe/unsubscribe through the backend. Commands against tables
// destroyed in the meantime are discarded.
func (mm *Mux) RunDeferred() {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	for len(mm.deferred) > 0 {
		t := mm.deferred[0]
		mm.deferred = mm.deferred[1:]
		cmd := t.deferCmd
		t.deferCmd = deferNone
		if !t.destroyed.Load() {
			switch cmd {
			case deferOpen:
				mm.openTable(t, true)
			case deferClose:
				if t.subscribed {
					mm.backend.StopFilter(mm, t)
					t.subscribed = false
				}
			}
		}
		t.release()
	}
}

// FlushAll tears down every table on the mux. Pending deferred commands
// are discarded outright: their tables are released without touching the
// backend, since the commands were never executed. Live tables are then
// destroyed unconditionally, FlagDefer notwithstanding.
func (mm *Mux) FlushAll() {
	if mm.descramblerFlush != nil {
		mm.descramblerFlush(mm)
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.checkConsistency("flush")

	for len(mm.deferred) > 0 {
		t := mm.deferred[0]
		mm.deferred = mm.deferred[1:]
		t.deferCmd = deferNone
		t.release()
	}
	for len(mm.tables) > 0 {
		t := mm.tables[0]
		t.clearFlags(FlagDefer) // force destroy
		mm.checkConsistency("flush")
		mm.destroyTable(t)
		mm.checkConsistency("flush")
	}
	if mm.numTables != 0 || len(mm.tables) != 0 || len(mm.deferred) != 0 {
		mm.log.Error("tables left behind after flush",
			"num", mm.numTables, "list", len(mm.tables), "deferred", len(mm.deferred))
		panic(&ConsistencyError{Mux: mm.name, Op: "flush", Count: mm.numTables, Live: len(mm.tables)})
	}
}
