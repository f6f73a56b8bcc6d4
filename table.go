// Package dvbmux implements the section-table layer of an MPEG-TS input:
// a per-multiplex registry of section filters, a dispatcher that validates
// raw demultiplexed sections and routes them to filter callbacks, and the
// fast-switch coordination that declares a mux scan complete once every
// required filter has been satisfied.
//
// The package is designed for two concurrent callers per Mux: a data path
// feeding Table.Dispatch, and a control path driving AddTable, Destroy and
// FlushAll. Registry membership is guarded by one mutex per Mux; the
// dispatch path never takes it and relies on reference counting to keep a
// table alive while a callback is in flight.
package dvbmux

import (
	"log/slog"
	"reflect"
	"sync/atomic"

	"github.com/zsiec/dvbmux/internal/loglimit"
)

// PIDNone marks a table whose PID is not known yet. Such a table is
// registered by name only and receives no sections until a later AddTable
// call rebinds it to a concrete PID.
const PIDNone = -1

// Flags control subscription, validation and scheduling behavior of a Table.
type Flags uint32

const (
	// FlagFull passes the complete section, 3-byte header included, to
	// the callback. Without it only the payload after the header is passed.
	FlagFull Flags = 1 << iota
	// FlagCRC verifies the trailing MPEG CRC-32 before dispatching and
	// strips the CRC field from the payload handed to the callback.
	FlagCRC
	// FlagQuickReq marks the table as required before a mux scan can be
	// declared complete.
	FlagQuickReq
	// FlagFastSwitch lets a satisfied table trigger scan-completion
	// evaluation without being itself required for it.
	FlagFastSwitch
	// FlagSkipSubs suppresses the hardware subscription at registration
	// time. Consumed by AddTable, never stored on the table.
	FlagSkipSubs
	// FlagScanSubs subscribes at registration only if a scan is in
	// progress. Consumed by AddTable, never stored on the table.
	FlagScanSubs
	// FlagRecord classifies the filter as a record stream.
	FlagRecord
	// FlagFast classifies the filter as a fast table for scheduling.
	FlagFast
	// FlagSlow classifies the filter as a slow table for scheduling.
	FlagSlow
	// FlagDefer protects the table from forced teardown until FlushAll
	// clears it.
	FlagDefer
)

// Type is the scheduling classification of a table, a non-exclusive bitset.
type Type uint8

const (
	TypeSlow Type = 1 << iota
	TypeFast
	TypeStream
)

// SectionCallback processes one validated section. payload framing depends
// on FlagFull; tableID is passed as a side channel either way.
//
// Return < 0 to signal a processing error, 0 to signal that this filter's
// requirement is now satisfied, > 0 to signal processed-but-not-satisfied.
type SectionCallback func(t *Table, payload []byte, tableID uint8) int

// Satellite is auxiliary per-table state (bouquet bookkeeping and the
// like) torn down when the table is released.
type Satellite interface {
	Destroy()
}

type deferCmd uint8

const (
	deferNone deferCmd = iota
	deferOpen
	deferClose
)

// Table is a single section filter: match criteria, callback binding and
// mutable run state. Tables are created by Mux.AddTable and torn down by
// Destroy or FlushAll; they are reference counted so an in-flight Dispatch
// keeps its table valid even when destruction runs concurrently.
type Table struct {
	mux *Mux
	log *slog.Logger

	name     string
	owner    any
	callback SectionCallback
	cbPtr    uintptr

	tableID uint8
	mask    uint8
	pid     int

	flags     atomic.Uint32
	refs      atomic.Int32
	destroyed atomic.Bool
	matches   atomic.Uint64
	errLimit  loglimit.Limiter

	// cc is the last continuity counter seen by the framing layer,
	// -1 for none. Data-path only, no locking.
	cc int

	// guarded by mux.mu
	linked     bool
	subscribed bool
	working    bool
	complete   bool
	deferCmd   deferCmd

	satellite Satellite
	onDestroy func(*Table)
}

// Name returns the table's registration name.
func (t *Table) Name() string { return t.name }

// PID returns the bound PID, or PIDNone.
func (t *Table) PID() int { return t.pid }

// TableID returns the table-id pattern matched against incoming sections.
func (t *Table) TableID() uint8 { return t.tableID }

// Mask returns the bitmask applied to incoming table ids before matching.
func (t *Table) Mask() uint8 { return t.mask }

// Flags returns the table's current behavior flags.
func (t *Table) Flags() Flags { return Flags(t.flags.Load()) }

// Matches returns the number of sections successfully handed to the callback.
func (t *Table) Matches() uint64 { return t.matches.Load() }

// Destroyed reports whether the table has been marked for teardown.
func (t *Table) Destroyed() bool { return t.destroyed.Load() }

// Subscribed reports whether the hardware filter is currently open.
func (t *Table) Subscribed() bool {
	t.mux.mu.Lock()
	defer t.mux.mu.Unlock()
	return t.subscribed
}

// Working reports whether a fetch is outstanding for this table.
func (t *Table) Working() bool {
	t.mux.mu.Lock()
	defer t.mux.mu.Unlock()
	return t.working
}

// SetWorking marks a fetch as outstanding (or finished). A working table
// blocks scan completion even when it is not itself scan-required.
func (t *Table) SetWorking(w bool) {
	t.mux.mu.Lock()
	t.working = w
	t.mux.mu.Unlock()
}

// Complete reports whether the table has satisfied its scan requirement.
func (t *Table) Complete() bool {
	t.mux.mu.Lock()
	defer t.mux.mu.Unlock()
	return t.complete
}

// SetComplete records whether the table's scan requirement is satisfied.
func (t *Table) SetComplete(c bool) {
	t.mux.mu.Lock()
	t.complete = c
	t.mux.mu.Unlock()
}

// Continuity returns the last continuity counter seen, -1 for none.
// Maintained by the framing layer on the data path.
func (t *Table) Continuity() int { return t.cc }

// SetContinuity records the last continuity counter seen.
func (t *Table) SetContinuity(cc int) { t.cc = cc }

// SetSatellite attaches auxiliary state destroyed when the table is released.
func (t *Table) SetSatellite(s Satellite) { t.satellite = s }

// OnDestroy registers a hook invoked when the table is released.
func (t *Table) OnDestroy(fn func(*Table)) { t.onDestroy = fn }

// Type returns the scheduling classification. Tables that are neither
// fast nor slow default to slow.
func (t *Table) Type() Type {
	var typ Type
	f := t.Flags()
	if f&FlagFast != 0 {
		typ |= TypeFast
	}
	if f&FlagSlow != 0 {
		typ |= TypeSlow
	}
	if f&FlagRecord != 0 {
		typ |= TypeStream
	}
	if typ&(TypeFast|TypeSlow) == 0 {
		typ |= TypeSlow
	}
	return typ
}

func (t *Table) clearFlags(f Flags) {
	for {
		old := t.flags.Load()
		if t.flags.CompareAndSwap(old, old&^uint32(f)) {
			return
		}
	}
}

// retain acquires a reference unless the count already hit zero.
func (t *Table) retain() bool {
	for {
		n := t.refs.Load()
		if n <= 0 {
			return false
		}
		if t.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// release drops one reference and tears the table down at zero: satellite
// state first, then the destroy hook. Fields are poisoned afterwards so a
// use past the final release fails loudly instead of half-working.
func (t *Table) release() {
	if t.refs.Add(-1) != 0 {
		return
	}
	if t.satellite != nil {
		t.satellite.Destroy()
		t.satellite = nil
	}
	if t.onDestroy != nil {
		t.onDestroy(t)
		t.onDestroy = nil
	}
	t.log.Debug("table freed",
		"tableid", t.tableID, "mask", t.mask, "pid", t.pid)
	t.callback = nil
	t.owner = nil
}

// resetState drops per-table reassembly bookkeeping so the framing layer
// starts clean on the next section boundary.
func (t *Table) resetState() {
	t.cc = -1
}

// callbackPtr gives the code pointer of cb. Dedupe in AddTable compares
// callbacks by identity, matching C function-pointer semantics; two
// registrations of the same function are the same callback regardless of
// what closure variables they capture.
func callbackPtr(cb SectionCallback) uintptr {
	if cb == nil {
		return 0
	}
	return reflect.ValueOf(cb).Pointer()
}
