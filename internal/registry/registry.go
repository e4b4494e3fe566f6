// Package registry implements the supervisor's child bookkeeping: a
// process-private table of every live child, plus the small shared-memory
// slot array peer children use to look up a sibling's cancel token without
// going through the supervisor.
//
// The registry itself is not shared memory (every registry entry
// corresponds to a child attached to shared memory, but the bookkeeping
// need not live there too), so it is consulted only from the supervisor
// process, as an insertion-ordered slice of records paired with a pid
// index; it is not an intrusive linked list, so Remove scans the slice.
package registry

import (
	"crypto/rand"
	"encoding/binary"
	"sync"

	"github.com/pgboss/pgboss/internal/kinds"
)

// KindMask is a bitset over kinds.Kind, used by Count/Iter/SignalMany to
// select a subset of child kinds without allocating a slice each call.
type KindMask uint32

// MaskOf builds a KindMask containing exactly the given kinds.
func MaskOf(ks ...kinds.Kind) KindMask {
	var m KindMask
	for _, k := range ks {
		m |= 1 << uint(k)
	}
	return m
}

// MaskAll matches every kind.
const MaskAll KindMask = ^KindMask(0)

func (m KindMask) has(k kinds.Kind) bool {
	return m&(1<<uint(k)) != 0
}

// Record is a single live child: everything the supervisor needs to reap,
// signal, or look up the child.
type Record struct {
	Pid      int
	Kind     kinds.Kind
	Slot     int    // index into the shared slot array, or -1 if none
	Token    uint32 // cancel token, unpredictable to anyone outside the registry
	DeadEnd  bool   // short-lived rejection worker, drained before shm teardown
	BgNotify bool   // bgworker wants a state-change notification on exit
}

// Registry is the supervisor's table of live children: an insertion-
// ordered list (so iteration order is deterministic and signals land in
// registration order) plus an index by pid for O(1) lookups.
type Registry struct {
	mu    sync.Mutex
	order []*Record // insertion-ordered
	byPid map[int]*Record
	slots []*Record // shared-memory mirror: slot index -> record, nil if free
}

// New creates an empty registry with room for maxSlots concurrent slotted
// children. A Slot is a small integer index into a fixed-size array.
func New(maxSlots int) *Registry {
	return &Registry{
		byPid: make(map[int]*Record),
		slots: make([]*Record, maxSlots),
	}
}

// Add inserts rec into the registry, assigning it the slot it already
// carries (rec.Slot must come from AllocSlot, or be -1
// for singleton kinds that do not use the slot array).
func (r *Registry) Add(rec *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, rec)
	r.byPid[rec.Pid] = rec
	if rec.Slot >= 0 {
		r.slots[rec.Slot] = rec
	}
}

// Remove deletes the child with the given pid, freeing its slot. It is a
// no-op if pid is not present (reaping is idempotent by design so a
// double-reap from a delayed SIGCHLD never panics).
func (r *Registry) Remove(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byPid[pid]
	if !ok {
		return
	}
	delete(r.byPid, pid)
	if rec.Slot >= 0 && rec.Slot < len(r.slots) {
		r.slots[rec.Slot] = nil
	}
	for i, o := range r.order {
		if o == rec {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Find returns the record for pid, or nil if it is not a live child.
func (r *Registry) Find(pid int) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byPid[pid]
}

// FindBySlot looks a child up by its shared-memory slot index, the path
// peer children use in spawn-and-reattach mode when they have not
// inherited the full registry.
func (r *Registry) FindBySlot(slot int) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slot < 0 || slot >= len(r.slots) {
		return nil
	}
	return r.slots[slot]
}

// AllocSlot returns the index of the first free slot, or -1 if the slot
// array is full. It does not mark the slot taken; the slot is occupied
// only once a record carrying it is passed to Add.
func (r *Registry) AllocSlot() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.slots {
		if s == nil {
			return i
		}
	}
	return -1
}

// Count returns the number of live children whose kind is in mask.
func (r *Registry) Count(mask KindMask) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.order {
		if mask.has(rec.Kind) {
			n++
		}
	}
	return n
}

// Len returns the total number of live children, used to test the
// NoChildren transition.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Iter calls fn for every live child whose kind is in mask, in insertion
// order. The matching records are copied out before fn runs and the lock
// is released, so fn may call Add or Remove; such changes do not alter
// the set of records this call visits.
func (r *Registry) Iter(mask KindMask, fn func(*Record)) {
	r.mu.Lock()
	snapshot := make([]*Record, 0, len(r.order))
	for _, rec := range r.order {
		if mask.has(rec.Kind) {
			snapshot = append(snapshot, rec)
		}
	}
	r.mu.Unlock()
	for _, rec := range snapshot {
		fn(rec)
	}
}

// Snapshot returns a copy of every live record whose kind is in mask.
func (r *Registry) Snapshot(mask KindMask) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.order))
	for _, rec := range r.order {
		if mask.has(rec.Kind) {
			out = append(out, *rec)
		}
	}
	return out
}

// Signaler delivers an OS signal to a pid; the boss's processSignaler
// satisfies this, and tests can substitute a fake.
type Signaler interface {
	Signal(pid int, sig int) error
}

// SignalMany delivers sig to every live child whose kind is in mask,
// logging individual failures to the caller via the returned slice of
// pids that could not be signaled (already-dead children, mostly).
func (r *Registry) SignalMany(mask KindMask, sig int, s Signaler) (failed []int) {
	r.Iter(mask, func(rec *Record) {
		if err := s.Signal(rec.Pid, sig); err != nil {
			failed = append(failed, rec.Pid)
		}
	})
	return failed
}

// NewCancelToken generates a 32-bit cryptographically strong token,
// unpredictable to anyone who has not observed the supervisor's internal
// tables.
func NewCancelToken() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("registry: crypto/rand failed: " + err.Error())
	}
	return binary.LittleEndian.Uint32(b[:])
}
