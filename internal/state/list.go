package state

import (
	"errors"
	"iter"
	"sync"
	"time"
)

// Depth is how many frames the SOF handlers inspect, counted backwards from
// the latest sensor-dispatched sequence (slot 0 is that frame, slot 2 the
// oldest still relevant one).
const Depth = 3

// DefaultCapacity bounds the list when the caller does not choose a size.
const DefaultCapacity = 8

var (
	// ErrListFull is returned by Insert when the list is at capacity.
	ErrListFull = errors.New("state: list depth exceeded")

	// ErrDuplicate is returned by Insert for a sequence already tracked.
	ErrDuplicate = errors.New("state: frame already tracked")
)

// Stamp records when a cell entered a label.
type Stamp struct {
	State State
	At    time.Time
}

// Cell is the control label of one frame plus its transition history.
//
// A Cell is only read or written through a Tx, so every access happens with
// the owning List's mutex held.
type Cell struct {
	cur     State
	history []Stamp
}

// Entry is anything the list can track: a frame with a sequence number and a
// state cell.
type Entry interface {
	FrameSeq() int
	StateCell() *Cell
}

// List is the bounded, ascending-by-sequence set of frames currently in
// flight for one capture context.
//
// Thread-safety:
//   - All reads and writes happen inside Do (one mutex)
//   - Callbacks passed to Do must not block and must not call back into the list
type List struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
	now      func() time.Time
}

// NewList creates a list holding at most capacity entries (DefaultCapacity
// when capacity <= 0).
func NewList(capacity int) *List {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &List{
		entries:  make([]Entry, 0, capacity),
		capacity: capacity,
		now:      time.Now,
	}
}

// SetClock replaces the time source used for transition stamps.
func (l *List) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// Insert adds e with the initial label. Entries are kept sorted by sequence.
func (l *List) Insert(e Entry, initial State) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) >= l.capacity {
		return ErrListFull
	}

	seq := e.FrameSeq()
	pos := len(l.entries)
	for i, cur := range l.entries {
		if cur.FrameSeq() == seq {
			return ErrDuplicate
		}
		if cur.FrameSeq() > seq && pos == len(l.entries) {
			pos = i
		}
	}

	c := e.StateCell()
	c.cur = initial
	c.history = append(c.history[:0], Stamp{State: initial, At: l.now()})

	l.entries = append(l.entries, nil)
	copy(l.entries[pos+1:], l.entries[pos:])
	l.entries[pos] = e
	return nil
}

// Do runs fn with the list locked.
func (l *List) Do(fn func(tx *Tx)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(&Tx{l: l})
}

// Len returns the number of tracked entries.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// StateOf returns the current label of e.
func (l *List) StateOf(e Entry) State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return e.StateCell().cur
}

// History returns a copy of e's transition stamps.
func (l *List) History(e Entry) []Stamp {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := e.StateCell().history
	out := make([]Stamp, len(h))
	copy(out, h)
	return out
}

// Drain removes and returns every entry (stream teardown).
func (l *List) Drain() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.entries
	l.entries = make([]Entry, 0, l.capacity)
	return out
}

// Tx is the locked view of a List handed to Do callbacks.
type Tx struct {
	l *List
}

// Find returns the entry with sequence seq, or nil.
func (tx *Tx) Find(seq int) Entry {
	for _, e := range tx.l.entries {
		if e.FrameSeq() == seq {
			return e
		}
	}
	return nil
}

// All iterates every entry in ascending sequence order.
func (tx *Tx) All() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for _, e := range tx.l.entries {
			if !yield(e) {
				return
			}
		}
	}
}

// State returns e's current label.
func (tx *Tx) State(e Entry) State { return e.StateCell().cur }

// Transition moves e from one label to another.
//
// Returns false and leaves e untouched when e is not currently in from, or
// when from→to is not a legal edge.
func (tx *Tx) Transition(e Entry, from, to State) bool {
	c := e.StateCell()
	if c.cur != from || !Legal(from, to) {
		return false
	}
	c.cur = to
	c.history = append(c.history, Stamp{State: to, At: tx.l.now()})
	return true
}

// Complete applies the family's done edge to e, if e sits on the last
// in-flight label of its family.
func (tx *Tx) Complete(e Entry) (State, bool) {
	cur := e.StateCell().cur
	to, ok := doneEdges[cur]
	if !ok {
		return cur, false
	}
	return to, tx.Transition(e, cur, to)
}

// Remove drops e from the list.
func (tx *Tx) Remove(e Entry) bool {
	for i, cur := range tx.l.entries {
		if cur == e {
			tx.l.entries = append(tx.l.entries[:i], tx.l.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Window returns the entries whose sequence lies in [anchor-Depth+1, anchor].
func (tx *Tx) Window(anchor int) Window {
	var w Window
	w.anchor = anchor
	for _, e := range tx.l.entries {
		idx := anchor - e.FrameSeq()
		if idx < 0 || idx >= Depth {
			continue
		}
		w.slots[idx] = e
		w.states[idx] = e.StateCell().cur
		w.n++
	}
	return w
}

// Window is a snapshot of the last Depth frames relative to an anchor
// sequence, taken under the list lock.
type Window struct {
	anchor int
	slots  [Depth]Entry
	states [Depth]State
	n      int
}

// Anchor returns the sequence of slot 0.
func (w Window) Anchor() int { return w.anchor }

// Len returns how many slots are occupied.
func (w Window) Len() int { return w.n }

// At returns the entry in slot i (sequence anchor-i) and its label at
// snapshot time.
func (w Window) At(i int) (Entry, State, bool) {
	if i < 0 || i >= Depth || w.slots[i] == nil {
		return nil, 0, false
	}
	return w.slots[i], w.states[i], true
}

// All iterates occupied slots oldest first, yielding the slot index and the
// entry.
func (w Window) All() iter.Seq2[int, Entry] {
	return func(yield func(int, Entry) bool) {
		for i := Depth - 1; i >= 0; i-- {
			if w.slots[i] == nil {
				continue
			}
			if !yield(i, w.slots[i]) {
				return
			}
		}
	}
}
