// Package socket keeps the bookkeeping of the chip socket slots.
//
// The chip offers a fixed number of sockets. Every slot carries a
// generation counter that is bumped when the slot is freed, so a handle
// issued for an earlier use of the slot is detected as closed instead of
// silently addressing the new socket.
package socket

import (
	"fmt"
	"sync"
	"time"

	"i4.energy/across/cellink/codec"
)

const (
	// DefaultSlots is the number of sockets of the chip.
	DefaultSlots = codec.MaxConnID
	// MaxChunk is the largest payload moved by one send or receive.
	MaxChunk = codec.MaxPayload
)

// State is the lifecycle of a slot.
type State int

const (
	Free State = iota
	Opening
	Open
	Closing
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Opening:
		return "opening"
	case Open:
		return "open"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handle identifies one use of a slot.
type Handle struct {
	slot uint8
	gen  uint32
}

// ConnID is the chip connection id of the slot, starting at 1.
func (h Handle) ConnID() int { return int(h.slot) + 1 }

func (h Handle) String() string {
	return fmt.Sprintf("socket(%d#%d)", h.ConnID(), h.gen)
}

// SlotInfo is a copy of a slot.
type SlotInfo struct {
	ConnID   int
	State    State
	Protocol codec.Protocol
	Remote   string
	// Pending is the number of bytes the chip holds for the socket, as
	// last learned at PendingAt.
	Pending   int
	PendingAt time.Time
	LastErr   error
}

type slot struct {
	gen uint32
	SlotInfo
}

// Table maps handles to chip slots.
type Table struct {
	mu    sync.Mutex
	slots []slot
}

// NewTable returns a table of n free slots.
func NewTable(n int) *Table {
	if n <= 0 || n > DefaultSlots {
		n = DefaultSlots
	}
	t := &Table{slots: make([]slot, n)}
	for i := range t.slots {
		t.slots[i].gen = 1
		t.slots[i].ConnID = i + 1
	}
	return t
}

// Size returns the number of slots.
func (t *Table) Size() int { return len(t.slots) }

// Reserve binds the lowest free slot for opening a socket.
func (t *Table) Reserve(proto codec.Protocol, remote string) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		s := &t.slots[i]
		if s.State != Free {
			continue
		}
		s.State = Opening
		s.Protocol = proto
		s.Remote = remote
		s.Pending = 0
		s.PendingAt = time.Time{}
		s.LastErr = nil
		return Handle{slot: uint8(i), gen: s.gen}, nil
	}
	return Handle{}, ErrNoFreeSlot
}

// lookup returns the slot of h if h is its current use.
func (t *Table) lookup(h Handle) (*slot, error) {
	if h.gen == 0 || int(h.slot) >= len(t.slots) {
		return nil, ErrInvalidHandle
	}
	s := &t.slots[h.slot]
	if s.gen != h.gen || s.State == Free {
		return nil, ErrClosed
	}
	return s, nil
}

// Opened marks a reserved slot as open.
func (t *Table) Opened(h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.lookup(h)
	if err != nil {
		return err
	}
	if s.State != Opening {
		return fmt.Errorf("%v: %w", h, ErrClosed)
	}
	s.State = Open
	return nil
}

// Get returns the slot of an open handle.
func (t *Table) Get(h Handle) (SlotInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.lookup(h)
	if err != nil {
		return SlotInfo{}, err
	}
	if s.State != Open {
		return SlotInfo{}, ErrClosed
	}
	return s.SlotInfo, nil
}

// BeginClose moves an open or opening slot to Closing. Further I/O on the
// handle fails with ErrClosed, but the slot is not reused until Release.
func (t *Table) BeginClose(h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.lookup(h)
	if err != nil {
		return err
	}
	s.State = Closing
	return nil
}

// Release frees the slot of h once the chip confirmed the socket is gone.
func (t *Table) Release(h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.lookup(h)
	if err != nil {
		return err
	}
	t.freeLocked(s)
	return nil
}

func (t *Table) freeLocked(s *slot) {
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	id := s.ConnID
	s.SlotInfo = SlotInfo{ConnID: id}
}

// PeerClosed frees the slot the chip reported closed. It returns false when
// the slot was not in use.
func (t *Table) PeerClosed(connID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.byConnID(connID)
	if s == nil || s.State == Free {
		return false
	}
	t.freeLocked(s)
	return true
}

// DataReady records the byte count the chip announced for a slot. A
// negative count means the chip did not say how much arrived. The pending
// count is then marked stale so the next receive asks.
func (t *Table) DataReady(connID, n int, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.byConnID(connID)
	if s == nil || s.State != Open {
		return false
	}
	if n < 0 {
		s.PendingAt = time.Time{}
		return true
	}
	s.Pending = n
	s.PendingAt = at
	return true
}

// SetPending overwrites the pending count with a value queried from the chip.
func (t *Table) SetPending(h Handle, n int, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.lookup(h)
	if err != nil {
		return err
	}
	s.Pending = max(n, 0)
	s.PendingAt = at
	return nil
}

// Consume subtracts bytes that were read from the pending count.
func (t *Table) Consume(h Handle, n int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.lookup(h)
	if err != nil {
		return err
	}
	s.Pending = max(s.Pending-n, 0)
	return nil
}

// SetError records the last error seen on the slot.
func (t *Table) SetError(h Handle, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, lerr := t.lookup(h); lerr == nil {
		s.LastErr = err
	}
}

// Reset frees every slot. Used when the bearer is gone and the chip dropped
// all sockets with it.
func (t *Table) Reset() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for i := range t.slots {
		if t.slots[i].State != Free {
			t.freeLocked(&t.slots[i])
			n++
		}
	}
	return n
}

// Snapshot returns a copy of all slots.
func (t *Table) Snapshot() []SlotInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SlotInfo, len(t.slots))
	for i := range t.slots {
		out[i] = t.slots[i].SlotInfo
	}
	return out
}

func (t *Table) byConnID(connID int) *slot {
	if connID < 1 || connID > len(t.slots) {
		return nil
	}
	return &t.slots[connID-1]
}
