package ioport

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	ErrPortConflict = errors.New("I/O port range conflict")
	ErrTableSealed  = errors.New("I/O port table sealed")
	ErrInvalidRange = errors.New("invalid I/O port range")
	ErrAccessSize   = errors.New("invalid I/O access size")
)

// Outcome is the result of dispatching one port access.
type Outcome int

const (
	// Handled: a handler claimed the port and completed the access.
	Handled Outcome = iota
	// Unhandled: no handler claims the port.
	Unhandled
	// Error: the port is claimed but the access failed.
	Error
)

func (o Outcome) String() string {
	switch o {
	case Handled:
		return "handled"
	case Unhandled:
		return "unhandled"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// EntryType says how an entry's accesses are serviced.
type EntryType int

const (
	// TypeEmulated entries are serviced by a host-side Handler.
	TypeEmulated EntryType = iota + 1
)

func (t EntryType) String() string {
	if t == TypeEmulated {
		return "emulated"
	}
	return fmt.Sprintf("type(%d)", int(t))
}

type Entry struct {
	Range       Range
	Handler     Handler
	Description string
	Type        EntryType
}

// Table maps port ranges to handlers. Entries are kept sorted by start port
// and never share a port.
//
// Registration is serialised by a mutex and publishes a new entry slice on
// every change, so Emulate runs without locks. Seal ends registration.
type Table struct {
	mu      sync.Mutex
	sealed  bool
	entries atomic.Pointer[[]Entry]
}

func NewTable() *Table {
	t := &Table{}
	t.entries.Store(&[]Entry{})
	return t
}

// AddHandler claims r for h. It fails with ErrPortConflict when r shares a
// port with an existing entry, leaving the table unchanged.
func (t *Table) AddHandler(r Range, h Handler, desc string) error {
	if !r.Valid() {
		return fmt.Errorf("ioport: %q: %w: start %#04x > end %#04x", desc, ErrInvalidRange, r.Start, r.End)
	}
	if h == nil {
		return fmt.Errorf("ioport: %q at %s: nil handler", desc, r)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sealed {
		return fmt.Errorf("ioport: %q at %s: %w", desc, r, ErrTableSealed)
	}

	cur := *t.entries.Load()
	idx := sort.Search(len(cur), func(i int) bool { return cur[i].Range.Start >= r.Start })

	// Sorted and disjoint: only the neighbours can overlap.
	for _, n := range []int{idx - 1, idx} {
		if n < 0 || n >= len(cur) {
			continue
		}
		if existing := cur[n]; existing.Range.Overlaps(r) {
			return fmt.Errorf("ioport: %w: %s (%s) overlaps %s (%s)",
				ErrPortConflict, r, desc, existing.Range, existing.Description)
		}
	}

	next := make([]Entry, 0, len(cur)+1)
	next = append(next, cur[:idx]...)
	next = append(next, Entry{Range: r, Handler: h, Description: desc, Type: TypeEmulated})
	next = append(next, cur[idx:]...)
	t.entries.Store(&next)
	return nil
}

// Seal rejects all further registration.
func (t *Table) Seal() {
	t.mu.Lock()
	t.sealed = true
	t.mu.Unlock()
}

func (t *Table) Sealed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sealed
}

// Entries returns a copy of the table in ascending port order.
func (t *Table) Entries() []Entry {
	cur := *t.entries.Load()
	return append([]Entry(nil), cur...)
}

func (t *Table) Len() int { return len(*t.entries.Load()) }

// Lookup returns the entry whose range contains port.
func (t *Table) Lookup(port uint16) (Entry, bool) {
	cur := *t.entries.Load()
	// Ends ascend with starts because ranges are disjoint.
	idx := sort.Search(len(cur), func(i int) bool { return cur[i].Range.End >= port })
	if idx < len(cur) && cur[idx].Range.Start <= port {
		return cur[idx], true
	}
	return Entry{}, false
}

// Emulate dispatches a trapped port access. For reads the handler's value,
// masked to size, is stored in *data; for writes *data is the value written.
func (t *Table) Emulate(port uint16, isIn bool, size int, data *uint32) Outcome {
	out, _ := t.EmulateErr(port, isIn, size, data)
	return out
}

// EmulateErr is Emulate that also returns the cause of an Error outcome.
func (t *Table) EmulateErr(port uint16, isIn bool, size int, data *uint32) (Outcome, error) {
	if size != 1 && size != 2 && size != 4 {
		return Error, fmt.Errorf("ioport: %#04x: %w %d", port, ErrAccessSize, size)
	}
	if data == nil {
		return Error, fmt.Errorf("ioport: %#04x: nil data", port)
	}

	entry, ok := t.Lookup(port)
	if !ok {
		return Unhandled, nil
	}

	mask := SizeMask(size)
	if isIn {
		v, err := entry.Handler.In(port, size)
		if err != nil {
			return Error, fmt.Errorf("ioport: in %#04x (%s): %w", port, entry.Description, err)
		}
		*data = v & mask
		return Handled, nil
	}

	if err := entry.Handler.Out(port, size, *data&mask); err != nil {
		return Error, fmt.Errorf("ioport: out %#04x (%s): %w", port, entry.Description, err)
	}
	return Handled, nil
}
