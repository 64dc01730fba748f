package chipset

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/tinyrange/guestboot/internal/hv"
	"github.com/tinyrange/guestboot/internal/ioport"
)

type testDevice struct {
	name   string
	ranges []ioport.Range
	value  uint32
	outErr error
	resets int
}

func (d *testDevice) Name() string { return d.name }
func (d *testDevice) PortRanges() []ioport.Range { return d.ranges }
func (d *testDevice) In(uint16, int) (uint32, error) { return d.value, nil }
func (d *testDevice) Out(uint16, int, uint32) error { return d.outErr }
func (d *testDevice) Reset() error {
	d.resets++
	return nil
}

func newLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestRegisterDeviceValidation(t *testing.T) {
	var logs bytes.Buffer
	b := NewBuilder(newLogger(&logs))

	if err := b.RegisterDevice(nil); err == nil {
		t.Fatalf("nil device accepted")
	}
	if err := b.RegisterDevice(&testDevice{}); err == nil {
		t.Fatalf("unnamed device accepted")
	}
	kbd := &testDevice{name: "kbd", ranges: []ioport.Range{ioport.Port(0x60), ioport.Port(0x64)}}
	if err := b.RegisterDevice(kbd); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	if err := b.RegisterDevice(&testDevice{name: "kbd"}); err == nil {
		t.Fatalf("duplicate device accepted")
	}
}

func TestRegisterDeviceConflictIsAtomic(t *testing.T) {
	b := NewBuilder(nil)
	if err := b.RegisterDevice(&testDevice{name: "a", ranges: []ioport.Range{ioport.RangeOf(0x70, 2)}}); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}

	bad := &testDevice{name: "b", ranges: []ioport.Range{ioport.Port(0x80), ioport.Port(0x71)}}
	err := b.RegisterDevice(bad)
	if !errors.Is(err, ioport.ErrPortConflict) {
		t.Fatalf("RegisterDevice error = %v, want ErrPortConflict", err)
	}
	if !strings.Contains(err.Error(), `"b"`) {
		t.Fatalf("error %q does not name the device", err)
	}

	// 0x80 must not have been claimed by the failed registration.
	if err := b.RegisterDevice(&testDevice{name: "post", ranges: []ioport.Range{ioport.Port(0x80)}}); err != nil {
		t.Fatalf("RegisterDevice after failed registration: %v", err)
	}

	self := &testDevice{name: "self", ranges: []ioport.Range{ioport.RangeOf(0x100, 4), ioport.Port(0x102)}}
	if err := b.RegisterDevice(self); !errors.Is(err, ioport.ErrPortConflict) {
		t.Fatalf("self-overlap error = %v, want ErrPortConflict", err)
	}
}

func TestBuildSealsTable(t *testing.T) {
	b := NewBuilder(nil)
	if err := b.RegisterDevice(&testDevice{name: "a", ranges: []ioport.Range{ioport.Port(0x80)}}); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !cs.Table().Sealed() {
		t.Fatalf("table not sealed after Build")
	}
	if err := b.RegisterDevice(&testDevice{name: "late", ranges: []ioport.Range{ioport.Port(0x81)}}); !errors.Is(err, ioport.ErrTableSealed) {
		t.Fatalf("late registration error = %v, want ErrTableSealed", err)
	}
	if got := len(cs.Devices()); got != 1 {
		t.Fatalf("chipset has %d devices, want 1", got)
	}
}

func TestHandlePIO(t *testing.T) {
	var logs bytes.Buffer
	b := NewBuilder(newLogger(&logs))
	dev := &testDevice{name: "dev", ranges: []ioport.Range{ioport.RangeOf(0x60, 4)}, value: 0x42, outErr: errors.New("stuck")}
	if err := b.RegisterDevice(dev); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var data uint32
	if got := cs.HandlePIO(0x61, true, 1, &data); got != ioport.Handled || data != 0x42 {
		t.Fatalf("read = %v %#x, want handled 0x42", got, data)
	}

	for size, want := range map[int]uint32{1: 0xff, 2: 0xffff, 4: 0xffffffff} {
		data = 0
		if got := cs.HandlePIO(0x500, true, size, &data); got != ioport.Unhandled || data != want {
			t.Fatalf("unclaimed read size %d = %v %#x, want unhandled %#x", size, got, data, want)
		}
	}

	data = 1
	if got := cs.HandlePIO(0x60, false, 1, &data); got != ioport.Error {
		t.Fatalf("failing write = %v, want error", got)
	}
	if !strings.Contains(logs.String(), "level=WARN") || !strings.Contains(logs.String(), "device=dev") {
		t.Fatalf("handler failure not logged as warning: %s", logs.String())
	}
}

func TestHandlePIOPowerRequest(t *testing.T) {
	b := NewBuilder(nil)
	reset := &testDevice{name: "reset", ranges: []ioport.Range{ioport.Port(0xcf9)}, outErr: hv.ErrGuestRequestedReboot}
	if err := b.RegisterDevice(reset); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if cs.PowerRequest() != nil {
		t.Fatalf("power request before any access")
	}
	data := uint32(0x6)
	if got := cs.HandlePIO(0xcf9, false, 1, &data); got != ioport.Handled {
		t.Fatalf("reset write = %v, want handled", got)
	}
	if !errors.Is(cs.PowerRequest(), hv.ErrGuestRequestedReboot) {
		t.Fatalf("PowerRequest = %v, want reboot", cs.PowerRequest())
	}

	if err := cs.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if cs.PowerRequest() != nil || reset.resets != 1 {
		t.Fatalf("after Reset: request %v, device resets %d", cs.PowerRequest(), reset.resets)
	}
}
