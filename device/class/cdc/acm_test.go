package cdc

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"github.com/ardnew/vcom/device"
	"github.com/ardnew/vcom/device/hal"
	"github.com/ardnew/vcom/device/hal/sim"
	"github.com/ardnew/vcom/pkg"
)

const bulkInBase = 136

// newPort initializes a port on a fresh simulated controller and returns a
// host that services the device synchronously after every transaction.
func newPort(t *testing.T, cfg Config) (*ACM, *sim.Controller, *sim.Host) {
	t.Helper()
	ctrl := sim.New()
	a := NewACM(cfg)
	if err := a.Init(ctrl); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	host := sim.NewHost(ctrl, func() { a.Stack().ServiceAll() })
	return a, ctrl, host
}

// runAsync services the device from its own goroutine until the test ends
// and returns a host that waits on it.
func runAsync(t *testing.T, a *ACM, ctrl *sim.Controller) *sim.Host {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx, func() { a.Stack().ServiceAll() }) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return sim.NewHost(ctrl, nil)
}

// preemptedController runs preempt once from inside the bulk-IN copy or
// arm of a Send, the way the event context interrupts the foreground.
type preemptedController struct {
	*sim.Controller
	atWrite bool
	preempt func()
}

func (c *preemptedController) fire() {
	if f := c.preempt; f != nil {
		c.preempt = nil
		f()
	}
}

func (c *preemptedController) WriteBuffer(base uint16, data []byte) int {
	if c.atWrite && base == bulkInBase {
		c.fire()
	}
	return c.Controller.WriteBuffer(base, data)
}

func (c *preemptedController) SetPayloadLength(ep hal.EndpointIndex, n int) {
	c.Controller.SetPayloadLength(ep, n)
	if !c.atWrite && ep == hal.EP2 {
		c.fire()
	}
}

func getLineCoding(host *sim.Host, iface uint16) ([]byte, error) {
	var setup device.SetupPacket
	device.ClassInterfaceSetup(&setup, true, RequestGetLineCoding, 0, iface, LineCodingSize)
	return host.ControlRead(&setup)
}

func setLineCoding(host *sim.Host, iface uint16, lc LineCoding) error {
	var setup device.SetupPacket
	device.ClassInterfaceSetup(&setup, false, RequestSetLineCoding, 0, iface, LineCodingSize)
	var buf [LineCodingSize]byte
	lc.MarshalTo(buf[:])
	return host.ControlWrite(&setup, buf[:])
}

func setControlLineState(host *sim.Host, iface, value uint16) error {
	var setup device.SetupPacket
	device.ClassInterfaceSetup(&setup, false, RequestSetControlLineState, value, iface, 0)
	return host.ControlWrite(&setup, nil)
}

func TestACM_Init(t *testing.T) {
	a, ctrl, _ := newPort(t, DefaultConfig())

	if err := a.Init(ctrl); !errors.Is(err, pkg.ErrAlreadyRunning) {
		t.Errorf("second Init() error = %v, want ErrAlreadyRunning", err)
	}
	if !a.TxReady() {
		t.Error("TxReady() = false after Init")
	}
	if n, armed := ctrl.Armed(hal.EP3); !armed || n != device.MaxPacketSizeBulk {
		t.Errorf("bulk OUT armed = %v, %d; want true, %d", armed, n, device.MaxPacketSizeBulk)
	}
	if got := a.LineCoding(); got != DefaultLineCoding {
		t.Errorf("LineCoding() = %v, want %v", got, DefaultLineCoding)
	}
	if a.DTR() || a.RTS() {
		t.Error("control lines asserted after Init")
	}
	if !ctrl.USBEnabled() {
		t.Error("controller not started")
	}
}

func TestACM_InitInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Manufacturer = ""
	a := NewACM(cfg)
	if err := a.Init(sim.New()); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Fatalf("Init() error = %v, want ErrInvalidParameter", err)
	}
	if a.Stack() != nil {
		t.Error("Stack() not nil after failed Init")
	}
}

func TestACM_NotRunning(t *testing.T) {
	a := NewACM(DefaultConfig())
	ctx := context.Background()

	if _, err := a.SendString(ctx, "AT"); !errors.Is(err, pkg.ErrNotRunning) {
		t.Errorf("Send() error = %v, want ErrNotRunning", err)
	}
	var buf [8]byte
	if _, err := a.Read(ctx, buf[:]); !errors.Is(err, pkg.ErrNotRunning) {
		t.Errorf("Read() error = %v, want ErrNotRunning", err)
	}
	if a.TxReady() {
		t.Error("TxReady() = true before Init")
	}
}

func TestACM_GetLineCodingDefault(t *testing.T) {
	_, _, host := newPort(t, DefaultConfig())

	got, err := getLineCoding(host, 0)
	if err != nil {
		t.Fatalf("GET_LINE_CODING error = %v", err)
	}
	want := []byte{0x00, 0xC2, 0x01, 0x00, 0x00, 0x00, 0x08}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("line coding mismatch (-want +got):\n%s", diff)
	}
}

func TestACM_SetThenGetLineCoding(t *testing.T) {
	var notified []LineCoding
	a := NewACM(DefaultConfig())
	a.SetOnLineCodingChange(func(lc LineCoding) { notified = append(notified, lc) })
	ctrl := sim.New()
	if err := a.Init(ctrl); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	host := sim.NewHost(ctrl, func() { a.Stack().ServiceAll() })

	tests := []LineCoding{
		{DTERate: 9600, CharFormat: StopBits1, ParityType: ParityNone, DataBits: 8},
		{DTERate: 57600, CharFormat: StopBits2, ParityType: ParityEven, DataBits: 7},
		{DTERate: 3000000, CharFormat: StopBits1_5, ParityType: ParityMark, DataBits: 5},
	}
	for _, lc := range tests {
		if err := setLineCoding(host, 0, lc); err != nil {
			t.Fatalf("SET_LINE_CODING(%v) error = %v", lc, err)
		}
		if got := a.LineCoding(); got != lc {
			t.Errorf("LineCoding() = %v, want %v", got, lc)
		}

		raw, err := getLineCoding(host, 0)
		if err != nil {
			t.Fatalf("GET_LINE_CODING error = %v", err)
		}
		var want [LineCodingSize]byte
		lc.MarshalTo(want[:])
		if diff := cmp.Diff(want[:], raw); diff != "" {
			t.Errorf("GET_LINE_CODING after SET %v (-want +got):\n%s", lc, diff)
		}
	}
	if diff := cmp.Diff(tests, notified); diff != "" {
		t.Errorf("line coding callbacks (-want +got):\n%s", diff)
	}
}

func TestACM_SetLineCodingMismatchedIndex(t *testing.T) {
	a, _, host := newPort(t, DefaultConfig())

	lc := LineCoding{DTERate: 9600, DataBits: 8}
	if err := setLineCoding(host, 1, lc); err != nil {
		t.Fatalf("SET_LINE_CODING on interface 1 error = %v, want completed status stage", err)
	}
	if got := a.LineCoding(); got != DefaultLineCoding {
		t.Errorf("LineCoding() = %v, want unchanged %v", got, DefaultLineCoding)
	}
	if s := a.Stack().Stats(); s.Stalls != 0 {
		t.Errorf("Stalls = %d, want 0", s.Stalls)
	}
}

func TestACM_GetLineCodingMismatchedIndex(t *testing.T) {
	_, _, host := newPort(t, DefaultConfig())

	stale, err := getLineCoding(host, 0)
	if err != nil {
		t.Fatalf("GET_LINE_CODING error = %v", err)
	}
	if err := setLineCoding(host, 0, LineCoding{DTERate: 9600, DataBits: 8}); err != nil {
		t.Fatalf("SET_LINE_CODING error = %v", err)
	}

	// The data stage still runs but nothing is copied into the buffer.
	got, err := getLineCoding(host, 1)
	if err != nil {
		t.Fatalf("GET_LINE_CODING on interface 1 error = %v", err)
	}
	if diff := cmp.Diff(stale, got); diff != "" {
		t.Errorf("mismatched GET_LINE_CODING (-want +got):\n%s", diff)
	}
}

func TestACM_StrictInterfaceIndex(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StrictInterfaceIndex = true
	a, ctrl, host := newPort(t, cfg)

	if err := setLineCoding(host, 1, LineCoding{DTERate: 9600, DataBits: 8}); !errors.Is(err, pkg.ErrStall) {
		t.Errorf("SET_LINE_CODING on interface 1 error = %v, want ErrStall", err)
	}
	if !ctrl.Stalled(hal.EP0) || !ctrl.Stalled(hal.EP1) {
		t.Error("control endpoints not stalled")
	}
	if _, err := getLineCoding(host, 1); !errors.Is(err, pkg.ErrStall) {
		t.Errorf("GET_LINE_CODING on interface 1 error = %v, want ErrStall", err)
	}
	if got := a.LineCoding(); got != DefaultLineCoding {
		t.Errorf("LineCoding() = %v, want unchanged", got)
	}
	if s := a.Stack().Stats(); s.Stalls != 2 {
		t.Errorf("Stalls = %d, want 2", s.Stalls)
	}

	if _, err := getLineCoding(host, 0); err != nil {
		t.Errorf("GET_LINE_CODING on interface 0 error = %v", err)
	}
}

func TestACM_UnsupportedRequestsStall(t *testing.T) {
	tests := []struct {
		name  string
		setup device.SetupPacket
	}{
		{"send encapsulated command", device.SetupPacket{RequestType: 0x21, Request: 0x00}},
		{"get encapsulated response", device.SetupPacket{RequestType: 0xA1, Request: 0x01, Length: 8}},
		{"send break", device.SetupPacket{RequestType: 0x21, Request: 0x23, Value: 0xFFFF}},
		{"get line coding as OUT", device.SetupPacket{RequestType: 0x21, Request: RequestGetLineCoding}},
		{"set line coding as IN", device.SetupPacket{RequestType: 0xA1, Request: RequestSetLineCoding, Length: 7}},
		{"vendor request", device.SetupPacket{RequestType: 0x41, Request: 0x01}},
		{"class request to endpoint", device.SetupPacket{RequestType: 0x22, Request: RequestSetControlLineState}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, ctrl, host := newPort(t, DefaultConfig())

			var err error
			if tt.setup.IsDeviceToHost() {
				_, err = host.ControlRead(&tt.setup)
			} else {
				err = host.ControlWrite(&tt.setup, nil)
			}
			if !errors.Is(err, pkg.ErrStall) {
				t.Errorf("transfer error = %v, want ErrStall", err)
			}
			if !ctrl.Stalled(hal.EP0) || !ctrl.Stalled(hal.EP1) {
				t.Errorf("stalled = %v/%v, want both control endpoints",
					ctrl.Stalled(hal.EP0), ctrl.Stalled(hal.EP1))
			}
			if s := a.Stack().Stats(); s.Stalls != 1 {
				t.Errorf("Stalls = %d, want 1", s.Stalls)
			}
			if a.DTR() || a.LineCoding() != DefaultLineCoding {
				t.Error("unsupported request changed port state")
			}

			// The next SETUP clears the stall.
			if _, err := getLineCoding(host, 0); err != nil {
				t.Errorf("GET_LINE_CODING after stall error = %v", err)
			}
		})
	}
}

func TestACM_SetControlLineState(t *testing.T) {
	type lines struct{ DTR, RTS bool }
	var notified []lines
	a := NewACM(DefaultConfig())
	a.SetOnControlStateChange(func(dtr, rts bool) { notified = append(notified, lines{dtr, rts}) })
	ctrl := sim.New()
	if err := a.Init(ctrl); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	host := sim.NewHost(ctrl, func() { a.Stack().ServiceAll() })

	tests := []struct {
		value uint16
		want  lines
	}{
		{0x0001, lines{true, false}},
		{0x0003, lines{true, true}},
		{0x0002, lines{false, true}},
		{0xFFFC, lines{false, false}},
	}
	var want []lines
	for _, tt := range tests {
		if err := setControlLineState(host, 0, tt.value); err != nil {
			t.Fatalf("SET_CONTROL_LINE_STATE(0x%04X) error = %v", tt.value, err)
		}
		if got := (lines{a.DTR(), a.RTS()}); got != tt.want {
			t.Errorf("value 0x%04X: lines = %+v, want %+v", tt.value, got, tt.want)
		}
		want = append(want, tt.want)
	}
	if diff := cmp.Diff(want, notified); diff != "" {
		t.Errorf("control state callbacks (-want +got):\n%s", diff)
	}
}

func TestACM_SendCopiesIntoBulkIn(t *testing.T) {
	tests := []struct {
		name string
		n    int
		want int
	}{
		{"empty", 0, 0},
		{"one", 1, 1},
		{"command", 4, 4},
		{"largest", MaxSendSize, MaxSendSize},
		{"packet", device.MaxPacketSizeBulk, MaxSendSize},
		{"long", 100, MaxSendSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, ctrl, host := newPort(t, DefaultConfig())
			payload := make([]byte, tt.n)
			for i := range payload {
				payload[i] = byte(i + 1)
			}

			before := ctrl.Memory()
			n, err := a.Send(context.Background(), payload)
			if err != nil {
				t.Fatalf("Send() error = %v", err)
			}
			if n != tt.want {
				t.Errorf("Send() = %d, want %d", n, tt.want)
			}
			after := ctrl.Memory()

			if got := after[bulkInBase : bulkInBase+tt.want]; !bytes.Equal(got, payload[:tt.want]) {
				t.Errorf("bulk IN buffer = %x, want %x", got, payload[:tt.want])
			}
			copy(after[bulkInBase:bulkInBase+tt.want], before[bulkInBase:bulkInBase+tt.want])
			if diff := cmp.Diff(before, after); diff != "" {
				t.Errorf("memory outside the copied bytes changed (-before +after):\n%s", diff)
			}
			if got, armed := ctrl.Armed(hal.EP2); !armed || got != tt.want {
				t.Errorf("bulk IN armed = %v, %d; want true, %d", armed, got, tt.want)
			}

			pkt, err := host.BulkRead()
			if err != nil {
				t.Fatalf("BulkRead() error = %v", err)
			}
			if diff := cmp.Diff(payload[:tt.want], pkt); diff != "" {
				t.Errorf("host received (-want +got):\n%s", diff)
			}
		})
	}
}

func TestACM_SendHandshake(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SendTimeout = 10 * time.Millisecond
	a, ctrl, host := newPort(t, cfg)
	ctx := context.Background()

	n, err := a.SendString(ctx, "AT\r\n")
	if err != nil || n != 4 {
		t.Fatalf("SendString() = %d, %v; want 4, nil", n, err)
	}
	if a.TxReady() {
		t.Error("TxReady() = true with a transfer outstanding")
	}

	// A second send waits for the first and times out here.
	if _, err := a.SendString(ctx, "XYZ"); !errors.Is(err, pkg.ErrTimeout) {
		t.Errorf("second SendString() error = %v, want ErrTimeout", err)
	}
	mem := ctrl.Memory()
	if got := string(mem[bulkInBase : bulkInBase+4]); got != "AT\r\n" {
		t.Errorf("outstanding transfer overwritten: %q", got)
	}

	// Completion alone does not free the send path until it is serviced.
	pkt, err := ctrl.CompleteIn(hal.EP2)
	if err != nil {
		t.Fatalf("CompleteIn() error = %v", err)
	}
	if string(pkt) != "AT\r\n" {
		t.Errorf("host received %q, want %q", pkt, "AT\r\n")
	}
	if a.TxReady() {
		t.Error("TxReady() = true before the completion was serviced")
	}
	a.Stack().ServiceAll()
	if !a.TxReady() {
		t.Error("TxReady() = false after the completion was serviced")
	}
	if s := a.Stack().Stats(); s.BulkIn != 1 {
		t.Errorf("BulkIn = %d, want 1", s.BulkIn)
	}

	if _, err := a.SendString(ctx, "OK"); err != nil {
		t.Fatalf("SendString() error = %v", err)
	}
	if pkt, err := host.BulkRead(); err != nil || string(pkt) != "OK" {
		t.Errorf("BulkRead() = %q, %v; want %q", pkt, err, "OK")
	}
}

func TestACM_SendPreemptedByBusReset(t *testing.T) {
	tests := []struct {
		name    string
		atWrite bool
	}{
		{"before copy", true},
		{"after arm", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.SendTimeout = 10 * time.Millisecond
			ctrl := &preemptedController{Controller: sim.New(), atWrite: tt.atWrite}
			a := NewACM(cfg)
			if err := a.Init(ctrl); err != nil {
				t.Fatalf("Init() error = %v", err)
			}
			host := sim.NewHost(ctrl.Controller, func() { a.Stack().ServiceAll() })
			ctrl.preempt = func() {
				ctrl.BusReset()
				a.Stack().ServiceAll()
			}
			ctx := context.Background()

			n, err := a.SendString(ctx, "first")
			if err != nil || n != 5 {
				t.Fatalf("SendString() = %d, %v; want 5, nil", n, err)
			}
			if ctrl.preempt != nil {
				t.Fatal("bus reset did not interrupt Send")
			}
			if s := a.Stack().Stats(); s.BusReset != 1 {
				t.Errorf("BusReset = %d, want 1", s.BusReset)
			}
			if got, armed := ctrl.Armed(hal.EP2); !armed || got != 5 {
				t.Errorf("bulk IN armed = %v, %d; want true, 5", armed, got)
			}
			if a.TxReady() {
				t.Error("TxReady() = true with a transfer outstanding")
			}

			if _, err := a.SendString(ctx, "XX"); !errors.Is(err, pkg.ErrTimeout) {
				t.Errorf("second SendString() error = %v, want ErrTimeout", err)
			}
			mem := ctrl.Memory()
			if got := string(mem[bulkInBase : bulkInBase+5]); got != "first" {
				t.Errorf("outstanding transfer overwritten: %q", got)
			}

			pkt, err := host.BulkRead()
			if err != nil || string(pkt) != "first" {
				t.Errorf("BulkRead() = %q, %v; want %q", pkt, err, "first")
			}
			if !a.TxReady() {
				t.Error("TxReady() = false after the transfer completed")
			}
		})
	}
}

func TestACM_InterruptEndpointIdle(t *testing.T) {
	a, ctrl, host := newPort(t, DefaultConfig())

	cfg, ok := ctrl.Endpoint(hal.EP4)
	if !ok || cfg.Type != hal.TransferInterrupt || cfg.Address() != 0x83 {
		t.Fatalf("interrupt IN endpoint = %+v, %v", cfg, ok)
	}
	if _, err := host.Enumerate(3); err != nil {
		t.Fatalf("Enumerate() error = %v", err)
	}
	if err := setControlLineState(host, 0, 0x0003); err != nil {
		t.Fatalf("SET_CONTROL_LINE_STATE error = %v", err)
	}
	if _, err := a.SendString(context.Background(), "AT"); err != nil {
		t.Fatalf("SendString() error = %v", err)
	}

	// No notifications are sent; the host sees NAKs on the endpoint.
	if _, armed := ctrl.Armed(hal.EP4); armed {
		t.Error("interrupt IN endpoint armed")
	}
	if _, err := ctrl.CompleteIn(hal.EP4); !errors.Is(err, pkg.ErrNAK) {
		t.Errorf("CompleteIn(EP4) error = %v, want ErrNAK", err)
	}
}

func TestACM_SendCancelled(t *testing.T) {
	a, _, _ := newPort(t, DefaultConfig())
	if _, err := a.SendString(context.Background(), "one"); err != nil {
		t.Fatalf("SendString() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.SendString(ctx, "two")
	if !errors.Is(err, pkg.ErrCancelled) {
		t.Errorf("SendString() error = %v, want ErrCancelled", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("SendString() error = %v, want context.Canceled", err)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if _, err := a.SendString(ctx, "three"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("SendString() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestACM_Disconnect(t *testing.T) {
	a, ctrl, host := newPort(t, DefaultConfig())
	if err := setControlLineState(host, 0, 0x0003); err != nil {
		t.Fatalf("SET_CONTROL_LINE_STATE error = %v", err)
	}
	if _, err := a.SendString(context.Background(), "one"); err != nil {
		t.Fatalf("SendString() error = %v", err)
	}

	result := make(chan error, 1)
	go func() {
		_, err := a.SendString(context.Background(), "two")
		result <- err
	}()

	ctrl.Detach()
	a.Stack().ServiceAll()

	select {
	case err := <-result:
		if !errors.Is(err, pkg.ErrDisconnected) {
			t.Errorf("waiting SendString() error = %v, want ErrDisconnected", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiting SendString() did not return after detach")
	}
	if a.Attached() {
		t.Error("Attached() = true after detach")
	}
	if a.DTR() || a.RTS() {
		t.Error("control lines still asserted after detach")
	}
	if _, err := a.SendString(context.Background(), "three"); !errors.Is(err, pkg.ErrDisconnected) {
		t.Errorf("SendString() after detach error = %v, want ErrDisconnected", err)
	}
	var buf [8]byte
	if _, err := a.Read(context.Background(), buf[:]); !errors.Is(err, pkg.ErrDisconnected) {
		t.Errorf("Read() after detach error = %v, want ErrDisconnected", err)
	}
	if got := a.Stack().State(); got != device.StateDetached {
		t.Errorf("State() = %v, want %v", got, device.StateDetached)
	}

	ctrl.Attach()
	a.Stack().ServiceAll()
	if !a.Attached() || !a.TxReady() {
		t.Fatalf("after attach: Attached() = %v, TxReady() = %v", a.Attached(), a.TxReady())
	}
	if _, err := a.SendString(context.Background(), "four"); err != nil {
		t.Fatalf("SendString() after attach error = %v", err)
	}
	if pkt, err := host.BulkRead(); err != nil || string(pkt) != "four" {
		t.Errorf("BulkRead() = %q, %v; want %q", pkt, err, "four")
	}
}

func TestACM_ReadBackpressure(t *testing.T) {
	a, ctrl, host := newPort(t, DefaultConfig())
	ctx := context.Background()

	if err := host.BulkWrite([]byte("hello")); err != nil {
		t.Fatalf("BulkWrite() error = %v", err)
	}
	if _, armed := ctrl.Armed(hal.EP3); armed {
		t.Error("bulk OUT re-armed before the packet was read")
	}
	if err := host.BulkWrite([]byte("again")); !errors.Is(err, pkg.ErrNAK) {
		t.Errorf("BulkWrite() while pending error = %v, want ErrNAK", err)
	}

	buf := make([]byte, 2)
	n, err := a.Read(ctx, buf)
	if err != nil || string(buf[:n]) != "he" {
		t.Fatalf("Read() = %q, %v; want %q", buf[:n], err, "he")
	}
	if got := a.Buffered(); got != 3 {
		t.Errorf("Buffered() = %d, want 3", got)
	}
	if _, armed := ctrl.Armed(hal.EP3); armed {
		t.Error("bulk OUT re-armed after a partial read")
	}

	buf = make([]byte, 16)
	n, err = a.Read(ctx, buf)
	if err != nil || string(buf[:n]) != "llo" {
		t.Fatalf("Read() = %q, %v; want %q", buf[:n], err, "llo")
	}
	if got := a.Buffered(); got != 0 {
		t.Errorf("Buffered() = %d, want 0", got)
	}
	if got, armed := ctrl.Armed(hal.EP3); !armed || got != device.MaxPacketSizeBulk {
		t.Errorf("bulk OUT armed = %v, %d after drain; want true, %d", armed, got, device.MaxPacketSizeBulk)
	}

	if err := host.BulkWrite([]byte("again")); err != nil {
		t.Fatalf("BulkWrite() after drain error = %v", err)
	}
	n, err = a.Read(ctx, buf)
	if err != nil || string(buf[:n]) != "again" {
		t.Errorf("Read() = %q, %v; want %q", buf[:n], err, "again")
	}
}

func TestACM_ReadTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SendTimeout = 5 * time.Millisecond
	a, ctrl, host := newPort(t, cfg)

	// A zero-length packet carries no data and re-arms at once.
	if err := host.BulkWrite(nil); err != nil {
		t.Fatalf("BulkWrite(nil) error = %v", err)
	}
	if _, armed := ctrl.Armed(hal.EP3); !armed {
		t.Error("bulk OUT not re-armed after a zero-length packet")
	}

	var buf [8]byte
	if _, err := a.Read(context.Background(), buf[:]); !errors.Is(err, pkg.ErrTimeout) {
		t.Errorf("Read() error = %v, want ErrTimeout", err)
	}
}

func TestACM_ReceiveOverrun(t *testing.T) {
	a, ctrl, host := newPort(t, DefaultConfig())

	if err := host.BulkWrite([]byte("x")); err != nil {
		t.Fatalf("BulkWrite() error = %v", err)
	}
	// A spurious completion while the packet is still held.
	ctrl.Raise(hal.EventBulkOut)
	a.Stack().ServiceAll()
	if s := a.Stack().Stats(); s.Overruns != 1 {
		t.Errorf("Overruns = %d, want 1", s.Overruns)
	}

	var buf [8]byte
	n, err := a.Read(context.Background(), buf[:])
	if err != nil || string(buf[:n]) != "x" {
		t.Errorf("Read() = %q, %v; want %q", buf[:n], err, "x")
	}
}

func TestACM_BusResetReprimesTx(t *testing.T) {
	a, ctrl, host := newPort(t, DefaultConfig())
	if err := setControlLineState(host, 0, 0x0001); err != nil {
		t.Fatalf("SET_CONTROL_LINE_STATE error = %v", err)
	}
	if _, err := a.SendString(context.Background(), "lost"); err != nil {
		t.Fatalf("SendString() error = %v", err)
	}

	ctrl.BusReset()
	a.Stack().ServiceAll()

	if _, armed := ctrl.Armed(hal.EP2); armed {
		t.Error("bulk IN transfer survived the bus reset")
	}
	if !a.TxReady() {
		t.Error("TxReady() = false after bus reset")
	}
	if a.DTR() {
		t.Error("DTR still asserted after bus reset")
	}
	if _, armed := ctrl.Armed(hal.EP3); !armed {
		t.Error("bulk OUT not armed after bus reset")
	}
	if got := a.Stack().State(); got != device.StateDefault {
		t.Errorf("State() = %v, want %v", got, device.StateDefault)
	}
}

func TestACM_BusResetMidControlTransfer(t *testing.T) {
	a, ctrl, host := newPort(t, DefaultConfig())

	var setup device.SetupPacket
	device.ClassInterfaceSetup(&setup, true, RequestGetLineCoding, 0, 0, LineCodingSize)
	if err := host.Setup(&setup); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if _, armed := ctrl.Armed(hal.EP0); !armed {
		t.Fatal("control IN not armed by GET_LINE_CODING")
	}

	ctrl.BusReset()
	a.Stack().ServiceAll()

	if _, armed := ctrl.Armed(hal.EP0); armed {
		t.Error("control IN still armed after bus reset")
	}
	if _, armed := ctrl.Armed(hal.EP1); armed {
		t.Error("control OUT still armed after bus reset")
	}
	if got := a.Stack().Control().Stage(); got != device.StageIdle {
		t.Errorf("Stage() = %v, want %v", got, device.StageIdle)
	}
	if _, err := getLineCoding(host, 0); err != nil {
		t.Errorf("GET_LINE_CODING after bus reset error = %v", err)
	}
}

func TestACM_WriteSplitsTransfers(t *testing.T) {
	a, ctrl, _ := newPort(t, DefaultConfig())
	host := runAsync(t, a, ctrl)

	payload := make([]byte, 150)
	for i := range payload {
		payload[i] = byte('A' + i%26)
	}

	var (
		received []byte
		sizes    []int
	)
	var g errgroup.Group
	g.Go(func() error {
		for len(received) < len(payload) {
			pkt, err := host.BulkRead()
			if err != nil {
				return err
			}
			received = append(received, pkt...)
			sizes = append(sizes, len(pkt))
		}
		return nil
	})

	n, err := a.Write(context.Background(), payload)
	if err != nil || n != len(payload) {
		t.Errorf("Write() = %d, %v; want %d, nil", n, err, len(payload))
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("host read error = %v", err)
	}
	if diff := cmp.Diff([]int{63, 63, 24}, sizes); diff != "" {
		t.Errorf("transfer sizes (-want +got):\n%s", diff)
	}
	if !bytes.Equal(payload, received) {
		t.Errorf("host received %q, want %q", received, payload)
	}
}

func TestACM_Simulation(t *testing.T) {
	a, ctrl, _ := newPort(t, DefaultConfig())
	host := runAsync(t, a, ctrl)
	ctx := context.Background()

	e, err := host.Enumerate(9)
	if err != nil {
		t.Fatalf("Enumerate() error = %v", err)
	}
	if e.Device.VendorID != DefaultVendorID || e.Device.ProductID != DefaultProductID {
		t.Errorf("identity = %04X:%04X", e.Device.VendorID, e.Device.ProductID)
	}
	if len(e.Configuration) != ConfigurationTotalSize {
		t.Errorf("configuration length = %d, want %d", len(e.Configuration), ConfigurationTotalSize)
	}
	if got := a.Stack().State(); got != device.StateConfigured {
		t.Fatalf("State() = %v, want %v", got, device.StateConfigured)
	}
	if got := ctrl.Address(); got != 9 {
		t.Errorf("Address() = %d, want 9", got)
	}

	lc := LineCoding{DTERate: 9600, CharFormat: StopBits1, ParityType: ParityNone, DataBits: 8}
	if err := setLineCoding(host, 0, lc); err != nil {
		t.Fatalf("SET_LINE_CODING error = %v", err)
	}
	if err := setControlLineState(host, 0, 0x0003); err != nil {
		t.Fatalf("SET_CONTROL_LINE_STATE error = %v", err)
	}
	if got := a.LineCoding(); got != lc {
		t.Errorf("LineCoding() = %v, want %v", got, lc)
	}
	if !a.DTR() || !a.RTS() {
		t.Error("control lines not asserted")
	}

	if _, err := a.SendString(ctx, "Hello World!\r\n"); err != nil {
		t.Fatalf("SendString() error = %v", err)
	}
	pkt, err := host.BulkRead()
	if err != nil || string(pkt) != "Hello World!\r\n" {
		t.Errorf("BulkRead() = %q, %v", pkt, err)
	}

	if err := host.BulkWrite([]byte("ATI\r")); err != nil {
		t.Fatalf("BulkWrite() error = %v", err)
	}
	buf := make([]byte, 16)
	n, err := a.Read(ctx, buf)
	if err != nil || string(buf[:n]) != "ATI\r" {
		t.Errorf("Read() = %q, %v; want %q", buf[:n], err, "ATI\r")
	}
}
