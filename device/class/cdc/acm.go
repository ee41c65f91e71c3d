package cdc

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ardnew/vcom/device"
	"github.com/ardnew/vcom/device/hal"
	"github.com/ardnew/vcom/pkg"
)

// MaxSendSize is the largest payload a single Send queues. A transfer
// never fills the bulk-IN packet, so the host sees every transfer end
// with a short packet.
const MaxSendSize = device.MaxPacketSizeBulk - 1

// ACM is a CDC-ACM virtual COM port function. It is the class driver of
// its own device stack.
//
// Send, SendString, Write and Read run in the foreground and block; at
// most one goroutine may send and one may read at a time. Everything else
// reachable from the stack runs in the event context.
type ACM struct {
	cfg    Config
	layout device.EndpointLayout
	stack  *device.Stack
	ctrl   hal.Controller

	initialized atomic.Bool
	running     atomic.Bool

	lineCoding   atomic.Uint64 // Packed LineCoding
	controlState atomic.Uint32

	// Control OUT destinations for SET_LINE_CODING
	lineCodingBuf [LineCodingSize]byte
	discardBuf    [LineCodingSize]byte
	lineCodingIn  func(n int)

	// Send path. txGen advances whenever the event context drops the
	// bulk-IN transfer and re-primes txReady.
	txReady chan struct{}
	txGen   atomic.Uint32

	// Receive path. rxBuf, rxLen and rxOff belong to the event context
	// while rxPending is false and to the reader while it is true.
	rxReady   chan struct{}
	rxPending atomic.Bool
	rxHeld    bool
	rxBuf     [device.MaxPacketSizeBulk]byte
	rxLen     int
	rxOff     int

	// Link state. down is closed on detach and replaced on attach.
	attached atomic.Bool
	down     atomic.Pointer[chan struct{}]

	onLineCodingChange   func(LineCoding)
	onControlStateChange func(dtr, rts bool)
}

var _ device.ClassDriver = (*ACM)(nil)

// NewACM creates a virtual COM port with cfg and the default layout.
func NewACM(cfg Config) *ACM {
	a := &ACM{
		cfg:     cfg,
		layout:  device.DefaultLayout(),
		txReady: make(chan struct{}, 1),
		rxReady: make(chan struct{}, 1),
	}
	a.lineCodingIn = a.setLineCodingDone
	a.storeLineCoding(DefaultLineCoding)
	down := make(chan struct{})
	a.down.Store(&down)
	return a
}

// SetOnLineCodingChange sets a callback run in the event context after a
// SET_LINE_CODING is stored. It must not block and must be set before Init.
func (a *ACM) SetOnLineCodingChange(cb func(LineCoding)) {
	a.onLineCodingChange = cb
}

// SetOnControlStateChange sets a callback run in the event context after
// SET_CONTROL_LINE_STATE. It must not block and must be set before Init.
func (a *ACM) SetOnControlStateChange(cb func(dtr, rts bool)) {
	a.onControlStateChange = cb
}

// Init builds the descriptor table, configures the SETUP buffer and every
// endpoint on ctrl, arms bulk-OUT, starts the controller and marks the
// send path ready.
func (a *ACM) Init(ctrl hal.Controller) error {
	if !a.initialized.CompareAndSwap(false, true) {
		return pkg.ErrAlreadyRunning
	}
	desc, err := BuildDescriptors(&a.cfg, &a.layout)
	if err != nil {
		a.initialized.Store(false)
		return fmt.Errorf("build descriptors: %w", err)
	}
	a.ctrl = ctrl
	a.stack = device.NewStack(ctrl, a.layout, desc, a)
	a.attached.Store(true)
	if err := a.stack.Init(); err != nil {
		a.initialized.Store(false)
		return err
	}
	a.primeTx()
	a.running.Store(true)

	pkg.LogInfo(pkg.ComponentClass, "virtual COM initialized",
		"vid", fmt.Sprintf("%04X", a.cfg.VendorID),
		"pid", fmt.Sprintf("%04X", a.cfg.ProductID),
		"serial", a.cfg.Serial)
	return nil
}

// Prepare arms bulk-OUT before the controller starts.
func (a *ACM) Prepare() {
	a.armRx()
}

// Stack returns the device stack, or nil before Init.
func (a *ACM) Stack() *device.Stack {
	return a.stack
}

// Config returns the configuration the port was created with.
func (a *ACM) Config() Config {
	return a.cfg
}

// LineCoding returns the line coding last set by the host.
func (a *ACM) LineCoding() LineCoding {
	return unpackLineCoding(a.lineCoding.Load())
}

// DTR returns the DTR (Data Terminal Ready) state last set by the host.
func (a *ACM) DTR() bool {
	return a.controlState.Load()&ControlLineDTR != 0
}

// RTS returns the RTS (Request To Send) state last set by the host.
func (a *ACM) RTS() bool {
	return a.controlState.Load()&ControlLineRTS != 0
}

// Attached reports whether the cable is attached.
func (a *ACM) Attached() bool {
	return a.attached.Load()
}

// TxReady reports whether Send could queue a transfer without waiting.
func (a *ACM) TxReady() bool {
	return a.running.Load() && a.attached.Load() && len(a.txReady) > 0
}

// HandleClassRequest serves the ACM class requests addressed to the
// Communications interface.
func (a *ACM) HandleClassRequest(ctl *device.Control, setup *device.SetupPacket) error {
	if !setup.IsClass() || !setup.IsInterfaceRecipient() {
		return fmt.Errorf("request type 0x%02X: %w", setup.RequestType, pkg.ErrInvalidRequest)
	}
	ours := setup.Index == a.cfg.InterfaceIndex
	if !ours && a.cfg.StrictInterfaceIndex {
		return fmt.Errorf("interface %d: %w", setup.Index, pkg.ErrInvalidRequest)
	}

	if setup.IsDeviceToHost() {
		switch setup.Request {
		case RequestGetLineCoding:
			if ours {
				var buf [LineCodingSize]byte
				lc := a.LineCoding()
				lc.MarshalTo(buf[:])
				ctl.WriteIn(buf[:])
			}
			ctl.ArmIn(LineCodingSize)
			return nil
		default:
			return fmt.Errorf("class request 0x%02X: %w", setup.Request, pkg.ErrNotSupported)
		}
	}

	switch setup.Request {
	case RequestSetLineCoding:
		if ours {
			ctl.DataOut(a.lineCodingBuf[:], a.lineCodingIn)
		} else {
			ctl.DataOut(a.discardBuf[:], nil)
		}
		ctl.StatusIn()
		return nil
	case RequestSetControlLineState:
		state := uint32(setup.Value) & (ControlLineDTR | ControlLineRTS)
		a.controlState.Store(state)
		pkg.LogDebug(pkg.ComponentClass, "control line state",
			"dtr", state&ControlLineDTR != 0, "rts", state&ControlLineRTS != 0)
		if a.onControlStateChange != nil {
			a.onControlStateChange(state&ControlLineDTR != 0, state&ControlLineRTS != 0)
		}
		ctl.StatusIn()
		return nil
	default:
		return fmt.Errorf("class request 0x%02X: %w", setup.Request, pkg.ErrNotSupported)
	}
}

func (a *ACM) setLineCodingDone(n int) {
	var lc LineCoding
	if err := ParseLineCoding(a.lineCodingBuf[:n], &lc); err != nil {
		pkg.LogDebug(pkg.ComponentClass, "short line coding", "error", err)
		return
	}
	a.storeLineCoding(lc)
	pkg.LogDebug(pkg.ComponentClass, "line coding", "coding", lc)
	if a.onLineCodingChange != nil {
		a.onLineCodingChange(lc)
	}
}

// HandleEndpoint handles bulk completions.
func (a *ACM) HandleEndpoint(ev device.Event) {
	switch ev {
	case hal.EventBulkIn:
		a.primeTx()
	case hal.EventBulkOut:
		a.receive()
	}
}

// HandleLink tracks the cable and re-primes the data endpoints after a
// bus reset.
func (a *ACM) HandleLink(ev device.Event) {
	switch ev {
	case hal.EventAttach:
		if a.attached.CompareAndSwap(false, true) {
			down := make(chan struct{})
			a.down.Store(&down)
		}
		a.resetData()
	case hal.EventDetach:
		if a.attached.CompareAndSwap(true, false) {
			close(*a.down.Load())
		}
		a.controlState.Store(0)
	case hal.EventBusReset:
		a.controlState.Store(0)
		a.resetData()
	}
}

// resetData drops any queued bulk-IN transfer, marks the send path ready
// and re-arms bulk-OUT if the reader has drained the last packet.
func (a *ACM) resetData() {
	a.txGen.Add(1)
	a.ctrl.StopTransaction(hal.EP2)
	a.primeTx()
	if !a.rxPending.Load() {
		a.armRx()
	}
}

func (a *ACM) primeTx() {
	select {
	case a.txReady <- struct{}{}:
	default:
	}
}

func (a *ACM) armRx() {
	a.ctrl.SetPayloadLength(hal.EP3, int(a.layout.Endpoints[hal.EP3].MaxPacketSize))
}

// receive moves a bulk-OUT packet out of controller memory. The endpoint
// stays unarmed, and the controller NAKs, until Read drains the packet.
func (a *ACM) receive() {
	if a.rxPending.Load() {
		a.stack.CountOverrun()
		pkg.LogDebug(pkg.ComponentClass, "bulk OUT overrun")
		return
	}
	n := min(a.ctrl.PayloadLength(hal.EP3), len(a.rxBuf))
	if n == 0 {
		a.armRx()
		return
	}
	a.ctrl.ReadBuffer(a.layout.Endpoints[hal.EP3].BufferBase, a.rxBuf[:n])
	a.rxLen, a.rxOff = n, 0
	a.rxPending.Store(true)
	select {
	case a.rxReady <- struct{}{}:
	default:
	}
}

// wait blocks until ready yields, the link goes down, ctx is done or the
// configured timeout elapses.
func (a *ACM) wait(ctx context.Context, ready <-chan struct{}) error {
	if !a.running.Load() {
		return pkg.ErrNotRunning
	}
	down := *a.down.Load()
	select {
	case <-down:
		return pkg.ErrDisconnected
	default:
	}

	var timeout <-chan time.Time
	if a.cfg.SendTimeout > 0 {
		t := time.NewTimer(a.cfg.SendTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-ready:
		return nil
	case <-down:
		return pkg.ErrDisconnected
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", pkg.ErrCancelled, ctx.Err())
	case <-timeout:
		return pkg.ErrTimeout
	}
}

// Send queues one bulk-IN transfer of up to MaxSendSize bytes of p and
// returns the number of bytes queued. It waits for the previous transfer
// to complete first.
//
// A bus reset or attach handled while Send is arming drops the transfer
// and re-primes the send path; Send then withdraws its arm and starts over
// so that no transfer is left outstanding behind a full token.
func (a *ACM) Send(ctx context.Context, p []byte) (int, error) {
	ep := &a.layout.Endpoints[hal.EP2]
	n := min(len(p), int(ep.MaxPacketSize)-1)
	for {
		gen := a.txGen.Load()
		if err := a.wait(ctx, a.txReady); err != nil {
			return 0, err
		}
		a.ctrl.WriteBuffer(ep.BufferBase, p[:n])
		a.ctrl.SetPayloadLength(hal.EP2, n)
		if a.txGen.Load() == gen {
			return n, nil
		}
		a.ctrl.StopTransaction(hal.EP2)
		a.primeTx()
		pkg.LogDebug(pkg.ComponentClass, "bulk IN arm raced a reset, retrying")
	}
}

// SendString is Send for a string.
func (a *ACM) SendString(ctx context.Context, s string) (int, error) {
	return a.Send(ctx, []byte(s))
}

// Write sends all of p, one transfer per MaxSendSize bytes, and returns
// the number of bytes queued.
func (a *ACM) Write(ctx context.Context, p []byte) (int, error) {
	var total int
	for total < len(p) {
		n, err := a.Send(ctx, p[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Read copies bytes of the pending bulk-OUT packet into p, waiting for one
// if none is pending. The endpoint is re-armed once the packet is drained.
func (a *ACM) Read(ctx context.Context, p []byte) (int, error) {
	if !a.rxHeld {
		if err := a.wait(ctx, a.rxReady); err != nil {
			return 0, err
		}
		a.rxHeld = true
	}
	n := copy(p, a.rxBuf[a.rxOff:a.rxLen])
	a.rxOff += n
	if a.rxOff >= a.rxLen {
		a.rxHeld = false
		a.rxPending.Store(false)
		a.armRx()
	}
	return n, nil
}

// Buffered returns the number of received bytes Read can return without
// waiting.
func (a *ACM) Buffered() int {
	if !a.rxHeld {
		return 0
	}
	return a.rxLen - a.rxOff
}

func (a *ACM) storeLineCoding(lc LineCoding) {
	a.lineCoding.Store(uint64(lc.DTERate) |
		uint64(lc.CharFormat)<<32 |
		uint64(lc.ParityType)<<40 |
		uint64(lc.DataBits)<<48)
}

func unpackLineCoding(v uint64) LineCoding {
	return LineCoding{
		DTERate:    uint32(v),
		CharFormat: uint8(v >> 32),
		ParityType: uint8(v >> 40),
		DataBits:   uint8(v >> 48),
	}
}
