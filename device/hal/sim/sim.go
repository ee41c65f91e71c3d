package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/vcom/device/hal"
	"github.com/ardnew/vcom/pkg"
)

// MemorySize is the size of the simulated buffer memory.
const MemorySize = 512

type endpoint struct {
	cfg        hal.EndpointConfig
	configured bool
	armed      bool
	length     int // Armed payload length
	received   int // Length of the last OUT packet
	stalled    bool
	data1      bool
	stops      int
}

// Controller is an in-memory [hal.Controller].
// It is safe for concurrent use by the event context, the foreground and
// the simulated host.
type Controller struct {
	mu sync.Mutex

	mem       [MemorySize]byte
	setupBase uint16
	ep        [hal.NumEndpoints]endpoint

	started   bool
	servicing bool
	usb       bool
	phy       bool
	address   uint8
	pending   hal.Event

	notify chan struct{}
}

var _ hal.Controller = (*Controller)(nil)

// New returns a stopped controller with zeroed memory.
func New() *Controller {
	return &Controller{notify: make(chan struct{}, 1)}
}

// Start marks the controller running and enables the USB function.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return pkg.ErrAlreadyRunning
	}
	c.started = true
	c.usb, c.phy = true, true
	pkg.LogDebug(pkg.ComponentHAL, "controller started")
	return nil
}

// EnableUSB enables the function and the PHY.
func (c *Controller) EnableUSB() {
	c.mu.Lock()
	c.usb, c.phy = true, true
	c.mu.Unlock()
}

// DisableUSB disables the function and the PHY.
func (c *Controller) DisableUSB() {
	c.mu.Lock()
	c.usb, c.phy = false, false
	c.mu.Unlock()
}

// DisablePHY disables the PHY only.
func (c *Controller) DisablePHY() {
	c.mu.Lock()
	c.phy = false
	c.mu.Unlock()
}

// SetSetupBuffer sets the SETUP buffer offset.
func (c *Controller) SetSetupBuffer(base uint16) {
	c.mu.Lock()
	c.setupBase = base
	c.mu.Unlock()
}

// ConfigureEndpoint binds a logical slot to a buffer region.
func (c *Controller) ConfigureEndpoint(cfg hal.EndpointConfig) error {
	if cfg.Index >= hal.NumEndpoints {
		return fmt.Errorf("slot %d: %w", cfg.Index, pkg.ErrInvalidEndpoint)
	}
	if int(cfg.End()) > MemorySize {
		return fmt.Errorf("%v region %d+%d exceeds memory: %w",
			cfg.Index, cfg.BufferBase, cfg.BufferSize, pkg.ErrInvalidEndpoint)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ep[cfg.Index] = endpoint{cfg: cfg, configured: true}
	return nil
}

// SetAddress programs the device address.
func (c *Controller) SetAddress(address uint8) {
	c.mu.Lock()
	c.address = address
	c.mu.Unlock()
}

// WriteBuffer copies data into buffer memory at base.
func (c *Controller) WriteBuffer(base uint16, data []byte) int {
	if int(base) >= MemorySize {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return copy(c.mem[base:], data)
}

// ReadBuffer copies buffer memory at base into buf.
func (c *Controller) ReadBuffer(base uint16, buf []byte) int {
	if int(base) >= MemorySize {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return copy(buf, c.mem[base:])
}

// SetPayloadLength arms ep for n bytes.
func (c *Controller) SetPayloadLength(ep hal.EndpointIndex, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := &c.ep[ep]
	e.length = n
	e.armed = true
	if !e.cfg.IsIn() {
		e.received = 0
	}
}

// PayloadLength returns the length of the last OUT packet on ep.
func (c *Controller) PayloadLength(ep hal.EndpointIndex) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ep[ep].received
}

// SetData1 selects DATA1 for the next transaction on ep.
func (c *Controller) SetData1(ep hal.EndpointIndex) {
	c.mu.Lock()
	c.ep[ep].data1 = true
	c.mu.Unlock()
}

// Stall stalls ep.
func (c *Controller) Stall(ep hal.EndpointIndex) {
	c.mu.Lock()
	c.ep[ep].stalled = true
	c.mu.Unlock()
}

// ClearStall clears a stall on ep and resets its toggle to DATA0.
func (c *Controller) ClearStall(ep hal.EndpointIndex) {
	c.mu.Lock()
	c.ep[ep].stalled = false
	c.ep[ep].data1 = false
	c.mu.Unlock()
}

// StopTransaction disarms ep.
func (c *Controller) StopTransaction(ep hal.EndpointIndex) {
	c.mu.Lock()
	c.ep[ep].armed = false
	c.ep[ep].stops++
	c.mu.Unlock()
}

// Pending returns the unacknowledged events.
func (c *Controller) Pending() hal.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Ack clears ev from the pending set.
func (c *Controller) Ack(ev hal.Event) {
	c.mu.Lock()
	c.pending &^= ev
	c.mu.Unlock()
}

// Notify returns a channel that receives a value whenever an event is raised.
func (c *Controller) Notify() <-chan struct{} {
	return c.notify
}

// Run calls service whenever events are pending until ctx is done.
// service acts as the device's event context and should drain every
// pending event before returning.
func (c *Controller) Run(ctx context.Context, service func()) error {
	for {
		c.mu.Lock()
		c.servicing = c.pending != hal.EventNone
		busy := c.servicing
		c.mu.Unlock()
		if busy {
			service()
			c.mu.Lock()
			c.servicing = false
			c.mu.Unlock()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.notify:
		}
	}
}

// Idle reports whether no event is pending and Run is not servicing.
func (c *Controller) Idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending == hal.EventNone && !c.servicing
}

// WaitIdle waits until Idle reports true or timeout elapses.
func (c *Controller) WaitIdle(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for !c.Idle() {
		if time.Now().After(deadline) {
			return fmt.Errorf("device busy after %v: %w", timeout, pkg.ErrTimeout)
		}
		time.Sleep(retryInterval)
	}
	return nil
}

// Raise adds ev to the pending set.
func (c *Controller) Raise(ev hal.Event) {
	c.mu.Lock()
	c.raise(ev)
	c.mu.Unlock()
}

func (c *Controller) raise(ev hal.Event) {
	c.pending |= ev
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Attach raises a cable attach.
func (c *Controller) Attach() { c.Raise(hal.EventAttach) }

// Detach raises a cable detach.
func (c *Controller) Detach() { c.Raise(hal.EventDetach) }

// BusReset raises a bus reset.
func (c *Controller) BusReset() { c.Raise(hal.EventBusReset) }

// Suspend raises a bus suspend.
func (c *Controller) Suspend() { c.Raise(hal.EventSuspend) }

// Resume raises a bus resume.
func (c *Controller) Resume() { c.Raise(hal.EventResume) }

// InjectSetup delivers an 8-byte SETUP packet. SETUP is always accepted;
// stalls on endpoints configured with ClearOnSetup are cleared.
func (c *Controller) InjectSetup(packet []byte) error {
	if len(packet) != 8 {
		return fmt.Errorf("setup packet of %d bytes: %w", len(packet), pkg.ErrSetupPacketTooShort)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.usb {
		return pkg.ErrDisconnected
	}
	copy(c.mem[c.setupBase:], packet)
	for i := range c.ep {
		if c.ep[i].cfg.ClearOnSetup {
			c.ep[i].stalled = false
		}
	}
	c.raise(hal.EventSetup)
	return nil
}

// CompleteIn performs an IN transaction on ep and returns the packet.
func (c *Controller) CompleteIn(ep hal.EndpointIndex) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := &c.ep[ep]
	switch {
	case !c.usb || !c.phy:
		return nil, pkg.ErrDisconnected
	case !e.configured || !e.cfg.IsIn():
		return nil, fmt.Errorf("%v: %w", ep, pkg.ErrInvalidEndpoint)
	case e.stalled:
		return nil, pkg.ErrStall
	case !e.armed:
		return nil, pkg.ErrNAK
	}
	n := min(e.length, int(e.cfg.BufferSize))
	data := make([]byte, n)
	copy(data, c.mem[e.cfg.BufferBase:])
	e.armed = false
	e.data1 = !e.data1
	c.raise(completion(e.cfg))
	return data, nil
}

// InjectOut performs an OUT transaction carrying data on ep.
func (c *Controller) InjectOut(ep hal.EndpointIndex, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := &c.ep[ep]
	switch {
	case !c.usb || !c.phy:
		return pkg.ErrDisconnected
	case !e.configured || e.cfg.IsIn():
		return fmt.Errorf("%v: %w", ep, pkg.ErrInvalidEndpoint)
	case e.stalled:
		return pkg.ErrStall
	case !e.armed:
		return pkg.ErrNAK
	case len(data) > e.length || len(data) > int(e.cfg.BufferSize):
		return fmt.Errorf("%v: %d bytes, armed for %d: %w", ep, len(data), e.length, pkg.ErrOverrun)
	}
	copy(c.mem[e.cfg.BufferBase:], data)
	e.received = len(data)
	e.armed = false
	e.data1 = !e.data1
	c.raise(completion(e.cfg))
	return nil
}

func completion(cfg hal.EndpointConfig) hal.Event {
	switch cfg.Type {
	case hal.TransferControl:
		if cfg.IsIn() {
			return hal.EventControlIn
		}
		return hal.EventControlOut
	case hal.TransferBulk:
		if cfg.IsIn() {
			return hal.EventBulkIn
		}
		return hal.EventBulkOut
	default:
		return hal.EventNone
	}
}

// Memory returns a copy of the buffer memory.
func (c *Controller) Memory() [MemorySize]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mem
}

// Armed reports whether ep is armed and with how many bytes.
func (c *Controller) Armed(ep hal.EndpointIndex) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ep[ep].length, c.ep[ep].armed
}

// Stalled reports whether ep is stalled.
func (c *Controller) Stalled(ep hal.EndpointIndex) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ep[ep].stalled
}

// Data1 reports whether the next transaction on ep uses DATA1.
func (c *Controller) Data1(ep hal.EndpointIndex) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ep[ep].data1
}

// StopCount returns how many times StopTransaction was called on ep.
func (c *Controller) StopCount(ep hal.EndpointIndex) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ep[ep].stops
}

// Endpoint returns the configuration programmed for ep.
func (c *Controller) Endpoint(ep hal.EndpointIndex) (hal.EndpointConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ep[ep].cfg, c.ep[ep].configured
}

// SetupBuffer returns the programmed SETUP buffer offset.
func (c *Controller) SetupBuffer() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setupBase
}

// Address returns the programmed device address.
func (c *Controller) Address() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.address
}

// USBEnabled reports whether the USB function is enabled.
func (c *Controller) USBEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usb
}

// PHYEnabled reports whether the PHY is enabled.
func (c *Controller) PHYEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phy
}
