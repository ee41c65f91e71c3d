package device

import (
	"sync/atomic"

	"github.com/ardnew/vcom/device/hal"
	"github.com/ardnew/vcom/pkg"
)

// Device status bits returned by GET_STATUS (USB 2.0 Spec Figure 9-4).
const (
	StatusSelfPowered  = 0x01
	StatusRemoteWakeup = 0x02
)

// EndpointStatusHalt is the halt bit returned by an endpoint GET_STATUS.
const EndpointStatusHalt = 0x01

// Device tracks the bus-visible state of the function: device state,
// address, selected configuration and endpoint halt bits.
//
// It is written from the event context only and read from anywhere.
type Device struct {
	state         atomic.Uint32
	previousState atomic.Uint32 // State before suspend
	address       atomic.Uint32
	configuration atomic.Uint32
	halted        atomic.Uint32 // One bit per hal.EndpointIndex
	remoteWakeup  atomic.Bool

	onStateChange func(old, new State)
}

// NewDevice returns a detached device.
func NewDevice() *Device {
	return &Device{}
}

// OnStateChange registers fn to run in the event context on every state
// transition. It must be set before the stack starts.
func (d *Device) OnStateChange(fn func(old, new State)) {
	d.onStateChange = fn
}

// State returns the current device state.
func (d *Device) State() State {
	return State(d.state.Load())
}

// Address returns the assigned device address.
func (d *Device) Address() uint8 {
	return uint8(d.address.Load())
}

// Configuration returns the selected configuration value, 0 if none.
func (d *Device) Configuration() uint8 {
	return uint8(d.configuration.Load())
}

// IsConfigured reports whether a configuration is selected.
func (d *Device) IsConfigured() bool {
	return d.State() == StateConfigured
}

// RemoteWakeup reports whether the host enabled remote wakeup.
func (d *Device) RemoteWakeup() bool {
	return d.remoteWakeup.Load()
}

// SetRemoteWakeup records the remote wakeup feature.
func (d *Device) SetRemoteWakeup(enabled bool) {
	d.remoteWakeup.Store(enabled)
}

// Status returns the GET_STATUS word for the device recipient.
func (d *Device) Status() uint16 {
	var s uint16
	if d.RemoteWakeup() {
		s |= StatusRemoteWakeup
	}
	return s
}

// Halted reports whether ep is halted.
func (d *Device) Halted(ep hal.EndpointIndex) bool {
	return d.halted.Load()&(1<<ep) != 0
}

// SetHalted records the halt feature of ep.
func (d *Device) SetHalted(ep hal.EndpointIndex, halted bool) {
	for {
		old := d.halted.Load()
		v := old &^ (1 << ep)
		if halted {
			v |= 1 << ep
		}
		if d.halted.CompareAndSwap(old, v) {
			return
		}
	}
}

func (d *Device) setState(s State) {
	old := State(d.state.Swap(uint32(s)))
	if old == s {
		return
	}
	pkg.LogDebug(pkg.ComponentDevice, "state changed", "old", old, "new", s)
	if d.onStateChange != nil {
		d.onStateChange(old, s)
	}
}

func (d *Device) clearBusState() {
	d.address.Store(0)
	d.configuration.Store(0)
	d.halted.Store(0)
	d.remoteWakeup.Store(false)
}

// Attach records a cable attach.
func (d *Device) Attach() {
	d.clearBusState()
	d.setState(StateAttached)
}

// Detach records a cable detach.
func (d *Device) Detach() {
	d.clearBusState()
	d.setState(StateDetached)
}

// Reset records a bus reset: default address, no configuration.
func (d *Device) Reset() {
	d.clearBusState()
	d.setState(StateDefault)
}

// Suspend records a bus suspend. A suspended detached device stays detached.
func (d *Device) Suspend() {
	s := d.State()
	if s == StateSuspended || s == StateDetached {
		return
	}
	d.previousState.Store(uint32(s))
	d.setState(StateSuspended)
}

// Resume restores the state held before suspend.
func (d *Device) Resume() {
	if d.State() != StateSuspended {
		return
	}
	d.setState(State(d.previousState.Load()))
}

// SetAddress records the address assigned by SET_ADDRESS.
func (d *Device) SetAddress(address uint8) {
	d.address.Store(uint32(address))
	if address == 0 {
		d.setState(StateDefault)
		return
	}
	d.setState(StateAddress)
}

// SetConfiguration records the configuration selected by SET_CONFIGURATION.
func (d *Device) SetConfiguration(value uint8) {
	d.configuration.Store(uint32(value))
	d.halted.Store(0)
	if value == 0 {
		d.setState(StateAddress)
		return
	}
	d.setState(StateConfigured)
}
