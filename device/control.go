package device

import (
	"fmt"

	"github.com/ardnew/vcom/device/hal"
	"github.com/ardnew/vcom/pkg"
)

// ControlStage is the stage of the control transfer in progress.
type ControlStage uint8

// Control transfer stages.
const (
	StageIdle      ControlStage = iota // No transfer in progress
	StageDataIn                        // IN data packets armed on control-in
	StageDataOut                       // Control-out armed for OUT data
	StageStatusIn                      // Zero-length status IN armed
	StageStatusOut                     // Zero-length status OUT armed
	StageStalled                       // Both control endpoints stalled
)

// String returns the stage name.
func (s ControlStage) String() string {
	switch s {
	case StageIdle:
		return "Idle"
	case StageDataIn:
		return "DataIn"
	case StageDataOut:
		return "DataOut"
	case StageStatusIn:
		return "StatusIn"
	case StageStatusOut:
		return "StatusOut"
	case StageStalled:
		return "Stalled"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(s))
	}
}

// Control sequences the data and status stages of control transfers over
// the control-in and control-out endpoints. It is owned by the event
// context; request handlers receive it to arm the stages they need.
//
// The IN and OUT sides are independent, so a handler may arm an OUT data
// stage and the zero-length IN status together, the way a controller with
// separate control buffers expects.
type Control struct {
	ctrl hal.Controller
	in   hal.EndpointConfig
	out  hal.EndpointConfig

	setup SetupPacket

	// IN side
	inData   []byte
	inSent   int
	inZLP    bool
	inBusy   bool
	inStatus bool

	// OUT side
	outDst    []byte
	outLen    int
	outDone   func(n int)
	outStatus bool

	stalled        bool
	pendingAddress int
	onAddress      func(address uint8)
}

func newControl(ctrl hal.Controller, layout *EndpointLayout) *Control {
	return &Control{
		ctrl:           ctrl,
		in:             layout.Endpoints[hal.EP0],
		out:            layout.Endpoints[hal.EP1],
		pendingAddress: -1,
	}
}

// Setup returns the SETUP packet of the transfer in progress.
func (c *Control) Setup() *SetupPacket {
	return &c.setup
}

// Stage returns the current transfer stage.
func (c *Control) Stage() ControlStage {
	switch {
	case c.stalled:
		return StageStalled
	case c.inBusy:
		return StageDataIn
	case c.outDst != nil:
		return StageDataOut
	case c.inStatus:
		return StageStatusIn
	case c.outStatus:
		return StageStatusOut
	default:
		return StageIdle
	}
}

// MaxPacketSize returns the control endpoint packet size.
func (c *Control) MaxPacketSize() int {
	return int(c.in.MaxPacketSize)
}

// WriteIn copies data into the control-in buffer without arming it.
// At most one packet is copied. Returns the number of bytes copied.
func (c *Control) WriteIn(data []byte) int {
	if len(data) > c.MaxPacketSize() {
		data = data[:c.MaxPacketSize()]
	}
	return c.ctrl.WriteBuffer(c.in.BufferBase, data)
}

// ArmIn arms a single-packet IN data stage of n bytes from whatever the
// control-in buffer currently holds, followed by a zero-length OUT status.
// n is capped to wLength and the packet size.
func (c *Control) ArmIn(n int) {
	n = min(n, int(c.setup.Length), c.MaxPacketSize())
	c.inData, c.inSent, c.inZLP = nil, 0, false
	c.ctrl.SetData1(hal.EP0)
	c.ctrl.SetPayloadLength(hal.EP0, n)
	c.inBusy = true
	c.armStatusOut()
}

// DataIn arms an IN data stage carrying data, truncated to wLength and
// split into packets. A zero-length packet ends the stage when the data
// is a multiple of the packet size and shorter than wLength. data must
// stay valid until the stage completes.
func (c *Control) DataIn(data []byte) {
	if len(data) > int(c.setup.Length) {
		data = data[:c.setup.Length]
	}
	c.inData, c.inSent = data, 0
	c.inZLP = len(data) < int(c.setup.Length) && len(data)%c.MaxPacketSize() == 0
	c.ctrl.SetData1(hal.EP0)
	c.sendNext()
	c.armStatusOut()
}

// DataOut arms an OUT data stage that fills dst, truncated to wLength.
// done runs in the event context with the number of bytes received once
// dst is full or the host sends a short packet.
func (c *Control) DataOut(dst []byte, done func(n int)) {
	if len(dst) > int(c.setup.Length) {
		dst = dst[:c.setup.Length]
	}
	c.outDst, c.outLen, c.outDone = dst, 0, done
	c.ctrl.SetData1(hal.EP1)
	c.ctrl.SetPayloadLength(hal.EP1, c.MaxPacketSize())
}

// StatusIn arms the zero-length IN status stage.
func (c *Control) StatusIn() {
	c.ctrl.SetData1(hal.EP0)
	c.ctrl.SetPayloadLength(hal.EP0, 0)
	c.inStatus = true
}

// Stall stalls both control endpoints and abandons the transfer.
// The stall holds until the next SETUP.
func (c *Control) Stall() {
	c.ctrl.Stall(hal.EP0)
	c.ctrl.Stall(hal.EP1)
	c.clear()
	c.stalled = true
}

// SetAddressAfterStatus defers a device address change until the status
// IN stage completes.
func (c *Control) SetAddressAfterStatus(address uint8) {
	c.pendingAddress = int(address)
}

func (c *Control) armStatusOut() {
	c.ctrl.SetData1(hal.EP1)
	c.ctrl.SetPayloadLength(hal.EP1, 0)
	c.outStatus = true
}

func (c *Control) sendNext() {
	n := min(len(c.inData)-c.inSent, c.MaxPacketSize())
	c.ctrl.WriteBuffer(c.in.BufferBase, c.inData[c.inSent:c.inSent+n])
	c.ctrl.SetPayloadLength(hal.EP0, n)
	c.inSent += n
	c.inBusy = true
}

func (c *Control) clear() {
	c.inData, c.inSent, c.inZLP, c.inBusy, c.inStatus = nil, 0, false, false, false
	c.outDst, c.outLen, c.outDone, c.outStatus = nil, 0, nil, false
	c.stalled = false
	c.pendingAddress = -1
}

// reset drops any armed control transaction and forgets the transfer.
func (c *Control) reset() {
	c.ctrl.StopTransaction(hal.EP0)
	c.ctrl.StopTransaction(hal.EP1)
	c.clear()
}

// begin starts a new transfer for setup. Stalls left over from the
// previous transfer are cleared unless the controller does so itself.
func (c *Control) begin(setup *SetupPacket) {
	if c.stalled {
		if !c.in.ClearOnSetup {
			c.ctrl.ClearStall(hal.EP0)
		}
		if !c.out.ClearOnSetup {
			c.ctrl.ClearStall(hal.EP1)
		}
	}
	c.clear()
	c.setup = *setup
}

// onIn advances the IN side after a control-in transaction completes.
func (c *Control) onIn() {
	switch {
	case c.inStatus:
		c.inStatus = false
		if c.pendingAddress >= 0 {
			addr := uint8(c.pendingAddress)
			c.pendingAddress = -1
			c.ctrl.SetAddress(addr)
			if c.onAddress != nil {
				c.onAddress(addr)
			}
		}
	case c.inBusy:
		c.inBusy = false
		if c.inSent < len(c.inData) {
			c.sendNext()
			return
		}
		if c.inZLP {
			c.inZLP = false
			c.ctrl.SetPayloadLength(hal.EP0, 0)
			c.inBusy = true
			return
		}
		c.inData, c.inSent = nil, 0
	default:
		pkg.LogDebug(pkg.ComponentControl, "unexpected control IN completion")
	}
}

// onOut advances the OUT side after a control-out transaction completes.
// Returns ErrOverrun if the host sent more than the data stage expects.
func (c *Control) onOut() error {
	n := c.ctrl.PayloadLength(hal.EP1)
	switch {
	case c.outDst != nil:
		var err error
		room := len(c.outDst) - c.outLen
		if n > room {
			err = fmt.Errorf("control OUT %d bytes, %d expected: %w", n, room, pkg.ErrOverrun)
			n = room
		}
		c.ctrl.ReadBuffer(c.out.BufferBase, c.outDst[c.outLen:c.outLen+n])
		c.outLen += n
		if c.outLen < len(c.outDst) && n == c.MaxPacketSize() {
			c.ctrl.SetPayloadLength(hal.EP1, c.MaxPacketSize())
			return err
		}
		done, got := c.outDone, c.outLen
		c.outDst, c.outLen, c.outDone = nil, 0, nil
		if done != nil {
			done(got)
		}
		return err
	case c.outStatus:
		c.outStatus = false
		if c.inBusy {
			// Host ended the data stage early.
			c.ctrl.StopTransaction(hal.EP0)
			c.inData, c.inSent, c.inZLP, c.inBusy = nil, 0, false, false
		}
		return nil
	default:
		pkg.LogDebug(pkg.ComponentControl, "unexpected control OUT completion", "length", n)
		return nil
	}
}
