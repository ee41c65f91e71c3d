package hal

import (
	"fmt"
	"math/bits"
	"strings"
)

// EndpointIndex identifies a logical endpoint slot in the controller.
type EndpointIndex uint8

// Logical endpoint slots used by the virtual COM function.
const (
	EP0 EndpointIndex = iota // Control IN
	EP1                      // Control OUT
	EP2                      // Bulk IN
	EP3                      // Bulk OUT
	EP4                      // Interrupt IN

	// NumEndpoints is the number of logical endpoint slots.
	NumEndpoints = 5
)

// String returns the slot name.
func (e EndpointIndex) String() string {
	return fmt.Sprintf("EP%d", uint8(e))
}

// Direction is the data direction of an endpoint.
type Direction uint8

// Endpoint directions.
const (
	DirectionOut Direction = 0x00 // Host to device
	DirectionIn  Direction = 0x80 // Device to host
)

// String returns "IN" or "OUT".
func (d Direction) String() string {
	if d == DirectionIn {
		return "IN"
	}
	return "OUT"
}

// TransferType is an endpoint transfer type (USB 2.0 Spec Table 9-13).
type TransferType uint8

// Endpoint transfer types.
const (
	TransferControl     TransferType = 0x00
	TransferIsochronous TransferType = 0x01
	TransferBulk        TransferType = 0x02
	TransferInterrupt   TransferType = 0x03
)

// String returns a human-readable transfer type name.
func (t TransferType) String() string {
	switch t {
	case TransferControl:
		return "Control"
	case TransferIsochronous:
		return "Isochronous"
	case TransferBulk:
		return "Bulk"
	case TransferInterrupt:
		return "Interrupt"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// EndpointConfig binds a logical endpoint slot to a USB endpoint and a
// region of controller buffer memory.
type EndpointConfig struct {
	Index         EndpointIndex // Logical slot
	Number        uint8         // USB endpoint number (0-15)
	Direction     Direction     // Data direction
	Type          TransferType  // Transfer type
	BufferBase    uint16        // Offset into controller buffer memory
	BufferSize    uint16        // Size of the buffer region
	MaxPacketSize uint16        // wMaxPacketSize
	ClearOnSetup  bool          // Controller clears the stall when a SETUP arrives
}

// Address returns the USB endpoint address including the direction bit.
func (e *EndpointConfig) Address() uint8 {
	return e.Number&0x0F | uint8(e.Direction)
}

// IsIn returns true if this is an IN endpoint (device to host).
func (e *EndpointConfig) IsIn() bool {
	return e.Direction == DirectionIn
}

// End returns the first buffer offset past this endpoint's region.
func (e *EndpointConfig) End() uint16 {
	return e.BufferBase + e.BufferSize
}

// Event is a set of pending controller conditions.
// Lower bits have higher dispatch priority.
type Event uint16

// Controller events in priority order.
const (
	EventAttach     Event = 1 << iota // Cable attached
	EventDetach                       // Cable detached
	EventBusReset                     // USB bus reset
	EventSuspend                      // Bus suspend
	EventResume                       // Bus resume
	EventSetup                        // SETUP packet received
	EventControlIn                    // Control IN transaction completed
	EventControlOut                   // Control OUT transaction completed
	EventBulkIn                       // Bulk IN transaction completed
	EventBulkOut                      // Bulk OUT packet received

	// EventNone is the empty set.
	EventNone Event = 0
)

// Event groups.
const (
	EventCable = EventAttach | EventDetach
	EventBus   = EventBusReset | EventSuspend | EventResume
	EventAll   = EventCable | EventBus | EventSetup | EventControlIn |
		EventControlOut | EventBulkIn | EventBulkOut
)

var eventNames = [...]string{
	"attach", "detach", "reset", "suspend", "resume",
	"setup", "ctrl-in", "ctrl-out", "bulk-in", "bulk-out",
}

// Highest returns the highest-priority condition in e, or EventNone.
func (e Event) Highest() Event {
	return e & -e
}

// Has reports whether every condition in mask is pending in e.
func (e Event) Has(mask Event) bool {
	return mask != 0 && e&mask == mask
}

// String returns the names of the pending conditions joined by "|".
func (e Event) String() string {
	if e == EventNone {
		return "none"
	}
	var sb strings.Builder
	for rest := e; rest != 0; rest &= rest - 1 {
		i := bits.TrailingZeros16(uint16(rest))
		if sb.Len() > 0 {
			sb.WriteByte('|')
		}
		if i < len(eventNames) {
			sb.WriteString(eventNames[i])
		} else {
			fmt.Fprintf(&sb, "bit%d", i)
		}
	}
	return sb.String()
}

// Controller is the hardware-facing collaborator of the protocol engine.
//
// Every method is called from the event context, except WriteBuffer,
// ReadBuffer and SetPayloadLength on the bulk endpoints, which the send
// and receive paths also call from the foreground. Implementations must
// not block.
type Controller interface {
	// Start enables the controller and event delivery.
	Start() error

	// EnableUSB enables the USB function and the analog front end.
	EnableUSB()

	// DisableUSB disables the USB function and the analog front end.
	DisableUSB()

	// DisablePHY disables the analog front end only, keeping the function
	// attached to the bus.
	DisablePHY()

	// SetSetupBuffer sets the offset of the 8-byte SETUP buffer.
	SetSetupBuffer(base uint16)

	// ConfigureEndpoint binds a logical slot to an endpoint and buffer region.
	ConfigureEndpoint(cfg EndpointConfig) error

	// SetAddress programs the device address.
	SetAddress(address uint8)

	// WriteBuffer copies data into controller memory at base.
	// Returns the number of bytes copied.
	WriteBuffer(base uint16, data []byte) int

	// ReadBuffer copies controller memory at base into buf.
	// Returns the number of bytes copied.
	ReadBuffer(base uint16, buf []byte) int

	// SetPayloadLength arms ep. For IN endpoints n is the number of bytes
	// to transmit; for OUT endpoints it is the number of bytes accepted.
	SetPayloadLength(ep EndpointIndex, n int)

	// PayloadLength returns the byte count of the last OUT packet on ep.
	PayloadLength(ep EndpointIndex) int

	// SetData1 forces the next transaction on ep to use DATA1.
	SetData1(ep EndpointIndex)

	// Stall stalls ep.
	Stall(ep EndpointIndex)

	// ClearStall clears a stall on ep.
	ClearStall(ep EndpointIndex)

	// StopTransaction drops any armed, not yet completed transaction on ep.
	StopTransaction(ep EndpointIndex)

	// Pending returns the set of unacknowledged conditions.
	Pending() Event

	// Ack clears the given conditions.
	Ack(ev Event)
}
