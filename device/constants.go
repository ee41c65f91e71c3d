package device

import "fmt"

// Full-speed control endpoint limits.
const (
	// MaxPacketSize0 is the control endpoint max packet size.
	MaxPacketSize0 = 64

	// MaxControlDataSize bounds a single control data stage.
	MaxControlDataSize = 255
)

// Device states as defined in USB 2.0 specification section 9.1,
// collapsed to what a bus-powered full-speed function can observe.
const (
	StateDetached   State = 0 // Cable not attached
	StateAttached   State = 1 // Cable attached, no reset seen yet
	StateDefault    State = 2 // Reset received, default address
	StateAddress    State = 3 // Unique address assigned
	StateConfigured State = 4 // Configuration selected
	StateSuspended  State = 5 // Bus suspended
)

// State represents USB device state.
type State uint8

// String returns a human-readable state description.
func (s State) String() string {
	switch s {
	case StateDetached:
		return "Detached"
	case StateAttached:
		return "Attached"
	case StateDefault:
		return "Default"
	case StateAddress:
		return "Address"
	case StateConfigured:
		return "Configured"
	case StateSuspended:
		return "Suspended"
	default:
		return fmt.Sprintf("Unknown State (%d)", s)
	}
}
