// Package hal defines the boundary between the virtual COM protocol engine
// and a USB full-speed device controller.
//
// The engine never touches registers. A platform driver implements
// [Controller] with the primitives a buffer-descriptor style controller
// exposes (arm an endpoint buffer, set a payload length, stall, stop a
// pending transaction, copy to and from controller memory) and translates
// its raw interrupt and bus-state flags into the closed [Event] set.
//
// # Events
//
// Pending conditions are reported as an [Event] bit set. The bit order is
// the dispatch priority, so [Event.Highest] returns the one condition the
// engine handles per invocation:
//
//	EventAttach, EventDetach           cable detect
//	EventBusReset, EventSuspend,       bus state
//	EventResume
//	EventSetup                         new setup packet
//	EventControlIn, EventControlOut    control data/status stages
//	EventBulkIn                        bulk-IN transfer completed
//	EventBulkOut                       bulk-OUT packet received
//
// # Implementing a Controller
//
//  1. Map each logical [EndpointIndex] to a hardware endpoint slot
//  2. Honour [EndpointConfig.BufferBase] as an offset into controller memory
//  3. Report pending events from Pending and clear them in Ack
//  4. Keep every method non-blocking; they are called from the event context
//
// An in-memory controller for tests is available in
// [github.com/ardnew/vcom/device/hal/sim].
package hal
