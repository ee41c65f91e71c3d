// Package device implements the USB device side of a full-speed function
// built on a buffer-descriptor style controller.
//
// It is platform-agnostic and interacts with hardware via the
// [hal.Controller] interface defined in the [github.com/ardnew/vcom/device/hal]
// package. The stack owns the default control pipe and the USB device state
// machine; a [ClassDriver] owns everything class specific.
//
// # Architecture
//
// The stack is organized into a few small parts:
//
//   - [Stack] validates the layout and descriptors, configures the
//     controller and dispatches events
//   - [Device] tracks the device state, address, configuration and
//     endpoint halts
//   - [Control] sequences control transfer data and status stages
//   - [StandardRequestHandler] answers the chapter 9 requests
//   - [EndpointLayout] places the SETUP buffer and every endpoint buffer in
//     controller memory
//   - [Descriptors] holds the prebuilt device, configuration and string
//     descriptors
//
// # Event Context
//
// [Stack.Service] handles exactly one pending event, the highest priority
// one, and acknowledges it before dispatch so a completion raised while it
// runs stays pending. Call it from the controller interrupt or from a loop;
// [Stack.ServiceAll] drains everything pending. Foreground code never calls
// into the stack except for read-only accessors such as [Stack.State] and
// [Stack.Stats].
//
// # Device States
//
// The stack implements the USB 2.0 device state machine:
//
//	Detached → Attached → Default → Address → Configured ⇄ Suspended
//
// A bus reset returns the device to Default from any attached state.
// SET_ADDRESS takes effect once its status stage completes.
//
// # Zero-Allocation Design
//
// Event handling does not allocate. Key patterns include:
//
//   - Serialization via MarshalTo(buf) instead of allocating Bytes()
//   - Parse functions with output parameters instead of returning pointers
//   - Fixed-size arrays for endpoints and packet buffers
//   - Descriptors built once, before the controller starts
//
// # Class Drivers
//
// The [ClassDriver] interface connects a USB class to the stack:
//
//	type ClassDriver interface {
//	    Prepare()
//	    HandleClassRequest(ctl *Control, setup *SetupPacket) error
//	    HandleEndpoint(ev Event)
//	    HandleLink(ev Event)
//	}
//
// The CDC-ACM virtual COM port in
// [github.com/ardnew/vcom/device/class/cdc] is the built-in driver.
//
// # Example
//
//	acm := cdc.NewACM(cdc.DefaultConfig())
//	if err := acm.Init(ctrl); err != nil {
//	    return err
//	}
//	go ctrl.Run(ctx, func() { acm.Stack().ServiceAll() })
//	acm.SendString(ctx, "Hello World!\r\n")
//
// An in-memory controller and host for testing are available in
// [github.com/ardnew/vcom/device/hal/sim].
package device
