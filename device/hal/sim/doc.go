// Package sim implements an in-memory [hal.Controller] and a scripted USB
// host for testing and simulating the virtual COM engine without hardware.
//
// # Architecture
//
// [Controller] models a buffer-descriptor controller: a flat buffer memory
// arena shared by the SETUP buffer and every endpoint buffer, a per-endpoint
// armed payload length, stall and data toggle bits, and a pending event set.
// The host side of the bus is driven through [Controller.InjectSetup],
// [Controller.InjectOut] and [Controller.CompleteIn], which behave like the
// wire: an endpoint that is not armed NAKs, a stalled endpoint STALLs, and a
// completed transaction raises the matching event.
//
// [Host] layers whole control and bulk transfers on top of those
// primitives, and can enumerate the device the way an operating system does.
//
// # Servicing
//
// The event context is supplied by the caller. Tests usually pass the
// stack's ServiceAll to [NewHost] so that every host transaction services
// the device synchronously:
//
//	ctrl := sim.New()
//	acm := cdc.NewACM(cdc.DefaultConfig())
//	_ = acm.Init(ctrl)
//	host := sim.NewHost(ctrl, func() { acm.Stack().ServiceAll() })
//
// Simulations instead run the event context on its own goroutine with
// [Controller.Run] and create the host with a nil service function, in
// which case host transfers retry NAKed transactions until [Host.Timeout]
// and wait for [Controller.Idle] after each transaction before issuing the
// next one.
package sim
