// Package cdc implements a USB CDC-ACM (Abstract Control Model) virtual COM
// port on top of the vcom device stack.
//
// # Architecture
//
// The function exposes two interfaces:
//
//   - Communications interface 0 (class 0x02, subclass ACM, protocol AT)
//     with an interrupt-IN notification endpoint, answering
//     GET_LINE_CODING, SET_LINE_CODING and SET_CONTROL_LINE_STATE
//   - Data interface 1 (class 0x0A) with one bulk-IN and one bulk-OUT
//     endpoint carrying the byte stream
//
// [ACM] is the class driver of its own [device.Stack]. The stack runs in
// the event context (an interrupt handler, or a single goroutine calling
// Service); [ACM.Send] and [ACM.Read] run in the foreground and meet the
// event context only through capacity-one readiness channels and atomics.
//
// # Send path
//
// One bulk-IN transfer is outstanding at a time. Send waits for the
// previous transfer to complete, copies at most [MaxSendSize] bytes into
// the bulk-IN buffer and arms it. The wait ends early with
// [pkg.ErrTimeout], [pkg.ErrCancelled] or [pkg.ErrDisconnected].
//
// # Receive path
//
// A bulk-OUT packet is copied out of controller memory and the endpoint is
// left unarmed until [ACM.Read] has drained it, so the controller NAKs the
// host in the meantime.
//
// # Usage
//
//	cfg, err := cdc.LoadConfig("vcom.yaml")
//	if err != nil {
//	    return err
//	}
//	acm := cdc.NewACM(cfg)
//	if err := acm.Init(ctrl); err != nil {
//	    return err
//	}
//	// from the interrupt handler or event goroutine:
//	acm.Stack().Service()
//	// from the application:
//	n, err := acm.SendString(ctx, "AT\r\n")
//
// # Configuration
//
// [Config] holds the USB identity and the handling of line coding requests
// whose wIndex does not name the Communications interface. It decodes from
// YAML:
//
//	vendor_id: 0x0416
//	product_id: 0xB002
//	serial: A02014090305
//	strict_interface_index: true
//	send_timeout: 250ms
package cdc
