// Package pkg provides shared utilities for the vcom USB virtual COM device.
//
// This package contains the ambient pieces used by every layer of the
// device engine:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel errors for protocol, link and transfer outcomes
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with a component attribute:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentStack, "bus reset")
//
// Calls below the configured level return before building any attributes,
// so they are safe on the event-handling path.
//
// # Errors
//
// Send and receive outcomes are reported as sentinel values:
//
//	if _, err := acm.Send(ctx, data); errors.Is(err, pkg.ErrTimeout) {
//	    // the host stopped polling the bulk-IN endpoint
//	}
package pkg
