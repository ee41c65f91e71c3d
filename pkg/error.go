package pkg

import "errors"

// Protocol errors, signaled to the host by stalling the control endpoints.
var (
	// ErrProtocol indicates a protocol error.
	ErrProtocol = errors.New("protocol error")

	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrInvalidRequest indicates an invalid or unsupported request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrSetupPacketTooShort indicates the setup packet data is too short.
	ErrSetupPacketTooShort = errors.New("setup packet too short")

	// ErrDescriptorTooShort indicates the descriptor data is too short.
	ErrDescriptorTooShort = errors.New("descriptor too short")

	// ErrDescriptorTypeMismatch indicates the descriptor type does not match expected.
	ErrDescriptorTypeMismatch = errors.New("descriptor type mismatch")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")
)

// Transfer outcomes reported to foreground callers.
var (
	// ErrTimeout indicates the controller did not complete a transfer in time.
	ErrTimeout = errors.New("transfer timeout")

	// ErrCancelled indicates the caller cancelled a waiting transfer.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrDisconnected indicates the cable was detached.
	ErrDisconnected = errors.New("device disconnected")

	// ErrNAK indicates an endpoint was not armed for the transaction.
	ErrNAK = errors.New("NAK received")

	// ErrOverrun indicates more data arrived than the endpoint was armed for.
	ErrOverrun = errors.New("data overrun")
)

// Configuration and lifecycle errors.
var (
	// ErrInvalidEndpoint indicates an invalid endpoint or buffer region.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrAlreadyRunning indicates the engine is already initialized.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the engine has not been initialized.
	ErrNotRunning = errors.New("not running")
)

// TransferStatus represents the completion status of a transfer wait.
type TransferStatus int

// Transfer status values.
const (
	TransferStatusSuccess      TransferStatus = iota // Transfer started or completed
	TransferStatusError                              // Unclassified failure
	TransferStatusStall                              // Endpoint stalled
	TransferStatusNAK                                // Endpoint not armed
	TransferStatusTimeout                            // Wait timed out
	TransferStatusCancelled                          // Wait was cancelled
	TransferStatusOverrun                            // Data overrun
	TransferStatusDisconnected                       // Cable detached
)

// String returns a string representation of the transfer status.
func (s TransferStatus) String() string {
	switch s {
	case TransferStatusSuccess:
		return "success"
	case TransferStatusError:
		return "error"
	case TransferStatusStall:
		return "stall"
	case TransferStatusNAK:
		return "nak"
	case TransferStatusTimeout:
		return "timeout"
	case TransferStatusCancelled:
		return "cancelled"
	case TransferStatusOverrun:
		return "overrun"
	case TransferStatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Error returns the corresponding error for the transfer status.
func (s TransferStatus) Error() error {
	switch s {
	case TransferStatusSuccess:
		return nil
	case TransferStatusStall:
		return ErrStall
	case TransferStatusNAK:
		return ErrNAK
	case TransferStatusTimeout:
		return ErrTimeout
	case TransferStatusCancelled:
		return ErrCancelled
	case TransferStatusOverrun:
		return ErrOverrun
	case TransferStatusDisconnected:
		return ErrDisconnected
	default:
		return ErrProtocol
	}
}

// StatusOf classifies err as a TransferStatus.
func StatusOf(err error) TransferStatus {
	switch {
	case err == nil:
		return TransferStatusSuccess
	case errors.Is(err, ErrStall):
		return TransferStatusStall
	case errors.Is(err, ErrNAK):
		return TransferStatusNAK
	case errors.Is(err, ErrTimeout):
		return TransferStatusTimeout
	case errors.Is(err, ErrCancelled):
		return TransferStatusCancelled
	case errors.Is(err, ErrOverrun):
		return TransferStatusOverrun
	case errors.Is(err, ErrDisconnected):
		return TransferStatusDisconnected
	default:
		return TransferStatusError
	}
}
