package device

import (
	"fmt"

	"github.com/ardnew/vcom/device/hal"
	"github.com/ardnew/vcom/pkg"
)

// Default full-speed packet sizes for the virtual COM endpoints.
const (
	MaxPacketSizeBulk      = 64
	MaxPacketSizeInterrupt = 8
)

// Default endpoint numbers as seen by the host.
const (
	EndpointNumberControl   = 0x00
	EndpointNumberBulkIn    = 0x01
	EndpointNumberBulkOut   = 0x02
	EndpointNumberInterrupt = 0x03
)

// BufferRegion is a region of controller buffer memory.
type BufferRegion struct {
	Base uint16
	Size uint16
}

// End returns the first offset past the region.
func (r BufferRegion) End() uint16 {
	return r.Base + r.Size
}

// EndpointLayout assigns the SETUP buffer and each logical endpoint to a
// fixed region of controller buffer memory.
type EndpointLayout struct {
	Setup     BufferRegion
	Endpoints [hal.NumEndpoints]hal.EndpointConfig
}

// DefaultLayout returns the virtual COM layout: an 8-byte SETUP buffer
// followed by control-in, control-out, bulk-in, bulk-out and interrupt-in
// buffers packed back to back.
func DefaultLayout() EndpointLayout {
	var l EndpointLayout
	l.Setup = BufferRegion{Base: 0, Size: SetupPacketSize}

	next := l.Setup.End()
	add := func(idx hal.EndpointIndex, num uint8, dir hal.Direction, typ hal.TransferType, mps uint16) {
		l.Endpoints[idx] = hal.EndpointConfig{
			Index:         idx,
			Number:        num,
			Direction:     dir,
			Type:          typ,
			BufferBase:    next,
			BufferSize:    mps,
			MaxPacketSize: mps,
			ClearOnSetup:  typ == hal.TransferControl,
		}
		next += mps
	}
	add(hal.EP0, EndpointNumberControl, hal.DirectionIn, hal.TransferControl, MaxPacketSize0)
	add(hal.EP1, EndpointNumberControl, hal.DirectionOut, hal.TransferControl, MaxPacketSize0)
	add(hal.EP2, EndpointNumberBulkIn, hal.DirectionIn, hal.TransferBulk, MaxPacketSizeBulk)
	add(hal.EP3, EndpointNumberBulkOut, hal.DirectionOut, hal.TransferBulk, MaxPacketSizeBulk)
	add(hal.EP4, EndpointNumberInterrupt, hal.DirectionIn, hal.TransferInterrupt, MaxPacketSizeInterrupt)
	return l
}

// Endpoint returns the configuration of a logical slot.
func (l *EndpointLayout) Endpoint(idx hal.EndpointIndex) *hal.EndpointConfig {
	return &l.Endpoints[idx]
}

// Size returns the number of bytes of buffer memory the layout occupies.
func (l *EndpointLayout) Size() uint16 {
	end := l.Setup.End()
	for i := range l.Endpoints {
		if e := l.Endpoints[i].End(); e > end {
			end = e
		}
	}
	return end
}

// Lookup returns the logical slot serving a USB endpoint address.
func (l *EndpointLayout) Lookup(address uint8) (hal.EndpointIndex, bool) {
	for i := range l.Endpoints {
		if l.Endpoints[i].Address() == address {
			return l.Endpoints[i].Index, true
		}
	}
	return 0, false
}

// Validate checks that the SETUP buffer and every endpoint buffer are
// contiguous, non-overlapping and fit in memSize bytes, and that every
// buffer holds at least one max-size packet.
func (l *EndpointLayout) Validate(memSize int) error {
	prev := l.Setup
	if prev.Size < SetupPacketSize {
		return fmt.Errorf("setup buffer size %d: %w", prev.Size, pkg.ErrInvalidEndpoint)
	}
	for i := range l.Endpoints {
		ep := &l.Endpoints[i]
		if ep.Index != hal.EndpointIndex(i) {
			return fmt.Errorf("slot %d holds %v: %w", i, ep.Index, pkg.ErrInvalidEndpoint)
		}
		if ep.MaxPacketSize == 0 || ep.BufferSize < ep.MaxPacketSize {
			return fmt.Errorf("%v buffer size %d below max packet size %d: %w",
				ep.Index, ep.BufferSize, ep.MaxPacketSize, pkg.ErrInvalidEndpoint)
		}
		if ep.BufferBase != prev.End() {
			return fmt.Errorf("%v buffer at %d, want %d: %w",
				ep.Index, ep.BufferBase, prev.End(), pkg.ErrInvalidEndpoint)
		}
		prev = BufferRegion{Base: ep.BufferBase, Size: ep.BufferSize}
	}
	if int(prev.End()) > memSize {
		return fmt.Errorf("layout needs %d bytes, controller has %d: %w",
			prev.End(), memSize, pkg.ErrInvalidEndpoint)
	}
	return nil
}
