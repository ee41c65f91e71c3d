package device

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/vcom/device/hal"
	"github.com/ardnew/vcom/pkg"
)

// StandardRequestHandler handles the chapter 9 requests needed to
// enumerate and configure the function.
type StandardRequestHandler struct {
	device *Device
	desc   *Descriptors
	layout *EndpointLayout
	ctrl   hal.Controller

	configValue   uint8
	numInterfaces uint8

	// Response buffer for the short status-style replies. The control
	// engine reads it until the data stage completes.
	responseBuf [2]byte
}

// NewStandardRequestHandler creates a handler serving desc.
func NewStandardRequestHandler(dev *Device, desc *Descriptors, layout *EndpointLayout, ctrl hal.Controller) *StandardRequestHandler {
	h := &StandardRequestHandler{
		device: dev,
		desc:   desc,
		layout: layout,
		ctrl:   ctrl,
	}
	var cfg ConfigurationDescriptor
	if ParseConfigurationDescriptor(desc.Configuration, &cfg) == nil {
		h.configValue = cfg.ConfigurationValue
		h.numInterfaces = cfg.NumInterfaces
	}
	return h
}

// HandleSetup processes a standard request and arms the matching data or
// status stage on ctl. A returned error means the request must be stalled.
func (h *StandardRequestHandler) HandleSetup(ctl *Control, setup *SetupPacket) error {
	if !setup.IsStandard() {
		return pkg.ErrInvalidRequest
	}

	var (
		data []byte
		err  error
	)
	switch setup.Recipient() {
	case RequestRecipientDevice:
		data, err = h.handleDeviceRequest(ctl, setup)
	case RequestRecipientInterface:
		data, err = h.handleInterfaceRequest(setup)
	case RequestRecipientEndpoint:
		data, err = h.handleEndpointRequest(setup)
	default:
		err = pkg.ErrInvalidRequest
	}
	if err != nil {
		return err
	}

	if setup.IsDeviceToHost() {
		ctl.DataIn(data)
	} else {
		ctl.StatusIn()
	}
	return nil
}

// handleDeviceRequest handles device-level standard requests.
func (h *StandardRequestHandler) handleDeviceRequest(ctl *Control, setup *SetupPacket) ([]byte, error) {
	switch setup.Request {
	case RequestGetStatus:
		return h.status(h.device.Status()), nil
	case RequestClearFeature, RequestSetFeature:
		if setup.Value != FeatureDeviceRemoteWakeup {
			return nil, pkg.ErrInvalidRequest
		}
		h.device.SetRemoteWakeup(setup.Request == RequestSetFeature)
		return nil, nil
	case RequestSetAddress:
		return nil, h.setAddress(ctl, setup)
	case RequestGetDescriptor:
		return h.getDescriptor(setup)
	case RequestGetConfiguration:
		h.responseBuf[0] = h.device.Configuration()
		return h.responseBuf[:1], nil
	case RequestSetConfiguration:
		return nil, h.setConfiguration(setup)
	default:
		return nil, pkg.ErrInvalidRequest
	}
}

// handleInterfaceRequest handles interface-level standard requests.
func (h *StandardRequestHandler) handleInterfaceRequest(setup *SetupPacket) ([]byte, error) {
	if !h.device.IsConfigured() || setup.InterfaceNumber() >= h.numInterfaces {
		return nil, pkg.ErrInvalidRequest
	}
	switch setup.Request {
	case RequestGetStatus:
		return h.status(0), nil
	case RequestGetInterface:
		h.responseBuf[0] = 0
		return h.responseBuf[:1], nil
	case RequestSetInterface:
		if setup.Value != 0 {
			return nil, pkg.ErrNotSupported
		}
		return nil, nil
	default:
		return nil, pkg.ErrInvalidRequest
	}
}

// handleEndpointRequest handles endpoint-level standard requests.
func (h *StandardRequestHandler) handleEndpointRequest(setup *SetupPacket) ([]byte, error) {
	ep, ok := h.layout.Lookup(setup.EndpointAddress())
	if !ok && setup.EndpointAddress()&0x0F == 0 {
		ep, ok = hal.EP0, true
	}
	if !ok {
		return nil, fmt.Errorf("endpoint 0x%02X: %w", setup.EndpointAddress(), pkg.ErrInvalidEndpoint)
	}
	control := h.layout.Endpoints[ep].Type == hal.TransferControl
	if !control && !h.device.IsConfigured() {
		return nil, pkg.ErrInvalidRequest
	}

	switch setup.Request {
	case RequestGetStatus:
		var s uint16
		if h.device.Halted(ep) {
			s = EndpointStatusHalt
		}
		return h.status(s), nil
	case RequestClearFeature, RequestSetFeature:
		if setup.Value != FeatureEndpointHalt {
			return nil, pkg.ErrInvalidRequest
		}
		if control {
			return nil, nil
		}
		halt := setup.Request == RequestSetFeature
		if halt {
			h.ctrl.Stall(ep)
		} else {
			h.ctrl.ClearStall(ep)
		}
		h.device.SetHalted(ep, halt)
		pkg.LogDebug(pkg.ComponentEndpoint, "endpoint halt", "endpoint", ep, "halted", halt)
		return nil, nil
	default:
		return nil, pkg.ErrInvalidRequest
	}
}

func (h *StandardRequestHandler) status(s uint16) []byte {
	binary.LittleEndian.PutUint16(h.responseBuf[:], s)
	return h.responseBuf[:2]
}

// setAddress defers the address until the status stage completes.
func (h *StandardRequestHandler) setAddress(ctl *Control, setup *SetupPacket) error {
	if setup.Value > 127 || setup.Index != 0 || setup.Length != 0 {
		return pkg.ErrInvalidRequest
	}
	if h.device.IsConfigured() {
		return pkg.ErrInvalidRequest
	}
	ctl.SetAddressAfterStatus(uint8(setup.Value))
	return nil
}

// getDescriptor returns the requested descriptor. The control engine
// truncates it to wLength.
func (h *StandardRequestHandler) getDescriptor(setup *SetupPacket) ([]byte, error) {
	d := h.desc.Lookup(setup.DescriptorType(), setup.DescriptorIndex())
	if d == nil {
		return nil, fmt.Errorf("descriptor type 0x%02X index %d: %w",
			setup.DescriptorType(), setup.DescriptorIndex(), pkg.ErrNotSupported)
	}
	return d, nil
}

// setConfiguration selects configuration 0 or the device's only configuration.
func (h *StandardRequestHandler) setConfiguration(setup *SetupPacket) error {
	value := uint8(setup.Value)
	if setup.Value > 0xFF || (value != 0 && value != h.configValue) {
		return fmt.Errorf("configuration %d: %w", setup.Value, pkg.ErrInvalidRequest)
	}
	h.device.SetConfiguration(value)
	return nil
}
