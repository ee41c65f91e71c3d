package sim

import (
	"errors"
	"fmt"
	"time"

	"github.com/ardnew/vcom/device"
	"github.com/ardnew/vcom/device/hal"
	"github.com/ardnew/vcom/pkg"
)

// DefaultTimeout bounds how long an asynchronous host retries a NAKed
// transaction.
const DefaultTimeout = time.Second

// retryInterval is the polling period of an asynchronous host.
const retryInterval = 50 * time.Microsecond

// Host drives a [Controller] the way a USB host controller would.
type Host struct {
	ctrl    *Controller
	service func()

	// Timeout bounds NAK retries when no service function is set.
	Timeout time.Duration

	setupBuf [device.SetupPacketSize]byte
}

// NewHost returns a host for ctrl. If service is not nil it is called after
// every transaction to run the device's event context synchronously.
func NewHost(ctrl *Controller, service func()) *Host {
	return &Host{ctrl: ctrl, service: service, Timeout: DefaultTimeout}
}

// Controller returns the simulated controller.
func (h *Host) Controller() *Controller {
	return h.ctrl
}

// run lets the device react to the last transaction. An asynchronous
// host waits for the event context to go idle, the way a real host leaves
// the device time to service its interrupt.
func (h *Host) run() error {
	if h.service != nil {
		h.service()
		return nil
	}
	return h.ctrl.WaitIdle(h.Timeout)
}

// retry repeats op while it NAKs. A synchronous host services the device
// once and tries again; an asynchronous host polls until Timeout.
func (h *Host) retry(op func() error) error {
	deadline := time.Now().Add(h.Timeout)
	for {
		err := op()
		if !errors.Is(err, pkg.ErrNAK) {
			return err
		}
		if h.service != nil {
			h.service()
			return op()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("after %v: %w", h.Timeout, err)
		}
		time.Sleep(retryInterval)
	}
}

func (h *Host) in(ep hal.EndpointIndex) ([]byte, error) {
	var data []byte
	err := h.retry(func() error {
		var err error
		data, err = h.ctrl.CompleteIn(ep)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := h.run(); err != nil {
		return nil, err
	}
	return data, nil
}

func (h *Host) out(ep hal.EndpointIndex, data []byte) error {
	err := h.retry(func() error {
		return h.ctrl.InjectOut(ep, data)
	})
	if err != nil {
		return err
	}
	return h.run()
}

// Setup delivers a SETUP packet and services the device.
func (h *Host) Setup(setup *device.SetupPacket) error {
	setup.MarshalTo(h.setupBuf[:])
	if err := h.ctrl.InjectSetup(h.setupBuf[:]); err != nil {
		return err
	}
	return h.run()
}

// ControlRead performs a device-to-host control transfer and returns the
// data stage.
func (h *Host) ControlRead(setup *device.SetupPacket) ([]byte, error) {
	if err := h.Setup(setup); err != nil {
		return nil, err
	}
	var data []byte
	for len(data) < int(setup.Length) {
		pkt, err := h.in(hal.EP0)
		if err != nil {
			return data, fmt.Errorf("data stage: %w", err)
		}
		data = append(data, pkt...)
		if len(pkt) < device.MaxPacketSize0 {
			break
		}
	}
	if err := h.out(hal.EP1, nil); err != nil {
		return data, fmt.Errorf("status stage: %w", err)
	}
	return data, nil
}

// ControlWrite performs a host-to-device control transfer carrying data.
func (h *Host) ControlWrite(setup *device.SetupPacket, data []byte) error {
	if err := h.Setup(setup); err != nil {
		return err
	}
	for off := 0; off < len(data); off += device.MaxPacketSize0 {
		end := min(off+device.MaxPacketSize0, len(data))
		if err := h.out(hal.EP1, data[off:end]); err != nil {
			return fmt.Errorf("data stage: %w", err)
		}
	}
	pkt, err := h.in(hal.EP0)
	if err != nil {
		return fmt.Errorf("status stage: %w", err)
	}
	if len(pkt) != 0 {
		return fmt.Errorf("status stage: %d bytes: %w", len(pkt), pkg.ErrProtocol)
	}
	return nil
}

// BulkRead performs one IN transaction on the bulk-IN endpoint.
func (h *Host) BulkRead() ([]byte, error) {
	return h.in(hal.EP2)
}

// BulkWrite performs one OUT transaction on the bulk-OUT endpoint.
func (h *Host) BulkWrite(data []byte) error {
	return h.out(hal.EP3, data)
}

// GetDescriptor reads a descriptor of up to length bytes.
func (h *Host) GetDescriptor(descType, index uint8, length uint16) ([]byte, error) {
	var setup device.SetupPacket
	device.GetDescriptorSetup(&setup, descType, index, length)
	return h.ControlRead(&setup)
}

// SetAddress assigns address to the device.
func (h *Host) SetAddress(address uint8) error {
	var setup device.SetupPacket
	device.SetAddressSetup(&setup, address)
	return h.ControlWrite(&setup, nil)
}

// SetConfiguration selects configuration value.
func (h *Host) SetConfiguration(value uint8) error {
	var setup device.SetupPacket
	device.SetConfigurationSetup(&setup, value)
	return h.ControlWrite(&setup, nil)
}

// Enumeration is what a host learns while enumerating the device.
type Enumeration struct {
	Device        device.DeviceDescriptor
	Configuration []byte
	Strings       map[uint8][]byte
}

// Enumerate resets the bus, assigns address, reads every descriptor and
// selects the first configuration.
func (h *Host) Enumerate(address uint8) (*Enumeration, error) {
	h.ctrl.BusReset()
	if err := h.run(); err != nil {
		return nil, err
	}

	if _, err := h.GetDescriptor(device.DescriptorTypeDevice, 0, device.MaxPacketSize0); err != nil {
		return nil, fmt.Errorf("device descriptor: %w", err)
	}
	if err := h.SetAddress(address); err != nil {
		return nil, fmt.Errorf("set address: %w", err)
	}
	raw, err := h.GetDescriptor(device.DescriptorTypeDevice, 0, device.DeviceDescriptorSize)
	if err != nil {
		return nil, fmt.Errorf("device descriptor: %w", err)
	}
	e := &Enumeration{Strings: make(map[uint8][]byte)}
	if err := device.ParseDeviceDescriptor(raw, &e.Device); err != nil {
		return nil, err
	}

	head, err := h.GetDescriptor(device.DescriptorTypeConfiguration, 0, device.ConfigurationDescriptorSize)
	if err != nil {
		return nil, fmt.Errorf("configuration descriptor: %w", err)
	}
	var cfg device.ConfigurationDescriptor
	if err := device.ParseConfigurationDescriptor(head, &cfg); err != nil {
		return nil, err
	}
	if e.Configuration, err = h.GetDescriptor(device.DescriptorTypeConfiguration, 0, cfg.TotalLength); err != nil {
		return nil, fmt.Errorf("configuration descriptor: %w", err)
	}

	for _, idx := range []uint8{0, e.Device.ManufacturerIndex, e.Device.ProductIndex, e.Device.SerialNumberIndex} {
		if idx == 0 && len(e.Strings) > 0 {
			continue
		}
		s, err := h.GetDescriptor(device.DescriptorTypeString, idx, 0xFF)
		if err != nil {
			return nil, fmt.Errorf("string descriptor %d: %w", idx, err)
		}
		e.Strings[idx] = s
	}

	if err := h.SetConfiguration(cfg.ConfigurationValue); err != nil {
		return nil, fmt.Errorf("set configuration: %w", err)
	}
	return e, nil
}
