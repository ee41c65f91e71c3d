package device

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/vcom/pkg"
)

// USB Descriptor Types (USB 2.0 Spec Table 9-5).
const (
	DescriptorTypeDevice          = 0x01
	DescriptorTypeConfiguration   = 0x02
	DescriptorTypeString          = 0x03
	DescriptorTypeInterface       = 0x04
	DescriptorTypeEndpoint        = 0x05
	DescriptorTypeDeviceQualifier = 0x06
	DescriptorTypeCSInterface     = 0x24 // Class-specific interface
)

// USB Class Codes used by the virtual COM function.
const (
	ClassPerInterface = 0x00 // Class defined at interface level
	ClassCDC          = 0x02 // Communications Device Class
	ClassCDCData      = 0x0A // CDC-Data
	ClassVendor       = 0xFF // Vendor Specific
)

// Configuration attribute bits.
const (
	ConfigAttrBusPowered   = 0x80 // Bus-powered (required)
	ConfigAttrSelfPowered  = 0x40 // Self-powered
	ConfigAttrRemoteWakeup = 0x20 // Remote wakeup capable
)

// LangIDUSEnglish is the language ID for US English.
const LangIDUSEnglish = 0x0409

// Descriptor sizes in bytes.
const (
	DeviceDescriptorSize        = 18
	ConfigurationDescriptorSize = 9
	InterfaceDescriptorSize     = 9
	EndpointDescriptorSize      = 7
	MaxStringDescriptorSize     = 254
)

// Marshaler is implemented by every descriptor that serializes itself
// into a caller-provided buffer.
type Marshaler interface {
	// MarshalTo writes the descriptor to buf and returns the number of
	// bytes written, or 0 if buf is too small.
	MarshalTo(buf []byte) int
}

// DeviceDescriptor represents a USB device descriptor (18 bytes).
type DeviceDescriptor struct {
	USBVersion        uint16 // USB specification version (BCD)
	DeviceClass       uint8  // Class code
	DeviceSubClass    uint8  // Subclass code
	DeviceProtocol    uint8  // Protocol code
	MaxPacketSize0    uint8  // Max packet size for EP0
	VendorID          uint16 // Vendor ID
	ProductID         uint16 // Product ID
	DeviceVersion     uint16 // Device release number (BCD)
	ManufacturerIndex uint8  // Index of manufacturer string
	ProductIndex      uint8  // Index of product string
	SerialNumberIndex uint8  // Index of serial number string
	NumConfigurations uint8  // Number of configurations
}

// MarshalTo serializes the device descriptor to buf.
func (d *DeviceDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < DeviceDescriptorSize {
		return 0
	}
	buf[0] = DeviceDescriptorSize
	buf[1] = DescriptorTypeDevice
	binary.LittleEndian.PutUint16(buf[2:4], d.USBVersion)
	buf[4] = d.DeviceClass
	buf[5] = d.DeviceSubClass
	buf[6] = d.DeviceProtocol
	buf[7] = d.MaxPacketSize0
	binary.LittleEndian.PutUint16(buf[8:10], d.VendorID)
	binary.LittleEndian.PutUint16(buf[10:12], d.ProductID)
	binary.LittleEndian.PutUint16(buf[12:14], d.DeviceVersion)
	buf[14] = d.ManufacturerIndex
	buf[15] = d.ProductIndex
	buf[16] = d.SerialNumberIndex
	buf[17] = d.NumConfigurations
	return DeviceDescriptorSize
}

// ParseDeviceDescriptor parses a device descriptor from bytes into out.
// Returns an error if the data is too short or the descriptor type is wrong.
func ParseDeviceDescriptor(data []byte, out *DeviceDescriptor) error {
	if len(data) < DeviceDescriptorSize {
		return pkg.ErrDescriptorTooShort
	}
	if data[1] != DescriptorTypeDevice {
		return pkg.ErrDescriptorTypeMismatch
	}
	out.USBVersion = binary.LittleEndian.Uint16(data[2:4])
	out.DeviceClass = data[4]
	out.DeviceSubClass = data[5]
	out.DeviceProtocol = data[6]
	out.MaxPacketSize0 = data[7]
	out.VendorID = binary.LittleEndian.Uint16(data[8:10])
	out.ProductID = binary.LittleEndian.Uint16(data[10:12])
	out.DeviceVersion = binary.LittleEndian.Uint16(data[12:14])
	out.ManufacturerIndex = data[14]
	out.ProductIndex = data[15]
	out.SerialNumberIndex = data[16]
	out.NumConfigurations = data[17]
	return nil
}

// ConfigurationDescriptor represents a USB configuration descriptor header (9 bytes).
type ConfigurationDescriptor struct {
	TotalLength        uint16 // Total length of configuration data
	NumInterfaces      uint8  // Number of interfaces
	ConfigurationValue uint8  // Configuration value for SET_CONFIGURATION
	ConfigurationIndex uint8  // Index of string descriptor
	Attributes         uint8  // Configuration attributes
	MaxPower           uint8  // Maximum power consumption (2mA units)
}

// MarshalTo serializes the configuration descriptor header to buf.
func (c *ConfigurationDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < ConfigurationDescriptorSize {
		return 0
	}
	buf[0] = ConfigurationDescriptorSize
	buf[1] = DescriptorTypeConfiguration
	binary.LittleEndian.PutUint16(buf[2:4], c.TotalLength)
	buf[4] = c.NumInterfaces
	buf[5] = c.ConfigurationValue
	buf[6] = c.ConfigurationIndex
	buf[7] = c.Attributes
	buf[8] = c.MaxPower
	return ConfigurationDescriptorSize
}

// ParseConfigurationDescriptor parses a configuration descriptor header into out.
func ParseConfigurationDescriptor(data []byte, out *ConfigurationDescriptor) error {
	if len(data) < ConfigurationDescriptorSize {
		return pkg.ErrDescriptorTooShort
	}
	if data[1] != DescriptorTypeConfiguration {
		return pkg.ErrDescriptorTypeMismatch
	}
	out.TotalLength = binary.LittleEndian.Uint16(data[2:4])
	out.NumInterfaces = data[4]
	out.ConfigurationValue = data[5]
	out.ConfigurationIndex = data[6]
	out.Attributes = data[7]
	out.MaxPower = data[8]
	return nil
}

// InterfaceDescriptor represents a USB interface descriptor (9 bytes).
type InterfaceDescriptor struct {
	InterfaceNumber   uint8 // Interface number
	AlternateSetting  uint8 // Alternate setting number
	NumEndpoints      uint8 // Number of endpoints (excluding EP0)
	InterfaceClass    uint8 // Class code
	InterfaceSubClass uint8 // Subclass code
	InterfaceProtocol uint8 // Protocol code
	InterfaceIndex    uint8 // Index of string descriptor
}

// MarshalTo serializes the interface descriptor to buf.
func (i *InterfaceDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < InterfaceDescriptorSize {
		return 0
	}
	buf[0] = InterfaceDescriptorSize
	buf[1] = DescriptorTypeInterface
	buf[2] = i.InterfaceNumber
	buf[3] = i.AlternateSetting
	buf[4] = i.NumEndpoints
	buf[5] = i.InterfaceClass
	buf[6] = i.InterfaceSubClass
	buf[7] = i.InterfaceProtocol
	buf[8] = i.InterfaceIndex
	return InterfaceDescriptorSize
}

// EndpointDescriptor represents a USB endpoint descriptor (7 bytes).
type EndpointDescriptor struct {
	EndpointAddress uint8  // Endpoint address (including direction)
	Attributes      uint8  // Transfer type
	MaxPacketSize   uint16 // Maximum packet size
	Interval        uint8  // Polling interval (interrupt)
}

// MarshalTo serializes the endpoint descriptor to buf.
func (e *EndpointDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < EndpointDescriptorSize {
		return 0
	}
	buf[0] = EndpointDescriptorSize
	buf[1] = DescriptorTypeEndpoint
	buf[2] = e.EndpointAddress
	buf[3] = e.Attributes
	binary.LittleEndian.PutUint16(buf[4:6], e.MaxPacketSize)
	buf[6] = e.Interval
	return EndpointDescriptorSize
}

// StringDescriptor is an ASCII string serialized as a string descriptor.
// Each character is widened to two bytes (little-endian UTF-16 for the
// ASCII range).
type StringDescriptor string

// Size returns the encoded descriptor length.
func (s StringDescriptor) Size() int {
	return 2 + 2*len(s)
}

// MarshalTo serializes the string descriptor to buf.
// Returns 0 if buf is too small or the string does not fit one descriptor.
func (s StringDescriptor) MarshalTo(buf []byte) int {
	n := s.Size()
	if n > MaxStringDescriptorSize || len(buf) < n {
		return 0
	}
	buf[0] = uint8(n)
	buf[1] = DescriptorTypeString
	for i := 0; i < len(s); i++ {
		buf[2+2*i] = s[i]
		buf[3+2*i] = 0
	}
	return n
}

// LanguageDescriptor is the string descriptor zero listing language IDs.
type LanguageDescriptor []uint16

// MarshalTo serializes the language ID list to buf.
func (l LanguageDescriptor) MarshalTo(buf []byte) int {
	n := 2 + 2*len(l)
	if len(buf) < n {
		return 0
	}
	buf[0] = uint8(n)
	buf[1] = DescriptorTypeString
	for i, id := range l {
		binary.LittleEndian.PutUint16(buf[2+2*i:], id)
	}
	return n
}

// DescriptorWriter serializes a sequence of descriptors into a fixed buffer.
// The first error sticks; later appends are ignored.
type DescriptorWriter struct {
	buf []byte
	n   int
	err error
}

// NewDescriptorWriter returns a writer appending to buf.
func NewDescriptorWriter(buf []byte) *DescriptorWriter {
	return &DescriptorWriter{buf: buf}
}

// Append appends m to the buffer.
func (w *DescriptorWriter) Append(m Marshaler) *DescriptorWriter {
	if w.err != nil {
		return w
	}
	n := m.MarshalTo(w.buf[w.n:])
	if n == 0 {
		w.err = fmt.Errorf("descriptor at offset %d: %w", w.n, pkg.ErrBufferTooSmall)
		return w
	}
	w.n += n
	return w
}

// Bytes returns the serialized descriptors and the first error, if any.
func (w *DescriptorWriter) Bytes() ([]byte, error) {
	return w.buf[:w.n], w.err
}

// Len returns the number of bytes written so far.
func (w *DescriptorWriter) Len() int {
	return w.n
}

// Descriptors is the immutable enumeration data served by the standard
// request handler.
type Descriptors struct {
	Device        []byte   // 18-byte device descriptor
	Configuration []byte   // Full configuration descriptor set
	Strings       [][]byte // String descriptors by index; index 0 lists languages
}

// Lookup returns the descriptor for a GET_DESCRIPTOR type and index,
// or nil if there is none.
func (d *Descriptors) Lookup(descType, index uint8) []byte {
	switch descType {
	case DescriptorTypeDevice:
		return d.Device
	case DescriptorTypeConfiguration:
		if index != 0 {
			return nil
		}
		return d.Configuration
	case DescriptorTypeString:
		if int(index) < len(d.Strings) {
			return d.Strings[index]
		}
	}
	return nil
}

// Validate checks the framing of every descriptor in the table.
func (d *Descriptors) Validate() error {
	if len(d.Device) != DeviceDescriptorSize || d.Device[0] != DeviceDescriptorSize {
		return fmt.Errorf("device descriptor: %w", pkg.ErrDescriptorTooShort)
	}
	if d.Device[1] != DescriptorTypeDevice {
		return fmt.Errorf("device descriptor: %w", pkg.ErrDescriptorTypeMismatch)
	}
	var cfg ConfigurationDescriptor
	if err := ParseConfigurationDescriptor(d.Configuration, &cfg); err != nil {
		return fmt.Errorf("configuration descriptor: %w", err)
	}
	if int(cfg.TotalLength) != len(d.Configuration) {
		return fmt.Errorf("configuration descriptor: wTotalLength %d, have %d bytes: %w",
			cfg.TotalLength, len(d.Configuration), pkg.ErrInvalidParameter)
	}
	for off := 0; off < len(d.Configuration); {
		n := int(d.Configuration[off])
		if n < 2 || off+n > len(d.Configuration) {
			return fmt.Errorf("configuration descriptor at offset %d: %w", off, pkg.ErrDescriptorTooShort)
		}
		off += n
	}
	for i, s := range d.Strings {
		if len(s) < 2 || int(s[0]) != len(s) {
			return fmt.Errorf("string descriptor %d: %w", i, pkg.ErrDescriptorTooShort)
		}
		if s[1] != DescriptorTypeString {
			return fmt.Errorf("string descriptor %d: %w", i, pkg.ErrDescriptorTypeMismatch)
		}
	}
	return nil
}
