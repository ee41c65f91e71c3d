package cdc

import (
	"fmt"

	"github.com/ardnew/vcom/device"
	"github.com/ardnew/vcom/device/hal"
	"github.com/ardnew/vcom/pkg"
)

// Interface numbers of the virtual COM function.
const (
	InterfaceComm = 0 // Communications interface
	InterfaceData = 1 // Data interface
)

// ConfigurationValue is the value selecting the only configuration.
const ConfigurationValue = 1

// Configuration attributes: bus powered with the self-powered bit set,
// drawing 100 mA.
const (
	ConfigurationAttributes = device.ConfigAttrBusPowered | device.ConfigAttrSelfPowered
	ConfigurationMaxPower   = 0x32
)

// ConfigurationTotalSize is the wTotalLength of the configuration set.
const ConfigurationTotalSize = device.ConfigurationDescriptorSize +
	device.InterfaceDescriptorSize + HeaderDescriptorSize +
	CallManagementDescriptorSize + ACMDescriptorSize + UnionDescriptorSize +
	device.EndpointDescriptorSize +
	device.InterfaceDescriptorSize + 2*device.EndpointDescriptorSize

// String descriptor indexes.
const (
	StringIndexLanguage     = 0
	StringIndexManufacturer = 1
	StringIndexProduct      = 2
	StringIndexSerial       = 3
	numStrings              = 4
)

// endpoint descriptor attribute values
const (
	attrBulk      = uint8(hal.TransferBulk)
	attrInterrupt = uint8(hal.TransferInterrupt)
)

// descriptorTable owns the storage behind a device.Descriptors.
type descriptorTable struct {
	device  [device.DeviceDescriptorSize]byte
	config  [ConfigurationTotalSize]byte
	strings [numStrings][device.MaxStringDescriptorSize]byte
	table   device.Descriptors
	refs    [numStrings][]byte
}

// BuildDescriptors serializes the descriptor table for cfg, taking
// endpoint addresses and packet sizes from layout.
func BuildDescriptors(cfg *Config, layout *device.EndpointLayout) (*device.Descriptors, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := new(descriptorTable)

	dev := device.DeviceDescriptor{
		USBVersion:        0x0110,
		DeviceClass:       device.ClassCDC,
		MaxPacketSize0:    uint8(layout.Endpoints[hal.EP0].MaxPacketSize),
		VendorID:          cfg.VendorID,
		ProductID:         cfg.ProductID,
		DeviceVersion:     cfg.DeviceVersion,
		ManufacturerIndex: StringIndexManufacturer,
		ProductIndex:      StringIndexProduct,
		SerialNumberIndex: StringIndexSerial,
		NumConfigurations: 1,
	}
	dev.MarshalTo(t.device[:])

	irq := layout.Endpoint(hal.EP4)
	bulkIn := layout.Endpoint(hal.EP2)
	bulkOut := layout.Endpoint(hal.EP3)

	config, err := device.NewDescriptorWriter(t.config[:]).
		Append(&device.ConfigurationDescriptor{
			TotalLength:        ConfigurationTotalSize,
			NumInterfaces:      2,
			ConfigurationValue: ConfigurationValue,
			Attributes:         ConfigurationAttributes,
			MaxPower:           ConfigurationMaxPower,
		}).
		Append(&device.InterfaceDescriptor{
			InterfaceNumber:   InterfaceComm,
			NumEndpoints:      1,
			InterfaceClass:    device.ClassCDC,
			InterfaceSubClass: SubclassACM,
			InterfaceProtocol: ProtocolAT,
		}).
		Append(&HeaderDescriptor{CDCVersion: CDCVersion}).
		Append(&CallManagementDescriptor{DataInterface: InterfaceData}).
		Append(&ACMDescriptor{}).
		Append(&UnionDescriptor{ControlInterface: InterfaceComm, SubordinateInterface: InterfaceData}).
		Append(&device.EndpointDescriptor{
			EndpointAddress: irq.Address(),
			Attributes:      attrInterrupt,
			MaxPacketSize:   irq.MaxPacketSize,
			Interval:        1,
		}).
		Append(&device.InterfaceDescriptor{
			InterfaceNumber: InterfaceData,
			NumEndpoints:    2,
			InterfaceClass:  device.ClassCDCData,
		}).
		Append(&device.EndpointDescriptor{
			EndpointAddress: bulkIn.Address(),
			Attributes:      attrBulk,
			MaxPacketSize:   bulkIn.MaxPacketSize,
		}).
		Append(&device.EndpointDescriptor{
			EndpointAddress: bulkOut.Address(),
			Attributes:      attrBulk,
			MaxPacketSize:   bulkOut.MaxPacketSize,
		}).
		Bytes()
	if err != nil {
		return nil, fmt.Errorf("configuration descriptor: %w", err)
	}
	if len(config) != ConfigurationTotalSize {
		return nil, fmt.Errorf("configuration descriptor: %d bytes: %w", len(config), pkg.ErrInvalidParameter)
	}

	for i, m := range [numStrings]device.Marshaler{
		device.LanguageDescriptor{device.LangIDUSEnglish},
		device.StringDescriptor(cfg.Manufacturer),
		device.StringDescriptor(cfg.Product),
		device.StringDescriptor(cfg.Serial),
	} {
		n := m.MarshalTo(t.strings[i][:])
		if n == 0 {
			return nil, fmt.Errorf("string descriptor %d: %w", i, pkg.ErrBufferTooSmall)
		}
		t.refs[i] = t.strings[i][:n]
	}

	t.table = device.Descriptors{
		Device:        t.device[:],
		Configuration: config,
		Strings:       t.refs[:],
	}
	if err := t.table.Validate(); err != nil {
		return nil, err
	}
	return &t.table, nil
}
