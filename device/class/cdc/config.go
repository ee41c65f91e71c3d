package cdc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ardnew/vcom/device"
	"github.com/ardnew/vcom/pkg"
)

// Default identity of the virtual COM function.
const (
	DefaultVendorID      = 0x0416
	DefaultProductID     = 0xB002
	DefaultDeviceVersion = 0x0300
	DefaultManufacturer  = "Nuvoton"
	DefaultProduct       = "USB Virtual COM"
	DefaultSerial        = "A02014090305"
)

// MaxStringLength is the longest string a string descriptor can carry.
const MaxStringLength = (device.MaxStringDescriptorSize - 2) / 2

// Config holds the identity and behavior of an ACM function.
type Config struct {
	VendorID      uint16 `yaml:"vendor_id"`
	ProductID     uint16 `yaml:"product_id"`
	DeviceVersion uint16 `yaml:"device_version"`

	Manufacturer string `yaml:"manufacturer"`
	Product      string `yaml:"product"`
	Serial       string `yaml:"serial"`

	// InterfaceIndex is the wIndex line coding requests must carry for the
	// line coding record to be read or written. It must name the
	// Communications interface, InterfaceComm.
	InterfaceIndex uint16 `yaml:"interface_index"`

	// StrictInterfaceIndex stalls line coding requests carrying any other
	// wIndex. Otherwise they complete without touching the record.
	StrictInterfaceIndex bool `yaml:"strict_interface_index"`

	// SendTimeout bounds how long Send and Read wait. Zero waits until the
	// context is done or the cable is detached.
	SendTimeout time.Duration `yaml:"send_timeout"`
}

// DefaultConfig returns the stock virtual COM identity.
func DefaultConfig() Config {
	return Config{
		VendorID:      DefaultVendorID,
		ProductID:     DefaultProductID,
		DeviceVersion: DefaultDeviceVersion,
		Manufacturer:  DefaultManufacturer,
		Product:       DefaultProduct,
		Serial:        DefaultSerial,
	}
}

// ParseConfig decodes a YAML document over DefaultConfig and validates it.
// Unknown keys are rejected.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and parses the YAML file at path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// Validate checks that every field can be encoded in the descriptor table.
func (c *Config) Validate() error {
	for _, f := range []struct {
		name, value string
	}{
		{"manufacturer", c.Manufacturer},
		{"product", c.Product},
		{"serial", c.Serial},
	} {
		if err := validateString(f.value); err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
	}
	if c.InterfaceIndex != InterfaceComm {
		return fmt.Errorf("interface_index %d, Communications interface is %d: %w",
			c.InterfaceIndex, InterfaceComm, pkg.ErrInvalidParameter)
	}
	if c.SendTimeout < 0 {
		return fmt.Errorf("send_timeout %v: %w", c.SendTimeout, pkg.ErrInvalidParameter)
	}
	return nil
}

func validateString(s string) error {
	if s == "" {
		return fmt.Errorf("empty string: %w", pkg.ErrInvalidParameter)
	}
	if len(s) > MaxStringLength {
		return fmt.Errorf("%d characters, at most %d: %w", len(s), MaxStringLength, pkg.ErrInvalidParameter)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7E {
			return fmt.Errorf("non-printable byte 0x%02X at %d: %w", s[i], i, pkg.ErrInvalidParameter)
		}
	}
	return nil
}
