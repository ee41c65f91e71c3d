package cdc

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ardnew/vcom/device"
)

func TestBuildDescriptors_Default(t *testing.T) {
	cfg := DefaultConfig()
	layout := device.DefaultLayout()
	d, err := BuildDescriptors(&cfg, &layout)
	if err != nil {
		t.Fatalf("BuildDescriptors() error = %v", err)
	}

	wantDevice := []byte{
		0x12, 0x01, 0x10, 0x01, 0x02, 0x00, 0x00, 0x40,
		0x16, 0x04, 0x02, 0xB0, 0x00, 0x03, 0x01, 0x02,
		0x03, 0x01,
	}
	if diff := cmp.Diff(wantDevice, d.Device); diff != "" {
		t.Errorf("device descriptor mismatch (-want +got):\n%s", diff)
	}

	wantConfig := []byte{
		0x09, 0x02, 0x43, 0x00, 0x02, 0x01, 0x00, 0xC0, 0x32,
		// Communications interface
		0x09, 0x04, 0x00, 0x00, 0x01, 0x02, 0x02, 0x01, 0x00,
		0x05, 0x24, 0x00, 0x10, 0x01,
		0x05, 0x24, 0x01, 0x00, 0x01,
		0x04, 0x24, 0x02, 0x00,
		0x05, 0x24, 0x06, 0x00, 0x01,
		0x07, 0x05, 0x83, 0x03, 0x08, 0x00, 0x01,
		// Data interface
		0x09, 0x04, 0x01, 0x00, 0x02, 0x0A, 0x00, 0x00, 0x00,
		0x07, 0x05, 0x81, 0x02, 0x40, 0x00, 0x00,
		0x07, 0x05, 0x02, 0x02, 0x40, 0x00, 0x00,
	}
	if diff := cmp.Diff(wantConfig, d.Configuration); diff != "" {
		t.Errorf("configuration descriptor mismatch (-want +got):\n%s", diff)
	}

	wantStrings := [][]byte{
		{0x04, 0x03, 0x09, 0x04},
		{0x10, 0x03, 'N', 0, 'u', 0, 'v', 0, 'o', 0, 't', 0, 'o', 0, 'n', 0},
		{
			0x20, 0x03, 'U', 0, 'S', 0, 'B', 0, ' ', 0, 'V', 0, 'i', 0, 'r', 0, 't', 0,
			'u', 0, 'a', 0, 'l', 0, ' ', 0, 'C', 0, 'O', 0, 'M', 0,
		},
		{
			0x1A, 0x03, 'A', 0, '0', 0, '2', 0, '0', 0, '1', 0, '4', 0, '0', 0, '9', 0,
			'0', 0, '3', 0, '0', 0, '5', 0,
		},
	}
	if diff := cmp.Diff(wantStrings, d.Strings); diff != "" {
		t.Errorf("string descriptors mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildDescriptors_Identity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VendorID = 0x1209
	cfg.ProductID = 0x0001
	cfg.DeviceVersion = 0x0102
	cfg.Serial = "X1"
	layout := device.DefaultLayout()

	d, err := BuildDescriptors(&cfg, &layout)
	if err != nil {
		t.Fatalf("BuildDescriptors() error = %v", err)
	}
	var dev device.DeviceDescriptor
	if err := device.ParseDeviceDescriptor(d.Device, &dev); err != nil {
		t.Fatalf("ParseDeviceDescriptor() error = %v", err)
	}
	if dev.VendorID != 0x1209 || dev.ProductID != 0x0001 || dev.DeviceVersion != 0x0102 {
		t.Errorf("identity = %04X:%04X v%04X, want 1209:0001 v0102", dev.VendorID, dev.ProductID, dev.DeviceVersion)
	}
	want := []byte{0x06, 0x03, 'X', 0, '1', 0}
	if diff := cmp.Diff(want, d.Lookup(device.DescriptorTypeString, StringIndexSerial)); diff != "" {
		t.Errorf("serial descriptor mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildDescriptors_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Product = ""
	layout := device.DefaultLayout()
	if _, err := BuildDescriptors(&cfg, &layout); err == nil {
		t.Error("BuildDescriptors() error = nil, want error for empty product")
	}
}
