// Package mcu catalogs the microcontroller families a test bench can carry:
// their USB identities in boot and application mode, and the hotplug
// fingerprints used to wait for each mode to appear.
package mcu

import (
	"fmt"

	"github.com/octoprobe/octoprobe/pkg/udev"
)

// USBID is one vendor/product pair as enumerated on the bus.
type USBID struct {
	Vendor  uint16
	Product uint16
}

func (id USBID) String() string {
	return fmt.Sprintf("%04x:%04x", id.Vendor, id.Product)
}

// IsZero reports whether the id is unset. Some families never enumerate a
// distinct boot mode identity, their boot id stays zero.
func (id USBID) IsZero() bool {
	return id.Vendor == 0 && id.Product == 0
}

// BootApplicationUSBID pairs the identity a board presents while in its
// bootloader with the identity of the running firmware.
type BootApplicationUSBID struct {
	Boot        USBID
	Application USBID
}

// USB identities of the supported boards. Boot and application ids come from
// the respective bootloaders (UF2, DFU, Teensy HalfKay, Arduino, usb-serial
// bridges on ESP boards).
var (
	RPiPico = BootApplicationUSBID{
		Boot:        USBID{0x2E8A, 0x0003},
		Application: USBID{0x2E8A, 0x0005},
	}
	RPiPico2 = BootApplicationUSBID{
		Boot:        USBID{0x2E8A, 0x000F},
		Application: USBID{0x2E8A, 0x0005},
	}
	Pyboard = BootApplicationUSBID{
		Boot:        USBID{0x0483, 0xDF11},
		Application: USBID{0xF055, 0x9800},
	}
	ItsyBitsyM0 = BootApplicationUSBID{
		Boot:        USBID{0x239A, 0x000F},
		Application: USBID{0xF055, 0x9802},
	}
	Nano33BLE = BootApplicationUSBID{
		Boot:        USBID{0x2341, 0x005A},
		Application: USBID{0x2341, 0x025A},
	}
	Teensy40 = BootApplicationUSBID{
		Boot:        USBID{0x16C0, 0x0478},
		Application: USBID{0xF055, 0x9802},
	}
	// ESP32 boards enumerate through an on-board usb-serial bridge, so
	// boot and application mode share the same identity.
	ESP32 = BootApplicationUSBID{
		Boot:        USBID{0x10C4, 0xEA60},
		Application: USBID{0x10C4, 0xEA60},
	}
	ESP32S3 = BootApplicationUSBID{
		Boot:        USBID{0x303A, 0x1001},
		Application: USBID{0x303A, 0x4001},
	}
	LolinC3Mini = BootApplicationUSBID{
		Boot:        USBID{0x303A, 0x1001},
		Application: USBID{0x303A, 0x1001},
	}
	// ESP8266 boards carry a CH340 bridge and no distinct boot identity.
	LolinD1Mini = BootApplicationUSBID{
		Application: USBID{0x1A86, 0x7523},
	}
)

// USBIDForBoard maps a board name, as it appears in a tentacle's
// "board=xyz" tag, to its USB identities.
func USBIDForBoard(board string) (BootApplicationUSBID, error) {
	id, ok := boardUSBIDs[board]
	if !ok {
		return BootApplicationUSBID{}, fmt.Errorf("mcu: unknown board %q", board)
	}
	return id, nil
}

var boardUSBIDs = map[string]BootApplicationUSBID{
	"RPI_PICO":                    RPiPico,
	"RPI_PICO_W":                  RPiPico,
	"RPI_PICO2":                   RPiPico2,
	"RPI_PICO2_W":                 RPiPico2,
	"PYBV11":                      Pyboard,
	"ITSYBITSY_M0_EXPRESS":        ItsyBitsyM0,
	"ARDUINO_NANO_33_BLE_SENSE":   Nano33BLE,
	"TEENSY40":                    Teensy40,
	"ESP32_GENERIC":               ESP32,
	"ESP32_GENERIC_S3":            ESP32S3,
	"LOLIN_C3_MINI":               LolinC3Mini,
	"LOLIN_D1_MINI":               LolinD1Mini,
}

// BootModeFingerprint waits for the board's bootloader to enumerate as a
// usb_device at the given physical location.
func BootModeFingerprint(id USBID, usbLocation string) udev.Fingerprint {
	return udev.Fingerprint{
		Label:       "boot mode",
		USBLocation: usbLocation,
		Subsystem:   "usb",
		DevType:     "usb_device",
		VendorID:    id.Vendor,
		ProductID:   id.Product,
		Actions:     []string{udev.ActionAdd},
	}
}

// ApplicationModeFingerprint waits for the running firmware's serial port.
// Both add and remove are accepted so the same fingerprint doubles as a
// fail filter while the port is expected to stay away.
func ApplicationModeFingerprint(id USBID, usbLocation string) udev.Fingerprint {
	return udev.Fingerprint{
		Label:       "application mode",
		USBLocation: usbLocation,
		Subsystem:   "tty",
		VendorID:    id.Vendor,
		ProductID:   id.Product,
		Actions:     []string{udev.ActionAdd, udev.ActionRemove},
	}
}

// MassStorageFingerprint waits for a UF2 bootloader's virtual drive. The
// matching event carries the block device that will shortly be mounted.
func MassStorageFingerprint(id USBID, usbLocation string) udev.Fingerprint {
	return udev.Fingerprint{
		Label:       "mass storage boot mode",
		USBLocation: usbLocation,
		Subsystem:   "block",
		DevType:     "disk",
		VendorID:    id.Vendor,
		ProductID:   id.Product,
		Actions:     []string{udev.ActionAdd},
	}
}

// BindFingerprint waits for a driver bind at the location. The Teensy HalfKay
// bootloader reports no usable vendor properties on its add event, the
// follow-up bind is the reliable signal.
func BindFingerprint(usbLocation string) udev.Fingerprint {
	return udev.Fingerprint{
		Label:       "boot mode (driver bind)",
		USBLocation: usbLocation,
		Subsystem:   "usb",
		DevType:     "usb_device",
		Actions:     []string{udev.ActionBind},
	}
}
