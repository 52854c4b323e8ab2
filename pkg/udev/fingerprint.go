package udev

import (
	"fmt"
	"slices"
)

// Common uevent actions.
const (
	ActionAdd    = "add"
	ActionRemove = "remove"
	ActionBind   = "bind"
)

// Fingerprint describes what a kernel hotplug event must look like to count
// as "the device we are waiting for". A fingerprint is a stateless value,
// constructed fresh per wait operation and never mutated.
//
// VendorID/ProductID of zero mean "don't care"; zero is not a valid USB
// vendor id so nothing is lost.
type Fingerprint struct {
	// Label names the fingerprint in diagnostics, e.g. "RP2 boot mode".
	Label string

	// USBLocation pins the wait to one physical connector, in canonical
	// "bus-port.port" form.
	USBLocation string

	Subsystem string // "tty", "usb", "block"
	DevType   string // "usb_device", "disk" or empty for "don't care... if tty"
	VendorID  uint16
	ProductID uint16
	Actions   []string
}

// Matches reports whether the event agrees with the fingerprint on action,
// subsystem, device type, physical location and, when specified, on
// vendor/product id.
func (f Fingerprint) Matches(ev *Event) bool {
	if !slices.Contains(f.Actions, ev.Action) {
		return false
	}
	if ev.Subsystem != f.Subsystem {
		return false
	}
	if ev.DevType != f.DevType {
		return false
	}
	location, err := ev.USBLocation()
	if err != nil {
		return false
	}
	wanted, err := ParseUSBLocation(f.USBLocation)
	if err != nil {
		return false
	}
	if location != wanted {
		return false
	}
	if f.VendorID != 0 {
		vendor, ok := ev.VendorID()
		if !ok || vendor != f.VendorID {
			return false
		}
	}
	if f.ProductID != 0 {
		product, ok := ev.ProductID()
		if !ok || product != f.ProductID {
			return false
		}
	}
	return true
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("Fingerprint(%s %s/%s %04x:%04x at %s)",
		f.Label, f.Subsystem, f.DevType, f.VendorID, f.ProductID, f.USBLocation)
}
