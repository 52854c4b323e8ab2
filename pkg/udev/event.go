package udev

import (
	"fmt"
	"strconv"
	"strings"
)

// Well known uevent property keys.
const (
	propAction      = "ACTION"
	propSubsystem   = "SUBSYSTEM"
	propDevType     = "DEVTYPE"
	propDevName     = "DEVNAME"
	propDevPath     = "DEVPATH"
	propBusNum      = "BUSNUM"
	propDevNum      = "DEVNUM"
	propVendorID    = "ID_USB_VENDOR_ID"
	propModelID     = "ID_USB_MODEL_ID"
	propSerialShort = "ID_SERIAL_SHORT"
)

// Event is one decoded kernel hotplug notification. Events are short-lived:
// the source creates one per uevent seen and the matching logic consumes it
// immediately.
type Event struct {
	Action    string // "add", "remove", "bind", ...
	Subsystem string // "tty", "usb", "block"
	DevType   string // "usb_device", "disk" or empty
	SysPath   string // /sys devpath of the device
	DevNode   string // /dev node, empty if the subsystem has none

	// Properties holds every KEY=VALUE pair of the uevent, including the
	// fields broken out above.
	Properties map[string]string
}

// NewEvent builds an Event from decoded uevent properties.
func NewEvent(properties map[string]string) *Event {
	ev := &Event{
		Action:     properties[propAction],
		Subsystem:  properties[propSubsystem],
		DevType:    properties[propDevType],
		SysPath:    properties[propDevPath],
		Properties: properties,
	}
	if name := properties[propDevName]; name != "" {
		if strings.HasPrefix(name, "/") {
			ev.DevNode = name
		} else {
			ev.DevNode = "/dev/" + name
		}
	}
	return ev
}

// VendorID returns the USB vendor id udev derived for this event, or false
// if the event carries none.
func (e *Event) VendorID() (uint16, bool) {
	return e.hexID(propVendorID)
}

// ProductID returns the USB product id udev derived for this event, or false
// if the event carries none.
func (e *Event) ProductID() (uint16, bool) {
	return e.hexID(propModelID)
}

func (e *Event) hexID(key string) (uint16, bool) {
	text, ok := e.Properties[key]
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(text, 16, 16)
	if err != nil {
		return 0, false
	}
	return uint16(id), true
}

// USBLocation returns the physical location parsed from the event's syspath.
func (e *Event) USBLocation() (string, error) {
	return ParseUSBLocation(e.SysPath)
}

func (e *Event) String() string {
	return fmt.Sprintf("Event(%s %s %s %s)", e.Action, e.Subsystem, e.DevType, e.SysPath)
}

// BootModeEvent is the typed result of a matching "usb_device add" event:
// the device has entered its programming mode and is addressable by
// bus/device number through an external flashing tool.
type BootModeEvent struct {
	BusNum int
	DevNum int
	// Serial is the short serial number the kernel already derived,
	// empty if none was reported.
	Serial string
}

func (e BootModeEvent) String() string {
	return fmt.Sprintf("BootModeEvent(serial=%s, bus_num=%d, dev_num=%d)", e.Serial, e.BusNum, e.DevNum)
}

// DecodeBootMode extracts the boot mode identity from a raw usb_device event.
func DecodeBootMode(ev *Event) (BootModeEvent, error) {
	busNum, err := strconv.Atoi(ev.Properties[propBusNum])
	if err != nil {
		return BootModeEvent{}, fmt.Errorf("udev: %s: missing BUSNUM: %w", ev, err)
	}
	devNum, err := strconv.Atoi(ev.Properties[propDevNum])
	if err != nil {
		return BootModeEvent{}, fmt.Errorf("udev: %s: missing DEVNUM: %w", ev, err)
	}
	return BootModeEvent{
		BusNum: busNum,
		DevNum: devNum,
		Serial: ev.Properties[propSerialShort],
	}, nil
}

// ApplicationModeEvent is the typed result of a matching "tty" event: the
// device rebooted into its firmware and exposes a serial device node.
type ApplicationModeEvent struct {
	TTY string // e.g. /dev/ttyACM1
}

func (e ApplicationModeEvent) String() string {
	return fmt.Sprintf("ApplicationModeEvent(tty=%s)", e.TTY)
}

// DecodeApplicationMode extracts the device node from a tty event.
func DecodeApplicationMode(ev *Event) (ApplicationModeEvent, error) {
	if ev.DevNode == "" {
		return ApplicationModeEvent{}, fmt.Errorf("udev: %s: event has no device node", ev)
	}
	return ApplicationModeEvent{TTY: ev.DevNode}, nil
}
