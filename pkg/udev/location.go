package udev

import (
	"fmt"
	"regexp"
)

// reUSBLocation captures the last "bus-port(.port)*" segment of a sysfs
// devpath, before any ":1.0" interface suffix.
//
//	/sys/devices/pci0000:00/0000:00:14.0/usb3/3-5/3-5.2/3-5.2.3/3-5.2.3:1.0/tty/ttyACM0 -> 3-5.2.3
//	/sys/devices/pci0000:00/0000:00:14.0/usb3/3-1                                       -> 3-1
var reUSBLocation = regexp.MustCompile(`.*/(\d+-\d+(\.\d+)*)`)

// reUSBLocationBare matches an already normalized location string, which has
// no leading path at all.
var reUSBLocationBare = regexp.MustCompile(`^\d+-\d+(\.\d+)*$`)

// ParseUSBLocation derives the canonical physical USB location from a sysfs
// devpath. The location identifies the physical connector independently of
// which logical device is plugged into it, which makes it the primary
// disambiguator when several device classes share vendor/product ids.
//
// Normalization is idempotent: an already canonical location is returned
// unchanged.
func ParseUSBLocation(sysPath string) (string, error) {
	if reUSBLocationBare.MatchString(sysPath) {
		return sysPath, nil
	}
	match := reUSBLocation.FindStringSubmatch(sysPath)
	if match == nil {
		return "", fmt.Errorf("udev: no usb location in %q", sysPath)
	}
	return match[1], nil
}
