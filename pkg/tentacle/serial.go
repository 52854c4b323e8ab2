// Package tentacle models the bench fixtures: discovery of the tentacle
// boards on the USB tree, their power switchboards, the infra MCU session
// and the selection of fixtures by serial number.
package tentacle

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	serialShortLen  = 4
	serialDelimiter = "-"
)

var (
	reSerial          = regexp.MustCompile(`^[0-9a-f]{16}$`)
	reSerialDelimited = regexp.MustCompile(`^[0-9a-f]{12}-[0-9a-f]{4}$`)
)

// IsSerialValid reports whether serial is a full tentacle serial: 16
// lowercase hex digits as read from the infra MCU's USB descriptor.
func IsSerialValid(serial string) bool {
	return reSerial.MatchString(serial)
}

// AssertSerialValid fails with the offending value and the expected form.
func AssertSerialValid(serial string) error {
	if !IsSerialValid(serial) {
		return fmt.Errorf("tentacle: serial %q is not valid, expected %s", serial, reSerial.String())
	}
	return nil
}

// SerialDelimited formats a full serial for humans, e.g.
// "e46340474b4c-3f31". The part after the delimiter is the short serial
// printed on the tentacle's label.
func SerialDelimited(serial string) string {
	if len(serial) <= serialShortLen {
		return serial
	}
	return serial[:len(serial)-serialShortLen] + serialDelimiter + serial[len(serial)-serialShortLen:]
}

// IsSerialDelimitedValid reports whether text is a delimited serial.
func IsSerialDelimitedValid(text string) bool {
	return reSerialDelimited.MatchString(text)
}

// SerialShort returns the last digits of a serial, the part printed on the
// tentacle's label.
func SerialShort(serial string) string {
	if len(serial) <= serialShortLen {
		return serial
	}
	return serial[len(serial)-serialShortLen:]
}

// SerialMatches reports whether the needle selects the serial. A needle
// matches at the exact start or the exact end, which lets operators type a
// short serial or a unique prefix on the command line.
func SerialMatches(serial, needle string) bool {
	if needle == "" || serial == "" {
		return false
	}
	return strings.HasPrefix(serial, needle) || strings.HasSuffix(serial, needle)
}
