package tentacle

import (
	"fmt"
	"strconv"
	"strings"
)

// Location is a physical USB position: the bus number and the chain of hub
// ports leading to the device.
type Location struct {
	Bus  int
	Path []int
}

// ParseLocation parses "3-1.4" or "3-1.4.1:1.0" (interface suffixes are
// dropped) into a Location.
func ParseLocation(text string) (Location, error) {
	text, _, _ = strings.Cut(text, ":")
	busText, pathText, ok := strings.Cut(text, "-")
	if !ok {
		return Location{}, fmt.Errorf("tentacle: malformed usb location %q", text)
	}
	bus, err := strconv.Atoi(busText)
	if err != nil {
		return Location{}, fmt.Errorf("tentacle: malformed usb location %q: %w", text, err)
	}
	var path []int
	for _, p := range strings.Split(pathText, ".") {
		port, err := strconv.Atoi(p)
		if err != nil {
			return Location{}, fmt.Errorf("tentacle: malformed usb location %q: %w", text, err)
		}
		path = append(path, port)
	}
	return Location{Bus: bus, Path: path}, nil
}

// Short renders the canonical "bus-port.port" form, e.g. "3-1.4".
func (l Location) Short() string {
	parts := make([]string, len(l.Path))
	for i, p := range l.Path {
		parts[i] = strconv.Itoa(p)
	}
	return fmt.Sprintf("%d-%s", l.Bus, strings.Join(parts, "."))
}

// Port returns the location of the device plugged into the given port of
// this hub.
func (l Location) Port(port int) Location {
	path := make([]int, 0, len(l.Path)+1)
	path = append(path, l.Path...)
	path = append(path, port)
	return Location{Bus: l.Bus, Path: path}
}

// IsParentOf reports whether other hangs directly off one of this hub's
// ports, and returns that port number.
func (l Location) IsParentOf(other Location) (int, bool) {
	if other.Bus != l.Bus || len(other.Path) != len(l.Path)+1 {
		return 0, false
	}
	for i, p := range l.Path {
		if other.Path[i] != p {
			return 0, false
		}
	}
	return other.Path[len(other.Path)-1], true
}

func (l Location) String() string {
	return l.Short()
}
