package tentacle

import (
	"github.com/octoprobe/octoprobe/pkg/power"
	"github.com/rs/zerolog"
)

// Version describes one hardware revision of the tentacle PCB. The four hub
// ports carry different functions per revision, and the GPIO numbers of the
// relays moved between revisions.
type Version struct {
	Name string

	// Hub port (1..4) per power line. 0 means the revision has no such
	// line.
	PortInfra     int
	PortInfraBoot int
	PortDut       int
	PortProbe     int
	PortLedError  int

	// GPIO numbers on the infra MCU, 1-based relay index to GPIO.
	GPIORelays    []int
	GPIOLedActive int
	GPIOLedError  int
}

// Hardware revisions in the field.
var (
	VersionV03 = &Version{
		Name:          "v0.3",
		PortInfra:     1,
		PortInfraBoot: 2,
		PortDut:       3,
		PortLedError:  4,
		GPIORelays:    []int{1, 2, 3, 4, 5, 6, 7},
		GPIOLedActive: 24,
		GPIOLedError:  25,
	}
	VersionV04 = &Version{
		Name:          "v0.4",
		PortProbe:     1,
		PortInfra:     2,
		PortDut:       3,
		PortInfraBoot: 4,
		GPIORelays:    []int{8, 9, 10, 11, 12, 13, 14},
		GPIOLedActive: 24,
		GPIOLedError:  15,
	}
)

// HubPort maps a line name to the revision's hub port, 0 when absent.
func (v *Version) HubPort(name power.LineName) int {
	switch name {
	case power.LineInfra:
		return v.PortInfra
	case power.LineInfraBoot:
		return v.PortInfraBoot
	case power.LineDut:
		return v.PortDut
	case power.LineProbe:
		return v.PortProbe
	case power.LineLedError:
		return v.PortLedError
	}
	return 0
}

// Switchboard builds the power switchboard of one tentacle at hubLocation.
// sysfsRoot overrides /sys/bus/usb/devices for tests, empty uses the real
// tree.
func (v *Version) Switchboard(hubLocation Location, sysfsRoot string, log zerolog.Logger) *power.Switchboard {
	board := power.NewSwitchboard(log)
	add := func(name power.LineName, port int) {
		if port == 0 {
			return
		}
		board.Add(name, power.HubPortBackend{
			Root:        sysfsRoot,
			HubLocation: hubLocation.Short(),
			Port:        port,
		})
	}
	// Declaration order is the batch-set order.
	add(power.LineInfra, v.PortInfra)
	add(power.LineInfraBoot, v.PortInfraBoot)
	add(power.LineDut, v.PortDut)
	add(power.LineProbe, v.PortProbe)
	add(power.LineLedError, v.PortLedError)
	return board
}
