// Package flash brings a board into its firmware programming mode, writes a
// firmware image with the family's external tool and confirms the board
// rebooted into the new firmware.
package flash

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/octoprobe/octoprobe/pkg/mcu"
	"github.com/octoprobe/octoprobe/pkg/power"
	"github.com/octoprobe/octoprobe/pkg/subproc"
	"github.com/octoprobe/octoprobe/pkg/udev"
)

const (
	// Settle window between forcing the pre-boot state and powering on.
	// Real hardware needs a debounce gap between the two edges.
	settleDelay = 100 * time.Millisecond

	// Deadline for the bootloader to enumerate after power on. Slow hubs
	// need well over a second.
	bootDeadline = 2 * time.Second

	// Deadline for the freshly flashed firmware to enumerate its tty.
	applicationDeadline = 10 * time.Second
)

// Target is one flashable board as seen from the bench: its physical USB
// location, USB identities, the power lines that reach it and the plumbing
// to observe and program it.
type Target struct {
	// Label names the board in logs and errors, e.g. "tentacle 2731-3a01".
	Label string

	// USBLocation is the canonical "bus-port.port" location of the board.
	USBLocation string

	USBID mcu.BootApplicationUSBID

	// ProgrammerArgs are extra arguments for the external tool, declared
	// per board, e.g. the flash offset for esptool.
	ProgrammerArgs []string

	// PowerLine switches the board's USB power.
	PowerLine power.LineName
	// BootLine is the virtual boot button, true = released.
	BootLine power.LineName

	Power  *power.Switchboard
	Poller *udev.Poller
	Runner subproc.Runner
	Mounts udev.MountTable
	Log    zerolog.Logger
}

// EnterBootMode powers the board off with the boot button held, powers it
// back on and waits for the bootloader to enumerate. The boot line is
// released again on every exit path.
func EnterBootMode(t *Target) (udev.BootModeEvent, error) {
	ev, err := enterBootMode(t, mcu.BootModeFingerprint(t.USBID.Boot, t.USBLocation))
	if err != nil {
		return udev.BootModeEvent{}, err
	}
	return udev.DecodeBootMode(ev)
}

func enterBootMode(t *Target, fp udev.Fingerprint) (*udev.Event, error) {
	err := t.Power.SetMany(map[power.LineName]bool{
		t.BootLine:  false,
		t.PowerLine: false,
	})
	if err != nil {
		return nil, fmt.Errorf("flash: %s: %w", t.Label, err)
	}
	time.Sleep(settleDelay)

	ev, err := func() (*udev.Event, error) {
		t.Poller.Flush()
		if _, err := t.Power.Set(t.PowerLine, true); err != nil {
			return nil, fmt.Errorf("flash: %s: %w", t.Label, err)
		}
		return t.Poller.Expect(fp, t.Label, fp.Label, bootDeadline)
	}()

	if _, relErr := t.Power.Set(t.BootLine, true); relErr != nil && err == nil {
		err = fmt.Errorf("flash: %s: release boot line: %w", t.Label, relErr)
	}
	return ev, err
}
