package flash

import (
	"fmt"
	"time"

	"github.com/octoprobe/octoprobe/pkg/firmware"
	"github.com/octoprobe/octoprobe/pkg/mcu"
	"github.com/octoprobe/octoprobe/pkg/udev"
)

// versionTimeout bounds the version query over the raw REPL.
const versionTimeout = 2 * time.Second

// versionCode prints the full installed-version text, e.g.
// "3.4.0; MicroPython v1.24.0 on 2024-10-25,Raspberry Pi Pico with RP2040".
// Older ports lack sys.implementation._build.
const versionCode = `import sys
l = []
try:
    l.append(sys.implementation._build)
except AttributeError:
    pass
l.append(sys.version)
l.append(sys.implementation[2])
print(','.join(l))`

// VersionMismatchError reports that the firmware running on the board does
// not identify as the expected build.
type VersionMismatchError struct {
	Label     string
	Expected  string
	Installed string
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("%s: version mismatch: installed %q, expected %q", e.Label, e.Installed, e.Expected)
}

// Session is the slice of the remote execution channel needed to query the
// running firmware. *repl.Session satisfies it.
type Session interface {
	ExecString(code string, timeout time.Duration) (string, error)
	Close() string
}

// SessionOpener opens a remote execution session on a device node.
type SessionOpener func(tty string) (Session, error)

// InstalledVersion reads the full version text of the running firmware.
func InstalledVersion(sess Session) (string, error) {
	return sess.ExecString(versionCode, versionTimeout)
}

// VersionInstalled reports whether the running firmware already satisfies
// the spec. A spec without a version forces flashing.
func VersionInstalled(sess Session, spec *firmware.Spec) (bool, error) {
	if spec.RequiresFlashing() {
		return false, nil
	}
	installed, err := InstalledVersion(sess)
	if err != nil {
		return false, err
	}
	return installed == spec.Version, nil
}

// Flasher writes firmware to one target and confirms the result.
type Flasher struct {
	Target     *Target
	Programmer Programmer

	// Open, when set, is used after the reboot to read back the installed
	// version. Nil skips the confirmation.
	Open SessionOpener
}

// Flash brings the target into programming mode, runs the external tool,
// waits for the board to reboot into the new firmware and, when possible,
// confirms the installed version matches the spec. It returns the tty of
// the rebooted board.
func (f *Flasher) Flash(spec *firmware.Spec, logDir string) (udev.ApplicationModeEvent, error) {
	t := f.Target
	path, err := spec.Filename()
	if err != nil {
		return udev.ApplicationModeEvent{}, err
	}

	t.Log.Info().
		Str("programmer", f.Programmer.Tag()).
		Str("firmware", path).
		Msg("flashing")
	if err := f.Programmer.Flash(t, path, logDir); err != nil {
		return udev.ApplicationModeEvent{}, err
	}

	fp := mcu.ApplicationModeFingerprint(t.USBID.Application, t.USBLocation)
	fp.Actions = []string{udev.ActionAdd}
	ev, err := t.Poller.Expect(fp, t.Label, "application mode after flashing", applicationDeadline)
	if err != nil {
		return udev.ApplicationModeEvent{}, err
	}
	app, err := udev.DecodeApplicationMode(ev)
	if err != nil {
		return udev.ApplicationModeEvent{}, err
	}

	if f.Open != nil && !spec.RequiresFlashing() {
		if err := f.confirmVersion(app.TTY, spec); err != nil {
			return udev.ApplicationModeEvent{}, err
		}
	}
	return app, nil
}

func (f *Flasher) confirmVersion(tty string, spec *firmware.Spec) error {
	sess, err := f.Open(tty)
	if err != nil {
		return err
	}
	defer sess.Close()

	installed, err := InstalledVersion(sess)
	if err != nil {
		return err
	}
	if installed != spec.Version {
		return &VersionMismatchError{
			Label:     f.Target.Label,
			Expected:  spec.Version,
			Installed: installed,
		}
	}
	f.Target.Log.Info().Str("version", installed).Msg("firmware confirmed")
	return nil
}
