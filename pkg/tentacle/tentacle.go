package tentacle

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/octoprobe/octoprobe/pkg/firmware"
	"github.com/octoprobe/octoprobe/pkg/flash"
	"github.com/octoprobe/octoprobe/pkg/mcu"
	"github.com/octoprobe/octoprobe/pkg/power"
	"github.com/octoprobe/octoprobe/pkg/repl"
	"github.com/octoprobe/octoprobe/pkg/subproc"
	"github.com/octoprobe/octoprobe/pkg/udev"
)

// infraExecTimeout bounds one GPIO snippet on the infra MCU.
const infraExecTimeout = 2 * time.Second

// infraHelper is loaded into the infra MCU once per raw REPL session. All
// relay and LED control calls these functions, so the per-toggle snippets
// stay one line. A session reopened after a power change reloads it.
const infraHelper = `from machine import Pin

def pin_set(gpio, value):
    Pin(gpio, Pin.OUT).value(value)

def pin_get(gpio):
    print(Pin(gpio).value())
`

// Tentacle is one fixture of the bench: a hub, the infra MCU behind it and
// the DUT position. A tentacle is identified by the infra MCU's serial
// number; a tentacle whose infra has not presented a serial yet is
// unresolved but still controllable through its hub.
type Tentacle struct {
	HubLocation Location
	Version     *Version

	// Serial of the infra MCU, empty while unresolved (infra unpowered or
	// in boot mode).
	Serial string

	// Spec is bound from the testbed config once the serial is known.
	Spec *Spec

	Power *power.Switchboard
	Infra *Infra
	Log   zerolog.Logger
}

// Resolved reports whether the infra MCU has presented its serial.
func (t *Tentacle) Resolved() bool {
	return t.Serial != ""
}

// SerialShort returns the label digits, or the hub location when
// unresolved.
func (t *Tentacle) SerialShort() string {
	if !t.Resolved() {
		return t.HubLocation.Short()
	}
	return SerialShort(t.Serial)
}

// Label names the fixture in logs and errors, e.g.
// "tentacle 3-1.4: v0.4 e46340474b4c-3f31 /dev/ttyACM2".
func (t *Tentacle) Label() string {
	if !t.Resolved() {
		return fmt.Sprintf("tentacle %s: %s unresolved", t.HubLocation.Short(), t.Version.Name)
	}
	label := fmt.Sprintf("tentacle %s: %s %s", t.HubLocation.Short(), t.Version.Name, SerialDelimited(t.Serial))
	if t.Infra != nil && t.Infra.TTY != "" {
		label += " " + t.Infra.TTY
	}
	return label
}

// DutLocation is the physical location of the DUT position.
func (t *Tentacle) DutLocation() Location {
	return t.HubLocation.Port(t.Version.PortDut)
}

// InfraLocation is the physical location of the infra MCU.
func (t *Tentacle) InfraLocation() Location {
	return t.HubLocation.Port(t.Version.PortInfra)
}

// SetupInfra makes sure the infra MCU runs the wanted MicroPython build.
// The installed version is read over the raw REPL; on a mismatch, or when
// the REPL cannot be reached, the infra RP2 is flashed with picotool and
// the session is rebound to the tty the rebooted MCU enumerates on.
func (t *Tentacle) SetupInfra(poller *udev.Poller, runner subproc.Runner, spec *firmware.Spec, logDir string) error {
	installed, err := t.infraVersionInstalled(spec)
	if err != nil {
		t.Log.Info().Err(err).Msg("infra version unreadable, flashing")
	} else if installed {
		return nil
	} else {
		t.Log.Info().Str("wanted", spec.Version).Msg("infra version mismatch, flashing")
	}

	t.Infra.Close()
	prog, err := flash.NewProgrammer(flash.TagPicotool)
	if err != nil {
		return err
	}
	flasher := &flash.Flasher{
		Target: &flash.Target{
			Label:       t.Label(),
			USBLocation: t.InfraLocation().Short(),
			USBID:       mcu.RPiPico,
			PowerLine:   power.LineInfra,
			BootLine:    power.LineInfraBoot,
			Power:       t.Power,
			Poller:      poller,
			Runner:      runner,
			Log:         t.Log,
		},
		Programmer: prog,
	}
	app, err := flasher.Flash(spec, logDir)
	if err != nil {
		return err
	}
	t.Infra.TTY = app.TTY

	return t.confirmInfraVersion(spec)
}

func (t *Tentacle) infraVersionInstalled(spec *firmware.Spec) (bool, error) {
	sess, err := t.Infra.Session()
	if err != nil {
		return false, err
	}
	return flash.VersionInstalled(sess, spec)
}

func (t *Tentacle) confirmInfraVersion(spec *firmware.Spec) error {
	sess, err := t.Infra.Session()
	if err != nil {
		return err
	}
	if spec.RequiresFlashing() {
		return nil
	}
	installed, err := flash.InstalledVersion(sess)
	if err != nil {
		return err
	}
	if installed != spec.Version {
		return &flash.VersionMismatchError{
			Label:     t.Label(),
			Expected:  spec.Version,
			Installed: installed,
		}
	}
	return nil
}

// AddRelays registers the GPIO relay lines and the active LED of this
// revision, driven through the infra MCU's remote execution channel.
// Calling it twice is a no-op.
func (t *Tentacle) AddRelays() {
	if _, err := t.Power.Line(power.Relay(1)); err == nil {
		return
	}
	t.Power.Add(power.LineLedActive, power.RemotePinBackend{
		Exec: t.Infra,
		On:   pinCode(t.Version.GPIOLedActive, 1),
		Off:  pinCode(t.Version.GPIOLedActive, 0),
	})
	for i, gpio := range t.Version.GPIORelays {
		t.Power.Add(power.Relay(i+1), power.RemotePinBackend{
			Exec: t.Infra,
			On:   pinCode(gpio, 1),
			Off:  pinCode(gpio, 0),
			Read: fmt.Sprintf("pin_get(%d)", gpio),
		})
	}
}

// OpenRelays opens every relay, the defined idle state between test runs.
func (t *Tentacle) OpenRelays() error {
	requests := map[power.LineName]bool{}
	for i := range t.Version.GPIORelays {
		requests[power.Relay(i+1)] = false
	}
	return t.Power.SetMany(requests)
}

func pinCode(gpio, value int) string {
	return fmt.Sprintf("pin_set(%d, %d)", gpio, value)
}

// PowerOff switches every USB plug of the fixture off, boot button
// released.
func (t *Tentacle) PowerOff() error {
	requests := map[power.LineName]bool{power.LineInfraBoot: true}
	for _, name := range []power.LineName{power.LineInfra, power.LineDut, power.LineProbe, power.LineLedError} {
		if t.Version.HubPort(name) != 0 {
			requests[name] = false
		}
	}
	return t.Power.SetMany(requests)
}

// Infra is the infra MCU as seen from the host: the tty of its MicroPython
// firmware and a lazily opened raw REPL session.
//
// The session is only trusted while the infra power line's change counter
// is unchanged since the session was opened; any power write through any
// code path invalidates it and the next use reconnects.
type Infra struct {
	TTY string

	line *power.Line
	open func(tty string) (*repl.Session, error)

	session  *repl.Session
	openedAt uint64
}

// NewInfra binds the infra view to its tty and power line. openSession
// overrides the real serial port in tests, nil uses repl.Open.
func NewInfra(tty string, line *power.Line, openSession func(tty string) (*repl.Session, error)) *Infra {
	if openSession == nil {
		openSession = repl.Open
	}
	return &Infra{TTY: tty, line: line, open: openSession}
}

// Session returns the raw REPL session, reconnecting when the infra was
// power-cycled since the session was opened.
func (i *Infra) Session() (*repl.Session, error) {
	if i.session != nil {
		if i.line == nil || i.line.ChangedCount() == i.openedAt {
			return i.session, nil
		}
		i.session.Close()
		i.session = nil
	}
	if i.TTY == "" {
		return nil, fmt.Errorf("tentacle: infra has no tty")
	}
	sess, err := i.open(i.TTY)
	if err != nil {
		return nil, err
	}
	if _, err := sess.ExecString(infraHelper, infraExecTimeout); err != nil {
		sess.Close()
		return nil, fmt.Errorf("tentacle: load infra helper: %w", err)
	}
	i.session = sess
	if i.line != nil {
		i.openedAt = i.line.ChangedCount()
	}
	return sess, nil
}

// Exec runs a code snippet on the infra MCU. This is the power.Executor
// used by the relay backends.
func (i *Infra) Exec(code string) (string, error) {
	sess, err := i.Session()
	if err != nil {
		return "", err
	}
	return sess.ExecString(code, infraExecTimeout)
}

// Close drops the session, returning the tty that was bound.
func (i *Infra) Close() string {
	if i.session == nil {
		return ""
	}
	tty := i.session.Close()
	i.session = nil
	return tty
}
