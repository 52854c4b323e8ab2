package tentacle

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octoprobe/octoprobe/pkg/firmware"
	"github.com/octoprobe/octoprobe/pkg/power"
	"github.com/octoprobe/octoprobe/pkg/repl"
	"github.com/octoprobe/octoprobe/pkg/subproc"
	"github.com/octoprobe/octoprobe/pkg/udev"
)

// scriptPort is a minimal in-memory MicroPython device: it answers the raw
// REPL handshake, records every executed snippet and acknowledges it
// with "1".
type scriptPort struct {
	incoming bytes.Buffer
	pending  bytes.Buffer
	execs    []string
}

func (p *scriptPort) Read(b []byte) (int, error) {
	if p.incoming.Len() == 0 {
		return 0, nil
	}
	return p.incoming.Read(b)
}

func (p *scriptPort) Write(b []byte) (int, error) {
	if bytes.HasSuffix(b, []byte("\x01")) {
		p.incoming.WriteString("raw REPL; CTRL-B to exit\r\n>")
		return len(b), nil
	}
	if bytes.HasSuffix(b, []byte("\x03")) {
		return len(b), nil
	}
	p.pending.Write(b)
	if bytes.HasSuffix(p.pending.Bytes(), []byte("\x04")) {
		p.execs = append(p.execs, strings.TrimSuffix(p.pending.String(), "\x04"))
		p.pending.Reset()
		p.incoming.WriteString("OK1\r\n\x04\x04>")
	}
	return len(b), nil
}

func (p *scriptPort) Close() error                       { return nil }
func (p *scriptPort) SetReadTimeout(time.Duration) error { return nil }

type countingBackend struct {
	state bool
	onSet func(on bool)
}

func (b *countingBackend) Set(on bool) error {
	b.state = on
	if b.onSet != nil {
		b.onSet(on)
	}
	return nil
}
func (b *countingBackend) Get() (bool, error) { return b.state, nil }

func newFakeInfra(t *testing.T, line *power.Line) (*Infra, *int) {
	t.Helper()
	opens := 0
	open := func(tty string) (*repl.Session, error) {
		opens++
		return repl.OpenWith(tty, func(string) (repl.Port, error) {
			return &scriptPort{}, nil
		})
	}
	return NewInfra("/dev/ttyACM7", line, open), &opens
}

func TestInfraSessionReusedWhilePowerUntouched(t *testing.T) {
	line := power.NewLine(power.LineInfra, &countingBackend{})
	infra, opens := newFakeInfra(t, line)

	first, err := infra.Session()
	require.NoError(t, err)
	second, err := infra.Session()
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, *opens)
}

func TestInfraSessionInvalidatedByPowerWrite(t *testing.T) {
	line := power.NewLine(power.LineInfra, &countingBackend{})
	infra, opens := newFakeInfra(t, line)

	_, err := infra.Session()
	require.NoError(t, err)

	// Any effective power write, also from an unrelated code path,
	// invalidates the session.
	changed, err := line.Set(true)
	require.NoError(t, err)
	require.True(t, changed)

	_, err = infra.Session()
	require.NoError(t, err)
	assert.Equal(t, 2, *opens)

	// A suppressed no-op write must not invalidate.
	changed, err = line.Set(true)
	require.NoError(t, err)
	require.False(t, changed)
	_, err = infra.Session()
	require.NoError(t, err)
	assert.Equal(t, 2, *opens)
}

func TestInfraHelperLoadedOncePerSession(t *testing.T) {
	line := power.NewLine(power.LineInfra, &countingBackend{})
	port := &scriptPort{}
	infra := NewInfra("/dev/ttyACM7", line, func(tty string) (*repl.Session, error) {
		return repl.OpenWith(tty, func(string) (repl.Port, error) { return port, nil })
	})

	_, err := infra.Exec(pinCode(8, 1))
	require.NoError(t, err)
	_, err = infra.Exec(pinCode(9, 0))
	require.NoError(t, err)

	// One helper load, then one-line calls into it.
	require.Len(t, port.execs, 3)
	assert.Contains(t, port.execs[0], "def pin_set")
	assert.Equal(t, "pin_set(8, 1)", port.execs[1])
	assert.Equal(t, "pin_set(9, 0)", port.execs[2])

	// A power cycle invalidates the session; the reopened session
	// reloads the helper before the next call.
	changed, err := line.Set(true)
	require.NoError(t, err)
	require.True(t, changed)

	_, err = infra.Exec(pinCode(8, 0))
	require.NoError(t, err)
	require.Len(t, port.execs, 5)
	assert.Contains(t, port.execs[3], "def pin_set")
	assert.Equal(t, "pin_set(8, 0)", port.execs[4])
}

func TestInfraWithoutTTY(t *testing.T) {
	infra := NewInfra("", nil, nil)
	_, err := infra.Session()
	assert.Error(t, err)
}

// fakeSysfs lays out the hub port disable attributes for one hub.
func fakeSysfs(t *testing.T, hub string, ports int) string {
	t.Helper()
	root := t.TempDir()
	for port := 1; port <= ports; port++ {
		dir := filepath.Join(root, hub, hub+":1.0", fmt.Sprintf("%s-port%d", hub, port))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "disable"), []byte("0\n"), 0o644))
	}
	return root
}

func TestPowerOff(t *testing.T) {
	hub := loc(t, "3-1.4")
	root := fakeSysfs(t, "3-1.4", 4)
	board := VersionV04.Switchboard(hub, root, zerolog.Nop())

	tent := &Tentacle{
		HubLocation: hub,
		Version:     VersionV04,
		Power:       board,
		Log:         zerolog.Nop(),
	}
	require.NoError(t, tent.PowerOff())

	for name, want := range map[power.LineName]bool{
		power.LineInfra:     false,
		power.LineDut:       false,
		power.LineProbe:     false,
		power.LineInfraBoot: true,
	} {
		on, err := board.Get(name)
		require.NoError(t, err)
		assert.Equal(t, want, on, string(name))
	}
}

func TestAddRelaysDrivesInfraGPIO(t *testing.T) {
	line := power.NewLine(power.LineInfra, &countingBackend{})
	infra, _ := newFakeInfra(t, line)

	board := power.NewSwitchboard(zerolog.Nop())
	tent := &Tentacle{
		HubLocation: loc(t, "3-1.4"),
		Version:     VersionV04,
		Power:       board,
		Infra:       infra,
		Log:         zerolog.Nop(),
	}
	tent.AddRelays()

	assert.Len(t, board.Names(), len(VersionV04.GPIORelays)+1, "relays and the active LED")

	// Re-registration is a no-op.
	tent.AddRelays()
	assert.Len(t, board.Names(), len(VersionV04.GPIORelays)+1)

	changed, err := board.Set(power.Relay(1), true)
	require.NoError(t, err)
	assert.True(t, changed)

	// The script device answers "1" to every snippet.
	on, err := board.Get(power.Relay(2))
	require.NoError(t, err)
	assert.True(t, on)
}

func TestDutLocation(t *testing.T) {
	tent := &Tentacle{HubLocation: loc(t, "3-1.4"), Version: VersionV04}
	assert.Equal(t, "3-1.4.3", tent.DutLocation().Short())
}

type captureRunner struct {
	cmds []subproc.Cmd
}

func (r *captureRunner) Run(cmd subproc.Cmd) error {
	r.cmds = append(r.cmds, cmd)
	return nil
}

func infraBootModeEvent() *udev.Event {
	return udev.NewEvent(map[string]string{
		"ACTION":           "add",
		"SUBSYSTEM":        "usb",
		"DEVTYPE":          "usb_device",
		"DEVPATH":          "/devices/pci0000:00/0000:00:14.0/usb3/3-1/3-1.4/3-1.4.2",
		"BUSNUM":           "003",
		"DEVNUM":           "017",
		"ID_USB_VENDOR_ID": "2e8a",
		"ID_USB_MODEL_ID":  "0003",
	})
}

func infraApplicationEvent() *udev.Event {
	return udev.NewEvent(map[string]string{
		"ACTION":           "add",
		"SUBSYSTEM":        "tty",
		"DEVPATH":          "/devices/pci0000:00/0000:00:14.0/usb3/3-1/3-1.4/3-1.4.2/3-1.4.2:1.0/tty/ttyACM5",
		"DEVNAME":          "ttyACM5",
		"ID_USB_VENDOR_ID": "2e8a",
		"ID_USB_MODEL_ID":  "0005",
	})
}

// newSetupTentacle wires a resolved fixture to a simulated event source, a
// shared script device and fake power backends. The returned tty slice
// records every session open.
func newSetupTentacle(t *testing.T, port *scriptPort) (*Tentacle, *udev.Poller, *udev.SimSource, *captureRunner, *[]string) {
	t.Helper()
	sim := udev.NewSimSource()
	poller := udev.NewPoller(sim, zerolog.Nop())
	t.Cleanup(func() { poller.Close() })

	infraPlug := &countingBackend{}
	infraPlug.onSet = func(on bool) {
		if on {
			sim.Enqueue(infraBootModeEvent())
			sim.Enqueue(infraApplicationEvent())
		}
	}
	board := power.NewSwitchboard(zerolog.Nop())
	line := board.Add(power.LineInfra, infraPlug)
	board.Add(power.LineInfraBoot, &countingBackend{state: true})

	ttys := &[]string{}
	infra := NewInfra("/dev/ttyACM7", line, func(tty string) (*repl.Session, error) {
		*ttys = append(*ttys, tty)
		return repl.OpenWith(tty, func(string) (repl.Port, error) { return port, nil })
	})
	tent := &Tentacle{
		HubLocation: loc(t, "3-1.4"),
		Version:     VersionV04,
		Serial:      "e46340474b4c3f31",
		Power:       board,
		Infra:       infra,
		Log:         zerolog.Nop(),
	}
	return tent, poller, sim, &captureRunner{}, ttys
}

func TestSetupInfraKeepsMatchingFirmware(t *testing.T) {
	port := &scriptPort{}
	tent, poller, _, runner, ttys := newSetupTentacle(t, port)

	// The script device answers "1" to the version query.
	spec := &firmware.Spec{BoardVariant: firmware.ParseBoardVariant("RPI_PICO"), Version: "1"}
	require.NoError(t, tent.SetupInfra(poller, runner, spec, t.TempDir()))

	assert.Empty(t, runner.cmds, "matching firmware must not be reflashed")
	assert.Equal(t, []string{"/dev/ttyACM7"}, *ttys)
}

func TestSetupInfraFlashesOnForcedSpec(t *testing.T) {
	port := &scriptPort{}
	tent, poller, _, runner, ttys := newSetupTentacle(t, port)

	image := filepath.Join(t.TempDir(), "RPI_PICO.uf2")
	require.NoError(t, os.WriteFile(image, []byte("uf2"), 0o644))
	spec := &firmware.Spec{
		BoardVariant: firmware.ParseBoardVariant("RPI_PICO"),
		Version:      firmware.VersionUnknown,
		Path:         image,
	}
	require.NoError(t, tent.SetupInfra(poller, runner, spec, t.TempDir()))

	require.Len(t, runner.cmds, 1)
	args := runner.cmds[0].Args
	assert.Equal(t, "picotool", args[0])
	assert.Contains(t, args, "--execute")
	assert.Contains(t, args, image)

	// The session is rebound to the tty of the rebooted MCU.
	assert.Equal(t, "/dev/ttyACM5", tent.Infra.TTY)
	assert.Equal(t, []string{"/dev/ttyACM7", "/dev/ttyACM5"}, *ttys)

	released, err := tent.Power.Get(power.LineInfraBoot)
	require.NoError(t, err)
	assert.True(t, released, "boot line must end released")
}
