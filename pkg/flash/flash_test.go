package flash

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octoprobe/octoprobe/pkg/firmware"
	"github.com/octoprobe/octoprobe/pkg/mcu"
	"github.com/octoprobe/octoprobe/pkg/power"
	"github.com/octoprobe/octoprobe/pkg/subproc"
	"github.com/octoprobe/octoprobe/pkg/udev"
)

const testLocation = "3-1.4"

type fakeBackend struct {
	state bool
	onSet func(on bool)
}

func (b *fakeBackend) Set(on bool) error {
	b.state = on
	if b.onSet != nil {
		b.onSet(on)
	}
	return nil
}

func (b *fakeBackend) Get() (bool, error) { return b.state, nil }

type fakeRunner struct {
	cmds []subproc.Cmd
	err  error
}

func (r *fakeRunner) Run(cmd subproc.Cmd) error {
	r.cmds = append(r.cmds, cmd)
	return r.err
}

type fakeSession struct {
	version string
	closed  bool
}

func (s *fakeSession) ExecString(code string, timeout time.Duration) (string, error) {
	return s.version, nil
}

func (s *fakeSession) Close() string {
	s.closed = true
	return ""
}

// newTestTarget wires a target to a simulated event source and fake power
// backends. The dut backend's onSet hook lets tests react to power on.
func newTestTarget(t *testing.T) (*Target, *udev.SimSource, *fakeRunner, *fakeBackend) {
	t.Helper()
	sim := udev.NewSimSource()
	poller := udev.NewPoller(sim, zerolog.Nop())
	t.Cleanup(func() { poller.Close() })

	dut := &fakeBackend{}
	boot := &fakeBackend{state: true}
	board := power.NewSwitchboard(zerolog.Nop())
	board.Add(power.LineInfraBoot, boot)
	board.Add(power.LineDut, dut)

	runner := &fakeRunner{}
	target := &Target{
		Label:       "tentacle 3a01",
		USBLocation: testLocation,
		USBID:       mcu.RPiPico,
		PowerLine:   power.LineDut,
		BootLine:    power.LineInfraBoot,
		Power:       board,
		Poller:      poller,
		Runner:      runner,
		Log:         zerolog.Nop(),
	}
	return target, sim, runner, dut
}

func bootModeEvent() *udev.Event {
	return udev.NewEvent(map[string]string{
		"ACTION":           "add",
		"SUBSYSTEM":        "usb",
		"DEVTYPE":          "usb_device",
		"DEVPATH":          "/devices/pci0000:00/0000:00:14.0/usb3/3-1/3-1.4",
		"BUSNUM":           "003",
		"DEVNUM":           "011",
		"ID_USB_VENDOR_ID": "2e8a",
		"ID_USB_MODEL_ID":  "0003",
	})
}

func applicationModeEvent() *udev.Event {
	return udev.NewEvent(map[string]string{
		"ACTION":           "add",
		"SUBSYSTEM":        "tty",
		"DEVPATH":          "/devices/pci0000:00/0000:00:14.0/usb3/3-1/3-1.4/3-1.4:1.0/tty/ttyACM1",
		"DEVNAME":          "ttyACM1",
		"ID_USB_VENDOR_ID": "2e8a",
		"ID_USB_MODEL_ID":  "0005",
	})
}

func TestEnterBootMode(t *testing.T) {
	target, sim, _, dut := newTestTarget(t)
	dut.onSet = func(on bool) {
		if on {
			sim.EnqueueAfter(50*time.Millisecond, bootModeEvent())
		}
	}

	boot, err := EnterBootMode(target)
	require.NoError(t, err)
	assert.Equal(t, 3, boot.BusNum)
	assert.Equal(t, 11, boot.DevNum)

	released, err := target.Power.Get(power.LineInfraBoot)
	require.NoError(t, err)
	assert.True(t, released, "boot line must end released")

	powered, err := target.Power.Get(power.LineDut)
	require.NoError(t, err)
	assert.True(t, powered)
}

func TestEnterBootModeTimeoutReleasesBootLine(t *testing.T) {
	target, _, _, _ := newTestTarget(t)

	begin := time.Now()
	_, err := EnterBootMode(target)
	elapsed := time.Since(begin)

	var timeoutErr *udev.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.GreaterOrEqual(t, elapsed, 2*time.Second)
	assert.Less(t, elapsed, 3*time.Second)

	released, err := target.Power.Get(power.LineInfraBoot)
	require.NoError(t, err)
	assert.True(t, released, "boot line must end released also on timeout")
}

func TestPicotoolAddressesBusAndDevice(t *testing.T) {
	target, sim, runner, dut := newTestTarget(t)
	dut.onSet = func(on bool) {
		if on {
			sim.Enqueue(bootModeEvent())
		}
	}

	err := picotool{}.Flash(target, "/fw/RPI_PICO.uf2", t.TempDir())
	require.NoError(t, err)

	require.Len(t, runner.cmds, 1)
	assert.Equal(t, []string{
		"picotool", "load", "--update",
		"--bus", "3",
		"--address", "11",
		"--execute",
		"/fw/RPI_PICO.uf2",
	}, runner.cmds[0].Args)
	assert.NotEmpty(t, runner.cmds[0].LogFile)
}

func TestUF2CopyWritesToMountPoint(t *testing.T) {
	target, sim, _, dut := newTestTarget(t)

	mountPoint := t.TempDir()
	mountsFile := filepath.Join(t.TempDir(), "mounts")
	require.NoError(t, os.WriteFile(mountsFile,
		[]byte("/dev/sda1 "+mountPoint+" vfat rw 0 0\n"), 0o644))
	target.Mounts = udev.MountTable{Path: mountsFile, Timeout: time.Second}

	fwFile := filepath.Join(t.TempDir(), "RPI_PICO.uf2")
	require.NoError(t, os.WriteFile(fwFile, []byte("UF2\n"), 0o644))

	dut.onSet = func(on bool) {
		if on {
			ev := bootModeEvent()
			ev.Subsystem = "block"
			ev.DevType = "disk"
			ev.DevNode = "/dev/sda"
			sim.Enqueue(ev)
		}
	}

	err := uf2Copy{}.Flash(target, fwFile, t.TempDir())
	require.NoError(t, err)

	copied, err := os.ReadFile(filepath.Join(mountPoint, "RPI_PICO.uf2"))
	require.NoError(t, err)
	assert.Equal(t, "UF2\n", string(copied))
}

func TestNewProgrammer(t *testing.T) {
	for _, tag := range []string{TagPicotool, TagDfuUtil, TagEsptool, TagBossac, TagTeensyLoader, TagUF2} {
		prog, err := NewProgrammer(tag)
		require.NoError(t, err, tag)
		assert.Equal(t, tag, prog.Tag())
	}
	_, err := NewProgrammer("fantasytool")
	assert.Error(t, err)
}

// nopProgrammer skips the physical choreography so the orchestration around
// it can be tested in isolation.
type nopProgrammer struct{}

func (nopProgrammer) Tag() string { return "nop" }

func (nopProgrammer) Flash(t *Target, firmwarePath, logDir string) error { return nil }

func testSpec(t *testing.T, version string) *firmware.Spec {
	t.Helper()
	path := filepath.Join(t.TempDir(), "firmware.uf2")
	require.NoError(t, os.WriteFile(path, []byte("UF2\n"), 0o644))
	return &firmware.Spec{
		BoardVariant: firmware.ParseBoardVariant("RPI_PICO"),
		Version:      version,
		Path:         path,
	}
}

func TestFlashConfirmsVersion(t *testing.T) {
	target, sim, _, _ := newTestTarget(t)
	sim.Enqueue(applicationModeEvent())

	sess := &fakeSession{version: "v1.24.0 on 2024-10-25,Raspberry Pi Pico with RP2040"}
	flasher := &Flasher{
		Target:     target,
		Programmer: nopProgrammer{},
		Open: func(tty string) (Session, error) {
			assert.Equal(t, "/dev/ttyACM1", tty)
			return sess, nil
		},
	}

	app, err := flasher.Flash(testSpec(t, sess.version), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM1", app.TTY)
	assert.True(t, sess.closed)
}

func TestFlashVersionMismatch(t *testing.T) {
	target, sim, _, _ := newTestTarget(t)
	sim.Enqueue(applicationModeEvent())

	flasher := &Flasher{
		Target:     target,
		Programmer: nopProgrammer{},
		Open: func(tty string) (Session, error) {
			return &fakeSession{version: "v1.23.0 installed"}, nil
		},
	}

	_, err := flasher.Flash(testSpec(t, "v1.24.0 expected"), t.TempDir())
	var mismatch *VersionMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "v1.24.0 expected", mismatch.Expected)
	assert.Equal(t, "v1.23.0 installed", mismatch.Installed)
}

func TestVersionInstalled(t *testing.T) {
	spec := testSpec(t, "v1.24.0")
	ok, err := VersionInstalled(&fakeSession{version: "v1.24.0"}, spec)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VersionInstalled(&fakeSession{version: "v1.23.0"}, spec)
	require.NoError(t, err)
	assert.False(t, ok)

	// A spec without a version never counts as installed.
	spec.Version = firmware.VersionUnknown
	ok, err = VersionInstalled(&fakeSession{version: "v1.24.0"}, spec)
	require.NoError(t, err)
	assert.False(t, ok)
}
