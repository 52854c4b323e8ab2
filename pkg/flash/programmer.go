package flash

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/octoprobe/octoprobe/pkg/mcu"
	"github.com/octoprobe/octoprobe/pkg/subproc"
	"github.com/octoprobe/octoprobe/pkg/udev"
)

// Programmer tags as they appear in a tentacle's "programmer=xyz" tag.
const (
	TagPicotool     = "picotool"
	TagDfuUtil      = "dfu-util"
	TagEsptool      = "esptool"
	TagBossac       = "bossac"
	TagTeensyLoader = "teensy_loader_cli"
	TagUF2          = "uf2"
)

// logFileFlash is the per-attempt log of the external tool's output.
const logFileFlash = "flash.log"

// Programmer brings a target into its family's programming mode and writes
// one firmware image.
type Programmer interface {
	Tag() string
	Flash(t *Target, firmwarePath, logDir string) error
}

// NewProgrammer resolves a programmer tag, typically taken from a
// tentacle's tags, to its implementation.
func NewProgrammer(tag string) (Programmer, error) {
	switch tag {
	case TagPicotool:
		return picotool{}, nil
	case TagDfuUtil:
		return dfuUtil{}, nil
	case TagEsptool:
		return esptool{}, nil
	case TagBossac:
		return bossac{}, nil
	case TagTeensyLoader:
		return teensyLoader{}, nil
	case TagUF2:
		return uf2Copy{}, nil
	}
	return nil, fmt.Errorf("flash: unknown programmer %q", tag)
}

// picotool addresses RP2 bootloaders by USB bus/device number.
type picotool struct{}

func (picotool) Tag() string { return TagPicotool }

func (p picotool) Flash(t *Target, firmwarePath, logDir string) error {
	boot, err := EnterBootMode(t)
	if err != nil {
		return err
	}
	return t.Runner.Run(subproc.Cmd{
		Args: []string{
			"picotool", "load", "--update",
			"--bus", strconv.Itoa(boot.BusNum),
			"--address", strconv.Itoa(boot.DevNum),
			// Reboot into the new image, the caller waits for the tty.
			"--execute",
			firmwarePath,
		},
		Cwd:     logDir,
		LogFile: filepath.Join(logDir, logFileFlash),
		Timeout: 30 * time.Second,
	})
}

// dfuUtil addresses STM32 DFU bootloaders by USB serial.
type dfuUtil struct{}

func (dfuUtil) Tag() string { return TagDfuUtil }

func (p dfuUtil) Flash(t *Target, firmwarePath, logDir string) error {
	boot, err := EnterBootMode(t)
	if err != nil {
		return err
	}
	if boot.Serial == "" {
		return fmt.Errorf("flash: %s: bootloader reported no serial", t.Label)
	}
	return t.Runner.Run(subproc.Cmd{
		Args: []string{
			"dfu-util",
			"--serial", boot.Serial,
			"--download", firmwarePath,
		},
		Cwd:     logDir,
		LogFile: filepath.Join(logDir, logFileFlash),
		Timeout: 60 * time.Second,
		// dfu-util exits 74 when the device detaches before the final
		// status read, which is normal after a successful download.
		SuccessCodes: []int{0, 74},
	})
}

// esptool talks to the on-board usb-serial bridge, so the boot entry waits
// for a tty instead of a distinct bootloader identity.
type esptool struct{}

func (esptool) Tag() string { return TagEsptool }

func (p esptool) Flash(t *Target, firmwarePath, logDir string) error {
	fp := mcu.ApplicationModeFingerprint(t.USBID.Boot, t.USBLocation)
	fp.Label = "boot mode (usb-serial bridge)"
	fp.Actions = []string{udev.ActionAdd}
	ev, err := enterBootMode(t, fp)
	if err != nil {
		return err
	}
	app, err := udev.DecodeApplicationMode(ev)
	if err != nil {
		return err
	}
	args := []string{"esptool", "--port=" + app.TTY}
	args = append(args, t.ProgrammerArgs...)
	args = append(args, firmwarePath)
	return t.Runner.Run(subproc.Cmd{
		Args:    args,
		Cwd:     logDir,
		LogFile: filepath.Join(logDir, logFileFlash),
		Timeout: 60 * time.Second,
	})
}

// bossac addresses Arduino bootloaders through the tty the bootloader's CDC
// interface exposes.
type bossac struct{}

func (bossac) Tag() string { return TagBossac }

func (p bossac) Flash(t *Target, firmwarePath, logDir string) error {
	fp := mcu.ApplicationModeFingerprint(t.USBID.Boot, t.USBLocation)
	fp.Label = "boot mode (bootloader tty)"
	fp.Actions = []string{udev.ActionAdd}
	ev, err := enterBootMode(t, fp)
	if err != nil {
		return err
	}
	app, err := udev.DecodeApplicationMode(ev)
	if err != nil {
		return err
	}
	args := []string{"bossac", "--erase", "--write"}
	args = append(args, t.ProgrammerArgs...)
	args = append(args,
		"--port", app.TTY,
		"--info", "--usb-port", "--reset",
		firmwarePath,
	)
	return t.Runner.Run(subproc.Cmd{
		Args:    args,
		Cwd:     logDir,
		LogFile: filepath.Join(logDir, logFileFlash),
		Timeout: 60 * time.Second,
	})
}

// teensyLoader presses the program button without a power cycle. The HalfKay
// bootloader enumerates without usable vendor properties, so the driver
// bind event is the signal to wait for.
type teensyLoader struct{}

func (teensyLoader) Tag() string { return TagTeensyLoader }

func (p teensyLoader) Flash(t *Target, firmwarePath, logDir string) error {
	t.Poller.Flush()
	if _, err := t.Power.Set(t.BootLine, false); err != nil {
		return fmt.Errorf("flash: %s: %w", t.Label, err)
	}
	fp := mcu.BindFingerprint(t.USBLocation)
	_, err := t.Poller.Expect(fp, t.Label, fp.Label, bootDeadline)
	if _, relErr := t.Power.Set(t.BootLine, true); relErr != nil && err == nil {
		err = fmt.Errorf("flash: %s: release boot line: %w", t.Label, relErr)
	}
	if err != nil {
		return err
	}
	args := []string{"teensy_loader_cli"}
	args = append(args, t.ProgrammerArgs...)
	args = append(args, "-v", "-w", firmwarePath)
	return t.Runner.Run(subproc.Cmd{
		Args:    args,
		Cwd:     logDir,
		LogFile: filepath.Join(logDir, logFileFlash),
		Timeout: 60 * time.Second,
	})
}

// uf2Copy flashes UF2 bootloaders by copying the image onto the virtual
// drive they mount.
type uf2Copy struct{}

func (uf2Copy) Tag() string { return TagUF2 }

func (p uf2Copy) Flash(t *Target, firmwarePath, logDir string) error {
	ev, err := enterBootMode(t, mcu.MassStorageFingerprint(t.USBID.Boot, t.USBLocation))
	if err != nil {
		return err
	}
	mount, err := t.Mounts.DecodeMount(ev, true)
	if err != nil {
		return err
	}
	t.Log.Info().Str("mount", mount.MountPoint).Str("firmware", firmwarePath).Msg("copying uf2")
	if err := copyFile(firmwarePath, filepath.Join(mount.MountPoint, filepath.Base(firmwarePath))); err != nil {
		return fmt.Errorf("flash: %s: %w", t.Label, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
