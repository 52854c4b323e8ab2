package power

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// HubPortBackend drives a line wired to a USB hub's per-port power-disable
// sysfs attribute:
//
//	<root>/<hub>/<hub>:1.0/<hub>-port<N>/disable
//
// Root is injectable so the backend can be exercised against a fake sysfs.
type HubPortBackend struct {
	// Root of the usb sysfs tree, defaults to /sys/bus/usb/devices.
	Root string
	// HubLocation is the hub's physical location, e.g. "3-1.4".
	HubLocation string
	// Port is the hub port number, 1-based.
	Port int
}

func (b HubPortBackend) path() string {
	root := b.Root
	if root == "" {
		root = "/sys/bus/usb/devices"
	}
	return filepath.Join(
		root,
		b.HubLocation,
		b.HubLocation+":1.0",
		fmt.Sprintf("%s-port%d", b.HubLocation, b.Port),
		"disable",
	)
}

// Set implements Backend. The attribute is a disable flag, so on=true
// writes "0".
func (b HubPortBackend) Set(on bool) error {
	value := "1"
	if on {
		value = "0"
	}
	if err := os.WriteFile(b.path(), []byte(value+"\n"), 0o644); err != nil {
		return fmt.Errorf("hub %s port %d: %w", b.HubLocation, b.Port, err)
	}
	return nil
}

// Get implements Backend.
func (b HubPortBackend) Get() (bool, error) {
	data, err := os.ReadFile(b.path())
	if err != nil {
		return false, fmt.Errorf("hub %s port %d: %w", b.HubLocation, b.Port, err)
	}
	disabled := strings.TrimSpace(string(data)) != "0"
	return !disabled, nil
}

// Executor runs a code snippet on the infra MCU and returns its printed
// result. It is the narrow view of the remote-execution session a GPIO
// backend needs.
type Executor interface {
	Exec(code string) (string, error)
}

// RemotePinBackend implements a line as a GPIO pin driven by the helper
// program on the infra MCU, addressed through the remote-execution channel.
type RemotePinBackend struct {
	Exec Executor
	// On/Off are the snippets driving the pin.
	On  string
	Off string
	// Read prints the pin state ("0"/"1"). Empty for write-only lines,
	// which then report their state as off until first written.
	Read string
}

// Set implements Backend.
func (b RemotePinBackend) Set(on bool) error {
	code := b.Off
	if on {
		code = b.On
	}
	_, err := b.Exec.Exec(code)
	return err
}

// Get implements Backend.
func (b RemotePinBackend) Get() (bool, error) {
	if b.Read == "" {
		return false, nil
	}
	out, err := b.Exec.Exec(b.Read)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "1", nil
}
