package tentacle

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/gousb"
	"github.com/rs/zerolog"

	"github.com/octoprobe/octoprobe/pkg/mcu"
	"github.com/octoprobe/octoprobe/pkg/power"
	"github.com/octoprobe/octoprobe/pkg/repl"
)

// Identity of the 4-port hub soldered on every tentacle PCB.
const (
	hubVendor  = 0x0424
	hubProduct = 0x2514
)

const (
	// Settle window after powering the infra MCUs on before their serial
	// numbers are expected. Shorter windows miss slow boards.
	queryPowerOnSettle = 1500 * time.Millisecond
	queryRescanEvery   = 200 * time.Millisecond
)

// DeviceInfo is one USB device as seen by descriptor enumeration.
type DeviceInfo struct {
	Location Location
	Vendor   uint16
	Product  uint16
}

// DeviceLister enumerates the USB devices on the host.
type DeviceLister interface {
	ListDevices() ([]DeviceInfo, error)
}

// SerialPortInfo is one application-mode infra MCU: its USB location, the
// serial number from its descriptor and its tty.
type SerialPortInfo struct {
	Location Location
	Serial   string
	TTY      string
}

// SerialPortLister enumerates application-mode infra MCUs.
type SerialPortLister interface {
	ListPorts() ([]SerialPortInfo, error)
}

// Inventory discovers the tentacles on the USB tree.
type Inventory struct {
	Devices DeviceLister
	Ports   SerialPortLister

	// SysfsRoot overrides /sys/bus/usb/devices for the power backends of
	// discovered tentacles, empty uses the real tree.
	SysfsRoot string

	// OpenSession overrides the serial port of infra sessions, nil uses
	// the real one.
	OpenSession func(tty string) (*repl.Session, error)

	Log zerolog.Logger
}

// NewInventory wires the real host enumeration.
func NewInventory(log zerolog.Logger) *Inventory {
	return &Inventory{
		Devices: NewGousbLister(),
		Ports:   SysfsPortLister{},
		Log:     log,
	}
}

// Query discovers all tentacles. One fixture is returned per hub; a fixture
// whose infra MCU presents no serial stays unresolved, logged but never an
// error, since partial availability of a fleet is a normal condition.
//
// With powerOn, every hub's boot button is released and its infra power is
// cycled OFF then ON first, so infra MCUs stuck in boot mode or unpowered
// reboot into application mode and present their serial; the scan then
// repeats until all hubs resolved or the settle window elapsed.
func (inv *Inventory) Query(powerOn bool) ([]*Tentacle, error) {
	devices, err := inv.Devices.ListDevices()
	if err != nil {
		return nil, fmt.Errorf("tentacle: enumerate usb: %w", err)
	}
	var hubs []Location
	for _, dev := range devices {
		if dev.Vendor == hubVendor && dev.Product == hubProduct {
			hubs = append(hubs, dev.Location)
		}
	}

	timeout := time.Duration(0)
	if powerOn {
		if err := inv.powerOnInfra(hubs); err != nil {
			return nil, err
		}
		timeout = queryPowerOnSettle
	}

	begin := time.Now()
	for {
		tentacles, err := inv.scan(hubs)
		if err != nil {
			return nil, err
		}
		unresolved := 0
		for _, t := range tentacles {
			if !t.Resolved() {
				unresolved++
			}
		}
		if unresolved == 0 {
			return tentacles, nil
		}
		if time.Since(begin) > timeout {
			inv.Log.Warn().
				Int("hubs", len(hubs)).
				Int("unresolved", unresolved).
				Msg("some infra MCUs are not powered/responding, 'query --poweron' might fix this")
			return tentacles, nil
		}
		time.Sleep(queryRescanEvery)
	}
}

// powerOnInfra releases every hub's boot button and power-cycles the infra
// MCUs. Port numbers of the latest revision are used; on older boards the
// spare ports are harmless to toggle.
func (inv *Inventory) powerOnInfra(hubs []Location) error {
	boards := make([]*power.Switchboard, len(hubs))
	for i, hub := range hubs {
		boards[i] = VersionV04.Switchboard(hub, inv.SysfsRoot, inv.Log)
	}
	set := func(name power.LineName, on bool) {
		for i, board := range boards {
			if _, err := board.Set(name, on); err != nil {
				// A hub with nothing behind the port rejects the write.
				inv.Log.Debug().Err(err).Str("hub", hubs[i].Short()).Msg("power write failed")
			}
		}
	}
	set(power.LineInfraBoot, true)
	set(power.LineInfra, false)
	set(power.LineProbe, false)
	time.Sleep(200 * time.Millisecond)
	set(power.LineInfra, true)
	set(power.LineProbe, true)
	return nil
}

// scan runs one correlation pass over the current bus state.
func (inv *Inventory) scan(hubs []Location) ([]*Tentacle, error) {
	ports, err := inv.Ports.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("tentacle: enumerate serial ports: %w", err)
	}
	devices, err := inv.Devices.ListDevices()
	if err != nil {
		return nil, fmt.Errorf("tentacle: enumerate usb: %w", err)
	}

	tentacles := make([]*Tentacle, 0, len(hubs))
	for _, hub := range hubs {
		tentacles = append(tentacles, inv.newTentacle(hub, ports, devices))
	}
	return tentacles, nil
}

// newTentacle correlates one hub with the infra MCU hanging off it. The
// infra sits on port 1 (v0.3) or port 2 (v0.4); port 3 is the DUT position
// and is ignored, the DUT may itself be an RP2.
func (inv *Inventory) newTentacle(hub Location, ports []SerialPortInfo, devices []DeviceInfo) *Tentacle {
	byPort := map[int]SerialPortInfo{}
	for _, p := range ports {
		if n, ok := hub.IsParentOf(p.Location); ok && n != VersionV03.PortDut {
			byPort[n] = p
		}
	}
	bootByPort := map[int]bool{}
	for _, dev := range devices {
		if dev.Vendor != mcu.RPiPico.Boot.Vendor || dev.Product != mcu.RPiPico.Boot.Product {
			continue
		}
		if n, ok := hub.IsParentOf(dev.Location); ok && n != VersionV03.PortDut {
			bootByPort[n] = true
		}
	}

	version := VersionV04
	serial, tty := "", ""
	if p, ok := byPort[VersionV04.PortInfra]; ok {
		serial, tty = p.Serial, p.TTY
	} else if p, ok := byPort[VersionV03.PortInfra]; ok {
		version = VersionV03
		serial, tty = p.Serial, p.TTY
	} else if bootByPort[VersionV04.PortInfra] {
		inv.Log.Info().Str("hub", hub.Short()).Msg("infra MCU in boot mode")
	} else if bootByPort[VersionV03.PortInfra] {
		version = VersionV03
		inv.Log.Info().Str("hub", hub.Short()).Msg("infra MCU in boot mode")
	} else {
		inv.Log.Debug().Str("hub", hub.Short()).Msg("no infra MCU detected")
	}

	board := version.Switchboard(hub, inv.SysfsRoot, inv.Log)
	t := &Tentacle{
		HubLocation: hub,
		Version:     version,
		Serial:      serial,
		Power:       board,
		Log:         inv.Log.With().Str("tentacle", hub.Short()).Logger(),
	}
	infraLine, err := board.Line(power.LineInfra)
	if err == nil {
		t.Infra = NewInfra(tty, infraLine, inv.OpenSession)
	}
	return t
}

// Select filters tentacles by serial needles. Nil selects all.
func Select(tentacles []*Tentacle, serials []string) []*Tentacle {
	if serials == nil {
		return tentacles
	}
	var selected []*Tentacle
	for _, t := range tentacles {
		for _, needle := range serials {
			if SerialMatches(t.Serial, needle) {
				selected = append(selected, t)
				break
			}
		}
	}
	return selected
}

// GousbLister enumerates USB descriptors through libusb.
type GousbLister struct {
	ctx *gousb.Context
}

func NewGousbLister() *GousbLister {
	return &GousbLister{ctx: gousb.NewContext()}
}

// ListDevices implements DeviceLister. The opener rejects every device, so
// descriptors are collected without opening anything.
func (l *GousbLister) ListDevices() ([]DeviceInfo, error) {
	var infos []DeviceInfo
	_, err := l.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		infos = append(infos, DeviceInfo{
			Location: Location{Bus: desc.Bus, Path: append([]int(nil), desc.Path...)},
			Vendor:   uint16(desc.Vendor),
			Product:  uint16(desc.Product),
		})
		return false
	})
	if err != nil {
		return nil, err
	}
	return infos, nil
}

func (l *GousbLister) Close() error {
	return l.ctx.Close()
}

// SysfsPortLister walks the usb sysfs tree for application-mode infra MCUs.
// The serial enumeration libraries do not report the USB location, which is
// the key the correlation runs on, so the tree is read directly.
type SysfsPortLister struct {
	// Root defaults to /sys/bus/usb/devices.
	Root string
}

// ListPorts implements SerialPortLister.
func (l SysfsPortLister) ListPorts() ([]SerialPortInfo, error) {
	root := l.Root
	if root == "" {
		root = "/sys/bus/usb/devices"
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var infos []SerialPortInfo
	for _, entry := range entries {
		name := entry.Name()
		if strings.Contains(name, ":") || !strings.Contains(name, "-") {
			continue
		}
		dir := filepath.Join(root, name)
		if readHexID(dir, "idVendor") != mcu.RPiPico.Application.Vendor ||
			readHexID(dir, "idProduct") != mcu.RPiPico.Application.Product {
			continue
		}
		location, err := ParseLocation(name)
		if err != nil {
			continue
		}
		infos = append(infos, SerialPortInfo{
			Location: location,
			Serial:   readSysfsText(filepath.Join(dir, "serial")),
			TTY:      lookupTTY(dir, name),
		})
	}
	return infos, nil
}

func readHexID(dir, attr string) uint16 {
	text := readSysfsText(filepath.Join(dir, attr))
	id, err := strconv.ParseUint(text, 16, 16)
	if err != nil {
		return 0
	}
	return uint16(id)
}

func readSysfsText(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// lookupTTY finds the tty name under the device's CDC interface, e.g.
// <dev>/<location>:1.0/tty/ttyACM2.
func lookupTTY(dir, name string) string {
	ttys, err := os.ReadDir(filepath.Join(dir, name+":1.0", "tty"))
	if err != nil || len(ttys) == 0 {
		return ""
	}
	return "/dev/" + ttys[0].Name()
}
