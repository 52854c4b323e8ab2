package tentacle

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDevices []DeviceInfo

func (d fakeDevices) ListDevices() ([]DeviceInfo, error) { return d, nil }

type fakePorts []SerialPortInfo

func (p fakePorts) ListPorts() ([]SerialPortInfo, error) { return p, nil }

func loc(t *testing.T, text string) Location {
	t.Helper()
	l, err := ParseLocation(text)
	require.NoError(t, err)
	return l
}

func hubDevice(t *testing.T, text string) DeviceInfo {
	return DeviceInfo{Location: loc(t, text), Vendor: hubVendor, Product: hubProduct}
}

func TestParseLocation(t *testing.T) {
	l, err := ParseLocation("3-1.4.1:1.0")
	require.NoError(t, err)
	assert.Equal(t, Location{Bus: 3, Path: []int{1, 4, 1}}, l)
	assert.Equal(t, "3-1.4.1", l.Short())

	_, err = ParseLocation("garbage")
	assert.Error(t, err)
}

func TestLocationIsParentOf(t *testing.T) {
	hub := loc(t, "3-1.4")
	port, ok := hub.IsParentOf(loc(t, "3-1.4.2"))
	require.True(t, ok)
	assert.Equal(t, 2, port)

	_, ok = hub.IsParentOf(loc(t, "3-1.5.2"))
	assert.False(t, ok, "different hub")
	_, ok = hub.IsParentOf(loc(t, "3-1.4.2.1"))
	assert.False(t, ok, "grandchild")
	_, ok = hub.IsParentOf(loc(t, "2-1.4.2"))
	assert.False(t, ok, "different bus")
}

// One hub carries an application-mode infra on port 2 (v0.4), the other hub
// has nothing behind it. Query must return both fixtures, one resolved and
// one unresolved, without an error.
func TestQueryResolvedAndUnresolved(t *testing.T) {
	inv := &Inventory{
		Devices: fakeDevices{
			hubDevice(t, "3-1.4"),
			hubDevice(t, "3-1.3"),
		},
		Ports: fakePorts{
			{Location: loc(t, "3-1.4.2"), Serial: "e46340474b4c3f31", TTY: "/dev/ttyACM2"},
		},
		Log: zerolog.Nop(),
	}

	tentacles, err := inv.Query(false)
	require.NoError(t, err)
	require.Len(t, tentacles, 2)

	resolved := tentacles[0]
	assert.True(t, resolved.Resolved())
	assert.Equal(t, "e46340474b4c3f31", resolved.Serial)
	assert.Equal(t, VersionV04, resolved.Version)
	assert.Equal(t, "/dev/ttyACM2", resolved.Infra.TTY)
	assert.Equal(t, "tentacle 3-1.4: v0.4 e46340474b4c-3f31 /dev/ttyACM2", resolved.Label())

	unresolved := tentacles[1]
	assert.False(t, unresolved.Resolved())
	assert.Equal(t, "3-1.3", unresolved.SerialShort())
}

func TestQueryDetectsV03OnPortOne(t *testing.T) {
	inv := &Inventory{
		Devices: fakeDevices{hubDevice(t, "3-1.3")},
		Ports: fakePorts{
			{Location: loc(t, "3-1.3.1"), Serial: "de646cc20b925425", TTY: "/dev/ttyACM0"},
		},
		Log: zerolog.Nop(),
	}

	tentacles, err := inv.Query(false)
	require.NoError(t, err)
	require.Len(t, tentacles, 1)
	assert.Equal(t, VersionV03, tentacles[0].Version)
}

// A device in the DUT position may itself be an RP2; it must never be taken
// for the infra MCU.
func TestQueryIgnoresDutPort(t *testing.T) {
	inv := &Inventory{
		Devices: fakeDevices{hubDevice(t, "3-1.4")},
		Ports: fakePorts{
			{Location: loc(t, "3-1.4.3"), Serial: "0000000000000dut", TTY: "/dev/ttyACM9"},
		},
		Log: zerolog.Nop(),
	}

	tentacles, err := inv.Query(false)
	require.NoError(t, err)
	require.Len(t, tentacles, 1)
	assert.False(t, tentacles[0].Resolved())
}

func TestQueryBootModeInfraStaysUnresolved(t *testing.T) {
	inv := &Inventory{
		Devices: fakeDevices{
			hubDevice(t, "3-1.4"),
			{Location: loc(t, "3-1.4.2"), Vendor: 0x2E8A, Product: 0x0003},
		},
		Ports: fakePorts{},
		Log:   zerolog.Nop(),
	}

	tentacles, err := inv.Query(false)
	require.NoError(t, err)
	require.Len(t, tentacles, 1)
	assert.False(t, tentacles[0].Resolved())
	assert.Equal(t, VersionV04, tentacles[0].Version)
}

func TestSelect(t *testing.T) {
	a := &Tentacle{Serial: "e46340474b4c3f31"}
	b := &Tentacle{Serial: "de646cc20b925425"}
	unresolved := &Tentacle{}
	all := []*Tentacle{a, b, unresolved}

	assert.Equal(t, all, Select(all, nil), "nil selects all")
	assert.Equal(t, []*Tentacle{a}, Select(all, []string{"3f31"}))
	assert.Equal(t, []*Tentacle{b}, Select(all, []string{"de64"}))
	assert.ElementsMatch(t, []*Tentacle{a, b}, Select(all, []string{"3f31", "5425"}))
	assert.Empty(t, Select(all, []string{"0474"}), "middle substring")
}

func TestTagsGet(t *testing.T) {
	tags := Tags("board=RPI_PICO,mcu=rp2,programmer=picotool")
	assert.Equal(t, "picotool", tags.Get("programmer"))
	assert.Equal(t, "", tags.Get("missing"))

	v, err := tags.GetMandatory("board")
	require.NoError(t, err)
	assert.Equal(t, "RPI_PICO", v)

	_, err = tags.GetMandatory("missing")
	assert.Error(t, err)
}

func TestSpecUSBID(t *testing.T) {
	spec := &Spec{Name: "pico", Tags: "board=RPI_PICO,programmer=picotool"}
	id, err := spec.USBID()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x2E8A), id.Application.Vendor)

	prog, err := spec.Programmer()
	require.NoError(t, err)
	assert.Equal(t, "picotool", prog)
}
