package tentacle

import (
	"fmt"
	"strings"

	"github.com/octoprobe/octoprobe/pkg/mcu"
)

// Tags is a comma separated property string as used in testbed configs,
// e.g. "board=RPI_PICO,mcu=rp2,programmer=picotool".
type Tags string

// Get returns the value of a tag, or "" when absent.
func (t Tags) Get(key string) string {
	for _, entry := range strings.Split(string(t), ",") {
		k, v, ok := strings.Cut(entry, "=")
		if ok && k == key {
			return v
		}
	}
	return ""
}

// GetMandatory returns the value of a tag, failing with the full tag string
// when absent.
func (t Tags) GetMandatory(key string) (string, error) {
	v := t.Get(key)
	if v == "" {
		return "", fmt.Errorf("tentacle: no %q specified in %q", key, string(t))
	}
	return v, nil
}

// Spec declares what is soldered to one tentacle: which board sits in the
// DUT position and how it is programmed.
type Spec struct {
	// Name identifies the spec in configs and logs, e.g. "pico2w".
	Name string `yaml:"name"`

	Tags Tags `yaml:"tags"`

	// ProgrammerArgs are extra arguments for the external flashing tool.
	ProgrammerArgs []string `yaml:"programmer_args,omitempty"`

	// RelaysClosed are the relay numbers closed by default for this board.
	RelaysClosed []int `yaml:"relays_closed,omitempty"`
}

// Board returns the "board" tag.
func (s *Spec) Board() (string, error) {
	return s.Tags.GetMandatory("board")
}

// Programmer returns the "programmer" tag.
func (s *Spec) Programmer() (string, error) {
	return s.Tags.GetMandatory("programmer")
}

// USBID resolves the DUT board's USB identities from the "board" tag.
func (s *Spec) USBID() (mcu.BootApplicationUSBID, error) {
	board, err := s.Board()
	if err != nil {
		return mcu.BootApplicationUSBID{}, err
	}
	return mcu.USBIDForBoard(board)
}
