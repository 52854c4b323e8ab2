// Package power models the addressable boolean power/signal lines of a
// tentacle fixture: USB hub ports and GPIO-driven relays. Every line is
// independently settable/gettable with change detection, so redundant
// hardware writes are suppressed.
package power

import (
	"fmt"
)

// LineName identifies one controllable boolean signal on a fixture.
type LineName string

const (
	LineInfra     LineName = "infra"     // USB power of the infra MCU
	LineInfraBoot LineName = "infraboot" // virtual boot button of the infra MCU, true = released
	LineDut       LineName = "dut"       // USB power of the device under test
	LineProbe     LineName = "probe"     // USB power of the debug probe MCU
	LineLedActive LineName = "led_active"
	LineLedError  LineName = "led_error"
)

// Relay returns the name of GPIO relay i (1-based, as printed on the PCB).
func Relay(i int) LineName {
	return LineName(fmt.Sprintf("relay%d", i))
}

// Backend performs the physical write/read behind a line. Which backend a
// named line uses differs by hardware revision; callers must not assume.
type Backend interface {
	Set(on bool) error
	Get() (bool, error)
}

// Line is one boolean signal with a write-through cache and a change
// counter. The counter increments on every effective physical write, which
// lets dependent session state (e.g. a loaded remote-execution helper)
// detect "was this power-cycled since I last looked".
type Line struct {
	Name    LineName
	backend Backend

	known   bool
	state   bool
	changed uint64
}

// NewLine binds a named line to its physical backend.
func NewLine(name LineName, backend Backend) *Line {
	return &Line{Name: name, backend: backend}
}

// Set drives the line and reports whether a physical write happened. A
// request equal to the cached state is a no-op returning false, which keeps
// hardware churn and log noise down.
func (l *Line) Set(on bool) (bool, error) {
	if l.known && l.state == on {
		return false, nil
	}
	if err := l.backend.Set(on); err != nil {
		return false, fmt.Errorf("power: set %s: %w", l.Name, err)
	}
	l.known = true
	l.state = on
	l.changed++
	return true, nil
}

// Get returns the line state, reading the hardware once and answering from
// the write-through cache afterwards.
func (l *Line) Get() (bool, error) {
	if l.known {
		return l.state, nil
	}
	on, err := l.backend.Get()
	if err != nil {
		return false, fmt.Errorf("power: get %s: %w", l.Name, err)
	}
	l.known = true
	l.state = on
	return on, nil
}

// ChangedCount returns the number of effective physical writes so far. If
// the count is unchanged since a previous interaction, any session state
// that depends on this line being stable is still valid.
func (l *Line) ChangedCount() uint64 {
	return l.changed
}
