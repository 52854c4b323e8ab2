package power

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Switchboard is the set of power lines of one fixture, resolved from its
// hardware revision at construction time.
type Switchboard struct {
	order []LineName
	lines map[LineName]*Line
	log   zerolog.Logger
}

// NewSwitchboard builds an empty switchboard.
func NewSwitchboard(log zerolog.Logger) *Switchboard {
	return &Switchboard{lines: map[LineName]*Line{}, log: log}
}

// Add registers a line. Declaration order is the stable order used by
// SetMany.
func (s *Switchboard) Add(name LineName, backend Backend) *Line {
	line := NewLine(name, backend)
	s.order = append(s.order, name)
	s.lines[name] = line
	return line
}

// Line returns the named line.
func (s *Switchboard) Line(name LineName) (*Line, error) {
	line, ok := s.lines[name]
	if !ok {
		return nil, fmt.Errorf("power: unknown line %q", name)
	}
	return line, nil
}

// Names returns the declared line names in order.
func (s *Switchboard) Names() []LineName {
	return append([]LineName(nil), s.order...)
}

// Set drives one named line, reporting whether the state changed.
func (s *Switchboard) Set(name LineName, on bool) (bool, error) {
	line, err := s.Line(name)
	if err != nil {
		return false, err
	}
	changed, err := line.Set(on)
	if err != nil {
		return false, err
	}
	if changed {
		s.log.Debug().Str("line", string(name)).Bool("on", on).Msg("power set")
	}
	return changed, nil
}

// Get reads one named line.
func (s *Switchboard) Get(name LineName) (bool, error) {
	line, err := s.Line(name)
	if err != nil {
		return false, err
	}
	return line.Get()
}

// SetMany applies a batch of requests. Lines being switched OFF are always
// applied before lines being switched ON, in declaration order, so two
// mutually exclusive power paths are never briefly both energized.
func (s *Switchboard) SetMany(requests map[LineName]bool) error {
	for _, wantOn := range []bool{false, true} {
		for _, name := range s.order {
			on, ok := requests[name]
			if !ok || on != wantOn {
				continue
			}
			if _, err := s.Set(name, on); err != nil {
				return err
			}
		}
	}
	return nil
}
