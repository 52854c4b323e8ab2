// Package firmware resolves firmware artifacts for boards: a spec names a
// board variant, the expected installed version and where the binary comes
// from; resolution guarantees a local file on disk or fails loudly.
package firmware

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// VersionUnknown is the sentinel version text meaning "flashing is
// mandatory, no version check is possible".
const VersionUnknown = "requires_firmware_flashing"

// BoardVariant identifies a firmware build target, e.g. "RPI_PICO" or
// "PYBV11-THREAD".
type BoardVariant struct {
	Board   string
	Variant string
}

// ParseBoardVariant splits "PYBV11-THREAD" into board and variant.
func ParseBoardVariant(text string) BoardVariant {
	board, variant, _ := strings.Cut(text, "-")
	return BoardVariant{Board: board, Variant: variant}
}

func (v BoardVariant) String() string {
	if v.Variant == "" {
		return v.Board
	}
	return v.Board + "-" + v.Variant
}

// Spec describes the firmware a fixture should run.
type Spec struct {
	BoardVariant BoardVariant

	// Version is the full installed-version text expected after flashing,
	// e.g. "3.4.0; MicroPython v1.24.0 on 2024-10-25, Raspberry Pi Pico
	// with RP2040". VersionUnknown forces flashing and skips the check.
	Version string

	// URL of the downloadable artifact, empty if Path is set directly.
	URL string

	// Path of the local artifact, set after resolution (or directly for
	// pre-built firmware).
	Path string
}

// MatchesBoard reports whether the spec's board variant appears in the
// fixture's board declaration, a ':' separated list of variants.
func (s *Spec) MatchesBoard(boards string) bool {
	for _, entry := range strings.Split(boards, ":") {
		if ParseBoardVariant(entry) == s.BoardVariant {
			return true
		}
	}
	return false
}

// RequiresFlashing reports whether no version check is possible, so
// flashing is mandatory.
func (s *Spec) RequiresFlashing() bool {
	return s.Version == VersionUnknown
}

// Filename returns the local artifact path. It fails loudly when the
// artifact is not actually present on disk.
func (s *Spec) Filename() (string, error) {
	if s.Path == "" {
		return "", fmt.Errorf("firmware %s: no filename, the firmware has not been resolved yet", s.BoardVariant)
	}
	info, err := os.Stat(s.Path)
	if err != nil {
		return "", fmt.Errorf("firmware %s: artifact missing: %w", s.BoardVariant, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("firmware %s: %s is a directory", s.BoardVariant, s.Path)
	}
	return s.Path, nil
}

// specJSON is the on-disk format, shared with the original tooling.
type specJSON struct {
	BoardVariant string `json:"board_variant"`
	Version      string `json:"micropython_full_version_text"`
	URL          string `json:"url"`
	Filename     string `json:"_filename"`
}

// LoadSpec reads a firmware spec JSON file.
func LoadSpec(filename string) (*Spec, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("firmware: %w", err)
	}
	var raw specJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("firmware: %s: failed to read: %w", filename, err)
	}
	if raw.BoardVariant == "" {
		return nil, fmt.Errorf("firmware: %s: board_variant missing", filename)
	}
	version := raw.Version
	if version == "" {
		version = VersionUnknown
	}
	return &Spec{
		BoardVariant: ParseBoardVariant(raw.BoardVariant),
		Version:      version,
		URL:          raw.URL,
		Path:         raw.Filename,
	}, nil
}
