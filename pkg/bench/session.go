package bench

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/octoprobe/octoprobe/pkg/firmware"
	"github.com/octoprobe/octoprobe/pkg/flash"
	"github.com/octoprobe/octoprobe/pkg/journal"
	"github.com/octoprobe/octoprobe/pkg/mcu"
	"github.com/octoprobe/octoprobe/pkg/power"
	"github.com/octoprobe/octoprobe/pkg/repl"
	"github.com/octoprobe/octoprobe/pkg/subproc"
	"github.com/octoprobe/octoprobe/pkg/tentacle"
	"github.com/octoprobe/octoprobe/pkg/udev"
)

const (
	// dutSettle is the gap between powering the DUT off and back on when
	// probing for its serial port.
	dutSettle = 100 * time.Millisecond

	// dutBootDeadline bounds the wait for the rebooted DUT's serial port.
	dutBootDeadline = 10 * time.Second
)

// Options configure a session.
type Options struct {
	// ResultBase is the directory under which the uuid-named result
	// directory is created. Empty uses ~/octoprobe_results.
	ResultBase string

	// Journal starts the kernel journal observer. It terminates the
	// process when the bench hardware turns unreliable.
	Journal bool

	// PowerOn power-cycles unresolved infra MCUs during discovery.
	PowerOn bool

	// Serials filters the discovered tentacles, nil selects all.
	Serials []string
}

// Session is one bench run: a result directory, the hotplug poller, the
// journal observer and the discovered tentacles bound to their configured
// specs.
type Session struct {
	ID        uuid.UUID
	ResultDir string
	Config    *Config
	Poller    *udev.Poller
	Observer  *journal.Observer
	Tentacles []*tentacle.Tentacle

	// OpenSession overrides the serial transport in tests.
	OpenSession flash.SessionOpener

	Log zerolog.Logger
}

// NewSession creates the result directory, starts the observers and
// discovers the tentacles of the testbed.
func NewSession(cfg *Config, opts Options, log zerolog.Logger) (*Session, error) {
	base := opts.ResultBase
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("bench: %w", err)
		}
		base = filepath.Join(home, "octoprobe_results")
	}

	s := &Session{
		ID:     uuid.New(),
		Config: cfg,
		Log:    log,
	}
	s.ResultDir = filepath.Join(base, s.ID.String())
	if err := os.MkdirAll(s.ResultDir, 0o755); err != nil {
		return nil, fmt.Errorf("bench: %w", err)
	}

	if opts.Journal {
		observer, err := journal.NewObserver(filepath.Join(s.ResultDir, "journalctl.log"), log)
		if err != nil {
			return nil, err
		}
		observer.Start()
		s.Observer = observer
	}

	poller, err := udev.NewNetlinkPoller(log)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Poller = poller

	if err := s.discover(opts); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) discover(opts Options) error {
	inv := tentacle.NewInventory(s.Log)
	tentacles, err := inv.Query(opts.PowerOn)
	if err != nil {
		return err
	}
	tentacles = tentacle.Select(tentacles, opts.Serials)
	for _, t := range tentacles {
		if !t.Resolved() {
			s.Log.Warn().Str("hub", t.HubLocation.Short()).Msg("tentacle unresolved, skipping")
			continue
		}
		if s.Config != nil {
			t.Spec = s.Config.SpecFor(t.Serial)
			if t.Spec == nil {
				s.Log.Warn().Str("serial", tentacle.SerialDelimited(t.Serial)).
					Msg("tentacle not in testbed config")
			}
		}
		s.Tentacles = append(s.Tentacles, t)
	}
	return nil
}

// Setup brings one tentacle into the defined idle state: DUT unpowered,
// infra firmware verified when the testbed names one, all relays open,
// active LED off.
func (s *Session) Setup(t *tentacle.Tentacle) error {
	if _, err := t.Power.Set(power.LineDut, false); err != nil {
		return err
	}
	if s.Config != nil && s.Config.InfraFirmware != "" {
		infraSpec, err := firmware.LoadSpec(s.Config.InfraFirmware)
		if err != nil {
			return err
		}
		logDir := filepath.Join(s.ResultDir, t.SerialShort())
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return fmt.Errorf("bench: %w", err)
		}
		runner := subproc.ExecRunner{Log: t.Log}
		if err := t.SetupInfra(s.Poller, runner, infraSpec, logDir); err != nil {
			return err
		}
	}
	t.AddRelays()
	if err := t.OpenRelays(); err != nil {
		return err
	}
	if _, err := t.Power.Set(power.LineLedActive, false); err != nil {
		return err
	}
	return nil
}

// FlashTentacle flashes the DUT of one tentacle. Unless forced, the whole
// sequence is skipped when the running firmware already reports the spec's
// version.
func (s *Session) FlashTentacle(t *tentacle.Tentacle, fwSpec *firmware.Spec, force bool) error {
	if t.Spec == nil {
		return fmt.Errorf("bench: %s: no spec configured", t.Label())
	}
	board, err := t.Spec.Board()
	if err != nil {
		return err
	}
	if !fwSpec.MatchesBoard(board) {
		return fmt.Errorf("bench: %s: firmware %s does not match board %q",
			t.Label(), fwSpec.BoardVariant, board)
	}
	tag, err := t.Spec.Programmer()
	if err != nil {
		return err
	}
	prog, err := flash.NewProgrammer(tag)
	if err != nil {
		return err
	}
	usbID, err := t.Spec.USBID()
	if err != nil {
		return err
	}

	target := &flash.Target{
		Label:          t.Label(),
		USBLocation:    t.DutLocation().Short(),
		USBID:          usbID,
		ProgrammerArgs: t.Spec.ProgrammerArgs,
		PowerLine:      power.LineDut,
		BootLine:       power.LineInfraBoot,
		Power:          t.Power,
		Poller:         s.Poller,
		Runner:         subproc.ExecRunner{Log: t.Log},
		Mounts:         udev.MountTable{},
		Log:            t.Log,
	}

	if !force && !fwSpec.RequiresFlashing() {
		installed, err := s.versionAlreadyInstalled(t, target, fwSpec)
		if err != nil {
			t.Log.Info().Err(err).Msg("cannot read installed version, flashing")
		} else if installed {
			t.Log.Info().Str("version", fwSpec.Version).Msg("firmware already installed")
			return nil
		}
	}

	logDir := filepath.Join(s.ResultDir, t.SerialShort())
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("bench: %w", err)
	}
	flasher := &flash.Flasher{Target: target, Programmer: prog, Open: s.openSession}
	_, err = flasher.Flash(fwSpec, logDir)
	return err
}

// versionAlreadyInstalled power-cycles the DUT into application mode and
// compares the running firmware against the spec.
func (s *Session) versionAlreadyInstalled(t *tentacle.Tentacle, target *flash.Target, fwSpec *firmware.Spec) (bool, error) {
	tty, err := s.powercycleDut(t, target)
	if err != nil {
		return false, err
	}
	sess, err := s.openSession(tty)
	if err != nil {
		return false, err
	}
	defer sess.Close()
	return flash.VersionInstalled(sess, fwSpec)
}

// powercycleDut reboots the DUT with the boot button released and waits for
// its serial port.
func (s *Session) powercycleDut(t *tentacle.Tentacle, target *flash.Target) (string, error) {
	err := t.Power.SetMany(map[power.LineName]bool{
		power.LineInfraBoot: true,
		power.LineDut:       false,
	})
	if err != nil {
		return "", err
	}
	time.Sleep(dutSettle)
	s.Poller.Flush()
	if _, err := t.Power.Set(power.LineDut, true); err != nil {
		return "", err
	}

	fp := mcu.ApplicationModeFingerprint(target.USBID.Application, target.USBLocation)
	fp.Actions = []string{udev.ActionAdd}
	ev, err := s.Poller.Expect(fp, t.Label(), fp.Label, dutBootDeadline)
	if err != nil {
		return "", err
	}
	app, err := udev.DecodeApplicationMode(ev)
	if err != nil {
		return "", err
	}
	return app.TTY, nil
}

func (s *Session) openSession(tty string) (flash.Session, error) {
	if s.OpenSession != nil {
		return s.OpenSession(tty)
	}
	sess, err := repl.Open(tty)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Teardown returns every tentacle to the idle state and drops the infra
// sessions.
func (s *Session) Teardown() {
	for _, t := range s.Tentacles {
		if _, err := t.Power.Set(power.LineDut, false); err != nil {
			t.Log.Warn().Err(err).Msg("teardown: dut power off failed")
		}
		if err := t.OpenRelays(); err != nil {
			t.Log.Warn().Err(err).Msg("teardown: opening relays failed")
		}
		if t.Infra != nil {
			t.Infra.Close()
		}
	}
}

// Close releases the poller and the journal observer.
func (s *Session) Close() {
	if s.Poller != nil {
		s.Poller.Close()
		s.Poller = nil
	}
	if s.Observer != nil {
		s.Observer.Close()
		s.Observer = nil
	}
}
