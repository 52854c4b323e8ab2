// Package journal tails the kernel journal for USB error messages that
// indicate unreliable bench hardware, a flaky hub taints every result that
// follows, so the whole process is terminated as soon as one is seen.
//
// Reading the journal requires membership in the systemd-journal group.
package journal

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Known-bad kernel messages. Each of these was observed on benches with
// failing hubs or cabling.
var knownBad = []*regexp.Regexp{
	regexp.MustCompile(`MESSAGE=usb .*?: Not enough bandwidth for new device state`),
	regexp.MustCompile(`MESSAGE=usb .*?: can't set config`),
	regexp.MustCompile(`MESSAGE=usb .*?: reset high-speed USB device number`),
	regexp.MustCompile(`MESSAGE=usb .*?: attempt power cycle`),
}

const pollEvery = time.Second

// Observer follows "journalctl --follow" filtered to kernel USB warnings.
// The raw journal output is appended to a log file for operator follow-up;
// the observer itself only scans for the known-bad patterns.
type Observer struct {
	logFile string
	log     zerolog.Logger

	cmd     *exec.Cmd
	sink    *os.File
	readPos int64

	// exited closes once journalctl is reaped, expectedly or not.
	exited chan struct{}

	// fatal terminates the process, replaced in tests.
	fatal func(reason string)

	stop chan struct{}
}

// NewObserver starts journalctl and verifies the journal is clean. An error
// seen already at startup fails immediately.
func NewObserver(logFile string, log zerolog.Logger) (*Observer, error) {
	o := &Observer{
		logFile: logFile,
		log:     log,
		stop:    make(chan struct{}),
		fatal: func(reason string) {
			unix.Kill(os.Getpid(), unix.SIGTERM)
		},
	}

	args := []string{
		"journalctl",
		"--facility=kern",
		"--priority=warning..emerg",
		"--no-hostname",
		"_KERNEL_SUBSYSTEM=usb",
		"--output=verbose",
		"--since=now",
		"--follow",
	}

	sink, err := os.Create(logFile)
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	header := strings.Join(args, " ") + "\n\nUSB warnings will be appended below...\n"
	if _, err := sink.WriteString(header); err != nil {
		sink.Close()
		return nil, fmt.Errorf("journal: %w", err)
	}
	o.sink = sink
	o.readPos = int64(len(header))

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout = sink
	if err := cmd.Start(); err != nil {
		sink.Close()
		return nil, fmt.Errorf("journal: start journalctl: %w", err)
	}
	o.cmd = cmd
	o.reap()

	if warning, ok := o.Warning(); ok {
		o.Close()
		return nil, fmt.Errorf("journal: %s", warning)
	}
	return o, nil
}

// reap waits for journalctl in the background. Wait is the only thing that
// collects the exit of the child; the closed channel is what Warning can
// observe without racing the reaper.
func (o *Observer) reap() {
	o.exited = make(chan struct{})
	go func() {
		o.cmd.Wait()
		close(o.exited)
	}()
}

// Warning reports a pending known-bad journal entry, or that journalctl
// itself died.
func (o *Observer) Warning() (string, bool) {
	journal, err := o.readNew()
	if err == nil && journal != "" {
		if match, ok := scanKnownBad(journal); ok {
			return fmt.Sprintf("USB error %q: See %s", match, o.logFile), true
		}
	}
	if o.exited != nil {
		select {
		case <-o.exited:
			return fmt.Sprintf("journalctl has unexpectedly exited with %s. See %s",
				o.cmd.ProcessState, o.logFile), true
		default:
		}
	}
	return "", false
}

// readNew returns the journal text appended since the last call.
func (o *Observer) readNew() (string, error) {
	data, err := os.ReadFile(o.logFile)
	if err != nil {
		return "", err
	}
	if int64(len(data)) <= o.readPos {
		return "", nil
	}
	tail := string(data[o.readPos:])
	o.readPos = int64(len(data))
	return tail, nil
}

func scanKnownBad(journal string) (string, bool) {
	for _, re := range knownBad {
		if match := re.FindString(journal); match != "" {
			return match, true
		}
	}
	return "", false
}

// Start launches the background watcher. On a known-bad message the process
// is terminated, never silently swallowed.
func (o *Observer) Start() {
	go func() {
		ticker := time.NewTicker(pollEvery)
		defer ticker.Stop()
		for {
			select {
			case <-o.stop:
				return
			case <-ticker.C:
			}
			if warning, ok := o.Warning(); ok {
				o.log.Error().Str("logfile", o.logFile).Msg(warning)
				o.fatal(warning)
				return
			}
		}
	}()
}

// Close stops the watcher and journalctl.
func (o *Observer) Close() {
	select {
	case <-o.stop:
	default:
		close(o.stop)
	}
	if o.cmd != nil && o.cmd.Process != nil {
		o.cmd.Process.Kill()
		<-o.exited
	}
	if o.sink != nil {
		o.sink.Close()
		o.sink = nil
	}
}
