package journal

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanKnownBad(t *testing.T) {
	journal := `_TRANSPORT=kernel
MESSAGE=usb 3-1.1.4: reset high-speed USB device number 68 using xhci_hcd
PRIORITY=6`
	match, ok := scanKnownBad(journal)
	require.True(t, ok)
	assert.Equal(t, "MESSAGE=usb 3-1.1.4: reset high-speed USB device number", match)

	_, ok = scanKnownBad("MESSAGE=usb 3-1: new full-speed USB device number 4")
	assert.False(t, ok)
}

func newTestObserver(t *testing.T) *Observer {
	t.Helper()
	logFile := filepath.Join(t.TempDir(), "journalctl.log")
	require.NoError(t, os.WriteFile(logFile, nil, 0o644))
	return &Observer{
		logFile: logFile,
		log:     zerolog.Nop(),
		stop:    make(chan struct{}),
	}
}

func TestWarningTailsOnlyNewText(t *testing.T) {
	o := newTestObserver(t)

	_, ok := o.Warning()
	assert.False(t, ok, "empty journal")

	appendFile(t, o.logFile, "MESSAGE=usb 1-1.4: can't set config #1, error -28\n")
	warning, ok := o.Warning()
	require.True(t, ok)
	assert.Contains(t, warning, "can't set config")
	assert.Contains(t, warning, o.logFile)

	// Already consumed text must not fire again.
	_, ok = o.Warning()
	assert.False(t, ok)
}

func TestWarningDetectsDeadJournalctl(t *testing.T) {
	o := newTestObserver(t)
	o.cmd = exec.Command("true")
	require.NoError(t, o.cmd.Start())
	o.reap()

	// The child exits immediately; the reaper must surface that even
	// though the capture file never grows.
	require.Eventually(t, func() bool {
		warning, ok := o.Warning()
		return ok && strings.Contains(warning, "unexpectedly exited")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartTerminatesOnKnownBadMessage(t *testing.T) {
	o := newTestObserver(t)
	fatal := make(chan string, 1)
	o.fatal = func(reason string) { fatal <- reason }

	o.Start()
	defer o.Close()

	appendFile(t, o.logFile, "MESSAGE=usb 3-1.1.4-port1: attempt power cycle\n")

	select {
	case reason := <-fatal:
		assert.Contains(t, reason, "attempt power cycle")
	case <-time.After(3 * time.Second):
		t.Fatal("observer did not react to the journal message")
	}
}

func appendFile(t *testing.T, path, text string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(text)
	require.NoError(t, err)
}
