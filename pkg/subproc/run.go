// Package subproc runs external programmer tools with a wall-clock timeout
// and a per-attempt log file for operator follow-up.
package subproc

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Cmd describes one external invocation.
type Cmd struct {
	Args []string
	Cwd  string
	Env  []string // extra KEY=VALUE entries, appended to the inherited environment

	// LogFile captures the command line, combined stdout/stderr, exit code
	// and duration. Empty keeps the output in memory only.
	LogFile string

	Timeout time.Duration

	// SuccessCodes is the set of exit codes counted as success. Empty
	// means {0}.
	SuccessCodes []int
}

// ExitCodeError reports an exit code outside the declared success set. It
// names the log file so the operator can inspect the tool's output.
type ExitCodeError struct {
	Args    []string
	Code    int
	LogFile string
}

func (e *ExitCodeError) Error() string {
	msg := fmt.Sprintf("exec failed with returncode=%d: %s", e.Code, strings.Join(e.Args, " "))
	if e.LogFile != "" {
		msg += fmt.Sprintf("\nlogfile=%s", e.LogFile)
	}
	return msg
}

// Runner runs commands. The indirection exists so flashing choreographies
// can be exercised without the vendor tools installed.
type Runner interface {
	Run(cmd Cmd) error
}

// ExecRunner is the real Runner.
type ExecRunner struct {
	Log zerolog.Logger
}

// Run executes the command, honoring the timeout by killing the process on
// expiry. Non-success exit codes return an ExitCodeError.
func (r ExecRunner) Run(cmd Cmd) error {
	if len(cmd.Args) == 0 {
		return fmt.Errorf("subproc: empty argv")
	}
	successCodes := cmd.SuccessCodes
	if len(successCodes) == 0 {
		successCodes = []int{0}
	}

	ctx := context.Background()
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	proc := exec.CommandContext(ctx, cmd.Args[0], cmd.Args[1:]...)
	proc.Dir = cmd.Cwd
	if len(cmd.Env) > 0 {
		proc.Env = append(os.Environ(), cmd.Env...)
	}

	argsText := strings.Join(cmd.Args, " ")
	r.Log.Info().Str("args", argsText).Str("logfile", cmd.LogFile).Msg("exec")

	var logFile *os.File
	if cmd.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cmd.LogFile), 0o755); err != nil {
			return fmt.Errorf("subproc: %w", err)
		}
		var err error
		logFile, err = os.Create(cmd.LogFile)
		if err != nil {
			return fmt.Errorf("subproc: %w", err)
		}
		defer logFile.Close()
		fmt.Fprintf(logFile, "%s\n\n\n", argsText)
		proc.Stdout = logFile
		proc.Stderr = logFile
	}

	begin := time.Now()
	err := proc.Run()
	duration := time.Since(begin)

	if logFile != nil {
		fmt.Fprintf(logFile, "\n\nreturncode=%d\n", proc.ProcessState.ExitCode())
		fmt.Fprintf(logFile, "duration=%.3fs\n", duration.Seconds())
	}

	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("subproc: timeout after %.1fs: %s", cmd.Timeout.Seconds(), argsText)
	}
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return fmt.Errorf("subproc: %s: %w", argsText, err)
		}
	}
	code := proc.ProcessState.ExitCode()
	if !slices.Contains(successCodes, code) {
		r.Log.Warn().Str("args", argsText).Int("returncode", code).Dur("duration", duration).Msg("exec failed")
		return &ExitCodeError{Args: cmd.Args, Code: code, LogFile: cmd.LogFile}
	}
	r.Log.Debug().Str("args", argsText).Int("returncode", code).Dur("duration", duration).Msg("exec done")
	return nil
}
