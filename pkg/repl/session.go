// Package repl drives MicroPython's raw REPL over a serial port: send code,
// read back a printed value, distinguish transport failures from failures of
// the code itself.
package repl

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"
)

const (
	defaultBaudRate = 115200
	defaultTimeout  = 2 * time.Second

	ctrlA = "\x01" // enter raw REPL
	ctrlC = "\x03" // interrupt running program
	ctrlD = "\x04" // execute / soft reset
)

var rawREPLBanner = []byte("raw REPL; CTRL-B to exit\r\n>")

// Port is the narrow serial interface the session needs. serial.Port
// satisfies it, and tests substitute an in-memory implementation.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// TransportError reports that the serial channel itself failed, as opposed
// to the remote code raising.
type TransportError struct {
	TTY string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("repl: %s: %v", e.TTY, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ExecError reports that the remote code raised; it carries the traceback
// text the device printed.
type ExecError struct {
	Code      string
	Traceback string
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("repl: remote code failed: %s", strings.TrimSpace(e.Traceback))
}

// Session is one raw REPL connection to a microcontroller.
type Session struct {
	tty  string
	open func(tty string) (Port, error)
	port Port
}

// Open connects to the tty and enters the raw REPL.
func Open(tty string) (*Session, error) {
	return open(tty, openSerial)
}

// OpenWith connects using a custom port factory, for tests and unusual
// transports.
func OpenWith(tty string, openPort func(tty string) (Port, error)) (*Session, error) {
	return open(tty, openPort)
}

func openSerial(tty string) (Port, error) {
	return serial.Open(tty, &serial.Mode{BaudRate: defaultBaudRate})
}

func open(tty string, openPort func(tty string) (Port, error)) (*Session, error) {
	s := &Session{tty: tty, open: openPort}
	if err := s.connect(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) connect() error {
	port, err := s.open(s.tty)
	if err != nil {
		return &TransportError{TTY: s.tty, Err: err}
	}
	s.port = port
	if err := s.enterRawREPL(); err != nil {
		port.Close()
		s.port = nil
		return err
	}
	return nil
}

func (s *Session) enterRawREPL() error {
	if _, err := s.port.Write([]byte("\r" + ctrlC + ctrlC)); err != nil {
		return &TransportError{TTY: s.tty, Err: err}
	}
	if _, err := s.port.Write([]byte("\r" + ctrlA)); err != nil {
		return &TransportError{TTY: s.tty, Err: err}
	}
	if _, err := s.readUntil(rawREPLBanner, defaultTimeout); err != nil {
		return err
	}
	return nil
}

// TTY returns the bound serial port path.
func (s *Session) TTY() string { return s.tty }

// Exec runs the code remotely and returns everything it printed. A non
// empty remote traceback yields an ExecError; channel failures yield a
// TransportError.
func (s *Session) Exec(code string, timeout time.Duration) (string, error) {
	if s.port == nil {
		return "", &TransportError{TTY: s.tty, Err: fmt.Errorf("session closed")}
	}
	if timeout == 0 {
		timeout = defaultTimeout
	}

	if _, err := s.port.Write([]byte(code)); err != nil {
		return "", &TransportError{TTY: s.tty, Err: err}
	}
	if _, err := s.port.Write([]byte(ctrlD)); err != nil {
		return "", &TransportError{TTY: s.tty, Err: err}
	}
	if _, err := s.readUntil([]byte("OK"), timeout); err != nil {
		return "", err
	}
	output, err := s.readUntil([]byte(ctrlD), timeout)
	if err != nil {
		return "", err
	}
	traceback, err := s.readUntil([]byte(ctrlD), timeout)
	if err != nil {
		return "", err
	}
	if len(traceback) > 0 {
		return "", &ExecError{Code: code, Traceback: string(traceback)}
	}
	return string(output), nil
}

// readUntil reads until the delimiter appears and returns the bytes before
// it.
func (s *Session) readUntil(delim []byte, timeout time.Duration) ([]byte, error) {
	if err := s.port.SetReadTimeout(50 * time.Millisecond); err != nil {
		return nil, &TransportError{TTY: s.tty, Err: err}
	}
	var data []byte
	buf := make([]byte, 256)
	deadline := time.Now().Add(timeout)
	for {
		if idx := bytes.Index(data, delim); idx >= 0 {
			return data[:idx], nil
		}
		if time.Now().After(deadline) {
			return nil, &TransportError{
				TTY: s.tty,
				Err: fmt.Errorf("timeout waiting for %q, got %q", delim, data),
			}
		}
		n, err := s.port.Read(buf)
		if err != nil {
			return nil, &TransportError{TTY: s.tty, Err: err}
		}
		data = append(data, buf[:n]...)
	}
}

// ExecString runs code whose last statement prints a string and returns it
// with the trailing newline stripped.
func (s *Session) ExecString(code string, timeout time.Duration) (string, error) {
	out, err := s.Exec(code, timeout)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(out, "\r\n"), nil
}

// ExecBool runs code whose last statement prints True or False.
func (s *Session) ExecBool(code string, timeout time.Duration) (bool, error) {
	out, err := s.ExecString(code, timeout)
	if err != nil {
		return false, err
	}
	switch out {
	case "True":
		return true, nil
	case "False":
		return false, nil
	}
	return false, fmt.Errorf("repl: expected bool, got %q", out)
}

// ExecInt runs code whose last statement prints an integer.
func (s *Session) ExecInt(code string, timeout time.Duration) (int, error) {
	out, err := s.ExecString(code, timeout)
	if err != nil {
		return 0, err
	}
	value, err := strconv.Atoi(out)
	if err != nil {
		return 0, fmt.Errorf("repl: expected int, got %q", out)
	}
	return value, nil
}

// Close releases the serial port and returns the tty path that was bound,
// or "" if the session was already closed.
func (s *Session) Close() string {
	if s.port == nil {
		return ""
	}
	s.port.Close()
	s.port = nil
	return s.tty
}

// BorrowPort suspends the session, hands the tty path to fn (e.g. for an
// external tool that needs the port exclusively) and re-opens the session
// afterwards. Re-opening happens on every exit path, also when fn fails.
func (s *Session) BorrowPort(fn func(tty string) error) error {
	s.Close()
	fnErr := fn(s.tty)
	if err := s.connect(); err != nil {
		if fnErr != nil {
			return fmt.Errorf("%w (and reconnect failed: %v)", fnErr, err)
		}
		return err
	}
	return fnErr
}
