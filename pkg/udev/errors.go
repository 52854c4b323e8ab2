package udev

import (
	"fmt"
	"time"
)

// TimeoutError reports that the expected hotplug event never arrived within
// the deadline. It carries the operator-legible description of what was
// expected and where, so the failure message names the physical fixture.
type TimeoutError struct {
	Where   string
	Expect  string
	Elapsed time.Duration
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %s: duration %.3fs of %.3fs",
		e.Where, e.Expect, e.Elapsed.Seconds(), e.Timeout.Seconds())
}

// FailFilterError reports that an event matched an explicitly declared
// "this would indicate something went wrong" fingerprint. It is distinct
// from a plain timeout: the hardware did something, just not the right thing.
type FailFilterError struct {
	Label string
	Event string
}

func (e *FailFilterError) Error() string {
	return fmt.Sprintf("event %q matches fail filter %q", e.Event, e.Label)
}

// MountTimeoutError reports that a block device never appeared in the mount
// table within the bounded wait.
type MountTimeoutError struct {
	DevNode string
	Timeout time.Duration
}

func (e *MountTimeoutError) Error() string {
	return fmt.Sprintf("waiting %.1fs for %q to be mounted", e.Timeout.Seconds(), e.DevNode)
}
