package udev

import (
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	mountTimeout   = 5 * time.Second
	mountPollEvery = 100 * time.Millisecond
)

// MountTable resolves block device nodes to filesystem mount points by
// polling a /proc/mounts style file. The zero value reads the real table.
type MountTable struct {
	// Path of the mount table, defaults to /proc/mounts.
	Path string
	// Timeout bounds the wait for the mount to appear, defaults to 5s.
	Timeout time.Duration
}

// MountEvent is the typed result of a matching "block disk add" event.
type MountEvent struct {
	MountPoint string
}

func (e MountEvent) String() string {
	return fmt.Sprintf("MountEvent(mount_point=%s)", e.MountPoint)
}

// DecodeMount resolves the block device of the event to its mount point,
// waiting for the automounter if needed.
func (t MountTable) DecodeMount(ev *Event, allowPartitionMount bool) (MountEvent, error) {
	if ev.DevNode == "" {
		return MountEvent{}, fmt.Errorf("udev: %s: event has no device node", ev)
	}
	mountPoint, err := t.WaitMountPoint(ev.DevNode, allowPartitionMount)
	if err != nil {
		return MountEvent{}, err
	}
	return MountEvent{MountPoint: mountPoint}, nil
}

// WaitMountPoint polls the mount table until devNode (or, if
// allowPartitionMount, any partition under it such as /dev/sda1 for
// /dev/sda) appears, and returns its mount point. The wait is bounded: a
// MountTimeoutError is returned if no mount appears.
func (t MountTable) WaitMountPoint(devNode string, allowPartitionMount bool) (string, error) {
	path := t.Path
	if path == "" {
		path = "/proc/mounts"
	}
	timeout := t.Timeout
	if timeout == 0 {
		timeout = mountTimeout
	}

	begin := time.Now()
	for {
		mountPoint, found := lookupMount(path, devNode, allowPartitionMount)
		if found {
			return mountPoint, nil
		}
		if time.Since(begin) > timeout {
			return "", &MountTimeoutError{DevNode: devNode, Timeout: timeout}
		}
		time.Sleep(mountPollEvery)
	}
}

func lookupMount(path, devNode string, allowPartitionMount bool) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.SplitN(line, " ", 3)
		if len(fields) < 3 {
			continue
		}
		partition, mountPoint := fields[0], fields[1]
		if partition == devNode {
			return mountPoint, true
		}
		if allowPartitionMount && strings.HasPrefix(partition, devNode) {
			return mountPoint, true
		}
	}
	return "", false
}
