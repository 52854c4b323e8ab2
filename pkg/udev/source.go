package udev

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Source yields decoded hotplug events. Receive blocks for at most maxWait
// and returns (nil, nil) when no event arrived in that window, which lets
// the Poller re-evaluate its deadline in short slices.
type Source interface {
	Receive(maxWait time.Duration) (*Event, error)
	Close() error
}

// udev multicast groups on the kernel uevent netlink family.
const (
	groupKernel = 1 // raw kernel uevents
	groupUdev   = 2 // uevents rebroadcast by udevd, enriched with ID_* properties
)

// libudev monitor framing, prepended by udevd to every rebroadcast uevent.
const (
	libudevPrefix = "libudev\x00"
	libudevMagic  = 0xfeedcafe
)

// subsystems we ever wait for. Everything else is dropped at receive time to
// bound event volume.
var wantedSubsystems = map[string]string{
	"tty":   "",
	"usb":   "usb_device",
	"block": "disk",
}

// NetlinkSource subscribes to the udev netlink multicast group and decodes
// uevents. One subscription is held for the whole monitoring session.
type NetlinkSource struct {
	fd int
}

// NewNetlinkSource opens the uevent netlink socket and joins the udevd
// multicast group. udevd events carry the ID_USB_VENDOR_ID/ID_USB_MODEL_ID
// properties the fingerprints compare against; raw kernel events do not.
func NewNetlinkSource() (*NetlinkSource, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("udev: netlink socket: %w", err)
	}
	addr := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: groupUdev,
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("udev: netlink bind: %w", err)
	}
	return &NetlinkSource{fd: fd}, nil
}

// Receive waits up to maxWait for the next uevent in one of the wanted
// subsystems. Events of other subsystems are consumed and dropped without
// restarting the wait.
func (s *NetlinkSource) Receive(maxWait time.Duration) (*Event, error) {
	deadline := time.Now().Add(maxWait)
	for {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, int(remaining.Milliseconds()))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("udev: poll: %w", err)
		}
		if n == 0 {
			return nil, nil
		}

		buf := make([]byte, 16*1024)
		n, _, err = unix.Recvfrom(s.fd, buf, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("udev: recvfrom: %w", err)
		}

		ev, err := decodeUevent(buf[:n])
		if err != nil {
			// Malformed datagram, keep listening.
			continue
		}
		if devType, ok := wantedSubsystems[ev.Subsystem]; ok && devType == ev.DevType {
			return ev, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
	}
}

// Close releases the netlink subscription.
func (s *NetlinkSource) Close() error {
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}

// decodeUevent understands both the libudev monitor framing and raw kernel
// "action@devpath\0KEY=VALUE\0..." datagrams.
func decodeUevent(data []byte) (*Event, error) {
	payload := data
	if bytes.HasPrefix(data, []byte(libudevPrefix)) {
		if len(data) < 24 {
			return nil, fmt.Errorf("udev: short libudev header (%d bytes)", len(data))
		}
		if binary.BigEndian.Uint32(data[8:12]) != libudevMagic {
			return nil, fmt.Errorf("udev: bad libudev magic")
		}
		propertiesOff := binary.LittleEndian.Uint32(data[16:20])
		if int(propertiesOff) > len(data) {
			return nil, fmt.Errorf("udev: properties offset %d beyond datagram", propertiesOff)
		}
		payload = data[propertiesOff:]
	}

	properties := make(map[string]string)
	for _, field := range bytes.Split(payload, []byte{0}) {
		if len(field) == 0 {
			continue
		}
		key, value, found := bytes.Cut(field, []byte{'='})
		if !found {
			// The raw kernel format leads with "action@devpath".
			if action, devPath, ok := bytes.Cut(field, []byte{'@'}); ok {
				properties[propAction] = string(action)
				properties[propDevPath] = string(devPath)
			}
			continue
		}
		properties[string(key)] = string(value)
	}
	if properties[propAction] == "" || properties[propSubsystem] == "" {
		return nil, fmt.Errorf("udev: datagram without ACTION/SUBSYSTEM")
	}
	return NewEvent(properties), nil
}
