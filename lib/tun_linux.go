//go:build linux
// +build linux

package lib

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"unsafe"
)

// TunDevice is the Linux TUN implementation of DataLayer: raw IP frames,
// optionally prefixed with the 4-byte packet-info header when packetInfo
// is requested at open time.
type TunDevice struct {
	fd         int
	name       string
	packetInfo bool
}

// OpenTun creates or attaches the named TUN interface. With packetInfo the
// driver prepends flags+EtherType to every frame (and expects them on
// writes); without it IFF_NO_PI is set and frames start at the IP header.
func OpenTun(name string, packetInfo bool) (*TunDevice, error) {
	if len(name) >= syscall.IFNAMSIZ {
		return nil, fmt.Errorf("tun interface name %q too long", name)
	}
	fd, err := syscall.Open("/dev/net/tun", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening /dev/net/tun: %w", err)
	}

	ifr := makeIfreq(name)
	flags := uint16(syscall.IFF_TUN)
	if !packetInfo {
		flags |= syscall.IFF_NO_PI
	}
	ifr.setFlags(flags)

	if err := ioctl(fd, syscall.TUNSETIFF, ifr.ptr()); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("creating tun interface %s: %w", name, err)
	}

	return &TunDevice{fd: fd, name: name, packetInfo: packetInfo}, nil
}

// Name returns the interface name.
func (t *TunDevice) Name() string { return t.name }

// Offset returns the number of prefix bytes before the IP header on this
// device's frames.
func (t *TunDevice) Offset() int {
	if t.packetInfo {
		return TunPrefixLength
	}
	return 0
}

// ConfigureAddress brings the interface up and assigns cidr to it via the
// ip command, the same way the interface would be prepared by hand.
func (t *TunDevice) ConfigureAddress(cidr string) error {
	if err := exec.Command("ip", "link", "set", "dev", t.name, "up").Run(); err != nil {
		return fmt.Errorf("bringing %s up: %w", t.name, err)
	}
	if err := exec.Command("ip", "addr", "add", cidr, "dev", t.name).Run(); err != nil {
		return fmt.Errorf("assigning %s to %s: %w", cidr, t.name, err)
	}
	return nil
}

func (t *TunDevice) Send(data []byte) (int, error) {
	return syscall.Write(t.fd, data)
}

func (t *TunDevice) Recv(data []byte) (int, error) {
	return syscall.Read(t.fd, data)
}

func (t *TunDevice) Close() error {
	return syscall.Close(t.fd)
}

// ifreq mirrors struct ifreq from linux/if.h: IFNAMSIZ name bytes followed
// by the request union, of which we only use the 16-bit flags field.
type ifreq struct {
	raw [40]byte
}

func makeIfreq(name string) *ifreq {
	var ifr ifreq
	copy(ifr.raw[:syscall.IFNAMSIZ-1], name)
	return &ifr
}

func (ifr *ifreq) setFlags(flags uint16) {
	*(*uint16)(unsafe.Pointer(&ifr.raw[syscall.IFNAMSIZ])) = flags
}

func (ifr *ifreq) ptr() unsafe.Pointer {
	return unsafe.Pointer(&ifr.raw[0])
}

func ioctl(fd int, request uintptr, argp unsafe.Pointer) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), request, uintptr(argp))
	if errno != 0 {
		return os.NewSyscallError("ioctl", errno)
	}
	return nil
}
