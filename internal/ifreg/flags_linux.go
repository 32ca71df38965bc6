//go:build linux

package ifreg

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// unixFlagBackend reads and writes interface flags via SIOCGIFFLAGS and
// SIOCSIFFLAGS ioctls on a short-lived AF_INET/SOCK_DGRAM socket, the
// standard way of touching interface flags on Linux without netlink.
type unixFlagBackend struct{}

func newFlagBackend() (b flagBackend) { return unixFlagBackend{} }

func (unixFlagBackend) getPromisc(ifindex int) (on bool, err error) {
	return testFlag(ifindex, unix.IFF_PROMISC)
}

func (unixFlagBackend) setPromisc(ifindex int, on bool) (err error) {
	return setFlag(ifindex, unix.IFF_PROMISC, on)
}

func (unixFlagBackend) getAllMulti(ifindex int) (on bool, err error) {
	return testFlag(ifindex, unix.IFF_ALLMULTI)
}

func (unixFlagBackend) setAllMulti(ifindex int, on bool) (err error) {
	return setFlag(ifindex, unix.IFF_ALLMULTI, on)
}

// testFlag reports whether bit is set in the live flags word of the
// interface identified by ifindex.
func testFlag(ifindex int, bit uint32) (on bool, err error) {
	flags, err := getFlags(ifindex)
	if err != nil {
		return false, err
	}

	return flags&bit != 0, nil
}

// setFlag sets or clears bit in the live flags word of the interface
// identified by ifindex, leaving every other flag untouched.
func setFlag(ifindex int, bit uint32, on bool) (err error) {
	flags, err := getFlags(ifindex)
	if err != nil {
		return err
	}

	if on {
		flags |= bit
	} else {
		flags &^= bit
	}

	return putFlags(ifindex, flags)
}

// getFlags reads the kernel's current IFF_* flags word for ifindex.
func getFlags(ifindex int) (flags uint32, err error) {
	name, err := indexToName(ifindex)
	if err != nil {
		return 0, err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return 0, fmt.Errorf("socket: %w", err)
	}
	defer unix.Close(fd)

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return 0, fmt.Errorf("ifreq: %w", err)
	}

	if err = unix.IoctlIfreq(fd, unix.SIOCGIFFLAGS, ifr); err != nil {
		return 0, fmt.Errorf("SIOCGIFFLAGS on %s: %w", name, err)
	}

	return uint32(ifr.Uint16()), nil
}

// putFlags writes flags as the kernel's IFF_* flags word for ifindex.
func putFlags(ifindex int, flags uint32) (err error) {
	name, err := indexToName(ifindex)
	if err != nil {
		return err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	defer unix.Close(fd)

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return fmt.Errorf("ifreq: %w", err)
	}
	ifr.SetUint16(uint16(flags))

	if err = unix.IoctlIfreq(fd, unix.SIOCSIFFLAGS, ifr); err != nil {
		return fmt.Errorf("SIOCSIFFLAGS on %s: %w", name, err)
	}

	return nil
}

func indexToName(ifindex int) (name string, err error) {
	iface, err := net.InterfaceByIndex(ifindex)
	if err != nil {
		return "", err
	}

	return iface.Name, nil
}
