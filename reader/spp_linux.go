//go:build linux

package reader

import (
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// dialRFCOMM opens an RFCOMM stream socket to addr on channel.
func dialRFCOMM(addr string, channel int) (io.ReadWriteCloser, error) {
	mac, err := net.ParseMAC(addr)
	if err != nil || len(mac) != 6 {
		return nil, fmt.Errorf("bluetooth address %q: %w", addr, os.ErrNotExist)
	}

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("rfcomm socket: %w", err)
	}

	// The kernel wants the address little-endian.
	sa := &unix.SockaddrRFCOMM{Channel: uint8(channel)}
	for i := range 6 {
		sa.Addr[i] = mac[5-i]
	}
	if err := unix.Connect(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("rfcomm connect %s channel %d: %w", addr, channel, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("rfcomm nonblock: %w", err)
	}
	return os.NewFile(uintptr(fd), "rfcomm:"+addr), nil
}
