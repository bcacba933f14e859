//go:build linux

// Package netutil provides raw-socket helpers that net.Listen and
// net.ListenConfig don't expose: a configurable TCP accept backlog, and a
// UDP socket with SO_BROADCAST enabled.
package netutil

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// Listen opens a TCP listener on addr (host:port, host may be empty for
// all interfaces) with the given accept backlog. Plain net.Listen always
// uses the kernel's somaxconn-derived default and has no way to request a
// smaller or larger backlog explicitly.
func Listen(addr string, backlog int) (net.Listener, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("netutil: split addr %q: %w", addr, err)
	}
	var ip net.IP
	if host != "" {
		ip = net.ParseIP(host)
		if ip == nil {
			resolved, err := net.ResolveIPAddr("ip4", host)
			if err != nil {
				return nil, fmt.Errorf("netutil: resolve %q: %w", host, err)
			}
			ip = resolved.IP
		}
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return nil, fmt.Errorf("netutil: parse port %q: %w", portStr, err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("netutil: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("netutil: setsockopt reuseaddr: %w", err)
	}

	sa := &unix.SockaddrInet4{Port: port}
	if ip != nil {
		copy(sa.Addr[:], ip.To4())
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("netutil: bind %s: %w", addr, err)
	}
	if backlog <= 0 {
		backlog = 16
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("netutil: listen backlog=%d: %w", backlog, err)
	}

	f := os.NewFile(uintptr(fd), fmt.Sprintf("tcp-listener-%s", addr))
	ln, err := net.FileListener(f)
	_ = f.Close() // net.FileListener dup'd the fd; close our copy
	if err != nil {
		return nil, fmt.Errorf("netutil: FileListener: %w", err)
	}
	return ln, nil
}

// NewBroadcastPacketConn opens a UDP socket bound to addr with SO_BROADCAST
// enabled, for use by the discovery prober. net.ListenConfig exposes a
// Control hook that could set this too, but constructing the raw socket
// directly keeps this symmetric with Listen above and with the teacher
// repository's raw-syscall style for socket options the standard library
// doesn't surface.
func NewBroadcastPacketConn(addr string) (net.PacketConn, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fmt.Errorf("netutil: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("netutil: setsockopt broadcast: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("netutil: setsockopt reuseaddr: %w", err)
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("netutil: split addr %q: %w", addr, err)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("netutil: parse port %q: %w", portStr, err)
	}
	sa := &unix.SockaddrInet4{Port: port}
	if host != "" {
		if ip := net.ParseIP(host); ip != nil {
			copy(sa.Addr[:], ip.To4())
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("netutil: bind %s: %w", addr, err)
	}

	f := os.NewFile(uintptr(fd), fmt.Sprintf("udp-broadcast-%s", addr))
	pc, err := net.FilePacketConn(f)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("netutil: FilePacketConn: %w", err)
	}
	return pc, nil
}
