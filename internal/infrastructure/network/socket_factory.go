package network

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// ListenTCP binds host:port and returns a non-blocking listening fd.
// host may be an IPv4 or IPv6 literal; empty binds every IPv4 interface.
func ListenTCP(host string, port int) (int, error) {
	sa, family, err := bindAddr(host, port)
	if err != nil {
		return 0, err
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return 0, err
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, err
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return 0, err
	}

	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return 0, err
	}

	return fd, nil
}

func bindAddr(host string, port int) (unix.Sockaddr, int, error) {
	if host == "" {
		return &unix.SockaddrInet4{Port: port}, unix.AF_INET, nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, 0, fmt.Errorf("invalid bind address %q", host)
	}
	if v4 := ip.To4(); v4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], v4)
		return sa, unix.AF_INET, nil
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return sa, unix.AF_INET6, nil
}

// ConnectTCP starts a non-blocking connect to ip:port and returns as
// soon as it is in flight; completion is observed through writability.
// A synchronous refusal is reported immediately.
func ConnectTCP(ip net.IP, port int) (int, error) {
	var sa unix.Sockaddr
	family := unix.AF_INET
	if v4 := ip.To4(); v4 != nil {
		s4 := &unix.SockaddrInet4{Port: port}
		copy(s4.Addr[:], v4)
		sa = s4
	} else {
		family = unix.AF_INET6
		s6 := &unix.SockaddrInet6{Port: port}
		copy(s6.Addr[:], ip.To16())
		sa = s6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, err
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, err
	}

	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return 0, err
	}

	return fd, nil
}

// BindUDP returns a non-blocking UDP socket for resolver traffic.
func BindUDP() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return 0, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, err
	}
	return fd, nil
}

// NewOneshotTimer returns a timerfd that becomes readable once, after
// seconds have elapsed. Closing the fd disarms it.
func NewOneshotTimer(seconds int) (int, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return 0, err
	}
	spec := unix.ItimerSpec{Value: unix.Timespec{Sec: int64(seconds)}}
	if err := unix.TimerfdSettime(fd, 0, &spec, nil); err != nil {
		unix.Close(fd)
		return 0, err
	}
	return fd, nil
}
