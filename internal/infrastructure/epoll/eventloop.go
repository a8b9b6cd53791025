package epoll

import (
	"log/slog"

	"golang.org/x/sys/unix"

	"shadow-relay/internal/domain"
)

// LinuxEventLoop is a level-triggered epoll reactor. Level triggering
// matters here: the relay parks fds with no read interest while a
// direction is backpressured, and must be re-told about data it left
// unread once interest returns.
type LinuxEventLoop struct {
	epollFD int
}

func New() (*LinuxEventLoop, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &LinuxEventLoop{epollFD: fd}, nil
}

func (l *LinuxEventLoop) Register(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{
		Events: uint32(events),
		Fd:     int32(fd),
	}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_ADD, fd, evt)
}

// Modify replaces the interest mask of fd. A zero mask parks the fd:
// it stays registered but reports nothing except errors.
func (l *LinuxEventLoop) Modify(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{
		Events: uint32(events),
		Fd:     int32(fd),
	}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_MOD, fd, evt)
}

func (l *LinuxEventLoop) Unregister(fd int) error {
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_DEL, fd, nil)
}

// Run dispatches readiness events until EpollWait fails. Error and
// hang-up conditions are folded into combined read/write interest so
// handlers observe them through their usual recv/send paths.
func (l *LinuxEventLoop) Run(handler domain.EventHandler) error {
	events := make([]unix.EpollEvent, 128)
	for {
		n, err := unix.EpollWait(l.epollFD, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			evMask := events[i].Events

			var domainEv domain.EventType
			if evMask&unix.EPOLLIN != 0 {
				domainEv |= domain.EventRead
			}
			if evMask&unix.EPOLLOUT != 0 {
				domainEv |= domain.EventWrite
			}
			if evMask&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				domainEv |= domain.EventRead | domain.EventWrite
			}

			if err := handler.HandleEvent(fd, domainEv); err != nil {
				slog.Error("Event handler failed", "fd", fd, "error", err)
			}
		}
	}
}

func (l *LinuxEventLoop) Stop() {
	unix.Close(l.epollFD)
}
