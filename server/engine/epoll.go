// low level epoll and socket plumbing
// only fd registration lives here, no HTTP logic
package engine

import (
	"golang.org/x/sys/unix"

	"github.com/pkg/errors"
)

const listenBacklog = 65535

// socket buffer size for large uploads and downloads
const sockBufSize = 16 * 1024 * 1024

// Poller wraps one epoll instance.
type Poller struct {
	epfd int
}

func NewPoller() (*Poller, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}
	return &Poller{epfd: epfd}, nil
}

func (p *Poller) events(ev uint32, oneshot, et bool) uint32 {
	ev |= unix.EPOLLRDHUP
	if et {
		ev |= unix.EPOLLET
	}
	if oneshot {
		ev |= unix.EPOLLONESHOT
	}
	return ev
}

// Add registers fd and switches it to non-blocking.
func (p *Poller) Add(fd int, ev uint32, oneshot, et bool) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: p.events(ev, oneshot, et),
		Fd:     int32(fd),
	})
	if err != nil {
		return errors.Wrap(err, "epoll_ctl add")
	}
	return unix.SetNonblock(fd, true)
}

// Mod re-arms a one-shot fd for the given event set.
func (p *Poller) Mod(fd int, ev uint32, et bool) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: p.events(ev, true, et),
		Fd:     int32(fd),
	})
}

// Del drops the fd from the interest set.
func (p *Poller) Del(fd int) {
	unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks until events arrive; the caller handles EINTR.
func (p *Poller) Wait(events []unix.EpollEvent) (int, error) {
	return unix.EpollWait(p.epfd, events, -1)
}

func (p *Poller) Close() {
	unix.Close(p.epfd)
}

// listenSocket creates, binds and starts the listen socket with the
// linger and buffer options from the config.
func listenSocket(port int, linger bool) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}

	lg := &unix.Linger{Onoff: 0, Linger: 1}
	if linger {
		lg.Onoff = 1
	}
	unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, lg)
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, sockBufSize)
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, sockBufSize)

	sa := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, errors.Wrapf(err, "bind port %d", port)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return -1, errors.Wrapf(err, "listen port %d", port)
	}
	return fd, nil
}

// tuneConnSocket sizes the per-connection kernel buffers.
func tuneConnSocket(fd int) {
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, sockBufSize)
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, sockBufSize)
}
