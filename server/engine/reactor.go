// the reactor: one goroutine owns the listen fd, the multiplexer,
// the signal self-pipe and the connection table
package engine

import (
	"context"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kfcemployee/webserv/server/config"
	"github.com/kfcemployee/webserv/server/db"
	"github.com/kfcemployee/webserv/server/logging"
	"github.com/kfcemployee/webserv/server/timer"
)

// signal bytes travelling through the self-pipe
const (
	alarmByte = byte(unix.SIGALRM)
	termByte  = byte(unix.SIGTERM)
)

// maxRequests bounds the pending task FIFO.
const maxRequests = 10000

// improv polling: 100us naps, 100ms cap
const (
	improvNap    = 100 * time.Microsecond
	improvRounds = 1000
)

// Reactor runs the event loop. Workers mutate a connection only while
// it is checked out to them; one-shot registration guarantees no two
// workers ever see the same fd concurrently.
type Reactor struct {
	cfg config.Config

	poller   *Poller
	listenFd int
	pipe     [2]int // [0] read end in the epoll set, [1] written by the tick/signal forwarders

	conns  []atomic.Pointer[Conn]
	timers *timer.List
	pool   *workerPool

	dispatcher Dispatcher
	tracker    PeerTracker
	dbPool     *db.Pool

	userCount atomic.Int32

	listenET bool
	connET   bool
	reactor  bool // workers do the socket I/O themselves

	quit chan struct{}
}

// New wires the reactor: listen socket, epoll set, self-pipe, worker
// pool. Any failure here is startup-fatal for the caller.
func New(cfg config.Config, d Dispatcher, tr PeerTracker, dbPool *db.Pool) (*Reactor, error) {
	r := &Reactor{
		cfg:        cfg,
		dispatcher: d,
		tracker:    tr,
		dbPool:     dbPool,
		timers:     timer.NewList(),
		listenET:   cfg.ListenET(),
		connET:     cfg.ConnET(),
		reactor:    cfg.Reactor(),
		quit:       make(chan struct{}),
	}

	fd, err := listenSocket(cfg.Port, cfg.Linger == 1)
	if err != nil {
		return nil, err
	}
	r.listenFd = fd

	poller, err := NewPoller()
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	r.poller = poller

	if err := poller.Add(fd, unix.EPOLLIN, false, r.listenET); err != nil {
		r.closeFds()
		return nil, err
	}

	pipe, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		r.closeFds()
		return nil, err
	}
	r.pipe = pipe
	unix.SetNonblock(r.pipe[1], true)
	if err := poller.Add(r.pipe[0], unix.EPOLLIN, false, false); err != nil {
		r.closeFds()
		return nil, err
	}

	var rlim unix.Rlimit
	tableSize := uint64(config.MaxFD) * 2
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err == nil && rlim.Cur > tableSize {
		tableSize = rlim.Cur
	}
	if tableSize > 1<<20 {
		tableSize = 1 << 20
	}
	r.conns = make([]atomic.Pointer[Conn], tableSize)

	pool, err := newWorkerPool(cfg.Threads, maxRequests, r.runTask)
	if err != nil {
		r.closeFds()
		return nil, err
	}
	r.pool = pool
	return r, nil
}

func (r *Reactor) closeFds() {
	if r.poller != nil {
		r.poller.Close()
	}
	if r.listenFd > 0 {
		unix.Close(r.listenFd)
	}
	if r.pipe[0] > 0 {
		unix.Close(r.pipe[0])
		unix.Close(r.pipe[1])
	}
}

// ConnCount is the live connection total, for the status snapshot.
func (r *Reactor) ConnCount() int { return int(r.userCount.Load()) }

// Port reports the bound listen port, useful with port 0.
func (r *Reactor) Port() int {
	sa, err := unix.Getsockname(r.listenFd)
	if err != nil {
		return r.cfg.Port
	}
	if v4, ok := sa.(*unix.SockaddrInet4); ok {
		return v4.Port
	}
	return r.cfg.Port
}

func (r *Reactor) decUserCount() { r.userCount.Add(-1) }

func (r *Reactor) conn(fd int) *Conn {
	if fd < 0 || fd >= len(r.conns) {
		return nil
	}
	return r.conns[fd].Load()
}

func (r *Reactor) forgetConn(fd int) {
	if fd >= 0 && fd < len(r.conns) {
		r.conns[fd].Store(nil)
	}
}

// Stop asks the loop to exit, same path a SIGTERM takes.
func (r *Reactor) Stop() {
	unix.Write(r.pipe[1], []byte{termByte})
}

// Run enters the event loop and blocks until a terminate signal. The
// periodic tick and OS signals are forwarded into the self-pipe so
// the loop has a single wakeup source.
func (r *Reactor) Run() error {
	signal.Ignore(syscall.SIGPIPE)

	go r.forwardTicks()
	go r.forwardSignals()

	logging.Infof("listening on port %d, trig=%s+%s, model=%s",
		r.cfg.Port, lt(r.listenET), lt(r.connET), model(r.reactor))

	err := r.eventLoop()
	r.shutdown()
	return err
}

func lt(et bool) string {
	if et {
		return "ET"
	}
	return "LT"
}

func model(reactor bool) string {
	if reactor {
		return "Reactor"
	}
	return "Proactor"
}

func (r *Reactor) forwardTicks() {
	tick := time.NewTicker(config.Timeslot * time.Second)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			unix.Write(r.pipe[1], []byte{alarmByte})
		case <-r.quit:
			return
		}
	}
}

func (r *Reactor) forwardSignals() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM)
	defer signal.Stop(ch)
	for {
		select {
		case <-ch:
			unix.Write(r.pipe[1], []byte{termByte})
		case <-r.quit:
			return
		}
	}
}

func (r *Reactor) eventLoop() error {
	events := make([]unix.EpollEvent, config.MaxEvents)
	timeout := false
	stop := false

	for !stop {
		n, err := r.poller.Wait(events)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			logging.Errorf("epoll failure: %v", err)
			return err
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			ev := events[i].Events

			switch {
			case fd == r.listenFd:
				r.dealClientData()
			case ev&(unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0:
				if c := r.conn(fd); c != nil {
					r.dealTimer(c)
				}
			case fd == r.pipe[0] && ev&unix.EPOLLIN != 0:
				r.dealSignal(&timeout, &stop)
			case ev&unix.EPOLLIN != 0:
				if c := r.conn(fd); c != nil {
					r.dealWithRead(c)
				}
			case ev&unix.EPOLLOUT != 0:
				if c := r.conn(fd); c != nil {
					r.dealWithWrite(c)
				}
			}
		}

		if timeout {
			r.timers.Tick(time.Now().Unix())
			logging.Debugf("timer tick")
			timeout = false
		}
	}
	return nil
}

func (r *Reactor) dealSignal(timeout, stop *bool) {
	var buf [1024]byte
	n, err := unix.Read(r.pipe[0], buf[:])
	if err != nil || n <= 0 {
		return
	}
	for _, b := range buf[:n] {
		switch b {
		case alarmByte:
			*timeout = true
		case termByte:
			*stop = true
		}
	}
}

// dealClientData accepts new connections: once in LT mode, a full
// drain in ET mode.
func (r *Reactor) dealClientData() {
	for {
		nfd, sa, err := unix.Accept(r.listenFd)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
				logging.Errorf("accept error: %v", err)
			}
			return
		}
		if int(r.userCount.Load()) >= config.MaxFD || nfd >= len(r.conns) {
			unix.Write(nfd, []byte("Internal server busy"))
			unix.Close(nfd)
			logging.Errorf("internal server busy")
			if !r.listenET {
				return
			}
			continue
		}
		r.installConn(nfd, sa)
		if !r.listenET {
			return
		}
	}
}

func peerIP(sa unix.Sockaddr) string {
	if v4, ok := sa.(*unix.SockaddrInet4); ok {
		return net.IP(v4.Addr[:]).String()
	}
	return ""
}

func (r *Reactor) installConn(fd int, sa unix.Sockaddr) {
	tuneConnSocket(fd)

	c := newConn(r, fd, peerIP(sa))
	r.conns[fd].Store(c)

	if err := r.poller.Add(fd, unix.EPOLLIN, true, r.connET); err != nil {
		logging.Errorf("register conn fd %d: %v", fd, err)
		r.conns[fd].Store(nil)
		r.tracker.ConnClosed(c.ip)
		unix.Close(fd)
		return
	}
	r.userCount.Add(1)

	c.timer = &timer.Timer{
		Expire: time.Now().Unix() + 3*config.Timeslot,
		Fire: func() {
			logging.Infof("close fd %d on timeout", fd)
			c.closeNow()
		},
	}
	r.timers.Add(c.timer)
}

// adjustTimer pushes the idle deadline out after any activity.
func (r *Reactor) adjustTimer(c *Conn) {
	if c.timer == nil {
		return
	}
	c.timer.Expire = time.Now().Unix() + 3*config.Timeslot
	r.timers.Adjust(c.timer)
	logging.Debugf("adjust timer once")
}

// dealTimer runs the close callback and removes the timer node.
func (r *Reactor) dealTimer(c *Conn) {
	fd := c.fd
	c.closeNow()
	if c.timer != nil {
		r.timers.Del(c.timer)
		c.timer = nil
	}
	logging.Infof("close fd %d", fd)
}

// waitImprov polls the worker handshake flags with bounded naps. On
// cap overrun the loop simply continues; the one-shot re-arm inside
// write/process is what resubscribes the fd.
func (r *Reactor) waitImprov(c *Conn) {
	for i := 0; i < improvRounds; i++ {
		if c.improv.Load() == 1 {
			if c.timerFlag.Load() == 1 {
				r.dealTimer(c)
				c.timerFlag.Store(0)
			}
			c.improv.Store(0)
			return
		}
		time.Sleep(improvNap)
	}
}

func (r *Reactor) dealWithRead(c *Conn) {
	if r.reactor {
		r.adjustTimer(c)
		if !r.pool.append(c, roleRead) {
			logging.Warnf("task queue full, dropping fd %d", c.fd)
			r.dealTimer(c)
			return
		}
		r.waitImprov(c)
		return
	}

	// proactor: the reactor performs the read itself
	if c.readOnce() {
		logging.Infof("deal with the client(%s)", c.ip)
		if !r.pool.appendProcess(c) {
			logging.Warnf("task queue full, dropping fd %d", c.fd)
			r.dealTimer(c)
			return
		}
		r.adjustTimer(c)
	} else {
		r.dealTimer(c)
	}
}

func (r *Reactor) dealWithWrite(c *Conn) {
	if r.reactor {
		r.adjustTimer(c)
		if !r.pool.append(c, roleWrite) {
			logging.Warnf("task queue full, dropping fd %d", c.fd)
			r.dealTimer(c)
			return
		}
		r.waitImprov(c)
		return
	}

	// proactor: the reactor drains the response itself
	if c.write() {
		logging.Infof("send data to the client(%s)", c.ip)
		r.adjustTimer(c)
	} else {
		r.dealTimer(c)
	}
}

// runTask is the worker body. Workers never report errors upward;
// they mark the connection through timerFlag and let the reactor
// clean up.
func (r *Reactor) runTask(t task) {
	c := t.c
	switch t.role {
	case roleRead:
		if c.readOnce() {
			r.withDB(c, func() { c.process() })
		} else {
			c.timerFlag.Store(1)
		}
		c.improv.Store(1)
	case roleWrite:
		if !c.write() {
			c.timerFlag.Store(1)
		}
		c.improv.Store(1)
	case roleProcess:
		r.withDB(c, func() { c.process() })
	}
}

// withDB borrows a database handle around fn; the scoped release runs
// on every exit path.
func (r *Reactor) withDB(c *Conn, fn func()) {
	if r.dbPool == nil {
		fn()
		return
	}
	h, err := r.dbPool.Acquire(context.Background())
	if err != nil {
		logging.Errorf("db acquire: %v", err)
		fn()
		return
	}
	defer h.Release()
	c.dbh = h
	defer func() { c.dbh = nil }()
	fn()
}

func (r *Reactor) shutdown() {
	close(r.quit)
	r.pool.close()

	for i := range r.conns {
		if c := r.conns[i].Load(); c != nil {
			c.closeNow()
		}
	}
	r.poller.Del(r.pipe[0])
	unix.Close(r.pipe[0])
	unix.Close(r.pipe[1])
	r.poller.Del(r.listenFd)
	unix.Close(r.listenFd)
	r.poller.Close()
	logging.Infof("server stopped")
}
