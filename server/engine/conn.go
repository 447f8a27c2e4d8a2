// per-fd connection state machine: read, parse, dispatch, write
package engine

import (
	"context"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/kfcemployee/webserv/server/config"
	"github.com/kfcemployee/webserv/server/db"
	"github.com/kfcemployee/webserv/server/logging"
	"github.com/kfcemployee/webserv/server/protocol"
	"github.com/kfcemployee/webserv/server/timer"
)

const (
	readBufferSize  = 64 * 1024
	writeBufferSize = 8 * 1024
	maxReadBuffer   = config.MaxBodySize + 4096
)

// worker task roles
const (
	roleRead = iota
	roleWrite
	roleProcess // proactor: reactor already did the read
)

// Response is what the dispatcher hands back: a result code plus the
// pieces of the reply.
type Response struct {
	Code        protocol.Code
	Status      int
	ContentType string
	Extra       string // pre-formatted extra header lines
	Body        Body
}

// Dispatcher turns a parsed request into a Response. The db handle is
// whatever the worker holds for the duration of the call, nil outside
// worker context.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *protocol.Request, dbh *db.Handle) Response
	// Oversize renders the 413 page for a rejected Content-Length.
	Oversize() Response
}

// PeerTracker keeps the per-IP connection counts and global request
// statistics.
type PeerTracker interface {
	// ConnOpened normalizes the raw peer address and counts it in.
	ConnOpened(raw string) (normalized string)
	ConnClosed(normalized string)
	// SwapIP moves a connection to the address a proxy header named.
	SwapIP(oldNormalized, raw string) (normalized string)
	RequestServed()
}

// Conn is the per-fd record. Exactly one goroutine touches it between
// two multiplexer notifications (one-shot registration); improv and
// timerFlag are the only cross-goroutine fields.
type Conn struct {
	fd int
	ip string // normalized peer address

	readBuf []byte
	readIdx int
	m       protocol.Machine

	writeBuf []byte
	writeIdx int

	resp        Response
	iov         [2][]byte
	bytesToSend int
	linger      bool

	timer *timer.Timer

	improv    atomic.Int32
	timerFlag atomic.Int32
	role      int

	r   *Reactor
	dbh *db.Handle
}

func newConn(r *Reactor, fd int, rawIP string) *Conn {
	c := &Conn{
		fd:       fd,
		r:        r,
		readBuf:  make([]byte, readBufferSize),
		writeBuf: make([]byte, writeBufferSize),
	}
	c.ip = r.tracker.ConnOpened(rawIP)
	c.m.MaxBody = config.MaxBodySize
	c.m.OnContinue = func() {
		unix.Write(c.fd, protocol.Continue100)
	}
	c.m.OnClientIP = func(ip string) {
		c.ip = r.tracker.SwapIP(c.ip, ip)
	}
	c.m.OnUnknownHeader = func(line []byte) {
		logging.Debugf("unknown header: %s", line)
	}
	c.m.Reset()
	return c
}

// resetState clears everything request-scoped while keeping the fd,
// peer identity and timer.
func (c *Conn) resetState() {
	c.m.Reset()
	c.writeIdx = 0
	c.resp = Response{}
	c.iov[0], c.iov[1] = nil, nil
	c.bytesToSend = 0
	c.linger = false
	c.improv.Store(0)
	c.timerFlag.Store(0)
	c.dbh = nil
}

// growReadBuffer doubles the buffer, clamped to the body cap plus
// header slack. Returns false once the cap is hit.
func (c *Conn) growReadBuffer() bool {
	current := len(c.readBuf)
	if current >= maxReadBuffer {
		return false
	}
	next := current * 2
	if next < current+4096 {
		next = current + 4096
	}
	if next > maxReadBuffer {
		next = maxReadBuffer
	}
	grown := make([]byte, next)
	copy(grown, c.readBuf[:c.readIdx])
	c.readBuf = grown
	return true
}

// ensureBuffer pre-grows for an announced body, mirroring the header
// hint: capped at twice the initial size, the read loop doubles past
// that on demand.
func (c *Conn) ensureBuffer(hint int) {
	needed := hint
	if max := 2 * readBufferSize; needed > max {
		needed = max
	}
	if needed > len(c.readBuf) {
		grown := make([]byte, needed)
		copy(grown, c.readBuf[:c.readIdx])
		c.readBuf = grown
	}
}

// readOnce drains the socket into the read buffer. LT and ET both
// loop until EAGAIN; the growth path is what lets large uploads in.
// Returns false on EOF, reset or growth failure.
func (c *Conn) readOnce() bool {
	for {
		if c.readIdx >= len(c.readBuf) {
			if !c.growReadBuffer() {
				logging.Errorf("read: buffer cap reached at %d bytes, fd=%d", c.readIdx, c.fd)
				return false
			}
		}
		n, err := unix.Read(c.fd, c.readBuf[c.readIdx:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return true
			}
			if err == unix.EINTR {
				continue
			}
			return false
		}
		if n == 0 {
			return false
		}
		c.readIdx += n
	}
}

// process runs parse, dispatch and response assembly. Returns false
// when more bytes are needed (the fd was re-armed for read).
func (c *Conn) process() bool {
	code := c.processRead()
	if code == protocol.NoRequest {
		c.r.poller.Mod(c.fd, unix.EPOLLIN, c.r.connET)
		return false
	}
	c.r.tracker.RequestServed()
	if !c.processWrite(code) {
		logging.Errorf("process: response assembly failed, fd=%d", c.fd)
		c.closeNow()
		return true
	}
	c.r.poller.Mod(c.fd, unix.EPOLLOUT, c.r.connET)
	return true
}

func (c *Conn) processRead() protocol.Code {
	code := c.m.Advance(c.readBuf, c.readIdx)
	switch code {
	case protocol.NoRequest:
		if c.m.BufferHint > 0 {
			c.ensureBuffer(c.m.BufferHint)
			c.m.BufferHint = 0
		}
		return protocol.NoRequest
	case protocol.GetRequest:
		c.linger = c.m.Req.Linger
		c.resp = c.r.dispatcher.Dispatch(context.Background(), &c.m.Req, c.dbh)
		return c.resp.Code
	case protocol.PayloadTooLarge:
		c.linger = false
		c.resp = c.r.dispatcher.Oversize()
		return c.resp.Code
	default:
		return code
	}
}

// processWrite lays out the header buffer and the two iov slices for
// the writev loop.
func (c *Conn) processWrite(code protocol.Code) bool {
	status := c.resp.Status
	contentType := c.resp.ContentType
	extra := c.resp.Extra
	body := c.resp.Body

	switch code {
	case protocol.BadRequest:
		status, body = 400, OwnedBody(protocol.Error400Form)
	case protocol.NoResource:
		status, body = 404, OwnedBody(protocol.Error404Form)
	case protocol.ForbiddenRequest:
		status, body = 403, OwnedBody(protocol.Error403Form)
	case protocol.InternalError:
		status, body = 500, OwnedBody(protocol.Error500Form)
	case protocol.FileRequest, protocol.DynamicRequest, protocol.ScriptRequest:
		if status == 0 {
			status = 200
		}
	default:
		return false
	}
	switch code {
	case protocol.BadRequest, protocol.NoResource, protocol.ForbiddenRequest, protocol.InternalError:
		contentType = "text/html; charset=utf-8"
		extra = ""
		c.resp.Body = body
	}

	var payload []byte
	if body != nil {
		payload = body.Bytes()
	}

	n := protocol.BuildHeader(c.writeBuf, protocol.Header{
		Status:      status,
		ContentLen:  int64(len(payload)),
		ContentType: contentType,
		Linger:      c.linger,
		Extra:       extra,
	})
	if n < 0 {
		return false
	}
	c.writeIdx = n
	c.iov[0] = c.writeBuf[:n]
	c.iov[1] = payload
	c.bytesToSend = n + len(payload)
	return true
}

// releaseBody unmaps or frees whatever the response owned.
func (c *Conn) releaseBody() {
	if c.resp.Body != nil {
		c.resp.Body.Close()
		c.resp.Body = nil
	}
	c.iov[0], c.iov[1] = nil, nil
}

// write drains the iov pair. EAGAIN re-arms for write and reports
// success (pause). On completion without keep-alive it reports false
// so the caller closes; with keep-alive it resets for the next request
// on the same socket and re-arms for read. A pipelined request already
// sitting in the buffer is handed straight to the worker pool instead.
func (c *Conn) write() bool {
	if c.bytesToSend == 0 {
		c.r.poller.Mod(c.fd, unix.EPOLLIN, c.r.connET)
		c.resetForNext()
		return true
	}

	for {
		n, err := unix.Writev(c.fd, c.pendingIov())
		if err != nil {
			if err == unix.EAGAIN {
				c.r.poller.Mod(c.fd, unix.EPOLLOUT, c.r.connET)
				return true
			}
			if err == unix.EINTR {
				continue
			}
			c.releaseBody()
			return false
		}

		c.advanceIov(n)
		c.bytesToSend -= n

		if c.bytesToSend <= 0 {
			c.releaseBody()
			if !c.linger {
				return false
			}
			leftover := c.resetForNext()
			if leftover > 0 {
				// the peer pipelined; no readiness event will fire
				// for bytes already in user space
				if !c.r.pool.appendProcess(c) {
					logging.Warnf("write: task queue full, dropping pipelined request, fd=%d", c.fd)
					return false
				}
				return true
			}
			c.r.poller.Mod(c.fd, unix.EPOLLIN, c.r.connET)
			return true
		}
	}
}

func (c *Conn) pendingIov() [][]byte {
	if len(c.iov[0]) > 0 {
		return [][]byte{c.iov[0], c.iov[1]}
	}
	return [][]byte{c.iov[1]}
}

func (c *Conn) advanceIov(n int) {
	if h := len(c.iov[0]); h > 0 {
		if n < h {
			c.iov[0] = c.iov[0][n:]
			return
		}
		c.iov[0] = nil
		n -= h
	}
	if n > 0 {
		c.iov[1] = c.iov[1][n:]
	}
}

// resetForNext keeps the connection alive for the next request,
// shifting any unconsumed pipelined bytes to the front. Returns the
// leftover byte count.
func (c *Conn) resetForNext() int {
	leftover := c.readIdx - c.m.Checked
	if leftover < 0 {
		leftover = 0
	}
	if leftover > 0 {
		copy(c.readBuf, c.readBuf[c.m.Checked:c.readIdx])
	} else if len(c.readBuf) > readBufferSize {
		// a grown upload buffer shrinks back between requests
		c.readBuf = make([]byte, readBufferSize)
	}
	c.readIdx = leftover
	c.resetState()
	return leftover
}

// closeNow tears the fd down from whichever goroutine holds the
// connection. The timer is left to the reactor; its callback is a
// no-op once fd is -1.
func (c *Conn) closeNow() {
	if c.fd == -1 {
		return
	}
	c.releaseBody()
	c.r.tracker.ConnClosed(c.ip)
	c.r.poller.Del(c.fd)
	unix.Close(c.fd)
	c.r.forgetConn(c.fd)
	c.fd = -1
	c.r.decUserCount()
}
