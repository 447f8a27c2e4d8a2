// process-wide leveled log sink, sync or background-drained async
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Options configure the sink once at startup.
type Options struct {
	Path        string // base log path, date gets prefixed to the file name
	Off         bool   // drop everything
	RotateLines int    // rotate after this many lines (0 = size-based rotation off)
	QueueSize   int    // >0 spawns the async drainer, 0 writes inline
}

// Sink formats through logrus and lands lines on a rotating file.
type Sink struct {
	log   *logrus.Logger
	rot   *rotatingFile
	queue *Queue
	off   bool
	done  chan struct{}
}

// lineFormatter renders "YYYY-MM-DD HH:MM:SS.uuuuuu [level] msg\n".
type lineFormatter struct{}

func (lineFormatter) Format(e *logrus.Entry) ([]byte, error) {
	ts := e.Time.Format("2006-01-02 15:04:05.000000")
	return []byte(fmt.Sprintf("%s [%s] %s\n", ts, e.Level.String(), e.Message)), nil
}

// queueWriter hands formatted lines to the drainer.
type queueWriter struct{ q *Queue }

func (w queueWriter) Write(p []byte) (int, error) {
	line := make([]byte, len(p))
	copy(line, p)
	w.q.Push(line)
	return len(p), nil
}

// rotatingFile reopens on calendar-day change or every rotateLines lines.
type rotatingFile struct {
	mu          sync.Mutex
	dir         string
	base        string
	day         string
	lines       int64
	rotateLines int64
	suffix      int
	f           *os.File
}

func openRotating(path string, rotateLines int) (*rotatingFile, error) {
	r := &rotatingFile{
		dir:         filepath.Dir(path),
		base:        filepath.Base(path),
		rotateLines: int64(rotateLines),
	}
	if err := r.reopen(time.Now(), 0); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *rotatingFile) name(day string, suffix int) string {
	n := day + "_" + r.base
	if suffix > 0 {
		n = fmt.Sprintf("%s.%d", n, suffix)
	}
	return filepath.Join(r.dir, n)
}

func (r *rotatingFile) reopen(now time.Time, suffix int) error {
	day := now.Format("2006_01_02")
	f, err := os.OpenFile(r.name(day, suffix), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return errors.Wrap(err, "open log file")
	}
	if r.f != nil {
		r.f.Close()
	}
	r.f = f
	r.day = day
	r.suffix = suffix
	return nil
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if day := now.Format("2006_01_02"); day != r.day {
		r.lines = 0
		if err := r.reopen(now, 0); err != nil {
			return 0, err
		}
	} else if r.rotateLines > 0 && r.lines > 0 && r.lines%r.rotateLines == 0 {
		if err := r.reopen(now, r.suffix+1); err != nil {
			return 0, err
		}
	}
	r.lines++
	return r.f.Write(p)
}

func (r *rotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

// New builds the sink. QueueSize > 0 starts exactly one drainer goroutine.
func New(opts Options) (*Sink, error) {
	s := &Sink{log: logrus.New(), done: make(chan struct{})}
	s.log.SetFormatter(lineFormatter{})
	s.log.SetLevel(logrus.DebugLevel)

	if opts.Off {
		s.off = true
		s.log.SetOutput(discard{})
		close(s.done)
		return s, nil
	}

	rot, err := openRotating(opts.Path, opts.RotateLines)
	if err != nil {
		return nil, err
	}
	s.rot = rot

	if opts.QueueSize > 0 {
		s.queue = NewQueue(opts.QueueSize)
		s.log.SetOutput(queueWriter{s.queue})
		go s.drain()
	} else {
		s.log.SetOutput(rot)
		close(s.done)
	}
	return s, nil
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func (s *Sink) drain() {
	for {
		line, ok := s.queue.Pop()
		if !ok {
			break
		}
		s.rot.Write(line)
	}
	close(s.done)
}

// Close flushes the async queue and closes the file.
func (s *Sink) Close() {
	if s.queue != nil {
		s.queue.Close()
	}
	<-s.done
	if s.rot != nil {
		s.rot.Close()
	}
}

func (s *Sink) Debugf(format string, args ...interface{}) {
	if !s.off {
		s.log.Debugf(format, args...)
	}
}

func (s *Sink) Infof(format string, args ...interface{}) {
	if !s.off {
		s.log.Infof(format, args...)
	}
}

func (s *Sink) Warnf(format string, args ...interface{}) {
	if !s.off {
		s.log.Warnf(format, args...)
	}
}

func (s *Sink) Errorf(format string, args ...interface{}) {
	if !s.off {
		s.log.Errorf(format, args...)
	}
}

// package default, set once in main before anything logs
var (
	defMu sync.RWMutex
	def   *Sink
)

func SetDefault(s *Sink) {
	defMu.Lock()
	def = s
	defMu.Unlock()
}

func get() *Sink {
	defMu.RLock()
	s := def
	defMu.RUnlock()
	return s
}

func Debugf(format string, args ...interface{}) {
	if s := get(); s != nil {
		s.Debugf(format, args...)
	}
}

func Infof(format string, args ...interface{}) {
	if s := get(); s != nil {
		s.Infof(format, args...)
	}
}

func Warnf(format string, args ...interface{}) {
	if s := get(); s != nil {
		s.Warnf(format, args...)
	}
}

func Errorf(format string, args ...interface{}) {
	if s := get(); s != nil {
		s.Errorf(format, args...)
	}
}
