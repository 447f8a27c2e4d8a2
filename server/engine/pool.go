// worker pool with a bounded task FIFO
package engine

import "github.com/pkg/errors"

// task pairs a checked-out connection with what the worker should do
// to it.
type task struct {
	c    *Conn
	role int
}

// workerPool is a fixed worker count over a bounded queue. The
// buffered channel is both the FIFO and the wakeup semaphore.
type workerPool struct {
	tasks chan task
}

func newWorkerPool(workers, maxRequests int, run func(task)) (*workerPool, error) {
	if workers <= 0 || maxRequests <= 0 {
		return nil, errors.New("worker pool: workers and queue size must be positive")
	}
	p := &workerPool{tasks: make(chan task, maxRequests)}
	for i := 0; i < workers; i++ {
		go func() {
			for t := range p.tasks {
				run(t)
			}
		}()
	}
	return p, nil
}

// append enqueues a role-tagged task; false when the queue is full.
func (p *workerPool) append(c *Conn, role int) bool {
	c.role = role
	select {
	case p.tasks <- task{c: c, role: role}:
		return true
	default:
		return false
	}
}

// appendProcess is the proactor entry: the read already happened.
func (p *workerPool) appendProcess(c *Conn) bool {
	select {
	case p.tasks <- task{c: c, role: roleProcess}:
		return true
	default:
		return false
	}
}

func (p *workerPool) close() {
	close(p.tasks)
}
