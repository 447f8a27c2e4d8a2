// fixed-size MySQL handle pool
// acquire blocks on a counting semaphore, release returns the handle
package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
)

// Config carries the connection parameters from the CLI.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	PoolSize int
}

// Handle is one live database connection checked out of the pool.
type Handle struct {
	conn *sql.Conn
	pool *Pool
}

// Pool owns a fixed set of handles. The buffered channel doubles as
// the counting semaphore: its length is the free count.
type Pool struct {
	db   *sql.DB
	free chan *Handle
	cap  int

	mu    sync.Mutex
	inUse int
}

// Open dials MySQL and fills the pool with cfg.PoolSize live handles.
func Open(ctx context.Context, cfg Config) (*Pool, error) {
	if cfg.PoolSize <= 0 {
		return nil, errors.New("db: pool size must be positive")
	}
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)
	sdb, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "db: open")
	}
	sdb.SetMaxOpenConns(cfg.PoolSize)

	p := &Pool{db: sdb, free: make(chan *Handle, cfg.PoolSize), cap: cfg.PoolSize}
	for i := 0; i < cfg.PoolSize; i++ {
		conn, err := sdb.Conn(ctx)
		if err != nil {
			p.Close()
			return nil, errors.Wrapf(err, "db: connection %d of %d", i+1, cfg.PoolSize)
		}
		p.free <- &Handle{conn: conn, pool: p}
	}
	return p, nil
}

// newStatic builds a pool over pre-made handles, used by tests.
func newStatic(handles []*Handle) *Pool {
	p := &Pool{free: make(chan *Handle, len(handles)), cap: len(handles)}
	for _, h := range handles {
		h.pool = p
		p.free <- h
	}
	return p
}

// Acquire blocks until a handle is free or the context ends.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	select {
	case h := <-p.free:
		p.mu.Lock()
		p.inUse++
		p.mu.Unlock()
		return h, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release puts the handle back and wakes one waiter.
func (h *Handle) Release() {
	if h == nil || h.pool == nil {
		return
	}
	h.pool.mu.Lock()
	h.pool.inUse--
	h.pool.mu.Unlock()
	h.pool.free <- h
}

// With is the scoped guard: the handle is released on every exit
// path, including a panic inside fn.
func (p *Pool) With(ctx context.Context, fn func(*Handle) error) error {
	h, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn(h)
}

func (p *Pool) Cap() int  { return p.cap }
func (p *Pool) Free() int { return len(p.free) }

func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Close tears down every handle and the underlying DB.
func (p *Pool) Close() {
	close(p.free)
	for h := range p.free {
		if h.conn != nil {
			h.conn.Close()
		}
	}
	if p.db != nil {
		p.db.Close()
	}
}

// LoadUsers snapshots the whole user table into memory.
func (h *Handle) LoadUsers(ctx context.Context) (map[string]string, error) {
	rows, err := h.conn.QueryContext(ctx, "SELECT username, passwd FROM user")
	if err != nil {
		return nil, errors.Wrap(err, "db: select users")
	}
	defer rows.Close()

	users := make(map[string]string)
	for rows.Next() {
		var name, pass string
		if err := rows.Scan(&name, &pass); err != nil {
			return nil, errors.Wrap(err, "db: scan user row")
		}
		users[name] = pass
	}
	return users, rows.Err()
}

// InsertUser registers a new account. The query is parameterized, the
// caller guards against duplicates.
func (h *Handle) InsertUser(ctx context.Context, name, pass string) error {
	_, err := h.conn.ExecContext(ctx,
		"INSERT INTO user(username, passwd) VALUES(?, ?)", name, pass)
	return errors.Wrap(err, "db: insert user")
}
