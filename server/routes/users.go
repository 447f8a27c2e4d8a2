// in-memory user snapshot backed by the database
package routes

import (
	"context"
	"sync"

	"github.com/kfcemployee/webserv/server/db"
)

// UserStore mirrors the user table. Lookups hit memory; Register
// extends the map together with the database.
type UserStore struct {
	mu    sync.Mutex
	users map[string]string
}

func NewUserStore() *UserStore {
	return &UserStore{users: make(map[string]string)}
}

// LoadFromDB snapshots the user table at startup.
func (s *UserStore) LoadFromDB(ctx context.Context, pool *db.Pool) error {
	return pool.With(ctx, func(h *db.Handle) error {
		users, err := h.LoadUsers(ctx)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.users = users
		s.mu.Unlock()
		return nil
	})
}

// Seed inserts a user directly into the snapshot, for tests.
func (s *UserStore) Seed(name, pass string) {
	s.mu.Lock()
	s.users[name] = pass
	s.mu.Unlock()
}

// Known reports whether the username exists.
func (s *UserStore) Known(name string) bool {
	if name == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[name]
	return ok
}

// Check verifies a credential pair.
func (s *UserStore) Check(name, pass string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.users[name]
	return ok && stored == pass
}

// Register inserts the row and, on success, extends the snapshot.
// Without a handle (tests, degraded startup) only memory is updated.
func (s *UserStore) Register(ctx context.Context, h *db.Handle, name, pass string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h != nil {
		if err := h.InsertUser(ctx, name, pass); err != nil {
			return err
		}
	}
	s.users[name] = pass
	return nil
}
