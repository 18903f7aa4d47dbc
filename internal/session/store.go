package session

import (
	"sync"

	"gatewatch/internal/database"
)

// Store persists the id of the active session across restarts
type Store interface {
	// Load returns the persisted id, or "" when there is none
	Load() (string, error)
	Save(id string) error
	Clear() error
}

// SQLiteStore keeps the id in the app_state table
type SQLiteStore struct {
	db *database.Database
}

// NewSQLiteStore creates a store backed by db
func NewSQLiteStore(db *database.Database) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Load() (string, error) {
	return s.db.GetState(database.KeyActiveSession)
}

func (s *SQLiteStore) Save(id string) error {
	return s.db.SaveState(database.KeyActiveSession, id)
}

func (s *SQLiteStore) Clear() error {
	return s.db.DeleteState(database.KeyActiveSession)
}

// MemoryStore keeps the id in memory. Used by one-shot commands and tests.
type MemoryStore struct {
	mu sync.Mutex
	id string
}

func (s *MemoryStore) Load() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id, nil
}

func (s *MemoryStore) Save(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = ""
	return nil
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
