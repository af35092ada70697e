package dbc

import (
	"sync/atomic"

	"github.com/kstaniek/go-can-decoder/internal/logging"
	"github.com/kstaniek/go-can-decoder/internal/metrics"
)

// Store holds the active database. Readers take a snapshot with Current and
// keep using it for the whole frame; Reload swaps a fully built replacement.
type Store struct {
	cur atomic.Pointer[Database]
}

func NewStore(db *Database) *Store {
	s := &Store{}
	s.Swap(db)
	return s
}

// Current returns the active snapshot.
func (s *Store) Current() *Database { return s.cur.Load() }

// Swap installs db and returns the previous snapshot.
func (s *Store) Swap(db *Database) *Database {
	prev := s.cur.Swap(db)
	if db != nil {
		metrics.SetDBCMessages(db.Len())
	}
	return prev
}

// Reload parses path and installs the result. On failure the active
// snapshot is left untouched.
func (s *Store) Reload(path string) (*Database, error) {
	db, err := LoadFile(path)
	if err != nil {
		metrics.IncError(metrics.ErrDBCReload)
		return nil, err
	}
	s.Swap(db)
	metrics.IncDBCReload()
	logging.L().Info("dbc_reloaded", "path", path, "messages", db.Len())
	return db, nil
}
