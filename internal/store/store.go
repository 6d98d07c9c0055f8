// Package store persists the display state across restarts.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/asdine/storm/v3"
)

// stateID is the key of the single State record.
const stateID = 1

// State is what the display needs to come back up where it left off.
type State struct {
	ID        int `storm:"id"`
	Phase     int
	Testing   bool // phase changes are driven by hand, not by the lunar clock
	Timezone  string
	UpdatedAt time.Time
}

// DefaultState is used when nothing has been saved yet.
func DefaultState() State {
	return State{ID: stateID, Timezone: "UTC"}
}

// Store is a storm database holding the display state.
type Store struct {
	db *storm.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := storm.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open state db %s: %w", path, err)
	}
	if err := db.Init(&State{}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init state db: %w", err)
	}
	return &Store{db: db}, nil
}

// Load returns the saved state, or DefaultState if none has been saved.
func (s *Store) Load() (State, error) {
	var st State
	err := s.db.One("ID", stateID, &st)
	if errors.Is(err, storm.ErrNotFound) {
		return DefaultState(), nil
	}
	if err != nil {
		return State{}, fmt.Errorf("load state: %w", err)
	}
	return st, nil
}

// Save replaces the saved state.
func (s *Store) Save(st State) error {
	st.ID = stateID
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	if err := s.db.Save(&st); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
