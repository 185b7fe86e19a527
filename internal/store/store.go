package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jusunglee/tper-go/internal/models"
)

// Store keeps the latest snapshot of every tracked stop.
// Snapshots are replaced whole, so readers never see a partial tick.
type Store struct {
	mu         sync.RWMutex
	snapshots  map[int]models.Snapshot
	lastUpdate time.Time
}

// NewStore creates a new store instance
func NewStore() *Store {
	return &Store{
		snapshots: make(map[int]models.Snapshot),
	}
}

// Publish replaces the snapshot of a stop
func (s *Store) Publish(snap models.Snapshot) {
	lines := make(map[string]models.RealTimeResult, len(snap.Lines))
	for id, r := range snap.Lines {
		lines[id] = r
	}
	snap.Lines = lines

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.StopID] = snap
	s.lastUpdate = time.Now()
}

// Remove forgets a stop
func (s *Store) Remove(stopID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, stopID)
}

// GetSnapshot returns the latest snapshot of a stop
func (s *Store) GetSnapshot(stopID int) (models.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[stopID]
	if !ok {
		return models.Snapshot{}, fmt.Errorf("no data for stop %d", stopID)
	}
	return snap, nil
}

// GetSnapshots returns all snapshots ordered by stop ID
func (s *Store) GetSnapshots() []models.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.Snapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		result = append(result, snap)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StopID < result[j].StopID
	})
	return result
}

// GetLastUpdate returns the last publish time
func (s *Store) GetLastUpdate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdate
}
