package store

import (
	"sync"
	"testing"
	"time"

	"github.com/jusunglee/tper-go/internal/models"
)

func TestStore(t *testing.T) {
	s := NewStore()

	lines := map[string]models.RealTimeResult{
		"1": {Upcoming: []models.BusArrival{{ScheduledTime: "08:00"}}},
		"2": models.ErrorResult(models.ErrorNoMoreBuses),
	}
	s.Publish(models.Snapshot{StopID: 200, Lines: lines})
	s.Publish(models.Snapshot{StopID: 100, Lines: map[string]models.RealTimeResult{"5": models.ErrorResult(models.ErrorAPI)}})

	t.Run("GetSnapshot", func(t *testing.T) {
		snap, err := s.GetSnapshot(200)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if len(snap.Lines) != 2 {
			t.Errorf("Expected 2 lines, got %d", len(snap.Lines))
		}

		_, err = s.GetSnapshot(999)
		if err == nil {
			t.Error("Expected error for unknown stop")
		}
	})

	t.Run("PublishCopiesLines", func(t *testing.T) {
		lines["3"] = models.ErrorResult(models.ErrorSystem)
		snap, _ := s.GetSnapshot(200)
		if _, ok := snap.Lines["3"]; ok {
			t.Error("Store should not share the publisher's map")
		}
	})

	t.Run("GetSnapshots", func(t *testing.T) {
		snaps := s.GetSnapshots()
		if len(snaps) != 2 || snaps[0].StopID != 100 || snaps[1].StopID != 200 {
			t.Errorf("Expected snapshots ordered by stop, got %+v", snaps)
		}
	})

	t.Run("Remove", func(t *testing.T) {
		s.Remove(100)
		if _, err := s.GetSnapshot(100); err == nil {
			t.Error("Expected stop 100 to be removed")
		}
	})

	t.Run("GetLastUpdate", func(t *testing.T) {
		if time.Since(s.GetLastUpdate()) > time.Minute {
			t.Error("Last update time is too old")
		}
	})
}

func TestStoreConcurrentReaders(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			s.Publish(models.Snapshot{StopID: i, Lines: map[string]models.RealTimeResult{"1": {}}})
		}(i)
		go func() {
			defer wg.Done()
			for _, snap := range s.GetSnapshots() {
				if len(snap.Lines) != 1 {
					t.Errorf("Saw partial snapshot %+v", snap)
				}
			}
		}()
	}
	wg.Wait()
}
