package models

import (
	"fmt"
	"strings"
	"time"
)

const (
	uniqueIDPrefix   = "tper_tracker"
	lastUpdateMarker = "Aggiornato alle ore "
	attributeBuses   = 3
)

// LineState is how a line is shown to the host platform
type LineState struct {
	UniqueID   string         `json:"unique_id"`
	StopID     int            `json:"stop_id"`
	LineID     string         `json:"line_id"`
	Name       string         `json:"name"`
	Available  bool           `json:"available"`
	Timestamp  bool           `json:"timestamp"`
	State      string         `json:"state"`
	NextBus    *time.Time     `json:"next_bus,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// UniqueID is the stable identifier of a line sensor
func UniqueID(stopID int, lineID string) string {
	return fmt.Sprintf("%s_%d_%s", uniqueIDPrefix, stopID, lineID)
}

// RenderLineState converts a line's result into its displayed state.
// A line without data renders as unavailable with an empty state.
func RenderLineState(stop TrackedStop, lineID string, snap *Snapshot, now time.Time) LineState {
	state := LineState{
		UniqueID: UniqueID(stop.StopID, lineID),
		StopID:   stop.StopID,
		LineID:   lineID,
		Name:     stop.LineName(lineID),
	}
	if snap == nil {
		return state
	}
	result, ok := snap.Line(lineID)
	if !ok {
		return state
	}

	state.Available = result.Error != ErrorAPI
	state.Attributes = attributes(result)

	if !result.OK() {
		state.State = string(result.Error)
		return state
	}

	if next, ok := result.Next(); ok {
		if at, ok := ResolveArrival(next.ScheduledTime, now); ok {
			state.NextBus = &at
			state.Timestamp = true
			state.State = at.Format(time.RFC3339)
		}
	}
	return state
}

func attributes(result RealTimeResult) map[string]any {
	attrs := make(map[string]any)

	if result.Error != "" {
		attrs["error"] = string(result.Error)
		if result.Error == ErrorAPI {
			return attrs
		}
	}

	if valid := result.Info.ValidUntil; valid != "" {
		if _, after, found := strings.Cut(valid, lastUpdateMarker); found {
			valid = after
		}
		attrs["last_update"] = valid
	}
	if result.Info.LineLabel != "" {
		attrs["line"] = result.Info.LineLabel
	}

	for i, bus := range result.Upcoming {
		if i == attributeBuses {
			break
		}
		prefix := fmt.Sprintf("next_bus_%d", i+1)
		if bus.ScheduledTime != "" {
			attrs[prefix+"_time"] = bus.ScheduledTime
		}
		if bus.GPSTracked {
			attrs[prefix+"_satellite"] = true
		}
		if bus.Accessible {
			attrs[prefix+"_accessible"] = true
		}
	}

	return attrs
}
