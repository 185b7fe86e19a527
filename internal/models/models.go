package models

import (
	"strconv"
	"time"
)

// MaxUpcoming caps how many arrivals are kept per line and tick
const MaxUpcoming = 10

// ErrorCode is the presentation-facing state of a line whose fetch failed
type ErrorCode string

const (
	ErrorNotAvailable ErrorCode = "not_available"
	ErrorNoMoreBuses  ErrorCode = "no_more_buses"
	ErrorSystem       ErrorCode = "system_error"
	ErrorAPI          ErrorCode = "api_error"
)

// TrackedStop is the configuration of one tracked stop and its lines
type TrackedStop struct {
	StopID    int               `json:"stop_id"`
	StopName  string            `json:"stop_name"`
	LineIDs   []string          `json:"line_ids"`
	LineNames map[string]string `json:"line_names"`
}

// NewTrackedStop copies its inputs so the returned value can't be mutated by the caller
func NewTrackedStop(stopID int, stopName string, lineIDs []string, lineNames map[string]string) TrackedStop {
	ids := make([]string, len(lineIDs))
	copy(ids, lineIDs)

	names := make(map[string]string, len(lineNames))
	for id, name := range lineNames {
		names[id] = name
	}

	return TrackedStop{
		StopID:    stopID,
		StopName:  stopName,
		LineIDs:   ids,
		LineNames: names,
	}
}

// Key identifies the stop among all tracked stops
func (s TrackedStop) Key() string {
	return strconv.Itoa(s.StopID)
}

// LineName returns the display code of a line, falling back to its ID
func (s TrackedStop) LineName(lineID string) string {
	if name, ok := s.LineNames[lineID]; ok && name != "" {
		return name
	}
	return lineID
}

// StopCandidate is a stop returned by the upstream search
type StopCandidate struct {
	ID   string `json:"id"`
	Head string `json:"head"`
	Body string `json:"body"`
}

// LineInfo is a line serving a stop
type LineInfo struct {
	ID   string `json:"id"`
	Code string `json:"code"`
}

// RealTimeInfo is the header of a real-time response
type RealTimeInfo struct {
	ValidUntil string `json:"valid_until"`
	LineLabel  string `json:"line_label"`
}

// BusArrival is one forecasted arrival at the stop
type BusArrival struct {
	ScheduledTime string `json:"scheduled_time"`
	GPSTracked    bool   `json:"gps_tracked"`
	Accessible    bool   `json:"accessible"`
}

// RealTimeResult is the outcome of one line's fetch in one tick.
// Error is empty for a successful fetch.
type RealTimeResult struct {
	Error    ErrorCode    `json:"error,omitempty"`
	Info     RealTimeInfo `json:"info"`
	Upcoming []BusArrival `json:"upcoming,omitempty"`
}

// ErrorResult builds a failed result
func ErrorResult(code ErrorCode) RealTimeResult {
	return RealTimeResult{Error: code}
}

// OK reports whether the fetch succeeded
func (r RealTimeResult) OK() bool {
	return r.Error == ""
}

// Next returns the first upcoming arrival, if any
func (r RealTimeResult) Next() (BusArrival, bool) {
	if !r.OK() || len(r.Upcoming) == 0 {
		return BusArrival{}, false
	}
	return r.Upcoming[0], true
}

// Snapshot is the published result of one tick for one stop
type Snapshot struct {
	StopID    int                       `json:"stop_id"`
	Lines     map[string]RealTimeResult `json:"lines"`
	Interval  time.Duration             `json:"interval"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

// Line returns the result for a line
func (s Snapshot) Line(lineID string) (RealTimeResult, bool) {
	r, ok := s.Lines[lineID]
	return r, ok
}
