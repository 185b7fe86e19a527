package tperapi

import (
	"bytes"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/jusunglee/tper-go/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// envelope is the wrapper around every upstream response
type envelope struct {
	Success bool                  `json:"successo"`
	Error   string                `json:"errore"`
	Results []jsoniter.RawMessage `json:"risultati"`
	Info    *realTimeInfo         `json:"info"`
}

type resultHead struct {
	Head string `json:"head"`
}

type realTimeInfo struct {
	Valid string `json:"valido"`
	Line  string `json:"linea"`
}

type arrival struct {
	Time      string   `json:"orario"`
	Satellite flexBool `json:"satellite"`
	Platform  flexBool `json:"pedana"`
}

type stopCandidate struct {
	ID   flexString `json:"id"`
	Head string     `json:"head"`
	Body string     `json:"body"`
}

type stopLine struct {
	ID   flexString `json:"idLinea"`
	Code flexString `json:"codiceLinea"`
}

// flexString accepts both JSON strings and numbers
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	if _, err := strconv.ParseFloat(string(data), 64); err != nil {
		return err
	}
	*s = flexString(data)
	return nil
}

// flexBool accepts booleans, numbers and the usual textual flags
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*b = false
	case bytes.Equal(data, []byte("true")), bytes.Equal(data, []byte("false")):
		*b = flexBool(data[0] == 't')
	case len(data) > 0 && data[0] == '"':
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*b = flexBool(truthy(v))
	default:
		n, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return err
		}
		*b = n != 0
	}
	return nil
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "0", "false", "no", "n", "f":
		return false
	}
	return true
}

// head returns the header text of the first result, if present
func (e *envelope) head() string {
	if len(e.Results) == 0 {
		return ""
	}
	var h resultHead
	if err := json.Unmarshal(e.Results[0], &h); err != nil {
		return ""
	}
	return h.Head
}

// classify turns an unsuccessful envelope into an error
func (e *envelope) classify() error {
	if e.Success {
		return nil
	}
	kind := classifyMessage(e.head(), e.Error)
	message := e.Error
	switch {
	case kind == KindNoResults:
		message = "no results found"
	case message == "":
		message = "unknown API error"
	}
	return &Error{Kind: kind, Message: message}
}

func decodeResults[T any](raw []jsoniter.RawMessage) ([]T, error) {
	out := make([]T, 0, len(raw))
	for _, r := range raw {
		var v T
		if err := json.Unmarshal(r, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (e *envelope) realTime() (models.RealTimeResult, error) {
	arrivals, err := decodeResults[arrival](e.Results)
	if err != nil {
		return models.RealTimeResult{}, apiError("unexpected real-time payload", err)
	}

	var result models.RealTimeResult
	if e.Info != nil {
		result.Info = models.RealTimeInfo{ValidUntil: e.Info.Valid, LineLabel: e.Info.Line}
	}
	for i, a := range arrivals {
		if i == models.MaxUpcoming {
			break
		}
		result.Upcoming = append(result.Upcoming, models.BusArrival{
			ScheduledTime: strings.TrimSpace(a.Time),
			GPSTracked:    bool(a.Satellite),
			Accessible:    bool(a.Platform),
		})
	}
	return result, nil
}
