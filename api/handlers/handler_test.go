package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/proto"

	gtfspb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"

	"github.com/jusunglee/tper-go/internal/models"
	"github.com/jusunglee/tper-go/internal/poller"
	"github.com/jusunglee/tper-go/internal/tperapi"
)

var testNow = time.Date(2024, time.March, 12, 7, 50, 0, 0, time.UTC)

// MockClient implements tper.Client for testing
type MockClient struct {
	stop      models.TrackedStop
	snap      models.Snapshot
	searchErr error
}

func newMockClient() *MockClient {
	stop := models.NewTrackedStop(4001, "Stazione", []string{"27", "13"}, map[string]string{"27": "27A"})
	return &MockClient{
		stop: stop,
		snap: models.Snapshot{
			StopID: 4001,
			Lines: map[string]models.RealTimeResult{
				"27": {Upcoming: []models.BusArrival{{ScheduledTime: "08:00", GPSTracked: true}}},
				"13": models.ErrorResult(models.ErrorNoMoreBuses),
			},
			Interval:  120 * time.Second,
			UpdatedAt: testNow,
		},
	}
}

func (m *MockClient) SearchStops(ctx context.Context, query string) ([]models.StopCandidate, error) {
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	return []models.StopCandidate{{ID: "4001", Head: "Stazione", Body: "Via Indipendenza"}}, nil
}

func (m *MockClient) GetStopLines(ctx context.Context, stopID int) ([]models.LineInfo, error) {
	return []models.LineInfo{{ID: "27", Code: "27A"}}, nil
}

func (m *MockClient) GetTrackedStops() []models.TrackedStop {
	return []models.TrackedStop{m.stop}
}

func (m *MockClient) GetSnapshot(stopID int) (models.Snapshot, error) {
	if stopID != m.stop.StopID {
		return models.Snapshot{}, fmt.Errorf("stop not tracked: %d", stopID)
	}
	return m.snap, nil
}

func (m *MockClient) GetLineStates(stopID int) ([]models.LineState, error) {
	if stopID != m.stop.StopID {
		return nil, fmt.Errorf("stop not tracked: %d", stopID)
	}
	var states []models.LineState
	for _, id := range m.stop.LineIDs {
		states = append(states, models.RenderLineState(m.stop, id, &m.snap, testNow))
	}
	return states, nil
}

func (m *MockClient) GetLineState(stopID int, lineID string) (models.LineState, error) {
	if stopID != m.stop.StopID || lineID != "27" {
		return models.LineState{}, errors.New("line not tracked")
	}
	return models.RenderLineState(m.stop, lineID, &m.snap, testNow), nil
}

func (m *MockClient) GetStatus(stopID int) (poller.Status, error) {
	return poller.Status{LastSuccess: testNow, Interval: m.snap.Interval}, nil
}

func (m *MockClient) GetSnapshots() []models.Snapshot {
	return []models.Snapshot{m.snap}
}

func (m *MockClient) GetLastUpdate() time.Time {
	return time.Now()
}

func newTestRouter(client *MockClient, opts ...Option) *mux.Router {
	l := logrus.New()
	l.SetOutput(io.Discard)
	opts = append(opts, WithLogger(logrus.NewEntry(l)))

	h := NewHandler(client, opts...)
	h.now = func() time.Time { return testNow }
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRoutes(t *testing.T) {
	r := newTestRouter(newMockClient())

	tests := []struct {
		name     string
		path     string
		status   int
		contains string
	}{
		{"index", "/", http.StatusOK, `"tracked_stops":1`},
		{"search", "/search?q=stazione", http.StatusOK, `"Via Indipendenza"`},
		{"search without query", "/search", http.StatusBadRequest, "Missing q"},
		{"stops", "/stops", http.StatusOK, `"stop_id":4001`},
		{"stop", "/stops/4001", http.StatusOK, `"interval":"2m0s"`},
		{"stop renders errors", "/stops/4001", http.StatusOK, `"state":"no_more_buses"`},
		{"unknown stop", "/stops/9", http.StatusNotFound, "not tracked"},
		{"line", "/stops/4001/lines/27", http.StatusOK, `"name":"27A"`},
		{"unknown line", "/stops/4001/lines/99", http.StatusNotFound, "line not tracked"},
		{"available lines", "/stops/4001/available-lines", http.StatusOK, `"code":"27A"`},
		{"non numeric stop", "/stops/abc", http.StatusNotFound, ""},
		{"gtfs disabled", "/gtfs-rt/trip-updates", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(r, tt.path)
			if rec.Code != tt.status {
				t.Fatalf("Expected status %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if tt.contains != "" && !strings.Contains(rec.Body.String(), tt.contains) {
				t.Errorf("Expected body containing %s, got %s", tt.contains, rec.Body.String())
			}
		})
	}
}

func TestSearchErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"invalid query", tperapi.ErrInvalidQuery, http.StatusBadRequest},
		{"upstream failure", &tperapi.Error{Kind: tperapi.KindSystem, Message: "down"}, http.StatusBadGateway},
		{"no results", &tperapi.Error{Kind: tperapi.KindNoResults, Message: "no results found"}, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newMockClient()
			client.searchErr = tt.err
			rec := get(newTestRouter(client), "/search?q=x")
			if rec.Code != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, rec.Code)
			}
		})
	}
}

func TestTripUpdates(t *testing.T) {
	rec := get(newTestRouter(newMockClient(), WithGTFSRT()), "/gtfs-rt/trip-updates")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-protobuf" {
		t.Errorf("Unexpected content type %s", ct)
	}

	var feed gtfspb.FeedMessage
	if err := proto.Unmarshal(rec.Body.Bytes(), &feed); err != nil {
		t.Fatalf("Failed to decode feed: %v", err)
	}
	if len(feed.Entity) != 1 {
		t.Errorf("Expected one entity for the single upcoming bus, got %d", len(feed.Entity))
	}
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(&logrus.JSONFormatter{})

	r := newTestRouter(newMockClient())
	handler := CORSMiddleware(LoggingMiddleware(logrus.NewEntry(l))(r))

	rec := get(handler, "/stops/9")
	traceID := rec.Header().Get(traceHeader)
	if traceID == "" {
		t.Fatal("Expected a generated trace ID")
	}
	if !strings.Contains(buf.String(), traceID) || !strings.Contains(buf.String(), `"status":404`) {
		t.Errorf("Expected log line with trace ID and status, got %s", buf.String())
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS header")
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(traceHeader, "abc")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Header().Get(traceHeader) != "abc" {
		t.Error("Expected incoming trace ID to be kept")
	}
}

func TestTripUpdatesResolveInStopTimezone(t *testing.T) {
	rome, err := time.LoadLocation("Europe/Rome")
	if err != nil {
		t.Skipf("Timezone data unavailable: %v", err)
	}
	client := newMockClient()
	client.snap.UpdatedAt = testNow.In(rome)
	client.snap.Lines = map[string]models.RealTimeResult{
		"27": {Upcoming: []models.BusArrival{{ScheduledTime: "09:20"}}},
	}

	rec := get(newTestRouter(client, WithGTFSRT()), "/gtfs-rt/trip-updates")
	var feed gtfspb.FeedMessage
	if err := proto.Unmarshal(rec.Body.Bytes(), &feed); err != nil {
		t.Fatalf("Failed to decode feed: %v", err)
	}
	if len(feed.Entity) != 1 {
		t.Fatalf("Expected one entity, got %d", len(feed.Entity))
	}

	got := time.Unix(feed.Entity[0].GetTripUpdate().GetStopTimeUpdate()[0].GetArrival().GetTime(), 0).In(rome)
	if got.Hour() != 9 || got.Minute() != 20 {
		t.Errorf("Expected arrival at 09:20 Rome time, got %s", got)
	}
}
