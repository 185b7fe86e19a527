package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/jusunglee/tper-go/internal/gtfsrt"
	"github.com/jusunglee/tper-go/internal/models"
	"github.com/jusunglee/tper-go/internal/poller"
	"github.com/jusunglee/tper-go/internal/tperapi"
	"github.com/jusunglee/tper-go/pkg/tper"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Handler handles HTTP requests
type Handler struct {
	client tper.Client
	gtfsrt bool
	log    *logrus.Entry
	now    func() time.Time
}

// Option customises a Handler
type Option func(*Handler)

// WithGTFSRT enables the GTFS-Realtime export route
func WithGTFSRT() Option {
	return func(h *Handler) { h.gtfsrt = true }
}

// WithLogger sets the request logger
func WithLogger(log *logrus.Entry) Option {
	return func(h *Handler) { h.log = log }
}

// NewHandler creates a new HTTP handler
func NewHandler(client tper.Client, opts ...Option) *Handler {
	h := &Handler{
		client: client,
		log:    logrus.NewEntry(logrus.StandardLogger()),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers all routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/", h.handleIndex).Methods("GET")
	r.HandleFunc("/search", h.handleSearch).Methods("GET")
	r.HandleFunc("/stops", h.handleStops).Methods("GET")
	r.HandleFunc("/stops/{stop:[0-9]+}", h.handleStop).Methods("GET")
	r.HandleFunc("/stops/{stop:[0-9]+}/lines/{line}", h.handleLine).Methods("GET")
	r.HandleFunc("/stops/{stop:[0-9]+}/available-lines", h.handleAvailableLines).Methods("GET")
	if h.gtfsrt {
		r.HandleFunc("/gtfs-rt/trip-updates", h.handleTripUpdates).Methods("GET")
	}
}

// Response wraps API responses
type Response struct {
	Data    interface{} `json:"data"`
	Updated string      `json:"updated,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// StopResponse is the rendered state of one tracked stop
type StopResponse struct {
	StopID    int                `json:"stop_id"`
	StopName  string             `json:"stop_name,omitempty"`
	Interval  string             `json:"interval"`
	UpdatedAt time.Time          `json:"updated_at"`
	Lines     []models.LineState `json:"lines"`
	Status    poller.Status      `json:"status"`
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	lastUpdate := h.client.GetLastUpdate()
	updated := "never"
	if !lastUpdate.IsZero() {
		updated = humanize.Time(lastUpdate)
	}

	response := map[string]interface{}{
		"title":         "tper-go",
		"tracked_stops": len(h.client.GetTrackedStops()),
		"last_update":   updated,
	}
	h.writeJSON(w, response)
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		h.writeError(w, "Missing q parameter", http.StatusBadRequest)
		return
	}

	stops, err := h.client.SearchStops(r.Context(), query)
	if err != nil {
		h.writeUpstreamError(w, err)
		return
	}
	h.writeJSON(w, Response{Data: stops})
}

func (h *Handler) handleStops(w http.ResponseWriter, r *http.Request) {
	response := Response{Data: h.client.GetTrackedStops()}
	if last := h.client.GetLastUpdate(); !last.IsZero() {
		response.Updated = last.Format(time.RFC3339)
	}
	h.writeJSON(w, response)
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	stopID, ok := h.stopID(w, r)
	if !ok {
		return
	}

	snap, err := h.client.GetSnapshot(stopID)
	if err != nil {
		h.writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	states, err := h.client.GetLineStates(stopID)
	if err != nil {
		h.writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	status, err := h.client.GetStatus(stopID)
	if err != nil {
		h.writeError(w, err.Error(), http.StatusNotFound)
		return
	}

	response := StopResponse{
		StopID:    stopID,
		Interval:  snap.Interval.String(),
		UpdatedAt: snap.UpdatedAt,
		Lines:     states,
		Status:    status,
	}
	for _, s := range h.client.GetTrackedStops() {
		if s.StopID == stopID {
			response.StopName = s.StopName
		}
	}
	h.writeJSON(w, Response{Data: response, Updated: snap.UpdatedAt.Format(time.RFC3339)})
}

func (h *Handler) handleLine(w http.ResponseWriter, r *http.Request) {
	stopID, ok := h.stopID(w, r)
	if !ok {
		return
	}

	state, err := h.client.GetLineState(stopID, mux.Vars(r)["line"])
	if err != nil {
		h.writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	h.writeJSON(w, Response{Data: state})
}

func (h *Handler) handleAvailableLines(w http.ResponseWriter, r *http.Request) {
	stopID, ok := h.stopID(w, r)
	if !ok {
		return
	}

	lines, err := h.client.GetStopLines(r.Context(), stopID)
	if err != nil {
		h.writeUpstreamError(w, err)
		return
	}
	h.writeJSON(w, Response{Data: lines})
}

func (h *Handler) handleTripUpdates(w http.ResponseWriter, r *http.Request) {
	feed := gtfsrt.BuildFeed(h.client.GetSnapshots(), h.now())
	data, err := gtfsrt.Encode(feed)
	if err != nil {
		h.writeError(w, "Failed to encode feed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-protobuf")
	if _, err := w.Write(data); err != nil {
		h.log.WithError(err).Warn("failed to write feed")
	}
}

func (h *Handler) stopID(w http.ResponseWriter, r *http.Request) (int, bool) {
	stopID, err := strconv.Atoi(mux.Vars(r)["stop"])
	if err != nil || stopID <= 0 {
		h.writeError(w, "Invalid stop parameter", http.StatusBadRequest)
		return 0, false
	}
	return stopID, true
}

// writeUpstreamError maps client failures to a status code
func (h *Handler) writeUpstreamError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tperapi.ErrInvalidQuery):
		h.writeError(w, err.Error(), http.StatusBadRequest)
	case tperapi.KindOf(err) == tperapi.KindNoResults:
		h.writeError(w, err.Error(), http.StatusNotFound)
	default:
		h.log.WithError(err).Warn("upstream request failed")
		h.writeError(w, err.Error(), http.StatusBadGateway)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.writeError(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}
