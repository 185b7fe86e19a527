package tper

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jusunglee/tper-go/internal/coordinator"
	"github.com/jusunglee/tper-go/internal/models"
	"github.com/jusunglee/tper-go/internal/poller"
	"github.com/jusunglee/tper-go/internal/tperapi"
)

// Client defines the interface for accessing tracked stop data
// Abstracts the tracker behind a read API for HTTP handlers and tools
type Client interface {
	SearchStops(ctx context.Context, query string) ([]models.StopCandidate, error)
	GetStopLines(ctx context.Context, stopID int) ([]models.LineInfo, error)

	GetTrackedStops() []models.TrackedStop
	GetSnapshot(stopID int) (models.Snapshot, error)
	GetLineStates(stopID int) ([]models.LineState, error)
	GetLineState(stopID int, lineID string) (models.LineState, error)
	GetStatus(stopID int) (poller.Status, error)

	GetSnapshots() []models.Snapshot
	GetLastUpdate() time.Time
}

// StopRegistry is implemented by publishers that need to know the tracked stops
type StopRegistry interface {
	Register(stop models.TrackedStop)
	Unregister(stopID int)
}

// Config holds configuration for the local client
type Config struct {
	API             tperapi.Config
	HTTPClient      *http.Client
	MinimumInterval time.Duration
	Location        *time.Location
	Publishers      []coordinator.Publisher
	Log             *logrus.Entry
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		API:             tperapi.DefaultConfig(),
		MinimumInterval: poller.MinimumInterval,
		Location:        time.Local,
	}
}
