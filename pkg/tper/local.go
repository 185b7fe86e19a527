package tper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jusunglee/tper-go/internal/coordinator"
	"github.com/jusunglee/tper-go/internal/models"
	"github.com/jusunglee/tper-go/internal/poller"
	"github.com/jusunglee/tper-go/internal/store"
	"github.com/jusunglee/tper-go/internal/tperapi"
)

var (
	// ErrAlreadyTracked is returned when a stop is tracked twice
	ErrAlreadyTracked = errors.New("stop already tracked")
	// ErrNotTracked is returned for a stop that is not tracked
	ErrNotTracked = errors.New("stop not tracked")
	// ErrClosed is returned when tracking on a closed client
	ErrClosed = errors.New("client closed")
)

var _ Client = (*LocalClient)(nil)

type tracker struct {
	stop        models.TrackedStop
	coordinator *coordinator.Coordinator
	poller      *poller.Manager
}

// LocalClient implements the Client interface for local usage
// Runs one coordinator and poller per tracked stop against the live API
type LocalClient struct {
	api        *tperapi.Client
	store      *store.Store
	publishers []coordinator.Publisher
	minimum    time.Duration
	location   *time.Location
	log        *logrus.Entry

	mu       sync.RWMutex
	trackers map[string]*tracker
	pending  map[string]struct{}
	closed   bool
}

// NewLocal creates a new local TPER client
// No stop is polled until Track is called
func NewLocal(config Config) (*LocalClient, error) {
	log := config.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	api, err := tperapi.NewClient(httpClient, config.API, log)
	if err != nil {
		return nil, err
	}
	return newLocal(api, config, log), nil
}

func newLocal(api *tperapi.Client, config Config, log *logrus.Entry) *LocalClient {
	loc := config.Location
	if loc == nil {
		loc = time.Local
	}
	return &LocalClient{
		api:        api,
		store:      store.NewStore(),
		publishers: config.Publishers,
		minimum:    config.MinimumInterval,
		location:   loc,
		log:        log.WithField("component", "tracker"),
		trackers:   make(map[string]*tracker),
		pending:    make(map[string]struct{}),
	}
}

// Track starts polling a stop. The first refresh must succeed, otherwise the
// stop is not tracked and the error is returned. The stop is reserved while
// the first refresh runs, so reads of other stops are not blocked by it.
func (c *LocalClient) Track(ctx context.Context, stop models.TrackedStop) error {
	key := stop.Key()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if _, ok := c.trackers[key]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrAlreadyTracked, stop.StopID)
	}
	if _, ok := c.pending[key]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrAlreadyTracked, stop.StopID)
	}
	c.pending[key] = struct{}{}
	c.register(stop)
	c.mu.Unlock()

	coord := coordinator.New(coordinator.Config{
		Stop:       &stop,
		Fetcher:    c.api,
		Publishers: append([]coordinator.Publisher{c.store}, c.publishers...),
		Location:   c.location,
		Log:        c.log,
	})
	p := poller.NewManager("stop-"+key, coordinator.DefaultInterval, coord.Update, c.log)
	p.SetMinimum(c.minimum)
	coord.AttachScheduler(p)

	err := p.Refresh(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, key)
	if err == nil && c.closed {
		err = ErrClosed
	}
	if err != nil {
		c.unregister(stop.StopID)
		c.store.Remove(stop.StopID)
		return fmt.Errorf("first refresh of stop %d: %w", stop.StopID, err)
	}
	p.Start()

	c.trackers[key] = &tracker{stop: stop, coordinator: coord, poller: p}
	c.log.WithFields(logrus.Fields{
		"stop_id":  stop.StopID,
		"lines":    len(stop.LineIDs),
		"interval": p.Interval().String(),
	}).Info("tracking stop")
	return nil
}

// Untrack stops polling a stop and discards its data
func (c *LocalClient) Untrack(stopID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.untrackLocked(stopID)
}

// Reload replaces the tracked configuration of a stop
func (c *LocalClient) Reload(ctx context.Context, stop models.TrackedStop) error {
	c.mu.Lock()
	err := c.untrackLocked(stop.StopID)
	c.mu.Unlock()
	if err != nil && !errors.Is(err, ErrNotTracked) {
		return err
	}
	return c.Track(ctx, stop)
}

// Close gracefully shuts down the local client
// Must be called to stop background goroutines and prevent leaks
func (c *LocalClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for key, t := range c.trackers {
		t.poller.Stop()
		delete(c.trackers, key)
	}
}

func (c *LocalClient) untrackLocked(stopID int) error {
	key := strconv.Itoa(stopID)
	t, ok := c.trackers[key]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotTracked, stopID)
	}
	t.poller.Stop()
	delete(c.trackers, key)
	c.store.Remove(stopID)
	c.unregister(stopID)
	c.log.WithField("stop_id", stopID).Info("stopped tracking stop")
	return nil
}

func (c *LocalClient) register(stop models.TrackedStop) {
	for _, p := range c.publishers {
		if r, ok := p.(StopRegistry); ok {
			r.Register(stop)
		}
	}
}

func (c *LocalClient) unregister(stopID int) {
	for _, p := range c.publishers {
		if r, ok := p.(StopRegistry); ok {
			r.Unregister(stopID)
		}
	}
}

func (c *LocalClient) lookup(stopID int) (*tracker, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.trackers[strconv.Itoa(stopID)]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotTracked, stopID)
	}
	return t, nil
}

func (c *LocalClient) SearchStops(ctx context.Context, query string) ([]models.StopCandidate, error) {
	return c.api.SearchStops(ctx, query)
}

func (c *LocalClient) GetStopLines(ctx context.Context, stopID int) ([]models.LineInfo, error) {
	return c.api.GetStopLines(ctx, stopID)
}

func (c *LocalClient) GetTrackedStops() []models.TrackedStop {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stops := make([]models.TrackedStop, 0, len(c.trackers))
	for _, t := range c.trackers {
		stops = append(stops, t.stop)
	}
	sort.Slice(stops, func(i, j int) bool { return stops[i].StopID < stops[j].StopID })
	return stops
}

func (c *LocalClient) GetSnapshot(stopID int) (models.Snapshot, error) {
	if _, err := c.lookup(stopID); err != nil {
		return models.Snapshot{}, err
	}
	return c.store.GetSnapshot(stopID)
}

func (c *LocalClient) GetSnapshots() []models.Snapshot {
	return c.store.GetSnapshots()
}

// GetLineStates renders every tracked line of a stop in configured order
func (c *LocalClient) GetLineStates(stopID int) ([]models.LineState, error) {
	t, err := c.lookup(stopID)
	if err != nil {
		return nil, err
	}
	snap := t.coordinator.Data()
	now := t.coordinator.Now()

	states := make([]models.LineState, len(t.stop.LineIDs))
	for i, lineID := range t.stop.LineIDs {
		states[i] = models.RenderLineState(t.stop, lineID, snap, now)
	}
	return states, nil
}

func (c *LocalClient) GetLineState(stopID int, lineID string) (models.LineState, error) {
	t, err := c.lookup(stopID)
	if err != nil {
		return models.LineState{}, err
	}
	for _, id := range t.stop.LineIDs {
		if id == lineID {
			return models.RenderLineState(t.stop, lineID, t.coordinator.Data(), t.coordinator.Now()), nil
		}
	}
	return models.LineState{}, fmt.Errorf("line %s is not tracked at stop %d", lineID, stopID)
}

func (c *LocalClient) GetStatus(stopID int) (poller.Status, error) {
	t, err := c.lookup(stopID)
	if err != nil {
		return poller.Status{}, err
	}
	return t.poller.Status(), nil
}

func (c *LocalClient) GetLastUpdate() time.Time {
	return c.store.GetLastUpdate()
}
