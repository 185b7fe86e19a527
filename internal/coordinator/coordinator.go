// Package coordinator runs the per-stop update cycle: it fetches every tracked
// line, normalises upstream failures into presentation error codes, publishes
// an immutable snapshot and retunes the polling interval from the next bus due.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jusunglee/tper-go/internal/models"
	"github.com/jusunglee/tper-go/internal/tperapi"
)

// BulkConcurrency bounds in-flight requests during a tick
const BulkConcurrency = 2

// ErrNoConfiguration fails a tick that has no stop or lines to fetch
var ErrNoConfiguration = errors.New("coordinator: no tracked stop configured")

// Fetcher is the part of the API client the coordinator needs
type Fetcher interface {
	GetRealTime(ctx context.Context, stopID int, lineID string) (models.RealTimeResult, error)
	GetRealTimeMany(ctx context.Context, stopID int, lineIDs []string, maxConcurrent int) (map[string]tperapi.LineResult, error)
}

// Publisher receives every published snapshot
type Publisher interface {
	Publish(snap models.Snapshot)
}

// IntervalSetter is the scheduler driving the coordinator
type IntervalSetter interface {
	SetInterval(d time.Duration)
}

// IntervalReader is implemented by schedulers that may adjust a requested
// interval, for example to enforce a minimum
type IntervalReader interface {
	Interval() time.Duration
}

// Config wires a coordinator
type Config struct {
	Stop       *models.TrackedStop
	Fetcher    Fetcher
	Publishers []Publisher
	Location   *time.Location
	Log        *logrus.Entry
}

// Coordinator owns the snapshot and polling interval of one tracked stop
type Coordinator struct {
	stop       *models.TrackedStop
	fetcher    Fetcher
	publishers []Publisher
	loc        *time.Location
	log        *logrus.Entry
	now        func() time.Time

	mu        sync.Mutex
	scheduler IntervalSetter

	snapshot  atomic.Pointer[models.Snapshot]
	requested atomic.Int64
	interval  atomic.Int64
}

// New creates a coordinator; the interval starts at DefaultInterval
func New(cfg Config) *Coordinator {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	fields := logrus.Fields{"component": "coordinator"}
	if cfg.Stop != nil {
		fields["stop_id"] = cfg.Stop.StopID
	}

	c := &Coordinator{
		stop:       cfg.Stop,
		fetcher:    cfg.Fetcher,
		publishers: cfg.Publishers,
		loc:        loc,
		log:        log.WithFields(fields),
		now:        time.Now,
	}
	c.requested.Store(int64(DefaultInterval))
	c.interval.Store(int64(DefaultInterval))
	return c
}

// AttachScheduler registers the scheduler notified of interval changes
func (c *Coordinator) AttachScheduler(s IntervalSetter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scheduler = s
	if r, ok := s.(IntervalReader); ok {
		c.interval.Store(int64(r.Interval()))
	}
}

// Stop returns the tracked stop configuration
func (c *Coordinator) Stop() (models.TrackedStop, bool) {
	if c.stop == nil {
		return models.TrackedStop{}, false
	}
	return *c.stop, true
}

// Data returns the latest snapshot, nil before the first tick
func (c *Coordinator) Data() *models.Snapshot {
	return c.snapshot.Load()
}

// Interval returns the active polling interval, after any scheduler clamping
func (c *Coordinator) Interval() time.Duration {
	return time.Duration(c.interval.Load())
}

// Now returns the current time in the coordinator's location
func (c *Coordinator) Now() time.Time {
	return c.now().In(c.loc)
}

// Update runs one tick. Per-line failures never fail the tick; a missing
// configuration does, and so does a context cancelled while fetching, in which
// case the previous snapshot is kept.
func (c *Coordinator) Update(ctx context.Context) error {
	stop := c.stop
	if stop == nil || len(stop.LineIDs) == 0 || c.fetcher == nil {
		return ErrNoConfiguration
	}

	lines := c.fetch(ctx, *stop)
	if err := ctx.Err(); err != nil {
		c.log.WithError(err).Debug("tick cancelled, keeping previous snapshot")
		return err
	}

	now := c.Now()
	c.setInterval(ComputeInterval(lines, now))

	snap := models.Snapshot{
		StopID:    stop.StopID,
		Lines:     lines,
		Interval:  c.Interval(),
		UpdatedAt: now,
	}
	c.snapshot.Store(&snap)

	for _, p := range c.publishers {
		p.Publish(snap)
	}
	return nil
}

// setInterval records the computed interval and notifies the scheduler when
// it changed. The active interval is read back from schedulers that clamp it.
func (c *Coordinator) setInterval(computed time.Duration) {
	previous := time.Duration(c.requested.Swap(int64(computed)))
	if previous == computed {
		return
	}

	c.mu.Lock()
	s := c.scheduler
	c.mu.Unlock()

	active := computed
	if s != nil {
		s.SetInterval(computed)
		if r, ok := s.(IntervalReader); ok {
			active = r.Interval()
		}
	}
	c.interval.Store(int64(active))

	c.log.WithFields(logrus.Fields{
		"previous": previous.String(),
		"computed": computed.String(),
		"interval": active.String(),
	}).Info("polling interval changed")
}

func (c *Coordinator) fetch(ctx context.Context, stop models.TrackedStop) map[string]models.RealTimeResult {
	raw, err := c.fetcher.GetRealTimeMany(ctx, stop.StopID, stop.LineIDs, BulkConcurrency)
	if err != nil {
		c.log.WithError(err).Warn("bulk fetch failed, falling back to sequential fetches")
		return c.fetchSequential(ctx, stop)
	}

	lines := make(map[string]models.RealTimeResult, len(stop.LineIDs))
	for _, lineID := range stop.LineIDs {
		outcome, ok := raw[lineID]
		switch {
		case !ok:
			lines[lineID] = models.ErrorResult(models.ErrorAPI)
		case outcome.Err != nil:
			lines[lineID] = c.failed(lineID, outcome.Err)
		default:
			lines[lineID] = outcome.Result
		}
	}
	return lines
}

func (c *Coordinator) fetchSequential(ctx context.Context, stop models.TrackedStop) map[string]models.RealTimeResult {
	lines := make(map[string]models.RealTimeResult, len(stop.LineIDs))
	for _, lineID := range stop.LineIDs {
		result, err := c.fetcher.GetRealTime(ctx, stop.StopID, lineID)
		if err != nil {
			lines[lineID] = c.failed(lineID, err)
			continue
		}
		lines[lineID] = result
	}
	return lines
}

func (c *Coordinator) failed(lineID string, err error) models.RealTimeResult {
	code := CodeFor(err)
	c.log.WithFields(logrus.Fields{
		"line_id": lineID,
		"code":    code,
	}).WithError(err).Debug("line fetch failed")
	return models.ErrorResult(code)
}

// CodeFor maps an upstream failure to its presentation error code
func CodeFor(err error) models.ErrorCode {
	switch tperapi.KindOf(err) {
	case tperapi.KindNotAvailable:
		return models.ErrorNotAvailable
	case tperapi.KindNoMoreBuses:
		return models.ErrorNoMoreBuses
	case tperapi.KindSystem:
		return models.ErrorSystem
	default:
		return models.ErrorAPI
	}
}
