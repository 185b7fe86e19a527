// Package poller runs an update function periodically. The function may
// change the interval between runs; runs never overlap.
package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// MinimumInterval is the shortest accepted polling interval
const MinimumInterval = 30 * time.Second

// UpdateFunc performs one run
type UpdateFunc func(ctx context.Context) error

// Status describes the outcome of recent runs
type Status struct {
	LastRun             time.Time     `json:"last_run"`
	LastSuccess         time.Time     `json:"last_success"`
	LastError           string        `json:"last_error,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Interval            time.Duration `json:"interval"`
}

// Manager schedules runs of an UpdateFunc
type Manager struct {
	name     string
	update   UpdateFunc
	interval atomic.Int64
	minimum  time.Duration
	log      *logrus.Entry

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu     sync.RWMutex
	status Status
}

// NewManager creates a manager running update every interval
func NewManager(name string, interval time.Duration, update UpdateFunc, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		name:    name,
		update:  update,
		minimum: MinimumInterval,
		log:     log.WithFields(logrus.Fields{"component": "poller", "name": name}),
		ctx:     ctx,
		cancel:  cancel,
	}
	m.SetInterval(interval)
	return m
}

// SetInterval changes the delay before the next run. Values below the
// minimum are raised to it. The change applies from the next scheduled run.
func (m *Manager) SetInterval(d time.Duration) {
	if d < m.minimum {
		d = m.minimum
	}
	m.interval.Store(int64(d))
}

// SetMinimum changes the floor applied by SetInterval. Call before Start.
func (m *Manager) SetMinimum(d time.Duration) {
	if d <= 0 {
		return
	}
	m.minimum = d
	m.SetInterval(m.Interval())
}

// Interval returns the current delay between runs
func (m *Manager) Interval() time.Duration {
	return time.Duration(m.interval.Load())
}

// Refresh runs the update once, synchronously
func (m *Manager) Refresh(ctx context.Context) error {
	return m.run(ctx)
}

// Start begins the update loop; the first run happens after one interval
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.updateLoop()
}

// Stop ends the update loop, cancelling an in-flight run
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.cancel()
		m.wg.Wait()
	})
}

// Status returns a copy of the run bookkeeping
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.status
	s.Interval = m.Interval()
	return s
}

func (m *Manager) updateLoop() {
	defer m.wg.Done()

	timer := time.NewTimer(m.Interval())
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			if err := m.run(m.ctx); err != nil {
				m.log.WithError(err).Error("update failed")
			}
			timer.Reset(m.Interval())
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) run(ctx context.Context) error {
	started := time.Now()
	err := m.update(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.LastRun = started
	if err != nil {
		m.status.LastError = err.Error()
		m.status.ConsecutiveFailures++
		return err
	}
	m.status.LastSuccess = started
	m.status.LastError = ""
	m.status.ConsecutiveFailures = 0
	m.log.WithField("took", time.Since(started).String()).Debug("update finished")
	return nil
}
