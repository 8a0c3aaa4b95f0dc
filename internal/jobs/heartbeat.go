package jobs

import (
	"context"
	"sync"
	"time"

	jitterbug "github.com/lthibault/jitterbug/v2"

	"compliance-backend/internal/shared/metrics"
	"compliance-backend/internal/shared/telemetry"
)

// HeartbeatMonitor refreshes a job's liveness timestamp while at least one
// remote call for that job is outstanding. The ticker goroutine is decoupled
// from the call path: a blocked remote call never delays a heartbeat write,
// and a heartbeat write never delays the call.
type HeartbeatMonitor struct {
	Repo     Repo
	Interval time.Duration
	// Jitter spreads ticks slightly so many jobs don't write in lockstep.
	Jitter time.Duration

	mu   sync.Mutex
	jobs map[string]*heartbeatEntry
}

type heartbeatEntry struct {
	refs   int
	cancel context.CancelFunc
	done   chan struct{}
}

const defaultHeartbeatInterval = 5 * time.Second

// NewHeartbeatMonitor constructs a monitor writing through the given repo.
func NewHeartbeatMonitor(repo Repo, interval time.Duration) *HeartbeatMonitor {
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	return &HeartbeatMonitor{
		Repo:     repo,
		Interval: interval,
		Jitter:   interval / 10,
		jobs:     make(map[string]*heartbeatEntry),
	}
}

// Acquire registers one outstanding remote call for the job. The first
// acquisition starts the ticker; the returned release function must be called
// exactly once when the call finishes, and the last release stops the ticker.
func (m *HeartbeatMonitor) Acquire(jobID string) func() {
	m.mu.Lock()
	entry, ok := m.jobs[jobID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		entry = &heartbeatEntry{cancel: cancel, done: make(chan struct{})}
		m.jobs[jobID] = entry
		go m.run(ctx, jobID, entry.done)
	}
	entry.refs++
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { m.release(jobID) })
	}
}

func (m *HeartbeatMonitor) release(jobID string) {
	m.mu.Lock()
	entry, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return
	}
	entry.refs--
	if entry.refs > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.jobs, jobID)
	m.mu.Unlock()

	entry.cancel()
	<-entry.done
}

func (m *HeartbeatMonitor) run(ctx context.Context, jobID string, done chan struct{}) {
	defer close(done)

	// Write immediately so a poller sees liveness before the first interval.
	m.beat(jobID)

	ticker := jitterbug.New(m.Interval, &jitterbug.Norm{Stdev: m.Jitter})
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.beat(jobID)
		}
	}
}

func (m *HeartbeatMonitor) beat(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.Repo.Heartbeat(ctx, jobID, time.Now().UTC()); err != nil {
		telemetry.Error("job.heartbeat_failed", map[string]any{
			"job_id": jobID,
			"error":  err.Error(),
		})
		return
	}
	metrics.IncHeartbeatTicks()
}
