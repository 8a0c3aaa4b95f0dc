package jobs

import (
	"context"
	"testing"
	"time"
)

func waitForHeartbeat(t *testing.T, repo *MemoryRepo, jobID string, after *time.Time) time.Time {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := repo.GetByID(context.Background(), jobID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if job.HeartbeatAt != nil && (after == nil || job.HeartbeatAt.After(*after)) {
			return *job.HeartbeatAt
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no heartbeat observed for %s", jobID)
	return time.Time{}
}

func TestHeartbeatMonitorBeatsWhileHeld(t *testing.T) {
	repo := NewMemoryRepo()
	seedJob(t, repo, "job-1", pendingSlot("g1", 0))

	monitor := NewHeartbeatMonitor(repo, 20*time.Millisecond)
	release := monitor.Acquire("job-1")

	first := waitForHeartbeat(t, repo, "job-1", nil)
	// A second, later write proves the ticker keeps beating while held.
	waitForHeartbeat(t, repo, "job-1", &first)

	release()

	job, _ := repo.GetByID(context.Background(), "job-1")
	last := *job.HeartbeatAt
	time.Sleep(100 * time.Millisecond)
	job, _ = repo.GetByID(context.Background(), "job-1")
	if !job.HeartbeatAt.Equal(last) {
		t.Fatalf("heartbeat kept writing after release")
	}
}

func TestHeartbeatMonitorRefCounting(t *testing.T) {
	repo := NewMemoryRepo()
	seedJob(t, repo, "job-1", pendingSlot("g1", 0))

	monitor := NewHeartbeatMonitor(repo, 20*time.Millisecond)
	release1 := monitor.Acquire("job-1")
	release2 := monitor.Acquire("job-1")

	first := waitForHeartbeat(t, repo, "job-1", nil)
	release1()

	// One holder remains; the ticker must keep going.
	waitForHeartbeat(t, repo, "job-1", &first)

	release2()
	job, _ := repo.GetByID(context.Background(), "job-1")
	last := *job.HeartbeatAt
	time.Sleep(100 * time.Millisecond)
	job, _ = repo.GetByID(context.Background(), "job-1")
	if !job.HeartbeatAt.Equal(last) {
		t.Fatalf("heartbeat kept writing after last release")
	}
}

func TestHeartbeatReleaseIsIdempotent(t *testing.T) {
	repo := NewMemoryRepo()
	seedJob(t, repo, "job-1", pendingSlot("g1", 0))

	monitor := NewHeartbeatMonitor(repo, 20*time.Millisecond)
	release1 := monitor.Acquire("job-1")
	release2 := monitor.Acquire("job-1")

	waitForHeartbeat(t, repo, "job-1", nil)

	// Double release of the same handle must not steal the second holder's ref.
	release1()
	release1()

	monitor.mu.Lock()
	_, stillTracked := monitor.jobs["job-1"]
	monitor.mu.Unlock()
	if !stillTracked {
		t.Fatalf("double release dropped a live holder")
	}

	release2()
	monitor.mu.Lock()
	_, stillTracked = monitor.jobs["job-1"]
	monitor.mu.Unlock()
	if stillTracked {
		t.Fatalf("monitor still tracks job after last release")
	}
}
