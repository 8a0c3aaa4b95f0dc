package metrics

import (
	"strings"
	"testing"
)

func TestRenderExposesAllSeries(t *testing.T) {
	IncJobStarted()
	IncSlotDone()
	IncHeartbeatTicks()
	ObserveJobDurationMs(2500)

	out := Render()
	for _, name := range []string{
		"job_started_total",
		"job_completed_total",
		"job_failed_total",
		"guideline_done_total",
		"guideline_errored_total",
		"heartbeat_ticks_total",
		"worker_jobs_received_total",
		"worker_jobs_completed_total",
		"worker_jobs_failed_total",
		"worker_jobs_deleted_unrecoverable_total",
		"job_duration_ms_bucket",
		"job_duration_ms_sum",
		"job_duration_ms_count",
	} {
		if !strings.Contains(out, name) {
			t.Fatalf("missing series %s in output:\n%s", name, out)
		}
	}
	if !strings.Contains(out, `le="+Inf"`) {
		t.Fatalf("histogram missing +Inf bucket:\n%s", out)
	}
}
