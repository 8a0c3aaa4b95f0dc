package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

var (
	jobStartedTotal   atomic.Uint64
	jobCompletedTotal atomic.Uint64
	jobFailedTotal    atomic.Uint64
	slotDoneTotal     atomic.Uint64
	slotErroredTotal  atomic.Uint64
	heartbeatTicks    atomic.Uint64

	workerReceivedTotal      atomic.Uint64
	workerCompletedTotal     atomic.Uint64
	workerFailedTotal        atomic.Uint64
	workerUnrecoverableTotal atomic.Uint64

	// Jobs run for minutes, so buckets span seconds to an hour.
	jobDuration = newHistogram([]float64{1000, 5000, 15000, 60000, 300000, 900000, 1800000, 3600000})
)

// IncJobStarted increments the started counter.
func IncJobStarted() {
	jobStartedTotal.Add(1)
}

// IncJobCompleted increments the completed counter.
func IncJobCompleted() {
	jobCompletedTotal.Add(1)
}

// IncJobFailed increments the failed counter.
func IncJobFailed() {
	jobFailedTotal.Add(1)
}

// IncSlotDone increments the analyzed-guideline counter.
func IncSlotDone() {
	slotDoneTotal.Add(1)
}

// IncSlotErrored increments the errored-guideline counter.
func IncSlotErrored() {
	slotErroredTotal.Add(1)
}

// IncHeartbeatTicks increments the heartbeat write counter.
func IncHeartbeatTicks() {
	heartbeatTicks.Add(1)
}

// IncWorkerJobsReceived counts queue messages picked up by the worker.
func IncWorkerJobsReceived() {
	workerReceivedTotal.Add(1)
}

// IncWorkerJobsCompleted counts queue messages fully processed and deleted.
func IncWorkerJobsCompleted() {
	workerCompletedTotal.Add(1)
}

// IncWorkerJobsFailed counts queue messages whose processing failed.
func IncWorkerJobsFailed() {
	workerFailedTotal.Add(1)
}

// IncWorkerJobsDeletedUnrecoverable counts malformed messages deleted without
// processing.
func IncWorkerJobsDeletedUnrecoverable() {
	workerUnrecoverableTotal.Add(1)
}

// ObserveJobDurationMs records a job duration in milliseconds.
func ObserveJobDurationMs(value float64) {
	if value < 0 {
		value = 0
	}
	jobDuration.Observe(value)
}

// Handler exposes metrics in Prometheus text format.
func Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/plain; version=0.0.4")
		c.String(http.StatusOK, Render())
	}
}

// Render renders metrics in Prometheus text format.
func Render() string {
	var buf bytes.Buffer
	writeCounter(&buf, "job_started_total", "Total jobs started", jobStartedTotal.Load())
	writeCounter(&buf, "job_completed_total", "Total jobs completed", jobCompletedTotal.Load())
	writeCounter(&buf, "job_failed_total", "Total jobs failed", jobFailedTotal.Load())
	writeCounter(&buf, "guideline_done_total", "Total guideline slots analyzed", slotDoneTotal.Load())
	writeCounter(&buf, "guideline_errored_total", "Total guideline slots errored", slotErroredTotal.Load())
	writeCounter(&buf, "heartbeat_ticks_total", "Total heartbeat writes", heartbeatTicks.Load())
	writeCounter(&buf, "worker_jobs_received_total", "Total queue messages received", workerReceivedTotal.Load())
	writeCounter(&buf, "worker_jobs_completed_total", "Total queue messages processed", workerCompletedTotal.Load())
	writeCounter(&buf, "worker_jobs_failed_total", "Total queue messages failed", workerFailedTotal.Load())
	writeCounter(&buf, "worker_jobs_deleted_unrecoverable_total", "Total malformed queue messages deleted", workerUnrecoverableTotal.Load())
	writeHistogram(&buf, "job_duration_ms", "Job duration in milliseconds", jobDuration.Snapshot())
	return buf.String()
}

type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type histogramSnapshot struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
			break
		}
	}
}

func (h *histogram) Snapshot() histogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := histogramSnapshot{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
	return out
}

func writeCounter(buf *bytes.Buffer, name, help string, value uint64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s counter\n", name)
	fmt.Fprintf(buf, "%s %d\n", name, value)
}

func writeHistogram(buf *bytes.Buffer, name, help string, snap histogramSnapshot) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s histogram\n", name)
	var cumulative uint64
	for i, bound := range snap.buckets {
		cumulative += snap.counts[i]
		fmt.Fprintf(buf, "%s_bucket{le=\"%s\"} %d\n", name, formatFloat(bound), cumulative)
	}
	fmt.Fprintf(buf, "%s_bucket{le=\"+Inf\"} %d\n", name, snap.count)
	fmt.Fprintf(buf, "%s_sum %s\n", name, formatFloat(snap.sum))
	fmt.Fprintf(buf, "%s_count %d\n", name, snap.count)
}

func formatFloat(value float64) string {
	if value == float64(int64(value)) {
		return strconv.FormatInt(int64(value), 10)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}
