package jobs

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"compliance-backend/internal/shared/server/respond"
)

// Handler wires HTTP handlers to the jobs service.
type Handler struct {
	Svc *Service
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{Svc: svc}
}

// RegisterRoutes attaches job routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/jobs", h.submitJob)
	rg.GET("/jobs", h.listJobs)
	rg.GET("/jobs/:id", h.getJob)
	rg.POST("/jobs/:id/recover", h.recoverJob)
}

type submitRequest struct {
	DocumentIDs  []string `json:"documentIds"`
	GuidelineSet string   `json:"guidelineSet"`
	Prompt       string   `json:"prompt"`
}

func (h *Handler) submitJob(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}

	job, err := h.Svc.Submit(c.Request.Context(), SubmitInput{
		DocumentIDs:  req.DocumentIDs,
		GuidelineSet: req.GuidelineSet,
		Prompt:       req.Prompt,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrValidation):
			respond.Error(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to submit job", nil)
		}
		return
	}

	respond.Accepted(c, gin.H{
		"jobId": job.ID,
		"state": job.State,
	})
}

func (h *Handler) getJob(c *gin.Context) {
	jobID := c.Param("id")
	if jobID == "" {
		respond.Error(c, http.StatusBadRequest, "validation_error", "job id is required", nil)
		return
	}

	job, err := h.Svc.Get(c.Request.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			respond.Error(c, http.StatusNotFound, "not_found", "job not found", nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to fetch job", nil)
		}
		return
	}

	respond.JSON(c, http.StatusOK, h.jobResponse(job))
}

func (h *Handler) listJobs(c *gin.Context) {
	limit := 20
	offset := 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if limit < 0 {
		limit = 0
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}
	if offset < 0 {
		offset = 0
	}

	jobs, err := h.Svc.List(c.Request.Context(), limit, offset)
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to list jobs", nil)
		return
	}

	resp := make([]gin.H, 0, len(jobs))
	for _, job := range jobs {
		item := gin.H{
			"jobId":     job.ID,
			"mode":      job.Mode,
			"state":     job.State,
			"createdAt": job.CreatedAt,
		}
		if job.Mode == ModeGuidelines {
			item["guidelineSet"] = job.GuidelineSet
		}
		if job.Report != nil {
			item["report"] = job.Report
		}
		resp = append(resp, item)
	}
	respond.JSON(c, http.StatusOK, resp)
}

func (h *Handler) recoverJob(c *gin.Context) {
	jobID := c.Param("id")
	if jobID == "" {
		respond.Error(c, http.StatusBadRequest, "validation_error", "job id is required", nil)
		return
	}

	job, err := h.Svc.Recover(c.Request.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			respond.Error(c, http.StatusNotFound, "not_found", "job not found", nil)
		case errors.Is(err, ErrInvalidState):
			respond.Error(c, http.StatusConflict, "invalid_state", "job is already finished", nil)
		case errors.Is(err, ErrJobActive):
			respond.Error(c, http.StatusConflict, "job_active", "job is already being executed", nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to recover job", nil)
		}
		return
	}

	respond.Accepted(c, gin.H{
		"jobId": job.ID,
		"state": job.State,
	})
}

// jobResponse builds the status payload: lifecycle state, per-slot progress,
// liveness, and the computed stale flag.
func (h *Handler) jobResponse(job Job) gin.H {
	resp := gin.H{
		"jobId":       job.ID,
		"mode":        job.Mode,
		"state":       job.State,
		"documentIds": job.DocumentIDs,
		"createdAt":   job.CreatedAt,
		"stale":       h.Svc.Stale(job, time.Now().UTC()),
	}
	if job.HeartbeatAt != nil {
		resp["heartbeatAt"] = job.HeartbeatAt
	}
	if job.StartedAt != nil {
		resp["startedAt"] = job.StartedAt
	}
	if job.CompletedAt != nil {
		resp["completedAt"] = job.CompletedAt
	}
	if job.ErrorMessage != nil {
		resp["error"] = *job.ErrorMessage
	}
	if job.Mode == ModeGuidelines {
		resp["guidelineSet"] = job.GuidelineSet
		slots := make([]gin.H, 0, len(job.Slots))
		for _, slot := range job.Slots {
			item := gin.H{
				"guidelineId": slot.GuidelineID,
				"title":       slot.Title,
				"status":      slot.Status,
			}
			if slot.Status == SlotDone {
				item["resultCode"] = slot.ResultCode
				item["explanation"] = slot.Explanation
				if slot.LocationRef != "" {
					item["location"] = slot.LocationRef
				}
				if slot.QuotedExcerpt != "" {
					item["quote"] = slot.QuotedExcerpt
				}
				if slot.FallbackUsed {
					item["fallbackUsed"] = true
				}
			}
			if slot.ErrorMessage != nil {
				item["error"] = *slot.ErrorMessage
			}
			slots = append(slots, item)
		}
		resp["slots"] = slots
		if job.Report != nil {
			resp["report"] = job.Report
		}
	}
	if job.Mode == ModePrompt && job.CombinedResult != nil {
		resp["result"] = job.CombinedResult
	}
	return resp
}
