// Package httpapi is the HTTP surface (spec §6) binding the
// Submission Service and metrics aggregator to gin routes, using the
// teacher's gin.New()+Logger()+Recovery() setup and the wscutils
// response-envelope convention.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chestxray/inferqueue/internal/bqs"
	"github.com/chestxray/inferqueue/internal/djs"
	"github.com/chestxray/inferqueue/internal/metrics"
	"github.com/chestxray/inferqueue/internal/submission"
	"github.com/chestxray/inferqueue/internal/wscutils"
)

// Server wires the submission service, metrics aggregator, and stores
// behind spec §6's HTTP surface plus the supplemented /v1/ops/queue
// endpoint (SPEC_FULL.md supplemented feature 2).
type Server struct {
	Submission *submission.Service
	Metrics    *metrics.Aggregator
	Store      *djs.Store
	Queue      bqs.Client
	ModelName  string
}

// NewRouter builds a *gin.Engine with gin.Logger()+gin.Recovery(),
// mirroring router/GinRouter's NewGinRouter shape, minus the auth
// middleware (spec §1 Non-goals: authn/authz out of scope).
func (s *Server) NewRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	r.POST("/v1/jobs", s.handleSubmit)
	r.GET("/v1/jobs/:id", s.handleGetStatus)
	r.GET("/v1/jobs/:id/result", s.handleGetResult)
	r.GET("/v1/ops/metrics", s.handleMetrics)
	r.GET("/v1/ops/dlq", s.handleDLQ)
	r.GET("/v1/ops/queue", s.handleQueueDepth)
	r.GET("/v1/ops/health", s.handleHealth)

	return r
}

// submitMetadata is the non-binary part of POST /v1/jobs's multipart body
// (spec §4.1's Submit(image_bytes, model_name)): model_name is optional and
// falls back to Server.ModelName, but when present must name a plausible
// model_version catalog entry.
type submitMetadata struct {
	ModelName string `validate:"omitempty,min=1,max=100"`
}

func (s *Server) handleSubmit(c *gin.Context) {
	file, _, err := c.Request.FormFile("image")
	if err != nil {
		wscutils.SendError(c, http.StatusBadRequest,
			wscutils.BuildErrorMessage(wscutils.MsgIDInvalidRequest, wscutils.ErrCodeInvalidRequest, "image"))
		return
	}
	defer file.Close()

	imageBytes, err := io.ReadAll(file)
	if err != nil || len(imageBytes) == 0 {
		wscutils.SendError(c, http.StatusBadRequest,
			wscutils.BuildErrorMessage(wscutils.MsgIDInvalidRequest, wscutils.ErrCodeInvalidRequest, "image"))
		return
	}

	meta := submitMetadata{ModelName: c.Request.FormValue("model_name")}
	if !wscutils.WscValidate(c, &meta) {
		return
	}
	modelName := meta.ModelName
	if modelName == "" {
		modelName = s.ModelName
	}

	res, err := s.Submission.Submit(c.Request.Context(), imageBytes, modelName)
	switch err {
	case nil:
	case submission.ErrEmptyImage, submission.ErrNotAnImage:
		wscutils.SendError(c, http.StatusBadRequest,
			wscutils.BuildErrorMessage(wscutils.MsgIDInvalidRequest, wscutils.ErrCodeInvalidRequest, "image"))
		return
	default:
		wscutils.SendError(c, http.StatusInternalServerError,
			wscutils.BuildErrorMessage(wscutils.MsgIDDBUnavailable, wscutils.ErrCodeDBUnavailable, ""))
		return
	}

	status := http.StatusCreated
	if res.Cached {
		status = http.StatusOK
	}
	wscutils.SendSuccess(c, status, gin.H{"job_id": res.JobID})
}

func (s *Server) handleGetStatus(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}

	job, err := s.Submission.GetStatus(c.Request.Context(), id)
	switch {
	case err == nil:
	case errors.Is(err, submission.ErrJobNotFound):
		wscutils.SendError(c, http.StatusNotFound,
			wscutils.BuildErrorMessage(wscutils.MsgIDJobNotFound, wscutils.ErrCodeNotFound, "id"))
		return
	default:
		wscutils.SendError(c, http.StatusInternalServerError,
			wscutils.BuildErrorMessage(wscutils.MsgIDDBUnavailable, wscutils.ErrCodeDBUnavailable, ""))
		return
	}

	wscutils.SendSuccess(c, http.StatusOK, gin.H{
		"id":         job.ID,
		"status":     job.Status,
		"created_at": job.CreatedAt,
	})
}

func (s *Server) handleGetResult(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}

	result, err := s.Submission.GetResult(c.Request.Context(), id)
	switch {
	case err == nil:
		var output json.RawMessage = result.Output
		if len(output) == 0 {
			output = json.RawMessage("null")
		}
		wscutils.SendSuccess(c, http.StatusOK, gin.H{
			"job_id":    result.JobID,
			"output":    output,
			"top_label": result.TopLabel,
		})
	case errors.Is(err, submission.ErrResultNotYet):
		wscutils.SendError(c, http.StatusConflict,
			wscutils.BuildErrorMessage(wscutils.MsgIDResultNotReady, wscutils.ErrCodeNotReady, "id"))
	case errors.Is(err, submission.ErrJobNotFound):
		wscutils.SendError(c, http.StatusNotFound,
			wscutils.BuildErrorMessage(wscutils.MsgIDJobNotFound, wscutils.ErrCodeNotFound, "id"))
	default:
		wscutils.SendError(c, http.StatusInternalServerError,
			wscutils.BuildErrorMessage(wscutils.MsgIDDBUnavailable, wscutils.ErrCodeDBUnavailable, ""))
	}
}

func (s *Server) handleMetrics(c *gin.Context) {
	win, err := s.Metrics.Compute(c.Request.Context(), time.Now())
	if err != nil {
		wscutils.SendError(c, http.StatusInternalServerError,
			wscutils.BuildErrorMessage(wscutils.MsgIDDBUnavailable, wscutils.ErrCodeDBUnavailable, ""))
		return
	}

	wscutils.SendSuccess(c, http.StatusOK, gin.H{
		"rps":          win.RPS,
		"failure_rate": win.FailureRate,
		"p50_ms":       win.P50Ms,
		"p95_ms":       win.P95Ms,
		"p99_ms":       win.P99Ms,
		"dlq_depth":    win.DLQDepth,
	})
}

func (s *Server) handleDLQ(c *gin.Context) {
	ctx := c.Request.Context()
	ids, err := s.Queue.DLQEntries(ctx, 0, -1)
	if err != nil {
		wscutils.SendError(c, http.StatusInternalServerError,
			wscutils.BuildErrorMessage(wscutils.MsgIDQueueUnavailable, wscutils.ErrCodeQueueUnavailable, ""))
		return
	}

	entries := make([]gin.H, 0, len(ids))
	for _, id := range ids {
		job, err := s.Store.Queries.GetJobByID(ctx, id)
		if err != nil {
			continue
		}
		entry := gin.H{"id": job.ID, "input_sha256": job.InputSHA256, "updated_at": job.UpdatedAt}
		if job.LastFailureReason != nil {
			// SPEC_FULL.md supplemented feature 3: enrich /v1/ops/dlq with why.
			entry["last_failure_reason"] = *job.LastFailureReason
		}
		entries = append(entries, entry)
	}

	wscutils.SendSuccess(c, http.StatusOK, entries)
}

// handleQueueDepth is the supplemented /v1/ops/queue endpoint
// (SPEC_FULL.md supplemented feature 2).
func (s *Server) handleQueueDepth(c *gin.Context) {
	depth, err := s.Queue.QueueDepth(c.Request.Context())
	if err != nil {
		wscutils.SendError(c, http.StatusInternalServerError,
			wscutils.BuildErrorMessage(wscutils.MsgIDQueueUnavailable, wscutils.ErrCodeQueueUnavailable, ""))
		return
	}
	wscutils.SendSuccess(c, http.StatusOK, gin.H{"queue_depth": depth})
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	dbOK := s.Store.Healthy(ctx)
	_, queueErr := s.Queue.QueueDepth(ctx)
	queueOK := queueErr == nil

	status := http.StatusOK
	if !dbOK || !queueOK {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{"db": healthString(dbOK), "queue": healthString(queueOK)})
}

func healthString(ok bool) string {
	if ok {
		return "ok"
	}
	return "unavailable"
}

func parseJobID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		wscutils.SendError(c, http.StatusNotFound,
			wscutils.BuildErrorMessage(wscutils.MsgIDJobNotFound, wscutils.ErrCodeNotFound, "id"))
		return 0, false
	}
	return id, true
}
