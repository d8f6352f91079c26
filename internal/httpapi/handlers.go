package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/PipeOpsHQ/insight-runtime/agent"
	"github.com/PipeOpsHQ/insight-runtime/runtime/resume"
	"github.com/PipeOpsHQ/insight-runtime/state"
	"github.com/PipeOpsHQ/insight-runtime/types"
)

const maxBodyBytes = 1 << 20

type insightRequest struct {
	Question    string `json:"question"`
	ContextRef  string `json:"contextRef"`
	ResumeJobID string `json:"resumeJobId,omitempty"`
}

type failureResponse struct {
	Failed    bool            `json:"failed"`
	JobID     string          `json:"jobId,omitempty"`
	ErrorKind types.ErrorKind `json:"errorKind"`
	Message   string          `json:"message"`
}

type jobView struct {
	JobID          string          `json:"jobId"`
	Status         state.JobStatus `json:"status"`
	AttemptCount   int             `json:"attemptCount"`
	IterationIndex int             `json:"iterationIndex"`
	FinalAnswer    string          `json:"finalAnswer,omitempty"`
	ErrorKind      types.ErrorKind `json:"errorKind,omitempty"`
	Message        string          `json:"message,omitempty"`
	Usage          *types.Usage    `json:"usage,omitempty"`
}

func (s *Server) handleInsight(w http.ResponseWriter, r *http.Request) {
	var req insightRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeFailure(w, r, "", types.ErrorInvalidRequest, err)
		return
	}
	req.ResumeJobID = strings.TrimSpace(req.ResumeJobID)
	if req.ResumeJobID == "" && strings.TrimSpace(req.Question) == "" {
		s.writeFailure(w, r, "", types.ErrorInvalidRequest, errors.New("question is required"))
		return
	}

	deadline := s.cfg.Now().Add(s.cfg.HostTimeout)
	ctx, cancel := context.WithDeadline(r.Context(), deadline)
	defer cancel()

	res, err := s.insights.Run(ctx, resume.Request{
		JobID:      req.ResumeJobID,
		Question:   req.Question,
		ContextRef: req.ContextRef,
		Deadline:   deadline,
	})
	if err != nil {
		kind := types.ErrorTransientIO
		switch {
		case errors.Is(err, agent.ErrInvalidRequest):
			kind = types.ErrorInvalidRequest
		case errors.Is(err, agent.ErrJobNotFound):
			kind = types.ErrorJobNotFound
		}
		s.writeFailure(w, r, req.ResumeJobID, kind, err)
		return
	}

	switch {
	case res.Completed:
		writeJSON(w, http.StatusOK, map[string]any{
			"completed":   true,
			"finalAnswer": res.FinalAnswer,
			"jobId":       res.JobID,
		})
	case res.Resumable:
		writeJSON(w, http.StatusAccepted, map[string]any{
			"resumable": true,
			"jobId":     res.JobID,
		})
	default:
		kind := res.ErrorKind
		if kind == "" {
			kind = types.ErrorInvariantViolation
		}
		s.writeFailure(w, r, res.JobID, kind, nil)
	}
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	job, err := s.jobs.Job(r.Context(), jobID)
	if err != nil {
		kind := types.ErrorTransientIO
		if errors.Is(err, agent.ErrJobNotFound) {
			kind = types.ErrorJobNotFound
		}
		s.writeFailure(w, r, jobID, kind, err)
		return
	}

	view := jobView{
		JobID:        job.ID,
		Status:       job.Status,
		AttemptCount: job.AttemptCount,
		FinalAnswer:  job.FinalAnswer,
		Usage:        job.Usage,
	}
	if job.Checkpoint != nil {
		view.IterationIndex = job.Checkpoint.IterationIndex
	}
	if job.Error != nil {
		view.ErrorKind = job.Error.Kind
		view.Message = job.Error.Kind.Summary()
	}
	writeJSON(w, http.StatusOK, view)
}

// writeFailure sends only the kind and its fixed summary; err is logged.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, jobID string, kind types.ErrorKind, err error) {
	status := statusFor(kind)
	if err != nil {
		ev := s.cfg.Logger.Warn()
		if status >= http.StatusInternalServerError {
			ev = s.cfg.Logger.Error()
		}
		ev.Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("job_id", jobID).
			Str("error_kind", string(kind)).
			Msg("insight request failed")
	}
	writeJSON(w, status, failureResponse{
		Failed:    true,
		JobID:     jobID,
		ErrorKind: kind,
		Message:   kind.Summary(),
	})
}

func statusFor(kind types.ErrorKind) int {
	switch kind {
	case types.ErrorInvalidRequest:
		return http.StatusBadRequest
	case types.ErrorJobNotFound:
		return http.StatusNotFound
	case types.ErrorAttemptLimit:
		return http.StatusUnprocessableEntity
	case types.ErrorOverallDeadline:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
