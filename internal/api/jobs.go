package api

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/sendrecord-crawler/internal/crawler"
	"github.com/JakeFAU/sendrecord-crawler/internal/job"
)

type createJobRequest struct {
	Date string `json:"date"`
}

type delayRequest struct {
	Seconds float64 `json:"seconds"`
}

type jobView struct {
	crawler.Job
	Running bool `json:"running"`
}

func (s *Server) view(j crawler.Job) jobView {
	return jobView{Job: j, Running: s.jobs.Running(j.ID)}
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.List(r.Context())
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, s.view(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	created, err := s.jobs.Create(r.Context(), req.Date)
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.view(created))
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	j, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(j))
}

func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	if err := s.jobs.Start(r.Context(), id); err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": id, "status": "started"})
}

func (s *Server) stopJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	if err := s.jobs.Stop(r.Context(), id); err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": id, "status": "stop_requested"})
}

func (s *Server) getDelay(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]float64{"seconds": s.jobs.InterPageDelay().Seconds()})
}

// maxDelaySeconds is the first value a time.Duration cannot hold.
var maxDelaySeconds = time.Duration(math.MaxInt64).Seconds()

func (s *Server) setDelay(w http.ResponseWriter, r *http.Request) {
	var req delayRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Seconds >= maxDelaySeconds {
		writeError(w, http.StatusBadRequest, "inter-page delay too large")
		return
	}
	d := time.Duration(req.Seconds * float64(time.Second))
	if err := s.jobs.SetInterPageDelay(d); err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"seconds": d.Seconds()})
}

func jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "job_id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return 0, false
	}
	return id, true
}

func (s *Server) writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, job.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, job.ErrInvalidDate), errors.Is(err, job.ErrInvalidDelay):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, job.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("job operation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
