package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/joseph-ayodele/pii-anonymizer/constants"
	"github.com/joseph-ayodele/pii-anonymizer/internal/common"
	"github.com/joseph-ayodele/pii-anonymizer/internal/core/policy"
	"github.com/joseph-ayodele/pii-anonymizer/internal/entity"
)

type policyResponse struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	Rules     int       `json:"rules"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

type uploadResponse struct {
	Dataset      *entity.Dataset `json:"dataset"`
	Deduplicated bool            `json:"deduplicated"`
	SHA256       string          `json:"sha256"`
}

type enqueueRequest struct {
	DatasetID uuid.UUID `json:"dataset_id"`
	PolicyID  uuid.UUID `json:"policy_id"`
	Type      string    `json:"type"`
	Priority  int       `json:"priority"`
}

type findingsResponse struct {
	JobID    uuid.UUID        `json:"job_id"`
	Attempt  int              `json:"attempt"`
	Findings []entity.Finding `json:"findings"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "timestamp": time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body := r.Body
	if s.maxBody > 0 {
		body = http.MaxBytesReader(w, r.Body, s.maxBody)
	}
	return io.ReadAll(body)
}

func pathID(r *http.Request) (uuid.UUID, error) {
	raw := mux.Vars(r)["id"]
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %q is not a UUID", common.ErrInvalidInput, raw)
	}
	return id, nil
}

func (s *Server) handlePublishPolicy(w http.ResponseWriter, r *http.Request) {
	raw, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, p, err := policy.Publish(r.Context(), s.repos.Policies, raw)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Infow("server.policy.published", "policy_id", rec.ID, "name", rec.Name, "version", rec.Version)
	writeJSON(w, http.StatusCreated, policyResponse{ID: rec.ID, Name: rec.Name, Version: rec.Version, Rules: len(p.Rules), CreatedAt: rec.CreatedAt})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.repos.Policies.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := policy.ParseDocument(rec.ID, rec.Document)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleUpload takes the raw file as the body and its name from ?filename=.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("filename"))
	if name == "" {
		s.writeError(w, r, fmt.Errorf("%w: filename query parameter is required", common.ErrInvalidInput))
		return
	}
	data, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.ingestor.IngestBytes(r.Context(), name, data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Deduplicated {
		status = http.StatusOK
	}
	writeJSON(w, status, uploadResponse{Dataset: res.Dataset, Deduplicated: res.Deduplicated, SHA256: res.HashHex})
}

func (s *Server) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ds, err := s.repos.Datasets.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (s *Server) handleListDatasetJobs(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	jobs, err := s.repos.Jobs.ListByDataset(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	raw, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req enqueueRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", common.ErrInvalidInput, err))
		return
	}
	jobType, ok := constants.ParseJobType(req.Type)
	if !ok {
		s.writeError(w, r, fmt.Errorf("%w: unknown job type %q", common.ErrInvalidInput, req.Type))
		return
	}
	job, err := s.jobs.Enqueue(r.Context(), req.DatasetID, req.PolicyID, jobType, req.Priority)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.repos.Jobs.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.jobs.Cancel(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.jobs.Retry(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleFindings(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.repos.Jobs.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	findings, err := s.repos.Findings.ListFindings(r.Context(), job.ID, job.Attempt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if findings == nil {
		findings = []entity.Finding{}
	}
	writeJSON(w, http.StatusOK, findingsResponse{JobID: job.ID, Attempt: job.Attempt, Findings: findings})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	a, data, err := s.jobs.Download(r.Context(), id, constants.OutputFormat(mux.Vars(r)["format"]))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", a.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", artifactName(a)))
	w.Header().Set("X-Content-SHA256", a.SHA256)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func artifactName(a *entity.Artifact) string {
	if i := strings.LastIndex(a.ObjectKey, "/"); i >= 0 {
		return a.ObjectKey[i+1:]
	}
	return a.ObjectKey
}
