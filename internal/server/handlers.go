package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/learngoat/learngoat/internal/assign"
	"github.com/learngoat/learngoat/internal/experiment"
)

type HealthResponse struct {
	Status        string `json:"status"`
	TestsCount    int    `json:"tests_count"`
	DBSizeBytes   int64  `json:"db_size_bytes"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	tests, err := s.store.ListTests(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		TestsCount:    len(tests),
		DBSizeBytes:   s.dbSize(r.Context()),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	})
}

type AssignRequest struct {
	UserID string `json:"user_id"`
	TestID string `json:"test_id"`
}

// AssignResponse carries the variant config so callers can render it without
// a second lookup.
type AssignResponse struct {
	Assigned    bool           `json:"assigned"`
	TestID      string         `json:"test_id"`
	UserID      string         `json:"user_id"`
	VariantID   string         `json:"variant_id,omitempty"`
	VariantName string         `json:"variant_name,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
	AssignedAt  *time.Time     `json:"assigned_at,omitempty"`
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON", string(experiment.KindValidation))
		return
	}

	a, err := s.assigner.Assign(r.Context(), req.UserID, req.TestID)
	if err != nil {
		s.metrics.assignments.WithLabelValues(outcomeError).Inc()
		s.writeError(w, err)
		return
	}

	resp := AssignResponse{TestID: req.TestID, UserID: req.UserID}
	if a == nil {
		s.metrics.assignments.WithLabelValues(outcomeNotAssigned).Inc()
		writeJSON(w, http.StatusOK, resp)
		return
	}
	s.metrics.assignments.WithLabelValues(outcomeAssigned).Inc()

	resp.Assigned = true
	resp.VariantID = a.VariantID
	resp.AssignedAt = &a.AssignedAt
	if test, err := s.store.GetTest(r.Context(), a.TestID); err == nil {
		if v := test.Variant(a.VariantID); v != nil {
			resp.VariantName = v.Name
			resp.Config = v.Config
		}
	} else {
		s.log.Warn("failed to load variant config", zap.String("test_id", a.TestID), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, resp)
}

type BatchAssignRequest struct {
	Requests []AssignRequest `json:"requests"`
}

func (s *Server) handleAssignBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchAssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON", string(experiment.KindValidation))
		return
	}

	reqs := make([]assign.Request, len(req.Requests))
	for i, item := range req.Requests {
		reqs[i] = assign.Request{UserID: item.UserID, TestID: item.TestID}
	}
	result := s.assigner.AssignBatch(r.Context(), reqs)

	for _, ok := range result.Succeeded {
		if ok.Assigned {
			s.metrics.assignments.WithLabelValues(outcomeAssigned).Inc()
		} else {
			s.metrics.assignments.WithLabelValues(outcomeNotAssigned).Inc()
		}
	}
	s.metrics.assignments.WithLabelValues(outcomeError).Add(float64(len(result.Failed)))
	if err := result.Err(); err != nil {
		s.log.Warn("batch assignment had failures",
			zap.Int("failed", len(result.Failed)),
			zap.Int("requested", len(reqs)),
			zap.Error(err))
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleUserAssignments(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	assignments, err := s.assigner.AssignmentsForUser(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":     userID,
		"assignments": assignments,
	})
}

type ObservationRequest struct {
	TestID     string     `json:"test_id"`
	VariantID  string     `json:"variant_id"`
	MetricID   string     `json:"metric_id"`
	UserID     string     `json:"user_id"`
	Value      float64    `json:"value"`
	RecordedAt *time.Time `json:"recorded_at,omitempty"`
}

func (s *Server) handleRecordObservation(w http.ResponseWriter, r *http.Request) {
	var req ObservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON", string(experiment.KindValidation))
		return
	}

	o := &experiment.Observation{
		TestID:    req.TestID,
		VariantID: req.VariantID,
		MetricID:  req.MetricID,
		UserID:    req.UserID,
		Value:     req.Value,
	}
	if req.RecordedAt != nil {
		o.RecordedAt = req.RecordedAt.UTC()
	}
	if err := s.lifecycle.RecordObservation(r.Context(), o); err != nil {
		s.writeError(w, err)
		return
	}
	s.metrics.observations.Inc()
	writeJSON(w, http.StatusCreated, o)
}
