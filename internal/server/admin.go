package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/learngoat/learngoat/internal/experiment"
	"github.com/learngoat/learngoat/internal/report"
	"github.com/learngoat/learngoat/internal/stats"
	"github.com/learngoat/learngoat/internal/store"
)

func (s *Server) handleListTests(w http.ResponseWriter, r *http.Request) {
	tests, err := s.store.ListTests(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tests == nil {
		tests = []*experiment.Test{}
	}
	writeJSON(w, http.StatusOK, tests)
}

func (s *Server) handleCreateTest(w http.ResponseWriter, r *http.Request) {
	var def experiment.Test
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON", string(experiment.KindValidation))
		return
	}
	test, err := s.lifecycle.Create(r.Context(), &def)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, test)
}

func (s *Server) handleGetTest(w http.ResponseWriter, r *http.Request) {
	test, err := store.ResolveTest(r.Context(), s.store, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, test)
}

func (s *Server) handleUpdateTest(w http.ResponseWriter, r *http.Request) {
	test, err := store.ResolveTest(r.Context(), s.store, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var def experiment.Test
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON", string(experiment.KindValidation))
		return
	}
	updated, err := s.lifecycle.UpdateDraft(r.Context(), test.ID, &def)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteTest(w http.ResponseWriter, r *http.Request) {
	test, err := store.ResolveTest(r.Context(), s.store, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.lifecycle.Delete(r.Context(), test.ID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	test, err := store.ResolveTest(r.Context(), s.store, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	var updated *experiment.Test
	switch action := chi.URLParam(r, "action"); action {
	case "activate":
		updated, err = s.lifecycle.Activate(r.Context(), test.ID)
	case "pause":
		updated, err = s.lifecycle.Pause(r.Context(), test.ID)
	case "resume":
		updated, err = s.lifecycle.Resume(r.Context(), test.ID)
	case "complete":
		updated, err = s.lifecycle.Complete(r.Context(), test.ID)
	case "cancel":
		updated, err = s.lifecycle.Cancel(r.Context(), test.ID)
	default:
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown action %q", action), string(experiment.KindNotFound))
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// handleStats accepts from/to (RFC 3339), segment and repeated metric params.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	test, err := store.ResolveTest(r.Context(), s.store, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	q := r.URL.Query()
	opts := stats.Options{Segment: q.Get("segment"), MetricIDs: q["metric"]}
	if q.Get("from") != "" || q.Get("to") != "" {
		tr := &experiment.TimeRange{}
		if tr.From, err = parseTime(q.Get("from")); err != nil {
			s.writeError(w, err)
			return
		}
		if tr.To, err = parseTime(q.Get("to")); err != nil {
			s.writeError(w, err)
			return
		}
		opts.TimeRange = tr
	}

	result, err := s.stats.ComputeStats(r.Context(), test.ID, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, experiment.Validationf("invalid time %q: expected RFC 3339", v)
	}
	return t.UTC(), nil
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	test, err := store.ResolveTest(r.Context(), s.store, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	rep, err := s.reports.BuildReport(r.Context(), test.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// handleExport takes repeated test params (ids or names), format and an
// include section list. With no test param every test is exported.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	format, err := report.ParseFormat(q.Get("format"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	inc, err := report.ParseInclude(q.Get("include"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	var ids []string
	if refs := q["test"]; len(refs) > 0 {
		for _, ref := range refs {
			test, err := store.ResolveTest(r.Context(), s.store, ref)
			if err != nil {
				s.writeError(w, err)
				return
			}
			ids = append(ids, test.ID)
		}
	} else {
		tests, err := s.store.ListTests(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		for _, t := range tests {
			ids = append(ids, t.ID)
		}
	}

	// Buffer so a failure midway still yields a clean error response.
	var buf bytes.Buffer
	if err := s.reports.Export(r.Context(), &buf, ids, format, inc); err != nil {
		s.writeError(w, err)
		return
	}

	contentType := "application/json"
	if format == report.FormatCSV {
		contentType = "text/csv; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "learngoat-export."+strings.ToLower(string(format))))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func (s *Server) handleListSegments(w http.ResponseWriter, r *http.Request) {
	segments, err := s.store.ListSegments(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if segments == nil {
		segments = []*experiment.Segment{}
	}
	writeJSON(w, http.StatusOK, segments)
}

func (s *Server) handleCreateSegment(w http.ResponseWriter, r *http.Request) {
	var def experiment.Segment
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON", string(experiment.KindValidation))
		return
	}
	seg, err := s.lifecycle.CreateSegment(r.Context(), &def)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, seg)
}

func (s *Server) handleSaveUserAttributes(w http.ResponseWriter, r *http.Request) {
	var attrs experiment.UserAttributes
	if err := json.NewDecoder(r.Body).Decode(&attrs); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON", string(experiment.KindValidation))
		return
	}
	attrs.UserID = chi.URLParam(r, "userID")
	if err := s.store.SaveUserAttributes(r.Context(), &attrs); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, attrs)
}
