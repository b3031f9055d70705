package server

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/learngoat/learngoat/internal/experiment"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg, kind string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Kind: kind})
}

// StatusFor maps an error kind onto an HTTP status code.
func StatusFor(kind experiment.Kind) int {
	switch kind {
	case experiment.KindValidation:
		return http.StatusBadRequest
	case experiment.KindNotFound:
		return http.StatusNotFound
	case experiment.KindConflict:
		return http.StatusConflict
	case experiment.KindComputationSkipped:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := experiment.KindOf(err)
	status := StatusFor(kind)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
		msg = "internal server error"
	}
	writeJSONError(w, status, msg, string(kind))
}
