package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/joseph-ayodele/pii-anonymizer/internal/common"
)

type errorBody struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// httpStatus mirrors common.StatusFromError for HTTP callers.
func httpStatus(err error) int {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrInvalidTransition),
		errors.Is(err, common.ErrRetryExhausted):
		return http.StatusConflict
	case errors.Is(err, common.ErrInvalidInput),
		common.HasCode(err, common.CodePolicyValidation),
		common.HasCode(err, common.CodeInvalidScope),
		common.HasCode(err, common.CodeUnsupportedFormat):
		return http.StatusBadRequest
	case common.HasCode(err, common.CodeUnsupportedFileType):
		return http.StatusUnsupportedMediaType
	case common.IsTransient(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Errorw("server.http.failed", "path", r.URL.Path, "err", err,
			"request_id", common.RequestIDFromContext(r.Context()))
	}
	writeJSON(w, status, errorBody{Code: common.ErrorCode(err), Message: err.Error()})
}
