package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/lazypower/quill/internal/memory"
)

type envelope struct {
	OK    bool          `json:"ok"`
	Data  any           `json:"data,omitempty"`
	Error *memory.Error `json:"error,omitempty"`
}

// statusFor maps an error code to its HTTP status.
func statusFor(code memory.Code) int {
	switch code {
	case memory.CodeInvalidArgument:
		return http.StatusBadRequest
	case memory.CodeNotFound:
		return http.StatusNotFound
	case memory.CodeConflict:
		return http.StatusConflict
	case memory.CodeConfidenceOutOfRange:
		return http.StatusUnprocessableEntity
	case memory.CodeClearConfirmRequired:
		return http.StatusPreconditionRequired
	case memory.CodeCapacityExceeded:
		return http.StatusInsufficientStorage
	case memory.CodeDistillLLMUnavailable, memory.CodeEpisodeWriteFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{OK: true, Data: data})
}

// writeError renders err in the error envelope. Errors without a code are
// reported as DB_ERROR.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var me *memory.Error
	if !errors.As(err, &me) {
		me = memory.Wrap(memory.CodeDBError, err, "Internal error")
	}
	status := statusFor(me.Code)
	if status >= http.StatusInternalServerError {
		s.log.Error("request error",
			zap.String("path", r.URL.Path),
			zap.String("code", string(me.Code)),
			zap.Error(err))
	}
	writeJSON(w, status, envelope{Error: &memory.Error{
		Code:    me.Code,
		Message: me.Message,
		Details: me.Details,
	}})
}

// decodeJSON decodes the request body into v. An empty body leaves v as is
// when optional is set.
func decodeJSON(r *http.Request, v any, optional bool) error {
	err := json.NewDecoder(r.Body).Decode(v)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF) && optional:
		return nil
	default:
		return memory.Errorf(memory.CodeInvalidArgument, "invalid json").
			WithDetails(map[string]any{"reason": err.Error()})
	}
}
