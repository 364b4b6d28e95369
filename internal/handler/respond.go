package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/attaboy/wagerline/internal/domain"
)

const maxBodyBytes = 1 << 20

// RespondJSON writes a JSON response with the given status code.
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// RespondError writes a {"code","message"} rejection, detecting domain.AppError for
// status codes. Anything else is an opaque internal error.
func RespondError(w http.ResponseWriter, err error) {
	var appErr *domain.AppError
	if errors.As(err, &appErr) {
		status := appErr.Status
		if status == 0 {
			status = http.StatusInternalServerError
		}
		if appErr.Retryable && w.Header().Get("Retry-After") == "" {
			w.Header().Set("Retry-After", "1")
		}
		RespondJSON(w, status, map[string]string{
			"code":    appErr.Code,
			"message": appErr.Message,
		})
		return
	}
	RespondJSON(w, http.StatusInternalServerError, map[string]string{
		"code":    domain.CodeInternal,
		"message": "internal server error",
	})
}

// DecodeJSON reads and decodes a JSON request body into dst, capped at 1 MiB.
func DecodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return domain.ErrValidation("invalid request body")
	}
	return nil
}
