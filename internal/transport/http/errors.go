package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"e2ee-keys/internal/cryptocore"
	"e2ee-keys/internal/domain"
	"e2ee-keys/internal/dto"
	"e2ee-keys/internal/observability/logging"
	"e2ee-keys/internal/observability/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// statusFor maps error kinds to HTTP statuses. Order matters: the more
// specific sentinels come before the kinds they wrap.
func statusFor(err error) int {
	switch {
	case errors.Is(err, cryptocore.ErrKeySize), errors.Is(err, cryptocore.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInsufficientCapabilities):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrDeviceRevoked):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrEncryption), errors.Is(err, domain.ErrDecryption):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// fail logs err and writes it with the mapped status. Internal errors are
// not echoed to the caller.
func fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := statusFor(err)
	log := logging.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error(msg, "err", err, "status", status)
		writeError(w, r, status, http.StatusText(status))
		return
	}
	log.Warn(msg, "err", err, "status", status)
	writeError(w, r, status, err.Error())
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, dto.ErrorResponse{
		Error:     msg,
		RequestID: middleware.RequestIDFromContext(r.Context()),
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		logging.FromContext(r.Context()).Warn("request decode failed", "err", err, "path", r.URL.Path)
		writeError(w, r, http.StatusBadRequest, "bad request")
		return false
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("invalid %s", name))
		return uuid.Nil, false
	}
	return id, true
}

// parseOptionalUUID treats an empty string as uuid.Nil.
func parseOptionalUUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid id %q", domain.ErrInvalidArgument, s)
	}
	return id, nil
}

func parseUUIDs(in []string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(in))
	for _, s := range in {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid id %q", domain.ErrInvalidArgument, s)
		}
		out = append(out, id)
	}
	return out, nil
}
