package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/models"
	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/repository"
	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/service"
	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/store"

	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

func readBodyJSON(r *http.Request, maxBytes int64, out any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

// writeError maps domain errors to status codes. Anything unrecognized is a
// store failure and reported as 503.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		writeJSON(w, http.StatusBadRequest, Fail(err.Error()))
	case errors.Is(err, service.ErrDeviceNotFound),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, repository.ErrAlertEventNotFound):
		writeJSON(w, http.StatusNotFound, Fail(err.Error()))
	case errors.Is(err, service.ErrDurableDisabled):
		writeJSON(w, http.StatusServiceUnavailable, Fail(err.Error()))
	default:
		logger.Error("Request failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, Fail("storage unavailable"))
	}
}
