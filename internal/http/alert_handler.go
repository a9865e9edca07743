package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/auth"
	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/broadcast"
	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const connectedFrame = `{"message":"Connected to Targeted Alert Stream"}`

// TokenParser verifies bearer credentials.
type TokenParser interface {
	Parse(token string) (auth.Identity, error)
}

// StreamHub is the observer registry behind the alert stream.
type StreamHub interface {
	Subscribe(identity int64, role models.Role) (*broadcast.Subscription, error)
	Unsubscribe(sub *broadcast.Subscription)
}

type AlertHandler struct {
	hub       StreamHub
	query     DeviceQuery
	tokens    TokenParser
	keepAlive time.Duration
	logger    *zap.Logger
}

func NewAlertHandler(hub StreamHub, query DeviceQuery, tokens TokenParser, keepAlive time.Duration, logger *zap.Logger) *AlertHandler {
	if keepAlive <= 0 {
		keepAlive = 25 * time.Second
	}
	return &AlertHandler{
		hub:       hub,
		query:     query,
		tokens:    tokens,
		keepAlive: keepAlive,
		logger:    logger,
	}
}

// Stream handles GET /api/events/stream?token=<jwt>. The token travels in the
// query string because EventSource cannot set headers.
func (h *AlertHandler) Stream(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.authenticate(w, r.URL.Query().Get("token"))
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, Fail("streaming unsupported"))
		return
	}

	sub, err := h.hub.Subscribe(identity.ID, identity.Role)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, Fail("alert stream is shutting down"))
		return
	}
	defer h.hub.Unsubscribe(sub)

	h.logger.Info("Alert stream connected",
		zap.String("subscription_id", sub.ID()),
		zap.Int64("user_id", identity.ID),
		zap.String("role", string(identity.Role)),
	)
	defer h.logger.Info("Alert stream disconnected", zap.String("subscription_id", sub.ID()))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprintf(w, "data: %s\n\n", connectedFrame); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, open := <-sub.Events():
			if !open {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", frame); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// Resolve handles PUT /api/events/{id}/resolve. Observers and supervisors may
// resolve; owners may not.
func (h *AlertHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.authenticate(w, auth.BearerToken(r))
	if !ok {
		return
	}
	if identity.Role == models.RoleOwner {
		writeJSON(w, http.StatusForbidden, Fail("only caregivers and supervisors can resolve events"))
		return
	}

	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, Fail("invalid event id"))
		return
	}

	ev, err := h.query.ResolveEvent(r.Context(), id, identity.ID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, OkMessage("Event marked as resolved", ev))
}

func (h *AlertHandler) authenticate(w http.ResponseWriter, token string) (auth.Identity, bool) {
	identity, err := h.tokens.Parse(token)
	if err == nil {
		return identity, true
	}

	h.logger.Debug("Rejected credentials", zap.Error(err))
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		writeJSON(w, http.StatusUnauthorized, Result[any]{
			Code:    ResultTokenExpired,
			Type:    "error",
			Message: "token expired",
		})
	case errors.Is(err, auth.ErrMissingToken):
		writeJSON(w, http.StatusUnauthorized, Fail("token required"))
	default:
		writeJSON(w, http.StatusUnauthorized, Fail("invalid token"))
	}
	return auth.Identity{}, false
}
