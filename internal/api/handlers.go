// Package api exposes the derived step state over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/AdnanHimself/couple-steps-sub000/internal/auth"
	"github.com/AdnanHimself/couple-steps-sub000/internal/domain"
	"github.com/AdnanHimself/couple-steps-sub000/internal/engine"
)

// Service is the slice of the engine the handlers read from.
type Service interface {
	Today() domain.Date
	CanonicalSteps(userID string, date domain.Date) (domain.DailyStepRecord, bool)
	AddManualSteps(ctx context.Context, steps int) (int, error)
	Streak(ctx context.Context, userID string) (domain.StreakResult, error)
	Threshold() int
	ChallengeProgress(ctx context.Context, id string) (domain.ChallengeProgress, error)
	SelectChallenge(ctx context.Context, id string) error
}

var _ Service = (*engine.Engine)(nil)

// Handler coordinates HTTP requests with the engine.
type Handler struct {
	service     Service
	localUserID string
	logger      *zap.Logger
}

// NewHandler builds a Handler. Writes are only accepted for localUserID, the
// user whose device this process runs for.
func NewHandler(service Service, localUserID string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, localUserID: localUserID, logger: logger}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/steps", h.steps)
	mux.HandleFunc("/v1/steps/manual", h.manualSteps)
	mux.HandleFunc("/v1/streak", h.streak)
	mux.HandleFunc("/v1/challenges/", h.challengeByID)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// StepsView is the canonical record for one user and day.
type StepsView struct {
	UserID            string     `json:"user_id"`
	Date              string     `json:"date"`
	Count             int        `json:"count"`
	LastLocalUpdateAt *time.Time `json:"last_local_update_at,omitempty"`
	LastSyncedAt      *time.Time `json:"last_synced_at,omitempty"`
}

// ManualStepsRequest adds steps to today's local count.
type ManualStepsRequest struct {
	Count int `json:"count"`
}

// ManualStepsResponse carries the canonical count after the addition.
type ManualStepsResponse struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// StreakView reports consecutive days at or above the threshold.
type StreakView struct {
	UserID        string `json:"user_id"`
	CurrentStreak int    `json:"current_streak"`
	HighestStreak int    `json:"highest_streak"`
	Threshold     int    `json:"threshold"`
}

// ChallengeView is the progress of one challenge.
type ChallengeView struct {
	ChallengeID     string     `json:"challenge_id"`
	Kind            string     `json:"kind"`
	Goal            int        `json:"goal"`
	Day             string     `json:"day"`
	Status          string     `json:"status"`
	AggregatedSteps int        `json:"aggregated_steps"`
	Remaining       int        `json:"remaining"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

func (h *Handler) steps(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := h.authorize(w, r, auth.ScopeStepsRead)
	if !ok {
		return
	}

	userID := targetUser(r, claims)
	if !claims.CanView(userID) {
		writeError(w, http.StatusForbidden, "forbidden", "cannot view this user's steps")
		return
	}

	date := h.service.Today()
	if raw := strings.TrimSpace(r.URL.Query().Get("date")); raw != "" {
		parsed, err := domain.ParseDate(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "date must be YYYY-MM-DD")
			return
		}
		date = parsed
	}

	rec, found := h.service.CanonicalSteps(userID, date)
	if !found {
		writeError(w, http.StatusNotFound, "not_found", "no steps recorded for that day")
		return
	}
	writeJSON(w, http.StatusOK, toStepsView(rec))
}

func (h *Handler) manualSteps(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := h.authorize(w, r, auth.ScopeStepsWrite)
	if !ok {
		return
	}
	if claims.Subject != h.localUserID {
		writeError(w, http.StatusForbidden, "forbidden", "manual steps can only be added by the device owner")
		return
	}

	var req ManualStepsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	count, err := h.service.AddManualSteps(r.Context(), req.Count)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ManualStepsResponse{Date: h.service.Today().String(), Count: count})
}

func (h *Handler) streak(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := h.authorize(w, r, auth.ScopeStepsRead)
	if !ok {
		return
	}

	userID := targetUser(r, claims)
	if !claims.CanView(userID) {
		writeError(w, http.StatusForbidden, "forbidden", "cannot view this user's streak")
		return
	}

	result, err := h.service.Streak(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StreakView{
		UserID:        userID,
		CurrentStreak: result.CurrentStreak,
		HighestStreak: result.HighestStreak,
		Threshold:     h.service.Threshold(),
	})
}

func (h *Handler) challengeByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/challenges/"), "/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing challenge id")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		h.getChallenge(w, r, id)
	case action == "select" && r.Method == http.MethodPost:
		h.selectChallenge(w, r, id)
	case action != "" && action != "select":
		writeError(w, http.StatusNotFound, "not_found", "unknown challenge action")
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) getChallenge(w http.ResponseWriter, r *http.Request, id string) {
	if _, ok := h.authorize(w, r, auth.ScopeStepsRead); !ok {
		return
	}
	progress, err := h.service.ChallengeProgress(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toChallengeView(progress))
}

func (h *Handler) selectChallenge(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := h.authorize(w, r, auth.ScopeStepsWrite)
	if !ok {
		return
	}
	if claims.Subject != h.localUserID {
		writeError(w, http.StatusForbidden, "forbidden", "challenges can only be selected by the device owner")
		return
	}

	if err := h.service.SelectChallenge(r.Context(), id); err != nil {
		h.writeServiceError(w, err)
		return
	}
	progress, err := h.service.ChallengeProgress(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toChallengeView(progress))
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, scope string) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	if !claims.HasScope(scope) {
		writeError(w, http.StatusForbidden, "forbidden", "scope "+scope+" required")
		return nil, false
	}
	return claims, true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrChallengeNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, engine.ErrInvalidManualSteps):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, engine.ErrNotRunning):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "unexpected error")
	}
}

func targetUser(r *http.Request, claims *auth.Claims) string {
	if userID := strings.TrimSpace(r.URL.Query().Get("user_id")); userID != "" {
		return userID
	}
	return claims.Subject
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func toStepsView(rec domain.DailyStepRecord) StepsView {
	return StepsView{
		UserID:            rec.UserID,
		Date:              rec.Date.String(),
		Count:             rec.Count,
		LastLocalUpdateAt: optionalTime(rec.LastLocalUpdateAt),
		LastSyncedAt:      optionalTime(rec.LastSyncedAt),
	}
}

func toChallengeView(p domain.ChallengeProgress) ChallengeView {
	return ChallengeView{
		ChallengeID:     p.ChallengeID,
		Kind:            string(p.Kind),
		Goal:            p.Goal,
		Day:             p.Day.String(),
		Status:          string(p.Status),
		AggregatedSteps: p.AggregatedSteps,
		Remaining:       p.Remaining(),
		CompletedAt:     p.CompletedAt,
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
