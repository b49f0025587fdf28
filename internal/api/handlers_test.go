package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/AdnanHimself/couple-steps-sub000/internal/auth"
	"github.com/AdnanHimself/couple-steps-sub000/internal/domain"
	"github.com/AdnanHimself/couple-steps-sub000/internal/engine"
)

type stubService struct {
	today      domain.Date
	records    map[string]domain.DailyStepRecord
	manual     []int
	manualErr  error
	streaks    map[string]domain.StreakResult
	challenges map[string]domain.ChallengeProgress
	selected   []string
	selectErr  error
}

func newStubService() *stubService {
	return &stubService{
		today:      "2026-10-15",
		records:    make(map[string]domain.DailyStepRecord),
		streaks:    make(map[string]domain.StreakResult),
		challenges: make(map[string]domain.ChallengeProgress),
	}
}

func (s *stubService) Today() domain.Date { return s.today }

func (s *stubService) CanonicalSteps(userID string, date domain.Date) (domain.DailyStepRecord, bool) {
	rec, ok := s.records[userID+"/"+date.String()]
	return rec, ok
}

func (s *stubService) AddManualSteps(ctx context.Context, steps int) (int, error) {
	if s.manualErr != nil {
		return 0, s.manualErr
	}
	if steps <= 0 {
		return 0, engine.ErrInvalidManualSteps
	}
	s.manual = append(s.manual, steps)
	total := 0
	for _, n := range s.manual {
		total += n
	}
	return total, nil
}

func (s *stubService) Streak(ctx context.Context, userID string) (domain.StreakResult, error) {
	return s.streaks[userID], nil
}

func (s *stubService) Threshold() int { return 5000 }

func (s *stubService) ChallengeProgress(ctx context.Context, id string) (domain.ChallengeProgress, error) {
	p, ok := s.challenges[id]
	if !ok {
		return domain.ChallengeProgress{}, domain.ErrChallengeNotFound
	}
	return p, nil
}

func (s *stubService) SelectChallenge(ctx context.Context, id string) error {
	if s.selectErr != nil {
		return s.selectErr
	}
	if _, ok := s.challenges[id]; !ok {
		return domain.ErrChallengeNotFound
	}
	s.selected = append(s.selected, id)
	return nil
}

func newTestHandler(t *testing.T, svc *stubService) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	NewHandler(svc, "me", zaptest.NewLogger(t)).RegisterRoutes(mux)
	return mux
}

func do(t *testing.T, h http.Handler, method, target, body, subject string, scopes ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if subject != "" {
		claims := &auth.Claims{
			Subject:   subject,
			PartnerID: "partner",
			Scopes:    map[string]struct{}{},
		}
		if subject == "partner" {
			claims.PartnerID = "me"
		}
		for _, scope := range scopes {
			claims.Scopes[scope] = struct{}{}
		}
		req = req.WithContext(auth.WithClaims(req.Context(), claims))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestGetStepsDefaultsToCallerAndToday(t *testing.T) {
	svc := newStubService()
	synced := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	svc.records["me/2026-10-15"] = domain.DailyStepRecord{UserID: "me", Date: "2026-10-15", Count: 4200, LastSyncedAt: synced}
	h := newTestHandler(t, svc)

	rr := do(t, h, http.MethodGet, "/v1/steps", "", "me", auth.ScopeStepsRead)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var view StepsView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	require.Equal(t, 4200, view.Count)
	require.Equal(t, "2026-10-15", view.Date)
	require.Nil(t, view.LastLocalUpdateAt)
	require.NotNil(t, view.LastSyncedAt)
	require.True(t, view.LastSyncedAt.Equal(synced))
}

func TestGetStepsForPartnerAndMissingDay(t *testing.T) {
	svc := newStubService()
	svc.records["partner/2026-10-14"] = domain.DailyStepRecord{UserID: "partner", Date: "2026-10-14", Count: 7000}
	h := newTestHandler(t, svc)

	rr := do(t, h, http.MethodGet, "/v1/steps?user_id=partner&date=2026-10-14", "", "me", auth.ScopeStepsRead)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, h, http.MethodGet, "/v1/steps?user_id=partner&date=2026-10-13", "", "me", auth.ScopeStepsRead)
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, http.MethodGet, "/v1/steps?date=15-10-2026", "", "me", auth.ScopeStepsRead)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGetStepsAuthorization(t *testing.T) {
	h := newTestHandler(t, newStubService())

	require.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/v1/steps", "", "").Code)
	require.Equal(t, http.StatusForbidden, do(t, h, http.MethodGet, "/v1/steps", "", "me").Code)
	require.Equal(t, http.StatusForbidden, do(t, h, http.MethodGet, "/v1/steps?user_id=stranger", "", "me", auth.ScopeStepsRead).Code)
	require.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodDelete, "/v1/steps", "", "me", auth.ScopeStepsRead).Code)
}

func TestManualSteps(t *testing.T) {
	svc := newStubService()
	h := newTestHandler(t, svc)

	rr := do(t, h, http.MethodPost, "/v1/steps/manual", `{"count":300}`, "me", auth.ScopeStepsWrite)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	rr = do(t, h, http.MethodPost, "/v1/steps/manual", `{"count":200}`, "me", auth.ScopeStepsWrite)
	require.Equal(t, http.StatusAccepted, rr.Code)

	var resp ManualStepsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, 500, resp.Count)
	require.Equal(t, "2026-10-15", resp.Date)

	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/steps/manual", `{"count":0}`, "me", auth.ScopeStepsWrite).Code)
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/steps/manual", `not json`, "me", auth.ScopeStepsWrite).Code)
	require.Equal(t, http.StatusForbidden, do(t, h, http.MethodPost, "/v1/steps/manual", `{"count":1}`, "partner", auth.ScopeStepsWrite).Code)
	require.Equal(t, http.StatusForbidden, do(t, h, http.MethodPost, "/v1/steps/manual", `{"count":1}`, "me", auth.ScopeStepsRead).Code)
}

func TestManualStepsEngineStopped(t *testing.T) {
	svc := newStubService()
	svc.manualErr = engine.ErrNotRunning
	h := newTestHandler(t, svc)

	rr := do(t, h, http.MethodPost, "/v1/steps/manual", `{"count":10}`, "me", auth.ScopeStepsWrite)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestStreak(t *testing.T) {
	svc := newStubService()
	svc.streaks["partner"] = domain.StreakResult{CurrentStreak: 3, HighestStreak: 9}
	h := newTestHandler(t, svc)

	rr := do(t, h, http.MethodGet, "/v1/streak?user_id=partner", "", "me", auth.ScopeStepsRead)
	require.Equal(t, http.StatusOK, rr.Code)

	var view StreakView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	require.Equal(t, StreakView{UserID: "partner", CurrentStreak: 3, HighestStreak: 9, Threshold: 5000}, view)
}

func TestChallengeRoutes(t *testing.T) {
	svc := newStubService()
	svc.challenges["c1"] = domain.ChallengeProgress{
		ChallengeID:     "c1",
		Kind:            domain.ChallengeCouple,
		Goal:            10000,
		Day:             "2026-10-15",
		Status:          domain.ChallengeActive,
		AggregatedSteps: 6500,
	}
	h := newTestHandler(t, svc)

	rr := do(t, h, http.MethodGet, "/v1/challenges/c1", "", "me", auth.ScopeStepsRead)
	require.Equal(t, http.StatusOK, rr.Code)
	var view ChallengeView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	require.Equal(t, 3500, view.Remaining)
	require.Equal(t, "couple", view.Kind)

	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/challenges/missing", "", "me", auth.ScopeStepsRead).Code)

	rr = do(t, h, http.MethodPost, "/v1/challenges/c1/select", "", "me", auth.ScopeStepsWrite)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, []string{"c1"}, svc.selected)

	svc.selectErr = domain.ErrInvalidTransition
	require.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/v1/challenges/c1/select", "", "me", auth.ScopeStepsWrite).Code)
	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/v1/challenges/c1/archive", "", "me", auth.ScopeStepsWrite).Code)
	require.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/v1/challenges/c1/select", "", "me", auth.ScopeStepsWrite).Code)
}

func TestHealthz(t *testing.T) {
	rr := do(t, newTestHandler(t, newStubService()), http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ok", rr.Body.String())
}
