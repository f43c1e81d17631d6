package handler

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/loyalty-system/internal/middleware"
	"github.com/mmeshcher/loyalty-system/internal/model"
	"github.com/mmeshcher/loyalty-system/internal/qrcode"
	"github.com/mmeshcher/loyalty-system/internal/repository"
	"github.com/mmeshcher/loyalty-system/internal/service"
)

type stubService struct {
	awardResult *model.AwardResult
	awardErr    error

	claimResult *service.ClaimResult
	claimErr    error

	planResult *service.PlanChangeResult
	planErr    error

	balancePoints int64
	balanceTier   model.Tier
	balanceErr    error

	addonLimit int64
	addonErr   error

	lastMerchantID int64
	lastEmail      string
	lastKey        *string
}

func (s *stubService) AwardVisit(_ context.Context, _ []byte, _, email string) (*model.AwardResult, error) {
	s.lastEmail = email
	return s.awardResult, s.awardErr
}

func (s *stubService) AwardEvent(_ context.Context, _ []byte, _, email string) (*model.AwardResult, error) {
	s.lastEmail = email
	return s.awardResult, s.awardErr
}

func (s *stubService) AwardPoints(_ context.Context, merchantID int64, email string, _ int64, _ string, key *string) (*model.AwardResult, error) {
	s.lastMerchantID = merchantID
	s.lastEmail = email
	s.lastKey = key
	return s.awardResult, s.awardErr
}

func (s *stubService) Redeem(_ context.Context, merchantID int64, email string, _ int64, _ string) (*model.AwardResult, error) {
	s.lastMerchantID = merchantID
	s.lastEmail = email
	return s.awardResult, s.awardErr
}

func (s *stubService) ClaimSpecialReward(_ context.Context, email string, merchantID int64, _ model.SpecialRewardKind) (*service.ClaimResult, error) {
	s.lastMerchantID = merchantID
	s.lastEmail = email
	return s.claimResult, s.claimErr
}

func (s *stubService) GetBalance(_ context.Context, merchantID int64, email string) (int64, model.Tier, error) {
	s.lastMerchantID = merchantID
	s.lastEmail = email
	if s.balanceErr != nil {
		return 0, "", s.balanceErr
	}
	return s.balancePoints, s.balanceTier, nil
}

func (s *stubService) ChangePlan(_ context.Context, merchantID int64, _ model.Plan) (*service.PlanChangeResult, error) {
	s.lastMerchantID = merchantID
	return s.planResult, s.planErr
}

func (s *stubService) PurchaseAddonSlots(_ context.Context, merchantID int64, _ int) (int64, error) {
	s.lastMerchantID = merchantID
	return s.addonLimit, s.addonErr
}

type stubTokenStore struct {
	token *model.APIToken
	hash  []byte
}

func (s *stubTokenStore) GetAPITokenByHash(_ context.Context, hash []byte) (*model.APIToken, error) {
	if s.token != nil && string(hash) == string(s.hash) {
		return s.token, nil
	}
	return nil, repository.ErrTokenNotFound
}

func newTestRouter(svc *stubService, store middleware.TokenStore) http.Handler {
	h := NewHandler(svc, zap.NewNop(), middleware.NewTokenAuth(store))
	return h.SetupRouter()
}

func writerStore(merchantID int64, token string, scopes []string) *stubTokenStore {
	hash := sha256.Sum256([]byte(token))
	return &stubTokenStore{
		token: &model.APIToken{MerchantID: merchantID, Scopes: scopes},
		hash:  hash[:],
	}
}

func postJSON(t *testing.T, router http.Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestScanVisit(t *testing.T) {
	svc := &stubService{
		awardResult: &model.AwardResult{PointsAwarded: 10, TotalPoints: 35, Tier: model.TierBase},
	}
	router := newTestRouter(svc, &stubTokenStore{})

	body := `{"payload":{"merchant_id":1,"business_id":2},"signature":"ab12","email":"m@example.com"}`
	rec := postJSON(t, router, "/api/scan/visit", body, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		PointsAwarded int64  `json:"points_awarded"`
		TotalPoints   int64  `json:"total_points"`
		Tier          string `json:"tier"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.PointsAwarded != 10 || resp.TotalPoints != 35 || resp.Tier != "BASE" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if svc.lastEmail != "m@example.com" {
		t.Fatalf("email = %q", svc.lastEmail)
	}
}

func TestScanVisit_MissingFields(t *testing.T) {
	router := newTestRouter(&stubService{}, &stubTokenStore{})

	rec := postJSON(t, router, "/api/scan/visit", `{"signature":"ab12"}`, nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestScanVisit_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{name: "invalid payload", err: qrcode.ErrInvalidFormat, wantCode: http.StatusBadRequest},
		{name: "forged signature", err: qrcode.ErrForged, wantCode: http.StatusUnauthorized},
		{name: "deactivated", err: service.ErrDeactivated, wantCode: http.StatusGone},
		{name: "expired event", err: service.ErrExpired, wantCode: http.StatusGone},
		{name: "too early", err: service.ErrTooEarly, wantCode: http.StatusTooEarly},
		{name: "quota exceeded", err: repository.ErrQuotaExceeded, wantCode: http.StatusUnprocessableEntity},
		{name: "unknown member", err: repository.ErrMemberNotFound, wantCode: http.StatusNotFound},
	}

	body := `{"payload":{"merchant_id":1,"business_id":2},"signature":"ab12","email":"m@example.com"}`

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(&stubService{awardErr: tt.err}, &stubTokenStore{})

			rec := postJSON(t, router, "/api/scan/visit", body, nil)

			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
		})
	}
}

func TestScanVisit_AlreadyAwarded(t *testing.T) {
	next := time.Date(2026, time.June, 13, 0, 0, 0, 0, time.UTC)
	svc := &stubService{
		awardErr: &service.AlreadyAwardedError{
			TotalPoints:    35,
			Tier:           model.TierBase,
			NextEligibleAt: &next,
		},
	}
	router := newTestRouter(svc, &stubTokenStore{})

	body := `{"payload":{"merchant_id":1,"business_id":2},"signature":"ab12","email":"m@example.com"}`
	rec := postJSON(t, router, "/api/scan/visit", body, nil)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}

	var resp struct {
		Error          string  `json:"error"`
		TotalPoints    int64   `json:"total_points"`
		NextEligibleAt *string `json:"next_eligible_at"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.TotalPoints != 35 {
		t.Fatalf("total points = %d, want 35", resp.TotalPoints)
	}
	if resp.NextEligibleAt == nil || *resp.NextEligibleAt != next.Format(time.RFC3339) {
		t.Fatalf("next eligible = %v", resp.NextEligibleAt)
	}
}

func TestClaimReward(t *testing.T) {
	svc := &stubService{
		claimResult: &service.ClaimResult{
			PointsAwarded: 100,
			TotalPoints:   1035,
			Tier:          model.TierVIP,
			TierUpgrade:   true,
		},
	}
	router := newTestRouter(svc, &stubTokenStore{})

	body := `{"email":"m@example.com","merchant_id":1,"kind":"birthday"}`
	rec := postJSON(t, router, "/api/rewards/claim", body, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		PointsAwarded int64  `json:"points_awarded"`
		TotalPoints   int64  `json:"total_points"`
		Tier          string `json:"tier"`
		TierUpgrade   bool   `json:"tier_upgrade"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.PointsAwarded != 100 || resp.TotalPoints != 1035 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Tier != "VIP" || !resp.TierUpgrade {
		t.Fatalf("claim response missing tier recompute: %+v", resp)
	}
}

func TestClaimReward_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{name: "not enabled", err: service.ErrNotEnabled, wantCode: http.StatusNotFound},
		{name: "outside window", err: service.ErrOutsideWindow, wantCode: http.StatusUnprocessableEntity},
		{name: "already claimed this year", err: repository.ErrAlreadyClaimed, wantCode: http.StatusConflict},
	}

	body := `{"email":"m@example.com","merchant_id":1,"kind":"birthday"}`

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(&stubService{claimErr: tt.err}, &stubTokenStore{})

			rec := postJSON(t, router, "/api/rewards/claim", body, nil)

			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
		})
	}
}

func TestChangePlan(t *testing.T) {
	deadline := time.Date(2026, time.June, 27, 0, 0, 0, 0, time.UTC)
	svc := &stubService{
		planResult: &service.PlanChangeResult{
			IsDowngrade:    true,
			EffectiveLimit: 2000,
			GraceDeadline:  &deadline,
		},
	}
	router := newTestRouter(svc, &stubTokenStore{})

	rec := postJSON(t, router, "/api/merchant/plan", `{"merchant_id":1,"plan":"BASIC"}`, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		IsDowngrade    bool    `json:"is_downgrade"`
		EffectiveLimit int64   `json:"effective_limit"`
		GraceDeadline  *string `json:"grace_deadline"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.IsDowngrade || resp.EffectiveLimit != 2000 || resp.GraceDeadline == nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestChangePlan_UnknownPlan(t *testing.T) {
	router := newTestRouter(&stubService{}, &stubTokenStore{})

	rec := postJSON(t, router, "/api/merchant/plan", `{"merchant_id":1,"plan":"PLATINUM"}`, nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestPurchaseAddons_FreePlan(t *testing.T) {
	router := newTestRouter(&stubService{addonErr: service.ErrAddonsNotAllowed}, &stubTokenStore{})

	rec := postJSON(t, router, "/api/merchant/addons", `{"merchant_id":1,"slots":1}`, nil)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestAPIAwardPoints(t *testing.T) {
	svc := &stubService{
		awardResult: &model.AwardResult{TotalPoints: 120, Tier: model.TierBase},
	}
	store := writerStore(7, "api-token", []string{middleware.ScopePointsWrite})
	router := newTestRouter(svc, store)

	body := `{"email":"m@example.com","points":20,"reason":"promo","idempotency_key":"req-1"}`
	rec := postJSON(t, router, "/api/points", body, map[string]string{"Authorization": "Bearer api-token"})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		NewBalance int64 `json:"new_balance"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.NewBalance != 120 {
		t.Fatalf("new balance = %d, want 120", resp.NewBalance)
	}
	if svc.lastMerchantID != 7 {
		t.Fatalf("merchant id = %d, want 7 from token", svc.lastMerchantID)
	}
	if svc.lastKey == nil || *svc.lastKey != "req-1" {
		t.Fatalf("idempotency key = %v, want req-1", svc.lastKey)
	}
}

func TestAPIAwardPoints_NoToken(t *testing.T) {
	router := newTestRouter(&stubService{}, &stubTokenStore{})

	rec := postJSON(t, router, "/api/points", `{"email":"m@example.com","points":20}`, nil)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAPIAwardPoints_ReadOnlyToken(t *testing.T) {
	store := writerStore(7, "reader", []string{middleware.ScopePointsRead})
	router := newTestRouter(&stubService{}, store)

	body := `{"email":"m@example.com","points":20}`
	rec := postJSON(t, router, "/api/points", body, map[string]string{"Authorization": "Bearer reader"})

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestAPIRedeemPoints_InsufficientBalance(t *testing.T) {
	store := writerStore(7, "api-token", []string{middleware.ScopePointsWrite})
	router := newTestRouter(&stubService{awardErr: repository.ErrInsufficientBalance}, store)

	body := `{"email":"m@example.com","points":500}`
	rec := postJSON(t, router, "/api/points/redeem", body, map[string]string{"Authorization": "Bearer api-token"})

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
}

func TestAPIGetPoints(t *testing.T) {
	svc := &stubService{balancePoints: 42, balanceTier: model.TierVIP}
	store := writerStore(7, "api-token", []string{middleware.ScopePointsRead})
	router := newTestRouter(svc, store)

	req := httptest.NewRequest(http.MethodGet, "/api/points?email=m@example.com", nil)
	req.Header.Set("Authorization", "Bearer api-token")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Points int64  `json:"points"`
		Tier   string `json:"tier"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Points != 42 || resp.Tier != "VIP" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if svc.lastEmail != "m@example.com" {
		t.Fatalf("email = %q", svc.lastEmail)
	}
}

func TestAPIGetPoints_MissingEmail(t *testing.T) {
	store := writerStore(7, "api-token", []string{middleware.ScopePointsRead})
	router := newTestRouter(&stubService{}, store)

	req := httptest.NewRequest(http.MethodGet, "/api/points", nil)
	req.Header.Set("Authorization", "Bearer api-token")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestRouter_UnknownRoute(t *testing.T) {
	router := newTestRouter(&stubService{}, &stubTokenStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/unknown", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
