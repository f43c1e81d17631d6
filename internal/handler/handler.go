// Package handler содержит HTTP-обработчики API сервиса лояльности.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/loyalty-system/internal/middleware"
	"github.com/mmeshcher/loyalty-system/internal/model"
	"github.com/mmeshcher/loyalty-system/internal/qrcode"
	"github.com/mmeshcher/loyalty-system/internal/repository"
	"github.com/mmeshcher/loyalty-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	AwardVisit(ctx context.Context, rawPayload []byte, signature, email string) (*model.AwardResult, error)
	AwardEvent(ctx context.Context, rawPayload []byte, signature, email string) (*model.AwardResult, error)
	AwardPoints(ctx context.Context, merchantID int64, email string, points int64, reason string, idempotencyKey *string) (*model.AwardResult, error)
	Redeem(ctx context.Context, merchantID int64, email string, amount int64, reason string) (*model.AwardResult, error)
	ClaimSpecialReward(ctx context.Context, email string, merchantID int64, kind model.SpecialRewardKind) (*service.ClaimResult, error)
	GetBalance(ctx context.Context, merchantID int64, email string) (int64, model.Tier, error)
	ChangePlan(ctx context.Context, merchantID int64, newPlan model.Plan) (*service.PlanChangeResult, error)
	PurchaseAddonSlots(ctx context.Context, merchantID int64, slots int) (int64, error)
}

// Handler реализует HTTP-обработчики API сервиса лояльности.
type Handler struct {
	service   Service
	logger    *zap.Logger
	tokenAuth *middleware.TokenAuth
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, tokenAuth *middleware.TokenAuth) *Handler {
	return &Handler{
		service:   s,
		logger:    logger,
		tokenAuth: tokenAuth,
	}
}

type scanRequest struct {
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
	Email     string          `json:"email"`
}

type awardResponse struct {
	PointsAwarded int64  `json:"points_awarded"`
	TotalPoints   int64  `json:"total_points"`
	Tier          string `json:"tier"`
	TierUpgrade   bool   `json:"tier_upgrade"`
}

type alreadyAwardedResponse struct {
	Error          string  `json:"error"`
	TotalPoints    int64   `json:"total_points"`
	Tier           string  `json:"tier"`
	NextEligibleAt *string `json:"next_eligible_at,omitempty"`
}

// ScanVisit начисляет баллы за визит по подписанному коду торговой точки.
func (h *Handler) ScanVisit(w http.ResponseWriter, r *http.Request) {
	h.handleScan(w, r, h.service.AwardVisit)
}

// ScanEvent начисляет баллы за сканирование кода события.
func (h *Handler) ScanEvent(w http.ResponseWriter, r *http.Request) {
	h.handleScan(w, r, h.service.AwardEvent)
}

func (h *Handler) handleScan(w http.ResponseWriter, r *http.Request, award func(context.Context, []byte, string, string) (*model.AwardResult, error)) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if len(req.Payload) == 0 || req.Signature == "" || req.Email == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	result, err := award(r.Context(), req.Payload, req.Signature, req.Email)
	if err != nil {
		h.writeAwardError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, awardResponse{
		PointsAwarded: result.PointsAwarded,
		TotalPoints:   result.TotalPoints,
		Tier:          string(result.Tier),
		TierUpgrade:   result.TierUpgrade,
	})
}

func (h *Handler) writeAwardError(w http.ResponseWriter, r *http.Request, err error) {
	var already *service.AlreadyAwardedError
	if errors.As(err, &already) {
		resp := alreadyAwardedResponse{
			Error:       "already awarded",
			TotalPoints: already.TotalPoints,
			Tier:        string(already.Tier),
		}
		if already.NextEligibleAt != nil {
			s := already.NextEligibleAt.Format(time.RFC3339)
			resp.NextEligibleAt = &s
		}
		writeJSON(w, http.StatusConflict, resp)
		return
	}

	switch {
	case errors.Is(err, qrcode.ErrInvalidFormat):
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
	case errors.Is(err, qrcode.ErrForged):
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	case errors.Is(err, service.ErrDeactivated), errors.Is(err, service.ErrExpired):
		http.Error(w, http.StatusText(http.StatusGone), http.StatusGone)
	case errors.Is(err, service.ErrTooEarly):
		http.Error(w, http.StatusText(http.StatusTooEarly), http.StatusTooEarly)
	case errors.Is(err, repository.ErrQuotaExceeded):
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
	case errors.Is(err, repository.ErrMerchantNotFound),
		errors.Is(err, repository.ErrBusinessNotFound),
		errors.Is(err, repository.ErrEventNotFound),
		errors.Is(err, repository.ErrMemberNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	default:
		h.logger.Error("award error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

type claimRequest struct {
	Email      string `json:"email"`
	MerchantID int64  `json:"merchant_id"`
	Kind       string `json:"kind"`
}

type claimResponse struct {
	PointsAwarded int64  `json:"points_awarded"`
	TotalPoints   int64  `json:"total_points"`
	Tier          string `json:"tier"`
	TierUpgrade   bool   `json:"tier_upgrade"`
}

// ClaimReward начисляет специальную годовую награду.
func (h *Handler) ClaimReward(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Email == "" || req.MerchantID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	result, err := h.service.ClaimSpecialReward(r.Context(), req.Email, req.MerchantID, model.SpecialRewardKind(req.Kind))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNotEnabled):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrOutsideWindow):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		case errors.Is(err, repository.ErrAlreadyClaimed):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		case errors.Is(err, repository.ErrMemberNotFound),
			errors.Is(err, repository.ErrMerchantNotFound),
			errors.Is(err, repository.ErrMembershipNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			h.logger.Error("claim reward error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, claimResponse{
		PointsAwarded: result.PointsAwarded,
		TotalPoints:   result.TotalPoints,
		Tier:          string(result.Tier),
		TierUpgrade:   result.TierUpgrade,
	})
}

type changePlanRequest struct {
	MerchantID int64  `json:"merchant_id"`
	Plan       string `json:"plan"`
}

type changePlanResponse struct {
	IsUpgrade      bool    `json:"is_upgrade"`
	IsDowngrade    bool    `json:"is_downgrade"`
	EffectiveLimit int64   `json:"effective_limit"`
	GraceDeadline  *string `json:"grace_deadline,omitempty"`
}

// ChangePlan меняет тарифный план мерчанта.
func (h *Handler) ChangePlan(w http.ResponseWriter, r *http.Request) {
	var req changePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	plan := model.Plan(req.Plan)
	switch plan {
	case model.PlanFree, model.PlanBasic, model.PlanStandard, model.PlanPremium:
	default:
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	result, err := h.service.ChangePlan(r.Context(), req.MerchantID, plan)
	if err != nil {
		if errors.Is(err, repository.ErrMerchantNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("change plan error", zap.Error(err), zap.Int64("merchantID", req.MerchantID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := changePlanResponse{
		IsUpgrade:      result.IsUpgrade,
		IsDowngrade:    result.IsDowngrade,
		EffectiveLimit: result.EffectiveLimit,
	}
	if result.GraceDeadline != nil {
		s := result.GraceDeadline.Format(time.RFC3339)
		resp.GraceDeadline = &s
	}

	writeJSON(w, http.StatusOK, resp)
}

type addonRequest struct {
	MerchantID int64 `json:"merchant_id"`
	Slots      int   `json:"slots"`
}

type addonResponse struct {
	NewEffectiveLimit int64 `json:"new_effective_limit"`
}

// PurchaseAddons покупает дополнительные слоты участников для мерчанта.
func (h *Handler) PurchaseAddons(w http.ResponseWriter, r *http.Request) {
	var req addonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	limit, err := h.service.PurchaseAddonSlots(r.Context(), req.MerchantID, req.Slots)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidAmount), errors.Is(err, service.ErrAddonsNotAllowed):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		case errors.Is(err, repository.ErrMerchantNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			h.logger.Error("purchase addons error", zap.Error(err), zap.Int64("merchantID", req.MerchantID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, addonResponse{NewEffectiveLimit: limit})
}

type apiPointsRequest struct {
	Email          string `json:"email"`
	Points         int64  `json:"points"`
	Reason         string `json:"reason,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type apiPointsResponse struct {
	NewBalance int64 `json:"new_balance"`
}

// APIAwardPoints начисляет баллы через программный API от имени мерчанта токена.
func (h *Handler) APIAwardPoints(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := middleware.GetMerchantIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req apiPointsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Email == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var key *string
	if req.IdempotencyKey != "" {
		key = &req.IdempotencyKey
	}

	result, err := h.service.AwardPoints(r.Context(), merchantID, req.Email, req.Points, req.Reason, key)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidAmount):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, repository.ErrQuotaExceeded):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		case errors.Is(err, repository.ErrMemberNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			h.logger.Error("api award error", zap.Error(err), zap.Int64("merchantID", merchantID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, apiPointsResponse{NewBalance: result.TotalPoints})
}

type apiRedeemRequest struct {
	Email  string `json:"email"`
	Points int64  `json:"points"`
	Reason string `json:"reason,omitempty"`
}

// APIRedeemPoints списывает баллы через программный API.
func (h *Handler) APIRedeemPoints(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := middleware.GetMerchantIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req apiRedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	result, err := h.service.Redeem(r.Context(), merchantID, req.Email, req.Points, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidAmount):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, repository.ErrInsufficientBalance):
			http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
		case errors.Is(err, repository.ErrMemberNotFound), errors.Is(err, repository.ErrMembershipNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			h.logger.Error("api redeem error", zap.Error(err), zap.Int64("merchantID", merchantID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, apiPointsResponse{NewBalance: result.TotalPoints})
}

type apiBalanceResponse struct {
	Points int64  `json:"points"`
	Tier   string `json:"tier"`
}

// APIGetPoints возвращает баланс и уровень участника программы мерчанта токена.
func (h *Handler) APIGetPoints(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := middleware.GetMerchantIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	email := r.URL.Query().Get("email")
	if email == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	points, memberTier, err := h.service.GetBalance(r.Context(), merchantID, email)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrMemberNotFound), errors.Is(err, repository.ErrMembershipNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			h.logger.Error("api balance error", zap.Error(err), zap.Int64("merchantID", merchantID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, apiBalanceResponse{
		Points: points,
		Tier:   string(memberTier),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
