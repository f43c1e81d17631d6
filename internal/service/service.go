// Package service реализует бизнес-логику сервиса лояльности.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/loyalty-system/internal/model"
	"github.com/mmeshcher/loyalty-system/internal/qrcode"
	"github.com/mmeshcher/loyalty-system/internal/quota"
	"github.com/mmeshcher/loyalty-system/internal/repository"
	"github.com/mmeshcher/loyalty-system/internal/tier"
	"github.com/mmeshcher/loyalty-system/internal/window"
)

// ErrDeactivated возвращается при сканировании кода отключённой точки или события.
var (
	ErrDeactivated = errors.New("code is deactivated")
	// ErrTooEarly возвращается при сканировании кода события до открытия окна.
	ErrTooEarly = errors.New("event scan window not open yet")
	// ErrExpired возвращается при сканировании кода события после закрытия окна.
	ErrExpired = errors.New("event scan window closed")
	// ErrNotEnabled возвращается, если специальная награда не настроена у мерчанта.
	ErrNotEnabled = errors.New("special reward not enabled")
	// ErrOutsideWindow возвращается при попытке получить награду вне окна даты.
	ErrOutsideWindow = errors.New("outside reward window")
	// ErrAddonsNotAllowed возвращается при покупке слотов на стартовом плане.
	ErrAddonsNotAllowed = errors.New("addon slots not available on this plan")
	// ErrInvalidAmount возвращается при неположительной сумме операции.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// AlreadyAwardedError сообщает о повторном сканировании в том же периоде.
// Содержит прежний баланс и время следующей доступности начисления.
type AlreadyAwardedError struct {
	TotalPoints    int64
	Tier           model.Tier
	NextEligibleAt *time.Time
}

func (e *AlreadyAwardedError) Error() string {
	return "already awarded for this period"
}

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	GetMerchant(ctx context.Context, id int64) (*model.Merchant, error)
	UpdateMerchantPlan(ctx context.Context, id int64, plan model.Plan, previousPlan *model.Plan, graceDeadline *time.Time) error
	AddAddonSlots(ctx context.Context, id int64, slots int) (int, error)
	GetBusiness(ctx context.Context, id int64) (*model.Business, error)
	GetEvent(ctx context.Context, id int64) (*model.Event, error)
	GetMemberByEmail(ctx context.Context, email string) (*model.Member, error)
	GetMerchantMember(ctx context.Context, merchantID, memberID int64) (*model.MerchantMember, error)
	CountMerchantMembers(ctx context.Context, merchantID int64) (int64, error)
	UpdateTierIfCurrent(ctx context.Context, merchantMemberID int64, newTier, currentTier model.Tier) (bool, error)
	Award(ctx context.Context, p repository.AwardParams) (*repository.AwardOutcome, error)
	Redeem(ctx context.Context, merchantID, memberID, amount int64, reason string) (int64, error)
	ClaimSpecial(ctx context.Context, kind model.SpecialRewardKind, merchantID, memberID int64, year int, amount int64, reason string) (*repository.AwardOutcome, error)
}

// Service содержит бизнес-логику сервиса лояльности.
type Service struct {
	repo         Repository
	globalSecret string
	logger       *zap.Logger
	now          func() time.Time
}

// NewService создаёт новый сервис с указанным репозиторием и глобальным
// запасным секретом для подписи кодов.
func NewService(repo Repository, globalSecret string, logger *zap.Logger) *Service {
	return &Service{
		repo:         repo,
		globalSecret: globalSecret,
		logger:       logger,
		now:          time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// AwardVisit начисляет баллы за визит по подписанному коду торговой точки.
func (s *Service) AwardVisit(ctx context.Context, rawPayload []byte, signature, email string) (*model.AwardResult, error) {
	payload, err := qrcode.DecodeVisitPayload(rawPayload)
	if err != nil {
		return nil, err
	}

	merchant, err := s.repo.GetMerchant(ctx, payload.MerchantID)
	if err != nil {
		return nil, err
	}

	secret := qrcode.ResolveSecret(merchant.SigningSecret, s.globalSecret)
	if err := qrcode.Verify(payload, signature, secret); err != nil {
		return nil, err
	}

	business, err := s.repo.GetBusiness(ctx, payload.BusinessID)
	if err != nil {
		return nil, err
	}
	if business.MerchantID != merchant.ID {
		return nil, qrcode.ErrInvalidFormat
	}
	if !business.IsActive {
		return nil, ErrDeactivated
	}

	member, err := s.repo.GetMemberByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	scanDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	out, err := s.repo.Award(ctx, repository.AwardParams{
		MerchantID:   merchant.ID,
		MemberID:     member.ID,
		BusinessID:   &business.ID,
		ScanDay:      &scanDay,
		Amount:       merchant.VisitPoints,
		Reason:       fmt.Sprintf("visit: %s", business.Name),
		WelcomeBonus: merchant.WelcomeBonus,
		MemberLimit:  quota.EffectiveLimit(merchant, now),
	})
	if err != nil {
		return nil, err
	}

	if out.Duplicate {
		nextDay := scanDay.Add(24 * time.Hour)
		return nil, &AlreadyAwardedError{
			TotalPoints:    out.TotalPoints,
			Tier:           out.Tier,
			NextEligibleAt: &nextDay,
		}
	}

	return s.finishAward(ctx, merchant, out, merchant.VisitPoints), nil
}

// AwardEvent начисляет баллы за сканирование кода события с проверкой окна.
func (s *Service) AwardEvent(ctx context.Context, rawPayload []byte, signature, email string) (*model.AwardResult, error) {
	payload, err := qrcode.DecodeEventPayload(rawPayload)
	if err != nil {
		return nil, err
	}

	merchant, err := s.repo.GetMerchant(ctx, payload.MerchantID)
	if err != nil {
		return nil, err
	}

	secret := qrcode.ResolveSecret(merchant.SigningSecret, s.globalSecret)
	if err := qrcode.Verify(payload, signature, secret); err != nil {
		return nil, err
	}

	event, err := s.repo.GetEvent(ctx, payload.EventID)
	if err != nil {
		return nil, err
	}
	if event.MerchantID != merchant.ID {
		return nil, qrcode.ErrInvalidFormat
	}
	if !event.IsActive {
		return nil, ErrDeactivated
	}

	now := s.now()
	if now.Before(event.ScanWindowStart) {
		return nil, ErrTooEarly
	}
	if now.After(event.ScanWindowEnd) {
		return nil, ErrExpired
	}

	member, err := s.repo.GetMemberByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	out, err := s.repo.Award(ctx, repository.AwardParams{
		MerchantID:   merchant.ID,
		MemberID:     member.ID,
		EventID:      &event.ID,
		Amount:       event.Points,
		Reason:       fmt.Sprintf("event: %s", event.Name),
		WelcomeBonus: merchant.WelcomeBonus,
		MemberLimit:  quota.EffectiveLimit(merchant, now.UTC()),
	})
	if err != nil {
		return nil, err
	}

	if out.Duplicate {
		// Код события одноразовый, повторное начисление недоступно.
		return nil, &AlreadyAwardedError{
			TotalPoints: out.TotalPoints,
			Tier:        out.Tier,
		}
	}

	return s.finishAward(ctx, merchant, out, event.Points), nil
}

// AwardPoints начисляет баллы через программный API. Повторный запрос с тем же
// ключом идемпотентности возвращает прежний результат без нового начисления.
func (s *Service) AwardPoints(ctx context.Context, merchantID int64, email string, points int64, reason string, idempotencyKey *string) (*model.AwardResult, error) {
	if points <= 0 {
		return nil, ErrInvalidAmount
	}

	merchant, err := s.repo.GetMerchant(ctx, merchantID)
	if err != nil {
		return nil, err
	}

	member, err := s.repo.GetMemberByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	out, err := s.repo.Award(ctx, repository.AwardParams{
		MerchantID:     merchant.ID,
		MemberID:       member.ID,
		Amount:         points,
		Reason:         reason,
		IdempotencyKey: idempotencyKey,
		WelcomeBonus:   merchant.WelcomeBonus,
		MemberLimit:    quota.EffectiveLimit(merchant, s.now().UTC()),
	})
	if err != nil {
		return nil, err
	}

	if out.Duplicate {
		return &model.AwardResult{
			TotalPoints: out.TotalPoints,
			Tier:        out.Tier,
		}, nil
	}

	return s.finishAward(ctx, merchant, out, points), nil
}

// finishAward пересчитывает уровень после успешного начисления и сохраняет
// повышение. Понижение уровня при пересчёте невозможно.
func (s *Service) finishAward(ctx context.Context, merchant *model.Merchant, out *repository.AwardOutcome, awarded int64) *model.AwardResult {
	result := &model.AwardResult{
		PointsAwarded: awarded,
		TotalPoints:   out.TotalPoints,
		Tier:          out.Tier,
	}

	computed := tier.Compute(out.TotalPoints, merchant.VIPThreshold, merchant.SuperThreshold)
	upgraded := tier.Upgrade(out.Tier, computed)
	if upgraded != out.Tier {
		// Конкурентное обновление уровня пропускаем: следующее начисление догонит.
		ok, err := s.repo.UpdateTierIfCurrent(ctx, out.MerchantMemberID, upgraded, out.Tier)
		if err != nil {
			s.logger.Error("update tier", zap.Error(err), zap.Int64("merchantMemberID", out.MerchantMemberID))
		} else if ok {
			result.Tier = upgraded
			result.TierUpgrade = true
		}
	}

	return result
}

// Redeem списывает баллы участника. Баланс не может стать отрицательным.
func (s *Service) Redeem(ctx context.Context, merchantID int64, email string, amount int64, reason string) (*model.AwardResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	member, err := s.repo.GetMemberByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	total, err := s.repo.Redeem(ctx, merchantID, member.ID, amount, reason)
	if err != nil {
		return nil, err
	}

	mm, err := s.repo.GetMerchantMember(ctx, merchantID, member.ID)
	if err != nil {
		return nil, err
	}

	return &model.AwardResult{
		TotalPoints: total,
		Tier:        mm.Tier,
	}, nil
}

// ClaimResult содержит итог получения специальной награды.
type ClaimResult struct {
	PointsAwarded int64
	TotalPoints   int64
	Tier          model.Tier
	TierUpgrade   bool
}

// ClaimSpecialReward начисляет годовую награду (день рождения, годовщина,
// годовщина участия), если текущая дата попадает в окно и награда в этом
// году ещё не получена.
func (s *Service) ClaimSpecialReward(ctx context.Context, email string, merchantID int64, kind model.SpecialRewardKind) (*ClaimResult, error) {
	merchant, err := s.repo.GetMerchant(ctx, merchantID)
	if err != nil {
		return nil, err
	}

	member, err := s.repo.GetMemberByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	enabled, points, err := s.rewardSettings(merchant, kind)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, ErrNotEnabled
	}

	month, day, err := s.rewardDate(ctx, merchant.ID, member, kind)
	if err != nil {
		return nil, err
	}

	now := s.now()
	res := window.Within(month, day, merchant.RewardWindowDays, now)
	if !res.InWindow {
		return nil, ErrOutsideWindow
	}

	out, err := s.repo.ClaimSpecial(ctx, kind, merchant.ID, member.ID, now.Year(), points, string(kind)+" reward")
	if err != nil {
		return nil, err
	}

	// Награда — такое же начисление: уровень пересчитывается сразу,
	// а не при каком-то следующем визите.
	awarded := s.finishAward(ctx, merchant, out, points)

	return &ClaimResult{
		PointsAwarded: points,
		TotalPoints:   awarded.TotalPoints,
		Tier:          awarded.Tier,
		TierUpgrade:   awarded.TierUpgrade,
	}, nil
}

func (s *Service) rewardSettings(m *model.Merchant, kind model.SpecialRewardKind) (bool, int64, error) {
	switch kind {
	case model.RewardBirthday:
		return m.BirthdayEnabled, m.BirthdayPoints, nil
	case model.RewardAnniversary:
		return m.AnniversaryEnabled, m.AnniversaryPoints, nil
	case model.RewardMemberAnniversary:
		return m.MemberAnnivEnabled, m.MemberAnnivPoints, nil
	default:
		return false, 0, fmt.Errorf("unknown reward kind: %s", kind)
	}
}

// rewardDate возвращает месяц и день ежегодного события для вида награды.
func (s *Service) rewardDate(ctx context.Context, merchantID int64, member *model.Member, kind model.SpecialRewardKind) (time.Month, int, error) {
	switch kind {
	case model.RewardBirthday:
		if member.BirthMonth == nil || member.BirthDay == nil {
			return 0, 0, ErrOutsideWindow
		}
		return time.Month(*member.BirthMonth), *member.BirthDay, nil
	case model.RewardAnniversary:
		if member.AnniversaryMonth == nil || member.AnniversaryDay == nil {
			return 0, 0, ErrOutsideWindow
		}
		return time.Month(*member.AnniversaryMonth), *member.AnniversaryDay, nil
	case model.RewardMemberAnniversary:
		mm, err := s.repo.GetMerchantMember(ctx, merchantID, member.ID)
		if err != nil {
			return 0, 0, err
		}
		return mm.JoinedAt.Month(), mm.JoinedAt.Day(), nil
	default:
		return 0, 0, fmt.Errorf("unknown reward kind: %s", kind)
	}
}

// GetBalance возвращает баланс и уровень участника программы мерчанта.
func (s *Service) GetBalance(ctx context.Context, merchantID int64, email string) (int64, model.Tier, error) {
	member, err := s.repo.GetMemberByEmail(ctx, email)
	if err != nil {
		return 0, "", err
	}

	mm, err := s.repo.GetMerchantMember(ctx, merchantID, member.ID)
	if err != nil {
		return 0, "", err
	}

	return mm.Points, mm.Tier, nil
}

// PlanChangeResult содержит итог смены тарифного плана.
type PlanChangeResult struct {
	IsUpgrade      bool
	IsDowngrade    bool
	EffectiveLimit int64
	GraceDeadline  *time.Time
}

// ChangePlan меняет тарифный план мерчанта. Апгрейд немедленно снимает
// льготный период, даунгрейд запускает его на 15 дней.
func (s *Service) ChangePlan(ctx context.Context, merchantID int64, newPlan model.Plan) (*PlanChangeResult, error) {
	merchant, err := s.repo.GetMerchant(ctx, merchantID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	change := quota.ApplyPlanChange(merchant, newPlan, now)

	if err := s.repo.UpdateMerchantPlan(ctx, merchantID, newPlan, change.PreviousPlan, change.GraceDeadline); err != nil {
		return nil, err
	}

	merchant.Plan = newPlan
	merchant.PreviousPlan = change.PreviousPlan
	merchant.GraceDeadline = change.GraceDeadline

	return &PlanChangeResult{
		IsUpgrade:      change.IsUpgrade,
		IsDowngrade:    change.IsDowngrade,
		EffectiveLimit: quota.EffectiveLimit(merchant, now),
		GraceDeadline:  change.GraceDeadline,
	}, nil
}

// PurchaseAddonSlots покупает дополнительные слоты участников.
func (s *Service) PurchaseAddonSlots(ctx context.Context, merchantID int64, slots int) (int64, error) {
	if slots <= 0 {
		return 0, ErrInvalidAmount
	}

	merchant, err := s.repo.GetMerchant(ctx, merchantID)
	if err != nil {
		return 0, err
	}

	if merchant.Plan == model.PlanFree {
		return 0, ErrAddonsNotAllowed
	}

	total, err := s.repo.AddAddonSlots(ctx, merchantID, slots)
	if err != nil {
		return 0, err
	}

	merchant.AdditionalMemberSlots = total
	return quota.EffectiveLimit(merchant, s.now().UTC()), nil
}
