// Package quota содержит расчёт лимита участников мерчанта с учётом
// тарифного плана, дополнительных слотов и льготного периода после даунгрейда.
package quota

import (
	"time"

	"github.com/mmeshcher/loyalty-system/internal/model"
)

// SlotSize задаёт количество участников в одном дополнительном слоте.
const SlotSize = 500

// GracePeriod задаёт длительность льготного периода после понижения плана.
const GracePeriod = 15 * 24 * time.Hour

var baseLimits = map[model.Plan]int64{
	model.PlanFree:     5,
	model.PlanBasic:    150,
	model.PlanStandard: 500,
	model.PlanPremium:  2000,
}

// BaseLimit возвращает базовый лимит участников для плана.
func BaseLimit(plan model.Plan) int64 {
	return baseLimits[plan]
}

// TotalLimit возвращает лимит плана с учётом купленных слотов.
func TotalLimit(m *model.Merchant) int64 {
	// Стартовый план имеет жёсткий лимит без дополнительных слотов.
	if m.Plan == model.PlanFree {
		return baseLimits[model.PlanFree]
	}
	return BaseLimit(m.Plan) + int64(m.AdditionalMemberSlots)*SlotSize
}

// EffectiveLimit возвращает действующий лимит участников. Во время льготного
// периода после даунгрейда действует больший из лимитов старого и нового планов.
func EffectiveLimit(m *model.Merchant, now time.Time) int64 {
	total := TotalLimit(m)

	if m.Plan == model.PlanFree {
		return total
	}

	if m.PreviousPlan != nil && m.GraceDeadline != nil && now.Before(*m.GraceDeadline) {
		if prev := BaseLimit(*m.PreviousPlan); prev > total {
			return prev
		}
	}

	return total
}

// CanAddMember сообщает, допускает ли действующий лимит создание нового участника.
func CanAddMember(m *model.Merchant, currentCount int64, now time.Time) bool {
	return currentCount < EffectiveLimit(m, now)
}

// PlanChange описывает результат смены тарифного плана.
type PlanChange struct {
	IsUpgrade     bool
	IsDowngrade   bool
	PreviousPlan  *model.Plan
	GraceDeadline *time.Time
}

// ApplyPlanChange вычисляет новое состояние льготного периода при смене плана.
// Апгрейд немедленно снимает льготный период, даунгрейд запускает его заново,
// смена на план с тем же лимитом не трогает текущее состояние.
func ApplyPlanChange(m *model.Merchant, newPlan model.Plan, now time.Time) PlanChange {
	oldLimit := BaseLimit(m.Plan)
	newLimit := BaseLimit(newPlan)

	switch {
	case newLimit > oldLimit:
		return PlanChange{IsUpgrade: true}
	case newLimit < oldLimit:
		oldPlan := m.Plan
		deadline := now.Add(GracePeriod)
		return PlanChange{
			IsDowngrade:   true,
			PreviousPlan:  &oldPlan,
			GraceDeadline: &deadline,
		}
	default:
		return PlanChange{
			PreviousPlan:  m.PreviousPlan,
			GraceDeadline: m.GraceDeadline,
		}
	}
}
