// Package tier содержит расчёт уровня лояльности по накопленным баллам.
package tier

import "github.com/mmeshcher/loyalty-system/internal/model"

// Compute возвращает уровень, соответствующий количеству баллов и порогам мерчанта.
func Compute(points, vipThreshold, superThreshold int64) model.Tier {
	if superThreshold > 0 && points >= superThreshold {
		return model.TierSuper
	}
	if vipThreshold > 0 && points >= vipThreshold {
		return model.TierVIP
	}
	return model.TierBase
}

// rank задаёт порядок уровней для сравнения.
func rank(t model.Tier) int {
	switch t {
	case model.TierSuper:
		return 2
	case model.TierVIP:
		return 1
	default:
		return 0
	}
}

// Upgrade возвращает больший из текущего и пересчитанного уровней.
// Уровень никогда не понижается: списание баллов не отменяет уже достигнутый статус.
func Upgrade(current, computed model.Tier) model.Tier {
	if rank(computed) > rank(current) {
		return computed
	}
	return current
}
