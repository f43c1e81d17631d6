// Package window содержит проверку попадания текущей даты в окно
// ежегодного события (день рождения, годовщина).
package window

import "time"

// Result содержит итог проверки окна ежегодного события.
type Result struct {
	InWindow  bool
	DaysUntil int
}

// Within проверяет, находится ли now в пределах windowDays от ближайшего
// наступления даты (month, day). Если дата в текущем году прошла больше чем
// windowDays назад, проверка выполняется против следующего года.
// DaysUntil отрицателен, если дата уже наступила.
func Within(month time.Month, day int, windowDays int, now time.Time) Result {
	// Даты нормализуются в UTC, чтобы разница всегда была кратна суткам.
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	occurrence := annualOccurrence(now.Year(), month, day)
	daysUntil := daysBetween(today, occurrence)

	// На стыке годов прошлогоднее наступление может быть ещё в окне
	// (дата 31 декабря, проверка 2 января).
	if prev := daysBetween(today, annualOccurrence(now.Year()-1, month, day)); prev >= -windowDays {
		daysUntil = prev
	} else if daysUntil < -windowDays {
		daysUntil = daysBetween(today, annualOccurrence(now.Year()+1, month, day))
	}

	return Result{
		InWindow:  daysUntil >= -windowDays && daysUntil <= windowDays,
		DaysUntil: daysUntil,
	}
}

// annualOccurrence возвращает дату (month, day) в указанном году.
// 29 февраля в невисокосный год нормализуется средствами time в 1 марта.
func annualOccurrence(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func daysBetween(from, to time.Time) int {
	return int(to.Sub(from) / (24 * time.Hour))
}
