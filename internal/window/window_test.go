package window

import (
	"testing"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 12, 0, 0, 0, time.UTC)
}

func TestWithin(t *testing.T) {
	tests := []struct {
		name       string
		month      time.Month
		day        int
		windowDays int
		now        time.Time
		wantIn     bool
		wantDays   int
	}{
		{
			// День рождения 10 июня, проверка 12 июня, окно 3 дня.
			name:  "two days after target",
			month: time.June, day: 10, windowDays: 3,
			now:    date(2026, time.June, 12),
			wantIn: true, wantDays: -2,
		},
		{
			name:  "on target day",
			month: time.June, day: 10, windowDays: 3,
			now:    date(2026, time.June, 10),
			wantIn: true, wantDays: 0,
		},
		{
			name:  "three days before target",
			month: time.June, day: 10, windowDays: 3,
			now:    date(2026, time.June, 7),
			wantIn: true, wantDays: 3,
		},
		{
			name:  "four days before target",
			month: time.June, day: 10, windowDays: 3,
			now:    date(2026, time.June, 6),
			wantIn: false, wantDays: 4,
		},
		{
			name:  "four days after target rolls to next year",
			month: time.June, day: 10, windowDays: 3,
			now:    date(2026, time.June, 14),
			wantIn: false, wantDays: 361,
		},
		{
			// 31 декабря, проверка 2 января: прошлогоднее наступление ещё в окне.
			name:  "year boundary",
			month: time.December, day: 31, windowDays: 3,
			now:    date(2027, time.January, 2),
			wantIn: true, wantDays: -2,
		},
		{
			name:  "december target checked in december",
			month: time.December, day: 31, windowDays: 3,
			now:    date(2026, time.December, 29),
			wantIn: true, wantDays: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Within(tt.month, tt.day, tt.windowDays, tt.now)
			if res.InWindow != tt.wantIn {
				t.Fatalf("InWindow = %v, want %v", res.InWindow, tt.wantIn)
			}
			if res.DaysUntil != tt.wantDays {
				t.Fatalf("DaysUntil = %d, want %d", res.DaysUntil, tt.wantDays)
			}
		})
	}
}

func TestWithin_LeapDay(t *testing.T) {
	// 29 февраля в невисокосный год нормализуется в 1 марта.
	res := Within(time.February, 29, 3, date(2027, time.March, 1))
	if !res.InWindow {
		t.Fatalf("expected leap-day birthday to be in window on March 1")
	}
	if res.DaysUntil != 0 {
		t.Fatalf("DaysUntil = %d, want 0", res.DaysUntil)
	}
}
