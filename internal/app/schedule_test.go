package app

import (
	"testing"
	"time"

	"atr-trader/internal/config"
)

func newTestSchedule(t *testing.T) *schedule {
	t.Helper()
	s, err := newSchedule(config.TradingConfig{
		Symbol:       "SPY",
		Timezone:     "America/New_York",
		PreMarketAt:  "09:30",
		EndOfDayAt:   "15:45",
		SessionStart: "09:35",
		SessionEnd:   "15:55",
		BarInterval:  5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("构建日程失败: %v", err)
	}
	return s
}

func nyTime(t *testing.T, hour, minute, second int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("加载时区失败: %v", err)
	}
	// 2026-08-28 为周五。
	return time.Date(2026, 8, 28, hour, minute, second, 0, loc)
}

func TestScheduleTriggers(t *testing.T) {
	s := newTestSchedule(t)

	cases := []struct {
		name      string
		at        time.Time
		preMarket bool
		endOfDay  bool
		bar       bool
	}{
		{"开盘前检查时刻", nyTime(t, 9, 30, 0), true, false, false},
		{"收盘封存时刻", nyTime(t, 15, 45, 0), false, true, true},
		{"首根K线边界", nyTime(t, 9, 35, 0), false, false, true},
		{"时段中K线边界", nyTime(t, 12, 0, 0), false, false, true},
		{"末根K线边界", nyTime(t, 15, 55, 0), false, false, true},
		{"非K线边界分钟", nyTime(t, 12, 3, 0), false, false, false},
		{"时段之前", nyTime(t, 9, 20, 0), false, false, false},
		{"时段之后", nyTime(t, 16, 0, 0), false, false, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := s.isPreMarket(tc.at); got != tc.preMarket {
				t.Fatalf("isPreMarket = %v, 期望 %v", got, tc.preMarket)
			}
			if got := s.isEndOfDay(tc.at); got != tc.endOfDay {
				t.Fatalf("isEndOfDay = %v, 期望 %v", got, tc.endOfDay)
			}
			if got := s.isBarBoundary(tc.at); got != tc.bar {
				t.Fatalf("isBarBoundary = %v, 期望 %v", got, tc.bar)
			}
		})
	}
}

func TestScheduleOnMinute(t *testing.T) {
	s := newTestSchedule(t)
	if !s.onMinute(nyTime(t, 9, 35, 0)) {
		t.Fatal("秒数为0时应命中整分")
	}
	if s.onMinute(nyTime(t, 9, 35, 30)) {
		t.Fatal("秒数非0时不应命中整分")
	}
}

func TestScheduleTradingDay(t *testing.T) {
	s := newTestSchedule(t)
	if !s.isTradingDay(nyTime(t, 12, 0, 0)) {
		t.Fatal("周五应为交易日")
	}
	saturday := nyTime(t, 12, 0, 0).AddDate(0, 0, 1)
	if s.isTradingDay(saturday) {
		t.Fatal("周六不应为交易日")
	}
}
