package app

import (
	"fmt"
	"time"

	"atr-trader/internal/config"
)

// schedule 把交易日程换算到交易所时区，并以"整分"为触发粒度：
// 主循环每秒tick一次，只有秒数为0的那一拍才可能命中任何日程点。
type schedule struct {
	location     *time.Location
	preMarket    int // 自零点起的分钟数
	endOfDay     int
	sessionStart int
	sessionEnd   int
	barMinutes   int
}

func newSchedule(cfg config.TradingConfig) (*schedule, error) {
	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("加载交易时区失败: %w", err)
	}

	parse := func(value string) (int, error) {
		t, parseErr := time.Parse("15:04", value)
		if parseErr != nil {
			return 0, fmt.Errorf("解析日程时刻 %q 失败: %w", value, parseErr)
		}
		return t.Hour()*60 + t.Minute(), nil
	}

	s := &schedule{location: location}
	if s.preMarket, err = parse(cfg.PreMarketAt); err != nil {
		return nil, err
	}
	if s.endOfDay, err = parse(cfg.EndOfDayAt); err != nil {
		return nil, err
	}
	if s.sessionStart, err = parse(cfg.SessionStart); err != nil {
		return nil, err
	}
	if s.sessionEnd, err = parse(cfg.SessionEnd); err != nil {
		return nil, err
	}

	s.barMinutes = int(cfg.BarInterval.Minutes())
	if s.barMinutes <= 0 {
		return nil, fmt.Errorf("bar_interval 必须为整分钟: %v", cfg.BarInterval)
	}
	return s, nil
}

// onMinute 判断该时刻是否为整分。
func (s *schedule) onMinute(t time.Time) bool {
	return t.In(s.location).Second() == 0
}

// isTradingDay 判断是否为交易日（周一至周五）。
func (s *schedule) isTradingDay(t time.Time) bool {
	weekday := t.In(s.location).Weekday()
	return weekday != time.Saturday && weekday != time.Sunday
}

func (s *schedule) minuteOfDay(t time.Time) int {
	local := t.In(s.location)
	return local.Hour()*60 + local.Minute()
}

// isPreMarket 判断该分钟是否为开盘前检查时刻。
func (s *schedule) isPreMarket(t time.Time) bool {
	return s.minuteOfDay(t) == s.preMarket
}

// isEndOfDay 判断该分钟是否为收盘封存时刻。
func (s *schedule) isEndOfDay(t time.Time) bool {
	return s.minuteOfDay(t) == s.endOfDay
}

// isBarBoundary 判断该分钟是否为交易时段内的K线边界。
func (s *schedule) isBarBoundary(t time.Time) bool {
	minute := s.minuteOfDay(t)
	if minute < s.sessionStart || minute > s.sessionEnd {
		return false
	}
	return (minute-s.sessionStart)%s.barMinutes == 0
}

// dateKey 返回交易所时区下的日期串，用于"每日至多一次"的触发去重。
func (s *schedule) dateKey(t time.Time) string {
	return t.In(s.location).Format("2006-01-02")
}
