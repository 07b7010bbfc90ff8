package service

import (
	"fmt"
	"strings"
	"time"

	"license-server/internal/model"
)

// 管理端传入日期支持的格式，不带时区的按服务器时区解析
var dateLayouts = []string{
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.DateOnly,
}

// ParseDate 解析日期，空串或无法解析时返回错误
func ParseDate(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", value)
}

// EndOfDay 同一日历日的 23:59:59.999
func EndOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, int(999*time.Millisecond), loc)
}

func StartOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// ExpiryPolicy 过期判定，纯函数，不修改记录
type ExpiryPolicy struct {
	Location *time.Location
	// TrialExact 试用许可证按精确结束时间过期
	TrialExact bool
}

// Deadline 许可证最后有效的时刻
func (p ExpiryPolicy) Deadline(license *model.License) time.Time {
	if p.TrialExact && license.Kind == model.KindTrial {
		return license.EndDate
	}
	return EndOfDay(license.EndDate, p.location())
}

func (p ExpiryPolicy) IsExpired(license *model.License, now time.Time) bool {
	return now.After(p.Deadline(license))
}

func (p ExpiryPolicy) location() *time.Location {
	if p.Location == nil {
		return time.Local
	}
	return p.Location
}

// FormatTimeRemaining 试用按分钟，订阅按小时
func FormatTimeRemaining(kind model.Kind, remaining time.Duration) string {
	if remaining < 0 {
		remaining = 0
	}
	if kind == model.KindTrial {
		return plural(int64(remaining/time.Minute), "minute")
	}
	return plural(int64(remaining/time.Hour), "hour")
}

func plural(n int64, unit string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
