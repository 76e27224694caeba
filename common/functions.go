package common

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DefaultTrafficRate коэффициент трафика по умолчанию
const DefaultTrafficRate = 1.0

// ParseTrafficRate разбирает коэффициент трафика узла.
// Пустое, нечисловое или отрицательное значение дает 1.0.
func ParseTrafficRate(raw string) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultTrafficRate
	}
	rate, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(rate) || math.IsInf(rate, 0) || rate < 0 {
		return DefaultTrafficRate
	}
	return rate
}

// ApplyTrafficRate умножает счетчик байт на коэффициент с округлением
func ApplyTrafficRate(bytes int64, rate float64) int64 {
	if rate < 0 || math.IsNaN(rate) {
		rate = DefaultTrafficRate
	}
	return int64(math.Round(float64(bytes) * rate))
}

// IsPackageExpired проверяет истечение пакета. nil означает бессрочный пакет.
func IsPackageExpired(expire *time.Time, now time.Time) bool {
	return expire != nil && !expire.After(now)
}

// NextMonthlyReset сдвигает момент сброса ровно на один календарный месяц.
// День берется из anchorDay и ограничивается длиной месяца (31 января -> 28/29 февраля -> 31 марта).
func NextMonthlyReset(current time.Time, anchorDay int) time.Time {
	if anchorDay <= 0 {
		anchorDay = current.Day()
	}
	year, month, _ := current.Date()
	month++
	if month > time.December {
		month = time.January
		year++
	}
	day := anchorDay
	if last := daysIn(year, month); day > last {
		day = last
	}
	hour, min, sec := current.Clock()
	return time.Date(year, month, day, hour, min, sec, current.Nanosecond(), current.Location())
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// FormatTraffic форматирует байты для логов и уведомлений
func FormatTraffic(bytes int64) string {
	const gb = 1024 * 1024 * 1024
	if bytes <= 0 {
		return "0 ГБ"
	}
	if bytes >= 1024*gb {
		return fmt.Sprintf("%.1f ТБ", float64(bytes)/float64(1024*gb))
	}
	return fmt.Sprintf("%.2f ГБ", float64(bytes)/float64(gb))
}
