// Package trading provides small A-share calendar helpers: trading-session
// windows and the settlement-day grouping used by T+1 bookkeeping.
package trading

import "time"

// cst is the trading-session timezone: China Standard Time, UTC+8.
var cst = time.FixedZone("CST", 8*3600)

// sessionRange is an hour:minute window within one trading day.
type sessionRange struct {
	StartHour, StartMinute int
	EndHour, EndMinute     int
}

// A股交易时间段
var stockSessions = []sessionRange{
	{9, 30, 11, 30}, // 上午 9:30-11:30
	{13, 0, 15, 0},  // 下午 13:00-15:00
}

// IsStockSession reports whether t falls within A-share trading hours on a
// weekday. It does not know about exchange holidays.
func IsStockSession(t time.Time) bool {
	t = t.In(cst)
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return inSessions(t, stockSessions)
}

func inSessions(t time.Time, ranges []sessionRange) bool {
	cur := t.Hour()*60 + t.Minute()
	for _, r := range ranges {
		start := r.StartHour*60 + r.StartMinute
		end := r.EndHour*60 + r.EndMinute
		if cur >= start && cur <= end {
			return true
		}
	}
	return false
}

// TradingDay returns the settlement-day bucket key for a bar timestamp: the
// calendar date in CST with the time-of-day stripped. Two bars on the same
// exchange day (including separate morning/afternoon sessions) settle into
// the same bucket.
func TradingDay(t time.Time) time.Time {
	t = t.In(cst)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, cst)
}

// SameTradingDay reports whether a and b fall on the same settlement day.
func SameTradingDay(a, b time.Time) bool {
	return TradingDay(a).Equal(TradingDay(b))
}
