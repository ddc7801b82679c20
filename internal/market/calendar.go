// Package market decides which exchanges are tradable at a given instant.
// All session windows are evaluated on the Asia/Shanghai wall clock.
package market

import (
	"sync"
	"time"

	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/models"
)

// Session bounds in minutes since midnight, Asia/Shanghai wall clock.
const (
	hkMorningOpen   = 9*60 + 30
	hkMorningClose  = 12 * 60
	hkAfternoonOpen = 13 * 60
	hkAfternoonEnd  = 16 * 60
	usEveningOpen   = 21*60 + 30
	usMorningEnd    = 4 * 60
)

var (
	locOnce sync.Once
	loc     *time.Location
)

// location returns the Asia/Shanghai zone, falling back to a fixed UTC+8
// zone on minimal containers without tzdata.
func location() *time.Location {
	locOnce.Do(func() {
		var err error
		loc, err = time.LoadLocation("Asia/Shanghai")
		if err != nil {
			loc = time.FixedZone("CST", 8*60*60)
		}
	})
	return loc
}

func isWeekday(d time.Weekday) bool {
	return d != time.Saturday && d != time.Sunday
}

// ActiveMarkets returns the set of markets trading at t. The US overnight
// window [21:30, 04:00 next day] belongs to the weekday it opened on, so the
// Saturday-morning tail of a Friday session still counts.
func ActiveMarkets(t time.Time) []models.Market {
	lt := t.In(location())
	minutes := lt.Hour()*60 + lt.Minute()

	var active []models.Market
	if isWeekday(lt.Weekday()) {
		hkMorning := minutes >= hkMorningOpen && minutes <= hkMorningClose
		hkAfternoon := minutes >= hkAfternoonOpen && minutes <= hkAfternoonEnd
		if hkMorning || hkAfternoon {
			active = append(active, models.MarketHK)
		}
	}

	usEvening := isWeekday(lt.Weekday()) && minutes >= usEveningOpen
	usMorning := minutes <= usMorningEnd && isWeekday(lt.AddDate(0, 0, -1).Weekday())
	if usEvening || usMorning {
		active = append(active, models.MarketUS)
	}
	return active
}

// TradeDate returns the trading-day label for t on the engine's wall clock.
func TradeDate(t time.Time) string {
	return t.In(location()).Format("2006-01-02")
}

// IsActive reports whether the symbol's market is currently trading.
func IsActive(t time.Time, symbol string) bool {
	m := models.MarketOf(symbol)
	for _, a := range ActiveMarkets(t) {
		if a == m {
			return true
		}
	}
	return false
}
