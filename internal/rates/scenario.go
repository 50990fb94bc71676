package rates

import (
	"time"

	"github.com/shopspring/decimal"
)

// Scenario is one of the four amount/time-of-day buckets.
type Scenario string

const (
	SmallDay   Scenario = "small_day"
	SmallNight Scenario = "small_night"
	LargeDay   Scenario = "large_day"
	LargeNight Scenario = "large_night"
)

// Rules define the bucket boundaries and the book page each bucket reads.
type Rules struct {
	SmallThreshold decimal.Decimal
	NightStartHour int
	NightEndHour   int
	Location       *time.Location
	Pages          map[Scenario]int
}

// DefaultRules are 50 000 RUB, night 01:00-07:00 Moscow time, pages 4/2/5/3.
func DefaultRules() Rules {
	return Rules{
		SmallThreshold: decimal.NewFromInt(50000),
		NightStartHour: 1,
		NightEndHour:   7,
		Location:       Moscow(),
		Pages: map[Scenario]int{
			SmallDay:   4,
			SmallNight: 2,
			LargeDay:   5,
			LargeNight: 3,
		},
	}
}

// Moscow returns Europe/Moscow, or a fixed UTC+3 zone when tzdata is missing.
func Moscow() *time.Location {
	if loc, err := time.LoadLocation("Europe/Moscow"); err == nil {
		return loc
	}
	return time.FixedZone("MSK", 3*60*60)
}

// Classify picks the bucket for amount at instant at. Amounts up to and
// including the threshold are small; the night window is [start, end).
func (r Rules) Classify(amount decimal.Decimal, at time.Time) Scenario {
	loc := r.Location
	if loc == nil {
		loc = time.UTC
	}
	hour := at.In(loc).Hour()
	night := hour >= r.NightStartHour && hour < r.NightEndHour
	small := amount.LessThanOrEqual(r.SmallThreshold)

	switch {
	case small && night:
		return SmallNight
	case small:
		return SmallDay
	case night:
		return LargeNight
	default:
		return LargeDay
	}
}

// Page returns the book page for s, falling back to page 1.
func (r Rules) Page(s Scenario) int {
	if p, ok := r.Pages[s]; ok && p > 0 {
		return p
	}
	return 1
}
