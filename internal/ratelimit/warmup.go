package ratelimit

import "github.com/jmehdipour/cart-recovery/internal/model"

// WarmupDailyLimit is the day-indexed send ceiling for a newly connected number.
// ok is false once the channel is past the ramp and should use its tier limit.
//
//	days  0-2  : 10
//	days  3-7  : 10 + (days-2)*5
//	days  8-14 : 35 + (days-7)*increase
//	days 15-21 : 100 + (days-14)*20
func WarmupDailyLimit(days, increase int) (limit int, ok bool) {
	switch {
	case days < 0:
		return 10, true
	case days <= 2:
		return 10, true
	case days <= 7:
		return 10 + (days-2)*5, true
	case days <= 14:
		return 35 + (days-7)*increase, true
	case days <= model.WarmupDays:
		return 100 + (days-14)*20, true
	default:
		return 0, false
	}
}
