package health

import (
	"github.com/jmehdipour/cart-recovery/internal/config"
	"github.com/jmehdipour/cart-recovery/internal/model"
)

// Thresholds are the lower score bounds of each rating bucket.
type Thresholds struct {
	High   int
	Medium int
	Low    int
}

func ThresholdsFrom(c config.HealthConfig) Thresholds {
	t := Thresholds{High: c.HighThreshold, Medium: c.MediumThreshold, Low: c.LowThreshold}
	if t.High <= 0 {
		t.High = 80
	}
	if t.Medium <= 0 {
		t.Medium = 60
	}
	if t.Low <= 0 {
		t.Low = 30
	}
	return t
}

func ratio(n, d int64) float64 {
	if d <= 0 {
		return 0
	}
	r := float64(n) / float64(d)
	if r > 1 {
		return 1
	}
	return r
}

// FailureRate is failed/sent over the trailing week.
func FailureRate(w Window) float64 {
	return ratio(w.Failed7d, w.Sent7d)
}

// Score combines trailing-week rates and lifetime block reports into 0..100.
//
//	100 - 50*failure - 20*(1-delivery) - 10*(1-read) - min(10*blocks, 30)
//
// A channel with nothing sent this week is only penalised for blocks.
func Score(w Window, blocks int64) int {
	penalty := float64(0)
	if w.Sent7d > 0 {
		penalty += FailureRate(w) * 50
		penalty += (1 - ratio(w.Delivered7d, w.Sent7d)) * 20
		penalty += (1 - ratio(w.Read7d, w.Sent7d)) * 10
	}
	if blocks > 0 {
		bp := float64(blocks) * 10
		if bp > 30 {
			bp = 30
		}
		penalty += bp
	}
	s := int(100 - penalty + 0.5)
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

// Rate buckets a score; any block report forces flagged.
func Rate(score int, blocks int64, t Thresholds) model.QualityRating {
	switch {
	case blocks > 0:
		return model.QualityFlagged
	case score >= t.High:
		return model.QualityHigh
	case score >= t.Medium:
		return model.QualityMedium
	case score >= t.Low:
		return model.QualityLow
	default:
		return model.QualityFlagged
	}
}
