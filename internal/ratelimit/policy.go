package ratelimit

import (
	"time"

	"github.com/jmehdipour/cart-recovery/internal/config"
	"github.com/jmehdipour/cart-recovery/internal/model"
)

// Policy is a tenant's RateLimitConfig resolved against system defaults.
// Zero cap overrides mean "not overridden".
type Policy struct {
	MinuteOverride int
	HourOverride   int
	DayOverride    int

	MaxPerMinute       int
	MaxPerHour         int
	WarmupMaxPerMinute int
	WarmupMaxPerHour   int

	MinDelay            time.Duration
	WarmupEnabled       bool
	WarmupDailyIncrease int

	EnforceAllowedHours bool
	AllowedHoursStart   int
	AllowedHoursEnd     int

	AutoPauseOnLowQuality bool

	TemplateOnly               bool
	EnablePersonalizationCheck bool
	MaxIdenticalMessages       int

	FailureGuardMinSample int
}

func intOr(p *int, d int) int {
	if p != nil {
		return *p
	}
	return d
}

func boolOr(p *bool, d bool) bool {
	if p != nil {
		return *p
	}
	return d
}

func positive(p *int) int {
	if p != nil && *p > 0 {
		return *p
	}
	return 0
}

// Resolve applies defaults to every unset field of c; c may be nil.
func Resolve(c *model.RateLimitConfig, d config.RateLimitConfig) Policy {
	if c == nil {
		c = &model.RateLimitConfig{}
	}
	p := Policy{
		MinuteOverride: positive(c.MaxPerMinute),
		HourOverride:   positive(c.MaxPerHour),
		DayOverride:    positive(c.MaxPerDay),

		MaxPerMinute:       d.MaxPerMinute,
		MaxPerHour:         d.MaxPerHour,
		WarmupMaxPerMinute: d.WarmupMaxPerMinute,
		WarmupMaxPerHour:   d.WarmupMaxPerHour,

		MinDelay:            time.Duration(intOr(c.MinDelaySeconds, d.MinDelaySeconds)) * time.Second,
		WarmupEnabled:       boolOr(c.WarmupEnabled, d.WarmupEnabled),
		WarmupDailyIncrease: intOr(c.WarmupDailyIncrease, d.WarmupDailyIncrease),

		EnforceAllowedHours: boolOr(c.EnforceAllowedHours, d.EnforceAllowedHours),
		AllowedHoursStart:   intOr(c.AllowedHoursStart, d.AllowedHoursStart),
		AllowedHoursEnd:     intOr(c.AllowedHoursEnd, d.AllowedHoursEnd),

		AutoPauseOnLowQuality: boolOr(c.AutoPauseOnLowQuality, d.AutoPauseOnLowQuality),

		TemplateOnly:               boolOr(c.TemplateOnly, d.TemplateOnly),
		EnablePersonalizationCheck: boolOr(c.EnablePersonalizationCheck, d.EnablePersonalizationCheck),
		MaxIdenticalMessages:       intOr(c.MaxIdenticalMessages, d.MaxIdenticalMessages),

		FailureGuardMinSample: d.FailureGuardMinSample,
	}
	if p.MaxPerMinute <= 0 {
		p.MaxPerMinute = 10
	}
	if p.MaxPerHour <= 0 {
		p.MaxPerHour = 200
	}
	if p.WarmupMaxPerMinute <= 0 {
		p.WarmupMaxPerMinute = 2
	}
	if p.WarmupMaxPerHour <= 0 {
		p.WarmupMaxPerHour = 20
	}
	if p.WarmupDailyIncrease <= 0 {
		p.WarmupDailyIncrease = 10
	}
	return p
}

func (p Policy) minuteCap(warming bool) int {
	switch {
	case p.MinuteOverride > 0:
		return p.MinuteOverride
	case warming:
		return p.WarmupMaxPerMinute
	default:
		return p.MaxPerMinute
	}
}

func (p Policy) hourCap(warming bool) int {
	switch {
	case p.HourOverride > 0:
		return p.HourOverride
	case warming:
		return p.WarmupMaxPerHour
	default:
		return p.MaxPerHour
	}
}

// withinHours reports whether hour h falls in [start, end); a start after end wraps midnight.
func (p Policy) withinHours(h int) bool {
	s, e := p.AllowedHoursStart, p.AllowedHoursEnd
	if s == e {
		return true
	}
	if s < e {
		return h >= s && h < e
	}
	return h >= s || h < e
}
