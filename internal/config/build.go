package config

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sark-gateway/sark/internal/domain/authz"
	"github.com/sark-gateway/sark/internal/domain/budget"
	"github.com/sark-gateway/sark/internal/domain/cache"
	"github.com/sark-gateway/sark/internal/domain/cost"
	"github.com/sark-gateway/sark/internal/domain/enforce"
	"github.com/sark-gateway/sark/internal/domain/governance"
	"github.com/sark-gateway/sark/internal/domain/ratelimit"
)

// Conversions from the validated configuration into domain types. These
// assume Validate has run; unparseable values fall back to zero values
// rather than panicking.

// Limits converts the rate-limit section into enforcement limits.
func (c RateLimitConfig) Limits() enforce.RateLimits {
	window := c.WindowDuration()
	return enforce.RateLimits{
		APIKey:      ratelimit.Limit{Max: c.APIKeyMax, Window: window},
		User:        ratelimit.Limit{Max: c.UserMax, Window: window},
		IP:          ratelimit.Limit{Max: c.IPMax, Window: window},
		AdminBypass: c.AdminBypass,
		Enabled:     c.Enabled,
	}
}

// CacheOptions converts the cache section into decision-cache options.
func (c CacheConfig) CacheOptions() []cache.Option {
	opts := []cache.Option{
		cache.WithMaxEntries(c.MaxEntries),
		cache.WithDefaultTTL(mustDuration(c.DefaultTTL, time.Minute)),
	}
	if len(c.TTLs) > 0 {
		ttls := make(map[authz.Sensitivity]time.Duration, len(c.TTLs))
		for level, raw := range c.TTLs {
			ttls[authz.Sensitivity(level)] = mustDuration(raw, time.Minute)
		}
		opts = append(opts, cache.WithTTLs(ttls))
	}
	return opts
}

// Caps converts the budget section into default spend caps. Empty cap
// strings stay zero, which the tracker treats as uncapped.
func (c BudgetConfig) Caps() budget.Caps {
	return budget.Caps{
		DailyCap:   parseMoney(c.DailyCap),
		MonthlyCap: parseMoney(c.MonthlyCap),
	}
}

// Location resolves the budget timezone, defaulting to UTC.
func (c BudgetConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Rules converts the governance time-rule section into domain rules.
func (c GovernanceConfig) Rules() []governance.TimeRule {
	rules := make([]governance.TimeRule, 0, len(c.TimeRules))
	for _, r := range c.TimeRules {
		days := make([]time.Weekday, 0, len(r.Days))
		for _, d := range r.Days {
			if wd, ok := weekdays[strings.ToLower(d)]; ok {
				days = append(days, wd)
			}
		}
		rules = append(rules, governance.TimeRule{
			Name:      r.Name,
			Start:     r.Start,
			End:       r.End,
			Days:      days,
			AppliesTo: r.AppliesTo,
			Action:    governance.TimeAction(r.Action),
		})
	}
	return rules
}

// Estimators converts the pricing section into cost estimators.
func (c CostConfig) Estimators() []cost.Estimator {
	out := make([]cost.Estimator, 0, len(c.Providers))
	for _, p := range c.Providers {
		switch p.Kind {
		case "fixed":
			out = append(out, cost.NewFixedEstimator(p.Provider, parseMoney(p.Amount), p.Currency))
		case "token":
			prices := make(map[string]cost.ModelPrice, len(p.Models))
			for model, rate := range p.Models {
				prices[model] = cost.ModelPrice{
					InputPer1M:  parseMoney(rate.InputPer1M),
					OutputPer1M: parseMoney(rate.OutputPer1M),
				}
			}
			out = append(out, cost.NewTokenEstimator(p.Provider, prices, p.Currency))
		}
	}
	return out
}

func parseMoney(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
