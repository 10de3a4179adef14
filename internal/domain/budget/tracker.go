package budget

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// aggregateCacheTTL is how long derived aggregates stay valid without a
// write. Short enough that stale reads cannot meaningfully overspend.
const aggregateCacheTTL = 15 * time.Second

// stripeCount is the number of per-principal serialization locks.
const stripeCount = 64

// cachedAggregate is one memoized range-query result.
type cachedAggregate struct {
	agg      Aggregate
	computed time.Time
}

// Tracker enforces daily and monthly caps over a ledger store.
//
// Check+record for a single principal is serialized through a striped mutex
// so budget checks always observe that principal's earlier completed writes.
type Tracker struct {
	store       LedgerStore
	defaultCaps Caps
	perCaps     map[string]Caps // principal id → override
	location    *time.Location
	logger      *slog.Logger

	stripes [stripeCount]sync.Mutex

	cacheMu sync.Mutex
	cache   map[string]cachedAggregate // "principal/period" → aggregate

	now func() time.Time
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithPrincipalCaps sets per-principal cap overrides.
func WithPrincipalCaps(caps map[string]Caps) TrackerOption {
	return func(t *Tracker) { t.perCaps = caps }
}

// withClock replaces the time source for tests.
func withClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker. loc determines period boundaries (midnight
// and first-of-month); nil defaults to UTC.
func NewTracker(store LedgerStore, defaultCaps Caps, loc *time.Location, logger *slog.Logger, opts ...TrackerOption) *Tracker {
	if loc == nil {
		loc = time.UTC
	}
	t := &Tracker{
		store:       store,
		defaultCaps: defaultCaps,
		location:    loc,
		logger:      logger,
		cache:       make(map[string]cachedAggregate),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// capsFor resolves the caps applying to a principal.
func (t *Tracker) capsFor(principalID string) Caps {
	if c, ok := t.perCaps[principalID]; ok {
		return c
	}
	return t.defaultCaps
}

// stripe returns the serialization lock for a principal.
func (t *Tracker) stripe(principalID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(principalID))
	return &t.stripes[h.Sum32()%stripeCount]
}

// periodStart returns the start of the given period containing now.
func (t *Tracker) periodStart(p Period) time.Time {
	now := t.now().In(t.location)
	switch p {
	case PeriodMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, t.location)
	default:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, t.location)
	}
}

// Check reports whether principalID may spend prospectiveCost without
// breaching either cap. Store failures deny with a stable reason.
func (t *Tracker) Check(ctx context.Context, principalID string, prospectiveCost decimal.Decimal) CheckResult {
	mu := t.stripe(principalID)
	mu.Lock()
	defer mu.Unlock()
	return t.checkLocked(ctx, principalID, prospectiveCost)
}

func (t *Tracker) checkLocked(ctx context.Context, principalID string, prospectiveCost decimal.Decimal) CheckResult {
	caps := t.capsFor(principalID)

	for _, pc := range []struct {
		period Period
		cap    decimal.Decimal
	}{
		{PeriodDaily, caps.DailyCap},
		{PeriodMonthly, caps.MonthlyCap},
	} {
		if pc.cap.IsZero() {
			continue // unlimited
		}
		agg, err := t.aggregate(ctx, principalID, pc.period)
		if err != nil {
			t.logger.Error("budget aggregate query failed, failing closed",
				"principal", principalID, "period", pc.period, "error", err)
			return CheckResult{Allowed: false, Reason: "budget service unavailable"}
		}
		if agg.Spent.Add(prospectiveCost).GreaterThan(pc.cap) {
			return CheckResult{
				Allowed: false,
				Reason: fmt.Sprintf("%s budget exceeded: spent %s of %s",
					pc.period, agg.Spent, pc.cap),
				Period: pc.period,
			}
		}
	}
	return CheckResult{Allowed: true}
}

// Record appends a spend entry and invalidates the principal's cached
// aggregates.
func (t *Tracker) Record(ctx context.Context, entry LedgerEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = t.now()
	}
	mu := t.stripe(entry.PrincipalID)
	mu.Lock()
	defer mu.Unlock()

	if err := t.store.Append(ctx, entry); err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	t.invalidate(entry.PrincipalID)
	return nil
}

// CheckAndReserve runs Check and, on allow, immediately records the
// estimated cost under the same lock so concurrent requests for one
// principal cannot jointly overshoot a cap.
func (t *Tracker) CheckAndReserve(ctx context.Context, entry LedgerEntry) CheckResult {
	mu := t.stripe(entry.PrincipalID)
	mu.Lock()
	defer mu.Unlock()

	res := t.checkLocked(ctx, entry.PrincipalID, entry.EstimatedCost)
	if !res.Allowed {
		return res
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = t.now()
	}
	if err := t.store.Append(ctx, entry); err != nil {
		t.logger.Error("budget reserve write failed, failing closed",
			"principal", entry.PrincipalID, "error", err)
		return CheckResult{Allowed: false, Reason: "budget service unavailable"}
	}
	t.invalidate(entry.PrincipalID)
	return res
}

// AggregateFor returns the memoized spend summary for a principal/period.
func (t *Tracker) AggregateFor(ctx context.Context, principalID string, period Period) (Aggregate, error) {
	mu := t.stripe(principalID)
	mu.Lock()
	defer mu.Unlock()
	return t.aggregate(ctx, principalID, period)
}

// aggregate computes or returns the cached spend summary.
func (t *Tracker) aggregate(ctx context.Context, principalID string, period Period) (Aggregate, error) {
	cacheKey := principalID + "/" + string(period)

	t.cacheMu.Lock()
	if c, ok := t.cache[cacheKey]; ok && t.now().Sub(c.computed) < aggregateCacheTTL {
		t.cacheMu.Unlock()
		return c.agg, nil
	}
	t.cacheMu.Unlock()

	entries, err := t.store.EntriesSince(ctx, principalID, t.periodStart(period))
	if err != nil {
		return Aggregate{}, err
	}

	agg := Aggregate{
		Spent:      decimal.Zero,
		ByProvider: make(map[string]decimal.Decimal),
		ByModel:    make(map[string]decimal.Decimal),
	}
	for _, e := range entries {
		c := e.EffectiveCost()
		agg.Spent = agg.Spent.Add(c)
		agg.ByProvider[e.Provider] = agg.ByProvider[e.Provider].Add(c)
		if e.Model != "" {
			agg.ByModel[e.Model] = agg.ByModel[e.Model].Add(c)
		}
		agg.Count++
	}

	t.cacheMu.Lock()
	t.cache[cacheKey] = cachedAggregate{agg: agg, computed: t.now()}
	t.cacheMu.Unlock()
	return agg, nil
}

// invalidate drops cached aggregates for a principal.
func (t *Tracker) invalidate(principalID string) {
	t.cacheMu.Lock()
	delete(t.cache, principalID+"/"+string(PeriodDaily))
	delete(t.cache, principalID+"/"+string(PeriodMonthly))
	t.cacheMu.Unlock()
}
