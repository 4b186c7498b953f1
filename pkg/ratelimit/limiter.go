// Package ratelimit provides token-bucket admission control for inbound
// transcription requests.
//
// Two global buckets run in parallel: a per-minute bucket and a per-hour
// bucket. A request must take one token from each; when the hour bucket
// denies after the minute bucket granted, the minute token is refunded so
// callers are never partially charged. An optional third tier buckets by
// caller origin (client address), created lazily per origin, refunding
// both global tokens on denial.
//
// Refill is computed lazily from elapsed wall-clock time at consumption
// time (golang.org/x/time/rate works exactly this way), so the limiter is
// correct under arbitrary call gaps without a background timer.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultPerMinute          = 36
	DefaultPerHour            = 240
	DefaultPerOriginPerMinute = 10
)

// originTTL is how long an origin bucket may sit unused before pruning.
const originTTL = time.Hour

// pruneInterval bounds how often the origin map is swept.
const pruneInterval = 10 * time.Minute

// Config controls the admission budgets.
type Config struct {
	// Enabled toggles admission control at the transport layer. The
	// limiter itself always enforces when called.
	Enabled bool `koanf:"enabled"`

	// PerMinute and PerHour are the global budgets.
	PerMinute int `koanf:"per_minute"`
	PerHour   int `koanf:"per_hour"`

	// PerOriginPerMinute is the per-origin budget. Zero disables the
	// origin tier.
	PerOriginPerMinute int `koanf:"per_origin_per_minute"`
}

func (c Config) withDefaults() Config {
	if c.PerMinute <= 0 {
		c.PerMinute = DefaultPerMinute
	}
	if c.PerHour <= 0 {
		c.PerHour = DefaultPerHour
	}
	if c.PerOriginPerMinute < 0 {
		c.PerOriginPerMinute = DefaultPerOriginPerMinute
	}
	return c
}

// Stats is a point-in-time snapshot of remaining budget.
type Stats struct {
	MinuteTokens float64 `json:"minute_tokens"`
	HourTokens   float64 `json:"hour_tokens"`
	OriginCount  int     `json:"origin_count"`
}

type originBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter is the admission controller.
type Limiter struct {
	cfg    Config
	logger zerolog.Logger

	minute *rate.Limiter
	hour   *rate.Limiter

	originMu  sync.Mutex
	origins   map[string]*originBucket
	lastPrune time.Time

	now func() time.Time // injected for tests
}

// New creates a limiter with the configured budgets.
func New(cfg Config, logger zerolog.Logger) *Limiter {
	cfg = cfg.withDefaults()
	l := &Limiter{
		cfg:     cfg,
		logger:  logger.With().Str("component", "ratelimit").Logger(),
		minute:  rate.NewLimiter(rate.Limit(float64(cfg.PerMinute)/60.0), cfg.PerMinute),
		hour:    rate.NewLimiter(rate.Limit(float64(cfg.PerHour)/3600.0), cfg.PerHour),
		origins: make(map[string]*originBucket),
		now:     time.Now,
	}
	l.lastPrune = l.now()

	l.logger.Info().
		Int("per_minute", cfg.PerMinute).
		Int("per_hour", cfg.PerHour).
		Int("per_origin_per_minute", cfg.PerOriginPerMinute).
		Msg("Admission limiter initialized")
	return l
}

// Allow decides whether one request may be admitted. origin is the caller
// identity for the optional per-origin tier; empty skips that tier. On
// denial the returned reason is suitable for the response body.
func (l *Limiter) Allow(origin string) (bool, string) {
	return l.allowAt(l.now(), origin)
}

func (l *Limiter) allowAt(now time.Time, origin string) (bool, string) {
	minuteRes := l.minute.ReserveN(now, 1)
	if !granted(minuteRes, now) {
		return false, fmt.Sprintf("per-minute request limit exceeded (%d)", l.cfg.PerMinute)
	}

	hourRes := l.hour.ReserveN(now, 1)
	if !granted(hourRes, now) {
		// No partial charging: give the minute token back.
		minuteRes.CancelAt(now)
		return false, fmt.Sprintf("per-hour request limit exceeded (%d)", l.cfg.PerHour)
	}

	if origin != "" && l.cfg.PerOriginPerMinute > 0 {
		ob := l.originLimiter(now, origin)
		originRes := ob.ReserveN(now, 1)
		if !granted(originRes, now) {
			minuteRes.CancelAt(now)
			hourRes.CancelAt(now)
			return false, fmt.Sprintf("origin %s exceeded request limit (%d/min)", origin, l.cfg.PerOriginPerMinute)
		}
	}

	return true, ""
}

// granted reports whether the reservation is usable right now. A
// reservation that would require waiting is cancelled immediately: this is
// admission control, not queuing.
func granted(res *rate.Reservation, now time.Time) bool {
	if !res.OK() {
		return false
	}
	if res.DelayFrom(now) > 0 {
		res.CancelAt(now)
		return false
	}
	return true
}

// Stats reports the remaining global tokens and the live origin count.
func (l *Limiter) Stats() Stats {
	now := l.now()

	l.originMu.Lock()
	origins := len(l.origins)
	l.originMu.Unlock()

	return Stats{
		MinuteTokens: l.minute.TokensAt(now),
		HourTokens:   l.hour.TokensAt(now),
		OriginCount:  origins,
	}
}

// originLimiter returns the origin's bucket, creating it lazily. Sweeps
// stale origins at most every pruneInterval so the map cannot grow without
// bound under address churn.
func (l *Limiter) originLimiter(now time.Time, origin string) *rate.Limiter {
	l.originMu.Lock()
	defer l.originMu.Unlock()

	if now.Sub(l.lastPrune) > pruneInterval {
		for key, ob := range l.origins {
			if now.Sub(ob.lastSeen) > originTTL {
				delete(l.origins, key)
			}
		}
		l.lastPrune = now
	}

	ob, ok := l.origins[origin]
	if !ok {
		perMin := l.cfg.PerOriginPerMinute
		ob = &originBucket{
			lim: rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin),
		}
		l.origins[origin] = ob
		l.logger.Debug().Str("origin", origin).Msg("Created origin bucket")
	}
	ob.lastSeen = now
	return ob.lim
}
