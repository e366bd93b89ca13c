package decoder

import (
	"fmt"
	"time"

	"firestige.xyz/flowtrack/internal/flowtable"
	"firestige.xyz/flowtrack/internal/metrics"
)

// FragmentRateLimiter caps the fragments accepted per source address within
// a fixed window, bounding the reassembly work a single sender can cause.
// Each source's counter is a flow table entry that expires one window after
// its first fragment, which starts a fresh window for that source.
type FragmentRateLimiter struct {
	counters     *flowtable.Table[int64]
	window       time.Duration
	maxPerWindow int64
	rejected     int64
}

// FragmentRateLimiterConfig configures per-source fragment rate limiting.
type FragmentRateLimiterConfig struct {
	Name            string
	MaxFragsPerIP   int           // 0 disables the limiter
	RateLimitWindow time.Duration // Default 10s
	MaxSources      int           // Sources tracked at once (default 65536)
}

// NewFragmentRateLimiter returns nil when MaxFragsPerIP <= 0.
func NewFragmentRateLimiter(cfg FragmentRateLimiterConfig) (*FragmentRateLimiter, error) {
	if cfg.MaxFragsPerIP <= 0 {
		return nil, nil
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = defaultRateLimitWindow
	}
	if cfg.MaxSources <= 0 {
		cfg.MaxSources = defaultTrackedSources
	}
	tableName := ""
	if cfg.Name != "" {
		tableName = cfg.Name + "/fragment_sources"
	}
	counters, err := flowtable.New[int64](flowtable.Config{
		Name:            tableName,
		KeySize:         4,
		InitialCapacity: min(cfg.MaxSources, flowtableInitialCapacity),
		MaxEntries:      cfg.MaxSources,
		DefaultTTL:      cfg.RateLimitWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("create rate limiter table: %w", err)
	}
	return &FragmentRateLimiter{
		counters:     counters,
		window:       cfg.RateLimitWindow,
		maxPerWindow: int64(cfg.MaxFragsPerIP),
	}, nil
}

// Allow counts one fragment from srcIP and reports whether it is within the
// limit. A source that cannot be tracked is rejected.
func (l *FragmentRateLimiter) Allow(srcIP [4]byte, now time.Time) bool {
	idx, _, err := l.counters.LookupOrInsert(srcIP[:], l.window, now)
	if err != nil {
		l.reject()
		return false
	}
	count, _ := l.counters.Get(idx)
	count++
	_ = l.counters.Update(idx, count)
	if count > l.maxPerWindow {
		l.reject()
		return false
	}
	return true
}

func (l *FragmentRateLimiter) reject() {
	l.rejected++
	metrics.FragmentsRateLimitedTotal.Inc()
}

// Rejected returns the number of rejected fragments.
func (l *FragmentRateLimiter) Rejected() int64 {
	return l.rejected
}

// ActiveIPs returns the number of sources with an open window.
func (l *FragmentRateLimiter) ActiveIPs() int {
	return l.counters.Len()
}
