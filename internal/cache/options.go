package cache

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Options configures Cache.
type Options struct {
	// MaxContexts is the maximum number of cached effective contexts.
	// Default: 10000
	MaxContexts int

	// MaxNodes is the maximum number of cached raw node records, including
	// cached absences.
	// Default: 10000
	MaxNodes int

	// MaxAge is the TTL for cached entries. Zero disables expiry.
	// Default: 0
	MaxAge time.Duration

	// Registerer receives the cache collectors. Nil leaves them unregistered.
	Registerer prometheus.Registerer

	// Now is the clock used for TTL checks.
	Now func() time.Time
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxContexts: 10000,
		MaxNodes:    10000,
		Now:         time.Now,
	}
}

// Option is a functional option for configuring Cache.
type Option func(*Options)

// WithMaxContexts sets the effective-context capacity.
func WithMaxContexts(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxContexts = n
		}
	}
}

// WithMaxNodes sets the raw node capacity.
func WithMaxNodes(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxNodes = n
		}
	}
}

// WithMaxAge sets the TTL for cached entries.
func WithMaxAge(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.MaxAge = d
		}
	}
}

// WithRegisterer registers the cache metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *Options) {
		o.Registerer = reg
	}
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		if now != nil {
			o.Now = now
		}
	}
}
