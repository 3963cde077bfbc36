package engine

import "github.com/dyluth/canopy/internal/cache"

// Stats is a point-in-time snapshot of engine internals.
type Stats struct {
	Cache       cache.Stats
	ActiveLocks int
}

// Stats returns cache and lock counters.
func (s *Service) Stats() Stats {
	return Stats{
		Cache:       s.cache.Stats(),
		ActiveLocks: s.locks.Len(),
	}
}
