// Package engine implements the context inheritance, delegation and cache
// consistency engine on top of a Store.
//
// Every exported operation takes the caller's tenant id as an explicit
// argument and checks each NodeRef against it before any I/O. No operation
// reads a tenant from context.Context or any other ambient source, including
// inside goroutines started on the caller's behalf.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dyluth/canopy/internal/cache"
	"github.com/dyluth/canopy/internal/locks"
	"github.com/dyluth/canopy/pkg/hierarchy"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

// Store is the transactional repository the engine reads and writes.
//
// Load returns an error wrapping hierarchy.ErrNodeNotFound for absent nodes.
// Save commits node only if the stored version equals node.Version-1 (0 when
// creating) and fails with hierarchy.ErrConflict otherwise. Connectivity
// failures wrap hierarchy.ErrStoreUnavailable.
type Store interface {
	Load(ctx context.Context, tenantID string, level hierarchy.Level, id string) (*hierarchy.ContextNode, error)
	Save(ctx context.Context, node *hierarchy.ContextNode) (int64, error)
	Delete(ctx context.Context, ref hierarchy.NodeRef, expectedVersion int64) error
	HasChildren(ctx context.Context, ref hierarchy.NodeRef) (bool, error)
}

// AutoApprovePolicy decides whether a delegation is merged immediately.
type AutoApprovePolicy func(source, target hierarchy.Level, payload map[string]any) bool

// NeverAutoApprove sends every delegation to manual review.
func NeverAutoApprove(hierarchy.Level, hierarchy.Level, map[string]any) bool { return false }

// InvalidationPublisher fans local invalidations out to other processes.
type InvalidationPublisher interface {
	PublishInvalidation(ctx context.Context, ref hierarchy.NodeRef) error
}

// Options configures Service.
type Options struct {
	// OperationTimeout bounds operations whose context carries no deadline.
	// Default: 5s
	OperationTimeout time.Duration

	// StrictLineage requires ancestors to exist before a descendant is written.
	// Default: false
	StrictLineage bool

	// HistoryLimit bounds ContextNode.DelegationHistory.
	// Default: 100
	HistoryLimit int

	// AutoApprove is consulted on every delegation.
	// Default: NeverAutoApprove
	AutoApprove AutoApprovePolicy

	// Publisher receives every committed invalidation. Nil disables fan-out.
	Publisher InvalidationPublisher

	// Logger receives structured events.
	Logger *slog.Logger

	// Registerer receives engine metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer

	// Now is the clock stamped on nodes and delegations.
	Now func() time.Time
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		OperationTimeout: 5 * time.Second,
		HistoryLimit:     100,
		AutoApprove:      NeverAutoApprove,
		Logger:           slog.Default(),
		Now:              func() time.Time { return time.Now().UTC() },
	}
}

// Option is a functional option for configuring Service.
type Option func(*Options)

// WithOperationTimeout sets the default deadline.
func WithOperationTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.OperationTimeout = d
		}
	}
}

// WithStrictLineage toggles strict ancestor checks on writes.
func WithStrictLineage(strict bool) Option {
	return func(o *Options) { o.StrictLineage = strict }
}

// WithHistoryLimit bounds the resolved delegation history per node.
func WithHistoryLimit(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.HistoryLimit = n
		}
	}
}

// WithAutoApprove injects the auto-approval predicate.
func WithAutoApprove(p AutoApprovePolicy) Option {
	return func(o *Options) {
		if p != nil {
			o.AutoApprove = p
		}
	}
}

// WithPublisher enables cross-process invalidation fan-out.
func WithPublisher(p InvalidationPublisher) Option {
	return func(o *Options) { o.Publisher = p }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// WithRegisterer registers engine metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *Options) { o.Registerer = reg }
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		if now != nil {
			o.Now = now
		}
	}
}

// Service is the engine facade exposed to API layers.
type Service struct {
	store   Store
	cache   *cache.Cache
	locks   *locks.Manager
	flight  singleflight.Group
	options Options
	logger  *slog.Logger
	metrics *metrics
}

// New creates a Service. A nil cache gets a default one.
//
// Cache hits are validated against the raw-node cache, not the store. Services
// in different processes sharing one store therefore need WithPublisher (and a
// subscriber forwarding to ApplyRemoteInvalidation) or a cache built with
// cache.WithMaxAge, otherwise a peer's writes may never become visible.
func New(store Store, c *cache.Cache, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if c == nil {
		var err error
		c, err = cache.New(cache.WithRegisterer(options.Registerer))
		if err != nil {
			return nil, fmt.Errorf("failed to create cache: %w", err)
		}
	}

	return &Service{
		store:   store,
		cache:   c,
		locks:   locks.NewManager(),
		options: options,
		logger:  options.Logger.With("component", "engine"),
		metrics: newMetrics(options.Registerer),
	}, nil
}

// Cache exposes the cache layer, for stats and administrative purges.
func (s *Service) Cache() *cache.Cache {
	return s.cache
}

// withDeadline applies OperationTimeout when ctx has no deadline of its own.
func (s *Service) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || s.options.OperationTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.options.OperationTimeout)
}
