// Package redisstore is a Store backed by Redis hashes.
//
// Each node lives at hierarchy.NodeKey; direct children are tracked in a set
// at hierarchy.ChildrenKey of the parent. Writes use WATCH/MULTI on the node
// key, so a concurrent writer in another process surfaces as
// hierarchy.ErrConflict rather than a lost update.
package redisstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/dyluth/canopy/pkg/hierarchy"
	"github.com/redis/go-redis/v9"
)

// Store provides tenant-namespaced node persistence in Redis.
// It is safe for concurrent use.
type Store struct {
	rdb *redis.Client
}

// New creates a Store with its own connection pool.
func New(opts *redis.Options) *Store {
	return &Store{rdb: redis.NewClient(opts)}
}

// NewFromURL creates a Store from a redis:// URL.
func NewFromURL(url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return New(opts), nil
}

// Close closes the Redis connection. Implements io.Closer.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping verifies Redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return classify("ping", err)
	}
	return nil
}

// Client exposes the underlying connection, e.g. to share it with the
// invalidation bus.
func (s *Store) Client() *redis.Client {
	return s.rdb
}

// Load returns the node or an error wrapping hierarchy.ErrNodeNotFound.
func (s *Store) Load(ctx context.Context, tenantID string, level hierarchy.Level, id string) (*hierarchy.ContextNode, error) {
	ref := hierarchy.NodeRef{TenantID: tenantID, Level: level, ID: id}

	hashData, err := s.rdb.HGetAll(ctx, hierarchy.NodeKey(ref)).Result()
	if err != nil {
		return nil, classify("read node", err)
	}
	// HGetAll returns an empty map for non-existent keys
	if len(hashData) == 0 {
		return nil, fmt.Errorf("%w: %s", hierarchy.ErrNodeNotFound, ref)
	}

	node, err := hierarchy.HashToNode(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize %s: %w", ref, err)
	}
	return node, nil
}

// Save commits node if the stored version is node.Version-1 and registers the
// node in its parent's children set.
func (s *Store) Save(ctx context.Context, node *hierarchy.ContextNode) (int64, error) {
	if err := node.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", hierarchy.ErrInvalidArgument, err)
	}
	hash, err := hierarchy.NodeToHash(node)
	if err != nil {
		return 0, fmt.Errorf("failed to serialize %s: %w", node.Ref, err)
	}
	key := hierarchy.NodeKey(node.Ref)
	parent, hasParent := node.Lineage.ParentRef(node.Ref)

	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := storedVersion(ctx, tx, key)
		if err != nil {
			return err
		}
		if current != node.Version-1 {
			return fmt.Errorf("%w: %s is at version %d, write expected %d", hierarchy.ErrConflict, node.Ref, current, node.Version-1)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, hash)
			if hasParent {
				pipe.SAdd(ctx, hierarchy.ChildrenKey(parent), hierarchy.ChildMember(node.Ref))
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		return 0, classify("save "+node.Ref.String(), err)
	}
	return node.Version, nil
}

// Delete removes the node at expectedVersion and unregisters it from its parent.
func (s *Store) Delete(ctx context.Context, ref hierarchy.NodeRef, expectedVersion int64) error {
	key := hierarchy.NodeKey(ref)

	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		hashData, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(hashData) == 0 {
			return fmt.Errorf("%w: %s", hierarchy.ErrNodeNotFound, ref)
		}
		node, err := hierarchy.HashToNode(hashData)
		if err != nil {
			return fmt.Errorf("failed to deserialize %s: %w", ref, err)
		}
		if node.Version != expectedVersion {
			return fmt.Errorf("%w: %s is at version %d, delete expected %d", hierarchy.ErrConflict, ref, node.Version, expectedVersion)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			if parent, ok := node.Lineage.ParentRef(ref); ok {
				pipe.SRem(ctx, hierarchy.ChildrenKey(parent), hierarchy.ChildMember(ref))
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		return classify("delete "+ref.String(), err)
	}
	return nil
}

// HasChildren reports whether any node is registered under ref.
func (s *Store) HasChildren(ctx context.Context, ref hierarchy.NodeRef) (bool, error) {
	n, err := s.rdb.SCard(ctx, hierarchy.ChildrenKey(ref)).Result()
	if err != nil {
		return false, classify("count children", err)
	}
	return n > 0, nil
}

// Children lists the direct children of ref as "{level}:{id}" members.
func (s *Store) Children(ctx context.Context, ref hierarchy.NodeRef) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, hierarchy.ChildrenKey(ref)).Result()
	if err != nil {
		return nil, classify("list children", err)
	}
	return members, nil
}

func storedVersion(ctx context.Context, tx *redis.Tx, key string) (int64, error) {
	v, err := tx.HGet(ctx, key, "version").Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

// classify maps Redis errors onto the hierarchy taxonomy. Errors that already
// carry a taxonomy sentinel pass through unchanged.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, hierarchy.ErrConflict), errors.Is(err, hierarchy.ErrNodeNotFound),
		errors.Is(err, hierarchy.ErrInvalidArgument):
		return err
	case errors.Is(err, redis.TxFailedErr):
		return fmt.Errorf("%w: %s: concurrent modification", hierarchy.ErrConflict, op)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %s: %w", hierarchy.ErrTimeout, op, err)
	default:
		return fmt.Errorf("%w: %s: %w", hierarchy.ErrStoreUnavailable, op, err)
	}
}
