package orderbook

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// UpdateChannel is the pub/sub channel every snapshot write is published on.
const UpdateChannel = "orderbook.updates"

const bookField = "book"

func bookKey(propertyID uuid.UUID) string {
	return "orderbook:" + propertyID.String()
}

// Store is the shared order book cache. Reads and writes go through Redis so
// every process sees the same resting orders; each write also publishes the
// encoded snapshot for realtime distribution.
//
// The per-property mutex serializes snapshot read-modify-write cycles within
// this process so an intake append and a scheduler pop-and-settle never
// double-consume the same order.
type Store struct {
	rdb    redis.UniversalClient
	logger *zap.Logger
	locks  sync.Map // uuid.UUID -> *sync.Mutex
}

// NewStore creates a new order book store
func NewStore(rdb redis.UniversalClient, logger *zap.Logger) *Store {
	return &Store{rdb: rdb, logger: logger}
}

// WithLock runs fn while holding the property's book mutex.
func (s *Store) WithLock(propertyID uuid.UUID, fn func() error) error {
	v, _ := s.locks.LoadOrStore(propertyID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

// GetSnapshot reads the stored book for a property, lazily creating an empty
// two-sided book when none exists. A payload that fails to decode is a fatal
// error, never an empty book.
func (s *Store) GetSnapshot(ctx context.Context, propertyID uuid.UUID) (*Snapshot, error) {
	data, err := s.rdb.HGet(ctx, bookKey(propertyID), bookField).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			snap := NewSnapshot(propertyID)
			if err := s.write(ctx, snap); err != nil {
				return nil, err
			}
			return snap, nil
		}
		return nil, fmt.Errorf("failed to read order book for property %s: %w", propertyID, err)
	}

	snap, err := DecodeSnapshot(data)
	if err != nil {
		s.logger.Error("stored order book payload is corrupt",
			zap.String("property_id", propertyID.String()),
			zap.Error(err))
		return nil, err
	}
	return snap, nil
}

// PutSnapshot overwrites the stored book and publishes the identical payload
// to realtime subscribers.
func (s *Store) PutSnapshot(ctx context.Context, snap *Snapshot) error {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	if err := s.rdb.HSet(ctx, bookKey(snap.PropertyID), bookField, data).Err(); err != nil {
		return fmt.Errorf("failed to write order book for property %s: %w", snap.PropertyID, err)
	}
	// Fire-and-forget: a publish failure must not fail the write path.
	if err := s.rdb.Publish(ctx, UpdateChannel, data).Err(); err != nil {
		s.logger.Warn("failed to publish order book update",
			zap.String("property_id", snap.PropertyID.String()),
			zap.Error(err))
	}
	return nil
}

func (s *Store) write(ctx context.Context, snap *Snapshot) error {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	if err := s.rdb.HSet(ctx, bookKey(snap.PropertyID), bookField, data).Err(); err != nil {
		return fmt.Errorf("failed to write order book for property %s: %w", snap.PropertyID, err)
	}
	return nil
}

// Subscribe opens a pub/sub subscription on the update channel. The caller
// owns the returned subscription and must close it.
func (s *Store) Subscribe(ctx context.Context) *redis.PubSub {
	return s.rdb.Subscribe(ctx, UpdateChannel)
}
