package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/metrics"
)

const (
	// IdempotencyTTL is how long a completed response is replayed for a key.
	IdempotencyTTL = 24 * time.Hour

	// processingTTL bounds the lock held while a request is in flight.
	processingTTL = 5 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest means another request with the same key is still in flight.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key already in flight")

// IdempotencyResult is the response replayed for a repeated key.
type IdempotencyResult struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
	CreatedAt  int64           `json:"created_at"`
}

// IdempotencyService deduplicates event intake per caller and key.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
	ttl    time.Duration
}

func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
		ttl:    IdempotencyTTL,
	}
}

// Keys are scoped by endpoint and caller so two services may reuse a key.
func (s *IdempotencyService) buildKey(scope, callerID, idempotencyKey string) string {
	return fmt.Sprintf("idempotency:%s:%s:%s", scope, callerID, idempotencyKey)
}

// Check returns the stored result, nil when the key is unknown, or
// ErrDuplicateRequest while the first request is still being processed.
func (s *IdempotencyService) Check(ctx context.Context, scope, callerID, idempotencyKey string) (*IdempotencyResult, error) {
	key := s.buildKey(scope, callerID, idempotencyKey)

	val, err := s.client.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var result IdempotencyResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("failed to unmarshal idempotency result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	metrics.RecordIdempotencyHit()
	s.logger.Debug("idempotency cache hit",
		zap.String("scope", scope),
		zap.String("caller_id", callerID),
	)

	return &result, nil
}

// Store saves the response of a completed request, replacing the reservation.
func (s *IdempotencyService) Store(ctx context.Context, scope, callerID, idempotencyKey string, result *IdempotencyResult) error {
	key := s.buildKey(scope, callerID, idempotencyKey)

	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

// Reserve takes the key with SET NX. It reports false when the key exists.
func (s *IdempotencyService) Reserve(ctx context.Context, scope, callerID, idempotencyKey string) (bool, error) {
	key := s.buildKey(scope, callerID, idempotencyKey)

	set, err := s.client.rdb.SetNX(ctx, key, processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}

	return set, nil
}

// Release drops a reservation so a failed request can be retried with the same key.
// Completed results are left alone.
func (s *IdempotencyService) Release(ctx context.Context, scope, callerID, idempotencyKey string) error {
	key := s.buildKey(scope, callerID, idempotencyKey)

	val, err := s.client.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis get failed: %w", err)
	}
	if val != processingMarker {
		return nil
	}

	if err := s.client.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// CheckOrReserve returns a stored result, or nil after reserving the key.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, scope, callerID, idempotencyKey string) (*IdempotencyResult, error) {
	result, err := s.Check(ctx, scope, callerID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	reserved, err := s.Reserve(ctx, scope, callerID, idempotencyKey)
	if err != nil {
		return nil, err
	}

	if !reserved {
		// Lost the race: either in flight or just completed.
		result, err := s.Check(ctx, scope, callerID, idempotencyKey)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
		return nil, ErrDuplicateRequest
	}

	return nil, nil
}
