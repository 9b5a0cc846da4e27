package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/loopflow/workflow"
	"github.com/redis/go-redis/v9"
)

// RedisLoopArchive stores loop snapshots in Redis.
// Each run is a hash keyed by loop ID that expires with the archive TTL.
// Listing runs is served by the run history store.
type RedisLoopArchive struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// NewRedisLoopArchive creates an archive on an existing client. A zero
// ttl keeps entries forever.
func NewRedisLoopArchive(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisLoopArchive {
	if keyPrefix == "" {
		keyPrefix = "loopflow:"
	}
	return &RedisLoopArchive{
		client:    client,
		keyPrefix: keyPrefix + "loop:",
		ttl:       ttl,
	}
}

// Ping checks if the archive is reachable
func (a *RedisLoopArchive) Ping(ctx context.Context) error {
	return a.client.Ping(ctx).Err()
}

// runKey returns the hash holding a run's loops
func (a *RedisLoopArchive) runKey(runID string) string {
	return a.keyPrefix + "run:" + runID
}

// ArchiveLoop stores the snapshot under its run
func (a *RedisLoopArchive) ArchiveLoop(ctx context.Context, runID string, loop workflow.LoopSnapshot) error {
	if runID == "" || loop.LoopID == "" {
		return ErrInvalidInput
	}
	data, err := json.Marshal(loop)
	if err != nil {
		return fmt.Errorf("failed to marshal loop: %w", err)
	}

	pipe := a.client.TxPipeline()
	pipe.HSet(ctx, a.runKey(runID), loop.LoopID, data)
	if a.ttl > 0 {
		pipe.Expire(ctx, a.runKey(runID), a.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to archive loop: %w", err)
	}
	return nil
}

// ListLoops returns the run's loops ordered by start time
func (a *RedisLoopArchive) ListLoops(ctx context.Context, runID string) ([]workflow.LoopSnapshot, error) {
	entries, err := a.client.HGetAll(ctx, a.runKey(runID)).Result()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}

	out := make([]workflow.LoopSnapshot, 0, len(entries))
	for loopID, data := range entries {
		var loop workflow.LoopSnapshot
		if err := json.Unmarshal([]byte(data), &loop); err != nil {
			return nil, fmt.Errorf("failed to decode loop %s: %w", loopID, err)
		}
		out = append(out, loop)
	}
	sortLoops(out)
	return out, nil
}

// GetLoop returns one archived loop
func (a *RedisLoopArchive) GetLoop(ctx context.Context, runID, loopID string) (*workflow.LoopSnapshot, error) {
	data, err := a.client.HGet(ctx, a.runKey(runID), loopID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var loop workflow.LoopSnapshot
	if err := json.Unmarshal(data, &loop); err != nil {
		return nil, err
	}
	return &loop, nil
}
