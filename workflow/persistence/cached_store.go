package persistence

import (
	"context"
	"time"

	"github.com/BaSui01/loopflow/workflow"
	"go.uber.org/zap"
)

// JSONCache is the subset of internal/cache.Manager the definition cache needs
type JSONCache interface {
	GetJSON(ctx context.Context, key string, dest any) error
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// CachedDefinitionStore reads definitions through a JSON cache and
// invalidates the entry on save and delete. Cache failures fall back to
// the underlying store.
type CachedDefinitionStore struct {
	next   DefinitionStore
	cache  JSONCache
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedDefinitionStore wraps next. A zero ttl uses the cache default.
func NewCachedDefinitionStore(next DefinitionStore, cache JSONCache, ttl time.Duration, logger *zap.Logger) *CachedDefinitionStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedDefinitionStore{
		next:   next,
		cache:  cache,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "definition_cache")),
	}
}

func definitionKey(id string) string {
	return "def:" + id
}

// SaveDefinition writes through and drops the cached copy
func (s *CachedDefinitionStore) SaveDefinition(ctx context.Context, def *workflow.Definition) error {
	if err := s.next.SaveDefinition(ctx, def); err != nil {
		return err
	}
	s.invalidate(ctx, def.ID)
	return nil
}

// GetDefinition serves from the cache, filling it on miss
func (s *CachedDefinitionStore) GetDefinition(ctx context.Context, id string) (*workflow.Definition, error) {
	var cached workflow.Definition
	if err := s.cache.GetJSON(ctx, definitionKey(id), &cached); err == nil {
		return &cached, nil
	}

	def, err := s.next.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetJSON(ctx, definitionKey(id), def, s.ttl); err != nil {
		s.logger.Warn("failed to cache definition", zap.String("workflow_id", id), zap.Error(err))
	}
	return def, nil
}

// ListDefinitions is not cached
func (s *CachedDefinitionStore) ListDefinitions(ctx context.Context) ([]DefinitionSummary, error) {
	return s.next.ListDefinitions(ctx)
}

// DeleteDefinition deletes from the store and the cache
func (s *CachedDefinitionStore) DeleteDefinition(ctx context.Context, id string) error {
	if err := s.next.DeleteDefinition(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, id)
	return nil
}

func (s *CachedDefinitionStore) invalidate(ctx context.Context, id string) {
	if err := s.cache.Delete(ctx, definitionKey(id)); err != nil {
		s.logger.Warn("failed to invalidate cached definition", zap.String("workflow_id", id), zap.Error(err))
	}
}
