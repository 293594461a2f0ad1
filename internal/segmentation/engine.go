package segmentation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/automation-engine/internal/domain"
	"github.com/ignite/automation-engine/internal/pkg/logger"
)

// ErrSegmentNotFound is returned when a preview names a missing segment.
var ErrSegmentNotFound = errors.New("segment not found")

const (
	DefaultPreviewLimit  = 25
	MaxPreviewLimit      = 500
	DefaultCountCacheTTL = 5 * time.Minute
)

// Store is the storage the preview engine needs. The Postgres repository
// implements it.
type Store interface {
	CountContacts(ctx context.Context, audienceID string, p Predicate) (int64, error)
	ListContacts(ctx context.Context, audienceID string, p Predicate, limit, offset int) ([]domain.Contact, error)
	GetSegment(ctx context.Context, segmentID string) (*domain.Segment, error)
}

// Engine serves segment previews. Counts are cached in Redis by audience and
// filter fingerprint; a nil client disables caching.
type Engine struct {
	store    Store
	cache    *redis.Client
	cacheTTL time.Duration
}

// NewEngine creates a new segmentation engine
func NewEngine(store Store, cache *redis.Client, cacheTTL time.Duration) *Engine {
	if cacheTTL <= 0 {
		cacheTTL = DefaultCountCacheTTL
	}
	return &Engine{store: store, cache: cache, cacheTTL: cacheTTL}
}

// ==========================================
// PREVIEW
// ==========================================

// PreviewSegment previews a persisted segment.
func (e *Engine) PreviewSegment(ctx context.Context, segmentID string, limit, offset int) (*Preview, error) {
	segment, err := e.store.GetSegment(ctx, segmentID)
	if err != nil {
		return nil, fmt.Errorf("get segment: %w", err)
	}
	if segment == nil {
		return nil, ErrSegmentNotFound
	}
	return e.Preview(ctx, segment.AudienceID, segment.Filter, limit, offset)
}

// Preview counts the audience contacts matching spec and returns one page of
// them. Validation problems are reported alongside the result rather than
// refusing the preview, so operators can see what a broken filter selects.
func (e *Engine) Preview(ctx context.Context, audienceID string, spec domain.FilterSpec, limit, offset int) (*Preview, error) {
	if limit <= 0 {
		limit = DefaultPreviewLimit
	}
	if limit > MaxPreviewLimit {
		limit = MaxPreviewLimit
	}
	if offset < 0 {
		offset = 0
	}

	count, cached, err := e.Count(ctx, audienceID, spec)
	if err != nil {
		return nil, err
	}

	contacts, err := e.store.ListContacts(ctx, audienceID, Compile(spec), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}

	return &Preview{
		AudienceID:  audienceID,
		Fingerprint: Fingerprint(spec),
		Count:       count,
		Contacts:    contacts,
		Errors:      Validate(spec),
		Cached:      cached,
	}, nil
}

// Count returns the number of audience contacts matching spec. The second
// result reports whether the value came from the cache.
func (e *Engine) Count(ctx context.Context, audienceID string, spec domain.FilterSpec) (int64, bool, error) {
	key := countCacheKey(audienceID, spec)

	if e.cache != nil {
		n, err := e.cache.Get(ctx, key).Int64()
		if err == nil {
			return n, true, nil
		}
		if !errors.Is(err, redis.Nil) {
			logger.Warn("segment count cache read failed", "key", key, "error", err)
		}
	}

	n, err := e.store.CountContacts(ctx, audienceID, Compile(spec))
	if err != nil {
		return 0, false, fmt.Errorf("count contacts: %w", err)
	}

	if e.cache != nil {
		if err := e.cache.Set(ctx, key, n, e.cacheTTL).Err(); err != nil {
			logger.Warn("segment count cache write failed", "key", key, "error", err)
		}
	}
	return n, false, nil
}

func countCacheKey(audienceID string, spec domain.FilterSpec) string {
	return "segment:count:" + audienceID + ":" + Fingerprint(spec)
}
