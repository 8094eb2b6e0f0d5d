package memory

import (
	"context"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/tjfontaine/memchat-relay/internal/domain"
	"github.com/tjfontaine/memchat-relay/internal/resilience"
	"github.com/tjfontaine/memchat-relay/internal/retrieval"
	"github.com/tjfontaine/memchat-relay/internal/telemetry"
)

// Searcher is the read side of the memory service consumed by the fallback
// service. *Client implements it.
type Searcher interface {
	Search(ctx context.Context, collection, query string, limit int, searchType string) (*SearchResponse, error)
}

// FallbackConfig tunes the degradation path around memory search.
type FallbackConfig struct {
	// SearchTimeout is the base per-attempt deadline for one search call.
	SearchTimeout time.Duration `koanf:"search_timeout"`

	// CrossRegionLatency is added to the base when the memory service lives
	// in another region.
	CrossRegionLatency time.Duration `koanf:"cross_region_latency"`

	// SearchTimeoutCap is the hard ceiling on the per-attempt deadline.
	SearchTimeoutCap time.Duration `koanf:"search_timeout_cap"`

	// CacheTTL is how long successful results are reusable as a fallback.
	CacheTTL time.Duration `koanf:"cache_ttl"`

	// CacheSize bounds the result cache.
	CacheSize int `koanf:"cache_size"`
}

// DefaultFallbackConfig returns the stock tuning.
func DefaultFallbackConfig() FallbackConfig {
	return FallbackConfig{
		SearchTimeout:      500 * time.Millisecond,
		CrossRegionLatency: 150 * time.Millisecond,
		SearchTimeoutCap:   700 * time.Millisecond,
		CacheTTL:           60 * time.Second,
		CacheSize:          1024,
	}
}

// FallbackService is the single memory call path used by the orchestrator.
// It composes a per-attempt timeout, the retrier, the circuit breaker, and a
// short-lived result cache. GetContext never returns an error: every failure
// degrades to a cached payload or nil.
type FallbackService struct {
	client   Searcher
	engine   *retrieval.Engine
	breaker  *resilience.Breaker
	retrier  *resilience.Retrier
	cache    *expirable.LRU[uint64, *domain.RetrievalPayload]
	recorder telemetry.Recorder
	logger   *slog.Logger
	cfg      FallbackConfig
}

// NewFallbackService wires the degradation path. The breaker is shared
// process-wide; everything else is owned here.
func NewFallbackService(client Searcher, breaker *resilience.Breaker, recorder telemetry.Recorder, logger *slog.Logger, cfg FallbackConfig) *FallbackService {
	if cfg.SearchTimeout <= 0 {
		cfg = DefaultFallbackConfig()
	}
	return &FallbackService{
		client:   client,
		engine:   retrieval.NewEngine(),
		breaker:  breaker,
		retrier:  resilience.NewRetrier(),
		cache:    expirable.NewLRU[uint64, *domain.RetrievalPayload](cfg.CacheSize, nil, cfg.CacheTTL),
		recorder: recorder,
		logger:   logger,
		cfg:      cfg,
	}
}

// GetContext retrieves and shapes memory context for one request. A nil
// return means "answer without memory"; the caller does not distinguish why.
func (s *FallbackService) GetContext(ctx context.Context, userID, query string, cfg retrieval.Config) *domain.RetrievalPayload {
	key := cacheKey(userID, query)
	requestID := telemetry.RequestIDFrom(ctx)

	result, err := s.breaker.Execute(ctx, func(ctx context.Context) (any, error) {
		return s.retrier.Execute(ctx, func(ctx context.Context) (any, error) {
			return s.search(ctx, userID, query, cfg)
		})
	}, nil)

	if err == nil {
		payload := result.(*domain.RetrievalPayload)
		s.cache.Add(key, payload)
		s.recorder.Record(ctx, telemetry.KindMemorySearchOK, requestID, map[string]any{
			"user_id":          userID,
			"total_results":    payload.Metadata.TotalResults,
			"included_results": payload.Metadata.IncludedResults,
			"total_tokens":     payload.Metadata.TotalTokens,
			"query_time_ms":    payload.Metadata.QueryTimeMs,
		})
		return payload
	}

	reason := string(domain.Classify(err))
	if cached, ok := s.cache.Get(key); ok {
		s.recorder.Record(ctx, telemetry.KindMemorySearchFailed, requestID, map[string]any{
			"user_id":  userID,
			"reason":   reason,
			"fallback": "cache",
		})
		return cached
	}

	s.recorder.Record(ctx, telemetry.KindMemorySearchFailed, requestID, map[string]any{
		"user_id":  userID,
		"reason":   reason,
		"fallback": "no_memory",
	})
	s.logger.Warn("memory search degraded to no-memory",
		slog.String("user_id", userID),
		slog.String("reason", reason),
	)
	return nil
}

// search performs one timed search attempt and shapes the results.
func (s *FallbackService) search(ctx context.Context, userID, query string, cfg retrieval.Config) (*domain.RetrievalPayload, error) {
	ctx, cancel := context.WithTimeout(ctx, s.searchTimeout())
	defer cancel()

	started := time.Now()
	resp, err := s.client.Search(ctx, CollectionForUser(userID), query, cfg.TopK, cfg.SearchType)
	if err != nil {
		return nil, err
	}

	payload := s.engine.Process(resp.Results, cfg)
	payload.Metadata.QueryTimeMs = resp.QueryTimeMs
	if payload.Metadata.QueryTimeMs == 0 {
		payload.Metadata.QueryTimeMs = time.Since(started).Milliseconds()
	}
	return &payload, nil
}

func (s *FallbackService) searchTimeout() time.Duration {
	timeout := s.cfg.SearchTimeout + s.cfg.CrossRegionLatency
	if timeout > s.cfg.SearchTimeoutCap {
		timeout = s.cfg.SearchTimeoutCap
	}
	return timeout
}

func cacheKey(userID, query string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(query))
	return h.Sum64()
}
