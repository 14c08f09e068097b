// Package semcache is the semantic cache: a Redis JSON-document store with
// an HNSW COSINE vector index, queried by nearest-neighbor instead of exact
// key match. It sits next to internal/cache's exact-match ExactCache and
// borrows its graceful-degradation posture — a cache miss or a Redis error
// must never fail the request, it just falls through to a live provider
// call — but the storage shape and query are net new: go-redis has no typed
// RediSearch client, so the index is created and queried with raw `Do`
// calls, the same way the gateway's rate limiter already issues raw Lua via
// redis.NewScript for logic go-redis doesn't model natively.
package semcache

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/relayforge/gateway/internal/providers"
)

const (
	keyPrefix  = "cache:"
	indexName  = "idx:semantic-cache"
	vectorAttr = "vector"

	// DefaultThreshold is the cosine-distance cutoff below which a KNN
	// result counts as a cache hit. Lower is stricter (more similar).
	DefaultThreshold = 0.15

	defaultQueryTimeout = 2 * time.Second
)

// allowedModelName matches the allowlist the TAG filter enforces on model
// names before interpolating them into a RediSearch query string. Redis
// query syntax treats {}|@*()!~"'.:-/ as special; rather than escape all of
// them with backslashes (easy to get subtly wrong), model names that don't
// match this allowlist are rejected outright and the lookup is skipped.
var allowedModelName = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Entry is the JSON document shape stored at cache:<uuid>.
type Entry struct {
	Query     string    `json:"query"`
	Model     string    `json:"model"`
	Response  string    `json:"response"`
	Embedding []float32 `json:"embedding"`
	CreatedTs int64     `json:"createdTs"`
}

// Embedder is the subset of providers.EmbeddingProvider this package calls.
type Embedder interface {
	Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error)
}

// Lookup is the outcome of Cache.Lookup.
type Lookup struct {
	Hit      bool
	Response string
	Score    float64 // cosine distance; only meaningful when Hit
}

// Config configures the semantic cache.
type Config struct {
	// Dimension is the fixed embedding vector length the index expects.
	Dimension int
	// Threshold is the cosine-distance cutoff for a hit. Zero uses
	// DefaultThreshold.
	Threshold float64
	// TTL is how long a stored entry survives. Zero means no expiry.
	TTL time.Duration
	// EmbeddingModel is the model id passed to Embedder.Embed.
	EmbeddingModel string
}

func (c Config) threshold() float64 {
	if c.Threshold > 0 {
		return c.Threshold
	}
	return DefaultThreshold
}

// Cache is the semantic cache. Safe for concurrent use once EnsureIndex has
// run — all entry state lives in Redis; the client and config are set once
// at construction, and indexEnsured is written (without a lock) only by
// EnsureIndex.
type Cache struct {
	client   *redis.Client
	embedder Embedder
	cfg      Config
	log      *slog.Logger

	indexEnsured bool
}

// New constructs a Cache. It does not create the Redis index — call
// EnsureIndex once at boot.
func New(client *redis.Client, embedder Embedder, cfg Config, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{client: client, embedder: embedder, cfg: cfg, log: log}
}

// EnsureIndex creates the RediSearch index idempotently. "Index already
// exists" is a normal, silently tolerated outcome, not an error.
func (c *Cache) EnsureIndex(ctx context.Context) error {
	args := []interface{}{
		"FT.CREATE", indexName,
		"ON", "JSON",
		"PREFIX", "1", keyPrefix,
		"SCHEMA",
		"$.embedding", "AS", vectorAttr, "VECTOR", "HNSW", "6",
		"TYPE", "FLOAT32",
		"DIM", c.cfg.Dimension,
		"DISTANCE_METRIC", "COSINE",
		"$.model", "AS", "model", "TAG",
		"$.query", "AS", "query", "TEXT",
	}

	err := c.client.Do(ctx, args...).Err()
	if err != nil && !isIndexExistsErr(err) {
		return fmt.Errorf("semcache: FT.CREATE: %w", err)
	}
	c.indexEnsured = true
	return nil
}

func isIndexExistsErr(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "index already exists")
}

// Store embeds query, validates the embedding dimension, and writes the
// entry as a JSON document with the configured TTL. Errors from Redis are
// logged and swallowed — a failed cache write must never fail the request
// that produced the response being cached.
func (c *Cache) Store(ctx context.Context, query, model, response string) {
	if c.cfg.Dimension <= 0 {
		return
	}

	qctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	emb, err := c.embed(qctx, query)
	if err != nil {
		c.log.WarnContext(ctx, "semcache_embed_error", slog.String("error", err.Error()))
		return
	}
	if len(emb) != c.cfg.Dimension {
		c.log.WarnContext(ctx, "semcache_embedding_dimension_mismatch",
			slog.Int("got", len(emb)), slog.Int("want", c.cfg.Dimension))
		return
	}

	entry := Entry{
		Query:     query,
		Model:     model,
		Response:  response,
		Embedding: emb,
		CreatedTs: time.Now().Unix(),
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		c.log.WarnContext(ctx, "semcache_marshal_error", slog.String("error", err.Error()))
		return
	}

	key := keyPrefix + uuid.New().String()
	if err := c.client.Do(qctx, "JSON.SET", key, "$", string(payload)).Err(); err != nil {
		c.log.WarnContext(ctx, "semcache_write_error", slog.String("error", err.Error()))
		return
	}

	if c.cfg.TTL > 0 {
		if err := c.client.Expire(qctx, key, c.cfg.TTL).Err(); err != nil {
			c.log.WarnContext(ctx, "semcache_ttl_error", slog.String("error", err.Error()))
		}
	}
}

// Lookup embeds query, runs a KNN=1 search scoped to model via a TAG
// filter, and returns a hit if the single result's cosine distance is below
// the configured threshold. Any error (embedding failure, malformed model
// name, Redis error, no results) is treated as a miss — the caller falls
// through to a live provider call.
func (c *Cache) Lookup(ctx context.Context, query, model string) Lookup {
	if c.cfg.Dimension <= 0 {
		return Lookup{}
	}
	if !allowedModelName.MatchString(model) {
		c.log.WarnContext(ctx, "semcache_model_name_rejected", slog.String("model", model))
		return Lookup{}
	}

	qctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	emb, err := c.embed(qctx, query)
	if err != nil {
		c.log.WarnContext(ctx, "semcache_embed_error", slog.String("error", err.Error()))
		return Lookup{}
	}
	if len(emb) != c.cfg.Dimension {
		return Lookup{}
	}

	blob := encodeFloat32Blob(emb)
	queryStr := fmt.Sprintf("(@model:{%s})=>[KNN 1 @%s $blob AS score]", model, vectorAttr)

	res, err := c.client.Do(qctx,
		"FT.SEARCH", indexName, queryStr,
		"PARAMS", "2", "blob", blob,
		"SORTBY", "score",
		"DIALECT", "2",
	).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.WarnContext(ctx, "semcache_search_error", slog.String("error", err.Error()))
		}
		return Lookup{}
	}

	response, score, ok := parseSearchResult(res)
	if !ok {
		return Lookup{}
	}
	if score >= c.cfg.threshold() {
		return Lookup{}
	}
	return Lookup{Hit: true, Response: response, Score: score}
}

func (c *Cache) embed(ctx context.Context, query string) ([]float32, error) {
	resp, err := c.embedder.Embed(ctx, &providers.EmbeddingRequest{
		Input: []string{query},
		Model: c.cfg.EmbeddingModel,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("semcache: embedding provider returned no data")
	}
	return resp.Data[0].Embedding, nil
}

// encodeFloat32Blob packs a []float32 into the little-endian byte blob
// RediSearch's vector field expects for $blob query params.
func encodeFloat32Blob(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// parseSearchResult extracts the response text and score from one
// FT.SEARCH RESP2 reply shaped as [count, docId, [field, value, field,
// value, ...], ...]. Returns ok=false if the shape doesn't match or zero
// documents were returned.
func parseSearchResult(res interface{}) (response string, score float64, ok bool) {
	rows, isSlice := res.([]interface{})
	if !isSlice || len(rows) < 3 {
		return "", 0, false
	}

	count, _ := toInt64(rows[0])
	if count == 0 {
		return "", 0, false
	}

	fields, isSlice := rows[2].([]interface{})
	if !isSlice {
		return "", 0, false
	}

	var doc Entry
	var scoreStr string
	for i := 0; i+1 < len(fields); i += 2 {
		key, _ := fields[i].(string)
		switch key {
		case "score":
			scoreStr, _ = fields[i+1].(string)
		case "$":
			raw, _ := fields[i+1].(string)
			_ = json.Unmarshal([]byte(raw), &doc)
		}
	}

	if scoreStr == "" {
		return "", 0, false
	}
	var parsedScore float64
	if _, err := fmt.Sscanf(scoreStr, "%f", &parsedScore); err != nil {
		return "", 0, false
	}

	return doc.Response, parsedScore, true
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}
