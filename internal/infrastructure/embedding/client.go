package embedding

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/stocksage/stocksage/gateway/internal/infrastructure/upstream"
	apperrors "github.com/stocksage/stocksage/gateway/pkg/errors"
)

// Client generates embeddings via an Ollama-compatible HTTP API and caches
// vectors per text so repeated selector and ranking queries skip the wire.
// It serves both the tool selector and the search ranker.
type Client struct {
	baseURL string
	model   string
	client  *http.Client
	guard   *upstream.Guard
	cache   *vectorCache
	logger  *zap.Logger
}

// Config tunes the client. TTL and Capacity size the vector cache.
type Config struct {
	BaseURL  string
	Model    string
	TTL      time.Duration
	Capacity int
}

// embedRequest matches the /api/embed payload.
type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// embedResponse matches the /api/embed response.
type embedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
}

// NewClient builds the embedding client. guard applies the "embed" breaker
// and limiter around every upstream call.
func NewClient(cfg Config, guard *upstream.Guard, logger *zap.Logger) *Client {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 2000
	}
	return &Client{
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		client:  &http.Client{Timeout: 30 * time.Second},
		guard:   guard,
		cache:   newVectorCache(cfg.TTL, cfg.Capacity),
		logger:  logger,
	}
}

// Embed returns one vector per input text, in input order. Cached texts are
// served locally; only misses go upstream, in a single batched call.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, text := range texts {
		if vec, ok := c.cache.get(c.cacheKey(text)); ok {
			vectors[i] = vec
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return vectors, nil
	}

	var fetched [][]float32
	err := c.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		fetched, err = c.doEmbed(ctx, missing)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(fetched) != len(missing) {
		return nil, apperrors.New(apperrors.KindUpstreamDataError,
			fmt.Sprintf("embedding count mismatch: sent %d texts, got %d vectors", len(missing), len(fetched)))
	}

	for j, vec := range fetched {
		vectors[missingIdx[j]] = vec
		c.cache.put(c.cacheKey(missing[j]), vec)
	}
	return vectors, nil
}

// CacheStats reports hits and misses for the metrics surface.
func (c *Client) CacheStats() (hits, misses int64) {
	return c.cache.stats()
}

// cacheKey binds the cached vector to the model that produced it, so a
// config change to embedding.model invalidates naturally.
func (c *Client) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(c.model + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

func (c *Client) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		// One retry on network error; the embed endpoint is idempotent.
		c.logger.Warn("Embed request failed, retrying",
			zap.Error(err),
		)
		req2, rerr := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embed", bytes.NewReader(body))
		if rerr != nil {
			return nil, fmt.Errorf("create embed retry request: %w", rerr)
		}
		req2.Header.Set("Content-Type", "application/json")
		resp, err = c.client.Do(req2)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindUpstreamUnavailable, "embedding service unreachable", err)
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		sample, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, apperrors.New(apperrors.KindUpstreamUnavailable,
			fmt.Sprintf("embedding service returned status %d: %s", resp.StatusCode, string(sample)))
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, apperrors.Wrap(apperrors.KindUpstreamDataError, "decode embed response", err)
	}
	if len(parsed.Embeddings) == 0 {
		return nil, apperrors.New(apperrors.KindUpstreamDataError, "embedding service returned no vectors")
	}
	return parsed.Embeddings, nil
}
