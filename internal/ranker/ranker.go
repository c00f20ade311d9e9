// Package ranker selects the most important pages from a candidate list,
// preferring an external ranking service and falling back to a local
// heuristic when the service cannot be reached.
package ranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Config holds the remote ranking service settings.
type Config struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// Ranker implements scan.Ranker against an HTTP ranking service.
type Ranker struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New builds a Ranker. With an empty endpoint the heuristic runs for
// every request.
func New(cfg Config, logger *zap.Logger) *Ranker {
	if cfg.Timeout == 0 {
		cfg.Timeout = 20 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ranker{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type rankRequest struct {
	URLs   []string `json:"urls"`
	Target int      `json:"target"`
}

type rankResponse struct {
	URLs []string `json:"urls"`
}

// RankURLs returns up to target URLs ordered by importance. Remote failure
// is absorbed: the heuristic result is returned instead, never an error.
func (r *Ranker) RankURLs(ctx context.Context, urls []string, target int) ([]string, error) {
	if target <= 0 || len(urls) <= target {
		return append([]string(nil), urls...), nil
	}
	if r.cfg.Endpoint == "" {
		return HeuristicRank(urls, target), nil
	}

	ranked, err := r.rankRemote(ctx, urls, target)
	if err != nil {
		r.logger.Warn("remote ranking failed; using heuristic",
			zap.Int("candidates", len(urls)),
			zap.Error(err),
		)
		return HeuristicRank(urls, target), nil
	}
	return ranked, nil
}

func (r *Ranker) rankRemote(ctx context.Context, urls []string, target int) ([]string, error) {
	body, err := json.Marshal(rankRequest{URLs: urls, Target: target})
	if err != nil {
		return nil, fmt.Errorf("marshal rank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new rank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rank request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rank service returned %d", resp.StatusCode)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read rank response: %w", err)
	}
	var parsed rankResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("decode rank response: %w", err)
	}
	if len(parsed.URLs) == 0 {
		return nil, fmt.Errorf("rank service returned no urls")
	}

	// Only accept URLs we actually offered; cap at target.
	offered := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		offered[u] = struct{}{}
	}
	out := make([]string, 0, target)
	for _, u := range parsed.URLs {
		if _, ok := offered[u]; !ok {
			continue
		}
		out = append(out, u)
		if len(out) == target {
			break
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("rank service returned unknown urls")
	}
	return out, nil
}
