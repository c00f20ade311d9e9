// Package scorer grades extracted page signals through an external scoring
// service.
package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/webaudit/sitescan/internal/scan"
)

// Config holds the remote scoring service settings.
type Config struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// Scorer implements scan.Scorer against an HTTP scoring service.
// Service unavailability and malformed responses surface as ordinary
// errors so callers retry them; client-side request errors are fatal.
type Scorer struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New builds a Scorer.
func New(cfg Config, logger *zap.Logger) *Scorer {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scorer{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// ScorePage implements scan.Scorer.
func (s *Scorer) ScorePage(ctx context.Context, signals scan.PageSignals) (scan.Assessment, error) {
	if s.cfg.Endpoint == "" {
		return scan.Assessment{}, scan.Fatal(fmt.Errorf("scorer endpoint not configured"))
	}

	body, err := json.Marshal(signals)
	if err != nil {
		return scan.Assessment{}, scan.Fatal(fmt.Errorf("marshal signals: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return scan.Assessment{}, scan.Fatal(fmt.Errorf("new score request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return scan.Assessment{}, fmt.Errorf("score request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return scan.Assessment{}, fmt.Errorf("read score response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= http.StatusInternalServerError ||
		resp.StatusCode == http.StatusTooManyRequests:
		return scan.Assessment{}, fmt.Errorf("score service unavailable: %d", resp.StatusCode)
	default:
		return scan.Assessment{}, scan.Fatal(fmt.Errorf("score service rejected request: %d", resp.StatusCode))
	}

	var assessment scan.Assessment
	if err := json.Unmarshal(payload, &assessment); err != nil {
		return scan.Assessment{}, fmt.Errorf("decode score response: %w", err)
	}
	clamp(&assessment)

	s.logger.Debug("page scored",
		zap.String("url", signals.URL),
		zap.Int("overall", assessment.Overall),
		zap.Int("findings", len(assessment.Findings)),
	)
	return assessment, nil
}

func clamp(a *scan.Assessment) {
	for _, p := range []*int{&a.Overall, &a.SEO, &a.Accessibility, &a.Performance} {
		if *p < 0 {
			*p = 0
		}
		if *p > 100 {
			*p = 100
		}
	}
}
