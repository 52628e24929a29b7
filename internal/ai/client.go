// Package ai implements the AI recommendation collaborator over
// HTTP+JSON.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/damocles-platform/settlementd/internal/domain"
)

// Client calls the AI recommendation service.
type Client struct {
	baseURL string
	apiKey  string
	budget  time.Duration
	http    *http.Client
}

// NewClient creates an AI client. Returns nil when no base URL is
// configured so callers can wire the absence of a recommender directly.
func NewClient(cfg domain.AIConfig) *Client {
	if cfg.BaseURL == "" {
		return nil
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		budget:  cfg.CallTimeout,
		http:    &http.Client{Timeout: cfg.CallTimeout},
	}
}

type recommendRequest struct {
	Debt     *domain.Debt             `json:"debt"`
	Analysis *domain.LeverageAnalysis `json:"analysis"`
}

type recommendResponse struct {
	Amount     decimal.Decimal `json:"amount"`
	Reasoning  []string        `json:"reasoning"`
	Confidence float64         `json:"confidence"`
}

// Recommend asks the AI service for settlement terms. Deadline overruns
// surface as CollaboratorTimeoutError so the caller can fall back.
func (c *Client) Recommend(ctx context.Context, debt *domain.Debt, analysis *domain.LeverageAnalysis) (*domain.Recommendation, error) {
	body, err := json.Marshal(recommendRequest{Debt: debt, Analysis: analysis})
	if err != nil {
		return nil, fmt.Errorf("encoding recommendation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/settlements/recommend", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building recommendation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, &domain.CollaboratorTimeoutError{Collaborator: "ai", Budget: c.budget, Err: err}
		}
		return nil, fmt.Errorf("calling AI service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("AI service returned %d: %s", resp.StatusCode, data)
	}

	var out recommendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding recommendation: %w", err)
	}
	if !out.Amount.IsPositive() {
		return nil, fmt.Errorf("AI service returned non-positive amount %s", out.Amount)
	}

	return &domain.Recommendation{
		Amount:     out.Amount,
		Reasoning:  out.Reasoning,
		Confidence: out.Confidence,
	}, nil
}
