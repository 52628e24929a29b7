// Package chain implements the blockchain network collaborator over the
// node gateway's HTTP API.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/damocles-platform/settlementd/internal/domain"
)

// Client talks to the settlement contract through a node gateway.
type Client struct {
	cfg  domain.ChainConfig
	http *http.Client
}

// NewClient creates a chain client. Returns nil when no gateway URL is
// configured.
func NewClient(cfg domain.ChainConfig) *Client {
	if cfg.BaseURL == "" {
		return nil
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{},
	}
}

type submitRequest struct {
	Terms   *domain.SettlementTerms `json:"terms"`
	Network string                  `json:"network"`
}

type submitResponse struct {
	TxHash          string `json:"txHash"`
	ContractAddress string `json:"contractAddress"`
}

type statusResponse struct {
	Status        string `json:"status"`
	Confirmations int    `json:"confirmations"`
}

// Submit funds the settlement on-chain. The settlement ID doubles as
// the idempotency key so a resubmission of the same terms returns the
// original transaction.
func (c *Client) Submit(ctx context.Context, terms *domain.SettlementTerms) (*domain.TxHandle, error) {
	body, err := json.Marshal(submitRequest{Terms: terms, Network: c.cfg.Network})
	if err != nil {
		return nil, fmt.Errorf("encoding submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/transactions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building submission request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", terms.SettlementID)
	if c.cfg.ProjectID != "" {
		req.Header.Set("X-Project-Id", c.cfg.ProjectID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, &domain.CollaboratorTimeoutError{Collaborator: "chain", Budget: c.cfg.SubmitTimeout, Err: err}
		}
		return nil, fmt.Errorf("submitting transaction: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("node gateway returned %d: %s", resp.StatusCode, data)
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding submission response: %w", err)
	}
	if out.TxHash == "" {
		return nil, fmt.Errorf("node gateway returned empty transaction hash")
	}

	return &domain.TxHandle{Hash: out.TxHash, ContractAddress: out.ContractAddress}, nil
}

// ConfirmationStatus reports the current confirmation state of a
// transaction. Unknown gateway states map to pending so the poll loop
// keeps waiting rather than failing spuriously.
func (c *Client) ConfirmationStatus(ctx context.Context, handle *domain.TxHandle) (domain.TxStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/transactions/"+handle.Hash, nil)
	if err != nil {
		return "", fmt.Errorf("building status request: %w", err)
	}
	if c.cfg.ProjectID != "" {
		req.Header.Set("X-Project-Id", c.cfg.ProjectID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("querying transaction status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("node gateway returned %d: %s", resp.StatusCode, data)
	}

	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding status response: %w", err)
	}

	switch out.Status {
	case "confirmed":
		return domain.TxConfirmed, nil
	case "failed", "reverted":
		return domain.TxFailed, nil
	default:
		return domain.TxPending, nil
	}
}
