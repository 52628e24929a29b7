package domain

import (
	"context"
)

// Recommender is the AI recommendation collaborator. Implementations
// must respect ctx deadlines; the proposal generator treats any error as
// a signal to fall back to deterministic scoring.
type Recommender interface {
	Recommend(ctx context.Context, debt *Debt, analysis *LeverageAnalysis) (*Recommendation, error)
}

// TxStatus is the confirmation state of a submitted transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// SettlementTerms is what gets submitted on-chain to fund a settlement.
type SettlementTerms struct {
	SettlementID string `json:"settlementId"`
	DebtorID     string `json:"debtorId"`
	CreditorID   string `json:"creditorId"`
	Amount       string `json:"amount"` // decimal string
	Currency     string `json:"currency"`
}

// TxHandle identifies a submitted on-chain transaction.
type TxHandle struct {
	Hash            string `json:"hash"`
	ContractAddress string `json:"contractAddress,omitempty"`
}

// ChainClient is the blockchain network collaborator.
type ChainClient interface {
	// Submit funds the settlement on-chain and returns the transaction
	// handle. Submission is not confirmation.
	Submit(ctx context.Context, terms *SettlementTerms) (*TxHandle, error)

	// ConfirmationStatus reports the current state of a submitted
	// transaction.
	ConfirmationStatus(ctx context.Context, handle *TxHandle) (TxStatus, error)
}
