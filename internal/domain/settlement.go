// Package domain defines the core interfaces and types for the settlement engine.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SettlementStatus is the lifecycle state of a settlement.
type SettlementStatus string

const (
	StatusProposed    SettlementStatus = "proposed"
	StatusNegotiating SettlementStatus = "negotiating"
	StatusAccepted    SettlementStatus = "accepted"
	StatusRejected    SettlementStatus = "rejected"
	StatusCompleted   SettlementStatus = "completed"
	StatusFailed      SettlementStatus = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s SettlementStatus) Terminal() bool {
	switch s {
	case StatusRejected, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s SettlementStatus) Valid() bool {
	switch s {
	case StatusProposed, StatusNegotiating, StatusAccepted,
		StatusRejected, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Settlement is the central entity: an agreement to resolve a debt for
// less than its original amount. Monetary fields are exact decimals so
// that SettledAmount + SavedAmount == OriginalAmount holds at every state.
type Settlement struct {
	ID         string `json:"id"`
	DebtorID   string `json:"debtorId"`
	CreditorID string `json:"creditorId"`
	DebtID     string `json:"debtId"`

	OriginalAmount decimal.Decimal `json:"originalAmount"`
	SettledAmount  decimal.Decimal `json:"settledAmount"`
	SavedAmount    decimal.Decimal `json:"savedAmount"`
	PlatformFee    decimal.Decimal `json:"platformFee"`

	Status SettlementStatus `json:"status"`

	// On-chain execution artifacts. Set during execution only;
	// TransactionHash is retained on failure for audit.
	SmartContractAddress string `json:"smartContractAddress,omitempty"`
	TransactionHash      string `json:"transactionHash,omitempty"`

	ProposedAt  time.Time  `json:"proposedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// AmountsConsistent reports whether the monetary invariant holds:
// settled + saved == original, both non-negative, settled <= original.
func (s *Settlement) AmountsConsistent() bool {
	if s.SettledAmount.IsNegative() || s.SavedAmount.IsNegative() {
		return false
	}
	if s.SettledAmount.GreaterThan(s.OriginalAmount) {
		return false
	}
	return s.SettledAmount.Add(s.SavedAmount).Equal(s.OriginalAmount)
}

// SettlementProposal is the result of proposal generation: the persisted
// settlement plus the analysis that produced it.
type SettlementProposal struct {
	Settlement        *Settlement       `json:"settlement"`
	LeverageAnalysis  *LeverageAnalysis `json:"leverageAnalysis"`
	Optimal           *OptimalSettlement `json:"optimal"`
	RecommendedAction string            `json:"recommendedAction"`
	ConfidenceScore   float64           `json:"confidenceScore"`
}

// CreateSettlementRequest is the payload for POST /settlements.
type CreateSettlementRequest struct {
	DebtorID     string   `json:"debtorId"`
	CreditorID   string   `json:"creditorId"`
	DebtID       string   `json:"debtId,omitempty"`
	ViolationIDs []string `json:"violationIds,omitempty"`
}

// AcceptSettlementRequest is the payload for POST /settlements/{id}/accept.
type AcceptSettlementRequest struct {
	Signature string `json:"signature,omitempty"`
}

// NegotiationTrigger identifies what initiated an auto-negotiation.
type NegotiationTrigger string

const (
	// TriggerManual is a human-initiated negotiation. Stops at Proposed.
	TriggerManual NegotiationTrigger = "manual"

	// TriggerComplianceProtocol is a pre-authorized automated compliance
	// signal. Eligible for auto-accept when leverage is strong enough.
	TriggerComplianceProtocol NegotiationTrigger = "compliance_protocol"

	// TriggerAIRecommendation is an engine-initiated negotiation.
	// Eligible for auto-accept.
	TriggerAIRecommendation NegotiationTrigger = "ai_recommendation"
)

// AutoAcceptEligible reports whether settlements produced by this trigger
// may skip the manual accept step.
func (t NegotiationTrigger) AutoAcceptEligible() bool {
	return t == TriggerComplianceProtocol || t == TriggerAIRecommendation
}

// AutoNegotiateRequest is the payload for POST /settlements/negotiate.
type AutoNegotiateRequest struct {
	DebtorID   string             `json:"debtorId"`
	CreditorID string             `json:"creditorId"`
	DebtID     string             `json:"debtId,omitempty"`
	Trigger    NegotiationTrigger `json:"trigger"`
}

// CounterOfferRequest is the payload for POST /settlements/{id}/counter.
type CounterOfferRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Party  string          `json:"party"` // "creditor" or "debtor"
}

// NegotiationRound records one offer exchange during negotiation.
type NegotiationRound struct {
	ID           string          `json:"id"`
	SettlementID string          `json:"settlementId"`
	Round        int             `json:"round"`
	Party        string          `json:"party"`
	Amount       decimal.Decimal `json:"amount"`
	Action       string          `json:"action"`
	Strategy     string          `json:"strategy,omitempty"`
	Rationale    string          `json:"rationale,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// ExecutionResult is the outcome of on-chain settlement execution.
type ExecutionResult struct {
	SettlementID    string           `json:"settlementId"`
	TransactionHash string           `json:"transactionHash"`
	ContractAddress string           `json:"contractAddress,omitempty"`
	Status          SettlementStatus `json:"status"`
	Confirmations   int              `json:"confirmations"`
	CompletedAt     *time.Time       `json:"completedAt,omitempty"`
}
