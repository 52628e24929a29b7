package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Severity classifies how serious a recorded violation is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity class.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Violation is an immutable record of a legally actionable event tied to
// a debt and creditor. Created by the upstream compliance process;
// read-only to this engine.
type Violation struct {
	ID         string `json:"id"`
	CreditorID string `json:"creditorId"`
	DebtID     string `json:"debtId,omitempty"`

	Type           string   `json:"type"`
	Severity       Severity `json:"severity"`
	Confidence     float64  `json:"confidence"` // detection confidence in [0,1]
	Evidence       string   `json:"evidence,omitempty"`
	LegalReference string   `json:"legalReference,omitempty"`

	EstimatedDamage decimal.Decimal `json:"estimatedDamage"`

	OccurredAt time.Time `json:"occurredAt"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Debt is the claim being settled. Immutable once referenced by a
// settlement proposal; amendments create a new debt version.
type Debt struct {
	ID         string `json:"id"`
	DebtorID   string `json:"debtorId"`
	CreditorID string `json:"creditorId"`
	Reference  string `json:"reference,omitempty"`

	PrincipalAmount decimal.Decimal `json:"principalAmount"`

	OriginatedAt time.Time `json:"originatedAt"`
	CreatedAt    time.Time `json:"createdAt"`
}

// CreditorProfile carries the creditor-side signals used for risk scoring.
type CreditorProfile struct {
	ID              string  `json:"id"`
	Name            string  `json:"name,omitempty"`
	Type            string  `json:"type,omitempty"` // "debt_collector", "bank", "telecom", "utility"
	TotalViolations int     `json:"totalViolations"`
	ViolationScore  float64 `json:"violationScore"` // historical score in [0,5]
}
