package domain

import (
	"github.com/shopspring/decimal"
)

// Tier is the ordered qualitative legal-strength bucket derived from the
// leverage score: weak < moderate < strong < very_strong.
type Tier string

const (
	TierWeak       Tier = "weak"
	TierModerate   Tier = "moderate"
	TierStrong     Tier = "strong"
	TierVeryStrong Tier = "very_strong"
)

var tierRank = map[Tier]int{
	TierWeak:       0,
	TierModerate:   1,
	TierStrong:     2,
	TierVeryStrong: 3,
}

// Rank returns the position of t in the tier order. Unknown tiers rank
// below weak.
func (t Tier) Rank() int {
	r, ok := tierRank[t]
	if !ok {
		return -1
	}
	return r
}

// AtLeast reports whether t is equal to or stronger than other.
func (t Tier) AtLeast(other Tier) bool {
	return t.Rank() >= other.Rank()
}

// KeyViolation is one of the violations contributing most to the score.
type KeyViolation struct {
	ViolationID    string          `json:"violationId"`
	Type           string          `json:"type"`
	Severity       Severity        `json:"severity"`
	Damage         decimal.Decimal `json:"damage"`
	LegalReference string          `json:"legalReference,omitempty"`
}

// LeverageAnalysis is the derived negotiating-strength assessment for a
// set of violations against a debt. Deterministic: identical inputs
// always produce an identical analysis.
type LeverageAnalysis struct {
	ViolationCount        int            `json:"violationCount"`
	Score                 float64        `json:"score"` // 0-100, monotone in severity/count
	Tier                  Tier           `json:"tier"`
	EstimatedReductionPct float64        `json:"estimatedReductionPct"`
	KeyViolations         []KeyViolation `json:"keyViolations"`

	// Score components, kept for auditability.
	TotalDamages decimal.Decimal `json:"totalDamages"`
	CreditorRisk float64         `json:"creditorRisk"` // 0-100
}

// OfferSpread is the three-scenario settlement ladder: the aggressive
// offer anchors low, the recommended offer is the proposal amount, the
// conservative offer is the ceiling during negotiation.
type OfferSpread struct {
	Aggressive   decimal.Decimal `json:"aggressive"`
	Recommended  decimal.Decimal `json:"recommended"`
	Conservative decimal.Decimal `json:"conservative"`
}

// OptimalSettlement is the engine's recommended settlement.
type OptimalSettlement struct {
	Amount       decimal.Decimal `json:"amount"`
	ReductionPct float64         `json:"reductionPct"`
	Confidence   float64         `json:"confidence"` // in [0,1]
	Reasoning    []string        `json:"reasoning"`
	Spread       OfferSpread     `json:"spread"`
	AIInformed   bool            `json:"aiInformed"`
}

// Recommendation is what the AI collaborator returns for a debt and its
// leverage analysis.
type Recommendation struct {
	Amount     decimal.Decimal `json:"amount"`
	Reasoning  []string        `json:"reasoning"`
	Confidence float64         `json:"confidence"`
}
