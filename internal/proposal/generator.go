// Package proposal turns a leverage analysis into concrete settlement
// terms, preferring AI recommendations but never depending on them.
package proposal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/damocles-platform/settlementd/internal/domain"
)

const (
	aiConfidenceCeiling = 1.0
	fallbackConfidence  = 0.6
	retryBaseBackoff    = 500 * time.Millisecond
)

// Generator produces settlement proposals. The AI recommender is
// optional; without one every proposal uses the deterministic path.
type Generator struct {
	recommender domain.Recommender
	policy      domain.PolicyConfig
	aiCfg       domain.AIConfig
	logger      *slog.Logger
}

// NewGenerator creates a proposal generator.
func NewGenerator(recommender domain.Recommender, policy domain.PolicyConfig, aiCfg domain.AIConfig, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		recommender: recommender,
		policy:      policy,
		aiCfg:       aiCfg,
		logger:      logger,
	}
}

// Generate computes the optimal settlement for a debt under the given
// leverage analysis. AI failure or timeout degrades to the deterministic
// tier-scaled formula; it never fails the proposal.
func (g *Generator) Generate(ctx context.Context, debt *domain.Debt, analysis *domain.LeverageAnalysis) (*domain.OptimalSettlement, error) {
	if debt == nil || analysis == nil {
		return nil, domain.NewValidationError("debt", "debt and leverage analysis are required")
	}
	principal := debt.PrincipalAmount
	if !principal.IsPositive() {
		return nil, domain.NewValidationError("principal_amount", "must be positive")
	}

	floor := principal.Mul(decimal.NewFromFloat(g.policy.SettlementFloorRatio)).Round(2)
	spread := g.offerSpread(principal, floor, analysis.Score)

	optimal := &domain.OptimalSettlement{
		Amount:     spread.Recommended,
		Confidence: fallbackConfidence,
		Spread:     spread,
		Reasoning: []string{
			fmt.Sprintf("leverage score %.1f (%s tier) supports a %.0f%% reduction",
				analysis.Score, analysis.Tier, analysis.EstimatedReductionPct),
		},
	}

	if g.recommender != nil {
		rec, err := g.recommend(ctx, debt, analysis)
		if err != nil {
			g.logger.Warn("AI recommendation unavailable, using deterministic terms",
				"debt_id", debt.ID, "error", err)
		} else {
			g.applyRecommendation(optimal, rec, floor, principal)
		}
	}

	reduction := principal.Sub(optimal.Amount)
	if principal.IsPositive() {
		pct, _ := reduction.Div(principal).Mul(decimal.NewFromInt(100)).Float64()
		optimal.ReductionPct = pct
	}

	return optimal, nil
}

// BuildSettlement materializes a persistable settlement from the optimal
// terms. The platform fee is computed here, once, from the saved amount.
func (g *Generator) BuildSettlement(debt *domain.Debt, optimal *domain.OptimalSettlement, now time.Time) *domain.Settlement {
	settled := optimal.Amount
	saved := debt.PrincipalAmount.Sub(settled)
	fee := saved.Mul(g.policy.PlatformFeeRate).Round(2)

	return &domain.Settlement{
		ID:             uuid.New().String(),
		DebtorID:       debt.DebtorID,
		CreditorID:     debt.CreditorID,
		DebtID:         debt.ID,
		OriginalAmount: debt.PrincipalAmount,
		SettledAmount:  settled,
		SavedAmount:    saved,
		PlatformFee:    fee,
		Status:         domain.StatusProposed,
		ProposedAt:     now,
	}
}

// Spread returns the deterministic offer ladder for a debt under the
// given analysis, independent of any AI recommendation. Used during
// negotiation so counter-offers are graded against stable rungs.
func (g *Generator) Spread(debt *domain.Debt, analysis *domain.LeverageAnalysis) domain.OfferSpread {
	floor := debt.PrincipalAmount.Mul(decimal.NewFromFloat(g.policy.SettlementFloorRatio)).Round(2)
	return g.offerSpread(debt.PrincipalAmount, floor, analysis.Score)
}

// recommend calls the AI collaborator under its timeout and retry
// budget. Context cancellation is not retried.
func (g *Generator) recommend(ctx context.Context, debt *domain.Debt, analysis *domain.LeverageAnalysis) (*domain.Recommendation, error) {
	backoff := retry.WithMaxRetries(uint64(g.aiCfg.MaxRetries), retry.NewExponential(retryBaseBackoff))

	var rec *domain.Recommendation
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		callCtx := ctx
		if g.aiCfg.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.aiCfg.CallTimeout)
			defer cancel()
		}

		got, err := g.recommender.Recommend(callCtx, debt, analysis)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			return retry.RetryableError(err)
		}
		rec = got
		return nil
	})
	if err != nil {
		var timeoutErr *domain.CollaboratorTimeoutError
		if errors.As(err, &timeoutErr) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("AI recommendation: %w", err)
	}
	return rec, nil
}

// applyRecommendation folds an AI recommendation into the optimal terms,
// clamping the amount into [floor, principal].
func (g *Generator) applyRecommendation(optimal *domain.OptimalSettlement, rec *domain.Recommendation, floor, principal decimal.Decimal) {
	amount := rec.Amount.Round(2)
	clamped := false

	if amount.LessThan(floor) {
		amount = floor
		clamped = true
	}
	if amount.GreaterThan(principal) {
		amount = principal
		clamped = true
	}

	confidence := rec.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > aiConfidenceCeiling {
		confidence = aiConfidenceCeiling
	}

	optimal.Amount = amount
	optimal.Confidence = confidence
	optimal.AIInformed = true
	optimal.Reasoning = append(optimal.Reasoning, rec.Reasoning...)
	if clamped {
		optimal.Reasoning = append(optimal.Reasoning, "fallback-adjusted: AI amount clamped to policy bounds")
		if optimal.Confidence > fallbackConfidence {
			optimal.Confidence = fallbackConfidence
		}
	}

	// The recommended rung of the spread tracks the final amount.
	optimal.Spread.Recommended = amount
	optimal.Spread = orderSpread(optimal.Spread)
}

// offerSpread builds the three-scenario ladder. The aggressive offer
// anchors low, the conservative offer is the negotiation ceiling.
func (g *Generator) offerSpread(principal, floor decimal.Decimal, score float64) domain.OfferSpread {
	// Recommended reduction scales 70-90% with leverage.
	recommendedFactor := 0.70 + score/100*0.20
	recommended := principal.Mul(decimal.NewFromFloat(1 - recommendedFactor)).Round(2)

	// Aggressive reduction scales 90-97%.
	aggressiveBonus := score / 200
	if aggressiveBonus > 0.07 {
		aggressiveBonus = 0.07
	}
	aggressive := principal.Mul(decimal.NewFromFloat(1 - (0.90 + aggressiveBonus))).Round(2)

	// Conservative holds at a 60% reduction for high acceptance odds.
	conservative := principal.Mul(decimal.NewFromFloat(0.40)).Round(2)

	clampUp := func(d decimal.Decimal) decimal.Decimal {
		if d.LessThan(floor) {
			return floor
		}
		return d
	}

	return orderSpread(domain.OfferSpread{
		Aggressive:   clampUp(aggressive),
		Recommended:  clampUp(recommended),
		Conservative: clampUp(conservative),
	})
}

// orderSpread enforces aggressive <= recommended <= conservative.
func orderSpread(s domain.OfferSpread) domain.OfferSpread {
	if s.Aggressive.GreaterThan(s.Recommended) {
		s.Aggressive = s.Recommended
	}
	if s.Conservative.LessThan(s.Recommended) {
		s.Conservative = s.Recommended
	}
	return s
}
