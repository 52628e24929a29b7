package negotiation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/damocles-platform/settlementd/internal/domain"
	"github.com/damocles-platform/settlementd/internal/leverage"
	"github.com/damocles-platform/settlementd/internal/lifecycle"
	"github.com/damocles-platform/settlementd/internal/proposal"
)

// Recommended next steps attached to proposals.
const (
	ActionAcceptSettlement = "accept_settlement"
	ActionNegotiate        = "negotiate_settlement"
	ActionGatherEvidence   = "gather_more_evidence"
)

// Orchestrator coordinates the settlement flow end to end: scoring,
// proposal, counter-offer negotiation, and the terminal decisions.
type Orchestrator struct {
	repo      domain.Repository
	leverages *leverage.Service
	generator *proposal.Generator
	machine   *lifecycle.Machine
	engine    *Engine
	bus       domain.EventBus
	policy    domain.PolicyConfig
	logger    *slog.Logger
}

// NewOrchestrator wires the negotiation orchestrator.
func NewOrchestrator(
	repo domain.Repository,
	leverages *leverage.Service,
	generator *proposal.Generator,
	machine *lifecycle.Machine,
	engine *Engine,
	bus domain.EventBus,
	policy domain.PolicyConfig,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		repo:      repo,
		leverages: leverages,
		generator: generator,
		machine:   machine,
		engine:    engine,
		bus:       bus,
		policy:    policy,
		logger:    logger,
	}
}

// Propose analyzes the debt, generates terms, and persists a new
// settlement in the proposed state. At most one non-terminal settlement
// may exist per (debtor, debt); a second attempt surfaces the
// repository's conflict error unchanged.
func (o *Orchestrator) Propose(ctx context.Context, req *domain.CreateSettlementRequest) (*domain.SettlementProposal, error) {
	if req.DebtorID == "" {
		return nil, domain.NewValidationError("debtor_id", "required")
	}
	if req.DebtID == "" {
		return nil, domain.NewValidationError("debt_id", "required")
	}

	debt, err := o.repo.GetDebt(ctx, req.DebtID)
	if err != nil {
		return nil, fmt.Errorf("loading debt %s: %w", req.DebtID, err)
	}
	if debt.DebtorID != req.DebtorID {
		return nil, domain.NewValidationError("debtor_id", "debt belongs to a different debtor")
	}

	var analysis *domain.LeverageAnalysis
	if len(req.ViolationIDs) > 0 {
		analysis, err = o.leverages.ForViolations(ctx, req.ViolationIDs)
	} else {
		analysis, err = o.leverages.ForDebt(ctx, debt.ID)
	}
	if err != nil {
		return nil, err
	}

	optimal, err := o.generator.Generate(ctx, debt, analysis)
	if err != nil {
		return nil, err
	}

	settlement := o.generator.BuildSettlement(debt, optimal, time.Now().UTC())
	if err := o.repo.CreateSettlement(ctx, settlement); err != nil {
		return nil, err
	}

	o.logger.Info("settlement proposed",
		"settlement_id", settlement.ID,
		"debt_id", debt.ID,
		"amount", settlement.SettledAmount,
		"leverage_score", analysis.Score,
		"tier", analysis.Tier,
		"ai_informed", optimal.AIInformed)

	o.publish(ctx, domain.TopicSettlementProposed, settlement)

	return &domain.SettlementProposal{
		Settlement:        settlement,
		LeverageAnalysis:  analysis,
		Optimal:           optimal,
		RecommendedAction: recommendedAction(analysis.Tier),
		ConfidenceScore:   optimal.Confidence,
	}, nil
}

// Accept moves a settlement to accepted and announces it. Execution is
// picked up asynchronously by the worker listening on the accepted topic.
func (o *Orchestrator) Accept(ctx context.Context, id string) (*domain.Settlement, error) {
	s, err := o.machine.Accept(ctx, id)
	if err != nil {
		return nil, err
	}
	o.publish(ctx, domain.TopicSettlementAccepted, s)
	return s, nil
}

// Reject terminally rejects a settlement.
func (o *Orchestrator) Reject(ctx context.Context, id string) (*domain.Settlement, error) {
	s, err := o.machine.Reject(ctx, id)
	if err != nil {
		return nil, err
	}
	o.publish(ctx, domain.TopicSettlementRejected, s)
	return s, nil
}

// CounterResult pairs the engine's evaluation with the settlement state
// it produced.
type CounterResult struct {
	Settlement *domain.Settlement `json:"settlement"`
	Evaluation *Evaluation        `json:"evaluation"`
}

// Counter processes a creditor counter-offer: records the round, grades
// the offer, and applies the engine's verdict (accept, counter, final
// offer, or escalate-to-rejection).
func (o *Orchestrator) Counter(ctx context.Context, settlementID string, req *domain.CounterOfferRequest) (*CounterResult, error) {
	if !req.Amount.IsPositive() {
		return nil, domain.NewValidationError("amount", "must be positive")
	}

	s, err := o.repo.GetSettlement(ctx, settlementID)
	if err != nil {
		return nil, err
	}
	if s.Status.Terminal() || s.Status == domain.StatusAccepted {
		return nil, &domain.InvalidTransitionError{SettlementID: settlementID, From: s.Status, Event: lifecycle.EventCounter}
	}
	if req.Amount.GreaterThan(s.OriginalAmount) {
		return nil, domain.NewValidationError("amount", "exceeds the original debt amount")
	}

	debt, err := o.repo.GetDebt(ctx, s.DebtID)
	if err != nil {
		return nil, fmt.Errorf("loading debt %s: %w", s.DebtID, err)
	}
	analysis, err := o.leverages.ForDebt(ctx, debt.ID)
	if err != nil {
		return nil, err
	}
	history, err := o.repo.ListNegotiationRounds(ctx, settlementID)
	if err != nil {
		return nil, fmt.Errorf("loading negotiation history: %w", err)
	}

	spread := o.generator.Spread(debt, analysis)
	daysElapsed := int(time.Since(s.ProposedAt).Hours() / 24)
	eval := o.engine.Evaluate(req.Amount, spread, s.OriginalAmount, history, daysElapsed)

	party := req.Party
	if party == "" {
		party = "creditor"
	}
	if err := o.recordRound(ctx, settlementID, eval.Round, party, req.Amount, string(eval.Action), "", eval.Rationale); err != nil {
		return nil, err
	}

	updated, err := o.applyVerdict(ctx, s, eval)
	if err != nil {
		return nil, err
	}

	o.logger.Info("counter-offer evaluated",
		"settlement_id", settlementID,
		"round", eval.Round,
		"quality", eval.Quality,
		"action", eval.Action)

	return &CounterResult{Settlement: updated, Evaluation: eval}, nil
}

// AutoNegotiate handles pre-authorized automated triggers. Manual
// requests stop at the proposed state; automated triggers with strong
// enough leverage are accepted in the same call.
func (o *Orchestrator) AutoNegotiate(ctx context.Context, req *domain.AutoNegotiateRequest) (*domain.SettlementProposal, error) {
	switch req.Trigger {
	case domain.TriggerManual, domain.TriggerComplianceProtocol, domain.TriggerAIRecommendation:
	default:
		return nil, domain.NewValidationError("trigger", fmt.Sprintf("unknown trigger %q", req.Trigger))
	}

	if req.Trigger == domain.TriggerComplianceProtocol && req.CreditorID != "" {
		// A compliance signal means the creditor's violation set just
		// changed, so the cached aggregate is stale.
		o.leverages.Invalidate(ctx, req.CreditorID)
	}

	prop, err := o.Propose(ctx, &domain.CreateSettlementRequest{
		DebtorID:   req.DebtorID,
		CreditorID: req.CreditorID,
		DebtID:     req.DebtID,
	})
	if err != nil {
		return nil, err
	}

	if req.Trigger.AutoAcceptEligible() && prop.LeverageAnalysis.Tier.AtLeast(o.policy.AutoAcceptTier) {
		accepted, err := o.Accept(ctx, prop.Settlement.ID)
		if err != nil {
			// Proposal stands even if the auto-accept lost a race.
			o.logger.Warn("auto-accept failed", "settlement_id", prop.Settlement.ID, "error", err)
			return prop, nil
		}
		prop.Settlement = accepted
		o.logger.Info("settlement auto-accepted",
			"settlement_id", accepted.ID,
			"trigger", req.Trigger,
			"tier", prop.LeverageAnalysis.Tier)
	}

	return prop, nil
}

// applyVerdict carries out the engine's decision on the settlement.
func (o *Orchestrator) applyVerdict(ctx context.Context, s *domain.Settlement, eval *Evaluation) (*domain.Settlement, error) {
	switch eval.Action {
	case ActionAccept:
		next := o.withAmount(s, eval.CounterOffer)
		updated, err := o.machine.RecordCounter(ctx, next)
		if err != nil {
			return nil, err
		}
		accepted, err := o.machine.Accept(ctx, updated.ID)
		if err != nil {
			return nil, err
		}
		o.publish(ctx, domain.TopicSettlementAccepted, accepted)
		return accepted, nil

	case ActionCounter, ActionFinalOffer:
		next := o.withAmount(s, eval.Response.Amount)
		updated, err := o.machine.RecordCounter(ctx, next)
		if err != nil {
			return nil, err
		}
		if err := o.recordRound(ctx, s.ID, eval.Round, "debtor",
			eval.Response.Amount, string(eval.Action), eval.Response.Strategy, eval.Response.Message); err != nil {
			return nil, err
		}
		return updated, nil

	case ActionEscalate:
		rejected, err := o.machine.Reject(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		o.publish(ctx, domain.TopicSettlementRejected, rejected)
		return rejected, nil

	default:
		return nil, fmt.Errorf("unhandled negotiation action %q", eval.Action)
	}
}

// withAmount returns a copy of s re-priced at amount, keeping the
// monetary invariant intact and the fee derived from the saved amount.
func (o *Orchestrator) withAmount(s *domain.Settlement, amount decimal.Decimal) *domain.Settlement {
	next := *s
	next.SettledAmount = amount
	next.SavedAmount = s.OriginalAmount.Sub(amount)
	next.PlatformFee = next.SavedAmount.Mul(o.policy.PlatformFeeRate).Round(2)
	return &next
}

func (o *Orchestrator) recordRound(ctx context.Context, settlementID string, round int, party string, amount decimal.Decimal, action, strategy, rationale string) error {
	r := &domain.NegotiationRound{
		ID:           uuid.New().String(),
		SettlementID: settlementID,
		Round:        round,
		Party:        party,
		Amount:       amount,
		Action:       action,
		Strategy:     strategy,
		Rationale:    rationale,
		CreatedAt:    time.Now().UTC(),
	}
	if err := o.repo.SaveNegotiationRound(ctx, r); err != nil {
		return fmt.Errorf("recording negotiation round: %w", err)
	}
	return nil
}

// publish emits a settlement event; bus failures are logged, never
// propagated into the caller's flow.
func (o *Orchestrator) publish(ctx context.Context, topic string, s *domain.Settlement) {
	if o.bus == nil {
		return
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := o.bus.Publish(ctx, topic, payload); err != nil {
		o.logger.Warn("failed to publish settlement event", "topic", topic, "settlement_id", s.ID, "error", err)
	}
}

func recommendedAction(tier domain.Tier) string {
	switch {
	case tier.AtLeast(domain.TierStrong):
		return ActionAcceptSettlement
	case tier == domain.TierModerate:
		return ActionNegotiate
	default:
		return ActionGatherEvidence
	}
}
