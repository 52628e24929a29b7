// Package negotiation drives the settlement lifecycle: proposal
// orchestration, creditor counter-offer evaluation, and automated
// negotiation triggers.
package negotiation

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/damocles-platform/settlementd/internal/domain"
)

// Action is the engine's verdict on a counter-offer.
type Action string

const (
	ActionAccept     Action = "ACCEPT"
	ActionCounter    Action = "COUNTER"
	ActionFinalOffer Action = "FINAL_OFFER"
	ActionEscalate   Action = "ESCALATE"
)

// OfferQuality grades a counter-offer against the offer spread.
type OfferQuality string

const (
	QualityExcellent    OfferQuality = "EXCELLENT"
	QualityGood         OfferQuality = "GOOD"
	QualityAcceptable   OfferQuality = "ACCEPTABLE"
	QualityMarginal     OfferQuality = "MARGINAL"
	QualityPoor         OfferQuality = "POOR"
	QualityUnacceptable OfferQuality = "UNACCEPTABLE"
)

// Negotiation strategies recorded with each response.
const (
	StrategyAnchorLow         = "ANCHOR_LOW"
	StrategyTitForTat         = "TIT_FOR_TAT"
	StrategyDeadlinePressure  = "DEADLINE_PRESSURE"
	StrategySplitDifference   = "SPLIT_DIFFERENCE"
	StrategyGradualConcession = "GRADUAL_CONCESSION"
	StrategyFinalUltimatum    = "FINAL_ULTIMATUM"
)

const (
	// autoAcceptBand accepts a counter-offer within 5% of the
	// recommended amount outright.
	autoAcceptBand = 0.05

	// escalateAfterRound is the round from which an unacceptable offer
	// triggers escalation instead of another counter.
	escalateAfterRound = 3

	// minimumConcession is the smallest good-faith move per round.
	minimumConcession = 50.0
)

// TimePressure captures how close the negotiation is to its deadline.
type TimePressure struct {
	DaysElapsed   int     `json:"daysElapsed"`
	DaysRemaining int     `json:"daysRemaining"`
	UrgencyFactor float64 `json:"urgencyFactor"`
	Level         string  `json:"level"` // LOW, MEDIUM, HIGH, CRITICAL
}

// ResponseOffer is the amount and framing of our next move.
type ResponseOffer struct {
	Amount       decimal.Decimal `json:"amount"`
	Strategy     string          `json:"strategy"`
	Final        bool            `json:"final"`
	DeadlineDays int             `json:"deadlineDays"`
	Message      string          `json:"message"`
}

// Evaluation is the full verdict on a creditor counter-offer.
type Evaluation struct {
	CounterOffer    decimal.Decimal `json:"counterOffer"`
	Quality         OfferQuality    `json:"quality"`
	QualityScore    int             `json:"qualityScore"`
	Round           int             `json:"round"`
	ConcessionPct   float64         `json:"concessionPct"` // creditor's move vs their last offer
	TimePressure    TimePressure    `json:"timePressure"`
	Action          Action          `json:"action"`
	Response        *ResponseOffer  `json:"response,omitempty"`
	Rationale       string          `json:"rationale"`
	EscalationFlag  bool            `json:"escalationFlag"`
}

// Engine evaluates counter-offers with the policy's negotiation
// parameters. Stateless; history is supplied per call.
type Engine struct {
	policy domain.PolicyConfig
}

// NewEngine creates a counter-offer engine.
func NewEngine(policy domain.PolicyConfig) *Engine {
	return &Engine{policy: policy}
}

// Evaluate grades a creditor counter-offer against the spread and
// decides the next move. history holds earlier rounds oldest-first.
func (e *Engine) Evaluate(counterOffer decimal.Decimal, spread domain.OfferSpread, originalDebt decimal.Decimal, history []*domain.NegotiationRound, daysElapsed int) *Evaluation {
	offer, _ := counterOffer.Float64()
	aggressive, _ := spread.Aggressive.Float64()
	recommended, _ := spread.Recommended.Float64()
	conservative, _ := spread.Conservative.Float64()

	quality, score := gradeOffer(offer, aggressive, recommended, conservative)
	concessionPct := creditorConcessionPct(counterOffer, history)
	pressure := e.timePressure(daysElapsed)

	// A round is one creditor exchange; our own recorded responses do
	// not advance the count.
	round := 1
	for _, r := range history {
		if r.Party == "creditor" {
			round++
		}
	}

	eval := &Evaluation{
		CounterOffer:  counterOffer,
		Quality:       quality,
		QualityScore:  score,
		Round:         round,
		ConcessionPct: concessionPct,
		TimePressure:  pressure,
	}

	// Within the auto-accept band of the recommended amount.
	if recommended > 0 {
		distance := abs(offer-recommended) / recommended
		if distance <= autoAcceptBand {
			eval.Action = ActionAccept
			eval.Rationale = fmt.Sprintf("counter-offer %s is within %.0f%% of the recommended settlement %s",
				counterOffer, autoAcceptBand*100, spread.Recommended)
			return eval
		}
	}

	if quality == QualityExcellent || quality == QualityGood {
		saved := originalDebt.Sub(counterOffer)
		eval.Action = ActionAccept
		eval.Rationale = fmt.Sprintf("counter-offer %s is %s; accepting saves %s",
			counterOffer, quality, saved)
		return eval
	}

	if quality == QualityUnacceptable && round >= escalateAfterRound {
		eval.Action = ActionEscalate
		eval.EscalationFlag = true
		eval.Rationale = fmt.Sprintf("creditor remains unreasonable after %d rounds; counter-offer %s exceeds acceptable range",
			round, counterOffer)
		return eval
	}

	if round < e.policy.MaxNegotiationRounds {
		response := e.responseOffer(offer, aggressive, recommended, conservative, round, concessionPct, pressure)
		eval.Action = ActionCounter
		eval.Response = response
		eval.Rationale = fmt.Sprintf("counter-offer %s is %s; responding with %s (%s)",
			counterOffer, quality, response.Amount, response.Strategy)
		return eval
	}

	eval.Action = ActionFinalOffer
	eval.Response = &ResponseOffer{
		Amount:       spread.Recommended,
		Strategy:     StrategyFinalUltimatum,
		Final:        true,
		DeadlineDays: 3,
		Message:      "final offer; accept within 3 days or the complaint proceeds",
	}
	eval.Rationale = fmt.Sprintf("maximum negotiation rounds (%d) reached; final offer %s",
		e.policy.MaxNegotiationRounds, spread.Recommended)
	return eval
}

// responseOffer works out our counter-counter-offer: anchor low, mirror
// the creditor's concessions, move faster near the deadline, and split
// the difference in the closing rounds. The result always stays inside
// [aggressive, conservative].
func (e *Engine) responseOffer(counterOffer, aggressive, recommended, conservative float64, round int, concessionPct float64, pressure TimePressure) *ResponseOffer {
	maxRounds := e.policy.MaxNegotiationRounds

	base := aggressive + (recommended-aggressive)*(float64(round)/float64(maxRounds))

	// Mirror 80% of the creditor's concession rate, capped at our
	// configured rate; hold at half rate when they are not moving.
	rate := e.policy.ConcessionRate * 0.5
	if concessionPct > 0 {
		rate = concessionPct / 100 * 0.8
		if rate > e.policy.ConcessionRate {
			rate = e.policy.ConcessionRate
		}
	}

	gap := counterOffer - base
	concession := gap * rate
	if concession < minimumConcession {
		concession = minimumConcession
	}
	amount := base + concession

	if pressure.Level == "HIGH" || pressure.Level == "CRITICAL" {
		amount += (recommended - amount) * 0.2
	}

	if amount < aggressive {
		amount = aggressive
	}
	if amount > conservative {
		amount = conservative
	}

	if round >= maxRounds-1 {
		amount = (amount + counterOffer) / 2
		if amount > recommended {
			amount = recommended
		}
	}

	strategy := StrategyGradualConcession
	message := "strategic concession toward a mutually acceptable settlement"
	switch {
	case round == 1:
		strategy = StrategyAnchorLow
		message = "initial counter; holding firm near our analysis"
	case concessionPct > 5:
		strategy = StrategyTitForTat
		message = fmt.Sprintf("matching the creditor's %.1f%% concession", concessionPct)
	case pressure.Level == "CRITICAL":
		strategy = StrategyDeadlinePressure
		message = "deadline approaching; final concession to close"
	case round >= maxRounds-1:
		strategy = StrategySplitDifference
		message = "closing round; splitting the difference"
	}

	deadline := pressure.DaysRemaining
	if deadline < 3 {
		deadline = 3
	}

	return &ResponseOffer{
		Amount:       decimal.NewFromFloat(amount).Round(2),
		Strategy:     strategy,
		DeadlineDays: deadline,
		Message:      message,
	}
}

// timePressure scales urgency linearly across the deadline window.
func (e *Engine) timePressure(daysElapsed int) TimePressure {
	deadline := e.policy.DeadlineDays
	remaining := deadline - daysElapsed
	if remaining < 0 {
		remaining = 0
	}

	urgency := 1.0
	if daysElapsed > 0 {
		progress := float64(daysElapsed) / float64(deadline)
		if progress > 1 {
			progress = 1
		}
		urgency = 0.9 + 0.2*progress
	}

	level := "LOW"
	switch {
	case remaining <= 3:
		level = "CRITICAL"
	case remaining <= 7:
		level = "HIGH"
	case remaining <= 10:
		level = "MEDIUM"
	}

	return TimePressure{
		DaysElapsed:   daysElapsed,
		DaysRemaining: remaining,
		UrgencyFactor: urgency,
		Level:         level,
	}
}

// gradeOffer places a counter-offer in a quality band relative to the
// three-offer spread.
func gradeOffer(offer, aggressive, recommended, conservative float64) (OfferQuality, int) {
	switch {
	case offer <= aggressive*1.05:
		return QualityExcellent, 100
	case offer <= recommended:
		return QualityGood, 80
	case offer <= conservative:
		return QualityAcceptable, 60
	case offer <= conservative*1.2:
		return QualityMarginal, 40
	case offer <= conservative*1.5:
		return QualityPoor, 20
	default:
		return QualityUnacceptable, 0
	}
}

// creditorConcessionPct measures the creditor's movement against their
// most recent offer in the history.
func creditorConcessionPct(counterOffer decimal.Decimal, history []*domain.NegotiationRound) float64 {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Party != "creditor" {
			continue
		}
		last := history[i].Amount
		if !last.IsPositive() {
			return 0
		}
		moved := last.Sub(counterOffer)
		pct, _ := moved.Div(last).Mul(decimal.NewFromInt(100)).Float64()
		if pct < 0 {
			return 0
		}
		return pct
	}
	return 0
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
