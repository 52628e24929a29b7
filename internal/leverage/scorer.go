// Package leverage computes negotiating-strength analyses from recorded
// violations. Scoring is pure and deterministic: the same violations,
// profile and policy always produce the same analysis.
package leverage

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/shopspring/decimal"

	"github.com/damocles-platform/settlementd/internal/domain"
)

const keyViolationLimit = 3

// Scorer derives leverage analyses under an injected policy. The
// per-violation contribution formula is either the built-in
// weight * confidence * damage, or a CEL expression from the policy.
type Scorer struct {
	policy  domain.PolicyConfig
	program cel.Program // nil when the policy has no expression
}

// creditor-type risk multipliers; regulated collectors have the most to
// lose from an escalation.
var typeMultipliers = map[string]float64{
	"debt_collector": 1.5,
	"bank":           1.3,
	"telecom":        1.2,
	"utility":        1.1,
}

// New creates a scorer, compiling the policy's contribution expression
// when one is configured.
func New(policy domain.PolicyConfig) (*Scorer, error) {
	s := &Scorer{policy: policy}

	if expr := strings.TrimSpace(policy.ContributionExpr); expr != "" {
		env, err := cel.NewEnv(
			cel.Variable("severity", cel.StringType),
			cel.Variable("confidence", cel.DoubleType),
			cel.Variable("estimated_damage", cel.DoubleType),
			cel.Variable("age_days", cel.DoubleType),
			cel.Variable("weight", cel.DoubleType),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create CEL environment: %w", err)
		}

		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("failed to compile contribution expression: %w", issues.Err())
		}
		if out := ast.OutputType(); out != cel.DoubleType && out != cel.IntType {
			return nil, fmt.Errorf("contribution expression must return int or double, got %s", out)
		}

		program, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("failed to create contribution program: %w", err)
		}
		s.program = program
	}

	return s, nil
}

// Analyze scores a set of violations against a creditor. A nil profile
// means no creditor history is known; an empty violation set yields a
// zero score and the weak tier without error.
func (s *Scorer) Analyze(violations []*domain.Violation, profile *domain.CreditorProfile, now time.Time) (*domain.LeverageAnalysis, error) {
	analysis := &domain.LeverageAnalysis{
		ViolationCount: len(violations),
		Tier:           domain.TierWeak,
		KeyViolations:  []domain.KeyViolation{},
		TotalDamages:   decimal.Zero,
	}
	if len(violations) == 0 {
		return analysis, nil
	}

	type contribution struct {
		violation *domain.Violation
		damage    decimal.Decimal
	}

	contributions := make([]contribution, 0, len(violations))
	total := decimal.Zero

	for _, v := range violations {
		adjusted, err := s.contribution(v, now)
		if err != nil {
			return nil, fmt.Errorf("scoring violation %s: %w", v.ID, err)
		}
		if adjusted.IsNegative() {
			adjusted = decimal.Zero
		}
		total = total.Add(adjusted)
		contributions = append(contributions, contribution{violation: v, damage: adjusted})
	}

	// Strongest claims first; ties broken by occurrence time then ID so
	// the ordering is stable.
	sort.Slice(contributions, func(i, j int) bool {
		if c := contributions[i].damage.Cmp(contributions[j].damage); c != 0 {
			return c > 0
		}
		if !contributions[i].violation.OccurredAt.Equal(contributions[j].violation.OccurredAt) {
			return contributions[i].violation.OccurredAt.Before(contributions[j].violation.OccurredAt)
		}
		return contributions[i].violation.ID < contributions[j].violation.ID
	})

	limit := keyViolationLimit
	if len(contributions) < limit {
		limit = len(contributions)
	}
	for _, c := range contributions[:limit] {
		analysis.KeyViolations = append(analysis.KeyViolations, domain.KeyViolation{
			ViolationID:    c.violation.ID,
			Type:           c.violation.Type,
			Severity:       c.violation.Severity,
			Damage:         c.damage,
			LegalReference: c.violation.LegalReference,
		})
	}

	risk := s.creditorRisk(profile, violations)

	// Financial component caps at 50 points via the damage normalizer;
	// the regulatory component contributes the other 50.
	damages, _ := total.Float64()
	financial := damages / s.policy.DamageNormalizer * 50
	regulatory := risk / 100 * 50
	score := financial + regulatory
	if score > 100 {
		score = 100
	}

	analysis.TotalDamages = total
	analysis.CreditorRisk = risk
	analysis.Score = score
	analysis.Tier = s.policy.TierFor(score)
	analysis.EstimatedReductionPct = 70 + score/100*20

	return analysis, nil
}

// contribution computes one violation's adjusted damage.
func (s *Scorer) contribution(v *domain.Violation, now time.Time) (decimal.Decimal, error) {
	weight := s.policy.SeverityWeight(v.Severity)

	if s.program == nil {
		return v.EstimatedDamage.
			Mul(decimal.NewFromFloat(weight)).
			Mul(decimal.NewFromFloat(v.Confidence)), nil
	}

	damage, _ := v.EstimatedDamage.Float64()
	ageDays := now.Sub(v.OccurredAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}

	out, _, err := s.program.Eval(map[string]any{
		"severity":         string(v.Severity),
		"confidence":       v.Confidence,
		"estimated_damage": damage,
		"age_days":         ageDays,
		"weight":           weight,
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("contribution expression: %w", err)
	}

	return decimal.NewFromFloat(toFloat(out)), nil
}

// creditorRisk scores the pressure on the creditor to settle, 0-100.
// Blends violation history, the current case's severity mix, and the
// historical pattern score, then applies the creditor-type multiplier.
func (s *Scorer) creditorRisk(profile *domain.CreditorProfile, violations []*domain.Violation) float64 {
	var critical, high int
	for _, v := range violations {
		switch v.Severity {
		case domain.SeverityCritical:
			critical++
		case domain.SeverityHigh:
			high++
		}
	}

	var historyRisk, patternRisk float64
	creditorType := ""
	if profile != nil {
		historyRisk = clamp01(float64(profile.TotalViolations) / 10)
		patternRisk = clamp01(profile.ViolationScore / 5)
		creditorType = profile.Type
	}
	severityRisk := clamp01(float64(critical)*0.4 + float64(high)*0.2)

	multiplier, ok := typeMultipliers[creditorType]
	if !ok {
		multiplier = 1.0
	}

	risk := (historyRisk*0.3 + severityRisk*0.4 + patternRisk*0.3) * 100 * multiplier
	if risk > 100 {
		risk = 100
	}
	return risk
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func toFloat(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0
	}
}
