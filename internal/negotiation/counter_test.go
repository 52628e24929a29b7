package negotiation

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/damocles-platform/settlementd/internal/domain"
)

func testSpread() domain.OfferSpread {
	return domain.OfferSpread{
		Aggressive:   decimal.NewFromInt(1000),
		Recommended:  decimal.NewFromInt(2000),
		Conservative: decimal.NewFromInt(4000),
	}
}

func creditorRound(round int, amount int64) *domain.NegotiationRound {
	return &domain.NegotiationRound{
		Round:  round,
		Party:  "creditor",
		Amount: decimal.NewFromInt(amount),
	}
}

func TestEvaluateAutoAccept(t *testing.T) {
	e := NewEngine(domain.DefaultPolicy())

	// Within 5% of the recommended 2000.
	eval := e.Evaluate(decimal.NewFromInt(2050), testSpread(), decimal.NewFromInt(10000), nil, 0)

	if eval.Action != ActionAccept {
		t.Errorf("expected ACCEPT, got %s", eval.Action)
	}
	if eval.Round != 1 {
		t.Errorf("expected round 1, got %d", eval.Round)
	}
}

func TestEvaluateAcceptGoodOffer(t *testing.T) {
	e := NewEngine(domain.DefaultPolicy())

	// Below recommended but outside the auto-accept band: still GOOD.
	eval := e.Evaluate(decimal.NewFromInt(1500), testSpread(), decimal.NewFromInt(10000), nil, 0)

	if eval.Action != ActionAccept {
		t.Errorf("expected ACCEPT for good offer, got %s", eval.Action)
	}
	if eval.Quality != QualityGood && eval.Quality != QualityExcellent {
		t.Errorf("expected good or excellent quality, got %s", eval.Quality)
	}
}

func TestEvaluateCounterMediocreOffer(t *testing.T) {
	e := NewEngine(domain.DefaultPolicy())

	// Above conservative: MARGINAL, worth countering in round 1.
	eval := e.Evaluate(decimal.NewFromInt(4500), testSpread(), decimal.NewFromInt(10000), nil, 0)

	if eval.Action != ActionCounter {
		t.Fatalf("expected COUNTER, got %s", eval.Action)
	}
	if eval.Response == nil {
		t.Fatal("expected a response offer")
	}
	if eval.Response.Strategy != StrategyAnchorLow {
		t.Errorf("expected round-1 anchor strategy, got %s", eval.Response.Strategy)
	}

	// Bounded by the spread.
	if eval.Response.Amount.LessThan(decimal.NewFromInt(1000)) {
		t.Errorf("response below aggressive: %s", eval.Response.Amount)
	}
	if eval.Response.Amount.GreaterThan(decimal.NewFromInt(4500)) {
		t.Errorf("response above the creditor's own offer: %s", eval.Response.Amount)
	}
}

func TestEvaluateEscalateAfterThreeRounds(t *testing.T) {
	e := NewEngine(domain.DefaultPolicy())

	history := []*domain.NegotiationRound{
		creditorRound(1, 9500),
		creditorRound(2, 9200),
	}

	// Round 3, still far above conservative * 1.5.
	eval := e.Evaluate(decimal.NewFromInt(9000), testSpread(), decimal.NewFromInt(10000), history, 5)

	if eval.Action != ActionEscalate {
		t.Errorf("expected ESCALATE, got %s", eval.Action)
	}
	if !eval.EscalationFlag {
		t.Error("expected escalation flag")
	}
	if eval.Quality != QualityUnacceptable {
		t.Errorf("expected UNACCEPTABLE, got %s", eval.Quality)
	}
}

func TestEvaluateUnacceptableEarlyRoundCounters(t *testing.T) {
	e := NewEngine(domain.DefaultPolicy())

	// Round 1, unacceptable amount: counter rather than escalate.
	eval := e.Evaluate(decimal.NewFromInt(9000), testSpread(), decimal.NewFromInt(10000), nil, 0)

	if eval.Action != ActionCounter {
		t.Errorf("expected COUNTER in round 1, got %s", eval.Action)
	}
}

func TestEvaluateFinalOfferAtMaxRounds(t *testing.T) {
	e := NewEngine(domain.DefaultPolicy())

	history := []*domain.NegotiationRound{
		creditorRound(1, 9000),
		creditorRound(2, 8500),
		creditorRound(3, 8000),
		creditorRound(4, 7500),
		creditorRound(5, 7000),
	}

	// POOR but not unacceptable, so the round limit decides.
	eval := e.Evaluate(decimal.NewFromInt(5500), testSpread(), decimal.NewFromInt(10000), history, 10)

	if eval.Action != ActionFinalOffer {
		t.Fatalf("expected FINAL_OFFER, got %s", eval.Action)
	}
	if !eval.Response.Final {
		t.Error("expected final flag on the response")
	}
	if !eval.Response.Amount.Equal(decimal.NewFromInt(2000)) {
		t.Errorf("expected final offer at recommended amount, got %s", eval.Response.Amount)
	}
	if eval.Response.DeadlineDays != 3 {
		t.Errorf("expected 3-day ultimatum, got %d", eval.Response.DeadlineDays)
	}
}

func TestEvaluateTitForTat(t *testing.T) {
	e := NewEngine(domain.DefaultPolicy())

	// Creditor moved from 6000 to 5000: a 16.7% concession.
	history := []*domain.NegotiationRound{
		creditorRound(1, 6000),
	}

	eval := e.Evaluate(decimal.NewFromInt(5000), testSpread(), decimal.NewFromInt(10000), history, 2)

	if eval.Action != ActionCounter {
		t.Fatalf("expected COUNTER, got %s", eval.Action)
	}
	if eval.ConcessionPct < 16 || eval.ConcessionPct > 17 {
		t.Errorf("expected ~16.7%% concession, got %f", eval.ConcessionPct)
	}
	if eval.Response.Strategy != StrategyTitForTat {
		t.Errorf("expected tit-for-tat strategy, got %s", eval.Response.Strategy)
	}
}

func TestEvaluateResponseStaysBounded(t *testing.T) {
	e := NewEngine(domain.DefaultPolicy())
	spread := testSpread()

	offers := []int64{4200, 4800, 5500, 7000, 9999}
	for i, amount := range offers {
		var history []*domain.NegotiationRound
		for r := 0; r < i && r < 2; r++ {
			history = append(history, creditorRound(r+1, amount+1000))
		}

		eval := e.Evaluate(decimal.NewFromInt(amount), spread, decimal.NewFromInt(10000), history, i*2)
		if eval.Action != ActionCounter {
			continue
		}
		if eval.Response.Amount.LessThan(spread.Aggressive) {
			t.Errorf("offer %d: response %s below aggressive", amount, eval.Response.Amount)
		}
		if eval.Response.Amount.GreaterThan(spread.Conservative) {
			t.Errorf("offer %d: response %s above conservative", amount, eval.Response.Amount)
		}
	}
}

func TestTimePressureLevels(t *testing.T) {
	e := NewEngine(domain.DefaultPolicy())

	cases := []struct {
		daysElapsed int
		level       string
	}{
		{0, "LOW"},
		{4, "MEDIUM"},
		{7, "HIGH"},
		{12, "CRITICAL"},
		{20, "CRITICAL"},
	}

	for _, tc := range cases {
		if got := e.timePressure(tc.daysElapsed); got.Level != tc.level {
			t.Errorf("day %d: expected %s, got %s", tc.daysElapsed, tc.level, got.Level)
		}
	}
}

func TestGradeOffer(t *testing.T) {
	cases := []struct {
		offer   float64
		quality OfferQuality
	}{
		{1000, QualityExcellent},
		{1050, QualityExcellent},
		{1800, QualityGood},
		{3500, QualityAcceptable},
		{4500, QualityMarginal},
		{5500, QualityPoor},
		{7000, QualityUnacceptable},
	}

	for _, tc := range cases {
		quality, _ := gradeOffer(tc.offer, 1000, 2000, 4000)
		if quality != tc.quality {
			t.Errorf("offer %f: expected %s, got %s", tc.offer, tc.quality, quality)
		}
	}
}
