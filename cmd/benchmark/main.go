// Benchmark tool for calibrating the settlement policy against
// synthetic debt portfolios.
//
// Usage:
//   go run cmd/benchmark/main.go -cases 10000 -workers 10
//
// This tool:
//  1. Generates synthetic debts with randomized violation mixes
//  2. Runs each case through leverage scoring and proposal generation
//  3. Simulates a creditor counter-offer sequence against the engine
//  4. Reports throughput, tier distribution, and settlement outcomes
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/damocles-platform/settlementd/internal/domain"
	"github.com/damocles-platform/settlementd/internal/leverage"
	"github.com/damocles-platform/settlementd/internal/negotiation"
	"github.com/damocles-platform/settlementd/internal/proposal"
)

var severities = []domain.Severity{
	domain.SeverityLow,
	domain.SeverityMedium,
	domain.SeverityHigh,
	domain.SeverityCritical,
}

// debtCase is one synthetic portfolio entry.
type debtCase struct {
	debt       *domain.Debt
	violations []*domain.Violation
}

// metrics aggregates benchmark results.
type metrics struct {
	processed atomic.Int64
	errors    atomic.Int64

	mu          sync.Mutex
	tiers       map[domain.Tier]int64
	accepted    int64
	escalated   int64
	finalOffers int64
	reductions  float64
}

func main() {
	cases := flag.Int("cases", 10000, "Number of synthetic debt cases")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	seed := flag.Int64("seed", 42, "Random seed for case generation")
	rounds := flag.Int("rounds", 3, "Simulated creditor counter-offers per case")
	verbose := flag.Bool("verbose", false, "Print each case result")
	flag.Parse()

	fmt.Println("==============================================================")
	fmt.Println("      SETTLEMENTD BENCHMARK - Policy Calibration")
	fmt.Println("==============================================================")
	fmt.Printf("\nCases:    %d\n", *cases)
	fmt.Printf("Workers:  %d\n", *workers)
	fmt.Printf("Rounds:   %d\n", *rounds)
	fmt.Printf("Seed:     %d\n", *seed)
	fmt.Println()

	policy := domain.DefaultPolicy()
	scorer, err := leverage.New(policy)
	if err != nil {
		fmt.Printf("ERROR: failed to build scorer: %v\n", err)
		os.Exit(1)
	}
	generator := proposal.NewGenerator(nil, policy, domain.AIConfig{}, nil)
	engine := negotiation.NewEngine(policy)

	fmt.Printf("Generating %d synthetic cases...\n", *cases)
	rng := rand.New(rand.NewSource(*seed))
	portfolio := make([]debtCase, *cases)
	for i := range portfolio {
		portfolio[i] = generateCase(rng, i)
	}
	fmt.Printf("Done. Running benchmark with %d workers...\n\n", *workers)

	m := &metrics{tiers: make(map[domain.Tier]int64)}
	start := time.Now()

	caseCh := make(chan debtCase)
	var wg sync.WaitGroup
	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range caseCh {
				if err := runCase(scorer, generator, engine, c, *rounds, *verbose, m); err != nil {
					m.errors.Add(1)
					if *verbose {
						fmt.Printf("ERROR: %s -> %v\n", c.debt.ID, err)
					}
				}
				m.processed.Add(1)
			}
		}()
	}

	for _, c := range portfolio {
		caseCh <- c
	}
	close(caseCh)
	wg.Wait()

	printResults(m, time.Since(start))
}

// generateCase builds a debt with 1-8 violations of random severity.
func generateCase(rng *rand.Rand, i int) debtCase {
	debtID := fmt.Sprintf("bench-debt-%06d", i)
	principal := decimal.NewFromInt(int64(1000 + rng.Intn(50000)))

	debt := &domain.Debt{
		ID:              debtID,
		DebtorID:        fmt.Sprintf("bench-debtor-%06d", i),
		CreditorID:      fmt.Sprintf("bench-creditor-%03d", rng.Intn(50)),
		PrincipalAmount: principal,
		OriginatedAt:    time.Now().UTC().Add(-time.Duration(30+rng.Intn(700)) * 24 * time.Hour),
	}

	n := 1 + rng.Intn(8)
	violations := make([]*domain.Violation, n)
	for v := 0; v < n; v++ {
		violations[v] = &domain.Violation{
			ID:              fmt.Sprintf("%s-vio-%d", debtID, v),
			CreditorID:      debt.CreditorID,
			DebtID:          debtID,
			Type:            "excessive_fees",
			Severity:        severities[rng.Intn(len(severities))],
			Confidence:      0.5 + rng.Float64()*0.5,
			EstimatedDamage: decimal.NewFromInt(int64(50 + rng.Intn(2000))),
			OccurredAt:      time.Now().UTC().Add(-time.Duration(rng.Intn(365)) * 24 * time.Hour),
		}
	}

	return debtCase{debt: debt, violations: violations}
}

// runCase scores, proposes, and plays a stubborn creditor against the
// counter-offer engine.
func runCase(scorer *leverage.Scorer, generator *proposal.Generator, engine *negotiation.Engine, c debtCase, rounds int, verbose bool, m *metrics) error {
	ctx := context.Background()

	analysis, err := scorer.Analyze(c.violations, nil, time.Now().UTC())
	if err != nil {
		return err
	}

	optimal, err := generator.Generate(ctx, c.debt, analysis)
	if err != nil {
		return err
	}

	spread := generator.Spread(c.debt, analysis)
	principal, _ := c.debt.PrincipalAmount.Float64()

	// Creditor starts near the full principal and concedes 12% per round.
	var history []*domain.NegotiationRound
	offer := principal * 0.95
	outcome := "exhausted"
	for r := 1; r <= rounds; r++ {
		eval := engine.Evaluate(decimal.NewFromFloat(offer), spread, c.debt.PrincipalAmount, history, r*2)

		switch eval.Action {
		case negotiation.ActionAccept:
			outcome = "accepted"
		case negotiation.ActionEscalate:
			outcome = "escalated"
		case negotiation.ActionFinalOffer:
			outcome = "final_offer"
		}
		if eval.Action != negotiation.ActionCounter {
			break
		}

		history = append(history, &domain.NegotiationRound{
			SettlementID: c.debt.ID,
			Round:        eval.Round,
			Party:        "creditor",
			Amount:       decimal.NewFromFloat(offer),
			CreatedAt:    time.Now().UTC(),
		})
		offer *= 0.88
	}

	amount, _ := optimal.Amount.Float64()
	m.mu.Lock()
	m.tiers[analysis.Tier]++
	switch outcome {
	case "accepted":
		m.accepted++
	case "escalated":
		m.escalated++
	case "final_offer":
		m.finalOffers++
	}
	m.reductions += optimal.ReductionPct
	m.mu.Unlock()

	if verbose {
		fmt.Printf("%s | score %6.2f | tier %-11s | optimal $%10.2f | %s\n",
			c.debt.ID, analysis.Score, analysis.Tier, amount, outcome)
	}
	return nil
}

func printResults(m *metrics, duration time.Duration) {
	processed := m.processed.Load()

	fmt.Println("\n==============================================================")
	fmt.Println("                    BENCHMARK RESULTS")
	fmt.Println("==============================================================")

	fmt.Printf("\nTHROUGHPUT\n")
	fmt.Printf("   Cases:      %d\n", processed)
	fmt.Printf("   Errors:     %d\n", m.errors.Load())
	fmt.Printf("   Duration:   %s\n", duration.Round(time.Millisecond))
	if duration > 0 {
		fmt.Printf("   Rate:       %.0f cases/sec\n", float64(processed)/duration.Seconds())
	}

	fmt.Printf("\nTIER DISTRIBUTION\n")
	for _, tier := range []domain.Tier{domain.TierWeak, domain.TierModerate, domain.TierStrong, domain.TierVeryStrong} {
		count := m.tiers[tier]
		pct := 0.0
		if processed > 0 {
			pct = 100 * float64(count) / float64(processed)
		}
		fmt.Printf("   %-12s %8d  (%.2f%%)\n", tier, count, pct)
	}

	fmt.Printf("\nNEGOTIATION OUTCOMES\n")
	fmt.Printf("   Accepted:     %d\n", m.accepted)
	fmt.Printf("   Escalated:    %d\n", m.escalated)
	fmt.Printf("   Final offer:  %d\n", m.finalOffers)
	fmt.Printf("   Exhausted:    %d\n", processed-m.accepted-m.escalated-m.finalOffers-m.errors.Load())

	if processed > 0 {
		fmt.Printf("\nMEAN REDUCTION:  %.2f%%\n", m.reductions/float64(processed))
	}
	fmt.Println()
}
