package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/damocles-platform/settlementd/internal/domain"
)

func newTestRepo(t *testing.T) *SQLRepository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "settlementd-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	cfg := domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	}

	repo, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	return repo
}

func testSettlement(id string) *domain.Settlement {
	original := decimal.NewFromInt(10000)
	settled := decimal.NewFromInt(6000)
	return &domain.Settlement{
		ID:             id,
		DebtorID:       "debtor-001",
		CreditorID:     "creditor-001",
		DebtID:         "debt-001",
		OriginalAmount: original,
		SettledAmount:  settled,
		SavedAmount:    original.Sub(settled),
		PlatformFee:    decimal.NewFromInt(800),
		Status:         domain.StatusProposed,
		ProposedAt:     time.Now().UTC(),
	}
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("CreateAndGetSettlement", func(t *testing.T) {
		s := testSettlement("stl-001")
		if err := repo.CreateSettlement(ctx, s); err != nil {
			t.Fatalf("CreateSettlement failed: %v", err)
		}

		got, err := repo.GetSettlement(ctx, s.ID)
		if err != nil {
			t.Fatalf("GetSettlement failed: %v", err)
		}

		if got.Status != domain.StatusProposed {
			t.Errorf("expected status proposed, got %s", got.Status)
		}
		if !got.SettledAmount.Equal(s.SettledAmount) {
			t.Errorf("expected settled %s, got %s", s.SettledAmount, got.SettledAmount)
		}
		if !got.AmountsConsistent() {
			t.Errorf("amounts inconsistent after round-trip: %s + %s != %s",
				got.SettledAmount, got.SavedAmount, got.OriginalAmount)
		}
		if got.TransactionHash != "" {
			t.Errorf("expected empty transaction hash, got %q", got.TransactionHash)
		}
	})

	t.Run("OneActiveSettlementPerDebt", func(t *testing.T) {
		dup := testSettlement("stl-dup")
		err := repo.CreateSettlement(ctx, dup)
		if !errors.Is(err, ErrActiveSettlement) {
			t.Errorf("expected ErrActiveSettlement, got: %v", err)
		}

		// A different debt is unaffected.
		other := testSettlement("stl-002")
		other.DebtID = "debt-002"
		if err := repo.CreateSettlement(ctx, other); err != nil {
			t.Errorf("CreateSettlement for different debt failed: %v", err)
		}
	})

	t.Run("GetActiveSettlement", func(t *testing.T) {
		got, err := repo.GetActiveSettlement(ctx, "debtor-001", "debt-001")
		if err != nil {
			t.Fatalf("GetActiveSettlement failed: %v", err)
		}
		if got.ID != "stl-001" {
			t.Errorf("expected stl-001, got %s", got.ID)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := repo.GetSettlement(ctx, "missing")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})
}

func TestActiveSettlementUniqueIndex(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	s := testSettlement("stl-idx-1")
	if err := repo.CreateSettlement(ctx, s); err != nil {
		t.Fatalf("CreateSettlement failed: %v", err)
	}

	// Bypass the NOT EXISTS guard; the partial index must still reject
	// a second active row for the same (debtor, debt).
	_, err := repo.db.ExecContext(ctx, repo.rebind(`
		INSERT INTO settlements (
			id, debtor_id, creditor_id, debt_id,
			original_amount, settled_amount, saved_amount, platform_fee,
			status, proposed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		"stl-idx-2", s.DebtorID, s.CreditorID, s.DebtID,
		s.OriginalAmount.String(), s.SettledAmount.String(),
		s.SavedAmount.String(), s.PlatformFee.String(),
		string(domain.StatusProposed), time.Now().UTC(),
	)
	if err == nil {
		t.Fatal("expected unique index to reject second active settlement")
	}
	if !isUniqueViolation(err) {
		t.Fatalf("expected unique violation, got: %v", err)
	}

	// Terminal settlements sit outside the index, so a replacement
	// proposal for the same debt goes through after rejection.
	ok, err := repo.TransitionStatus(ctx, "stl-idx-1",
		[]domain.SettlementStatus{domain.StatusProposed}, domain.StatusRejected)
	if err != nil || !ok {
		t.Fatalf("reject transition failed: ok=%v err=%v", ok, err)
	}
	if err := repo.CreateSettlement(ctx, testSettlement("stl-idx-3")); err != nil {
		t.Errorf("CreateSettlement after terminal settlement failed: %v", err)
	}
}

func TestGuardedTransitions(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	s := testSettlement("stl-100")
	if err := repo.CreateSettlement(ctx, s); err != nil {
		t.Fatalf("CreateSettlement failed: %v", err)
	}

	t.Run("GuardMatches", func(t *testing.T) {
		ok, err := repo.TransitionStatus(ctx, s.ID,
			[]domain.SettlementStatus{domain.StatusProposed, domain.StatusNegotiating},
			domain.StatusAccepted)
		if err != nil {
			t.Fatalf("TransitionStatus failed: %v", err)
		}
		if !ok {
			t.Error("expected transition to apply")
		}
	})

	t.Run("GuardMisses", func(t *testing.T) {
		// Already accepted; the same guard no longer matches.
		ok, err := repo.TransitionStatus(ctx, s.ID,
			[]domain.SettlementStatus{domain.StatusProposed, domain.StatusNegotiating},
			domain.StatusAccepted)
		if err != nil {
			t.Fatalf("TransitionStatus failed: %v", err)
		}
		if ok {
			t.Error("expected transition to be rejected by guard")
		}
	})

	t.Run("CompleteRequiresHash", func(t *testing.T) {
		ok, err := repo.CompleteSettlement(ctx, s.ID, time.Now().UTC())
		if err != nil {
			t.Fatalf("CompleteSettlement failed: %v", err)
		}
		if ok {
			t.Error("expected completion to be rejected without a transaction hash")
		}
	})

	t.Run("SetTransactionHashOnce", func(t *testing.T) {
		ok, err := repo.SetTransactionHash(ctx, s.ID, "0xabc123", "addr_test1q")
		if err != nil {
			t.Fatalf("SetTransactionHash failed: %v", err)
		}
		if !ok {
			t.Fatal("expected hash to be recorded")
		}

		// A second submission must not overwrite the hash.
		ok, err = repo.SetTransactionHash(ctx, s.ID, "0xdef456", "addr_test1q")
		if err != nil {
			t.Fatalf("SetTransactionHash failed: %v", err)
		}
		if ok {
			t.Error("expected second hash write to be rejected")
		}

		got, err := repo.GetSettlement(ctx, s.ID)
		if err != nil {
			t.Fatalf("GetSettlement failed: %v", err)
		}
		if got.TransactionHash != "0xabc123" {
			t.Errorf("expected original hash retained, got %q", got.TransactionHash)
		}
	})

	t.Run("CompleteWithHash", func(t *testing.T) {
		completedAt := time.Now().UTC()
		ok, err := repo.CompleteSettlement(ctx, s.ID, completedAt)
		if err != nil {
			t.Fatalf("CompleteSettlement failed: %v", err)
		}
		if !ok {
			t.Fatal("expected completion to apply")
		}

		got, err := repo.GetSettlement(ctx, s.ID)
		if err != nil {
			t.Fatalf("GetSettlement failed: %v", err)
		}
		if got.Status != domain.StatusCompleted {
			t.Errorf("expected completed, got %s", got.Status)
		}
		if got.CompletedAt == nil {
			t.Error("expected completed_at to be set")
		}
	})
}

func TestNegotiatedAmounts(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	s := testSettlement("stl-200")
	if err := repo.CreateSettlement(ctx, s); err != nil {
		t.Fatalf("CreateSettlement failed: %v", err)
	}

	settled := decimal.NewFromInt(6500)
	saved := s.OriginalAmount.Sub(settled)
	fee := saved.Mul(decimal.NewFromFloat(0.20))

	ok, err := repo.UpdateNegotiatedAmounts(ctx, s.ID,
		[]domain.SettlementStatus{domain.StatusProposed, domain.StatusNegotiating},
		settled, saved, fee)
	if err != nil {
		t.Fatalf("UpdateNegotiatedAmounts failed: %v", err)
	}
	if !ok {
		t.Fatal("expected amounts update to apply")
	}

	got, err := repo.GetSettlement(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSettlement failed: %v", err)
	}
	if got.Status != domain.StatusNegotiating {
		t.Errorf("expected negotiating, got %s", got.Status)
	}
	if !got.SettledAmount.Equal(settled) {
		t.Errorf("expected settled %s, got %s", settled, got.SettledAmount)
	}
	if !got.AmountsConsistent() {
		t.Error("amounts inconsistent after negotiation update")
	}
}

func TestViolations(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i, sev := range []domain.Severity{domain.SeverityHigh, domain.SeverityLow, domain.SeverityCritical} {
		v := &domain.Violation{
			ID:              "vio-00" + string(rune('1'+i)),
			CreditorID:      "creditor-001",
			DebtID:          "debt-001",
			Type:            "excessive_fees",
			Severity:        sev,
			Confidence:      0.9,
			LegalReference:  "GDPR Article 82",
			EstimatedDamage: decimal.NewFromInt(int64(100 * (i + 1))),
			OccurredAt:      base.Add(time.Duration(i) * time.Hour),
		}
		if err := repo.SaveViolation(ctx, v); err != nil {
			t.Fatalf("SaveViolation failed: %v", err)
		}
	}

	t.Run("ForDebtOrdered", func(t *testing.T) {
		got, err := repo.ViolationsForDebt(ctx, "debt-001")
		if err != nil {
			t.Fatalf("ViolationsForDebt failed: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("expected 3 violations, got %d", len(got))
		}
		if !got[0].OccurredAt.Before(got[2].OccurredAt) {
			t.Error("expected violations ordered by occurrence time")
		}
	})

	t.Run("ByIDs", func(t *testing.T) {
		got, err := repo.ViolationsByIDs(ctx, []string{"vio-001", "vio-003"})
		if err != nil {
			t.Fatalf("ViolationsByIDs failed: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 violations, got %d", len(got))
		}
	})

	t.Run("RejectsUnknownSeverity", func(t *testing.T) {
		v := &domain.Violation{
			ID:              "vio-bad",
			CreditorID:      "creditor-001",
			Severity:        "catastrophic",
			EstimatedDamage: decimal.Zero,
			OccurredAt:      base,
		}
		if err := repo.SaveViolation(ctx, v); err == nil {
			t.Error("expected error for unknown severity")
		}
	})
}

func TestNegotiationRounds(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		r := &domain.NegotiationRound{
			ID:           "rnd-00" + string(rune('0'+i)),
			SettlementID: "stl-300",
			Round:        i,
			Party:        "creditor",
			Amount:       decimal.NewFromInt(int64(7000 - i*200)),
			Action:       "COUNTER",
			Strategy:     "TIT_FOR_TAT",
		}
		if err := repo.SaveNegotiationRound(ctx, r); err != nil {
			t.Fatalf("SaveNegotiationRound failed: %v", err)
		}
	}

	rounds, err := repo.ListNegotiationRounds(ctx, "stl-300")
	if err != nil {
		t.Fatalf("ListNegotiationRounds failed: %v", err)
	}
	if len(rounds) != 3 {
		t.Fatalf("expected 3 rounds, got %d", len(rounds))
	}
	for i, r := range rounds {
		if r.Round != i+1 {
			t.Errorf("expected round %d at position %d, got %d", i+1, i, r.Round)
		}
	}
}
