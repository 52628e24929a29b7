package lifecycle

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/damocles-platform/settlementd/internal/domain"
	"github.com/damocles-platform/settlementd/internal/repository"
)

func newTestMachine(t *testing.T) (*Machine, domain.Repository) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "lifecycle-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	return NewMachine(repo, nil), repo
}

func seedSettlement(t *testing.T, repo domain.Repository, id string) *domain.Settlement {
	t.Helper()

	original := decimal.NewFromInt(10000)
	settled := decimal.NewFromInt(3000)
	s := &domain.Settlement{
		ID:             id,
		DebtorID:       "debtor-" + id,
		CreditorID:     "creditor-001",
		DebtID:         "debt-" + id,
		OriginalAmount: original,
		SettledAmount:  settled,
		SavedAmount:    original.Sub(settled),
		PlatformFee:    decimal.NewFromInt(1400),
		Status:         domain.StatusProposed,
		ProposedAt:     time.Now().UTC(),
	}
	if err := repo.CreateSettlement(context.Background(), s); err != nil {
		t.Fatalf("failed to seed settlement: %v", err)
	}
	return s
}

func TestAcceptFromProposed(t *testing.T) {
	m, repo := newTestMachine(t)
	ctx := context.Background()
	s := seedSettlement(t, repo, "stl-001")

	got, err := m.Accept(ctx, s.ID)
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if got.Status != domain.StatusAccepted {
		t.Errorf("expected accepted, got %s", got.Status)
	}
}

func TestAcceptFromTerminal(t *testing.T) {
	m, repo := newTestMachine(t)
	ctx := context.Background()
	s := seedSettlement(t, repo, "stl-002")

	if _, err := m.Reject(ctx, s.ID); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}

	_, err := m.Accept(ctx, s.ID)
	var invalid *domain.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if invalid.From != domain.StatusRejected {
		t.Errorf("expected error to carry rejected status, got %s", invalid.From)
	}

	// State must be unchanged after the failed transition.
	got, err := repo.GetSettlement(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSettlement failed: %v", err)
	}
	if got.Status != domain.StatusRejected {
		t.Errorf("status changed by failed transition: %s", got.Status)
	}
}

func TestCompleteRequiresHash(t *testing.T) {
	m, repo := newTestMachine(t)
	ctx := context.Background()
	s := seedSettlement(t, repo, "stl-003")

	if _, err := m.Accept(ctx, s.ID); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	_, err := m.MarkCompleted(ctx, s.ID, time.Now().UTC())
	var invalid *domain.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError without hash, got %v", err)
	}

	ok, err := repo.SetTransactionHash(ctx, s.ID, "0xabc", "addr_test1q")
	if err != nil || !ok {
		t.Fatalf("SetTransactionHash failed: ok=%v err=%v", ok, err)
	}

	got, err := m.MarkCompleted(ctx, s.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}
	if got.Status != domain.StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at set")
	}
}

func TestMarkFailedKeepsHash(t *testing.T) {
	m, repo := newTestMachine(t)
	ctx := context.Background()
	s := seedSettlement(t, repo, "stl-004")

	if _, err := m.Accept(ctx, s.ID); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if ok, err := repo.SetTransactionHash(ctx, s.ID, "0xdead", "addr_test1q"); err != nil || !ok {
		t.Fatalf("SetTransactionHash failed: ok=%v err=%v", ok, err)
	}

	got, err := m.MarkFailed(ctx, s.ID)
	if err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if got.Status != domain.StatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
	if got.TransactionHash != "0xdead" {
		t.Errorf("expected hash retained for audit, got %q", got.TransactionHash)
	}
}

func TestRecordCounter(t *testing.T) {
	m, repo := newTestMachine(t)
	ctx := context.Background()
	s := seedSettlement(t, repo, "stl-005")

	t.Run("InconsistentAmounts", func(t *testing.T) {
		bad := *s
		bad.SettledAmount = decimal.NewFromInt(5000)
		// SavedAmount left stale; invariant broken.
		var vErr *domain.ValidationError
		if _, err := m.RecordCounter(ctx, &bad); !errors.As(err, &vErr) {
			t.Errorf("expected ValidationError, got %v", err)
		}
	})

	t.Run("Applies", func(t *testing.T) {
		next := *s
		next.SettledAmount = decimal.NewFromInt(4000)
		next.SavedAmount = next.OriginalAmount.Sub(next.SettledAmount)
		next.PlatformFee = next.SavedAmount.Mul(decimal.NewFromFloat(0.20))

		got, err := m.RecordCounter(ctx, &next)
		if err != nil {
			t.Fatalf("RecordCounter failed: %v", err)
		}
		if got.Status != domain.StatusNegotiating {
			t.Errorf("expected negotiating, got %s", got.Status)
		}
		if !got.SettledAmount.Equal(next.SettledAmount) {
			t.Errorf("expected settled %s, got %s", next.SettledAmount, got.SettledAmount)
		}
	})

	t.Run("RejectedAfterAccept", func(t *testing.T) {
		if _, err := m.Accept(ctx, s.ID); err != nil {
			t.Fatalf("Accept failed: %v", err)
		}
		next := *s
		var invalid *domain.InvalidTransitionError
		if _, err := m.RecordCounter(ctx, &next); !errors.As(err, &invalid) {
			t.Errorf("expected InvalidTransitionError after accept, got %v", err)
		}
	})
}

func TestConcurrentAccept(t *testing.T) {
	m, repo := newTestMachine(t)
	ctx := context.Background()
	s := seedSettlement(t, repo, "stl-006")

	const workers = 10

	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins, conflicts, invalid int

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Accept(ctx, s.ID)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.As(err, new(*domain.ConcurrencyConflictError)):
				conflicts++
			case errors.As(err, new(*domain.InvalidTransitionError)):
				invalid++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly one winner, got %d (conflicts=%d invalid=%d)", wins, conflicts, invalid)
	}
	if wins+conflicts+invalid != workers {
		t.Errorf("unaccounted outcomes: %d+%d+%d != %d", wins, conflicts, invalid, workers)
	}

	got, err := repo.GetSettlement(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSettlement failed: %v", err)
	}
	if got.Status != domain.StatusAccepted {
		t.Errorf("expected accepted, got %s", got.Status)
	}
}
