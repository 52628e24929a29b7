package executor

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/damocles-platform/settlementd/internal/domain"
	"github.com/damocles-platform/settlementd/internal/lifecycle"
	"github.com/damocles-platform/settlementd/internal/repository"
)

type fakeChain struct {
	mu           sync.Mutex
	submits      int
	polls        int
	submitErr    error
	statusSeq    []domain.TxStatus
	statusErr    error
	submitHash   string
	neverConfirm bool
}

func (c *fakeChain) Submit(ctx context.Context, terms *domain.SettlementTerms) (*domain.TxHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submits++
	if c.submitErr != nil {
		return nil, c.submitErr
	}
	hash := c.submitHash
	if hash == "" {
		hash = "0xhash-" + terms.SettlementID
	}
	return &domain.TxHandle{Hash: hash, ContractAddress: "addr_test1q"}, nil
}

func (c *fakeChain) ConfirmationStatus(ctx context.Context, handle *domain.TxHandle) (domain.TxStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls++
	if c.statusErr != nil {
		return "", c.statusErr
	}
	if c.neverConfirm {
		return domain.TxPending, nil
	}
	if len(c.statusSeq) == 0 {
		return domain.TxConfirmed, nil
	}
	status := c.statusSeq[0]
	if len(c.statusSeq) > 1 {
		c.statusSeq = c.statusSeq[1:]
	}
	return status, nil
}

func testChainConfig() domain.ChainConfig {
	return domain.ChainConfig{
		Network:        "testnet",
		SubmitTimeout:  time.Second,
		ConfirmTimeout: 500 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
		MaxRetries:     1,
	}
}

func newTestExecutor(t *testing.T, chain domain.ChainClient) (*Executor, domain.Repository) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "executor-test-*.db")
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

	machine := lifecycle.NewMachine(repo, nil)
	return New(repo, machine, chain, nil, testChainConfig(), nil), repo
}

func seedAccepted(t *testing.T, repo domain.Repository, id string) *domain.Settlement {
	t.Helper()
	ctx := context.Background()

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
	if err := repo.CreateSettlement(ctx, s); err != nil {
		t.Fatalf("failed to seed settlement: %v", err)
	}
	ok, err := repo.TransitionStatus(ctx, id,
		[]domain.SettlementStatus{domain.StatusProposed}, domain.StatusAccepted)
	if err != nil || !ok {
		t.Fatalf("failed to accept settlement: ok=%v err=%v", ok, err)
	}
	return s
}

func TestExecuteHappyPath(t *testing.T) {
	chain := &fakeChain{statusSeq: []domain.TxStatus{domain.TxPending, domain.TxPending, domain.TxConfirmed}}
	e, repo := newTestExecutor(t, chain)
	ctx := context.Background()
	seedAccepted(t, repo, "stl-001")

	result, err := e.Execute(ctx, "stl-001")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if result.Status != domain.StatusCompleted {
		t.Errorf("expected completed, got %s", result.Status)
	}
	if result.TransactionHash == "" {
		t.Error("expected transaction hash in result")
	}
	if chain.submits != 1 {
		t.Errorf("expected 1 submission, got %d", chain.submits)
	}
	if chain.polls < 3 {
		t.Errorf("expected at least 3 polls, got %d", chain.polls)
	}

	got, err := repo.GetSettlement(ctx, "stl-001")
	if err != nil {
		t.Fatalf("GetSettlement failed: %v", err)
	}
	if got.Status != domain.StatusCompleted || got.CompletedAt == nil {
		t.Errorf("settlement not persisted as completed: %s", got.Status)
	}
}

func TestExecuteIdempotent(t *testing.T) {
	chain := &fakeChain{}
	e, repo := newTestExecutor(t, chain)
	ctx := context.Background()
	seedAccepted(t, repo, "stl-002")

	first, err := e.Execute(ctx, "stl-002")
	if err != nil {
		t.Fatalf("first Execute failed: %v", err)
	}

	second, err := e.Execute(ctx, "stl-002")
	if err != nil {
		t.Fatalf("second Execute failed: %v", err)
	}

	if chain.submits != 1 {
		t.Errorf("re-invocation must not resubmit: %d submissions", chain.submits)
	}
	if second.TransactionHash != first.TransactionHash {
		t.Errorf("expected stored hash %q, got %q", first.TransactionHash, second.TransactionHash)
	}
	if second.Status != domain.StatusCompleted {
		t.Errorf("expected completed, got %s", second.Status)
	}
}

func TestExecuteResumesWithStoredHash(t *testing.T) {
	chain := &fakeChain{}
	e, repo := newTestExecutor(t, chain)
	ctx := context.Background()
	seedAccepted(t, repo, "stl-003")

	// A prior run recorded the hash but crashed before confirmation.
	ok, err := repo.SetTransactionHash(ctx, "stl-003", "0xprior", "addr_test1q")
	if err != nil || !ok {
		t.Fatalf("SetTransactionHash failed: ok=%v err=%v", ok, err)
	}

	result, err := e.Execute(ctx, "stl-003")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if chain.submits != 0 {
		t.Errorf("expected no new submission, got %d", chain.submits)
	}
	if result.TransactionHash != "0xprior" {
		t.Errorf("expected stored hash, got %q", result.TransactionHash)
	}
	if result.Status != domain.StatusCompleted {
		t.Errorf("expected completed, got %s", result.Status)
	}
}

func TestExecuteRevertedTransaction(t *testing.T) {
	chain := &fakeChain{statusSeq: []domain.TxStatus{domain.TxPending, domain.TxFailed}}
	e, repo := newTestExecutor(t, chain)
	ctx := context.Background()
	seedAccepted(t, repo, "stl-004")

	_, err := e.Execute(ctx, "stl-004")
	var reverted *domain.ExecutionRevertedError
	if !errors.As(err, &reverted) {
		t.Fatalf("expected ExecutionRevertedError, got %v", err)
	}

	got, err := repo.GetSettlement(ctx, "stl-004")
	if err != nil {
		t.Fatalf("GetSettlement failed: %v", err)
	}
	if got.Status != domain.StatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
	if got.TransactionHash == "" {
		t.Error("expected hash retained for audit")
	}

	// Execution is never retried after a revert.
	_, err = e.Execute(ctx, "stl-004")
	if !errors.As(err, &reverted) {
		t.Errorf("expected ExecutionRevertedError on re-invocation, got %v", err)
	}
	if chain.submits != 1 {
		t.Errorf("expected no resubmission after revert, got %d submissions", chain.submits)
	}
}

func TestExecuteConfirmationTimeout(t *testing.T) {
	chain := &fakeChain{neverConfirm: true}
	e, repo := newTestExecutor(t, chain)
	ctx := context.Background()
	seedAccepted(t, repo, "stl-005")

	_, err := e.Execute(ctx, "stl-005")
	var timeout *domain.CollaboratorTimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected CollaboratorTimeoutError, got %v", err)
	}

	got, err := repo.GetSettlement(ctx, "stl-005")
	if err != nil {
		t.Fatalf("GetSettlement failed: %v", err)
	}
	if got.Status != domain.StatusFailed {
		t.Errorf("expected failed after confirmation timeout, got %s", got.Status)
	}
	if got.TransactionHash == "" {
		t.Error("expected hash retained after timeout")
	}
}

func TestExecuteCancelledDuringConfirmationWait(t *testing.T) {
	chain := &fakeChain{neverConfirm: true}
	_, repo := newTestExecutor(t, chain)

	cfg := testChainConfig()
	cfg.ConfirmTimeout = 10 * time.Second
	e := New(repo, lifecycle.NewMachine(repo, nil), chain, nil, cfg, nil)
	seedAccepted(t, repo, "stl-008")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := e.Execute(ctx, "stl-008")
	elapsed := time.Since(start)

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if elapsed > 2*time.Second {
		t.Errorf("cancelled caller held for %s", elapsed)
	}

	got, err := repo.GetSettlement(context.Background(), "stl-008")
	if err != nil {
		t.Fatalf("GetSettlement failed: %v", err)
	}
	if got.Status != domain.StatusAccepted {
		t.Errorf("expected settlement to stay accepted, got %s", got.Status)
	}
	if got.TransactionHash == "" {
		t.Error("expected recorded hash to survive cancellation")
	}

	// A later call resumes polling the stored transaction.
	chain.mu.Lock()
	chain.neverConfirm = false
	chain.mu.Unlock()

	result, err := e.Execute(context.Background(), "stl-008")
	if err != nil {
		t.Fatalf("resumed Execute failed: %v", err)
	}
	if result.Status != domain.StatusCompleted {
		t.Errorf("expected completed after resume, got %s", result.Status)
	}
	if chain.submits != 1 {
		t.Errorf("expected stored hash to be reused, got %d submissions", chain.submits)
	}
}

func TestExecuteSubmitFailureLeavesAccepted(t *testing.T) {
	chain := &fakeChain{submitErr: errors.New("node unavailable")}
	e, repo := newTestExecutor(t, chain)
	ctx := context.Background()
	seedAccepted(t, repo, "stl-006")

	_, err := e.Execute(ctx, "stl-006")
	var timeout *domain.CollaboratorTimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected CollaboratorTimeoutError, got %v", err)
	}

	// 1 attempt + 1 retry.
	if chain.submits != 2 {
		t.Errorf("expected 2 submit attempts, got %d", chain.submits)
	}

	got, err := repo.GetSettlement(ctx, "stl-006")
	if err != nil {
		t.Fatalf("GetSettlement failed: %v", err)
	}
	if got.Status != domain.StatusAccepted {
		t.Errorf("expected settlement to stay accepted for retry, got %s", got.Status)
	}
	if got.TransactionHash != "" {
		t.Errorf("expected no hash recorded, got %q", got.TransactionHash)
	}

	// Retry succeeds once the node recovers.
	chain.mu.Lock()
	chain.submitErr = nil
	chain.mu.Unlock()

	result, err := e.Execute(ctx, "stl-006")
	if err != nil {
		t.Fatalf("retry Execute failed: %v", err)
	}
	if result.Status != domain.StatusCompleted {
		t.Errorf("expected completed, got %s", result.Status)
	}
}

func TestExecuteWrongState(t *testing.T) {
	chain := &fakeChain{}
	e, repo := newTestExecutor(t, chain)
	ctx := context.Background()

	s := &domain.Settlement{
		ID:             "stl-007",
		DebtorID:       "debtor-007",
		CreditorID:     "creditor-001",
		DebtID:         "debt-007",
		OriginalAmount: decimal.NewFromInt(1000),
		SettledAmount:  decimal.NewFromInt(400),
		SavedAmount:    decimal.NewFromInt(600),
		PlatformFee:    decimal.NewFromInt(120),
		Status:         domain.StatusProposed,
		ProposedAt:     time.Now().UTC(),
	}
	if err := repo.CreateSettlement(ctx, s); err != nil {
		t.Fatalf("CreateSettlement failed: %v", err)
	}

	_, err := e.Execute(ctx, "stl-007")
	var invalid *domain.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError for proposed settlement, got %v", err)
	}
	if chain.submits != 0 {
		t.Errorf("expected no submission, got %d", chain.submits)
	}
}
