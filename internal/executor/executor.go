// Package executor funds accepted settlements on-chain. Execution is
// idempotent: the transaction hash is recorded exactly once, and
// re-invocation resumes from whatever state the settlement is in.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/damocles-platform/settlementd/internal/domain"
	"github.com/damocles-platform/settlementd/internal/lifecycle"
)

const submitBackoff = time.Second

// errReverted marks a confirmed-failed transaction inside the poll loop.
var errReverted = errors.New("transaction reverted")

// Executor drives on-chain settlement execution.
type Executor struct {
	repo    domain.Repository
	machine *lifecycle.Machine
	chain   domain.ChainClient
	bus     domain.EventBus
	cfg     domain.ChainConfig
	logger  *slog.Logger
}

// New creates an executor.
func New(repo domain.Repository, machine *lifecycle.Machine, chain domain.ChainClient, bus domain.EventBus, cfg domain.ChainConfig, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		repo:    repo,
		machine: machine,
		chain:   chain,
		bus:     bus,
		cfg:     cfg,
		logger:  logger,
	}
}

// Execute funds an accepted settlement. Safe to call again after a
// crash or timeout: a completed settlement returns its stored result, a
// settlement with a recorded hash resumes confirmation polling, and the
// hash is never overwritten.
//
// Submission, hash recording, and terminal status writes run detached
// from the caller's cancellation so an abandoned request cannot orphan
// an in-flight transaction. Only the confirmation wait honors the
// caller's context: cancelling it releases the call, and the recorded
// hash lets a later Execute resume polling the same transaction.
func (e *Executor) Execute(ctx context.Context, settlementID string) (*domain.ExecutionResult, error) {
	if e.chain == nil {
		return nil, errors.New("chain client not configured")
	}

	s, err := e.repo.GetSettlement(ctx, settlementID)
	if err != nil {
		return nil, err
	}

	switch s.Status {
	case domain.StatusCompleted:
		return resultFrom(s), nil
	case domain.StatusFailed:
		if s.TransactionHash != "" {
			return nil, &domain.ExecutionRevertedError{SettlementID: s.ID, TransactionHash: s.TransactionHash}
		}
		return nil, &domain.InvalidTransitionError{SettlementID: s.ID, From: s.Status, Event: lifecycle.EventComplete}
	case domain.StatusAccepted:
		// proceed
	default:
		return nil, &domain.InvalidTransitionError{SettlementID: s.ID, From: s.Status, Event: lifecycle.EventComplete}
	}

	chainCtx := context.WithoutCancel(ctx)

	if s.TransactionHash == "" {
		handle, err := e.submit(chainCtx, s)
		if err != nil {
			// No hash recorded; the settlement stays accepted and the
			// call can be retried.
			return nil, err
		}

		ok, err := e.repo.SetTransactionHash(chainCtx, s.ID, handle.Hash, handle.ContractAddress)
		if err != nil {
			return nil, fmt.Errorf("recording transaction hash: %w", err)
		}
		if !ok {
			// A concurrent execution recorded its hash first; follow the
			// stored one.
			e.logger.Warn("transaction hash already recorded, resuming with stored hash",
				"settlement_id", s.ID, "discarded_hash", handle.Hash)
		}

		if s, err = e.repo.GetSettlement(chainCtx, s.ID); err != nil {
			return nil, err
		}
	}

	e.logger.Info("awaiting confirmation",
		"settlement_id", s.ID, "tx_hash", s.TransactionHash, "network", e.cfg.Network)

	handle := &domain.TxHandle{Hash: s.TransactionHash, ContractAddress: s.SmartContractAddress}
	if err := e.confirm(ctx, handle); err != nil {
		if ctx.Err() != nil && !errors.Is(err, errReverted) {
			// The caller gave up on the wait, not the chain on the
			// transaction. The hash is recorded, so a later Execute
			// resumes polling it; the settlement stays accepted.
			e.logger.Info("confirmation wait abandoned by caller",
				"settlement_id", s.ID, "tx_hash", s.TransactionHash)
			return nil, ctx.Err()
		}

		failed, failErr := e.machine.MarkFailed(chainCtx, s.ID)
		if failErr != nil {
			e.logger.Error("failed to mark settlement failed", "settlement_id", s.ID, "error", failErr)
		} else {
			e.publish(chainCtx, domain.TopicSettlementFailed, failed)
		}

		if errors.Is(err, errReverted) {
			return nil, &domain.ExecutionRevertedError{SettlementID: s.ID, TransactionHash: s.TransactionHash}
		}
		return nil, &domain.CollaboratorTimeoutError{
			Collaborator: "chain",
			Budget:       e.cfg.ConfirmTimeout,
			Err:          err,
		}
	}

	completed, err := e.machine.MarkCompleted(chainCtx, s.ID, time.Now().UTC())
	if err != nil {
		// A concurrent execution may have completed it already.
		var conflict *domain.ConcurrencyConflictError
		if errors.As(err, &conflict) {
			if current, readErr := e.repo.GetSettlement(chainCtx, s.ID); readErr == nil && current.Status == domain.StatusCompleted {
				return resultFrom(current), nil
			}
		}
		return nil, err
	}

	e.logger.Info("settlement executed",
		"settlement_id", completed.ID, "tx_hash", completed.TransactionHash)
	e.publish(chainCtx, domain.TopicSettlementCompleted, completed)

	return resultFrom(completed), nil
}

// submit sends the settlement terms on-chain with bounded retries. Each
// attempt runs under the submit timeout.
func (e *Executor) submit(ctx context.Context, s *domain.Settlement) (*domain.TxHandle, error) {
	terms := &domain.SettlementTerms{
		SettlementID: s.ID,
		DebtorID:     s.DebtorID,
		CreditorID:   s.CreditorID,
		Amount:       s.SettledAmount.String(),
		Currency:     "NOK",
	}

	backoff := retry.WithMaxRetries(uint64(e.cfg.MaxRetries), retry.NewExponential(submitBackoff))

	var handle *domain.TxHandle
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		callCtx := ctx
		if e.cfg.SubmitTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, e.cfg.SubmitTimeout)
			defer cancel()
		}

		got, err := e.chain.Submit(callCtx, terms)
		if err != nil {
			return retry.RetryableError(err)
		}
		handle = got
		return nil
	})
	if err != nil {
		return nil, &domain.CollaboratorTimeoutError{
			Collaborator: "chain",
			Budget:       e.cfg.SubmitTimeout,
			Err:          err,
		}
	}
	return handle, nil
}

// confirm polls the transaction until it confirms, reverts, or the
// confirmation budget runs out.
func (e *Executor) confirm(ctx context.Context, handle *domain.TxHandle) error {
	backoff := retry.NewConstant(e.cfg.PollInterval)
	if e.cfg.ConfirmTimeout > 0 {
		backoff = retry.WithMaxDuration(e.cfg.ConfirmTimeout, backoff)
	}

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		status, err := e.chain.ConfirmationStatus(ctx, handle)
		if err != nil {
			return retry.RetryableError(err)
		}
		switch status {
		case domain.TxConfirmed:
			return nil
		case domain.TxFailed:
			return errReverted
		default:
			return retry.RetryableError(fmt.Errorf("transaction %s still pending", handle.Hash))
		}
	})
}

func (e *Executor) publish(ctx context.Context, topic string, s *domain.Settlement) {
	if e.bus == nil {
		return
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := e.bus.Publish(ctx, topic, payload); err != nil {
		e.logger.Warn("failed to publish settlement event", "topic", topic, "settlement_id", s.ID, "error", err)
	}
}

func resultFrom(s *domain.Settlement) *domain.ExecutionResult {
	confirmations := 0
	if s.Status == domain.StatusCompleted {
		confirmations = 1
	}
	return &domain.ExecutionResult{
		SettlementID:    s.ID,
		TransactionHash: s.TransactionHash,
		ContractAddress: s.SmartContractAddress,
		Status:          s.Status,
		Confirmations:   confirmations,
		CompletedAt:     s.CompletedAt,
	}
}
