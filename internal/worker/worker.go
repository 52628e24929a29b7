// Package worker drives the async stages of the settlement pipeline:
// on-chain execution of accepted settlements and compliance-triggered
// auto-negotiation.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/damocles-platform/settlementd/internal/domain"
	"github.com/damocles-platform/settlementd/internal/executor"
	"github.com/damocles-platform/settlementd/internal/negotiation"
	"github.com/damocles-platform/settlementd/internal/repository"
)

// Worker consumes settlement events from the EventBus.
type Worker struct {
	bus          domain.EventBus
	executor     *executor.Executor
	orchestrator *negotiation.Orchestrator
	logger       *slog.Logger

	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, exec *executor.Executor, orch *negotiation.Orchestrator, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:          bus,
		executor:     exec,
		orchestrator: orch,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start subscribes to the settlement topics.
func (w *Worker) Start() error {
	subs := []struct {
		topic   string
		handler domain.MessageHandler
	}{
		{domain.TopicSettlementAccepted, w.handleAccepted},
		{domain.TopicComplianceSignal, w.handleComplianceSignal},
	}

	for _, s := range subs {
		sub, err := w.bus.Subscribe(w.ctx, s.topic, s.handler)
		if err != nil {
			w.Stop()
			return err
		}
		w.subscriptions = append(w.subscriptions, sub)
	}

	w.logger.Info("worker started",
		"subscription_count", len(w.subscriptions),
	)
	return nil
}

// handleAccepted executes an accepted settlement on chain. Execution is
// idempotent, so redelivery of the same event is harmless.
func (w *Worker) handleAccepted(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var s domain.Settlement
	if err := json.Unmarshal(msg.Payload, &s); err != nil {
		w.logger.Error("failed to parse settlement event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if s.ID == "" {
		w.logger.Error("settlement event missing id", "message_id", msg.ID)
		return errors.New("settlement event missing id")
	}

	result, err := w.executor.Execute(ctx, s.ID)
	if err != nil {
		w.logger.Error("settlement execution failed",
			"settlement_id", s.ID,
			"error", err,
		)
		return err
	}

	w.logger.Info("settlement executed",
		"settlement_id", s.ID,
		"transaction_hash", result.TransactionHash,
		"status", result.Status,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// ComplianceSignal is the payload published by compliance tooling when a
// creditor's violations warrant opening a settlement.
type ComplianceSignal struct {
	DebtorID   string `json:"debtorId"`
	CreditorID string `json:"creditorId"`
	DebtID     string `json:"debtId,omitempty"`
}

// handleComplianceSignal opens an auto-negotiation for the flagged debt.
func (w *Worker) handleComplianceSignal(ctx context.Context, msg *domain.Message) error {
	var sig ComplianceSignal
	if err := json.Unmarshal(msg.Payload, &sig); err != nil {
		w.logger.Error("failed to parse compliance signal",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	prop, err := w.orchestrator.AutoNegotiate(ctx, &domain.AutoNegotiateRequest{
		DebtorID:   sig.DebtorID,
		CreditorID: sig.CreditorID,
		DebtID:     sig.DebtID,
		Trigger:    domain.TriggerComplianceProtocol,
	})
	if err != nil {
		// A signal for a debt that already has an open settlement is
		// expected during redelivery; anything else is worth a look.
		if errors.Is(err, repository.ErrActiveSettlement) {
			w.logger.Debug("compliance signal ignored, settlement already open",
				"debtor_id", sig.DebtorID,
				"debt_id", sig.DebtID,
			)
			return nil
		}
		w.logger.Error("auto-negotiation failed",
			"debtor_id", sig.DebtorID,
			"creditor_id", sig.CreditorID,
			"error", err,
		)
		return err
	}

	w.logger.Info("auto-negotiation opened",
		"settlement_id", prop.Settlement.ID,
		"status", prop.Settlement.Status,
		"recommended_action", prop.RecommendedAction,
	)
	return nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.logger.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
