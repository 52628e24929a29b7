// Package lifecycle enforces the settlement state machine. Every
// transition is a single conditional update in the repository; a guard
// miss is classified by re-reading current state, never by retrying the
// write blindly.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/damocles-platform/settlementd/internal/domain"
)

// Event names used in transition errors.
const (
	EventAccept   = "accept"
	EventReject   = "reject"
	EventCounter  = "counter"
	EventComplete = "complete"
	EventFail     = "fail"
)

// transitions maps an event to the statuses it may fire from.
var transitions = map[string][]domain.SettlementStatus{
	EventAccept:   {domain.StatusProposed, domain.StatusNegotiating},
	EventReject:   {domain.StatusProposed, domain.StatusNegotiating},
	EventCounter:  {domain.StatusProposed, domain.StatusNegotiating},
	EventComplete: {domain.StatusAccepted},
	EventFail:     {domain.StatusAccepted},
}

// targets maps an event to the status it lands in.
var targets = map[string]domain.SettlementStatus{
	EventAccept:   domain.StatusAccepted,
	EventReject:   domain.StatusRejected,
	EventCounter:  domain.StatusNegotiating,
	EventComplete: domain.StatusCompleted,
	EventFail:     domain.StatusFailed,
}

// Machine applies guarded settlement transitions.
type Machine struct {
	repo   domain.Repository
	logger *slog.Logger
}

// NewMachine creates a state machine over the repository.
func NewMachine(repo domain.Repository, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{repo: repo, logger: logger}
}

// Accept moves a settlement to accepted from proposed or negotiating.
func (m *Machine) Accept(ctx context.Context, id string) (*domain.Settlement, error) {
	return m.fire(ctx, id, EventAccept)
}

// Reject terminally rejects a settlement from proposed or negotiating.
func (m *Machine) Reject(ctx context.Context, id string) (*domain.Settlement, error) {
	return m.fire(ctx, id, EventReject)
}

// MarkFailed terminally fails an accepted settlement whose execution
// did not confirm. The transaction hash, if any, stays recorded.
func (m *Machine) MarkFailed(ctx context.Context, id string) (*domain.Settlement, error) {
	return m.fire(ctx, id, EventFail)
}

// MarkCompleted completes an accepted settlement. The repository guard
// additionally requires a recorded transaction hash.
func (m *Machine) MarkCompleted(ctx context.Context, id string, completedAt time.Time) (*domain.Settlement, error) {
	ok, err := m.repo.CompleteSettlement(ctx, id, completedAt)
	if err != nil {
		return nil, fmt.Errorf("completing settlement %s: %w", id, err)
	}
	if !ok {
		current, readErr := m.repo.GetSettlement(ctx, id)
		if readErr != nil {
			return nil, readErr
		}
		// Accepted but never submitted: the guard failed on the missing
		// hash, not on a status race.
		if current.Status == domain.StatusAccepted && current.TransactionHash == "" {
			return nil, &domain.InvalidTransitionError{SettlementID: id, From: current.Status, Event: EventComplete}
		}
		return nil, m.classify(ctx, id, EventComplete)
	}

	m.logger.Info("settlement transition", "settlement_id", id, "event", EventComplete, "status", domain.StatusCompleted)
	return m.repo.GetSettlement(ctx, id)
}

// RecordCounter moves a settlement into negotiating with updated
// amounts. The monetary invariant (settled + saved == original) must
// hold in the supplied settlement snapshot.
func (m *Machine) RecordCounter(ctx context.Context, s *domain.Settlement) (*domain.Settlement, error) {
	if !s.AmountsConsistent() {
		return nil, domain.NewValidationError("settled_amount",
			"settled and saved amounts must sum to the original amount")
	}

	ok, err := m.repo.UpdateNegotiatedAmounts(ctx, s.ID, transitions[EventCounter],
		s.SettledAmount, s.SavedAmount, s.PlatformFee)
	if err != nil {
		return nil, fmt.Errorf("recording counter for settlement %s: %w", s.ID, err)
	}
	if !ok {
		return nil, m.classify(ctx, s.ID, EventCounter)
	}

	m.logger.Info("settlement transition", "settlement_id", s.ID, "event", EventCounter, "status", domain.StatusNegotiating)
	return m.repo.GetSettlement(ctx, s.ID)
}

// fire applies one event through the repository's compare-and-set.
func (m *Machine) fire(ctx context.Context, id, event string) (*domain.Settlement, error) {
	from := transitions[event]
	to := targets[event]

	ok, err := m.repo.TransitionStatus(ctx, id, from, to)
	if err != nil {
		return nil, fmt.Errorf("transitioning settlement %s: %w", id, err)
	}
	if !ok {
		return nil, m.classify(ctx, id, event)
	}

	m.logger.Info("settlement transition", "settlement_id", id, "event", event, "status", to)
	return m.repo.GetSettlement(ctx, id)
}

// classify explains a guard miss from the settlement's current state.
// Landing on the event's own target, or still inside its from-set,
// means our write lost a race; anything else is an invalid transition.
func (m *Machine) classify(ctx context.Context, id, event string) error {
	current, err := m.repo.GetSettlement(ctx, id)
	if err != nil {
		return err
	}

	if current.Status == targets[event] {
		return &domain.ConcurrencyConflictError{SettlementID: id, Status: current.Status}
	}
	for _, from := range transitions[event] {
		if current.Status == from {
			return &domain.ConcurrencyConflictError{SettlementID: id, Status: current.Status}
		}
	}
	return &domain.InvalidTransitionError{SettlementID: id, From: current.Status, Event: event}
}
