package leverage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/damocles-platform/settlementd/internal/domain"
	"github.com/damocles-platform/settlementd/internal/repository"
)

const creditorLeverageTTL = 5 * time.Minute

// Service computes leverage analyses backed by the repository, with a
// read-through cache for the creditor-wide aggregate.
type Service struct {
	repo   domain.Repository
	cache  domain.Cache
	scorer *Scorer
	logger *slog.Logger
}

// NewService creates a leverage service. cache may be nil; aggregates
// are then computed on every call.
func NewService(repo domain.Repository, cache domain.Cache, scorer *Scorer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:   repo,
		cache:  cache,
		scorer: scorer,
		logger: logger,
	}
}

// ForDebt scores the violations recorded against a single debt.
func (s *Service) ForDebt(ctx context.Context, debtID string) (*domain.LeverageAnalysis, error) {
	violations, err := s.repo.ViolationsForDebt(ctx, debtID)
	if err != nil {
		return nil, fmt.Errorf("loading violations for debt %s: %w", debtID, err)
	}
	profile, err := s.profileFor(ctx, violations)
	if err != nil {
		return nil, err
	}
	return s.scorer.Analyze(violations, profile, time.Now().UTC())
}

// ForViolations scores an explicit violation set, resolving the
// violations by ID. Unknown IDs are reported as a validation error.
func (s *Service) ForViolations(ctx context.Context, violationIDs []string) (*domain.LeverageAnalysis, error) {
	violations, err := s.repo.ViolationsByIDs(ctx, violationIDs)
	if err != nil {
		return nil, fmt.Errorf("loading violations: %w", err)
	}
	if len(violations) != len(violationIDs) {
		return nil, domain.NewValidationError("violation_ids",
			fmt.Sprintf("%d of %d violations not found", len(violationIDs)-len(violations), len(violationIDs)))
	}
	profile, err := s.profileFor(ctx, violations)
	if err != nil {
		return nil, err
	}
	return s.scorer.Analyze(violations, profile, time.Now().UTC())
}

// ForCreditor scores everything recorded against a creditor. The result
// is cached briefly; violations are append-only so a short TTL only
// delays new ones becoming visible.
func (s *Service) ForCreditor(ctx context.Context, creditorID string) (*domain.LeverageAnalysis, error) {
	key := "leverage:creditor:" + creditorID

	if s.cache != nil {
		if data, err := s.cache.Get(ctx, key); err == nil && data != nil {
			var cached domain.LeverageAnalysis
			if err := json.Unmarshal(data, &cached); err == nil {
				return &cached, nil
			}
			// Corrupt entry; fall through and recompute.
			_ = s.cache.Delete(ctx, key)
		}
	}

	violations, err := s.repo.ViolationsForCreditor(ctx, creditorID)
	if err != nil {
		return nil, fmt.Errorf("loading violations for creditor %s: %w", creditorID, err)
	}
	profile, err := s.repo.GetCreditorProfile(ctx, creditorID)
	if err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("loading creditor profile %s: %w", creditorID, err)
	}

	analysis, err := s.scorer.Analyze(violations, profile, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if data, err := json.Marshal(analysis); err == nil {
			if err := s.cache.Set(ctx, key, data, creditorLeverageTTL); err != nil {
				s.logger.Warn("failed to cache creditor leverage", "creditor_id", creditorID, "error", err)
			}
		}
	}

	return analysis, nil
}

// Invalidate drops the cached aggregate for a creditor.
func (s *Service) Invalidate(ctx context.Context, creditorID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, "leverage:creditor:"+creditorID); err != nil {
		s.logger.Warn("failed to invalidate creditor leverage", "creditor_id", creditorID, "error", err)
	}
}

// profileFor loads the creditor profile implied by a violation set. All
// violations in one scoring call belong to the same creditor.
func (s *Service) profileFor(ctx context.Context, violations []*domain.Violation) (*domain.CreditorProfile, error) {
	if len(violations) == 0 {
		return nil, nil
	}
	creditorID := violations[0].CreditorID
	profile, err := s.repo.GetCreditorProfile(ctx, creditorID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading creditor profile %s: %w", creditorID, err)
	}
	return profile, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, repository.ErrNotFound)
}
