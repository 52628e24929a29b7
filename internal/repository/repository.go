// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/damocles-platform/settlementd/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")

	// ErrActiveSettlement is returned when a proposal would violate the
	// one-non-terminal-settlement-per-(debtor, debt) invariant.
	ErrActiveSettlement = errors.New("active settlement already exists for debt")
)

// nonTerminal is the status set blocking a new proposal for the same debt.
var nonTerminal = []domain.SettlementStatus{
	domain.StatusProposed,
	domain.StatusNegotiating,
	domain.StatusAccepted,
}

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// CreateSettlement inserts a settlement in Proposed status. The insert is
// conditional on no non-terminal settlement existing for the same
// (debtor, debt) pair; the check and the insert are one statement so two
// concurrent proposals cannot both pass.
func (r *SQLRepository) CreateSettlement(ctx context.Context, s *domain.Settlement) error {
	if s.ID == "" || s.DebtorID == "" || s.DebtID == "" {
		return fmt.Errorf("%w: settlement id, debtor id and debt id are required", ErrInvalidInput)
	}

	query := `
		INSERT INTO settlements (
			id, debtor_id, creditor_id, debt_id,
			original_amount, settled_amount, saved_amount, platform_fee,
			status, proposed_at
		)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM settlements
			WHERE debtor_id = ? AND debt_id = ? AND status IN (?, ?, ?)
		)
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		s.ID, s.DebtorID, s.CreditorID, s.DebtID,
		s.OriginalAmount.String(), s.SettledAmount.String(),
		s.SavedAmount.String(), s.PlatformFee.String(),
		string(s.Status), s.ProposedAt,
		s.DebtorID, s.DebtID,
		string(nonTerminal[0]), string(nonTerminal[1]), string(nonTerminal[2]),
	)
	if err != nil {
		// The idx_settlements_active unique index backstops the NOT
		// EXISTS guard: under read committed two concurrent inserts can
		// both pass the subquery, but only one survives the index.
		if isUniqueViolation(err) {
			return ErrActiveSettlement
		}
		return err
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrActiveSettlement
	}
	return nil
}

// GetSettlement retrieves a settlement by ID.
func (r *SQLRepository) GetSettlement(ctx context.Context, id string) (*domain.Settlement, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: settlement id is required", ErrInvalidInput)
	}

	query := `
		SELECT id, debtor_id, creditor_id, debt_id,
			   original_amount, settled_amount, saved_amount, platform_fee,
			   status, smart_contract_address, transaction_hash,
			   proposed_at, completed_at
		FROM settlements
		WHERE id = ?
	`

	return r.scanSettlement(r.db.QueryRowContext(ctx, r.rebind(query), id))
}

// GetActiveSettlement returns the single non-terminal settlement for a
// (debtor, debt) pair, if any.
func (r *SQLRepository) GetActiveSettlement(ctx context.Context, debtorID, debtID string) (*domain.Settlement, error) {
	if debtorID == "" || debtID == "" {
		return nil, fmt.Errorf("%w: debtor id and debt id are required", ErrInvalidInput)
	}

	query := `
		SELECT id, debtor_id, creditor_id, debt_id,
			   original_amount, settled_amount, saved_amount, platform_fee,
			   status, smart_contract_address, transaction_hash,
			   proposed_at, completed_at
		FROM settlements
		WHERE debtor_id = ? AND debt_id = ? AND status IN (?, ?, ?)
	`

	return r.scanSettlement(r.db.QueryRowContext(ctx, r.rebind(query),
		debtorID, debtID,
		string(nonTerminal[0]), string(nonTerminal[1]), string(nonTerminal[2]),
	))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *SQLRepository) scanSettlement(row rowScanner) (*domain.Settlement, error) {
	var s domain.Settlement
	var original, settled, saved, fee, status string
	var contractAddr, txHash sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&s.ID, &s.DebtorID, &s.CreditorID, &s.DebtID,
		&original, &settled, &saved, &fee,
		&status, &contractAddr, &txHash,
		&s.ProposedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if s.OriginalAmount, err = decimal.NewFromString(original); err != nil {
		return nil, fmt.Errorf("corrupt original_amount for %s: %w", s.ID, err)
	}
	if s.SettledAmount, err = decimal.NewFromString(settled); err != nil {
		return nil, fmt.Errorf("corrupt settled_amount for %s: %w", s.ID, err)
	}
	if s.SavedAmount, err = decimal.NewFromString(saved); err != nil {
		return nil, fmt.Errorf("corrupt saved_amount for %s: %w", s.ID, err)
	}
	if s.PlatformFee, err = decimal.NewFromString(fee); err != nil {
		return nil, fmt.Errorf("corrupt platform_fee for %s: %w", s.ID, err)
	}

	s.Status = domain.SettlementStatus(status)
	s.SmartContractAddress = contractAddr.String
	s.TransactionHash = txHash.String
	if completedAt.Valid {
		t := completedAt.Time
		s.CompletedAt = &t
	}

	return &s, nil
}

// TransitionStatus performs the atomic guarded status update. The guard
// is the WHERE clause on the current status: exactly one of N concurrent
// callers observes rows == 1.
func (r *SQLRepository) TransitionStatus(ctx context.Context, id string, from []domain.SettlementStatus, to domain.SettlementStatus) (bool, error) {
	if id == "" || len(from) == 0 {
		return false, fmt.Errorf("%w: settlement id and source statuses are required", ErrInvalidInput)
	}

	query := fmt.Sprintf(
		`UPDATE settlements SET status = ? WHERE id = ? AND status IN (%s)`,
		placeholders(len(from)),
	)

	args := make([]any, 0, len(from)+2)
	args = append(args, string(to), id)
	for _, st := range from {
		args = append(args, string(st))
	}

	res, err := r.db.ExecContext(ctx, r.rebind(query), args...)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// UpdateNegotiatedAmounts revises the settlement amounts during a
// counter-offer round and moves the settlement to Negotiating, in one
// guarded statement.
func (r *SQLRepository) UpdateNegotiatedAmounts(ctx context.Context, id string, from []domain.SettlementStatus, settled, saved, fee decimal.Decimal) (bool, error) {
	if id == "" || len(from) == 0 {
		return false, fmt.Errorf("%w: settlement id and source statuses are required", ErrInvalidInput)
	}

	query := fmt.Sprintf(`
		UPDATE settlements
		SET settled_amount = ?, saved_amount = ?, platform_fee = ?, status = ?
		WHERE id = ? AND status IN (%s)`,
		placeholders(len(from)),
	)

	args := make([]any, 0, len(from)+5)
	args = append(args, settled.String(), saved.String(), fee.String(),
		string(domain.StatusNegotiating), id)
	for _, st := range from {
		args = append(args, string(st))
	}

	res, err := r.db.ExecContext(ctx, r.rebind(query), args...)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// SetTransactionHash records the submitted transaction while the
// settlement is still Accepted and carries no hash yet. The hash guard
// makes double submission impossible: the second submitter sees 0 rows.
func (r *SQLRepository) SetTransactionHash(ctx context.Context, id, txHash, contractAddr string) (bool, error) {
	if id == "" || txHash == "" {
		return false, fmt.Errorf("%w: settlement id and transaction hash are required", ErrInvalidInput)
	}

	query := `
		UPDATE settlements
		SET transaction_hash = ?, smart_contract_address = ?
		WHERE id = ? AND status = ? AND transaction_hash IS NULL
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		txHash, contractAddr, id, string(domain.StatusAccepted))
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// CompleteSettlement moves Accepted -> Completed. Guarded on a recorded
// transaction hash so a settlement can never complete without one.
func (r *SQLRepository) CompleteSettlement(ctx context.Context, id string, completedAt time.Time) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("%w: settlement id is required", ErrInvalidInput)
	}

	query := `
		UPDATE settlements
		SET status = ?, completed_at = ?
		WHERE id = ? AND status = ? AND transaction_hash IS NOT NULL
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		string(domain.StatusCompleted), completedAt.UTC(), id, string(domain.StatusAccepted))
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// SaveDebt stores a debt record.
func (r *SQLRepository) SaveDebt(ctx context.Context, d *domain.Debt) error {
	if d.ID == "" {
		return fmt.Errorf("%w: debt id is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO debts (id, debtor_id, creditor_id, reference, principal_amount, originated_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		d.ID, d.DebtorID, d.CreditorID, d.Reference,
		d.PrincipalAmount.String(), d.OriginatedAt, createdAt,
	)
	return err
}

// GetDebt retrieves a debt by ID.
func (r *SQLRepository) GetDebt(ctx context.Context, id string) (*domain.Debt, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: debt id is required", ErrInvalidInput)
	}

	query := `
		SELECT id, debtor_id, creditor_id, reference, principal_amount, originated_at, created_at
		FROM debts
		WHERE id = ?
	`

	var d domain.Debt
	var principal string
	var reference sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), id).Scan(
		&d.ID, &d.DebtorID, &d.CreditorID, &reference,
		&principal, &d.OriginatedAt, &d.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	d.Reference = reference.String
	if d.PrincipalAmount, err = decimal.NewFromString(principal); err != nil {
		return nil, fmt.Errorf("corrupt principal_amount for %s: %w", d.ID, err)
	}

	return &d, nil
}

// SaveViolation stores an immutable violation record.
func (r *SQLRepository) SaveViolation(ctx context.Context, v *domain.Violation) error {
	if v.ID == "" || v.CreditorID == "" {
		return fmt.Errorf("%w: violation id and creditor id are required", ErrInvalidInput)
	}
	if !v.Severity.Valid() {
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidInput, v.Severity)
	}

	query := `
		INSERT INTO violations (
			id, creditor_id, debt_id, type, severity, confidence,
			evidence, legal_reference, estimated_damage, occurred_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	createdAt := v.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		v.ID, v.CreditorID, v.DebtID, v.Type, string(v.Severity), v.Confidence,
		v.Evidence, v.LegalReference, v.EstimatedDamage.String(), v.OccurredAt, createdAt,
	)
	return err
}

// ViolationsForDebt returns the violations tied to a debt, ordered by
// occurrence time for deterministic scoring.
func (r *SQLRepository) ViolationsForDebt(ctx context.Context, debtID string) ([]*domain.Violation, error) {
	if debtID == "" {
		return nil, fmt.Errorf("%w: debt id is required", ErrInvalidInput)
	}

	query := violationSelect + ` WHERE debt_id = ? ORDER BY occurred_at, id`
	return r.queryViolations(ctx, query, debtID)
}

// ViolationsForCreditor returns all violations recorded against a creditor.
func (r *SQLRepository) ViolationsForCreditor(ctx context.Context, creditorID string) ([]*domain.Violation, error) {
	if creditorID == "" {
		return nil, fmt.Errorf("%w: creditor id is required", ErrInvalidInput)
	}

	query := violationSelect + ` WHERE creditor_id = ? ORDER BY occurred_at, id`
	return r.queryViolations(ctx, query, creditorID)
}

// ViolationsByIDs returns the identified violations, ordered by
// occurrence time.
func (r *SQLRepository) ViolationsByIDs(ctx context.Context, ids []string) ([]*domain.Violation, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(violationSelect+` WHERE id IN (%s) ORDER BY occurred_at, id`, placeholders(len(ids)))

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return r.queryViolations(ctx, query, args...)
}

const violationSelect = `
	SELECT id, creditor_id, debt_id, type, severity, confidence,
		   evidence, legal_reference, estimated_damage, occurred_at, created_at
	FROM violations`

func (r *SQLRepository) queryViolations(ctx context.Context, query string, args ...any) ([]*domain.Violation, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var violations []*domain.Violation
	for rows.Next() {
		var v domain.Violation
		var severity, damage string
		var debtID, evidence, legalRef sql.NullString

		if err := rows.Scan(
			&v.ID, &v.CreditorID, &debtID, &v.Type, &severity, &v.Confidence,
			&evidence, &legalRef, &damage, &v.OccurredAt, &v.CreatedAt,
		); err != nil {
			return nil, err
		}

		v.DebtID = debtID.String
		v.Evidence = evidence.String
		v.LegalReference = legalRef.String
		v.Severity = domain.Severity(severity)
		if v.EstimatedDamage, err = decimal.NewFromString(damage); err != nil {
			return nil, fmt.Errorf("corrupt estimated_damage for %s: %w", v.ID, err)
		}

		violations = append(violations, &v)
	}

	return violations, rows.Err()
}

// SaveCreditorProfile upserts a creditor profile.
func (r *SQLRepository) SaveCreditorProfile(ctx context.Context, p *domain.CreditorProfile) error {
	if p.ID == "" {
		return fmt.Errorf("%w: creditor id is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO creditor_profiles (id, name, type, total_violations, violation_score, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			total_violations = excluded.total_violations,
			violation_score = excluded.violation_score,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		p.ID, p.Name, p.Type, p.TotalViolations, p.ViolationScore, time.Now().UTC(),
	)
	return err
}

// GetCreditorProfile retrieves a creditor profile by ID.
func (r *SQLRepository) GetCreditorProfile(ctx context.Context, id string) (*domain.CreditorProfile, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: creditor id is required", ErrInvalidInput)
	}

	query := `
		SELECT id, name, type, total_violations, violation_score
		FROM creditor_profiles
		WHERE id = ?
	`

	var p domain.CreditorProfile
	var name, ctype sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), id).Scan(
		&p.ID, &name, &ctype, &p.TotalViolations, &p.ViolationScore,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	p.Name = name.String
	p.Type = ctype.String
	return &p, nil
}

// SaveNegotiationRound appends one offer exchange to the history.
func (r *SQLRepository) SaveNegotiationRound(ctx context.Context, round *domain.NegotiationRound) error {
	if round.ID == "" || round.SettlementID == "" {
		return fmt.Errorf("%w: round id and settlement id are required", ErrInvalidInput)
	}

	query := `
		INSERT INTO negotiation_rounds (id, settlement_id, round, party, amount, action, strategy, rationale, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	createdAt := round.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		round.ID, round.SettlementID, round.Round, round.Party,
		round.Amount.String(), round.Action, round.Strategy, round.Rationale, createdAt,
	)
	return err
}

// ListNegotiationRounds returns the offer history for a settlement in
// round order.
func (r *SQLRepository) ListNegotiationRounds(ctx context.Context, settlementID string) ([]*domain.NegotiationRound, error) {
	if settlementID == "" {
		return nil, fmt.Errorf("%w: settlement id is required", ErrInvalidInput)
	}

	query := `
		SELECT id, settlement_id, round, party, amount, action, strategy, rationale, created_at
		FROM negotiation_rounds
		WHERE settlement_id = ?
		ORDER BY round, created_at
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), settlementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rounds []*domain.NegotiationRound
	for rows.Next() {
		var nr domain.NegotiationRound
		var amount string
		var strategy, rationale sql.NullString

		if err := rows.Scan(
			&nr.ID, &nr.SettlementID, &nr.Round, &nr.Party,
			&amount, &nr.Action, &strategy, &rationale, &nr.CreatedAt,
		); err != nil {
			return nil, err
		}

		nr.Strategy = strategy.String
		nr.Rationale = rationale.String
		if nr.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("corrupt amount for round %s: %w", nr.ID, err)
		}
		rounds = append(rounds, &nr)
	}

	return rounds, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// placeholders returns "?, ?, ..." with n markers.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// isUniqueViolation recognizes unique-index errors from both drivers.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
