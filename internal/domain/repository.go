package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Repository defines the interface for settlement persistence. Status
// transitions go through conditional updates (compare-and-set on the
// current status) so concurrent callers race safely: the methods return
// false, nil when the guard did not match, and the caller maps that to
// InvalidTransitionError or ConcurrencyConflictError.
type Repository interface {
	// Settlement operations.
	// CreateSettlement enforces the one-non-terminal-settlement-per
	// (debtor, debt) invariant in a single conditional insert and
	// returns ErrActiveSettlement when it would be violated.
	CreateSettlement(ctx context.Context, s *Settlement) error
	GetSettlement(ctx context.Context, id string) (*Settlement, error)
	GetActiveSettlement(ctx context.Context, debtorID, debtID string) (*Settlement, error)

	// TransitionStatus atomically moves the settlement from any status
	// in from to the to status. Returns false when the current status
	// matched none of from.
	TransitionStatus(ctx context.Context, id string, from []SettlementStatus, to SettlementStatus) (bool, error)

	// UpdateNegotiatedAmounts revises the proposed amounts during a
	// negotiation round and moves the settlement to Negotiating, guarded
	// by the current status.
	UpdateNegotiatedAmounts(ctx context.Context, id string, from []SettlementStatus, settled, saved, fee decimal.Decimal) (bool, error)

	// SetTransactionHash records the submitted transaction against a
	// settlement that is still Accepted, making the pending transaction
	// discoverable for reconciliation after a crash.
	SetTransactionHash(ctx context.Context, id, txHash, contractAddr string) (bool, error)

	// CompleteSettlement moves Accepted -> Completed, guarded on a
	// recorded transaction hash, and stamps completed_at.
	CompleteSettlement(ctx context.Context, id string, completedAt time.Time) (bool, error)

	// Debt operations.
	SaveDebt(ctx context.Context, d *Debt) error
	GetDebt(ctx context.Context, id string) (*Debt, error)

	// Violation operations (records are immutable once written).
	SaveViolation(ctx context.Context, v *Violation) error
	ViolationsForDebt(ctx context.Context, debtID string) ([]*Violation, error)
	ViolationsForCreditor(ctx context.Context, creditorID string) ([]*Violation, error)
	ViolationsByIDs(ctx context.Context, ids []string) ([]*Violation, error)

	// Creditor profiles.
	SaveCreditorProfile(ctx context.Context, p *CreditorProfile) error
	GetCreditorProfile(ctx context.Context, id string) (*CreditorProfile, error)

	// Negotiation history.
	SaveNegotiationRound(ctx context.Context, r *NegotiationRound) error
	ListNegotiationRounds(ctx context.Context, settlementID string) ([]*NegotiationRound, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// ViolationStore is the read-side collaborator consumed by the scorer
// and orchestrator. The SQL repository satisfies it.
type ViolationStore interface {
	ViolationsForDebt(ctx context.Context, debtID string) ([]*Violation, error)
	ViolationsForCreditor(ctx context.Context, creditorID string) ([]*Violation, error)
	ViolationsByIDs(ctx context.Context, ids []string) ([]*Violation, error)
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `envconfig:"DB_DRIVER" default:"sqlite"`

	// SQLite specific
	SQLitePath string `envconfig:"DB_SQLITE_PATH" default:"./settlementd.db"`

	// PostgreSQL specific
	PostgresHost     string `envconfig:"DB_POSTGRES_HOST"`
	PostgresPort     int    `envconfig:"DB_POSTGRES_PORT" default:"5432"`
	PostgresUser     string `envconfig:"DB_POSTGRES_USER"`
	PostgresPassword string `envconfig:"DB_POSTGRES_PASSWORD"`
	PostgresDB       string `envconfig:"DB_POSTGRES_DB"`
	PostgresSSLMode  string `envconfig:"DB_POSTGRES_SSLMODE" default:"disable"`

	// Connection pool settings
	MaxOpenConns    int           `envconfig:"DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"1h"`
}
