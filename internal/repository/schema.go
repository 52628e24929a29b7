package repository

// Schema definitions for the settlement database.
// Compatible with both SQLite and PostgreSQL.
// Monetary columns are stored as decimal strings so the
// settled + saved == original invariant survives round-trips exactly.

const schemaSettlements = `
CREATE TABLE IF NOT EXISTS settlements (
    id TEXT PRIMARY KEY,
    debtor_id TEXT NOT NULL,
    creditor_id TEXT NOT NULL,
    debt_id TEXT NOT NULL,
    original_amount TEXT NOT NULL,
    settled_amount TEXT NOT NULL,
    saved_amount TEXT NOT NULL,
    platform_fee TEXT NOT NULL,
    status TEXT NOT NULL,
    smart_contract_address TEXT,
    transaction_hash TEXT,
    proposed_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_settlements_debtor ON settlements(debtor_id);
CREATE INDEX IF NOT EXISTS idx_settlements_creditor ON settlements(creditor_id);
CREATE INDEX IF NOT EXISTS idx_settlements_debt ON settlements(debtor_id, debt_id);
CREATE INDEX IF NOT EXISTS idx_settlements_status ON settlements(status);

CREATE UNIQUE INDEX IF NOT EXISTS idx_settlements_active
    ON settlements(debtor_id, debt_id)
    WHERE status IN ('proposed', 'negotiating', 'accepted');
`

const schemaDebts = `
CREATE TABLE IF NOT EXISTS debts (
    id TEXT PRIMARY KEY,
    debtor_id TEXT NOT NULL,
    creditor_id TEXT NOT NULL,
    reference TEXT,
    principal_amount TEXT NOT NULL,
    originated_at TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_debts_debtor ON debts(debtor_id);
CREATE INDEX IF NOT EXISTS idx_debts_creditor ON debts(creditor_id);
`

const schemaViolations = `
CREATE TABLE IF NOT EXISTS violations (
    id TEXT PRIMARY KEY,
    creditor_id TEXT NOT NULL,
    debt_id TEXT,
    type TEXT NOT NULL,
    severity TEXT NOT NULL,
    confidence REAL NOT NULL,
    evidence TEXT,
    legal_reference TEXT,
    estimated_damage TEXT NOT NULL,
    occurred_at TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_violations_creditor ON violations(creditor_id);
CREATE INDEX IF NOT EXISTS idx_violations_debt ON violations(debt_id);
CREATE INDEX IF NOT EXISTS idx_violations_severity ON violations(severity);
`

const schemaCreditorProfiles = `
CREATE TABLE IF NOT EXISTS creditor_profiles (
    id TEXT PRIMARY KEY,
    name TEXT,
    type TEXT,
    total_violations INTEGER NOT NULL DEFAULT 0,
    violation_score REAL NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaNegotiationRounds = `
CREATE TABLE IF NOT EXISTS negotiation_rounds (
    id TEXT PRIMARY KEY,
    settlement_id TEXT NOT NULL,
    round INTEGER NOT NULL,
    party TEXT NOT NULL,
    amount TEXT NOT NULL,
    action TEXT NOT NULL,
    strategy TEXT,
    rationale TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_negotiation_rounds_settlement ON negotiation_rounds(settlement_id, round);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaSettlements,
		schemaDebts,
		schemaViolations,
		schemaCreditorProfiles,
		schemaNegotiationRounds,
	}
}
