package consent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kenhuangus/agent-payment-platform/pkg/contracts"
	"github.com/kenhuangus/agent-payment-platform/pkg/database"
)

// SQLRepository implements Repository using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLRepository struct {
	db *sql.DB
}

// NewSQLRepository creates a repository over db.
func NewSQLRepository(db *sql.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

const consentSchema = `
CREATE TABLE IF NOT EXISTS consents (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	owner_party_id TEXT NOT NULL,
	rails TEXT NOT NULL,
	counterparties_allow TEXT NOT NULL,
	single_txn_usd TEXT NOT NULL,
	daily_usd TEXT NOT NULL,
	max_txn_per_hour INTEGER NOT NULL,
	cosign_threshold_usd TEXT NOT NULL,
	cosign_approver_group TEXT NOT NULL,
	policy_bundle_version TEXT NOT NULL,
	created_at_micros BIGINT NOT NULL,
	revoked BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_consents_agent ON consents (agent_id);
`

const consentColumns = `SELECT id, agent_id, owner_party_id, rails, counterparties_allow, single_txn_usd, daily_usd,
	max_txn_per_hour, cosign_threshold_usd, cosign_approver_group, policy_bundle_version, created_at_micros, revoked
	FROM consents`

// Init creates the consents table.
func (r *SQLRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, consentSchema); err != nil {
		return fmt.Errorf("failed to init consent schema: %w", err)
	}
	return nil
}

func (r *SQLRepository) Insert(ctx context.Context, c contracts.Consent) error {
	rails, err := json.Marshal(c.Rails)
	if err != nil {
		return fmt.Errorf("failed to encode rails: %w", err)
	}
	cps, err := json.Marshal(c.CounterpartiesAllow)
	if err != nil {
		return fmt.Errorf("failed to encode counterparties: %w", err)
	}

	query := `
		INSERT INTO consents (id, agent_id, owner_party_id, rails, counterparties_allow, single_txn_usd, daily_usd,
			max_txn_per_hour, cosign_threshold_usd, cosign_approver_group, policy_bundle_version, created_at_micros, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = r.db.ExecContext(ctx, query,
		c.ID, c.AgentID, c.OwnerPartyID, string(rails), string(cps),
		c.Limits.SingleTxnUSD.String(), c.Limits.DailyUSD.String(), c.Limits.MaxTxnPerHour,
		c.CosignRule.ThresholdUSD.String(), c.CosignRule.ApproverGroup, c.PolicyBundleVersion,
		c.CreatedAt.UnixMicro(), c.Revoked,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return ErrConflict.WithDetail("consent %s exists", c.ID)
		}
		return fmt.Errorf("failed to insert consent %s: %w", c.ID, err)
	}
	return nil
}

func (r *SQLRepository) Get(ctx context.Context, id string) (contracts.Consent, error) {
	row := r.db.QueryRowContext(ctx, consentColumns+` WHERE id = $1`, id)
	c, err := scanConsent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Consent{}, ErrNotFound.WithDetail("consent %s", id)
	}
	return c, err
}

// Revoke is a one-way update; revoking twice is a no-op.
func (r *SQLRepository) Revoke(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE consents SET revoked = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to revoke consent %s: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound.WithDetail("consent %s", id)
	}
	return nil
}

func (r *SQLRepository) ListByAgent(ctx context.Context, agentID string) ([]contracts.Consent, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if agentID == "" {
		rows, err = r.db.QueryContext(ctx, consentColumns+` ORDER BY id`)
	} else {
		rows, err = r.db.QueryContext(ctx, consentColumns+` WHERE agent_id = $1 ORDER BY id`, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list consents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]contracts.Consent, 0)
	for rows.Next() {
		c, err := scanConsent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConsent(row scanner) (contracts.Consent, error) {
	var (
		c                        contracts.Consent
		rails, cps               string
		single, daily, threshold string
		createdAt                int64
	)
	err := row.Scan(&c.ID, &c.AgentID, &c.OwnerPartyID, &rails, &cps, &single, &daily,
		&c.Limits.MaxTxnPerHour, &threshold, &c.CosignRule.ApproverGroup, &c.PolicyBundleVersion, &createdAt, &c.Revoked)
	if err != nil {
		return contracts.Consent{}, err
	}
	if err := json.Unmarshal([]byte(rails), &c.Rails); err != nil {
		return contracts.Consent{}, fmt.Errorf("corrupt rails for %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(cps), &c.CounterpartiesAllow); err != nil {
		return contracts.Consent{}, fmt.Errorf("corrupt counterparties for %s: %w", c.ID, err)
	}
	for dst, src := range map[*decimal.Decimal]string{
		&c.Limits.SingleTxnUSD:    single,
		&c.Limits.DailyUSD:        daily,
		&c.CosignRule.ThresholdUSD: threshold,
	} {
		v, err := decimal.NewFromString(src)
		if err != nil {
			return contracts.Consent{}, fmt.Errorf("corrupt amount for %s: %w", c.ID, err)
		}
		*dst = v
	}
	c.CreatedAt = time.UnixMicro(createdAt).UTC()
	return c, nil
}
