package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/moltworks/agora/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables with NUMERIC columns
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS balances (
			agent_id    VARCHAR(40) PRIMARY KEY,
			amount      NUMERIC(12,2) NOT NULL DEFAULT 0,
			updated_at  TIMESTAMPTZ DEFAULT NOW(),
			CONSTRAINT chk_balance_nonneg CHECK (amount >= 0)
		);

		CREATE TABLE IF NOT EXISTS ledger_entries (
			id          VARCHAR(40) PRIMARY KEY,
			agent_id    VARCHAR(40) NOT NULL,
			type        VARCHAR(32) NOT NULL,
			amount      NUMERIC(12,2) NOT NULL,
			reference   VARCHAR(64),
			description TEXT,
			created_at  TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_entries_agent ON ledger_entries(agent_id, id DESC);

		CREATE TABLE IF NOT EXISTS escrows (
			id         VARCHAR(40) PRIMARY KEY,
			job_id     VARCHAR(40) NOT NULL UNIQUE,
			client_id  VARCHAR(40) NOT NULL,
			seller_id  VARCHAR(40) NOT NULL,
			amount     NUMERIC(12,2) NOT NULL,
			status     VARCHAR(16) NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			settled_at TIMESTAMPTZ,
			CONSTRAINT chk_escrow_positive CHECK (amount > 0)
		);

		CREATE TABLE IF NOT EXISTS escrow_events (
			id         VARCHAR(40) PRIMARY KEY,
			escrow_id  VARCHAR(40) NOT NULL REFERENCES escrows(id),
			event      VARCHAR(16) NOT NULL,
			amount     NUMERIC(12,2) NOT NULL,
			metadata   JSONB,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_escrow_events ON escrow_events(escrow_id, created_at);
	`)
	return err
}

// Balance retrieves an agent's available balance. Unknown agents have a
// zero balance.
func (p *PostgresStore) Balance(ctx context.Context, agentID string) (decimal.Decimal, error) {
	var amount decimal.Decimal
	err := p.db.QueryRowContext(ctx, `
		SELECT amount FROM balances WHERE agent_id = $1
	`, agentID).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return amount, nil
}

// Credit adds funds to an agent's balance and records the entry.
func (p *PostgresStore) Credit(ctx context.Context, agentID string, amount decimal.Decimal, entryType, reference, description string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := creditTx(ctx, tx, agentID, amount); err != nil {
		return err
	}
	if err := recordEntry(ctx, tx, agentID, amount, entryType, reference, description); err != nil {
		return err
	}
	return tx.Commit()
}

// CreditTx posts a credit and its entry inside a caller-owned
// transaction. The caller commits; callers use it to make an external
// write and the balance credit atomic.
func (p *PostgresStore) CreditTx(ctx context.Context, tx *sql.Tx, agentID string, amount decimal.Decimal, entryType, reference, description string) error {
	if err := creditTx(ctx, tx, agentID, amount); err != nil {
		return err
	}
	return recordEntry(ctx, tx, agentID, amount, entryType, reference, description)
}

// Debit removes funds from an agent's balance under a row lock.
func (p *PostgresStore) Debit(ctx context.Context, agentID string, amount decimal.Decimal, entryType, reference, description string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	balance, err := lockBalance(ctx, tx, agentID)
	if err != nil {
		return err
	}
	if balance.LessThan(amount) {
		return ErrInsufficientBalance
	}
	if err := debitTx(ctx, tx, agentID, amount); err != nil {
		return err
	}
	if err := recordEntry(ctx, tx, agentID, amount.Neg(), entryType, reference, description); err != nil {
		return err
	}
	return tx.Commit()
}

// History retrieves ledger entries for an agent, newest first. beforeID
// pages past entries with IDs smaller than it.
func (p *PostgresStore) History(ctx context.Context, agentID string, limit int, beforeID string) ([]*Entry, error) {
	query := `
		SELECT id, agent_id, type, amount, reference, description, created_at
		FROM ledger_entries
		WHERE agent_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	args := []any{agentID, limit}
	if beforeID != "" {
		query = `
			SELECT id, agent_id, type, amount, reference, description, created_at
			FROM ledger_entries
			WHERE agent_id = $1
			  AND created_at < (SELECT created_at FROM ledger_entries WHERE id = $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`
		args = append(args, beforeID)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var reference, description sql.NullString
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Type, &e.Amount, &reference, &description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Reference = reference.String
		e.Description = description.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// FundEscrow debits the client and opens the escrow in one transaction.
func (p *PostgresStore) FundEscrow(ctx context.Context, esc *Escrow) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	balance, err := lockBalance(ctx, tx, esc.ClientID)
	if err != nil {
		return err
	}
	if balance.LessThan(esc.Amount) {
		return ErrInsufficientBalance
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrows (id, job_id, client_id, seller_id, amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, esc.ID, esc.JobID, esc.ClientID, esc.SellerID, esc.Amount, esc.Status, esc.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyFunded
	}
	if err != nil {
		return fmt.Errorf("insert escrow: %w", err)
	}

	if err := debitTx(ctx, tx, esc.ClientID, esc.Amount); err != nil {
		return err
	}
	if err := recordEntry(ctx, tx, esc.ClientID, esc.Amount.Neg(), EntryEscrowFund, esc.JobID, ""); err != nil {
		return err
	}
	if err := recordEvent(ctx, tx, esc.ID, "created", esc.Amount, nil); err != nil {
		return err
	}
	if err := recordEvent(ctx, tx, esc.ID, "funded", esc.Amount, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// GetEscrow retrieves an escrow by ID.
func (p *PostgresStore) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	return p.getEscrow(ctx, "id", id)
}

// GetEscrowByJob retrieves the escrow backing a job.
func (p *PostgresStore) GetEscrowByJob(ctx context.Context, jobID string) (*Escrow, error) {
	return p.getEscrow(ctx, "job_id", jobID)
}

func (p *PostgresStore) getEscrow(ctx context.Context, column, value string) (*Escrow, error) {
	esc := &Escrow{}
	var settledAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT id, job_id, client_id, seller_id, amount, status, created_at, settled_at
		FROM escrows WHERE `+column+` = $1
	`, value).Scan(&esc.ID, &esc.JobID, &esc.ClientID, &esc.SellerID, &esc.Amount, &esc.Status, &esc.CreatedAt, &settledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, err
	}
	if settledAt.Valid {
		esc.SettledAt = &settledAt.Time
	}
	return esc, nil
}

// ReleaseEscrow settles a funded escrow to the seller. The seller receives
// the escrowed amount minus their fee share; the client's share is
// collected from whatever balance they still hold. Both fee portions are
// credited to the platform account.
func (p *PostgresStore) ReleaseEscrow(ctx context.Context, escrowID string, split FeeSplit) (*Escrow, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	esc, err := lockEscrow(ctx, tx, escrowID)
	if err != nil {
		return nil, err
	}
	if esc.Status != EscrowFunded {
		return nil, ErrNotFunded
	}

	// Lock balance rows in sorted order. Settlements touching the same
	// agents from concurrent transactions must agree on lock order.
	parties := []string{esc.SellerID, esc.ClientID, PlatformAccount}
	sort.Strings(parties)
	for _, id := range parties {
		if _, err := lockBalance(ctx, tx, id); err != nil {
			return nil, err
		}
	}

	sellerCredit := esc.Amount.Sub(split.SellerShare)
	if err := creditTx(ctx, tx, esc.SellerID, sellerCredit); err != nil {
		return nil, err
	}
	if err := recordEntry(ctx, tx, esc.SellerID, esc.Amount, EntryEscrowReceive, esc.JobID, ""); err != nil {
		return nil, err
	}
	if err := recordEntry(ctx, tx, esc.SellerID, split.SellerShare.Neg(), EntryFeeBase, esc.JobID, ""); err != nil {
		return nil, err
	}

	// Client's half is best-effort: collect what their balance covers and
	// record the shortfall as absorbed.
	clientBalance, err := lockBalance(ctx, tx, esc.ClientID)
	if err != nil {
		return nil, err
	}
	collected := split.ClientShare
	if clientBalance.LessThan(collected) {
		collected = clientBalance
	}
	if collected.Sign() > 0 {
		if err := debitTx(ctx, tx, esc.ClientID, collected); err != nil {
			return nil, err
		}
		if err := recordEntry(ctx, tx, esc.ClientID, collected.Neg(), EntryFeeBase, esc.JobID, ""); err != nil {
			return nil, err
		}
	}

	platformTake := split.SellerShare.Add(collected)
	if platformTake.Sign() > 0 {
		if err := creditTx(ctx, tx, PlatformAccount, platformTake); err != nil {
			return nil, err
		}
		if err := recordEntry(ctx, tx, PlatformAccount, platformTake, EntryFeeBase, esc.JobID, ""); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE escrows SET status = $2, settled_at = $3 WHERE id = $1
	`, escrowID, EscrowReleased, now); err != nil {
		return nil, fmt.Errorf("update escrow: %w", err)
	}

	meta := map[string]any{
		"fee_total":              split.Total.String(),
		"seller_share":           split.SellerShare.String(),
		"client_share":           split.ClientShare.String(),
		"client_share_collected": collected.String(),
		"seller_credit":          sellerCredit.String(),
	}
	if collected.LessThan(split.ClientShare) {
		meta["absorbed"] = split.ClientShare.Sub(collected).String()
	}
	if err := recordEvent(ctx, tx, escrowID, "released", esc.Amount, meta); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	esc.Status = EscrowReleased
	esc.SettledAt = &now
	return esc, nil
}

// RefundEscrow returns a funded escrow to the client in full.
func (p *PostgresStore) RefundEscrow(ctx context.Context, escrowID string) (*Escrow, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	esc, err := lockEscrow(ctx, tx, escrowID)
	if err != nil {
		return nil, err
	}
	if esc.Status != EscrowFunded {
		return nil, ErrNotFunded
	}

	if err := creditTx(ctx, tx, esc.ClientID, esc.Amount); err != nil {
		return nil, err
	}
	if err := recordEntry(ctx, tx, esc.ClientID, esc.Amount, EntryEscrowRefund, esc.JobID, ""); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE escrows SET status = $2, settled_at = $3 WHERE id = $1
	`, escrowID, EscrowRefunded, now); err != nil {
		return nil, fmt.Errorf("update escrow: %w", err)
	}
	if err := recordEvent(ctx, tx, escrowID, "refunded", esc.Amount, nil); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	esc.Status = EscrowRefunded
	esc.SettledAt = &now
	return esc, nil
}

// EscrowEvents returns the audit trail for an escrow, oldest first.
func (p *PostgresStore) EscrowEvents(ctx context.Context, escrowID string) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, escrow_id, event, amount, metadata, created_at
		FROM escrow_events
		WHERE escrow_id = $1
		ORDER BY created_at, id
	`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev := &Event{}
		var meta []byte
		if err := rows.Scan(&ev.ID, &ev.EscrowID, &ev.Event, &ev.Amount, &meta, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("decode event metadata: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// lockBalance acquires a row lock on an agent's balance, creating the row
// if it does not exist, and returns the current amount.
func lockBalance(ctx context.Context, tx *sql.Tx, agentID string) (decimal.Decimal, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO balances (agent_id, amount) VALUES ($1, 0)
		ON CONFLICT (agent_id) DO NOTHING
	`, agentID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ensure balance row: %w", err)
	}

	var amount decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT amount FROM balances WHERE agent_id = $1 FOR UPDATE
	`, agentID).Scan(&amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("lock balance: %w", err)
	}
	return amount, nil
}

func lockEscrow(ctx context.Context, tx *sql.Tx, escrowID string) (*Escrow, error) {
	esc := &Escrow{}
	var settledAt sql.NullTime
	err := tx.QueryRowContext(ctx, `
		SELECT id, job_id, client_id, seller_id, amount, status, created_at, settled_at
		FROM escrows WHERE id = $1 FOR UPDATE
	`, escrowID).Scan(&esc.ID, &esc.JobID, &esc.ClientID, &esc.SellerID, &esc.Amount, &esc.Status, &esc.CreatedAt, &settledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock escrow: %w", err)
	}
	if settledAt.Valid {
		esc.SettledAt = &settledAt.Time
	}
	return esc, nil
}

func creditTx(ctx context.Context, tx *sql.Tx, agentID string, amount decimal.Decimal) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO balances (agent_id, amount, updated_at)
		VALUES ($1, $2::NUMERIC(12,2), NOW())
		ON CONFLICT (agent_id) DO UPDATE SET
			amount     = balances.amount + $2::NUMERIC(12,2),
			updated_at = NOW()
	`, agentID, amount)
	if err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	return nil
}

func debitTx(ctx context.Context, tx *sql.Tx, agentID string, amount decimal.Decimal) error {
	// The CHECK constraint (amount >= 0) backstops the locked read.
	result, err := tx.ExecContext(ctx, `
		UPDATE balances SET
			amount     = amount - $2::NUMERIC(12,2),
			updated_at = NOW()
		WHERE agent_id = $1
	`, agentID, amount)
	if err != nil {
		return fmt.Errorf("debit balance: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func recordEntry(ctx context.Context, tx *sql.Tx, agentID string, amount decimal.Decimal, entryType, reference, description string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, agent_id, type, amount, reference, description, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(12,2), NULLIF($5, ''), NULLIF($6, ''), NOW())
	`, idgen.WithPrefix("le_"), agentID, entryType, amount, reference, description)
	if err != nil {
		return fmt.Errorf("record entry: %w", err)
	}
	return nil
}

func recordEvent(ctx context.Context, tx *sql.Tx, escrowID, event string, amount decimal.Decimal, metadata map[string]any) error {
	var meta []byte
	if metadata != nil {
		var err error
		if meta, err = json.Marshal(metadata); err != nil {
			return fmt.Errorf("encode event metadata: %w", err)
		}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO escrow_events (id, escrow_id, event, amount, metadata, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(12,2), $5, NOW())
	`, idgen.WithPrefix("ev_"), escrowID, event, amount, meta)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
