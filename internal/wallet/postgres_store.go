package wallet

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the wallet tables
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS deposit_addresses (
			agent_id   VARCHAR(40) PRIMARY KEY,
			address    CHAR(42) NOT NULL UNIQUE,
			key_index  BIGINT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS deposits (
			id           VARCHAR(40) PRIMARY KEY,
			agent_id     VARCHAR(40) NOT NULL,
			tx_hash      CHAR(66) NOT NULL UNIQUE,
			address      CHAR(42) NOT NULL,
			amount       NUMERIC(12,2) NOT NULL,
			block_number BIGINT NOT NULL,
			status       VARCHAR(16) NOT NULL,
			created_at   TIMESTAMPTZ DEFAULT NOW(),
			credited_at  TIMESTAMPTZ,
			CONSTRAINT chk_deposit_positive CHECK (amount > 0)
		);

		CREATE INDEX IF NOT EXISTS idx_deposits_agent ON deposits(agent_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_deposits_confirming ON deposits(status) WHERE status = 'confirming';

		CREATE TABLE IF NOT EXISTS withdrawals (
			id            VARCHAR(40) PRIMARY KEY,
			agent_id      VARCHAR(40) NOT NULL,
			to_address    CHAR(42) NOT NULL,
			amount        NUMERIC(12,2) NOT NULL,
			fee           NUMERIC(12,2) NOT NULL,
			net           NUMERIC(12,2) NOT NULL,
			status        VARCHAR(16) NOT NULL,
			tx_hash       CHAR(66),
			error_message TEXT,
			created_at    TIMESTAMPTZ DEFAULT NOW(),
			updated_at    TIMESTAMPTZ DEFAULT NOW(),
			CONSTRAINT chk_withdrawal_positive CHECK (amount > 0)
		);

		CREATE INDEX IF NOT EXISTS idx_withdrawals_agent ON withdrawals(agent_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_withdrawals_pending ON withdrawals(created_at) WHERE status = 'pending';
	`)
	return err
}

func (p *PostgresStore) GetAddress(ctx context.Context, agentID string) (*DepositAddress, error) {
	addr := &DepositAddress{}
	err := p.db.QueryRowContext(ctx, `
		SELECT agent_id, address, key_index, created_at
		FROM deposit_addresses WHERE agent_id = $1
	`, agentID).Scan(&addr.AgentID, &addr.Address, &addr.KeyIndex, &addr.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return addr, nil
}

func (p *PostgresStore) GetAddressByAddress(ctx context.Context, address string) (*DepositAddress, error) {
	addr := &DepositAddress{}
	err := p.db.QueryRowContext(ctx, `
		SELECT agent_id, address, key_index, created_at
		FROM deposit_addresses WHERE address = $1
	`, address).Scan(&addr.AgentID, &addr.Address, &addr.KeyIndex, &addr.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return addr, nil
}

func (p *PostgresStore) CreateAddress(ctx context.Context, addr *DepositAddress) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO deposit_addresses (agent_id, address, key_index, created_at)
		VALUES ($1, $2, $3, $4)
	`, addr.AgentID, addr.Address, addr.KeyIndex, addr.CreatedAt)
	return err
}

func (p *PostgresStore) NextKeyIndex(ctx context.Context) (uint32, error) {
	var next int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(key_index) + 1, 0) FROM deposit_addresses
	`).Scan(&next)
	if err != nil {
		return 0, err
	}
	return uint32(next), nil
}

func (p *PostgresStore) CreateDeposit(ctx context.Context, dep *Deposit) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO deposits (id, agent_id, tx_hash, address, amount, block_number, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, dep.ID, dep.AgentID, dep.TxHash, dep.Address, dep.Amount, dep.BlockNumber, dep.Status, dep.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateDeposit
	}
	return err
}

func (p *PostgresStore) ListConfirming(ctx context.Context) ([]*Deposit, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, agent_id, tx_hash, address, amount, block_number, status, created_at, credited_at
		FROM deposits WHERE status = 'confirming' ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeposits(rows)
}

func (p *PostgresStore) ListDeposits(ctx context.Context, agentID string, limit int) ([]*Deposit, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, agent_id, tx_hash, address, amount, block_number, status, created_at, credited_at
		FROM deposits WHERE agent_id = $1 ORDER BY created_at DESC LIMIT $2
	`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeposits(rows)
}

func (p *PostgresStore) MarkCredited(ctx context.Context, depositID string, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE deposits SET status = 'credited', credited_at = $2
		WHERE id = $1 AND status = 'confirming'
	`, depositID, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CreditDeposit claims a confirming deposit and runs the ledger credit in
// the same transaction. Returns false without calling credit when another
// instance already claimed the row.
func (p *PostgresStore) CreditDeposit(ctx context.Context, depositID string, at time.Time, credit func(tx *sql.Tx) error) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE deposits SET status = 'credited', credited_at = $2
		WHERE id = $1 AND status = 'confirming'
	`, depositID, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n != 1 {
		return false, nil
	}
	if err := credit(tx); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (p *PostgresStore) CreateWithdrawal(ctx context.Context, wd *Withdrawal) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO withdrawals (id, agent_id, to_address, amount, fee, net, status,
			tx_hash, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), $10, $11)
	`, wd.ID, wd.AgentID, wd.ToAddress, wd.Amount, wd.Fee, wd.Net, wd.Status,
		wd.TxHash, wd.ErrorMessage, wd.CreatedAt, wd.UpdatedAt)
	return err
}

func (p *PostgresStore) GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error) {
	wd, err := scanWithdrawal(p.db.QueryRowContext(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return wd, err
}

func (p *PostgresStore) ListWithdrawals(ctx context.Context, agentID string, limit int) ([]*Withdrawal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE agent_id = $1 ORDER BY created_at DESC LIMIT $2
	`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Withdrawal
	for rows.Next() {
		wd, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wd)
	}
	return out, rows.Err()
}

// ClaimPending moves the oldest pending withdrawal to processing. SKIP
// LOCKED keeps concurrent workers off the same row.
func (p *PostgresStore) ClaimPending(ctx context.Context) (*Withdrawal, error) {
	wd, err := scanWithdrawal(p.db.QueryRowContext(ctx, `
		UPDATE withdrawals SET status = 'processing', updated_at = NOW()
		WHERE id = (
			SELECT id FROM withdrawals WHERE status = 'pending'
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+withdrawalColumns+`
	`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return wd, err
}

func (p *PostgresStore) ListStaleProcessing(ctx context.Context, olderThan time.Time) ([]*Withdrawal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE status = 'processing' AND updated_at < $1
	`, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Withdrawal
	for rows.Next() {
		wd, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wd)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateWithdrawal(ctx context.Context, wd *Withdrawal) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE withdrawals
		SET status = $2, tx_hash = NULLIF($3, ''), error_message = NULLIF($4, ''), updated_at = $5
		WHERE id = $1
	`, wd.ID, wd.Status, wd.TxHash, wd.ErrorMessage, wd.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const withdrawalColumns = `id, agent_id, to_address, amount, fee, net, status, tx_hash, error_message, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWithdrawal(row rowScanner) (*Withdrawal, error) {
	wd := &Withdrawal{}
	var txHash, errMsg sql.NullString
	err := row.Scan(&wd.ID, &wd.AgentID, &wd.ToAddress, &wd.Amount, &wd.Fee, &wd.Net,
		&wd.Status, &txHash, &errMsg, &wd.CreatedAt, &wd.UpdatedAt)
	if err != nil {
		return nil, err
	}
	wd.TxHash = txHash.String
	wd.ErrorMessage = errMsg.String
	return wd, nil
}

func scanDeposits(rows *sql.Rows) ([]*Deposit, error) {
	var out []*Deposit
	for rows.Next() {
		dep := &Deposit{}
		var creditedAt sql.NullTime
		var blockNumber int64
		if err := rows.Scan(&dep.ID, &dep.AgentID, &dep.TxHash, &dep.Address, &dep.Amount,
			&blockNumber, &dep.Status, &dep.CreatedAt, &creditedAt); err != nil {
			return nil, err
		}
		dep.BlockNumber = uint64(blockNumber)
		if creditedAt.Valid {
			t := creditedAt.Time
			dep.CreditedAt = &t
		}
		out = append(out, dep)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
