package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/moltworks/agora/internal/pagination"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed job store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the jobs table
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS jobs (
			id              VARCHAR(40) PRIMARY KEY,
			listing_id      VARCHAR(40),
			client_id       VARCHAR(40) NOT NULL,
			seller_id       VARCHAR(40) NOT NULL,
			status          VARCHAR(16) NOT NULL,
			offered_price   NUMERIC(12,2) NOT NULL,
			agreed_price    NUMERIC(12,2) NOT NULL DEFAULT 0,
			criteria        TEXT NOT NULL,
			criteria_sha256 CHAR(64) NOT NULL,
			round           INT NOT NULL DEFAULT 0,
			negotiation_log JSONB,
			suite           JSONB,
			escrow_id       VARCHAR(40),
			deadline_at     TIMESTAMPTZ,
			delivery        JSONB,
			report          JSONB,
			fail_reason     TEXT,
			dispute_reason  TEXT,
			resolution      TEXT,
			created_at      TIMESTAMPTZ NOT NULL,
			updated_at      TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_jobs_client ON jobs(client_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_jobs_seller ON jobs(seller_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	`)
	return err
}

const jobColumns = `id, listing_id, client_id, seller_id, status, offered_price, agreed_price,
	criteria, criteria_sha256, round, negotiation_log, suite, escrow_id, deadline_at,
	delivery, report, fail_reason, dispute_reason, resolution, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, job *Job) error {
	cols, err := encodeJobJSON(job)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NULLIF($13, ''), $14, $15, $16,
			NULLIF($17, ''), NULLIF($18, ''), NULLIF($19, ''), $20, $21)
	`, job.ID, job.ListingID, job.ClientID, job.SellerID, job.Status,
		job.OfferedPrice, job.AgreedPrice, job.Criteria, job.CriteriaSHA256, job.Round,
		cols.log, cols.suite, job.EscrowID, job.DeadlineAt, cols.delivery, cols.report,
		job.FailReason, job.DisputeReason, job.Resolution, job.CreatedAt, job.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

func (p *PostgresStore) Update(ctx context.Context, job *Job) error {
	cols, err := encodeJobJSON(job)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE jobs SET
			status          = $2,
			offered_price   = $3,
			agreed_price    = $4,
			round           = $5,
			negotiation_log = $6,
			suite           = $7,
			escrow_id       = NULLIF($8, ''),
			deadline_at     = $9,
			delivery        = $10,
			report          = $11,
			fail_reason     = NULLIF($12, ''),
			dispute_reason  = NULLIF($13, ''),
			resolution      = NULLIF($14, ''),
			updated_at      = $15
		WHERE id = $1
	`, job.ID, job.Status, job.OfferedPrice, job.AgreedPrice, job.Round,
		cols.log, cols.suite, job.EscrowID, job.DeadlineAt, cols.delivery, cols.report,
		job.FailReason, job.DisputeReason, job.Resolution, job.UpdatedAt)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListByAgent(ctx context.Context, filter ListFilter) ([]*Job, string, error) {
	cursor, err := pagination.Decode(filter.Cursor)
	if err != nil {
		return nil, "", err
	}

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE (client_id = $1 OR seller_id = $1)`
	args := []any{filter.AgentID}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if cursor != nil {
		args = append(args, cursor.CreatedAt, cursor.ID)
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}
	args = append(args, filter.Limit+1)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	page, next, _ := pagination.ComputePage(out, filter.Limit, func(j *Job) (time.Time, string) {
		return j.CreatedAt, j.ID
	})
	return page, next, nil
}

type jobJSON struct {
	log      []byte
	suite    []byte
	delivery []byte
	report   []byte
}

func encodeJobJSON(job *Job) (jobJSON, error) {
	var cols jobJSON
	var err error
	if len(job.NegotiationLog) > 0 {
		if cols.log, err = json.Marshal(job.NegotiationLog); err != nil {
			return cols, fmt.Errorf("encode negotiation log: %w", err)
		}
	}
	if job.Suite != nil {
		if cols.suite, err = json.Marshal(job.Suite); err != nil {
			return cols, fmt.Errorf("encode suite: %w", err)
		}
	}
	if job.Delivery != nil {
		if cols.delivery, err = json.Marshal(job.Delivery); err != nil {
			return cols, fmt.Errorf("encode delivery: %w", err)
		}
	}
	if job.Report != nil {
		if cols.report, err = json.Marshal(job.Report); err != nil {
			return cols, fmt.Errorf("encode report: %w", err)
		}
	}
	return cols, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	job := &Job{}
	var (
		log, suite, delivery, report []byte
		listingID, escrowID          sql.NullString
		failReason, disputeReason    sql.NullString
		resolution                   sql.NullString
		deadlineAt                   sql.NullTime
	)
	err := row.Scan(&job.ID, &listingID, &job.ClientID, &job.SellerID, &job.Status,
		&job.OfferedPrice, &job.AgreedPrice, &job.Criteria, &job.CriteriaSHA256, &job.Round,
		&log, &suite, &escrowID, &deadlineAt, &delivery, &report,
		&failReason, &disputeReason, &resolution, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	job.ListingID = listingID.String
	job.EscrowID = escrowID.String
	job.FailReason = failReason.String
	job.DisputeReason = disputeReason.String
	job.Resolution = resolution.String
	if deadlineAt.Valid {
		t := deadlineAt.Time
		job.DeadlineAt = &t
	}
	if len(log) > 0 {
		if err := json.Unmarshal(log, &job.NegotiationLog); err != nil {
			return nil, fmt.Errorf("decode negotiation log: %w", err)
		}
	}
	if len(suite) > 0 {
		if err := json.Unmarshal(suite, &job.Suite); err != nil {
			return nil, fmt.Errorf("decode suite: %w", err)
		}
	}
	if len(delivery) > 0 {
		if err := json.Unmarshal(delivery, &job.Delivery); err != nil {
			return nil, fmt.Errorf("decode delivery: %w", err)
		}
	}
	if len(report) > 0 {
		if err := json.Unmarshal(report, &job.Report); err != nil {
			return nil, fmt.Errorf("decode report: %w", err)
		}
	}
	return job, nil
}

// ListOpenByAgent returns the agent's unsettled jobs, oldest first, for a
// deactivation sweep.
func (p *PostgresStore) ListOpenByAgent(ctx context.Context, agentID string) ([]*Job, error) {
	return p.listByStatuses(ctx, `(client_id = $1 OR seller_id = $1) AND status = ANY($2)`,
		openStatuses, agentID)
}

// ListScheduled returns every live job carrying a deadline, for startup
// re-enqueue.
func (p *PostgresStore) ListScheduled(ctx context.Context) ([]*Job, error) {
	return p.listByStatuses(ctx, `deadline_at IS NOT NULL AND status = ANY($1)`, liveStatuses)
}

func (p *PostgresStore) listByStatuses(ctx context.Context, where string, statuses []Status, args ...any) ([]*Job, error) {
	set := make([]string, len(statuses))
	for i, s := range statuses {
		set[i] = string(s)
	}
	args = append(args, pq.Array(set))

	rows, err := p.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE `+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
