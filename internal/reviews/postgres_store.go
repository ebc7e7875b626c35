package reviews

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed review store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the reviews table
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS reviews (
			id           VARCHAR(40) PRIMARY KEY,
			job_id       VARCHAR(40) NOT NULL,
			author_id    VARCHAR(40) NOT NULL,
			subject_id   VARCHAR(40) NOT NULL,
			subject_role VARCHAR(8) NOT NULL,
			rating       SMALLINT NOT NULL,
			comment      TEXT,
			created_at   TIMESTAMPTZ DEFAULT NOW(),
			CONSTRAINT chk_rating CHECK (rating BETWEEN 1 AND 5),
			CONSTRAINT uq_review_per_side UNIQUE (job_id, author_id)
		);

		CREATE INDEX IF NOT EXISTS idx_reviews_subject ON reviews(subject_id, subject_role, created_at DESC);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, rev *Review) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reviews (id, job_id, author_id, subject_id, subject_role, rating, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
	`, rev.ID, rev.JobID, rev.AuthorID, rev.SubjectID, rev.SubjectRole, rev.Rating, rev.Comment, rev.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrAlreadyExists
	}
	return err
}

func (p *PostgresStore) ListByJob(ctx context.Context, jobID string) ([]*Review, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, job_id, author_id, subject_id, subject_role, rating, COALESCE(comment, ''), created_at
		FROM reviews WHERE job_id = $1 ORDER BY created_at
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReviews(rows)
}

func (p *PostgresStore) ListBySubject(ctx context.Context, subjectID string, role Role, limit int) ([]*Review, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, job_id, author_id, subject_id, subject_role, rating, COALESCE(comment, ''), created_at
		FROM reviews WHERE subject_id = $1 AND subject_role = $2
		ORDER BY created_at DESC LIMIT $3
	`, subjectID, role, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReviews(rows)
}

func scanReviews(rows *sql.Rows) ([]*Review, error) {
	var out []*Review
	for rows.Next() {
		rev := &Review{}
		if err := rows.Scan(&rev.ID, &rev.JobID, &rev.AuthorID, &rev.SubjectID,
			&rev.SubjectRole, &rev.Rating, &rev.Comment, &rev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rev)
	}
	return out, rows.Err()
}
