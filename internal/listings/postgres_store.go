package listings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed listings store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the listings table
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS listings (
			id            VARCHAR(40) PRIMARY KEY,
			seller_id     VARCHAR(40) NOT NULL,
			title         VARCHAR(255) NOT NULL,
			description   TEXT,
			category      VARCHAR(64) NOT NULL,
			price         NUMERIC(12,2) NOT NULL,
			input_schema  JSONB,
			output_schema JSONB,
			active        BOOLEAN NOT NULL DEFAULT TRUE,
			created_at    TIMESTAMPTZ DEFAULT NOW(),
			updated_at    TIMESTAMPTZ DEFAULT NOW(),
			CONSTRAINT chk_listing_price CHECK (price > 0)
		);

		CREATE INDEX IF NOT EXISTS idx_listings_seller   ON listings(seller_id);
		CREATE INDEX IF NOT EXISTS idx_listings_discover ON listings(category, active);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, l *Listing) error {
	input, output, err := marshalSchemas(l)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO listings (id, seller_id, title, description, category, price,
			input_schema, output_schema, active, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11)
	`, l.ID, l.SellerID, l.Title, l.Description, l.Category, l.Price,
		input, output, l.Active, l.CreatedAt, l.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Listing, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, seller_id, title, description, category, price,
			input_schema, output_schema, active, created_at, updated_at
		FROM listings WHERE id = $1
	`, id)
	l, err := scanListing(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return l, err
}

func (p *PostgresStore) Update(ctx context.Context, l *Listing) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE listings SET
			title       = $2,
			description = NULLIF($3, ''),
			price       = $4,
			active      = $5,
			updated_at  = $6
		WHERE id = $1
	`, l.ID, l.Title, l.Description, l.Price, l.Active, l.UpdatedAt)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Listing, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, seller_id, title, description, category, price,
			input_schema, output_schema, active, created_at, updated_at
		FROM listings
		WHERE seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, sellerID, limit)
	if err != nil {
		return nil, err
	}
	return collectListings(rows)
}

// Discover ranks active listings by the seller's reputation, then recency.
func (p *PostgresStore) Discover(ctx context.Context, filter DiscoverFilter) ([]*Listing, error) {
	query := `
		SELECT l.id, l.seller_id, l.title, l.description, l.category, l.price,
			l.input_schema, l.output_schema, l.active, l.created_at, l.updated_at
		FROM listings l
		JOIN agents a ON a.id = l.seller_id
		WHERE l.active = TRUE AND a.status = 'active'
	`
	args := []any{}
	if filter.Category != "" {
		args = append(args, filter.Category)
		query += fmt.Sprintf(" AND l.category = $%d", len(args))
	}
	if filter.MaxPrice != nil {
		args = append(args, *filter.MaxPrice)
		query += fmt.Sprintf(" AND l.price <= $%d", len(args))
	}
	args = append(args, filter.Limit, filter.Offset)
	query += fmt.Sprintf(`
		ORDER BY a.reputation_seller DESC, l.created_at DESC
		LIMIT $%d OFFSET $%d
	`, len(args)-1, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectListings(rows)
}

func collectListings(rows *sql.Rows) ([]*Listing, error) {
	defer rows.Close()
	var out []*Listing
	for rows.Next() {
		l, err := scanListing(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanListing(scan func(...any) error) (*Listing, error) {
	l := &Listing{}
	var description sql.NullString
	var input, output []byte
	err := scan(&l.ID, &l.SellerID, &l.Title, &description, &l.Category, &l.Price,
		&input, &output, &l.Active, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	l.Description = description.String
	if len(input) > 0 {
		if err := json.Unmarshal(input, &l.InputSchema); err != nil {
			return nil, fmt.Errorf("decode input schema: %w", err)
		}
	}
	if len(output) > 0 {
		if err := json.Unmarshal(output, &l.OutputSchema); err != nil {
			return nil, fmt.Errorf("decode output schema: %w", err)
		}
	}
	return l, nil
}

func marshalSchemas(l *Listing) (input, output []byte, err error) {
	if l.InputSchema != nil {
		if input, err = json.Marshal(l.InputSchema); err != nil {
			return nil, nil, fmt.Errorf("encode input schema: %w", err)
		}
	}
	if l.OutputSchema != nil {
		if output, err = json.Marshal(l.OutputSchema); err != nil {
			return nil, nil, fmt.Errorf("encode output schema: %w", err)
		}
	}
	return input, output, nil
}
