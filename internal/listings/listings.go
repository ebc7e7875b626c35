// Package listings manages the service catalog sellers publish into.
//
// A listing advertises one service: what it does, its schemas, and an
// asking price that job negotiation starts from. Discovery ranks active
// listings by the seller's reputation, newest first within a score.
package listings

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound  = errors.New("listing not found")
	ErrNotSeller = errors.New("only the listing's seller can modify it")
)

// Listing represents a published service.
type Listing struct {
	ID           string          `json:"id"`
	SellerID     string          `json:"seller_id"`
	Title        string          `json:"title"`
	Description  string          `json:"description,omitempty"`
	Category     string          `json:"category"`
	Price        decimal.Decimal `json:"price"` // asking price in credits
	InputSchema  map[string]any  `json:"input_schema,omitempty"`
	OutputSchema map[string]any  `json:"output_schema,omitempty"`
	Active       bool            `json:"active"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// DiscoverFilter narrows a discovery query.
type DiscoverFilter struct {
	Category string
	MaxPrice *decimal.Decimal
	Limit    int
	Offset   int
}

// Store persists listings.
type Store interface {
	Create(ctx context.Context, l *Listing) error
	Get(ctx context.Context, id string) (*Listing, error)
	Update(ctx context.Context, l *Listing) error
	ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Listing, error)
	Discover(ctx context.Context, filter DiscoverFilter) ([]*Listing, error)
}
