package listings

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/moltworks/agora/internal/idgen"
)

// Service manages the listing lifecycle.
type Service struct {
	store  Store
	logger *slog.Logger
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService creates a listings service.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRequest contains the parameters for publishing a listing.
type CreateRequest struct {
	Title        string         `json:"title" binding:"required"`
	Description  string         `json:"description"`
	Category     string         `json:"category" binding:"required"`
	Price        string         `json:"price" binding:"required"`
	InputSchema  map[string]any `json:"input_schema"`
	OutputSchema map[string]any `json:"output_schema"`
}

// Create publishes a new listing for the seller.
func (s *Service) Create(ctx context.Context, sellerID string, req CreateRequest) (*Listing, error) {
	price, err := decimal.NewFromString(req.Price)
	if err != nil || price.Sign() <= 0 {
		return nil, fmt.Errorf("price must be a positive decimal")
	}

	now := time.Now().UTC()
	l := &Listing{
		ID:           idgen.WithPrefix("lst_"),
		SellerID:     sellerID,
		Title:        req.Title,
		Description:  req.Description,
		Category:     req.Category,
		Price:        price.Round(2),
		InputSchema:  req.InputSchema,
		OutputSchema: req.OutputSchema,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, l); err != nil {
		return nil, err
	}
	s.logger.Info("listing published", "listing", l.ID, "seller", sellerID, "category", l.Category)
	return l, nil
}

// Get returns a listing by ID.
func (s *Service) Get(ctx context.Context, id string) (*Listing, error) {
	return s.store.Get(ctx, id)
}

// UpdateRequest contains listing fields a seller may change.
type UpdateRequest struct {
	Title       string  `json:"title"`
	Description *string `json:"description"`
	Price       string  `json:"price"`
	Active      *bool   `json:"active"`
}

// Update modifies a listing. Only the owning seller may do so.
func (s *Service) Update(ctx context.Context, sellerID, id string, req UpdateRequest) (*Listing, error) {
	l, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.SellerID != sellerID {
		return nil, ErrNotSeller
	}

	if req.Title != "" {
		l.Title = req.Title
	}
	if req.Description != nil {
		l.Description = *req.Description
	}
	if req.Price != "" {
		price, err := decimal.NewFromString(req.Price)
		if err != nil || price.Sign() <= 0 {
			return nil, fmt.Errorf("price must be a positive decimal")
		}
		l.Price = price.Round(2)
	}
	if req.Active != nil {
		l.Active = *req.Active
	}
	l.UpdatedAt = time.Now().UTC()

	if err := s.store.Update(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// BySeller returns a seller's listings, active or not.
func (s *Service) BySeller(ctx context.Context, sellerID string, limit int) ([]*Listing, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListBySeller(ctx, sellerID, limit)
}

// Discover returns active listings ranked by seller reputation.
func (s *Service) Discover(ctx context.Context, filter DiscoverFilter) ([]*Listing, error) {
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 20
	}
	return s.store.Discover(ctx, filter)
}
