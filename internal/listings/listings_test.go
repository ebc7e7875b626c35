package listings

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func publish(t *testing.T, svc *Service, seller, title, category, price string) *Listing {
	t.Helper()
	l, err := svc.Create(context.Background(), seller, CreateRequest{
		Title:    title,
		Category: category,
		Price:    price,
	})
	require.NoError(t, err)
	return l
}

func TestCreate(t *testing.T) {
	svc := NewService(NewMemoryStore(nil))

	l := publish(t, svc, "seller_1", "Summarize documents", "nlp", "12.345")
	assert.True(t, l.Active)
	assert.True(t, l.Price.Equal(decimal.RequireFromString("12.35")), "price rounds to cents")

	_, err := svc.Create(context.Background(), "seller_1", CreateRequest{Title: "x", Category: "nlp", Price: "-1"})
	assert.Error(t, err)
}

func TestUpdate_OnlySeller(t *testing.T) {
	svc := NewService(NewMemoryStore(nil))
	l := publish(t, svc, "seller_1", "Summarize", "nlp", "10.00")

	_, err := svc.Update(context.Background(), "seller_2", l.ID, UpdateRequest{Title: "hijacked"})
	assert.ErrorIs(t, err, ErrNotSeller)

	inactive := false
	updated, err := svc.Update(context.Background(), "seller_1", l.ID, UpdateRequest{Active: &inactive})
	require.NoError(t, err)
	assert.False(t, updated.Active)
}

func TestDiscover_RanksByReputation(t *testing.T) {
	reps := map[string]decimal.Decimal{
		"good":  decimal.RequireFromString("4.80"),
		"new":   decimal.Zero,
		"great": decimal.RequireFromString("4.95"),
	}
	store := NewMemoryStore(func(id string) decimal.Decimal { return reps[id] })
	svc := NewService(store)
	ctx := context.Background()

	publish(t, svc, "good", "A", "nlp", "10.00")
	publish(t, svc, "new", "B", "nlp", "1.00")
	publish(t, svc, "great", "C", "nlp", "50.00")

	out, err := svc.Discover(ctx, DiscoverFilter{Category: "nlp"})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "great", out[0].SellerID)
	assert.Equal(t, "good", out[1].SellerID)
	assert.Equal(t, "new", out[2].SellerID)
}

func TestDiscover_Filters(t *testing.T) {
	svc := NewService(NewMemoryStore(nil))
	ctx := context.Background()

	publish(t, svc, "s1", "A", "nlp", "10.00")
	publish(t, svc, "s1", "B", "vision", "99.00")
	expensive := publish(t, svc, "s1", "C", "nlp", "500.00")

	// Category filter.
	out, err := svc.Discover(ctx, DiscoverFilter{Category: "vision"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "B", out[0].Title)

	// Price ceiling.
	maxPrice := decimal.RequireFromString("100.00")
	out, err = svc.Discover(ctx, DiscoverFilter{Category: "nlp", MaxPrice: &maxPrice})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "A", out[0].Title)

	// Deactivated listings disappear.
	inactive := false
	_, err = svc.Update(ctx, "s1", expensive.ID, UpdateRequest{Active: &inactive})
	require.NoError(t, err)
	out, err = svc.Discover(ctx, DiscoverFilter{Category: "nlp"})
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestDiscover_RecencyWithinScore(t *testing.T) {
	store := NewMemoryStore(nil)
	svc := NewService(store)
	ctx := context.Background()

	older := publish(t, svc, "s1", "old", "nlp", "1.00")
	older.CreatedAt = older.CreatedAt.Add(-time.Hour)
	require.NoError(t, store.Update(ctx, older))
	publish(t, svc, "s1", "new", "nlp", "1.00")

	out, err := svc.Discover(ctx, DiscoverFilter{})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "new", out[0].Title)
}
