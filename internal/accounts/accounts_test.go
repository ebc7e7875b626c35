package accounts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDirectory struct {
	taken map[string]bool
}

func (f *fakeDirectory) HasActiveEmail(ctx context.Context, email string) (bool, error) {
	return f.taken[email], nil
}

type captureMailer struct {
	email, token string
}

func (c *captureMailer) SendVerification(ctx context.Context, email, token string) error {
	c.email, c.token = email, token
	return nil
}

func newTestService(t *testing.T) (*Service, *MemoryStore, *captureMailer) {
	t.Helper()
	store := NewMemoryStore()
	mailer := &captureMailer{}
	svc := NewService(store, &fakeDirectory{taken: map[string]bool{"taken@example.com": true}}, WithMailer(mailer))
	return svc, store, mailer
}

func TestSignupFlow(t *testing.T) {
	svc, _, mailer := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Signup(ctx, "agent@example.com"))
	require.NotEmpty(t, mailer.token)
	assert.Equal(t, "agent@example.com", mailer.email)

	regToken, err := svc.Verify(ctx, mailer.token)
	require.NoError(t, err)
	require.NotEmpty(t, regToken)

	email, err := svc.RedeemRegistration(ctx, regToken)
	require.NoError(t, err)
	assert.Equal(t, "agent@example.com", email)

	// Registration tokens are single-use.
	_, err = svc.RedeemRegistration(ctx, regToken)
	assert.ErrorIs(t, err, ErrTokenConsumed)
}

func TestSignup_EmailTaken(t *testing.T) {
	svc, _, _ := newTestService(t)
	err := svc.Signup(context.Background(), "taken@example.com")
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestSignup_InvalidEmail(t *testing.T) {
	svc, _, _ := newTestService(t)
	err := svc.Signup(context.Background(), "not an email")
	assert.Error(t, err)
}

func TestVerify_ExpiredToken(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	tok := &Token{
		Token:     "expired",
		Kind:      KindVerification,
		Email:     "agent@example.com",
		ExpiresAt: time.Now().UTC().Add(-time.Minute),
		CreatedAt: time.Now().UTC().Add(-25 * time.Hour),
	}
	require.NoError(t, store.Save(ctx, tok))

	_, err := svc.Verify(ctx, "expired")
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerify_WrongKind(t *testing.T) {
	svc, _, mailer := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Signup(ctx, "agent@example.com"))
	regToken, err := svc.Verify(ctx, mailer.token)
	require.NoError(t, err)

	// A registration token cannot be used for the verify step.
	_, err = svc.Verify(ctx, regToken)
	assert.ErrorIs(t, err, ErrWrongTokenKind)

	// A verification token cannot be redeemed for registration.
	require.NoError(t, svc.Signup(ctx, "other@example.com"))
	_, err = svc.RedeemRegistration(ctx, mailer.token)
	assert.ErrorIs(t, err, ErrWrongTokenKind)
}

func TestVerify_UnknownOrEmpty(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Verify(ctx, "nope")
	assert.ErrorIs(t, err, ErrTokenNotFound)

	_, err = svc.RedeemRegistration(ctx, "")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}
