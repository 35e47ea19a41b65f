package identity

import (
	"context"
	"time"

	"github.com/bissquit/service-shop/internal/domain"
)

// Repository is the credential store. It is the only reader and writer of users.
// Each update touches only its own columns, so concurrent flows on the same user
// never overwrite each other's changes.
type Repository interface {
	// CreateUser inserts a user. A unique email violation must be reported as ErrDuplicateEmail.
	CreateUser(ctx context.Context, user *domain.User) error
	// GetUserByEmail looks up a user by normalized email. Returns ErrUserNotFound if absent.
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	// MarkVerified sets is_verified. Verification is never undone.
	MarkVerified(ctx context.Context, id string, at time.Time) error
	// StampVerificationSent records when the last verification email was sent.
	StampVerificationSent(ctx context.Context, id string, at time.Time) error
	// UpdateLastLogin records a successful login.
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error
	// UpdatePassword stores a new hash and clears requires_password_change.
	UpdatePassword(ctx context.Context, id, passwordHash string, at time.Time) error
	// UpdateRole changes the role only if it is still from. Returns ErrInvalidRoleTransition otherwise.
	UpdateRole(ctx context.Context, id string, from, to domain.Role, at time.Time) error
}
