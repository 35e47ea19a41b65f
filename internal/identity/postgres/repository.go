// Package postgres provides PostgreSQL implementation of the identity repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/service-shop/internal/domain"
	"github.com/bissquit/service-shop/internal/identity"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique constraint violations.
const uniqueViolation = "23505"

// Repository implements identity.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const userColumns = `
	id, email, name, password_hash, role, is_verified, requires_password_change,
	created_at, updated_at, last_login, last_verification_email_sent
`

// CreateUser inserts a user. A concurrent insert of the same email fails with identity.ErrDuplicateEmail.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	query := `
		INSERT INTO users (
			id, email, name, password_hash, role, is_verified, requires_password_change,
			created_at, updated_at, last_login, last_verification_email_sent
		) VALUES ($1, lower(trim($2)), $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING email, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		user.ID,
		user.Email,
		user.Name,
		user.PasswordHash,
		user.Role,
		user.IsVerified,
		user.RequiresPasswordChange,
		user.CreatedAt,
		user.UpdatedAt,
		user.LastLogin,
		user.LastVerificationEmailSent,
	).Scan(&user.Email, &user.CreatedAt, &user.UpdatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return identity.ErrDuplicateEmail
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUserByEmail retrieves a user by email, ignoring case.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = lower(trim($1))`

	var user domain.User
	err := r.db.QueryRow(ctx, query, email).Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&user.PasswordHash,
		&user.Role,
		&user.IsVerified,
		&user.RequiresPasswordChange,
		&user.CreatedAt,
		&user.UpdatedAt,
		&user.LastLogin,
		&user.LastVerificationEmailSent,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, identity.ErrUserNotFound
		}
		return nil, fmt.Errorf("get user by email: %w", err)
	}

	return &user, nil
}

// MarkVerified sets is_verified. It is idempotent.
func (r *Repository) MarkVerified(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, "mark verified",
		`UPDATE users SET is_verified = TRUE, updated_at = $2 WHERE id = $1`, id, at)
}

// StampVerificationSent records when the last verification email was sent.
func (r *Repository) StampVerificationSent(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, "stamp verification sent",
		`UPDATE users SET last_verification_email_sent = $2, updated_at = $2 WHERE id = $1`, id, at)
}

// UpdateLastLogin records a successful login.
func (r *Repository) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, "update last login",
		`UPDATE users SET last_login = $2, updated_at = $2 WHERE id = $1`, id, at)
}

// UpdatePassword stores a new hash and clears requires_password_change.
func (r *Repository) UpdatePassword(ctx context.Context, id, passwordHash string, at time.Time) error {
	return r.exec(ctx, "update password",
		`UPDATE users SET password_hash = $2, requires_password_change = FALSE, updated_at = $3 WHERE id = $1`,
		id, passwordHash, at)
}

// UpdateRole changes the role only while it still equals from, so two concurrent
// claims cannot both succeed.
func (r *Repository) UpdateRole(ctx context.Context, id string, from, to domain.Role, at time.Time) error {
	err := r.exec(ctx, "update role",
		`UPDATE users SET role = $3, updated_at = $4 WHERE id = $1 AND role = $2`, id, from, to, at)
	if errors.Is(err, identity.ErrUserNotFound) {
		return identity.ErrInvalidRoleTransition
	}
	return err
}

// exec runs a single-row update. No affected row means the user does not exist.
func (r *Repository) exec(ctx context.Context, op, query string, args ...any) error {
	result, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if result.RowsAffected() == 0 {
		return identity.ErrUserNotFound
	}
	return nil
}
