//go:build integration

package postgres

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/service-shop/internal/domain"
	"github.com/bissquit/service-shop/internal/identity"
	"github.com/bissquit/service-shop/internal/testutil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDB *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	pgContainer, err := testutil.NewPostgresContainer(ctx)
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}

	if err := testutil.Migrate(pgContainer.ConnectionString, "../../../migrations"); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	testDB, err = pgxpool.New(ctx, pgContainer.ConnectionString)
	if err != nil {
		log.Fatalf("create pool: %v", err)
	}

	code := m.Run()

	testDB.Close()
	if err := pgContainer.Terminate(ctx); err != nil {
		log.Printf("terminate postgres: %v", err)
	}
	os.Exit(code)
}

func newUser(email string) *domain.User {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         "Test",
		PasswordHash: "$2a$10$hash",
		Role:         domain.RoleCustomer,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestRepository_CreateAndGet(t *testing.T) {
	repo := NewRepository(testDB)
	ctx := context.Background()

	user := newUser("Create.Get@Example.com")
	require.NoError(t, repo.CreateUser(ctx, user))
	assert.Equal(t, "create.get@example.com", user.Email)

	got, err := repo.GetUserByEmail(ctx, "CREATE.GET@example.com ")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
	assert.Equal(t, domain.RoleCustomer, got.Role)
	assert.False(t, got.IsVerified)
	assert.Nil(t, got.LastLogin)
	assert.Nil(t, got.LastVerificationEmailSent)

	_, err = repo.GetUserByEmail(ctx, "missing@example.com")
	assert.ErrorIs(t, err, identity.ErrUserNotFound)
}

func TestRepository_DuplicateEmail(t *testing.T) {
	repo := NewRepository(testDB)
	ctx := context.Background()

	require.NoError(t, repo.CreateUser(ctx, newUser("dup@example.com")))

	err := repo.CreateUser(ctx, newUser("DUP@example.com"))
	assert.ErrorIs(t, err, identity.ErrDuplicateEmail)
}

func TestRepository_ConcurrentCreate(t *testing.T) {
	repo := NewRepository(testDB)
	ctx := context.Background()

	const attempts = 8
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = repo.CreateUser(ctx, newUser("concurrent@example.com"))
		}()
	}
	wg.Wait()

	var created, duplicates int
	for _, err := range errs {
		switch {
		case err == nil:
			created++
		case errors.Is(err, identity.ErrDuplicateEmail):
			duplicates++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, attempts-1, duplicates)
}

func TestRepository_TargetedUpdates(t *testing.T) {
	repo := NewRepository(testDB)
	ctx := context.Background()

	user := newUser("update@example.com")
	user.RequiresPasswordChange = true
	require.NoError(t, repo.CreateUser(ctx, user))

	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, repo.MarkVerified(ctx, user.ID, now))
	require.NoError(t, repo.StampVerificationSent(ctx, user.ID, now))
	require.NoError(t, repo.UpdateLastLogin(ctx, user.ID, now))
	require.NoError(t, repo.UpdatePassword(ctx, user.ID, "new-hash", now))
	require.NoError(t, repo.UpdateRole(ctx, user.ID, user.Role, domain.RoleEmployee, now))

	got, err := repo.GetUserByEmail(ctx, "update@example.com")
	require.NoError(t, err)
	assert.True(t, got.IsVerified)
	assert.False(t, got.RequiresPasswordChange)
	assert.Equal(t, "new-hash", got.PasswordHash)
	assert.Equal(t, domain.RoleEmployee, got.Role)
	require.NotNil(t, got.LastLogin)
	assert.True(t, now.Equal(*got.LastLogin))
	require.NotNil(t, got.LastVerificationEmailSent)
	assert.True(t, now.Equal(*got.LastVerificationEmailSent))

	missing := uuid.NewString()
	assert.ErrorIs(t, repo.MarkVerified(ctx, missing, now), identity.ErrUserNotFound)
	assert.ErrorIs(t, repo.UpdateLastLogin(ctx, missing, now), identity.ErrUserNotFound)
}

func TestRepository_UpdatesDoNotClobberEachOther(t *testing.T) {
	repo := NewRepository(testDB)
	ctx := context.Background()

	user := newUser("stale@example.com")
	require.NoError(t, repo.CreateUser(ctx, user))
	stale, err := repo.GetUserByEmail(ctx, "stale@example.com")
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, repo.MarkVerified(ctx, user.ID, now))
	require.NoError(t, repo.UpdatePassword(ctx, user.ID, "changed-hash", now))

	// A flow that read the user before the changes above stamps its own column only.
	require.NoError(t, repo.StampVerificationSent(ctx, stale.ID, now))
	require.NoError(t, repo.UpdateLastLogin(ctx, stale.ID, now))

	got, err := repo.GetUserByEmail(ctx, "stale@example.com")
	require.NoError(t, err)
	assert.True(t, got.IsVerified)
	assert.Equal(t, "changed-hash", got.PasswordHash)
}

func TestRepository_UpdateRole_OnlyFromExpectedRole(t *testing.T) {
	repo := NewRepository(testDB)
	ctx := context.Background()

	user := newUser("claim@example.com")
	user.Role = domain.RolePublic
	require.NoError(t, repo.CreateUser(ctx, user))

	now := time.Now().UTC()
	require.NoError(t, repo.UpdateRole(ctx, user.ID, domain.RolePublic, domain.RoleCustomer, now))
	assert.ErrorIs(t, repo.UpdateRole(ctx, user.ID, domain.RolePublic, domain.RoleEmployee, now), identity.ErrInvalidRoleTransition)

	got, err := repo.GetUserByEmail(ctx, "claim@example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleCustomer, got.Role)
}
