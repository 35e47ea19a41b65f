package identity

import (
	"context"
	"encoding/base64"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/service-shop/internal/domain"
	"github.com/bissquit/service-shop/internal/identity/jwt"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var errStorage = errors.New("storage unavailable")

// memRepo is an in-memory Repository. CreateUser checks and inserts under one lock,
// like a unique index.
type memRepo struct {
	mu     sync.Mutex
	users  map[string]*domain.User
	getErr error
}

func newMemRepo() *memRepo {
	return &memRepo{users: make(map[string]*domain.User)}
}

func (r *memRepo) CreateUser(_ context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[user.Email]; ok {
		return ErrDuplicateEmail
	}
	u := *user
	r.users[user.Email] = &u
	return nil
}

func (r *memRepo) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	u, ok := r.users[email]
	if !ok {
		return nil, ErrUserNotFound
	}
	c := *u
	return &c, nil
}

// update applies fn to the stored user with the given id, touching only what fn sets.
func (r *memRepo) update(id string, fn func(u *domain.User) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.ID == id {
			return fn(u)
		}
	}
	return ErrUserNotFound
}

func (r *memRepo) MarkVerified(_ context.Context, id string, at time.Time) error {
	return r.update(id, func(u *domain.User) error {
		u.IsVerified = true
		u.UpdatedAt = at
		return nil
	})
}

func (r *memRepo) StampVerificationSent(_ context.Context, id string, at time.Time) error {
	return r.update(id, func(u *domain.User) error {
		u.LastVerificationEmailSent = &at
		u.UpdatedAt = at
		return nil
	})
}

func (r *memRepo) UpdateLastLogin(_ context.Context, id string, at time.Time) error {
	return r.update(id, func(u *domain.User) error {
		u.LastLogin = &at
		u.UpdatedAt = at
		return nil
	})
}

func (r *memRepo) UpdatePassword(_ context.Context, id, passwordHash string, at time.Time) error {
	return r.update(id, func(u *domain.User) error {
		u.PasswordHash = passwordHash
		u.RequiresPasswordChange = false
		u.UpdatedAt = at
		return nil
	})
}

func (r *memRepo) UpdateRole(_ context.Context, id string, from, to domain.Role, at time.Time) error {
	return r.update(id, func(u *domain.User) error {
		if u.Role != from {
			return ErrInvalidRoleTransition
		}
		u.Role = to
		u.UpdatedAt = at
		return nil
	})
}

// set replaces a stored user, standing in for an out-of-band change such as a demotion.
func (r *memRepo) set(user *domain.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := *user
	r.users[user.Email] = &u
}

func (r *memRepo) get(t *testing.T, email string) *domain.User {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[email]
	require.True(t, ok, "user %s not stored", email)
	c := *u
	return &c
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sentEmail struct {
	to   string
	name string
	url  string
}

type mockSender struct {
	mu    sync.Mutex
	sent  []sentEmail
	err   error
	block bool
	// onSend runs before the email is recorded.
	onSend func()
}

func (m *mockSender) SendVerificationEmail(ctx context.Context, to, name, verificationURL string) error {
	if m.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if m.err != nil {
		return m.err
	}
	if m.onSend != nil {
		m.onSend()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentEmail{to: to, name: name, url: verificationURL})
	return nil
}

func (m *mockSender) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// lastToken returns the token query parameter of the most recent verification link.
func (m *mockSender) lastToken(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.sent, "no verification email sent")
	u, err := url.Parse(m.sent[len(m.sent)-1].url)
	require.NoError(t, err)
	return u.Query().Get("token")
}

type testEnv struct {
	svc    *Service
	repo   *memRepo
	sender *mockSender
	clock  *fakeClock
	codec  *jwt.Codec
	hasher *BcryptHasher
}

const testBaseURL = "https://shop.example.com"

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	clock := newFakeClock()
	codec, err := jwt.NewCodec(jwt.Config{
		SecretKey:                 base64.StdEncoding.EncodeToString([]byte("test-secret-key-with-32-bytes!!!")),
		AccessTokenDuration:       15 * time.Minute,
		RefreshTokenDuration:      7 * 24 * time.Hour,
		VerificationTokenDuration: 24 * time.Hour,
		Now:                       clock.Now,
	})
	require.NoError(t, err)

	cfg := Config{
		RequireVerifiedLogin: true,
		VerificationBaseURL:  testBaseURL,
		ResendCooldown:       5 * time.Minute,
		EmailTimeout:         time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	env := &testEnv{
		repo:   newMemRepo(),
		sender: &mockSender{},
		clock:  clock,
		codec:  codec,
		hasher: NewBcryptHasher(bcrypt.MinCost),
	}
	env.svc = NewService(env.repo, codec, env.hasher, env.sender, clock, cfg)
	return env
}

// seedUser stores a user directly, bypassing registration.
func (e *testEnv) seedUser(t *testing.T, email, password string, role domain.Role, verified bool) *domain.User {
	t.Helper()
	hash, err := e.hasher.Hash(password)
	require.NoError(t, err)
	user := &domain.User{
		ID:           "user-" + email,
		Email:        email,
		Name:         "Test User",
		PasswordHash: hash,
		Role:         role,
		IsVerified:   verified,
		CreatedAt:    e.clock.Now(),
		UpdatedAt:    e.clock.Now(),
	}
	require.NoError(t, e.repo.CreateUser(context.Background(), user))
	return user
}

// hookHasher runs onMatch once, during the first Matches call, to interleave another flow.
type hookHasher struct {
	*BcryptHasher
	mu      sync.Mutex
	onMatch func()
}

func (h *hookHasher) Matches(plain, hash string) bool {
	h.mu.Lock()
	hook := h.onMatch
	h.onMatch = nil
	h.mu.Unlock()

	ok := h.BcryptHasher.Matches(plain, hash)
	if hook != nil {
		hook()
	}
	return ok
}

// withHasher rebuilds the service around hasher, keeping the rest of the environment.
func (e *testEnv) withHasher(hasher PasswordHasher) *Service {
	return NewService(e.repo, e.codec, hasher, e.sender, e.clock, Config{
		RequireVerifiedLogin: true,
		VerificationBaseURL:  testBaseURL,
		ResendCooldown:       5 * time.Minute,
		EmailTimeout:         time.Second,
	})
}
