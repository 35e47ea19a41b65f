// Package identity implements registration, email verification, login, token refresh,
// password changes and role checks.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bissquit/service-shop/internal/domain"
	"github.com/bissquit/service-shop/internal/identity/jwt"
	"github.com/bissquit/service-shop/internal/pkg/ctxlog"
	"github.com/google/uuid"
)

// VerifyEmailPath is the API path the verification link points to.
const VerifyEmailPath = "/api/v1/auth/verify-email"

const (
	defaultResendCooldown = 5 * time.Minute
	defaultEmailTimeout   = 10 * time.Second
	passwordChangedMsg    = "Password changed successfully"
)

// TokenCodec issues and verifies signed tokens.
type TokenCodec interface {
	Issue(subject string, role domain.Role, tokenType domain.TokenType, ttl time.Duration, extra map[string]any) (string, error)
	Verify(token string, expected domain.TokenType) (*jwt.Token, error)
	Subject(token string) (string, error)
	TTL(tokenType domain.TokenType) time.Duration
}

// VerificationSender delivers verification links.
type VerificationSender interface {
	SendVerificationEmail(ctx context.Context, to, name, verificationURL string) error
}

// Config contains identity service settings.
type Config struct {
	// RequireVerifiedLogin rejects logins of unverified users after their password was accepted.
	RequireVerifiedLogin bool
	// VerificationBaseURL is the public base URL used to build verification links.
	VerificationBaseURL string
	ResendCooldown      time.Duration
	EmailTimeout        time.Duration
}

// Service provides identity business logic.
type Service struct {
	repo   Repository
	tokens TokenCodec
	hasher PasswordHasher
	sender VerificationSender
	clock  Clock
	config Config
}

// NewService creates a new identity service.
func NewService(repo Repository, tokens TokenCodec, hasher PasswordHasher, sender VerificationSender, clock Clock, config Config) *Service {
	if clock == nil {
		clock = SystemClock{}
	}
	if config.ResendCooldown <= 0 {
		config.ResendCooldown = defaultResendCooldown
	}
	if config.EmailTimeout <= 0 {
		config.EmailTimeout = defaultEmailTimeout
	}
	return &Service{
		repo:   repo,
		tokens: tokens,
		hasher: hasher,
		sender: sender,
		clock:  clock,
		config: config,
	}
}

// RegisterInput contains self-registration data.
type RegisterInput struct {
	Email    string
	Name     string
	Password string
}

// Register creates an unverified CUSTOMER account and sends the verification email.
func (s *Service) Register(ctx context.Context, input RegisterInput) (*domain.PublicUser, error) {
	email := domain.NormalizeEmail(input.Email)

	// Advisory only: the unique constraint in the store decides concurrent registrations.
	if _, err := s.repo.GetUserByEmail(ctx, email); err == nil {
		recordAuthEvent(eventRegister, outcomeRejected)
		return nil, ErrEmailAlreadyExists
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("check email: %w", err)
	}

	hash, err := s.hasher.Hash(input.Password)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         strings.TrimSpace(input.Name),
		PasswordHash: hash,
		Role:         domain.RoleCustomer,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.repo.CreateUser(ctx, user); err != nil {
		if errors.Is(err, ErrDuplicateEmail) {
			recordAuthEvent(eventRegister, outcomeRejected)
			return nil, ErrEmailAlreadyExists
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	if err := s.SendVerification(ctx, user); err != nil {
		recordAuthEvent(eventRegister, outcomeFailed)
		return nil, err
	}

	recordAuthEvent(eventRegister, outcomeSuccess)
	ctxlog.FromContext(ctx).Info("user registered", "user_id", user.ID)

	return user.Public(), nil
}

// SendVerification issues an email verification token and mails the link to the user.
// Transport failures, including exceeding the email timeout, are reported as ErrEmailSendingFailed.
func (s *Service) SendVerification(ctx context.Context, user *domain.User) error {
	token, err := s.tokens.Issue(user.Email, user.Role, domain.TokenTypeEmailVerification,
		s.tokens.TTL(domain.TokenTypeEmailVerification), nil)
	if err != nil {
		return fmt.Errorf("issue verification token: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.config.EmailTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.sender.SendVerificationEmail(sendCtx, user.Email, user.Name, s.verificationURL(token))
	}()

	select {
	case err = <-errCh:
	case <-sendCtx.Done():
		err = sendCtx.Err()
	}
	if err != nil {
		ctxlog.FromContext(ctx).Error("failed to send verification email", "user_id", user.ID, "error", err)
		return fmt.Errorf("%w: %v", ErrEmailSendingFailed, err)
	}
	return nil
}

func (s *Service) verificationURL(token string) string {
	base := strings.TrimRight(s.config.VerificationBaseURL, "/")
	return base + VerifyEmailPath + "?token=" + url.QueryEscape(token)
}

// VerifyEmail marks the token's user as verified. Bad, expired, mistyped tokens and unknown
// users yield false without an error; verifying twice returns true both times.
// Only storage failures are returned as errors.
func (s *Service) VerifyEmail(ctx context.Context, token string) (bool, error) {
	logger := ctxlog.FromContext(ctx)

	decoded, err := s.tokens.Verify(token, domain.TokenTypeEmailVerification)
	if err != nil {
		logger.Info("email verification rejected", "reason", err)
		recordAuthEvent(eventVerifyEmail, outcomeRejected)
		return false, nil
	}

	user, err := s.repo.GetUserByEmail(ctx, domain.NormalizeEmail(decoded.Subject))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			recordAuthEvent(eventVerifyEmail, outcomeRejected)
			return false, nil
		}
		return false, fmt.Errorf("get user: %w", err)
	}

	if user.IsVerified {
		return true, nil
	}

	if err := s.repo.MarkVerified(ctx, user.ID, s.clock.Now()); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("mark verified: %w", err)
	}

	recordAuthEvent(eventVerifyEmail, outcomeSuccess)
	logger.Info("email verified", "user_id", user.ID)
	return true, nil
}

// ResendVerification sends a new verification email unless one was sent within the cooldown.
func (s *Service) ResendVerification(ctx context.Context, email string) error {
	user, err := s.repo.GetUserByEmail(ctx, domain.NormalizeEmail(email))
	if err != nil {
		return err
	}

	if user.IsVerified {
		return ErrAlreadyVerified
	}

	now := s.clock.Now()
	if last := user.LastVerificationEmailSent; last != nil {
		elapsed := max(now.Sub(*last), 0)
		if elapsed < s.config.ResendCooldown {
			recordAuthEvent(eventResendVerification, outcomeRejected)
			return &ResendCooldownError{
				MinutesLeft: int(s.config.ResendCooldown/time.Minute) - int(elapsed/time.Minute),
			}
		}
	}

	if err := s.SendVerification(ctx, user); err != nil {
		recordAuthEvent(eventResendVerification, outcomeFailed)
		return err
	}

	if err := s.repo.StampVerificationSent(ctx, user.ID, now); err != nil {
		return fmt.Errorf("stamp verification sent: %w", err)
	}

	recordAuthEvent(eventResendVerification, outcomeSuccess)
	return nil
}

// LoginInput contains login credentials.
type LoginInput struct {
	Email    string
	Password string
}

// LoginResult is returned on successful login. The refresh token is meant for an
// HttpOnly cookie, only the access token goes into the response body.
type LoginResult struct {
	User                   *domain.PublicUser
	Tokens                 domain.TokenPair
	RequiresPasswordChange bool
}

// Login authenticates credentials and issues an access and refresh token pair.
func (s *Service) Login(ctx context.Context, input LoginInput) (*LoginResult, error) {
	logger := ctxlog.FromContext(ctx)

	user, err := s.repo.GetUserByEmail(ctx, domain.NormalizeEmail(input.Email))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			recordAuthEvent(eventLogin, outcomeRejected)
			return nil, ErrBadCredentials
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	if !s.hasher.Matches(input.Password, user.PasswordHash) {
		recordAuthEvent(eventLogin, outcomeRejected)
		logger.Warn("login rejected", "user_id", user.ID, "reason", "bad credentials")
		return nil, ErrBadCredentials
	}

	if s.config.RequireVerifiedLogin && !user.IsVerified {
		recordAuthEvent(eventLogin, outcomeRejected)
		return nil, ErrEmailNotVerified
	}

	now := s.clock.Now()
	if err := s.repo.UpdateLastLogin(ctx, user.ID, now); err != nil {
		return nil, fmt.Errorf("update last login: %w", err)
	}
	user.LastLogin = &now

	access, err := s.issueAccessToken(user)
	if err != nil {
		return nil, err
	}

	refresh, err := s.tokens.Issue(user.Email, user.Role, domain.TokenTypeRefresh, s.tokens.TTL(domain.TokenTypeRefresh), nil)
	if err != nil {
		return nil, fmt.Errorf("issue refresh token: %w", err)
	}

	recordAuthEvent(eventLogin, outcomeSuccess)
	logger.Info("user logged in", "user_id", user.ID)

	return &LoginResult{
		User:                   user.Public(),
		Tokens:                 domain.TokenPair{AccessToken: access, RefreshToken: refresh},
		RequiresPasswordChange: user.RequiresPasswordChange,
	}, nil
}

func (s *Service) issueAccessToken(user *domain.User) (string, error) {
	token, err := s.tokens.Issue(user.Email, user.Role, domain.TokenTypeAccess, s.tokens.TTL(domain.TokenTypeAccess),
		map[string]any{jwt.ClaimRequiresPasswordChange: user.RequiresPasswordChange})
	if err != nil {
		return "", fmt.Errorf("issue access token: %w", err)
	}
	return token, nil
}

// RefreshResult contains a newly issued access token.
type RefreshResult struct {
	AccessToken            string
	RequiresPasswordChange bool
}

// Refresh exchanges a valid refresh token for a new access token carrying the user's current role.
// The refresh token itself is not rotated.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil, ErrUnauthenticated
	}

	subject, err := s.tokens.Subject(refreshToken)
	if err != nil {
		recordAuthEvent(eventRefresh, outcomeRejected)
		return nil, ErrInvalidRefreshToken
	}

	user, err := s.repo.GetUserByEmail(ctx, domain.NormalizeEmail(subject))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			recordAuthEvent(eventRefresh, outcomeRejected)
			return nil, ErrInvalidRefreshToken
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	decoded, err := s.tokens.Verify(refreshToken, domain.TokenTypeRefresh)
	if err != nil || decoded.Subject != user.Email {
		recordAuthEvent(eventRefresh, outcomeRejected)
		return nil, ErrInvalidRefreshToken
	}

	access, err := s.issueAccessToken(user)
	if err != nil {
		return nil, err
	}

	recordAuthEvent(eventRefresh, outcomeSuccess)
	return &RefreshResult{
		AccessToken:            access,
		RequiresPasswordChange: user.RequiresPasswordChange,
	}, nil
}

// ValidateToken resolves the principal of an access token.
func (s *Service) ValidateToken(_ context.Context, token string) (*domain.Principal, error) {
	decoded, err := s.tokens.Verify(token, domain.TokenTypeAccess)
	if err != nil {
		return nil, err
	}
	return &domain.Principal{
		Email:                  decoded.Subject,
		Role:                   decoded.Role,
		RequiresPasswordChange: decoded.Bool(jwt.ClaimRequiresPasswordChange),
	}, nil
}

// ChangePasswordInput contains a password change request of an authenticated user.
type ChangePasswordInput struct {
	Email           string
	CurrentPassword string
	NewPassword     string
	ConfirmPassword string
}

// ChangePasswordResult is returned on a successful password change.
type ChangePasswordResult struct {
	Message                string `json:"message"`
	RequiresPasswordChange bool   `json:"requires_password_change"`
}

// ChangePassword replaces the user's password and clears the password-change requirement.
func (s *Service) ChangePassword(ctx context.Context, input ChangePasswordInput) (*ChangePasswordResult, error) {
	if input.NewPassword != input.ConfirmPassword {
		return nil, ErrPasswordMismatch
	}

	user, err := s.repo.GetUserByEmail(ctx, domain.NormalizeEmail(input.Email))
	if err != nil {
		return nil, err
	}

	if !s.hasher.Matches(input.CurrentPassword, user.PasswordHash) {
		recordAuthEvent(eventChangePassword, outcomeRejected)
		return nil, ErrInvalidCurrentPassword
	}

	if s.hasher.Matches(input.NewPassword, user.PasswordHash) {
		return nil, ErrPasswordUnchanged
	}

	if err := ValidatePasswordPolicy(input.NewPassword); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(input.NewPassword)
	if err != nil {
		return nil, err
	}

	if err := s.repo.UpdatePassword(ctx, user.ID, hash, s.clock.Now()); err != nil {
		return nil, fmt.Errorf("update password: %w", err)
	}

	recordAuthEvent(eventChangePassword, outcomeSuccess)
	ctxlog.FromContext(ctx).Info("password changed", "user_id", user.ID)

	return &ChangePasswordResult{Message: passwordChangedMsg, RequiresPasswordChange: false}, nil
}

// CheckRequiresChange reports whether the user must change their password.
func (s *Service) CheckRequiresChange(ctx context.Context, email string) (bool, error) {
	user, err := s.repo.GetUserByEmail(ctx, domain.NormalizeEmail(email))
	if err != nil {
		return false, err
	}
	return user.RequiresPasswordChange, nil
}

// GetUser returns the public view of a user.
func (s *Service) GetUser(ctx context.Context, email string) (*domain.PublicUser, error) {
	user, err := s.repo.GetUserByEmail(ctx, domain.NormalizeEmail(email))
	if err != nil {
		return nil, err
	}
	return user.Public(), nil
}

// ProvisionInput contains an administratively created account.
type ProvisionInput struct {
	Email             string
	Name              string
	Role              domain.Role
	TemporaryPassword string
}

// ProvisionUser creates a verified account that must change its temporary password on first use.
// CUSTOMER accounts are self-registered only.
func (s *Service) ProvisionUser(ctx context.Context, input ProvisionInput) (*domain.PublicUser, error) {
	role := domain.ParseRole(string(input.Role))
	if !role.In(domain.RolePublic, domain.RoleEmployee, domain.RoleAdmin) {
		return nil, ErrInvalidRole
	}

	hash, err := s.hasher.Hash(input.TemporaryPassword)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	user := &domain.User{
		ID:                     uuid.NewString(),
		Email:                  domain.NormalizeEmail(input.Email),
		Name:                   strings.TrimSpace(input.Name),
		PasswordHash:           hash,
		Role:                   role,
		IsVerified:             true,
		RequiresPasswordChange: true,
		CreatedAt:              now,
		UpdatedAt:              now,
	}

	if err := s.repo.CreateUser(ctx, user); err != nil {
		if errors.Is(err, ErrDuplicateEmail) {
			return nil, ErrEmailAlreadyExists
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	ctxlog.FromContext(ctx).Info("user provisioned", "user_id", user.ID, "role", role)
	return user.Public(), nil
}

// ClaimRole moves a PUBLIC account to CUSTOMER or EMPLOYEE. The change is visible in
// access tokens issued afterwards.
func (s *Service) ClaimRole(ctx context.Context, email string, role domain.Role) (*domain.PublicUser, error) {
	user, err := s.repo.GetUserByEmail(ctx, domain.NormalizeEmail(email))
	if err != nil {
		return nil, err
	}

	target := domain.ParseRole(string(role))
	if !user.Role.CanTransitionTo(target) {
		return nil, ErrInvalidRoleTransition
	}

	if err := s.repo.UpdateRole(ctx, user.ID, user.Role, target, s.clock.Now()); err != nil {
		if errors.Is(err, ErrInvalidRoleTransition) {
			return nil, err
		}
		return nil, fmt.Errorf("update role: %w", err)
	}
	user.Role = target

	ctxlog.FromContext(ctx).Info("role claimed", "user_id", user.ID, "role", target)
	return user.Public(), nil
}
