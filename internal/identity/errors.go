package identity

import (
	"errors"
	"fmt"

	"github.com/bissquit/service-shop/internal/domain"
	"github.com/bissquit/service-shop/internal/identity/jwt"
)

// Repository errors.
var (
	ErrUserNotFound   = errors.New("user not found")
	ErrDuplicateEmail = errors.New("duplicate email")
)

// Auth errors.
var (
	ErrEmailAlreadyExists     = errors.New("email already exists")
	ErrBadCredentials         = errors.New("invalid email or password")
	ErrInvalidRefreshToken    = errors.New("invalid refresh token")
	ErrEmailNotVerified       = errors.New("email is not verified")
	ErrEmailSendingFailed     = errors.New("failed to send email")
	ErrResendCooldown         = errors.New("verification email was sent recently")
	ErrAlreadyVerified        = errors.New("email is already verified")
	ErrPasswordMismatch       = errors.New("new password and confirmation do not match")
	ErrInvalidCurrentPassword = errors.New("current password is incorrect")
	ErrPasswordUnchanged      = errors.New("new password must be different from the current password")
	ErrWeakPassword           = errors.New("password does not meet complexity requirements")
	ErrInvalidRole            = errors.New("role cannot be assigned")
	ErrInvalidRoleTransition  = errors.New("role change is not allowed")
)

// Errors owned by other packages, re-exported so callers only import identity.
var (
	ErrUnauthenticated   = domain.ErrUnauthenticated
	ErrAccessDenied      = domain.ErrAccessDenied
	ErrTokenInvalid      = jwt.ErrTokenInvalid
	ErrTokenExpired      = jwt.ErrTokenExpired
	ErrTokenTypeMismatch = jwt.ErrTokenTypeMismatch
)

// ResendCooldownError is returned when a verification email was sent too recently.
type ResendCooldownError struct {
	MinutesLeft int
}

func (e *ResendCooldownError) Error() string {
	return fmt.Sprintf("%s, please wait %d minute(s) before requesting a new one", ErrResendCooldown, e.MinutesLeft)
}

// Is makes errors.Is(err, ErrResendCooldown) match.
func (e *ResendCooldownError) Is(target error) bool {
	return target == ErrResendCooldown
}
