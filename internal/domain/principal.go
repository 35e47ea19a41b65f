package domain

import "errors"

// DefaultAccessDeniedMessage is used when a guard does not supply its own message.
const DefaultAccessDeniedMessage = "Access denied: you do not have the required role to access this resource"

// Access errors shared by the HTTP guard and the identity module.
var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrAccessDenied    = errors.New("access denied")
)

// AccessDeniedError carries the message shown to the caller.
type AccessDeniedError struct {
	Message string
}

func (e *AccessDeniedError) Error() string {
	return e.Message
}

// Is makes errors.Is(err, ErrAccessDenied) match.
func (e *AccessDeniedError) Is(target error) bool {
	return target == ErrAccessDenied
}

// Principal is the authenticated identity of the current request,
// resolved from a validated access token.
type Principal struct {
	Email                  string
	Role                   Role
	RequiresPasswordChange bool
}

// CheckRole grants access iff p is authenticated and its role is in allowed.
func CheckRole(p *Principal, message string, allowed ...Role) error {
	if p == nil || p.Email == "" {
		return ErrUnauthenticated
	}
	if p.Role.In(allowed...) {
		return nil
	}
	if message == "" {
		message = DefaultAccessDeniedMessage
	}
	return &AccessDeniedError{Message: message}
}
