package domain

// TokenType distinguishes what a signed token may be used for.
type TokenType string

// Token types.
const (
	TokenTypeAccess            TokenType = "access"
	TokenTypeRefresh           TokenType = "refresh"
	TokenTypeEmailVerification TokenType = "email_verification"
)

// TokenPair is issued on successful login.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}
