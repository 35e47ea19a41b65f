package identity

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const (
	// MinPasswordLength is the minimum number of characters in a password.
	MinPasswordLength = 8
	// MaxPasswordBytes is bcrypt's input limit. Multibyte characters count once per byte.
	MaxPasswordBytes = 72
)

// PasswordHasher hashes and verifies passwords.
type PasswordHasher interface {
	Hash(plain string) (string, error)
	Matches(plain, hash string) bool
}

// BcryptHasher implements PasswordHasher with bcrypt.
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher creates a hasher. A cost outside bcrypt's range falls back to bcrypt.DefaultCost.
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &BcryptHasher{cost: cost}
}

// Hash implements PasswordHasher.
func (h *BcryptHasher) Hash(plain string) (string, error) {
	if plain == "" {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), h.cost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return "", fmt.Errorf("%w: password must not exceed %d bytes", ErrWeakPassword, MaxPasswordBytes)
	}
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Matches implements PasswordHasher. A malformed hash never matches.
func (h *BcryptHasher) Matches(plain, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

type passwordRule struct {
	message string
	ok      func(password string) bool
}

var passwordRules = []passwordRule{
	{
		message: fmt.Sprintf("at least %d characters", MinPasswordLength),
		ok:      func(p string) bool { return len([]rune(p)) >= MinPasswordLength },
	},
	{message: "an uppercase letter", ok: containsRune(unicode.IsUpper)},
	{message: "a lowercase letter", ok: containsRune(unicode.IsLower)},
	{message: "a digit", ok: containsRune(unicode.IsDigit)},
	{message: "a special character", ok: containsRune(func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})},
}

func containsRune(pred func(rune) bool) func(string) bool {
	return func(p string) bool {
		return strings.IndexFunc(p, pred) >= 0
	}
}

// ValidatePasswordPolicy checks password length and complexity. The returned error wraps
// ErrWeakPassword and lists every unmet requirement.
func ValidatePasswordPolicy(password string) error {
	if len(password) > MaxPasswordBytes {
		return fmt.Errorf("%w: password must not exceed %d bytes", ErrWeakPassword, MaxPasswordBytes)
	}

	var missing []string
	for _, rule := range passwordRules {
		if !rule.ok(password) {
			missing = append(missing, rule.message)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("%w: password must contain %s", ErrWeakPassword, strings.Join(missing, ", "))
}
