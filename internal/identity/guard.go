package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/bissquit/service-shop/internal/domain"
	"github.com/bissquit/service-shop/internal/pkg/ctxlog"
	"github.com/bissquit/service-shop/internal/pkg/httputil"
)

// Guard checks roles against the stored user instead of the token claim,
// so role changes apply before the caller's access token expires.
type Guard struct {
	repo Repository
}

// NewGuard creates a new store-backed role guard.
func NewGuard(repo Repository) *Guard {
	return &Guard{repo: repo}
}

// CheckRoleFromStore allows the request if the stored role of the authenticated
// principal is one of allowed. It matches httputil.RoleCheckFunc.
func (g *Guard) CheckRoleFromStore(ctx context.Context, message string, allowed ...domain.Role) error {
	principal := httputil.GetPrincipal(ctx)
	if principal == nil {
		recordAuthEvent(eventRoleCheck, outcomeRejected)
		return domain.ErrUnauthenticated
	}

	user, err := g.repo.GetUserByEmail(ctx, domain.NormalizeEmail(principal.Email))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			recordAuthEvent(eventRoleCheck, outcomeRejected)
			return domain.ErrUnauthenticated
		}
		return fmt.Errorf("get user: %w", err)
	}

	stored := &domain.Principal{
		Email:                  user.Email,
		Role:                   user.Role,
		RequiresPasswordChange: user.RequiresPasswordChange,
	}
	if err := domain.CheckRole(stored, message, allowed...); err != nil {
		recordAuthEvent(eventRoleCheck, outcomeRejected)
		ctxlog.FromContext(ctx).Warn("role check failed", "user_id", user.ID, "role", user.Role)
		return err
	}

	recordAuthEvent(eventRoleCheck, outcomeSuccess)
	return nil
}
