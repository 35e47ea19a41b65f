package identity

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/bissquit/service-shop/internal/domain"
	"github.com/bissquit/service-shop/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// CookieSettings contains settings for the refresh token cookie.
type CookieSettings struct {
	Secure               bool
	Domain               string
	Path                 string
	RefreshTokenDuration time.Duration
}

// Handler handles HTTP requests for the identity module.
type Handler struct {
	service        *Service
	guard          *Guard
	validator      *validator.Validate
	cookieSettings CookieSettings
	limiter        func(http.Handler) http.Handler
}

// NewHandler creates a new identity handler. limiter wraps the credential endpoints
// (register, login, resend-verification) and may be nil.
func NewHandler(service *Service, guard *Guard, cookieSettings CookieSettings, limiter func(http.Handler) http.Handler) *Handler {
	if cookieSettings.Path == "" {
		cookieSettings.Path = "/api/v1/auth"
	}
	return &Handler{
		service:        service,
		guard:          guard,
		validator:      newValidator(),
		cookieSettings: cookieSettings,
		limiter:        limiter,
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Registration cannot fail for a built-in function name, so the error is ignored.
	_ = v.RegisterValidation("password_policy", func(fl validator.FieldLevel) bool {
		return ValidatePasswordPolicy(fl.Field().String()) == nil
	})
	return v
}

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrUserNotFound, Status: http.StatusNotFound},
	{Error: ErrEmailAlreadyExists, Status: http.StatusConflict},
	{Error: ErrBadCredentials, Status: http.StatusUnauthorized},
	{Error: ErrInvalidRefreshToken, Status: http.StatusUnauthorized},
	{Error: ErrUnauthenticated, Status: http.StatusUnauthorized},
	{Error: ErrTokenInvalid, Status: http.StatusUnauthorized},
	{Error: ErrTokenExpired, Status: http.StatusUnauthorized},
	{Error: ErrTokenTypeMismatch, Status: http.StatusUnauthorized},
	{Error: ErrAccessDenied, Status: http.StatusForbidden},
	{Error: ErrEmailNotVerified, Status: http.StatusForbidden},
	{Error: ErrPasswordMismatch, Status: http.StatusBadRequest},
	{Error: ErrInvalidCurrentPassword, Status: http.StatusBadRequest},
	{Error: ErrPasswordUnchanged, Status: http.StatusBadRequest},
	{Error: ErrWeakPassword, Status: http.StatusBadRequest},
	{Error: ErrAlreadyVerified, Status: http.StatusBadRequest},
	{Error: ErrInvalidRole, Status: http.StatusBadRequest},
	{Error: ErrInvalidRoleTransition, Status: http.StatusBadRequest},
	{Error: ErrResendCooldown, Status: http.StatusTooManyRequests, Fields: cooldownFields},
	{Error: ErrEmailSendingFailed, Status: http.StatusBadGateway, Message: ErrEmailSendingFailed.Error()},
}

// RegisterRoutes registers public identity routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if h.limiter != nil {
				r.Use(h.limiter)
			}
			r.Post("/register", h.Register)
			r.Post("/login", h.Login)
			r.Post("/resend-verification", h.ResendVerification)
		})
		r.Get("/verify-email", h.VerifyEmail)
		r.Post("/refresh", h.Refresh)
		r.Post("/logout", h.Logout)
	})
}

// RegisterProtectedRoutes registers routes that require authentication.
// Password routes stay reachable for accounts that must change their password.
func (h *Handler) RegisterProtectedRoutes(r chi.Router) {
	r.Get("/me", h.Me)
	r.Post("/me/password", h.ChangePassword)
	r.Get("/me/password-status", h.PasswordStatus)

	r.Group(func(r chi.Router) {
		r.Use(httputil.RequirePasswordChanged)
		r.Post("/me/role", h.ClaimRole)
	})
}

// RegisterAdminRoutes registers administrative routes. The stored role is checked
// in addition to any token role guard applied by the caller.
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.With(httputil.RequireRoleWith(h.guard.CheckRoleFromStore, "", domain.RoleAdmin)).
			Post("/users", h.ProvisionUser)
	})
}

// RegisterRequest represents registration request body.
type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email,max=255"`
	Name     string `json:"name" validate:"required,max=255"`
	Password string `json:"password" validate:"required,max=72,password_policy"`
}

// Register handles POST /auth/register.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}

	user, err := h.service.Register(r.Context(), RegisterInput(req))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, user)
}

// VerifyEmailResponse represents the email verification result.
type VerifyEmailResponse struct {
	Verified bool `json:"verified"`
}

// VerifyEmail handles GET /auth/verify-email?token=.
func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	verified, err := h.service.VerifyEmail(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, VerifyEmailResponse{Verified: verified})
}

// ResendVerificationRequest represents resend verification request body.
type ResendVerificationRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// ResendVerification handles POST /auth/resend-verification.
func (h *Handler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	var req ResendVerificationRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.service.ResendVerification(r.Context(), req.Email); err != nil {
		var cooldown *ResendCooldownError
		if errors.As(err, &cooldown) {
			w.Header().Set("Retry-After", strconv.Itoa(cooldown.MinutesLeft*60))
		}
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func cooldownFields(err error) map[string]any {
	var cooldown *ResendCooldownError
	if !errors.As(err, &cooldown) {
		return nil
	}
	return map[string]any{"minutes_left": cooldown.MinutesLeft}
}

// LoginRequest represents login request body.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// TokenResponse represents an issued access token. The refresh token is only sent as a cookie.
type TokenResponse struct {
	AccessToken            string `json:"access_token"`
	TokenType              string `json:"token_type"`
	ExpiresIn              int    `json:"expires_in"`
	RequiresPasswordChange bool   `json:"requires_password_change"`
}

// Login handles POST /auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.Login(r.Context(), LoginInput(req))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	h.setRefreshCookie(w, result.Tokens.RefreshToken)

	httputil.Success(w, http.StatusOK, h.tokenResponse(result.Tokens.AccessToken, result.RequiresPasswordChange))
}

// Refresh handles POST /auth/refresh.
// Reads refresh_token from cookie and issues a new access token.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var refreshToken string
	if cookie, err := r.Cookie(httputil.RefreshTokenCookie); err == nil {
		refreshToken = cookie.Value
	}

	result, err := h.service.Refresh(r.Context(), refreshToken)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, h.tokenResponse(result.AccessToken, result.RequiresPasswordChange))
}

// Logout handles POST /auth/logout. Tokens are stateless, so only the cookie is cleared.
func (h *Handler) Logout(w http.ResponseWriter, _ *http.Request) {
	h.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// Me handles GET /me.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	principal := httputil.GetPrincipal(r.Context())
	if principal == nil {
		httputil.Error(w, http.StatusUnauthorized, ErrUnauthenticated.Error())
		return
	}

	user, err := h.service.GetUser(r.Context(), principal.Email)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, user)
}

// ChangePasswordRequest represents password change request body.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,max=72"`
	ConfirmPassword string `json:"confirm_password" validate:"required"`
}

// ChangePassword handles POST /me/password.
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	principal := httputil.GetPrincipal(r.Context())
	if principal == nil {
		httputil.Error(w, http.StatusUnauthorized, ErrUnauthenticated.Error())
		return
	}

	var req ChangePasswordRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.ChangePassword(r.Context(), ChangePasswordInput{
		Email:           principal.Email,
		CurrentPassword: req.CurrentPassword,
		NewPassword:     req.NewPassword,
		ConfirmPassword: req.ConfirmPassword,
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, result)
}

// PasswordStatusResponse reports whether the password must be changed.
type PasswordStatusResponse struct {
	RequiresPasswordChange bool `json:"requires_password_change"`
}

// PasswordStatus handles GET /me/password-status.
func (h *Handler) PasswordStatus(w http.ResponseWriter, r *http.Request) {
	principal := httputil.GetPrincipal(r.Context())
	if principal == nil {
		httputil.Error(w, http.StatusUnauthorized, ErrUnauthenticated.Error())
		return
	}

	requires, err := h.service.CheckRequiresChange(r.Context(), principal.Email)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, PasswordStatusResponse{RequiresPasswordChange: requires})
}

// ClaimRoleRequest represents role claim request body.
type ClaimRoleRequest struct {
	Role string `json:"role" validate:"required"`
}

// ClaimRole handles POST /me/role.
func (h *Handler) ClaimRole(w http.ResponseWriter, r *http.Request) {
	principal := httputil.GetPrincipal(r.Context())
	if principal == nil {
		httputil.Error(w, http.StatusUnauthorized, ErrUnauthenticated.Error())
		return
	}

	var req ClaimRoleRequest
	if !h.decode(w, r, &req) {
		return
	}

	user, err := h.service.ClaimRole(r.Context(), principal.Email, domain.Role(req.Role))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, user)
}

// ProvisionUserRequest represents an administrative account creation request.
type ProvisionUserRequest struct {
	Email             string `json:"email" validate:"required,email,max=255"`
	Name              string `json:"name" validate:"required,max=255"`
	Role              string `json:"role" validate:"required"`
	TemporaryPassword string `json:"temporary_password" validate:"required,max=72,password_policy"`
}

// ProvisionUser handles POST /admin/users.
func (h *Handler) ProvisionUser(w http.ResponseWriter, r *http.Request) {
	var req ProvisionUserRequest
	if !h.decode(w, r, &req) {
		return
	}

	user, err := h.service.ProvisionUser(r.Context(), ProvisionInput{
		Email:             req.Email,
		Name:              req.Name,
		Role:              domain.Role(req.Role),
		TemporaryPassword: req.TemporaryPassword,
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, user)
}

// decode reads and validates a JSON body, writing the error response on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		httputil.ValidationError(w, err)
		return false
	}
	return true
}

func (h *Handler) tokenResponse(accessToken string, requiresPasswordChange bool) TokenResponse {
	return TokenResponse{
		AccessToken:            accessToken,
		TokenType:              "Bearer",
		ExpiresIn:              int(h.service.tokens.TTL(domain.TokenTypeAccess).Seconds()),
		RequiresPasswordChange: requiresPasswordChange,
	}
}

func (h *Handler) setRefreshCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     httputil.RefreshTokenCookie,
		Value:    token,
		Path:     h.cookieSettings.Path,
		Domain:   h.cookieSettings.Domain,
		MaxAge:   int(h.cookieSettings.RefreshTokenDuration.Seconds()),
		HttpOnly: true,
		Secure:   h.cookieSettings.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     httputil.RefreshTokenCookie,
		Value:    "",
		Path:     h.cookieSettings.Path,
		Domain:   h.cookieSettings.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookieSettings.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}
