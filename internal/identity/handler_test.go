package identity

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bissquit/service-shop/internal/domain"
	"github.com/bissquit/service-shop/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(env *testEnv) http.Handler {
	h := NewHandler(env.svc, NewGuard(env.repo), CookieSettings{
		Path:                 "/api/v1/auth",
		RefreshTokenDuration: 7 * 24 * time.Hour,
	}, nil)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		h.RegisterRoutes(r)
		r.Group(func(r chi.Router) {
			r.Use(httputil.AuthMiddleware(env.svc))
			h.RegisterProtectedRoutes(r)
			r.Group(func(r chi.Router) {
				r.Use(httputil.RequireRole(domain.RoleAdmin))
				r.Use(httputil.RequirePasswordChanged)
				h.RegisterAdminRoutes(r)
			})
		})
	})
	return r
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func bearer(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error struct {
		Message     string `json:"message"`
		MinutesLeft int    `json:"minutes_left"`
	} `json:"error"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}

func loginToken(t *testing.T, router http.Handler, email, password string) (TokenResponse, *http.Cookie) {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/v1/auth/login", LoginRequest{Email: email, Password: password})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var tokens TokenResponse
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &tokens))

	var refresh *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == httputil.RefreshTokenCookie {
			refresh = c
		}
	}
	require.NotNil(t, refresh, "refresh cookie not set")
	return tokens, refresh
}

func TestHandler_Register(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(env)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/auth/register", RegisterRequest{
		Email: "New@Example.com", Name: "New", Password: strongPassword,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var user domain.PublicUser
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &user))
	assert.Equal(t, "new@example.com", user.Email)
	assert.NotContains(t, rec.Body.String(), strongPassword)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/auth/register", RegisterRequest{
		Email: "new@example.com", Name: "Again", Password: strongPassword,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, ErrEmailAlreadyExists.Error(), decodeEnvelope(t, rec).Error.Message)
}

func TestHandler_Register_Validation(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(env)

	tests := []struct {
		name string
		body any
	}{
		{name: "weak password", body: RegisterRequest{Email: "a@example.com", Name: "A", Password: "password"}},
		{name: "password over 72 bytes", body: RegisterRequest{Email: "a@example.com", Name: "A", Password: "Aa1!" + strings.Repeat("é", 60)}},
		{name: "bad email", body: RegisterRequest{Email: "nope", Name: "A", Password: strongPassword}},
		{name: "missing name", body: RegisterRequest{Email: "a@example.com", Password: strongPassword}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, router, http.MethodPost, "/api/v1/auth/register", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, env.sender.count())
}

func TestHandler_Register_EmailFailure(t *testing.T) {
	env := newTestEnv(t)
	env.sender.err = assert.AnError
	router := newTestRouter(env)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/auth/register", RegisterRequest{
		Email: "a@example.com", Name: "A", Password: strongPassword,
	})

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, ErrEmailSendingFailed.Error(), decodeEnvelope(t, rec).Error.Message)
}

func TestHandler_VerifyEmail(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(env)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/auth/register", RegisterRequest{
		Email: "a@example.com", Name: "A", Password: strongPassword,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/auth/verify-email?token=garbage", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"verified":false}`, string(decodeEnvelope(t, rec).Data))

	rec = doJSON(t, router, http.MethodGet, "/api/v1/auth/verify-email?token="+env.sender.lastToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"verified":true}`, string(decodeEnvelope(t, rec).Data))
}

func TestHandler_ResendVerification_Cooldown(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(env)
	env.seedUser(t, "u@example.com", strongPassword, domain.RoleCustomer, false)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/auth/resend-verification", ResendVerificationRequest{Email: "u@example.com"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	env.clock.Advance(time.Minute)
	rec = doJSON(t, router, http.MethodPost, "/api/v1/auth/resend-verification", ResendVerificationRequest{Email: "u@example.com"})

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "240", rec.Header().Get("Retry-After"))
	assert.Equal(t, 4, decodeEnvelope(t, rec).Error.MinutesLeft)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/auth/resend-verification", ResendVerificationRequest{Email: "ghost@example.com"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_LoginRefreshLogout(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(env)
	env.seedUser(t, "u@example.com", strongPassword, domain.RoleCustomer, true)

	tokens, cookie := loginToken(t, router, "u@example.com", strongPassword)
	assert.Equal(t, "Bearer", tokens.TokenType)
	assert.Equal(t, 900, tokens.ExpiresIn)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)
	assert.Equal(t, "/api/v1/auth", cookie.Path)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/me", nil, bearer(tokens.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(decodeEnvelope(t, rec).Data), "u@example.com")

	rec = doJSON(t, router, http.MethodPost, "/api/v1/auth/refresh", nil, func(r *http.Request) { r.AddCookie(cookie) })
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var refreshed TokenResponse
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &refreshed))
	assert.NotEmpty(t, refreshed.AccessToken)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/auth/refresh", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// A refresh token is not an access token.
	rec = doJSON(t, router, http.MethodGet, "/api/v1/me", nil, bearer(cookie.Value))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/auth/logout", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	cleared := rec.Result().Cookies()
	require.Len(t, cleared, 1)
	assert.Equal(t, httputil.RefreshTokenCookie, cleared[0].Name)
	assert.Negative(t, cleared[0].MaxAge)
}

func TestHandler_Login_Errors(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(env)
	env.seedUser(t, "u@example.com", strongPassword, domain.RoleCustomer, false)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/auth/login", LoginRequest{Email: "u@example.com", Password: "Wr0ng!Pass"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/auth/login", LoginRequest{Email: "u@example.com", Password: strongPassword})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, ErrEmailNotVerified.Error(), decodeEnvelope(t, rec).Error.Message)
}

func TestHandler_ChangePassword(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(env)
	env.seedUser(t, "u@example.com", strongPassword, domain.RoleCustomer, true)
	tokens, _ := loginToken(t, router, "u@example.com", strongPassword)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/me/password", ChangePasswordRequest{
		CurrentPassword: strongPassword, NewPassword: "N3w!Password", ConfirmPassword: "Different1!",
	}, bearer(tokens.AccessToken))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/me/password", ChangePasswordRequest{
		CurrentPassword: strongPassword, NewPassword: "N3w!Password", ConfirmPassword: "N3w!Password",
	}, bearer(tokens.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"message":"Password changed successfully","requires_password_change":false}`, string(decodeEnvelope(t, rec).Data))

	rec = doJSON(t, router, http.MethodPost, "/api/v1/me/password", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_AdminProvisioning(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(env)
	env.seedUser(t, "admin@example.com", strongPassword, domain.RoleAdmin, true)
	env.seedUser(t, "cust@example.com", strongPassword, domain.RoleCustomer, true)

	adminTokens, _ := loginToken(t, router, "admin@example.com", strongPassword)
	customerTokens, _ := loginToken(t, router, "cust@example.com", strongPassword)

	body := ProvisionUserRequest{Email: "emp@example.com", Name: "Emp", Role: "EMPLOYEE", TemporaryPassword: strongPassword}

	rec := doJSON(t, router, http.MethodPost, "/api/v1/admin/users", body, bearer(customerTokens.AccessToken))
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, domain.DefaultAccessDeniedMessage, decodeEnvelope(t, rec).Error.Message)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/admin/users", body)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/admin/users", body, bearer(adminTokens.AccessToken))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// The provisioned employee must change the temporary password before using gated routes.
	empTokens, _ := loginToken(t, router, "emp@example.com", strongPassword)
	assert.True(t, empTokens.RequiresPasswordChange)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/me/password-status", nil, bearer(empTokens.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"requires_password_change":true}`, string(decodeEnvelope(t, rec).Data))

	rec = doJSON(t, router, http.MethodPost, "/api/v1/me/role", ClaimRoleRequest{Role: "CUSTOMER"}, bearer(empTokens.AccessToken))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, httputil.PasswordChangeRequiredMessage, decodeEnvelope(t, rec).Error.Message)
}

func TestHandler_AdminProvisioning_StoredRoleWins(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(env)
	env.seedUser(t, "admin@example.com", strongPassword, domain.RoleAdmin, true)
	tokens, _ := loginToken(t, router, "admin@example.com", strongPassword)

	// Demote in the store; the access token still says ADMIN.
	stored := env.repo.get(t, "admin@example.com")
	stored.Role = domain.RoleCustomer
	env.repo.set(stored)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/admin/users", ProvisionUserRequest{
		Email: "x@example.com", Name: "X", Role: "EMPLOYEE", TemporaryPassword: strongPassword,
	}, bearer(tokens.AccessToken))

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandler_ClaimRole(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(env)
	env.seedUser(t, "pub@example.com", strongPassword, domain.RolePublic, true)
	tokens, _ := loginToken(t, router, "pub@example.com", strongPassword)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/me/role", ClaimRoleRequest{Role: "ADMIN"}, bearer(tokens.AccessToken))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/me/role", ClaimRoleRequest{Role: "customer"}, bearer(tokens.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, string(decodeEnvelope(t, rec).Data), `"role":"CUSTOMER"`)
}
