package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/distrokit/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newManagerWithKey(t *testing.T) (*Manager, *Issued) {
	t.Helper()
	m := NewManager(NewMemoryStore())
	return m, issue(t, m, "acct_abc")
}

func runMiddleware(m *Manager, header, value string) *gin.Context {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/v1/allowance/acct_abc", nil)
	if header != "" {
		c.Request.Header.Set(header, value)
	}
	Middleware(m)(c)
	return c
}

func TestMiddleware(t *testing.T) {
	m, out := newManagerWithKey(t)

	c := runMiddleware(m, "Authorization", "Bearer "+out.RawKey)
	got, ok := GetAPIKey(c)
	require.True(t, ok)
	assert.Equal(t, out.Key.ID, got.ID)
	assert.Equal(t, "acct_abc", GetAuthenticatedAccount(c))
	assert.Equal(t, "acct_abc", logging.AccountID(c.Request.Context()))

	assert.True(t, IsAuthenticated(runMiddleware(m, "X-API-Key", out.RawKey)))

	c = runMiddleware(m, "Authorization", "Bearer sk_bogus")
	assert.False(t, c.IsAborted())
	assert.False(t, IsAuthenticated(c))
	assert.Empty(t, GetAuthenticatedAccount(c))

	require.NoError(t, m.RevokeKey(context.Background(), out.Key.ID, "acct_abc"))
	assert.False(t, IsAuthenticated(runMiddleware(m, "Authorization", "Bearer "+out.RawKey)))
}

func TestRequireAuth(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/v1/auth/keys", nil)
	RequireAuth()(c)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.True(t, c.IsAborted())

	c, _ = gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/v1/auth/keys", nil)
	c.Set(ContextKeyAPIKey, &APIKey{AccountID: "acct_abc"})
	RequireAuth()(c)
	assert.False(t, c.IsAborted())
}

func TestRequireAdmin(t *testing.T) {
	tests := []struct {
		name          string
		secret        string
		header        string
		authenticated bool
		wantCode      int
	}{
		{name: "no secret authenticated", authenticated: true},
		{name: "no secret anonymous", wantCode: http.StatusUnauthorized},
		{name: "correct secret", secret: "supersecret123", header: "supersecret123"},
		{name: "wrong secret", secret: "supersecret123", header: "wrong", wantCode: http.StatusForbidden},
		{name: "key without secret", secret: "supersecret123", authenticated: true, wantCode: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodPost, "/v1/admin/accounts", nil)
			if tt.header != "" {
				c.Request.Header.Set(adminSecretHeader, tt.header)
			}
			if tt.authenticated {
				c.Set(ContextKeyAPIKey, &APIKey{AccountID: "acct_abc"})
			}

			RequireAdmin(tt.secret)(c)

			assert.Equal(t, tt.wantCode != 0, c.IsAborted())
			if tt.wantCode != 0 {
				assert.Equal(t, tt.wantCode, w.Code)
			}
		})
	}
}

func keyRouter(m *Manager, adminSecret string) *gin.Engine {
	h := NewHandler(m)
	r := gin.New()
	h.RegisterRoutes(r.Group("/v1", Middleware(m), RequireAuth()))
	h.RegisterAdminRoutes(r.Group("/v1", RequireAdmin(adminSecret)))
	return r
}

func call(r *gin.Engine, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateListRevoke(t *testing.T) {
	m, out := newManagerWithKey(t)
	r := keyRouter(m, "s3cret")
	bearer := []string{"Authorization", "Bearer " + out.RawKey}

	w := call(r, http.MethodPost, "/v1/auth/keys", CreateKeyRequest{Name: "ci", ExpiresInDays: 30}, bearer...)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created KeyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "ci", created.Key.Name)
	assert.NotNil(t, created.Key.ExpiresAt)

	w = call(r, http.MethodPost, "/v1/auth/keys", CreateKeyRequest{ExpiresInDays: 400}, bearer...)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = call(r, http.MethodGet, "/v1/auth/keys", nil, bearer...)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":2`)
	assert.NotContains(t, w.Body.String(), created.APIKey)

	w = call(r, http.MethodDelete, "/v1/auth/keys/"+out.Key.ID, nil, bearer...)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = call(r, http.MethodDelete, "/v1/auth/keys/"+created.Key.ID, nil, bearer...)
	assert.Equal(t, http.StatusOK, w.Code)

	w = call(r, http.MethodDelete, "/v1/auth/keys/ak_missing", nil, bearer...)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_IssueKey(t *testing.T) {
	m := NewManager(NewMemoryStore()).WithAccountCheck(func(_ context.Context, id string) error {
		if id == "acct_9" {
			return nil
		}
		return ErrAccountNotFound
	})
	r := keyRouter(m, "s3cret")

	w := call(r, http.MethodPost, "/v1/admin/accounts/acct_9/keys", nil, adminSecretHeader, "s3cret")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"name":"Primary"`)

	w = call(r, http.MethodPost, "/v1/admin/accounts/acct_ghost/keys", nil, adminSecretHeader, "s3cret")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "account_not_found")

	w = call(r, http.MethodPost, "/v1/admin/accounts/acct_9/keys", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
