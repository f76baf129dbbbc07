package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/actuallyroy/audit-notifier/common"
	"github.com/actuallyroy/audit-notifier/model"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testSettings = common.JWTSettings{Secret: "test-secret-key-for-unit-tests", Issuer: "audit-api", Audience: "audit-clients"}

var manager = model.Identity{UserID: "user-1", Role: model.RoleManager, OrganisationID: "org-1"}

func TestGenerateAndVerify(t *testing.T) {
	assert := assert.New(t)
	verifier := NewVerifier(testSettings)

	token, err := verifier.GenerateToken(manager, time.Hour)
	require.NoError(t, err)

	identity, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(manager, identity)
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	verifier := NewVerifier(testSettings)

	expired, err := verifier.GenerateToken(manager, -time.Minute)
	require.NoError(t, err)

	wrongSecret, err := NewVerifier(common.JWTSettings{Secret: "other", Issuer: "audit-api", Audience: "audit-clients"}).
		GenerateToken(manager, time.Hour)
	require.NoError(t, err)

	wrongIssuer, err := NewVerifier(common.JWTSettings{Secret: testSettings.Secret, Issuer: "elsewhere", Audience: "audit-clients"}).
		GenerateToken(manager, time.Hour)
	require.NoError(t, err)

	badRole, err := NewVerifier(testSettings).GenerateToken(model.Identity{UserID: "u", Role: "janitor"}, time.Hour)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"expired":      expired,
		"wrong secret": wrongSecret,
		"wrong issuer": wrongIssuer,
		"unknown role": badRole,
		"garbage":      "not-a-token",
	} {
		_, err := verifier.Verify(token)
		assert.Error(t, err, name)
	}
}

func TestVerifyUsesSubjectWhenUserIDIsMissing(t *testing.T) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-9",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: "auditor",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	identity, err := NewVerifier(common.JWTSettings{Secret: "secret"}).Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-9", identity.UserID)
	assert.Equal(t, model.RoleAuditor, identity.Role)
}

func newRouter(verifier *Verifier) *gin.Engine {
	router := gin.New()
	router.GET("/whoami", verifier.Middleware(), func(c *gin.Context) {
		identity, ok := FromContext(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, identity)
	})
	return router
}

func TestMiddleware(t *testing.T) {
	verifier := NewVerifier(testSettings)
	router := newRouter(verifier)
	token, err := verifier.GenerateToken(manager, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		query  string
		status int
	}{
		{name: "bearer header", header: "Bearer " + token, status: http.StatusOK},
		{name: "query parameter", query: "?access_token=" + token, status: http.StatusOK},
		{name: "missing token", status: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic " + token, status: http.StatusUnauthorized},
		{name: "invalid token", header: "Bearer invalid", status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.JSONEq(t, `{"userId":"user-1","role":"manager","organisationId":"org-1"}`, rec.Body.String())
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	verifier := NewVerifier(testSettings)
	router := gin.New()
	router.GET("/reports", verifier.Middleware(), RequireRole(model.RoleManager, model.RoleAdmin), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for role, status := range map[model.Role]int{
		model.RoleAdmin:   http.StatusOK,
		model.RoleManager: http.StatusOK,
		model.RoleAuditor: http.StatusForbidden,
	} {
		token, err := verifier.GenerateToken(model.Identity{UserID: "user-1", Role: role}, time.Hour)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/reports", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, status, rec.Code, string(role))
	}
}
