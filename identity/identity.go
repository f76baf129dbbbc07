// Package identity turns caller tokens into the identity the notification operations authorize
// against.
package identity

import (
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/actuallyroy/audit-notifier/common"
	"github.com/actuallyroy/audit-notifier/model"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = common.Log.WithFields(logrus.Fields{"package": "identity"})

// contextKey is the gin context key the middleware stores the identity under.
const contextKey = "identity"

// Claims are the JWT claims issued by the audit backend.
type Claims struct {
	jwt.RegisteredClaims
	UserID         string `json:"user_id"`
	Role           string `json:"role"`
	OrganisationID string `json:"organisation_id,omitempty"`
}

// Identity converts the claims to an Identity.
func (c *Claims) Identity() (model.Identity, error) {
	userID := c.UserID
	if userID == "" {
		userID = c.Subject
	}
	if userID == "" {
		return model.Identity{}, errors.New("the token does not identify a user")
	}
	role, err := model.ParseRole(c.Role)
	if err != nil {
		return model.Identity{}, err
	}
	return model.Identity{UserID: userID, Role: role, OrganisationID: c.OrganisationID}, nil
}

// Verifier validates tokens signed with a shared secret.
type Verifier struct {
	settings common.JWTSettings
}

// NewVerifier returns a Verifier for the given settings.
func NewVerifier(settings common.JWTSettings) *Verifier {
	return &Verifier{settings: settings}
}

// GenerateToken issues a token for an identity. It is used by tools and tests; the audit backend
// issues the tokens clients actually present.
func (v *Verifier) GenerateToken(identity model.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    v.settings.Issuer,
		},
		UserID:         identity.UserID,
		Role:           string(identity.Role),
		OrganisationID: identity.OrganisationID,
	}
	if v.settings.Audience != "" {
		claims.Audience = jwt.ClaimStrings{v.settings.Audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(v.settings.Secret))
	if err != nil {
		return "", errors.Wrap(err, "unable to sign the token")
	}
	return signed, nil
}

// Verify parses and validates a token and returns the identity it carries.
func (v *Verifier) Verify(tokenString string) (model.Identity, error) {
	options := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.settings.Issuer != "" {
		options = append(options, jwt.WithIssuer(v.settings.Issuer))
	}
	if v.settings.Audience != "" {
		options = append(options, jwt.WithAudience(v.settings.Audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return []byte(v.settings.Secret), nil
	}, options...)
	if err != nil {
		return model.Identity{}, errors.Wrap(err, "invalid token")
	}
	if !token.Valid {
		return model.Identity{}, errors.New("invalid token")
	}

	return claims.Identity()
}

// tokenFromRequest reads the bearer token from the Authorization header or, for websocket
// clients that cannot set headers, the access_token query parameter.
func tokenFromRequest(c *gin.Context) (string, bool) {
	if header := c.GetHeader("Authorization"); header != "" {
		return strings.CutPrefix(header, "Bearer ")
	}
	token := c.Query("access_token")
	return token, token != ""
}

// Middleware authenticates the request and stores the caller's identity in the gin context.
func (v *Verifier) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, found := tokenFromRequest(c)
		if !found {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "a bearer token is required"})
			return
		}

		identity, err := v.Verify(tokenString)
		if err != nil {
			log.WithError(err).Debug("rejected token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "the token is invalid"})
			return
		}

		c.Set(contextKey, identity)
		c.Next()
	}
}

// FromContext returns the identity stored by the middleware.
func FromContext(c *gin.Context) (model.Identity, bool) {
	value, ok := c.Get(contextKey)
	if !ok {
		return model.Identity{}, false
	}
	identity, ok := value.(model.Identity)
	return identity, ok
}

// RequireRole rejects callers whose role is not one of roles. It must run after Middleware.
func RequireRole(roles ...model.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := FromContext(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
			return
		}
		if !slices.Contains(roles, identity.Role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient role"})
			return
		}
		c.Next()
	}
}
