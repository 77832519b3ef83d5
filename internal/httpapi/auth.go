package httpapi

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nhle/task-sync/internal/model"
)

// ErrUnauthorized is returned by an Authenticator that cannot identify
// the caller.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is the authenticated caller of a request.
type Identity struct {
	Username string
	Admin    bool
}

// Authenticator resolves the caller of a request. Session handling lives
// outside this service; whatever implements this is trusted completely.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// TokenAuthenticator checks a static bearer token table.
type TokenAuthenticator struct {
	users []model.UserConfig
}

// NewTokenAuthenticator creates an authenticator for the configured users.
func NewTokenAuthenticator(users []model.UserConfig) *TokenAuthenticator {
	return &TokenAuthenticator{users: users}
}

// Authenticate implements Authenticator.
func (a *TokenAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return Identity{}, ErrUnauthorized
	}

	// Compare against every entry so timing does not reveal the position.
	var found *model.UserConfig
	for i := range a.users {
		if subtle.ConstantTimeCompare([]byte(a.users[i].Token), []byte(token)) == 1 {
			found = &a.users[i]
		}
	}
	if found == nil {
		return Identity{}, ErrUnauthorized
	}
	return Identity{Username: found.Name, Admin: found.Admin}, nil
}

const identityKey = "identity"

// requireAuth rejects requests the Authenticator cannot identify.
func requireAuth(auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := auth.Authenticate(c.Request)
		if err != nil || id.Username == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

// requireAdmin must run after requireAuth.
func requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !identity(c).Admin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin only"})
			return
		}
		c.Next()
	}
}

func identity(c *gin.Context) Identity {
	v, _ := c.Get(identityKey)
	id, _ := v.(Identity)
	return id
}
