package auth

import (
	"net/http"
	"strings"

	"github.com/KevinKickass/iotdserver/internal/types"
	"github.com/gin-gonic/gin"
)

const principalKey = "principal"

// Credential extracts a bearer token or X-API-Key header from r. Browsers
// cannot set headers on websocket upgrades, so a token query parameter is
// accepted too.
func Credential(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("token")
}

// Middleware authenticates the request and stores the principal.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := a.Authenticate(Credential(c.Request))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse(types.CodeUnauthorized, err.Error(), nil))
			return
		}

		c.Set(principalKey, principal)
		c.Next()
	}
}

// RequirePermission checks if the principal has required permission
func RequirePermission(required Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := PrincipalFrom(c)
		if !ok || !principal.Has(required) {
			c.AbortWithStatusJSON(http.StatusForbidden,
				types.NewErrorResponse(types.CodeForbidden, "insufficient permissions",
					gin.H{"required": string(required)}))
			return
		}
		c.Next()
	}
}

func PrincipalFrom(c *gin.Context) (*Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*Principal)
	return p, ok
}
