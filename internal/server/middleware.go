package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	hierarchydomain "github.com/smallbiznis/partnerpay/internal/hierarchy/domain"
	obscontext "github.com/smallbiznis/partnerpay/internal/observability/context"
	settlementdomain "github.com/smallbiznis/partnerpay/internal/settlement/domain"
)

const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"

	contextIdentityKey = "identity"
	contextRoleKey     = "caller_role"
)

// IdentityRequired trusts the identity asserted by the upstream gateway.
func IdentityRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		rawID := strings.TrimSpace(c.GetHeader(HeaderUserID))
		rawRole := strings.TrimSpace(c.GetHeader(HeaderUserRole))
		if rawID == "" || rawRole == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		userID, err := snowflake.ParseString(rawID)
		if err != nil || userID <= 0 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		role, err := hierarchydomain.ParseRole(rawRole)
		if err != nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		identity := settlementdomain.Identity{UserID: userID, Role: role}
		c.Set(contextIdentityKey, identity)
		c.Set(contextRoleKey, string(role))
		ctx := obscontext.WithActor(c.Request.Context(), string(role), userID.String())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func identityFrom(c *gin.Context) (settlementdomain.Identity, bool) {
	v, ok := c.Get(contextIdentityKey)
	if !ok {
		return settlementdomain.Identity{}, false
	}
	identity, ok := v.(settlementdomain.Identity)
	return identity, ok
}
