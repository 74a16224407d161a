package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/suPer8Hu/shopchat/internal/auth"
	"github.com/suPer8Hu/shopchat/internal/common"
	"github.com/suPer8Hu/shopchat/internal/models"
)

const (
	UserIDKey = "user_id"
	UserKey   = "user"
	ClaimsKey = "claims"
	TokenKey  = "access_token"

	RefreshedTokenHeader = "X-Access-Token"
)

// UserLoader returns live (not soft-deleted) users; *user.Service implements it.
type UserLoader interface {
	Get(ctx context.Context, id uint64) (*models.User, error)
}

type AuthConfig struct {
	Tokens       *auth.TokenService
	Users        UserLoader
	SecureCookie bool
	// AutoRefresh issues a fresh access token when the presented one is
	// inside the refresh window. Off for logout.
	AutoRefresh bool
	Log         logrus.FieldLogger
}

// SetAccessCookie writes the access token cookie used by browsers and /ws.
func SetAccessCookie(c *gin.Context, token string, maxAge int, secure bool) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(auth.CookieName, token, maxAge, "/", "", secure, true)
}

// LoadActiveUser resolves a token's user id to a live, active account.
// It returns common.ErrNotFound for missing, deleted or disabled users.
func LoadActiveUser(ctx context.Context, users UserLoader, id uint64) (*models.User, error) {
	u, err := users.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.IsDeleted || !u.IsActive {
		return nil, fmt.Errorf("user %w", common.ErrNotFound)
	}
	return u, nil
}

// Auth requires a valid access token whose user still exists and is active.
// The stored user, not the token claims, decides identity and role.
func Auth(cfg AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := auth.TokenFromRequest(c.Request)
		if raw == "" {
			common.AbortFail(c, http.StatusUnauthorized, 40100, "missing access token")
			return
		}
		ctx := c.Request.Context()
		claims, err := cfg.Tokens.ParseAccess(ctx, raw)
		if err != nil {
			msg := "invalid token"
			switch {
			case errors.Is(err, auth.ErrTokenExpired):
				msg = "token expired"
			case errors.Is(err, auth.ErrTokenRevoked):
				msg = "token revoked"
			}
			common.AbortFail(c, http.StatusUnauthorized, 40101, msg)
			return
		}

		u, err := LoadActiveUser(ctx, cfg.Users, claims.UserID)
		if err != nil {
			if errors.Is(err, common.ErrNotFound) {
				common.AbortFail(c, http.StatusUnauthorized, 40104, "user info not found")
				return
			}
			cfg.Log.WithError(err).WithField("user_id", claims.UserID).Error("load user for auth")
			common.AbortFail(c, http.StatusInternalServerError, 50001, "internal server error")
			return
		}

		if cfg.AutoRefresh && cfg.Tokens.NeedsRefresh(claims) {
			fresh, err := cfg.Tokens.IssueAccess(auth.IdentityOf(u))
			if err != nil {
				cfg.Log.WithError(err).WithField("user_id", u.ID).Warn("auto refresh failed")
			} else {
				SetAccessCookie(c, fresh, int(cfg.Tokens.AccessTTL().Seconds()), cfg.SecureCookie)
				c.Header(RefreshedTokenHeader, fresh)
			}
		}

		c.Set(UserIDKey, u.ID)
		c.Set(UserKey, u)
		c.Set(ClaimsKey, claims)
		c.Set(TokenKey, raw)
		c.Next()
	}
}

// Admin must run after Auth.
func Admin() gin.HandlerFunc {
	return func(c *gin.Context) {
		u, ok := UserFrom(c)
		if !ok {
			common.AbortFail(c, http.StatusUnauthorized, 40100, "unauthorized")
			return
		}
		if !u.IsAdmin {
			common.AbortFail(c, http.StatusForbidden, 40300, "admin privileges required")
			return
		}
		c.Next()
	}
}

func UserFrom(c *gin.Context) (*models.User, bool) {
	v, ok := c.Get(UserKey)
	if !ok {
		return nil, false
	}
	u, ok := v.(*models.User)
	return u, ok
}

func ClaimsFrom(c *gin.Context) (*auth.Claims, bool) {
	v, ok := c.Get(ClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok
}

func UserIDFrom(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}
