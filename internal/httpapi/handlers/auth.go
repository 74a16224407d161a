package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/shopchat/internal/auth"
	"github.com/suPer8Hu/shopchat/internal/common"
	"github.com/suPer8Hu/shopchat/internal/httpapi/middleware"
	"github.com/suPer8Hu/shopchat/internal/user"
)

type registerReq struct {
	user.CreateInput
	Code string `json:"code"`
}

func (h *Handler) RegisterPrecheck(c *gin.Context) {
	var req user.CreateInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badJSON(c)
		return
	}
	if err := h.Users.RegisterPrecheck(c.Request.Context(), req); err != nil {
		h.fail(c, err)
		return
	}
	common.OKMsg(c, "verification code sent", gin.H{"email": strings.ToLower(strings.TrimSpace(req.Email))})
}

func (h *Handler) Register(c *gin.Context) {
	var req registerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badJSON(c)
		return
	}
	u, err := h.Users.Register(c.Request.Context(), req.CreateInput, req.Code)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OKMsg(c, "registered", u.Public())
}

type loginReq struct {
	Account  string `json:"account"`
	Password string `json:"password"`
}

// Login accepts a username, email or phone as account. The access token is
// set as an HttpOnly cookie and also returned in the body for API clients.
func (h *Handler) Login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badJSON(c)
		return
	}
	ip := c.ClientIP()
	u, err := h.Users.Authenticate(c.Request.Context(), req.Account, req.Password, ip)
	if err != nil {
		h.fail(c, err)
		return
	}

	id := auth.IdentityOf(u)
	access, err := h.Tokens.IssueAccess(id)
	if err != nil {
		h.fail(c, err)
		return
	}
	refresh, err := h.Tokens.IssueRefresh(id)
	if err != nil {
		h.fail(c, err)
		return
	}

	middleware.SetAccessCookie(c, access, int(h.Tokens.AccessTTL().Seconds()), h.CookieSecure)
	common.OKMsg(c, "login succeeded", gin.H{
		"user_id":       u.ID,
		"username":      u.Username,
		"email":         u.Email,
		"access_token":  access,
		"refresh_token": refresh,
		"ip_address":    ip,
	})
}

type refreshReq struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *Handler) Refresh(c *gin.Context) {
	var req refreshReq
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.RefreshToken) == "" {
		common.Fail(c, http.StatusUnprocessableEntity, 10003, "refresh_token is required")
		return
	}
	ctx := c.Request.Context()
	claims, err := h.Tokens.ParseRefresh(ctx, req.RefreshToken)
	if err != nil {
		common.Fail(c, http.StatusUnauthorized, 40103, "invalid refresh token")
		return
	}
	// Role and identity come from the stored row; a demoted or removed
	// account must not get an access token minted from stale claims.
	u, err := middleware.LoadActiveUser(ctx, h.Users, claims.UserID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			common.Fail(c, http.StatusUnauthorized, 40104, "user info not found")
			return
		}
		h.fail(c, err)
		return
	}
	access, err := h.Tokens.IssueAccess(auth.IdentityOf(u))
	if err != nil {
		h.fail(c, err)
		return
	}
	middleware.SetAccessCookie(c, access, int(h.Tokens.AccessTTL().Seconds()), h.CookieSecure)
	common.OKMsg(c, "token refreshed", gin.H{
		"username":     u.Username,
		"access_token": access,
	})
}

// Logout revokes the presented access token and, when supplied, the
// refresh token.
func (h *Handler) Logout(c *gin.Context) {
	ctx := c.Request.Context()
	if err := h.Tokens.Revoke(ctx, c.GetString(middleware.TokenKey)); err != nil {
		h.fail(c, err)
		return
	}
	var req refreshReq
	_ = c.ShouldBindJSON(&req) // body is optional
	if req.RefreshToken != "" {
		if err := h.Tokens.Revoke(ctx, req.RefreshToken); err != nil {
			h.fail(c, err)
			return
		}
	}
	middleware.SetAccessCookie(c, "", -1, h.CookieSecure)
	common.OKMsg(c, "logged out", nil)
}

func (h *Handler) Me(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	u, err := h.Users.Get(c.Request.Context(), uid)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, u.Public())
}
