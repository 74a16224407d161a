package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/shopchat/internal/common"
	"github.com/suPer8Hu/shopchat/internal/models"
	"github.com/suPer8Hu/shopchat/internal/user"
)

func (h *Handler) ListUsers(c *gin.Context) {
	page, size := pageQuery(c)
	users, p, err := h.Users.List(c.Request.Context(), page, size)
	if err != nil {
		h.fail(c, err)
		return
	}
	items := make([]models.PublicUser, 0, len(users))
	for i := range users {
		items = append(items, users[i].Public())
	}
	common.OK(c, gin.H{"items": items, "pagination": p})
}

func (h *Handler) GetUserByID(c *gin.Context) {
	id, ok := idParam(c, "user_id")
	if !ok {
		return
	}
	u, err := h.Users.Get(c.Request.Context(), id)
	h.respondUser(c, u, err)
}

func (h *Handler) GetUserByUsername(c *gin.Context) {
	u, err := h.Users.GetByUsername(c.Request.Context(), c.Param("username"))
	h.respondUser(c, u, err)
}

func (h *Handler) GetUserByEmail(c *gin.Context) {
	u, err := h.Users.GetByEmail(c.Request.Context(), c.Param("email"))
	h.respondUser(c, u, err)
}

func (h *Handler) GetUserByPhone(c *gin.Context) {
	u, err := h.Users.GetByPhone(c.Request.Context(), c.Param("phone"))
	h.respondUser(c, u, err)
}

// GetUserByAccount matches username, email or phone.
func (h *Handler) GetUserByAccount(c *gin.Context) {
	u, err := h.Users.FindByAccount(c.Request.Context(), c.Param("account"))
	h.respondUser(c, u, err)
}

func (h *Handler) respondUser(c *gin.Context, u *models.User, err error) {
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, u.Public())
}

func (h *Handler) UserIPHistory(c *gin.Context) {
	id, ok := idParam(c, "user_id")
	if !ok {
		return
	}
	hist, err := h.Users.IPHistory(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, hist)
}

func (h *Handler) CreateUser(c *gin.Context) {
	var req user.CreateInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badJSON(c)
		return
	}
	u, err := h.Users.Create(c.Request.Context(), req)
	h.respondUser(c, u, err)
}

func (h *Handler) UpdateUser(c *gin.Context) {
	id, ok := idParam(c, "user_id")
	if !ok {
		return
	}
	var req user.CreateInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badJSON(c)
		return
	}
	u, err := h.Users.Update(c.Request.Context(), id, req)
	h.respondUser(c, u, err)
}

func (h *Handler) PatchUser(c *gin.Context) {
	id, ok := idParam(c, "user_id")
	if !ok {
		return
	}
	var req map[string]any
	if err := c.ShouldBindJSON(&req); err != nil {
		badJSON(c)
		return
	}
	u, err := h.Users.Patch(c.Request.Context(), id, req)
	if err == nil && u.IsDeleted {
		common.OKMsg(c, "user deleted", gin.H{"user_id": id})
		return
	}
	h.respondUser(c, u, err)
}

func (h *Handler) DeleteUser(c *gin.Context) {
	id, ok := idParam(c, "user_id")
	if !ok {
		return
	}
	if err := h.Users.Delete(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	common.OKMsg(c, "user deleted", gin.H{"user_id": id})
}
