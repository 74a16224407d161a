package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/suPer8Hu/shopchat/internal/auth"
	"github.com/suPer8Hu/shopchat/internal/chat"
	"github.com/suPer8Hu/shopchat/internal/common"
	"github.com/suPer8Hu/shopchat/internal/httpapi/middleware"
	"github.com/suPer8Hu/shopchat/internal/product"
	"github.com/suPer8Hu/shopchat/internal/store/rabbitmq"
	"github.com/suPer8Hu/shopchat/internal/user"
)

// Pinger is satisfied by *redisstore.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	DB           *gorm.DB
	Redis        Pinger
	Users        *user.Service
	Products     *product.Service
	ChatSvc      *chat.Service
	Tokens       *auth.TokenService
	Jobs         rabbitmq.JobPublisher
	Log          logrus.FieldLogger
	CookieSecure bool
}

// fail maps service errors onto the envelope; anything unrecognised is
// logged and reported as 500.
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, user.ErrCodeTooSoon):
		common.Fail(c, http.StatusTooManyRequests, 42901, err.Error())
	case errors.Is(err, user.ErrCodeExpired):
		common.Fail(c, http.StatusBadRequest, 10020, err.Error())
	case errors.Is(err, user.ErrCodeInvalid):
		common.Fail(c, http.StatusBadRequest, 10021, err.Error())
	case errors.Is(err, common.ErrInvalidInput):
		common.Fail(c, http.StatusBadRequest, 10002, err.Error())
	case errors.Is(err, common.ErrBadCredentials):
		common.Fail(c, http.StatusUnauthorized, 40102, "invalid account or password")
	case errors.Is(err, common.ErrForbidden):
		common.Fail(c, http.StatusForbidden, 40301, err.Error())
	case errors.Is(err, common.ErrNotFound):
		common.Fail(c, http.StatusNotFound, 40400, err.Error())
	case errors.Is(err, common.ErrConflict):
		common.Fail(c, http.StatusConflict, 40900, err.Error())
	default:
		h.Log.WithError(err).WithFields(logrus.Fields{
			"path":       c.FullPath(),
			"request_id": c.GetString(middleware.RequestIDKey),
		}).Error("request failed")
		common.Fail(c, http.StatusInternalServerError, 50001, "internal server error")
	}
}

func badJSON(c *gin.Context) {
	common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
}

func userID(c *gin.Context) (uint64, bool) {
	uid, ok := middleware.UserIDFrom(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40100, "unauthorized")
	}
	return uid, ok
}

// idParam parses a positive integer path parameter, writing 400 on failure.
func idParam(c *gin.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		common.Fail(c, http.StatusBadRequest, 10004, "invalid "+name)
		return 0, false
	}
	return id, true
}

// pageQuery reads page plus page_size (or pageSize); zero means default.
func pageQuery(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.Query("page"))
	size, _ := strconv.Atoi(c.Query("page_size"))
	if size == 0 {
		size, _ = strconv.Atoi(c.Query("pageSize"))
	}
	return page, size
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

// Healthz checks the database and Redis.
func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := gin.H{"db": "ok", "redis": "ok"}
	healthy := true
	if sqlDB, err := h.DB.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
		status["db"] = "down"
		healthy = false
	}
	if h.Redis == nil {
		status["redis"] = "disabled"
	} else if err := h.Redis.Ping(ctx); err != nil {
		status["redis"] = "down"
		healthy = false
	}

	if !healthy {
		c.JSON(http.StatusServiceUnavailable, common.Response{Code: 50300, Message: "unhealthy", Data: status})
		return
	}
	common.OK(c, status)
}
