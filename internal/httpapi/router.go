package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/suPer8Hu/shopchat/internal/common"
	"github.com/suPer8Hu/shopchat/internal/httpapi/handlers"
	"github.com/suPer8Hu/shopchat/internal/httpapi/middleware"
	"github.com/suPer8Hu/shopchat/internal/metrics"
	"github.com/suPer8Hu/shopchat/internal/ws"
)

type Options struct {
	Log              logrus.FieldLogger
	CORSOrigins      []string
	RateLimitEnabled bool
	CookieSecure     bool
}

type Router struct {
	Engine   *gin.Engine
	limiters []*middleware.RateLimiter
}

func (r *Router) limiter(perMinute int, enabled bool) gin.HandlerFunc {
	rl := middleware.NewRateLimiter(perMinute, enabled)
	r.limiters = append(r.limiters, rl)
	return rl.Handler()
}

// CleanupLimiters drops idle per-IP buckets from every route limiter.
func (r *Router) CleanupLimiters(maxIdle time.Duration) int {
	n := 0
	for _, rl := range r.limiters {
		n += rl.Cleanup(maxIdle)
	}
	return n
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Idempotency-Key", middleware.RequestIDHeader},
		ExposeHeaders:    []string{middleware.RefreshedTokenHeader, middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

func NewRouter(h *handlers.Handler, hub *ws.Hub, opts Options) *Router {
	rt := &Router{}
	r := gin.New()
	rt.Engine = r
	r.HandleMethodNotAllowed = true

	r.Use(middleware.Recovery(opts.Log))
	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog(opts.Log))
	r.Use(metrics.Middleware())
	r.Use(cors.New(corsConfig(opts.CORSOrigins)))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	authCfg := middleware.AuthConfig{
		Tokens:       h.Tokens,
		Users:        h.Users,
		SecureCookie: opts.CookieSecure,
		AutoRefresh:  true,
		Log:          opts.Log,
	}
	authed := middleware.Auth(authCfg)
	// Logout revokes the presented token; minting a replacement would leave a
	// live token behind.
	noRefresh := authCfg
	noRefresh.AutoRefresh = false
	authedNoRefresh := middleware.Auth(noRefresh)
	admin := middleware.Admin()
	rl := opts.RateLimitEnabled

	r.GET("/ping", h.Ping)
	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.GET("/ws", hub.ServeWS)

	api := r.Group("/api")

	// auth
	a := api.Group("/auth")
	a.POST("/register/precheck", rt.limiter(5, rl), h.RegisterPrecheck)
	a.POST("/register", rt.limiter(5, rl), h.Register)
	a.POST("/login", rt.limiter(10, rl), h.Login)
	a.POST("/refresh", rt.limiter(20, rl), h.Refresh)
	a.POST("/logout", authedNoRefresh, h.Logout)
	a.GET("/me", authed, h.Me)

	// users
	u := api.Group("/users", rt.limiter(100, rl), authed)
	u.GET("", admin, h.ListUsers)
	u.POST("", admin, h.CreateUser)
	u.GET("/:user_id", h.GetUserByID)
	u.GET("/username/:username", h.GetUserByUsername)
	u.GET("/email/:email", h.GetUserByEmail)
	u.GET("/phone/:phone", h.GetUserByPhone)
	u.GET("/account/:account", h.GetUserByAccount)
	u.GET("/ip_history/:user_id", admin, h.UserIPHistory)
	u.PUT("/:user_id", admin, h.UpdateUser)
	u.PATCH("/:user_id", admin, h.PatchUser)
	u.DELETE("/:user_id", admin, h.DeleteUser)

	// products
	p := api.Group("/products", rt.limiter(100, rl))
	p.GET("", h.ListProducts)
	p.GET("/:product_id", h.GetProduct)
	p.GET("/name/:product_name", h.GetProductByName)
	p.POST("", authed, admin, h.CreateProduct)
	p.PUT("/:product_id", authed, admin, h.UpdateProduct)
	p.DELETE("/:product_id", authed, admin, h.DeleteProduct)

	// chat
	ch := api.Group("/chat", authed)
	ch.POST("/sessions", h.CreateChatSession)
	ch.GET("/sessions", h.ListChatSessions)
	ch.GET("/sessions/:session_id", h.GetChatSession)
	ch.PATCH("/sessions/:session_id", h.RenameChatSession)
	ch.DELETE("/sessions/:session_id", h.DeleteChatSession)
	ch.GET("/sessions/:session_id/messages", h.ListChatMessages)
	ch.GET("/sessions/:session_id/messages/:message_id", h.GetChatMessage)
	ch.POST("/messages", h.CreateChatMessage)
	ch.PATCH("/messages/:message_id", h.EditChatMessage)
	ch.DELETE("/messages/:message_id", h.DeleteChatMessage)
	ch.POST("/completions", h.SendChatMessage)
	ch.POST("/completions/stream", h.SendChatMessageStream)
	ch.POST("/completions/async", h.SendChatMessageAsync)
	ch.GET("/jobs/:job_id", h.GetChatJob)

	return rt
}
