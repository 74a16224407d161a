package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/suPer8Hu/shopchat/internal/ai"
	"github.com/suPer8Hu/shopchat/internal/auth"
	"github.com/suPer8Hu/shopchat/internal/chat"
	"github.com/suPer8Hu/shopchat/internal/config"
	"github.com/suPer8Hu/shopchat/internal/db"
	"github.com/suPer8Hu/shopchat/internal/email"
	"github.com/suPer8Hu/shopchat/internal/httpapi"
	"github.com/suPer8Hu/shopchat/internal/httpapi/handlers"
	"github.com/suPer8Hu/shopchat/internal/logging"
	"github.com/suPer8Hu/shopchat/internal/product"
	"github.com/suPer8Hu/shopchat/internal/store/rabbitmq"
	"github.com/suPer8Hu/shopchat/internal/store/redisstore"
	"github.com/suPer8Hu/shopchat/internal/user"
	"github.com/suPer8Hu/shopchat/internal/ws"
)

// redisSelfTest round-trips a JSON value so a misconfigured cache shows up at boot.
func redisSelfTest(ctx context.Context, rs *redisstore.Store) error {
	type probe struct {
		At int64 `json:"at"`
	}
	const key = "shopchat:selftest"
	want := probe{At: time.Now().Unix()}
	if err := rs.SetJSON(ctx, key, want, time.Minute); err != nil {
		return err
	}
	var got probe
	if err := rs.GetJSON(ctx, key, &got); err != nil {
		return err
	}
	if got != want {
		return errors.New("redis self-test value mismatch")
	}
	return nil
}

func newBlacklist(kind string, rs *redisstore.Store, log logrus.FieldLogger) auth.Blacklist {
	if kind == "redis" {
		return auth.NewRedisBlacklist(rs.Client())
	}
	if kind != "memory" {
		log.WithField("kind", kind).Warn("unknown TOKEN_BLACKLIST, using memory")
	}
	return auth.NewMemoryBlacklist()
}

func newPublisher(cfg config.Config, log logrus.FieldLogger) rabbitmq.JobPublisher {
	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.WithError(err).Warn("rabbitmq unavailable, async jobs stay queued")
		return rabbitmq.LogPublisher{Log: log}
	}
	return pub
}

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Open(cfg.DBDriver, cfg.DBDSN, log)
	if err != nil {
		log.WithError(err).Fatal("open database")
	}
	defer db.Close(gdb)
	if err := db.Migrate(gdb); err != nil {
		log.WithError(err).Fatal("migrate database")
	}

	rs := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB,
		redisstore.WithMessageCache(cfg.ChatCacheSize, cfg.ChatCacheTTL))
	defer rs.Close()
	if err := redisSelfTest(ctx, rs); err != nil {
		log.WithError(err).Warn("redis self-test failed, cache and verification codes will error until it recovers")
	} else {
		log.WithField("addr", cfg.RedisAddr).Info("redis connected")
	}

	blacklist := newBlacklist(cfg.TokenBlacklist, rs, log)
	tokens := auth.NewTokenService(cfg.JWTSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL, cfg.TokenRefreshWindow, blacklist)

	reg := ai.NewRegistryFromConfig(cfg)
	mailer := email.NewSender(email.SMTPConfig{
		Host: cfg.SMTPHost,
		Port: cfg.SMTPPort,
		User: cfg.SMTPUser,
		Pass: cfg.SMTPPass,
		From: cfg.SMTPFrom,
	}, log)

	chatSvc := chat.NewService(chat.NewRepo(gdb), reg, rs, log, chat.Options{
		ContextWindowSize: cfg.ChatContextWindowSize,
		SystemPrompt:      cfg.ChatSystemPrompt,
		DefaultModel:      func(p string) string { return ai.DefaultModel(cfg, p) },
	})

	jobs := newPublisher(cfg, log)
	defer jobs.Close()

	users := user.NewService(user.NewRepo(gdb), rs, mailer, log, cfg.CaptchaTTL)
	hub := ws.NewHub(chatSvc, tokens, users, log, ws.Config{
		HeartbeatInterval: cfg.WSHeartbeatInterval,
		HeartbeatTimeout:  cfg.WSHeartbeatTimeout,
		CheckInterval:     cfg.WSCheckInterval,
		AllowedOrigins:    cfg.CORSOrigins,
	})
	go hub.Run(ctx)

	h := &handlers.Handler{
		DB:           gdb,
		Redis:        rs,
		Users:        users,
		Products:     product.NewService(product.NewRepo(gdb)),
		ChatSvc:      chatSvc,
		Tokens:       tokens,
		Jobs:         jobs,
		Log:          log,
		CookieSecure: cfg.CookieSecure,
	}
	router := httpapi.NewRouter(h, hub, httpapi.Options{
		Log:              log,
		CORSOrigins:      cfg.CORSOrigins,
		RateLimitEnabled: cfg.RateLimitEnabled,
		CookieSecure:     cfg.CookieSecure,
	})

	sched := cron.New()
	if _, err := sched.AddFunc("@every 1m", func() {
		purged := blacklist.Purge(time.Now())
		idle := router.CleanupLimiters(10 * time.Minute)
		if purged > 0 || idle > 0 {
			log.WithFields(logrus.Fields{"tokens": purged, "limiters": idle}).Debug("housekeeping")
		}
	}); err != nil {
		log.WithError(err).Fatal("schedule housekeeping")
	}
	sched.Start()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.WithFields(logrus.Fields{
			"addr":     cfg.HTTPAddr,
			"provider": reg.Default(),
		}).Info("server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	<-sched.Stop().Done()
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server shutdown")
	}
}
