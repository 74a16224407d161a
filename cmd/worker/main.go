package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/suPer8Hu/shopchat/internal/ai"
	"github.com/suPer8Hu/shopchat/internal/chat"
	"github.com/suPer8Hu/shopchat/internal/config"
	"github.com/suPer8Hu/shopchat/internal/db"
	"github.com/suPer8Hu/shopchat/internal/logging"
	"github.com/suPer8Hu/shopchat/internal/store/rabbitmq"
	"github.com/suPer8Hu/shopchat/internal/store/redisstore"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	gdb, err := db.Open(cfg.DBDriver, cfg.DBDSN, log)
	if err != nil {
		log.WithError(err).Fatal("open database")
	}
	defer db.Close(gdb)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// the cache is optional for the worker; replies still land in the db
	var cache chat.MessageCache
	rs := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB,
		redisstore.WithMessageCache(cfg.ChatCacheSize, cfg.ChatCacheTTL))
	if err := rs.Ping(ctx); err != nil {
		log.WithError(err).Warn("redis unavailable, worker runs without message cache")
		_ = rs.Close()
	} else {
		defer rs.Close()
		cache = rs
	}

	reg := ai.NewRegistryFromConfig(cfg)
	svc := chat.NewService(chat.NewRepo(gdb), reg, cache, log, chat.Options{
		ContextWindowSize: cfg.ChatContextWindowSize,
		SystemPrompt:      cfg.ChatSystemPrompt,
		DefaultModel:      func(p string) string { return ai.DefaultModel(cfg, p) },
	})

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.WithError(err).Fatal("rabbit dial")
	}
	defer conn.Close()

	// strict concurrency control: prefetch == pool size
	deliveries, closeCh, err := rabbitmq.Consume(ctx, conn, cfg.RabbitQueue, cfg.WorkerConcurrency)
	if err != nil {
		log.WithError(err).Fatal("rabbit consume")
	}
	defer closeCh()

	log.WithField("queue", cfg.RabbitQueue).WithField("concurrency", cfg.WorkerConcurrency).Info("worker started")

	rabbitmq.Pool{
		Concurrency: cfg.WorkerConcurrency,
		Handle:      svc.RunJob,
		Log:         log,
	}.Run(ctx, deliveries)
}
