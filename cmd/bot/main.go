package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/shrimpsizemoose/markgate/internal/app"
	"github.com/shrimpsizemoose/markgate/internal/bot"
)

func main() {
	var configPath = flag.String("config", "config.toml", "Path to config file")
	flag.Parse()

	cfg, err := bot.ReadConfig(*configPath)
	if err != nil {
		logger.Error.Fatalf("Failed to read config: %v", err)
	}

	st, err := app.NewStore(cfg.Database.DSN, cfg.Database.MigrationsDir)
	if err != nil {
		logger.Error.Fatalf("Failed to create store: %v", err)
	}

	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Error.Fatalf("Failed to parse redis URL: %v", err)
	}
	client := redis.NewClient(opt)
	tokens := app.NewTokenManager(client)
	defer tokens.Close()

	notifier := app.NewRedisNotifier(client, cfg.Redis.EventsChannel)

	service, err := app.NewServiceWith(cfg, st, nil, notifier)
	if err != nil {
		logger.Error.Fatalf("Failed to create service: %v", err)
	}
	defer st.Close()

	b, err := bot.New(service, tokens, notifier)
	if err != nil {
		logger.Error.Fatalf("Failed to create bot: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info.Println("Bot initialized successfully")
	if err := b.Start(ctx); err != nil {
		logger.Error.Fatalf("Bot error: %v", err)
	}
}
