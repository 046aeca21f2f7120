package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/shrimpsizemoose/markgate/internal/app"
	"github.com/shrimpsizemoose/markgate/internal/cache"
	"github.com/shrimpsizemoose/markgate/internal/client"
	"github.com/shrimpsizemoose/markgate/internal/lifecycle"
	"github.com/shrimpsizemoose/markgate/internal/models"
)

func main() {
	var (
		configPath = flag.String("config", "config.toml", "Path to config file")
		assessment = flag.String("assessment", "", "Assessment to watch, e.g. cia1")
		subject    = flag.String("subject", "", "Subject code to watch")
		confirm    = flag.Bool("confirm", false, "Confirm the mark manager once the sheet is loaded")
	)
	flag.Parse()

	cfg, err := app.LoadConfig(*configPath)
	if err != nil {
		logger.Error.Fatalf("Failed to load config: %v", err)
	}

	kind, err := models.ParseAssessmentKind(*assessment)
	if err != nil {
		logger.Error.Fatalf("Bad -assessment: %v", err)
	}
	key := models.SheetKey{Assessment: kind, Subject: *subject}
	tc := models.TeachingContext{TeachingAssignmentID: cfg.Client.TeachingAssignment}

	registry, err := cfg.Registry()
	if err != nil {
		logger.Error.Fatalf("Failed to build registry: %v", err)
	}

	backend := client.New(client.Options{
		BaseURL:     cfg.Client.BaseURL,
		Staff:       cfg.Client.Staff,
		Token:       cfg.Client.Token,
		StaffHeader: cfg.API.StaffIDHeader,
		TokenHeader: cfg.Auth.TokenHeader,
		Timeout:     cfg.ClientTimeout(),
	})

	opts := lifecycle.Options{
		Backend:          backend,
		Registry:         registry,
		AutosaveDebounce: cfg.AutosaveDebounce(),
		Sync:             cfg.SyncConfig(),
	}
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.Error.Fatalf("Failed to parse redis URL: %v", err)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()

		persisted := cache.NewRedisStore(rdb, cfg.Client.Staff, cfg.Redis.SnapshotKeyTemplate, cfg.Redis.ConsumedKeyTemplate)
		opts.Snapshots = persisted
		opts.Consumed = persisted
	}

	session, err := lifecycle.NewSession(opts)
	if err != nil {
		logger.Error.Fatalf("Failed to create session: %v", err)
	}
	defer session.Close()

	if _, err := session.Bus().SubscribeAll(func(e lifecycle.Event) error {
		switch e.Type {
		case lifecycle.EventLockStateChanged:
			logger.Info.Printf("%s: lock %+v", e.Key, e.State)
		case lifecycle.EventSyncStatusChanged:
			logger.Info.Printf("%s: sync %s", e.Key, e.Sync)
		case lifecycle.EventSessionExpired:
			logger.Error.Printf("%s: session expired, refresh the token", e.Key)
		default:
			logger.Debug.Printf("%s: %s", e.Key, e.Type)
		}
		return nil
	}); err != nil {
		logger.Error.Fatalf("Failed to subscribe to events: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	override, err := backend.FetchConfigOverride(ctx, key)
	if err != nil {
		logger.Error.Printf("Failed to fetch config override for %s, using defaults: %v", key, err)
	}
	if err := session.SwitchContext(ctx, key, tc, override); err != nil {
		logger.Error.Fatalf("Failed to open %s: %v", key, err)
	}

	if *confirm {
		snap, err := session.Confirm(ctx)
		if err != nil {
			logger.Error.Printf("Confirm failed: %v", err)
		} else {
			logger.Info.Printf("Confirmed %s at %s", key, snap.LockedAt)
		}
	}

	poller := lifecycle.NewPoller(session, cfg.PollIntervals())
	if err := poller.Start(); err != nil {
		logger.Error.Fatalf("Failed to start poller: %v", err)
	}
	defer poller.Stop()

	logger.Info.Printf("Watching %s as %s", key, cfg.Client.Staff)
	<-ctx.Done()
	logger.Info.Println("Watcher stopped")
}
