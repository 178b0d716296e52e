package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"hearth.zone/internal/badge"
	"hearth.zone/internal/config"
	"hearth.zone/internal/device"
	"hearth.zone/internal/httpapi"
	"hearth.zone/internal/obs"
	"hearth.zone/internal/store/pg"
	"hearth.zone/internal/store/redisstore"
	"hearth.zone/internal/threat"
	"hearth.zone/internal/vouch"
	"hearth.zone/internal/worker"
	"hearth.zone/internal/zone"
)

var version = "0.3.1"

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()

	// Stores. Postgres when configured, in-memory otherwise (dev mode).
	var (
		pgStore     *pg.Store
		zoneStore   zone.Store
		seedStore   badge.SeedStore
		deviceStore device.Store
		vouchStore  vouch.Store
		threatStore threat.Store
	)
	if cfg.DatabaseURL != "" {
		pgStore, err = pg.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pgStore.Close()
		zoneStore, seedStore, deviceStore, vouchStore, threatStore =
			pgStore, pgStore, pgStore, pgStore, pgStore
	} else {
		log.Println("HEARTH_DATABASE_URL not set, using in-memory stores")
		memThreats := threat.NewInMemory()
		zoneStore = zone.NewInMemory()
		seedStore = badge.NewInMemorySeeds()
		deviceStore = device.NewInMemory()
		vouchStore = vouch.NewInMemory()
		threatStore = memThreats
	}

	// Redis backs the seed cache, the push queue and the blacklist.
	var (
		rds       *redisstore.Store
		seedCache httpapi.SeedCache
		blacklist threat.Blacklist
	)
	if cfg.RedisAddr != "" {
		rds, err = redisstore.New(cfg.RedisAddr)
		if err != nil {
			log.Fatalf("connect redis: %v", err)
		}
		defer rds.Close()
		seedCache = rds
		blacklist = rds
	} else if mem, ok := threatStore.(*threat.InMemory); ok {
		blacklist = mem
	}

	secret := []byte(cfg.BadgeSecret)
	engine, err := badge.NewEngine(seedStore, secret)
	if err != nil {
		log.Fatalf("badge engine: %v", err)
	}

	zones := zone.NewService(zoneStore, nil)
	devices := device.NewService(deviceStore, zones,
		device.WithActivationHook(func(token, zoneID string) {
			obs.DevicesActivated.Inc()
			log.Printf("device %s activated in zone %s", token[:8], zoneID)
		}))
	threats := threat.NewService(threatStore, blacklist)

	vouchOpts := []vouch.Option{}
	if rds != nil {
		vouchOpts = append(vouchOpts, vouch.WithQueue(rds))
	}
	vouches := vouch.NewService(vouchStore, devices, vouchOpts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if rds != nil && cfg.PushWebhookURL != "" {
		go worker.New(rds, cfg.PushWebhookURL).Start(ctx)
	}

	rp := httpapi.ReadyProbe{}
	if pgStore != nil {
		rp.DB = pgStore.DB()
	}
	api := httpapi.New(rp, version, httpapi.Services{
		Zones:      zones,
		Devices:    devices,
		Engine:     engine,
		Vouches:    vouches,
		Threats:    threats,
		SeedCache:  seedCache,
		Secret:     secret,
		SessionTTL: cfg.SessionTTL,
	})

	handler := httpapi.DenyBlacklisted(api.Handler(), threats)
	handler = httpapi.RateLimit(handler, cfg.RateLimitBurst, cfg.RateLimitPerSecond)
	handler = httpapi.MaxBodyBytes(handler, cfg.MaxBodyBytes)
	handler = httpapi.CORS(handler)
	handler = httpapi.SecurityHeaders(handler)
	handler = httpapi.Logging(handler)

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting hearth-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	log.Println("Stopped")
}
