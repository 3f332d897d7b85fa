package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-dispatch/internal/api"
	"github.com/ignite/campaign-dispatch/internal/campaign"
	"github.com/ignite/campaign-dispatch/internal/config"
	"github.com/ignite/campaign-dispatch/internal/mailer"
	"github.com/ignite/campaign-dispatch/internal/pkg/distlock"
	"github.com/ignite/campaign-dispatch/internal/recipient"
	"github.com/ignite/campaign-dispatch/internal/suppression"
)

func main() {
	cfg, err := config.LoadFromEnv(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := openDB(cfg)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			log.Printf("redis unavailable, falling back to advisory locks: %v", err)
			redisClient = nil
		}
	}

	transport, err := mailer.NewTransport(cfg)
	if err != nil {
		log.Fatalf("transport: %v", err)
	}
	if !transport.Configured() {
		log.Printf("WARNING: %s transport is not configured; campaigns cannot start", transport.Name())
	}

	store := campaign.NewStore(db)
	unsubs := suppression.NewTenantList(suppression.NewStore(db), cfg.Dispatch.TenantID)
	directory := recipient.NewPostgresDirectory(db, cfg.Directory)
	filter := campaign.NewFilter(unsubs, store, 72*time.Hour)
	builder := campaign.NewBuilder(store, directory, filter)
	pacer := campaign.NewPacer(cfg.Dispatch.BaseDelay(), cfg.Dispatch.RandomDelay())
	newLock := func(key string) distlock.DistLock {
		return distlock.NewLock(redisClient, db, key, 30*time.Second)
	}
	service := campaign.NewService(store, pacer, transport, newLock)

	handlers := api.NewHandlers(store, builder, service, unsubs, transport, cfg.Dispatch)
	router := api.SetupRoutes(handlers, nil)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("admin server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down admin server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}

func openDB(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return db, nil
}
