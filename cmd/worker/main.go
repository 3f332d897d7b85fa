package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/ignite/campaign-dispatch/internal/campaign"
	"github.com/ignite/campaign-dispatch/internal/config"
	"github.com/ignite/campaign-dispatch/internal/mailer"
	"github.com/ignite/campaign-dispatch/internal/recipient"
	"github.com/ignite/campaign-dispatch/internal/suppression"
	"github.com/ignite/campaign-dispatch/internal/tracking"
	"github.com/ignite/campaign-dispatch/internal/worker"
)

func main() {
	log.Println("starting dispatch worker...")

	cfg, err := config.LoadFromEnv(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("ping database: %v", err)
	}
	log.Println("connected to database")

	transport, err := mailer.NewTransport(cfg)
	if err != nil {
		log.Fatalf("transport: %v", err)
	}
	if !transport.Configured() {
		log.Printf("WARNING: %s transport is not configured; claimed sends will fail", transport.Name())
	}

	store := campaign.NewStore(db)
	unsubs := suppression.NewTenantList(suppression.NewStore(db), cfg.Dispatch.TenantID)
	directory := recipient.NewPostgresDirectory(db, cfg.Directory)
	signer := tracking.NewSigner(cfg.Tracking.SigningSecret, cfg.Dispatch.TenantID)
	urls := tracking.NewURLs(cfg.Tracking.PublicURL, signer)

	executor := worker.NewExecutor(store, transport, directory, unsubs, urls,
		cfg.Dispatch, cfg.Transport.Timeout())
	pool := worker.NewDispatchPool(store, executor, cfg.Worker)
	pool.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down dispatch worker...")
	pool.Stop()
}
