package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gluk-w/geminigate/internal/api"
	"github.com/gluk-w/geminigate/internal/config"
	"github.com/gluk-w/geminigate/internal/database"
	"github.com/gluk-w/geminigate/internal/gemini"
	"github.com/gluk-w/geminigate/internal/pool"
	"github.com/gluk-w/geminigate/internal/rotation"
	"github.com/gluk-w/geminigate/internal/store"
	"github.com/gluk-w/geminigate/internal/usage"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
)

func main() {
	config.Load()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()
	docs := database.NewDocs(database.DB)

	keys := store.New(docs,
		store.WithDefaultCooldown(time.Duration(config.Cfg.CooldownSeconds)*time.Second))
	if configured := config.Cfg.ConfiguredKeys(); len(configured) > 0 {
		keys.Configure(configured)
	}
	if src := config.Cfg.KeySource; src != "" {
		if n, err := keys.LoadFromSource(context.Background(), src); err != nil {
			log.Printf("Key source load failed, continuing with %d configured keys: %v",
				keys.TotalCount(), err)
		} else {
			log.Printf("Loaded %d keys from source", n)
		}
	}
	if keys.TotalCount() == 0 {
		log.Println("Warning: no API keys configured")
	}

	rot := rotation.New(keys, config.Cfg.Models,
		rotation.WithFallbackDisabled(config.Cfg.FallbackDisabled()))

	recorder := usage.New(docs,
		usage.WithRetention(time.Duration(config.Cfg.UsageRetentionDays)*24*time.Hour))

	var credPool *pool.Pool
	if path := config.Cfg.OAuthCreds; path != "" {
		creds, err := pool.LoadCredentials(path)
		if err != nil {
			log.Fatalf("OAuth credentials: %v", err)
		}
		credPool = pool.New(creds, pool.WithErrorThreshold(config.Cfg.ErrorThreshold))
		log.Printf("Loaded %d OAuth credentials", credPool.Size())
	}

	client := gemini.NewClient(config.Cfg.UpstreamURL)

	server := &api.Server{
		Keys:        keys,
		Rotator:     rot,
		Usage:       recorder,
		Pool:        credPool,
		Call:        client.Call,
		Stream:      client.Stream,
		AuthToken:   config.Cfg.AuthToken,
		AdminSecret: config.Cfg.AdminSecret,
		KeySource:   config.Cfg.KeySource,
	}

	// Maintenance jobs: prune the usage log hourly and refresh the external
	// key source when one is configured.
	jobs := cron.New()
	jobs.AddFunc("@hourly", recorder.Prune)
	if src := config.Cfg.KeySource; src != "" {
		jobs.AddFunc("@hourly", func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if n, err := keys.LoadFromSource(ctx, src); err != nil {
				log.Printf("Key source refresh failed: %v", err)
			} else {
				log.Printf("Key source refreshed, %d keys", n)
			}
		})
	}
	jobs.Start()
	defer jobs.Stop()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Mount("/", server.Routes())

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("geminigate starting on %s (%d keys, tiers: %v)",
			config.Cfg.ListenAddr, keys.TotalCount(), config.Cfg.Models)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("geminigate stopped")
}
