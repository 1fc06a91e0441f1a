package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jw6ventures/calremind/internal/auth"
	"github.com/jw6ventures/calremind/internal/config"
	"github.com/jw6ventures/calremind/internal/events"
	httpserver "github.com/jw6ventures/calremind/internal/http"
	"github.com/jw6ventures/calremind/internal/notify"
	"github.com/jw6ventures/calremind/internal/scheduler"
	"github.com/jw6ventures/calremind/internal/store"
)

func main() {
	log.Println("Starting calremind server...")
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("failed to create db pool: %v", err)
	}
	defer pool.Close()

	applied, err := store.ApplyMigrations(ctx, pool)
	if err != nil {
		log.Fatalf("failed to apply migrations: %v", err)
	}
	log.Printf("migrations up to date (%d applied)", len(applied))

	stor := store.New(pool)
	eventService := events.NewService(stor.Occurrences, cfg.Location, cfg.ExpansionLimit)
	authService := auth.NewService(stor.Users)
	if cfg.Admin.Email != "" {
		admin, created, err := authService.EnsureAdmin(ctx, cfg.Admin.Email, cfg.Admin.Password)
		if err != nil {
			log.Fatalf("failed to bootstrap admin user: %v", err)
		}
		if created {
			log.Printf("created admin user %s", admin.Email)
		}
	}

	notifier, err := newNotifier(cfg)
	if err != nil {
		log.Fatalf("failed to initialize notifier: %v", err)
	}

	var wg sync.WaitGroup
	if cfg.Scheduler.Enabled {
		sched := scheduler.New(stor.Occurrences, notifier, stor, scheduler.Config{
			Spec:     cfg.Scheduler.Spec,
			Location: cfg.Location,
			LockKey:  cfg.Scheduler.LockKey,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sched.Run(ctx); err != nil {
				log.Printf("[scheduler] stopped with error: %v", err)
				stop()
			}
		}()
	} else {
		log.Println("[scheduler] disabled")
	}

	r, limiter := httpserver.NewRouter(cfg, stor, eventService, authService)
	go limiter.Run(ctx)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("server listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	wg.Wait()
}

func newNotifier(cfg *config.Config) (notify.Notifier, error) {
	switch cfg.Notifier.Kind {
	case config.NotifierSMTP:
		smtp := cfg.Notifier.SMTP
		return notify.NewSMTPNotifier(notify.SMTPConfig{
			Host:     smtp.Host,
			Port:     smtp.Port,
			Username: smtp.Username,
			Password: smtp.Password,
			From:     smtp.From,
		}), nil
	case config.NotifierTelegram:
		return notify.NewTelegramNotifier(cfg.Notifier.Telegram.BotToken, cfg.Notifier.Telegram.ChatID), nil
	case config.NotifierLog:
		return notify.NewLogNotifier(nil), nil
	}
	return nil, fmt.Errorf("unknown notifier %q", cfg.Notifier.Kind)
}
