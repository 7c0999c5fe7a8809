package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"firehall/internal/api"
	"firehall/internal/auth"
	"firehall/internal/botgate"
	"firehall/internal/captcha"
	"firehall/internal/config"
	"firehall/internal/db"
	"firehall/internal/legacy"
	"firehall/internal/mailer"
	"firehall/internal/notify"
	"firehall/internal/rate"
	"firehall/internal/service"
	"firehall/internal/store"
	"firehall/internal/version"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	log.Printf("starting version=%s commit=%s", version.Current().Version, version.Current().Commit)

	sqdb, err := db.OpenSQLite(cfg.DBPath, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer sqdb.Close()
	if err := db.ApplyMigrationFile(sqdb, "migrations/001_init.sql"); err != nil {
		log.Fatalf("migration: %v", err)
	}

	st := store.New(sqdb)
	if cfg.BootstrapAdminEmail != "" && cfg.BootstrapAdminPassword != "" {
		hash, err := auth.HashPassword(cfg.BootstrapAdminPassword)
		if err != nil {
			log.Fatalf("bootstrap admin hash: %v", err)
		}
		if err := st.EnsureAdmin(context.Background(), cfg.BootstrapAdminEmail, hash); err != nil {
			log.Fatalf("bootstrap admin create: %v", err)
		}
	}

	importer, err := legacy.New(cfg)
	if err != nil {
		log.Fatalf("legacy importer: %v", err)
	}
	if n, err := importer.Run(context.Background(), st); err != nil {
		log.Fatalf("legacy import: %v", err)
	} else if n > 0 {
		log.Printf("legacy import imported=%d", n)
	}

	var transport mailer.Transport
	if cfg.MailSender == "smtp" {
		transport = mailer.NewSMTPTransport(cfg)
	} else {
		transport = mailer.LogTransport{}
	}
	sender := notify.NewSender(cfg, transport)

	gate := botgate.New(cfg.FormSealKey, captcha.NewVerifier(cfg))
	limiter := rate.NewSlidingLimiter(st)

	svc := service.New(cfg, st, gate, limiter, sender)
	r := api.NewRouter(cfg, svc, st, transport)

	go func() {
		interval := time.Duration(cfg.CleanupIntervalMin) * time.Minute
		t := time.NewTicker(interval)
		defer t.Stop()
		for range t.C {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			svc.Cleanup(ctx)
			cancel()
		}
	}()

	hsrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadTimeout:       time.Duration(cfg.HTTPReadTimeoutSec) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.HTTPReadHeaderTimeoutSec) * time.Second,
		WriteTimeout:      time.Duration(cfg.HTTPWriteTimeoutSec) * time.Second,
		IdleTimeout:       time.Duration(cfg.HTTPIdleTimeoutSec) * time.Second,
	}

	log.Printf("listening on %s", cfg.ListenAddr)
	if err := hsrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server: %v", err)
	}
}
