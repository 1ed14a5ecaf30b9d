// Command server runs the central break-glass credential broker: the request
// workflow, approval verification, and token issuance.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"breakglass/internal/approval"
	"breakglass/internal/audit"
	"breakglass/internal/issuer"
	issuerhandler "breakglass/internal/issuer/handler"
	"breakglass/internal/platform/config"
	"breakglass/internal/platform/httpserver"
	"breakglass/internal/platform/logger"
	"breakglass/internal/platform/postgres"
	"breakglass/internal/platform/redis"
	"breakglass/internal/request"
	"breakglass/internal/token"
	"breakglass/internal/token/nonce"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.FromEnv()
	log := logger.New(logger.ParseLevel(cfg.LogLevel))

	if cfg.SigningKeyPath == "" {
		return errors.New("BREAKGLASS_SIGNING_KEY is required")
	}
	signingKey, err := os.ReadFile(cfg.SigningKeyPath)
	if err != nil {
		return fmt.Errorf("read signing key: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		nonces        nonce.Store
		requestStore  request.Store
		approvalStore approval.Store
		auditStore    audit.Store
	)
	if cfg.PostgresURL != "" {
		db, err := postgres.Open(ctx, cfg.PostgresURL)
		if err != nil {
			return err
		}
		defer db.Close()
		nonces = nonce.NewPostgresStore(db)
		requestStore = request.NewPostgresStore(db)
		approvalStore = approval.NewPostgresStore(db)
		auditStore = audit.NewPostgresStore(db)
	} else {
		log.Warn("no postgres configured, using in-memory stores")
		nonces = nonce.NewMemoryStore()
		requestStore = request.NewMemoryStore()
		approvalStore = approval.NewMemoryStore()
		auditStore = audit.NewMemoryStore()
	}

	if cfg.RedisURL != "" {
		rdb, err := redis.New(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		nonces = nonce.NewRedisStore(rdb.Client)
		log.Info("using redis nonce store")
	}

	tokens, err := token.New(signingKey, nonces, log)
	if err != nil {
		return err
	}
	recorder := audit.NewPublisher(auditStore)
	requests := request.NewService(requestStore, recorder, log, cfg.RequestSLA)
	svc := issuer.New(requests, approvalStore, tokens, cfg.ApproverKeyDir, recorder, log, cfg.TokenTTL)

	srv := httpserver.New(cfg.Addr, issuerhandler.New(svc, log).Routes())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("issuer server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(cfg.CleanupEvery)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := svc.Housekeep(gctx); err != nil {
					log.Error("housekeeping failed", "error", err)
				}
			}
		}
	})

	if cfg.KafkaBrokers != "" {
		sink, err := audit.NewKafkaSink(strings.Split(cfg.KafkaBrokers, ","), cfg.KafkaTopic)
		if err != nil {
			return err
		}
		defer sink.Close()
		worker := audit.NewWorker(auditStore, sink, log, 5*time.Second, 100)
		g.Go(func() error {
			if err := worker.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("issuer server stopped")
	return nil
}
