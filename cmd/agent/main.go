// Command agent runs the per-subnet retrieval daemon: it validates tokens
// minted by the central broker, serves secrets from its local vault or a
// configured adapter, and appends every decision to its hash-chained ledger.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"breakglass/internal/agent"
	agentconfig "breakglass/internal/agent/config"
	agenthandler "breakglass/internal/agent/handler"
	"breakglass/internal/ledger"
	"breakglass/internal/platform/httpserver"
	"breakglass/internal/platform/logger"
	"breakglass/internal/platform/redis"
	"breakglass/internal/token"
	"breakglass/internal/token/nonce"
	"breakglass/internal/vault"
	"breakglass/internal/vault/gate"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "agent.yaml", "path to the agent configuration file")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	flag.Parse()

	log := logger.New(logger.ParseLevel(*logLevel))

	cfg, err := agentconfig.Load(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var nonces nonce.Store
	if cfg.RedisURL != "" {
		rdb, err := redis.New(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		nonces = nonce.NewRedisStore(rdb.Client)
	} else {
		log.Warn("no shared nonce store configured, replay protection is local to this agent")
		nonces = nonce.NewMemoryStore()
	}

	tokens, err := token.New([]byte(cfg.TokenKey), nonces, log)
	if err != nil {
		return err
	}
	v, err := vault.Open(cfg.Vault.ID, cfg.Vault.StoragePath, cfg.Vault.KeyMaterial)
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}
	defer v.Close()
	led, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		return err
	}
	defer led.Close()

	svc, err := agent.New(cfg, tokens, gate.New(v, tokens, log), led, log)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}

	srv := httpserver.New(cfg.ListenAddr(), agenthandler.New(svc, log).Routes())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("agent listening", "addr", cfg.ListenAddr(), "tls", cfg.TLS.Enabled)
		var err error
		if cfg.TLS.Enabled {
			err = srv.ListenAndServeTLS(cfg.TLS.CertPath, cfg.TLS.KeyPath)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
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

	err = g.Wait()
	svc.Shutdown(context.Background())
	if err != nil {
		return err
	}
	log.Info("agent stopped")
	return nil
}
