// Command omrledgerd runs the evaluation ledger: the block chain, the
// relational store, the audit log and the HTTP API in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/scantrust-labs/omrledger/pkg/ai"
	"github.com/scantrust-labs/omrledger/pkg/api"
	"github.com/scantrust-labs/omrledger/pkg/audit"
	"github.com/scantrust-labs/omrledger/pkg/cache"
	"github.com/scantrust-labs/omrledger/pkg/config"
	"github.com/scantrust-labs/omrledger/pkg/ledger"
	"github.com/scantrust-labs/omrledger/pkg/lifecycle"
	"github.com/scantrust-labs/omrledger/pkg/objectstore"
	"github.com/scantrust-labs/omrledger/pkg/observability"
	"github.com/scantrust-labs/omrledger/pkg/signature"
	"github.com/scantrust-labs/omrledger/pkg/store"
)

func main() {
	os.Exit(run(os.Stderr))
}

func run(stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, "config:", err)
		return 2
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if !cfg.SignersConfigured() {
		fmt.Fprintln(stderr, "config: SIGNER_AI_KEY, SIGNER_HUMAN_KEY and SIGNER_ADMIN_KEY are required")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Error("store open failed", "error", err)
		return 1
	}
	defer func() { _ = st.Close() }()
	if err := st.Migrate(ctx); err != nil {
		logger.Error("migration failed", "error", err)
		return 1
	}

	chain, err := st.ReplayChain(ctx, cfg.Difficulty)
	if err != nil {
		logger.Error("chain replay failed", "error", err)
		return 1
	}
	if chain == nil {
		chain, err = ledger.New(cfg.Difficulty)
		if err != nil {
			logger.Error("chain init failed", "error", err)
			return 1
		}
		for _, b := range chain.Export() {
			if err := st.InsertBlock(ctx, b); err != nil {
				logger.Error("genesis persist failed", "error", err)
				return 1
			}
		}
		logger.Info("started fresh chain", "difficulty", cfg.Difficulty)
	} else {
		logger.Info("replayed chain", "blocks", chain.Length(), "difficulty", cfg.Difficulty)
	}

	auditLog, err := audit.NewLogger(cfg.AuditDir)
	if err != nil {
		logger.Error("audit log init failed", "error", err)
		return 1
	}

	objects, err := objectstore.New(ctx, objectstore.Config{
		Backend:  objectstore.Backend(cfg.ObjectBackend),
		Dir:      cfg.ObjectDir,
		Bucket:   cfg.ObjectBucket,
		Region:   cfg.ObjectRegion,
		Endpoint: cfg.ObjectEndpoint,
		Prefix:   cfg.ObjectPrefix,
	})
	if err != nil {
		logger.Error("object store init failed", "error", err)
		return 1
	}

	var results *cache.ResultCache
	if cfg.RedisAddr != "" {
		results = cache.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := results.Ping(ctx); err != nil {
			logger.Warn("redis unreachable, serving results from the store", "error", err)
			results = nil
		}
	}

	metrics, err := observability.New()
	if err != nil {
		logger.Error("metrics init failed", "error", err)
		return 1
	}

	machine, err := lifecycle.New(lifecycle.Config{
		Chain:         chain,
		Store:         st,
		Audit:         auditLog,
		Keyring:       signature.NewKeyring(cfg.AIKey, cfg.HumanKey, cfg.AdminKey),
		Provider:      ai.NewResilient(cfg.AIEndpoint, cfg.AIAPIKey),
		Objects:       objects,
		Results:       results,
		Metrics:       metrics,
		Logger:        logger,
		VerifyURLBase: cfg.VerifyURLBase,
	})
	if err != nil {
		logger.Error("lifecycle init failed", "error", err)
		return 1
	}

	server := api.NewServer(machine, chain, st, auditLog, api.Options{
		TokenSecret: cfg.TokenSecret,
		RateRPS:     cfg.RateRPS,
		RateBurst:   cfg.RateBurst,
		Metrics:     metrics,
		Logger:      logger,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", httpServer.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
			return 1
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			return 1
		}
	}
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
