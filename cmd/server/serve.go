package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/corvidai/assistant-backend/internal/agent"
	"github.com/corvidai/assistant-backend/internal/artifacts"
	"github.com/corvidai/assistant-backend/internal/blobstore"
	"github.com/corvidai/assistant-backend/internal/checkpoint"
	"github.com/corvidai/assistant-backend/internal/config"
	"github.com/corvidai/assistant-backend/internal/httpapi"
	"github.com/corvidai/assistant-backend/internal/model/anthropic"
	"github.com/corvidai/assistant-backend/internal/orchestrator"
	"github.com/corvidai/assistant-backend/internal/sandbox"
	"github.com/corvidai/assistant-backend/internal/store"
	"github.com/corvidai/assistant-backend/internal/telemetry"
	"github.com/corvidai/assistant-backend/internal/threadlock"
	"github.com/corvidai/assistant-backend/internal/tokens"
)

func serveCmd() *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (Streaming Orchestrator + Thread/Config/Download REST surface)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(debug)
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug-level logs")
	return cmd
}

// runServe wires every store and service together and serves HTTP until
// SIGINT/SIGTERM, following example/cmd/assistant/main.go's errc-channel
// signal handling and context-cancellation-driven shutdown.
func runServe(debug bool) error {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if debug {
		ctx = log.Context(ctx, log.WithDebug())
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()

	mongoClient, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	defer func() { _ = mongoClient.Disconnect(ctx) }()

	cp, err := checkpoint.New(ctx, checkpoint.Options{Client: mongoClient, Database: cfg.MongoDatabase})
	if err != nil {
		return fmt.Errorf("init checkpoint store: %w", err)
	}

	blobs, err := blobstore.New(cfg.BlobstoreDir)
	if err != nil {
		return fmt.Errorf("init blobstore: %w", err)
	}

	tokenSvc := tokens.New(cfg.ArtifactsSecret, time.Duration(cfg.ArtifactsTokenTTLSec)*time.Second)
	registry := artifacts.New(db, blobs, tokenSvc, cfg.MaxArtifactSizeBytes())
	threadStore := store.New(db)
	locks := threadlock.New()

	cdClient, err := containerd.New(cfg.ContainerdSocket)
	if err != nil {
		return fmt.Errorf("connect containerd: %w", err)
	}
	defer cdClient.Close()
	sandboxMgr := sandbox.New(cdClient, cfg, registry)
	defer sandboxMgr.Close()

	if cfg.AnthropicAPIKey == "" {
		log.Print(ctx, log.KV{K: "warning", V: "ANTHROPIC_API_KEY is unset; model calls will fail"})
	}
	chatClient, err := anthropic.NewFromAPIKey(cfg.AnthropicAPIKey, anthropic.Options{
		DefaultModel: cfg.DefaultModel,
		Temperature:  cfg.DefaultTemperature,
	})
	if err != nil {
		return fmt.Errorf("init anthropic client: %w", err)
	}
	// smallClient serves both one-shot, cheap-model call sites: auto-titling
	// and the summarizer step, matching graph.py's dedicated
	// ChatOpenAI("gpt-4o-mini") instance used by agent_summarizer.
	smallClient, err := anthropic.NewFromAPIKey(cfg.AnthropicAPIKey, anthropic.Options{
		DefaultModel: cfg.AutoTitleModel,
	})
	if err != nil {
		return fmt.Errorf("init anthropic small-model client: %w", err)
	}

	runtime := agent.New(chatClient, smallClient, cp, cfg, []agent.Tool{
		agent.NewCodeSandboxTool(sandboxMgr),
	})

	logger := telemetry.NewClueLogger()
	titler := newTitler(smallClient)
	orch := orchestrator.New(runtime, cp, threadStore, locks, titler, cfg, logger)

	pingers := map[string]health.Pinger{
		"postgres": pingerFunc(threadStore.Ping),
		"mongo":    pingerFunc(cp.Ping),
		"sandbox":  pingerFunc(sandboxMgr.Ping),
	}
	api := httpapi.New(threadStore, registry, tokenSvc, locks, cfg, pingers)

	mux := http.NewServeMux()
	api.Register(mux)
	mux.HandleFunc("POST /threads/{id}/messages", orch.ServeHTTP)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	errc := make(chan error, 1)
	go func() {
		log.Print(ctx, log.KV{K: "listen-addr", V: cfg.ListenAddr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
			return
		}
		errc <- nil
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errc:
		return err
	case sig := <-sigc:
		log.Printf(ctx, "shutting down (%v)", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	log.Print(ctx, log.KV{K: "status", V: "exited"})
	return nil
}

// pingerFunc adapts a Ping method value to health.Pinger.
type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }
