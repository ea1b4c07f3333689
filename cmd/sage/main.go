// Command sage runs the knowledge base service.
//
// Usage:
//
//	sage serve --config config.yaml
//	sage build --config config.yaml
//	sage version
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/sagekb/sage/pkg/config"
	"github.com/sagekb/sage/pkg/conversation"
	"github.com/sagekb/sage/pkg/embedders"
	"github.com/sagekb/sage/pkg/ingest"
	"github.com/sagekb/sage/pkg/llms"
	"github.com/sagekb/sage/pkg/logger"
	"github.com/sagekb/sage/pkg/observability"
	"github.com/sagekb/sage/pkg/retriever"
	"github.com/sagekb/sage/pkg/server"
	"github.com/sagekb/sage/pkg/session"
	"github.com/sagekb/sage/pkg/tools"
)

const (
	exitConfigError  = 1
	exitRuntimeError = 2
)

type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the HTTP server."`
	Build   BuildCmd   `cmd:"" help:"Build the knowledge base index and exit."`

	Config string `short:"c" help:"Path to config file." type:"path"`
}

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("sage version %s\n", version)
	return nil
}

// components is everything serve and build share: config, retrieval stack,
// and the builder.
type components struct {
	cfg     *config.Config
	retr    *retriever.Retriever
	builder *ingest.Builder
	closers []func() error
}

func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			logger.Default().Warn("shutdown error", "error", err)
		}
	}
}

func setup(configPath string) (*components, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format, os.Stderr)

	if _, err := observability.InitMetrics(); err != nil {
		return nil, fmt.Errorf("metrics initialization failed: %w", err)
	}

	embedder, err := embedders.NewFromConfig(&cfg.Embedder)
	if err != nil {
		return nil, fmt.Errorf("embedder initialization failed: %w", err)
	}

	c := &components{cfg: cfg}

	var dense retriever.DenseIndex
	switch cfg.Retrieval.VectorBackend {
	case "qdrant":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		index, err := retriever.NewQdrantIndex(ctx, cfg.Retrieval.QdrantHost, cfg.Retrieval.QdrantPort, embedder)
		if err != nil {
			return nil, fmt.Errorf("qdrant initialization failed: %w", err)
		}
		c.closers = append(c.closers, index.Close)
		dense = index
	default:
		index, err := retriever.NewChromemIndex(cfg.Retrieval.VectorDBPath, embedders.ChromemFunc(embedder))
		if err != nil {
			return nil, fmt.Errorf("vector store initialization failed: %w", err)
		}
		dense = index
	}

	retr := retriever.New(dense, retriever.NewRewriter(retriever.DefaultRules()), cfg.Retrieval.HybridAlpha, cfg.Retrieval.VectorDBPath)
	if err := retr.LoadCorpus(); err != nil {
		return nil, fmt.Errorf("corpus load failed: %w", err)
	}
	c.retr = retr
	c.builder = ingest.NewBuilder(cfg.Ingest.DocumentsPath, retr, ingest.NewChunker(cfg.Ingest.ChunkSize, cfg.Ingest.ChunkOverlap))
	return c, nil
}

type ServeCmd struct{}

func (s *ServeCmd) Run(cli *CLI) error {
	c, err := setup(cli.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sage: %v\n", err)
		os.Exit(exitConfigError)
	}
	defer c.Close()
	cfg := c.cfg
	log := logger.Component("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers, err := llms.BuildRegistry(&cfg.LLM, cfg.Timeouts.LLM)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sage: %v\n", err)
		os.Exit(exitConfigError)
	}
	defer func() { _ = providers.Close() }()

	store, err := conversation.NewFileStore(cfg.Server.ConversationsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sage: %v\n", err)
		os.Exit(exitConfigError)
	}

	toolReg := tools.NewRegistry(cfg.Timeouts.Tool)
	for _, tool := range []tools.Tool{
		tools.NewKnowledgeRetrieve(c.retr, cfg.Retrieval.TopK),
		tools.NewDocumentList(c.retr),
		tools.NewKnowledgeBaseInfo(c.retr, cfg.Retrieval.VectorBackend),
		tools.NewWebSearch(cfg.Agent.SearchGatewayURL, cfg.Timeouts.Tool),
		tools.NewFetchWebpage(cfg.Timeouts.Tool),
		tools.NewFileRead(cfg.Ingest.DocumentsPath),
		tools.NewFileList(cfg.Ingest.DocumentsPath),
	} {
		if err := toolReg.RegisterTool(tool); err != nil {
			fmt.Fprintf(os.Stderr, "sage: %v\n", err)
			os.Exit(exitConfigError)
		}
	}

	var watcher *ingest.StaleWatcher
	if w, err := ingest.NewStaleWatcher(cfg.Ingest.DocumentsPath); err != nil {
		log.Warn("document watcher unavailable", "error", err)
	} else if err := w.Start(ctx); err != nil {
		log.Warn("document watcher failed to start", "error", err)
	} else {
		watcher = w
		c.builder.AttachWatcher(w)
	}

	orch := session.NewOrchestrator(cfg, providers, c.retr, toolReg, store)
	srv := server.New(cfg, orch, c.builder, c.retr, store, toolReg, watcher)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown failed", "error", err)
			os.Exit(exitRuntimeError)
		}
	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "sage: server failed: %v\n", err)
			os.Exit(exitRuntimeError)
		}
	}
	return nil
}

type BuildCmd struct{}

func (b *BuildCmd) Run(cli *CLI) error {
	c, err := setup(cli.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sage: %v\n", err)
		os.Exit(exitConfigError)
	}
	defer c.Close()
	log := logger.Component("main")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := c.builder.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "sage: %v\n", err)
		os.Exit(exitRuntimeError)
	}

	// Start returns immediately; poll the snapshot until the run settles.
	for c.builder.Running() {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "sage: build interrupted")
			os.Exit(exitRuntimeError)
		case <-time.After(200 * time.Millisecond):
		}
		snap := c.builder.Progress()
		if snap.CurrentFile != "" {
			log.Info("indexing", "file", snap.CurrentFile, "progress", snap.Progress, "total", snap.Total)
		}
	}

	snap := c.builder.Progress()
	if snap.Status == ingest.StatusError {
		fmt.Fprintf(os.Stderr, "sage: build failed: %s\n", snap.Error)
		os.Exit(exitRuntimeError)
	}
	log.Info("build complete", "documents", snap.Total, "chunks", c.retr.Count())
	return nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("sage"),
		kong.Description("Agentic RAG knowledge base service"),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "sage: %v\n", err)
		os.Exit(exitRuntimeError)
	}
}
