package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/agri-chat/internal/chatsync"
	"github.com/alexjbarnes/agri-chat/internal/config"
	"github.com/alexjbarnes/agri-chat/internal/logging"
	"github.com/alexjbarnes/agri-chat/internal/mcpserver"
	"github.com/alexjbarnes/agri-chat/internal/server"
	"github.com/alexjbarnes/agri-chat/internal/state"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	// Handle the export subcommand before starting any network activity.
	if len(os.Args) > 1 && os.Args[1] == "export" {
		if err := runExport(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}

		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// runExport writes the cached transcript of one chat as YAML.
func runExport(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	out := fs.String("o", "", "write to file instead of stdout")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: agri-chat export [-o file] <chat-id>")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	st, err := state.LoadAt(cfg.StatePath())
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer st.Close()

	t, err := chatsync.BuildTranscript(st, fs.Arg(0))
	if err != nil {
		return err
	}

	w := stdout

	if *out != "" {
		f, err := os.OpenFile(*out, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
		if err != nil {
			return fmt.Errorf("creating %s: %w", *out, err)
		}
		defer f.Close()

		w = f
	}

	return chatsync.WriteTranscript(w, t)
}

// app holds the wired sync core.
type app struct {
	cfg         *config.Config
	logger      *slog.Logger
	state       *state.State
	bus         *chatsync.Bus
	tokens      chatsync.TokenSource
	fileTokens  *chatsync.FileTokenSource
	prober      *chatsync.Prober
	supervisor  *chatsync.Supervisor
	reconciler  *chatsync.Reconciler
	attachments *chatsync.Attachments
	composer    *chatsync.Composer
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("agri-chat starting",
		slog.String("version", Version),
		slog.String("data_dir", cfg.DataDir),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	st, err := state.LoadAt(cfg.StatePath())
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, st, logger)
	if err != nil {
		return err
	}
	defer a.bus.Close()

	g, gctx := errgroup.WithContext(ctx)

	if a.fileTokens != nil {
		g.Go(func() error {
			return a.fileTokens.Run(gctx)
		})
	}

	g.Go(func() error {
		return a.prober.Run(gctx)
	})

	g.Go(func() error {
		return a.supervisor.Run(gctx)
	})

	g.Go(func() error {
		return a.reconciler.Run(gctx)
	})

	g.Go(func() error {
		return a.logEvents(gctx)
	})

	if cfg.EnableMCP {
		g.Go(func() error {
			return a.runMCP(gctx)
		})
	} else {
		g.Go(func() error {
			return runConsole(gctx, a, os.Stdin, os.Stdout)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, errConsoleClosed) {
		logger.Info("agri-chat stopped")
		return nil
	}

	return err
}

// newApp wires the sync core. Nothing runs until the caller starts the
// Run loops.
func newApp(ctx context.Context, cfg *config.Config, st *state.State, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: logger,
		state:  st,
		bus:    chatsync.NewBus(),
	}

	if cfg.TokenFile != "" {
		ft, err := chatsync.NewFileTokenSource(cfg.TokenFile, logger)
		if err != nil {
			return nil, fmt.Errorf("reading token file: %w", err)
		}

		a.tokens, a.fileTokens = ft, ft
	} else {
		a.tokens = chatsync.NewStaticToken(cfg.Token)
	}

	prober, err := chatsync.NewProber(cfg.APIURL, cfg.ProbeInterval, logger)
	if err != nil {
		return nil, fmt.Errorf("creating connectivity prober: %w", err)
	}

	a.prober = prober

	history := chatsync.NewHistoryClient(cfg.APIURL, a.tokens, nil)
	media := chatsync.NewMediaClient(cfg.MediaURL, a.tokens, nil)

	a.attachments = chatsync.NewAttachments(cfg.MediaDir(), st, media, logger)
	a.reconciler = chatsync.NewReconciler(st, history, a.attachments, a.bus, cfg.HistoryPageSize, logger)

	a.supervisor = chatsync.NewSupervisor(chatsync.SupervisorConfig{
		URL:            cfg.WSURL,
		Tokens:         a.tokens,
		Network:        prober,
		Bus:            a.bus,
		Outbox:         chatsync.NewOutbox(st, logger),
		ReconnectDelay: cfg.ReconnectDelay,
		PingInterval:   cfg.PingInterval,
		OnReady: func() {
			// Catch up on whatever happened while the socket was down.
			if _, err := a.reconciler.Sessions(ctx); err != nil {
				logger.Warn("refreshing sessions", slog.String("error", err.Error()))
			}
		},
	}, logger)

	a.composer = chatsync.NewComposer(st, a.supervisor, a.reconciler, a.attachments, cfg.UserID, logger)

	return a, nil
}

// logEvents logs connection state changes and errors published on the
// bus until ctx is cancelled.
func (a *app) logEvents(ctx context.Context) error {
	states := a.supervisor.WatchState()
	defer states.Close()

	errs := a.bus.SubscribeErrors()
	defer errs.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case s, ok := <-states.C():
			if !ok {
				return nil
			}

			a.logger.Info("connection state", slog.String("state", s.String()))

		case err, ok := <-errs.C():
			if !ok {
				return nil
			}

			a.logger.Warn("sync error", slog.String("error", err.Error()))
		}
	}
}

// runMCP starts the MCP HTTP server.
func (a *app) runMCP(ctx context.Context) error {
	mcpLogger := a.logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "agri-chat-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, mcpserver.Deps{
		History: a.reconciler,
		Sender:  a.composer,
		Status:  a.supervisor,
	})

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		APIKey:     a.cfg.MCPAPIKey,
		MCPHandler: mcpHandler,
		Status:     a.supervisor,
		Logger:     mcpLogger,
	})

	srv := &http.Server{
		Addr:         a.cfg.MCPListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server", slog.String("listen", a.cfg.MCPListenAddr))

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}
