// resourced keeps a resource workspace in sync with a directory.
//
// Features:
// - Projects and links refreshed from local changes (polling watcher)
// - Autobuild after every committed change
// - SSE stream of committed deltas on /events
// - Prometheus metrics & structured logging (zap)
// - Content store on memory, local disk or S3
// - Workspace state saved to a file or PostgreSQL
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

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/fruitsalade/resources/internal/config"
	"github.com/fruitsalade/resources/internal/events"
	"github.com/fruitsalade/resources/internal/localfs"
	"github.com/fruitsalade/resources/internal/logging"
	"github.com/fruitsalade/resources/internal/metrics"
	"github.com/fruitsalade/resources/internal/notify"
	"github.com/fruitsalade/resources/internal/persist"
	"github.com/fruitsalade/resources/internal/storage/backends"
	"github.com/fruitsalade/resources/internal/storage/local"
	s3backend "github.com/fruitsalade/resources/internal/storage/s3"
	"github.com/fruitsalade/resources/internal/workspace"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "resourced: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	flagSet := pflag.NewFlagSet("resourced", pflag.ContinueOnError)
	root := flagSet.String("root", cfg.WorkspaceRoot, "workspace root directory")
	flagSet.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "address of the HTTP API")
	flagSet.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "address of the metrics endpoint (empty to disable)")
	flagSet.StringVar(&cfg.ContentBackend, "content", cfg.ContentBackend, "content backend: memory, local or s3")
	flagSet.StringVar(&cfg.PersistBackend, "persist", cfg.PersistBackend, "state backend: file or postgres")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	flagSet.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: json or console")
	flagSet.BoolVar(&cfg.AutoBuild, "auto-build", cfg.AutoBuild, "build after every change")
	flagSet.BoolVar(&cfg.AutoRefresh, "auto-refresh", cfg.AutoRefresh, "refresh from local changes")
	flagSet.DurationVar(&cfg.RefreshInterval, "refresh-interval", cfg.RefreshInterval, "local change polling interval")
	quiet := flagSet.BoolP("quiet", "q", false, "do not print deltas to the console")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		fmt.Fprintf(os.Stderr, "Usage: resourced [flags]\n\n%s", flagSet.FlagUsages())
		return nil
	}
	if flagSet.Changed("root") {
		cfg.SetWorkspaceRoot(*root)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		return fmt.Errorf("logging init error: %w", err)
	}
	defer logging.Sync()

	logging.Info("resourced starting...",
		zap.String("root", cfg.WorkspaceRoot),
		zap.String("listen", cfg.ListenAddr),
		zap.String("content", cfg.ContentBackend),
		zap.String("persist", cfg.PersistBackend))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Content store
	content, err := backends.New(ctx, backends.Config{
		Type: cfg.ContentBackend,
		Local: local.Config{
			RootPath:   cfg.LocalContentPath,
			CreateDirs: true,
			Compress:   cfg.CompressContent,
		},
		S3: s3backend.Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
		},
	})
	if err != nil {
		return fmt.Errorf("content backend: %w", err)
	}

	// The workspace owns both once it is open.
	persister, err := openPersister(ctx, cfg)
	if err != nil {
		content.Close()
		return err
	}

	ws, err := workspace.Open(ctx, workspace.Options{
		Root:              cfg.WorkspaceRoot,
		DefaultCharset:    cfg.DefaultCharset,
		CollapseThreshold: cfg.CollapseThreshold,
		AutoBuild:         cfg.AutoBuild,
		AutoBuildDelay:    cfg.AutoBuildDelay,
		Content:           content,
		Persister:         persister,
	})
	if err != nil {
		persister.Close()
		content.Close()
		return fmt.Errorf("open workspace: %w", err)
	}
	logging.Info("workspace opened",
		zap.String("root", ws.RootLocation()),
		zap.Int("projects", len(ws.Projects())))

	broadcaster := events.NewBroadcaster(0)
	ws.AddListener(broadcaster, notify.PostChange|notify.PostBuild)
	if !*quiet {
		ws.AddListener(newConsole(os.Stdout), notify.PostChange)
	}

	if cfg.AutoRefresh {
		watcher := localfs.NewWatcher(cfg.RefreshInterval)
		roots := newWatchRoots(ws, watcher)
		roots.sync()
		ws.AddListener(notify.ListenerFunc(func(context.Context, *notify.Event) error {
			roots.sync()
			return nil
		}), notify.PostChange)
		watcher.Start(ctx)
		defer watcher.Stop()
		go forwardChanges(ctx, ws, watcher)
	}

	srv := newServer(ws, broadcaster)
	servers := []*http.Server{{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}}
	if cfg.MetricsAddr != "" && cfg.MetricsAddr != cfg.ListenAddr {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		servers = append(servers, &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}
	for _, s := range servers {
		go func(s *http.Server) {
			logging.Info("listening", zap.String("addr", s.Addr))
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error("server error", zap.String("addr", s.Addr), zap.Error(err))
				cancel()
			}
		}(s)
	}

	<-ctx.Done()
	logging.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	for _, s := range servers {
		if err := s.Shutdown(shutdownCtx); err != nil {
			logging.Warn("server shutdown", zap.String("addr", s.Addr), zap.Error(err))
		}
	}
	if err := ws.Close(shutdownCtx); err != nil {
		return fmt.Errorf("close workspace: %w", err)
	}
	logging.Info("resourced stopped")
	return nil
}

func openPersister(ctx context.Context, cfg *config.Config) (persist.Persister, error) {
	switch cfg.PersistBackend {
	case "postgres":
		logging.Info("connecting to PostgreSQL...")
		p, err := persist.NewPostgresPersister(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		if err := p.Migrate(ctx); err != nil {
			p.Close()
			return nil, fmt.Errorf("migration failed: %w", err)
		}
		return p, nil
	default:
		p, err := persist.NewFilePersister(cfg.StatePath())
		if err != nil {
			return nil, fmt.Errorf("state file: %w", err)
		}
		return p, nil
	}
}

// forwardChanges turns watcher events into auto-refresh requests.
func forwardChanges(ctx context.Context, ws *workspace.Workspace, watcher *localfs.Watcher) {
	ch := watcher.Subscribe()
	defer watcher.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			logging.Debug("local change", zap.String("type", ev.Type), zap.String("location", ev.Location))
			ws.AutoRefresh(ev.Location)
		}
	}
}
