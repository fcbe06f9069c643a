package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/wsmine/internal/admin"
	"github.com/danmuck/wsmine/internal/config"
	"github.com/danmuck/wsmine/internal/observability"
	"github.com/danmuck/wsmine/internal/server"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const appName = "wsmined"

type options struct {
	configPath string
	listenAddr string
	adminAddr  string
}

func main() {
	logger := observability.InitLogger(appName)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stderr, logger); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
}

func parseOptions(args []string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	var opts options
	fs.StringVar(&opts.configPath, "config", "", "path to server config toml (defaults apply when empty)")
	fs.StringVar(&opts.listenAddr, "listen", "", "override listen_addr")
	fs.StringVar(&opts.adminAddr, "admin", "", "override admin_addr")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

func loadConfig(opts options) (config.ServerConfig, error) {
	cfg := config.DefaultServerConfig()
	if opts.configPath != "" {
		loaded, err := config.LoadServerConfig(opts.configPath)
		if err != nil {
			return config.ServerConfig{}, err
		}
		cfg = loaded
	}
	if opts.listenAddr != "" {
		cfg.ListenAddr = opts.listenAddr
	}
	if opts.adminAddr != "" {
		cfg.AdminAddr = opts.adminAddr
	}
	if err := config.ValidateServerConfig(cfg); err != nil {
		return config.ServerConfig{}, err
	}
	return cfg, nil
}

// run serves the search port, and the admin port when configured, until ctx
// is done or either listener fails.
func run(ctx context.Context, args []string, stderr io.Writer, logger zerolog.Logger) error {
	opts, err := parseOptions(args, stderr)
	if err != nil {
		return err
	}
	fileCfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	svcCfg, err := fileCfg.ToServerConfig()
	if err != nil {
		return err
	}
	svcCfg.Logger = logger.With().Str("component", "search").Logger()
	svc := server.NewServiceWithConfig(svcCfg)

	ln, err := svc.Listen()
	if err != nil {
		return fmt.Errorf("listen %s: %w", svcCfg.ListenAddr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Serve(gctx, ln)
	})
	if fileCfg.AdminAddr != "" {
		node := admin.Appear(appName, fileCfg.AdminAddr, fileCfg.CorsOrigins, svc)
		g.Go(func() error {
			return node.Serve(gctx)
		})
	}

	err = g.Wait()
	logger.Info().Err(err).Interface("stats", svc.Stats()).Msg("shutdown complete")
	return err
}
