package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/koltyakov/circlejoin/internal/config"
	"github.com/koltyakov/circlejoin/internal/debughttp"
	ilog "github.com/koltyakov/circlejoin/internal/log"
	"github.com/koltyakov/circlejoin/internal/moderation"
	"github.com/koltyakov/circlejoin/internal/oauth"
	"github.com/koltyakov/circlejoin/internal/registry"
	"github.com/koltyakov/circlejoin/internal/server"
	"github.com/koltyakov/circlejoin/internal/validator"
)

// serveFlags are the settings most often overridden on the command line.
type serveFlags struct {
	listen      string
	tlsDomain   string
	store       string
	dbPath      string
	redisURL    string
	admins      []string
	pprofListen string
}

func (f *serveFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.listen, "listen", "", "HTTP(S) listen address")
	fl.StringVar(&f.tlsDomain, "tls-domain", "", "Domain for automatic TLS certificates")
	fl.StringVar(&f.store, "store", "", "Storage driver (sqlite, redis, memory)")
	fl.StringVar(&f.dbPath, "db-path", "", "SQLite database path")
	fl.StringVar(&f.redisURL, "redis-url", "", "Redis URL (redis://host:port/db)")
	fl.StringSliceVar(&f.admins, "admins", nil, "Administrator usernames")
	fl.StringVar(&f.pprofListen, "pprof-listen", "", "Debug/pprof listen address (disabled when empty)")
}

func (f *serveFlags) apply(cmd *cobra.Command, cfg *config.ServerConfig) {
	fl := cmd.Flags()
	if fl.Changed("listen") {
		cfg.Listen = f.listen
	}
	if fl.Changed("tls-domain") {
		cfg.TLSDomain = f.tlsDomain
	}
	if fl.Changed("store") {
		cfg.Store = f.store
	}
	if fl.Changed("db-path") {
		cfg.DBPath = f.dbPath
	}
	if fl.Changed("redis-url") {
		cfg.RedisURL = f.redisURL
	}
	if fl.Changed("admins") {
		cfg.Admins = f.admins
	}
	if fl.Changed("pprof-listen") {
		cfg.PprofListen = f.pprofListen
	}
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	flags := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the circlejoin server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			flags.apply(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return &configError{err: err}
			}
			return runServer(cmd.Context(), cfg, ilog.New(cfg.LogLevel, cfg.LogFormat))
		},
	}
	flags.register(cmd)
	return cmd
}

func runServer(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	provider, err := oauth.NewReddit(oauth.Config{
		ClientID:     cfg.Reddit.ClientID,
		ClientSecret: cfg.Reddit.ClientSecret,
		RedirectURL:  cfg.Reddit.RedirectURI,
		UserAgent:    cfg.Reddit.UserAgent,
	})
	if err != nil {
		return &configError{err: err}
	}
	keys := validator.NewReddit(provider, cfg.CheckAccount.Username, cfg.CheckAccount.Password, logger)

	// The registry asks the workflow about bans and the workflow pushes
	// events through the registry.
	var workflow *moderation.Workflow
	bans := registry.BanCheckerFunc(func(ctx context.Context, name string) (bool, error) {
		return workflow.IsBanned(ctx, name)
	})
	reg := registry.New(b.sessions, bans, logger, registry.Options{
		KeepAliveInterval: cfg.KeepAliveInterval,
		WriteTimeout:      cfg.WriteTimeout,
		SendQueueSize:     cfg.SendQueueSize,
	})
	workflow = moderation.New(b.kv, keys, reg, cfg.Admins, logger)

	if len(cfg.Admins) == 0 {
		logger.Warn("no administrators configured; requests can be submitted but never decided")
	}

	if err := debughttp.StartServer(ctx, cfg.PprofListen, logger, func() map[string]int {
		return map[string]int{"live_connections": reg.Len()}
	}); err != nil {
		return fmt.Errorf("debug server: %w", err)
	}

	logger.Info("starting circlejoin",
		"version", Version,
		"store", cfg.Store,
		"listen", cfg.Listen,
		"tls_domain", cfg.TLSDomain,
		"admins", len(cfg.Admins),
	)
	srv := server.New(cfg, server.Deps{
		Sessions: b.sessions,
		Workflow: workflow,
		Registry: reg,
		Login:    provider,
	}, logger)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server: %w", err)
	}
	logger.Info("circlejoin stopped")
	return nil
}

func newCheckConfigCmd(opts *rootOptions) *cobra.Command {
	flags := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate configuration without starting the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			flags.apply(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return &configError{err: err}
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Configuration is valid")
			fmt.Fprintf(out, "  listen:     %s\n", cfg.Listen)
			if cfg.TLSDomain != "" {
				fmt.Fprintf(out, "  tls domain: %s\n", cfg.TLSDomain)
			}
			fmt.Fprintf(out, "  store:      %s\n", cfg.Store)
			fmt.Fprintf(out, "  admins:     %d\n", len(cfg.Admins))
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
