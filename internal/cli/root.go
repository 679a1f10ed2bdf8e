// Package cli implements the circlejoin command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/koltyakov/circlejoin/internal/config"
)

// Exit codes returned by Run.
const (
	ExitSuccess = 0
	ExitError   = 1
	ExitConfig  = 2
)

// configError marks failures caused by invalid settings so Run can return
// ExitConfig.
type configError struct {
	err error
}

func (e *configError) Error() string { return "config error: " + e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

type rootOptions struct {
	configFile string
	envFile    string
	logLevel   string
	logFormat  string
}

// Run is the main CLI entry point. It returns a process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := newRootCmd()
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var cfgErr *configError
		if errors.As(err, &cfgErr) {
			return ExitConfig
		}
		return ExitError
	}
	return ExitSuccess
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "circlejoin",
		Short: "Moderated circle join requests with live WebSocket notifications",
		Long: `circlejoin lets Reddit users request to join a circle. Administrators
approve or deny requests, and every approval is pushed to all connected
clients over a WebSocket.

Settings come from defaults, then the YAML file given by --config, then
CIRCLE_* environment variables (a .env file is loaded first), then flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "Path to YAML configuration file")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Path to .env file with CIRCLE_* variables")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "Log format (text, json)")

	root.AddCommand(
		newServeCmd(opts),
		newCheckConfigCmd(opts),
		newRequestsCmd(opts),
		newBanCmd(opts),
		newUnbanCmd(opts),
		newVersionCmd(),
	)
	return root
}

// loadConfig layers .env, the YAML file, the environment and the global
// log flags. Callers validate.
func loadConfig(opts *rootOptions) (config.ServerConfig, error) {
	if err := loadDotEnv(opts.envFile); err != nil {
		return config.ServerConfig{}, &configError{err: err}
	}
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return cfg, &configError{err: err}
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.LogFormat = opts.logFormat
	}
	return cfg, nil
}
