// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/netlogger/internal/browser"
	"github.com/xkilldash9x/netlogger/internal/config"
	"github.com/xkilldash9x/netlogger/internal/observability"
)

type contextKey string

const configKey contextKey = "config"

var (
	// osExit is swapped out in tests.
	osExit = os.Exit

	// newEngine builds the browser engine for capture and serve.
	newEngine = func(cfg config.BrowserConfig, logger *zap.Logger) browser.Engine {
		return browser.NewChromeEngine(cfg, logger)
	}
)

// newRootCmd builds the command tree. Each call returns an independent tree so
// flag state never leaks between executions.
func newRootCmd() *cobra.Command {
	var (
		cfgFile   string
		logLevel  string
		logFormat string
	)

	rootCmd := &cobra.Command{
		Use:   "netlogger",
		Short: "netlogger records the fetch and XHR traffic of a web page.",
		Long: `netlogger drives a Chrome instance to a target URL, records every fetch and
XHR request the page makes together with its response, and exports the log as CSV.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(cmd, v, cfgFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			observability.InitializeLogger(cfg.Logger())
			observability.GetLogger().Debug("Starting netlogger", zap.String("version", Version))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	flags.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&logFormat, "log-format", "", "log format: console or json")

	rootCmd.AddCommand(newCaptureCmd(), newServeCmd(), newVersionCmd())
	return rootCmd
}

// Execute runs the CLI with a context cancelled on SIGINT or SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	observability.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		osExit(1)
	}
}

// initializeConfig layers the config file, NETLOGGER_* environment variables and
// root flags over the defaults already set on v.
func initializeConfig(cmd *cobra.Command, v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("NETLOGGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	root := cmd.Root().PersistentFlags()
	if err := v.BindPFlag("logger.level", root.Lookup("log-level")); err != nil {
		return err
	}
	if err := v.BindPFlag("logger.format", root.Lookup("log-format")); err != nil {
		return err
	}
	return nil
}

func getConfigFromContext(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not found in context")
	}
	return cfg, nil
}
