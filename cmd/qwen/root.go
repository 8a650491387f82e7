package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/germanamz/qwen/pkg/config"
	"github.com/germanamz/qwen/pkg/engine"
	"github.com/germanamz/qwen/pkg/logger"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const rootLongDesc = `qwen talks to the DashScope (Qwen) chat and embedding APIs.

The API key is read from the QWEN_API_KEY environment variable (or the
variable named by key_name in the config file). A .env file in the working
directory is loaded when present.

Examples:
  qwen chat "Summarize the plot of Hamlet"
  echo "hello" | qwen embed --json
  qwen init
  qwen mcp --metrics-addr :9090`

// rootCommander holds the state shared by every subcommand. It is filled in
// by the persistent pre-run hook before any subcommand runs.
type rootCommander struct {
	configPath string
	envFile    string
	logLevel   string
	logFormat  string

	cfg config.Config
	log *slog.Logger
}

func newRootCmd() *cobra.Command {
	root := &rootCommander{}

	cmd := &cobra.Command{
		Use:           "qwen",
		Short:         "DashScope (Qwen) chat and embeddings from the command line",
		Long:          rootLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return root.load(cmd)
		},
	}

	cmd.PersistentFlags().StringVarP(&root.configPath, "config", "c", "qwen.yaml", "path to the configuration file (defaults apply if missing)")
	cmd.PersistentFlags().StringVar(&root.envFile, "env", ".env", "path to a .env file (ignored if missing)")
	cmd.PersistentFlags().StringVar(&root.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	cmd.PersistentFlags().StringVar(&root.logFormat, "log-format", "", "log format: text, json, pretty (overrides config)")

	cmd.AddCommand(
		newChatCmd(root),
		newEmbedCmd(root),
		newInitCmd(root),
		newMCPCmd(root),
		newVersionCmd(),
	)

	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return fmt.Errorf("%w\n\n%s", err, c.UsageString())
	})

	return cmd
}

// load reads the .env file and the configuration, applies flag overrides and
// builds the process logger.
func (r *rootCommander) load(cmd *cobra.Command) error {
	if err := config.LoadDotEnv(r.envFile); err != nil {
		return err
	}

	cfg, err := config.LoadOrDefault(r.configPath)
	if err != nil {
		return err
	}

	if r.logLevel != "" {
		cfg.Log.Level = r.logLevel
	}
	if r.logFormat != "" {
		cfg.Log.Format = r.logFormat
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	if cfg.Log.Format != "" && !logger.ValidFormat(cfg.Log.Format) {
		return fmt.Errorf("unknown log format %q", cfg.Log.Format)
	}

	r.cfg = cfg
	r.log = logger.New(
		logger.WithLevel(level),
		logger.WithFormat(cfg.Log.Format),
		logger.WithWriter(cmd.ErrOrStderr()),
	)

	return nil
}

// newEngine builds an engine from the loaded configuration.
func (r *rootCommander) newEngine(opts ...engine.Option) (*engine.Engine, error) {
	opts = append([]engine.Option{engine.WithLogger(r.log)}, opts...)
	return engine.New(r.cfg, opts...)
}
