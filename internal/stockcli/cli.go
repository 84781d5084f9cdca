package stockcli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/Bruce-k901/My-App-sub012/internal/apiapp"
	"github.com/Bruce-k901/My-App-sub012/internal/config"
	"github.com/Bruce-k901/My-App-sub012/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var ErrUsage = errors.New("usage")

type globals struct {
	configPath string
	envPath    string
	verbose    bool
	out        io.Writer
}

func Execute(args []string) error {
	return execute(args, os.Stdout)
}

func execute(args []string, out io.Writer) error {
	root := newRootCmd(&globals{out: out})
	root.SetArgs(args)
	root.SetOut(out)
	return root.Execute()
}

func PrintUsage(w io.Writer) {
	root := newRootCmd(&globals{out: w})
	root.SetOut(w)
	_ = root.Usage()
}

func usageError() error {
	return fmt.Errorf("%w: stockcount <setup|run|seed|export|import|approver> [...]", ErrUsage)
}

func newRootCmd(g *globals) *cobra.Command {
	root := &cobra.Command{
		Use:           "stockcount",
		Short:         "Stock count reconciliation service",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("%w: unknown command %q", ErrUsage, args[0])
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return usageError()
		},
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	})
	root.PersistentFlags().StringVar(&g.configPath, "config", "stockcount.yaml", "path to YAML config (optional)")
	root.PersistentFlags().StringVar(&g.envPath, "env-file", ".env", "path to .env file")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newSetupCmd(g),
		newRunCmd(g),
		newSeedCmd(g),
		newExportCmd(g),
		newImportCmd(g),
		newApproverCmd(g),
	)
	return root
}

// load reads .env, then the config file, and builds the logger.
func (g *globals) load() (*config.Config, *zap.Logger, error) {
	if err := config.LoadDotEnv(g.envPath); err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", g.envPath, err)
	}
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.LogLevel, g.verbose)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newSetupCmd(g *globals) *cobra.Command {
	var (
		addr      string
		dbPath    string
		logLevel  string
		force     bool
		writeYAML bool
	)
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Write a .env (and optionally a YAML config) with starting values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			cfg.Addr = addr
			cfg.DBPath = dbPath
			cfg.LogLevel = logLevel
			if err := cfg.Validate(); err != nil {
				return err
			}

			values := map[string]string{
				"STOCKCOUNT_ADDR":      cfg.Addr,
				"STOCKCOUNT_DB_PATH":   cfg.DBPath,
				"STOCKCOUNT_LOG_LEVEL": cfg.LogLevel,
			}
			if err := config.WriteDotEnv(g.envPath, values, force); err != nil {
				return err
			}
			fmt.Fprintf(g.out, "wrote %s\n", g.envPath)

			if writeYAML {
				if _, err := os.Stat(g.configPath); err == nil && !force {
					return fmt.Errorf("%s already exists (use --force to overwrite)", g.configPath)
				}
				if err := cfg.Save(g.configPath); err != nil {
					return err
				}
				fmt.Fprintf(g.out, "wrote %s\n", g.configPath)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "API listen address")
	cmd.Flags().StringVar(&dbPath, "db-path", "data/stockcount.db", "SQLite database path")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	cmd.Flags().BoolVar(&writeYAML, "yaml", false, "also write the YAML config with defaults")
	return cmd
}

func newRunCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Serve the stock count API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if err := ensureParentDirs(cfg.DBPath); err != nil {
				return err
			}
			cooldown, err := cfg.BreakerCooldownDuration()
			if err != nil {
				return err
			}
			remote, err := cfg.Remote()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			err = apiapp.Run(ctx, apiapp.Config{
				Addr:              cfg.Addr,
				DBPath:            cfg.DBPath,
				Libraries:         cfg.Libraries,
				CommitConcurrency: cfg.Counting.CommitConcurrency,
				AdvanceFocus:      cfg.Counting.AdvanceFocus,
				RefreshAfterSave:  cfg.Counting.RefreshAfterSave,
				AllowSelfApproval: cfg.Approval.AllowSelfApproval,
				BreakerCooldown:   cooldown,
				Remote:            remote,
				Logger:            logger,
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

func ensureParentDirs(paths ...string) error {
	for _, p := range paths {
		dir := filepath.Dir(p)
		if dir == "." || dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}
