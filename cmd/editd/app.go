package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/editd"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("EDITD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "editd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if err != context.Canceled {
			baseLogger.With("sys", "cli").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg editd.Config

	cmd := &cobra.Command{
		Use:           "editd",
		Short:         "editd serves exclusive dataset edit sessions with a journaled, atomically committed change log",
		SilenceErrors: true,
		Example: `
  # In-memory stores (tests/dev only)
  editd --store mem://

  # Persist journal + dataset rows in SQLite
  editd --store sqlite:///var/lib/editd/editd.db

  # Same, via environment
  EDITD_STORE=sqlite:///var/lib/editd/editd.db EDITD_LISTEN=:9741 editd

  # Expose Prometheus metrics on a separate listener
  editd --store mem:// --metrics-listen :9742`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}

			bindConfig(&cfg)
			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
			}

			cliLogger := logger.With("sys", "cli")
			cliLogger.Info("starting editd", "pid", os.Getpid())
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			server, err := editd.NewServer(cfg, editd.WithLogger(logger))
			if err != nil {
				return err
			}

			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			err = server.Start()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.editd/"+editd.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.String("listen", editd.DefaultListen, "listen address")
	flags.String("listen-proto", editd.DefaultListenProto, "listen network (tcp, tcp4, tcp6, unix)")
	flags.String("metrics-listen", editd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("store", editd.DefaultStore, "store DSN (mem:// or sqlite://path)")
	flags.Duration("default-lease", editd.DefaultLease, "lease duration when requests omit timeout_minutes")
	flags.Duration("max-lease", editd.DefaultMaxLease, "maximum requestable lease duration")
	flags.Duration("sweep-interval", editd.DefaultSweepInterval, "expired-lease sweep interval (negative disables)")
	flags.Int("history-limit", editd.DefaultHistoryLimit, "default change-history page size")
	flags.Int("history-max-limit", editd.DefaultHistoryMaxLimit, "maximum change-history page size")
	flags.String("jwt-secret", "", "HS256 secret enabling bearer-token identity (empty trusts the identity header)")
	flags.String("identity-header", editd.DefaultIdentityHeader, "trusted identity header when JWT auth is disabled")
	flags.Duration("shutdown-timeout", editd.DefaultShutdownTimeout, "graceful shutdown timeout")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("EDITD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for _, name := range []string{
		"config",
		"listen", "listen-proto", "metrics-listen", "store",
		"default-lease", "max-lease", "sweep-interval",
		"history-limit", "history-max-limit",
		"jwt-secret", "identity-header",
		"shutdown-timeout", "log-level",
	} {
		bindFlag(name)
	}

	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(cfg *editd.Config) {
	cfg.Listen = viper.GetString("listen")
	cfg.ListenProto = viper.GetString("listen-proto")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.Store = viper.GetString("store")
	cfg.DefaultLease = viper.GetDuration("default-lease")
	cfg.MaxLease = viper.GetDuration("max-lease")
	cfg.SweepInterval = viper.GetDuration("sweep-interval")
	cfg.HistoryDefaultLimit = viper.GetInt("history-limit")
	cfg.HistoryMaxLimit = viper.GetInt("history-max-limit")
	cfg.JWTSecret = viper.GetString("jwt-secret")
	cfg.IdentityHeader = viper.GetString("identity-header")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := editd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, editd.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}

	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return abs, nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
