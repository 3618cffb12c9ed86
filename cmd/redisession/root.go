package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/MrEthical07/redisession"
	"github.com/MrEthical07/redisession/connection"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"
)

// app carries state shared by every subcommand.
type app struct {
	v      *viper.Viper
	logger pslog.Logger
}

func newRootCommand(logger pslog.Logger) *cobra.Command {
	return newApp(logger).rootCommand()
}

func newApp(logger pslog.Logger) *app {
	return &app{v: viper.New(), logger: logger}
}

func (a *app) rootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "redisession",
		Short:         "redisession inspects and exercises Redis-backed sessions",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Show one session
  redisession --addr 10.0.0.5:6379 inspect 7f3c0a

  # Aggregate every session under the default prefix
  REDISESSION_ADDR=10.0.0.5:6379 redisession scan

  # Hammer a single session against an in-process Redis
  redisession loadtest --miniredis --workers 32 --requests 50
`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			path, err := a.loadConfigFile()
			if err != nil {
				return err
			}
			if path != "" {
				a.logger.Info("cli.config.loaded", "path", path)
			}
			if level, ok := pslog.ParseLevel(a.v.GetString("log-level")); ok {
				a.logger = a.logger.LogLevel(level)
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	defaults := redisession.DefaultConfig()
	flags.StringP("config", "c", "", "path to a YAML/TOML/JSON config file")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")
	flags.String("topology", string(connection.Standalone), "redis topology (standalone, cluster, sentinel)")
	flags.String("addr", defaults.Connection.Addr, "redis address for standalone topology")
	flags.StringSlice("cluster-seeds", nil, "cluster seed addresses")
	flags.StringSlice("sentinel-addrs", nil, "sentinel addresses")
	flags.String("sentinel-master", "", "sentinel master name")
	flags.Int("db", 0, "redis database index")
	flags.String("username", "", "redis ACL username")
	flags.String("password", "", "redis password")
	flags.Duration("connect-timeout", defaults.Connection.ConnectTimeout, "connect timeout")
	flags.String("key-prefix", defaults.KeyPrefix, "session key prefix")
	flags.String("compression", defaults.Compression.Algorithm, "payload compression (none, gzip, zstd, snappy, lz4)")
	flags.String("compression-threshold", humanize.IBytes(uint64(defaults.Compression.Threshold)), "payload size above which compression applies")
	flags.Duration("break-after", defaults.Lock.BreakAfter, "time after which a held lock may be broken")
	flags.Int("break-modulo", defaults.Lock.BreakModulo, "break only on counter values divisible by this")
	flags.Duration("fail-after", defaults.Lock.FailAfter, "time after which a waiter gives up")
	flags.Duration("retry-interval", defaults.Lock.RetryInterval, "sleep between lock attempts")
	flags.Int("max-concurrency", defaults.Lock.MaxConcurrency, "maximum waiters per session (0 disables)")
	flags.Bool("disable-locking", false, "skip the lock protocol entirely")

	a.v.SetEnvPrefix("REDISESSION")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	flags.VisitAll(func(f *pflag.Flag) {
		if err := a.v.BindPFlag(f.Name, f); err != nil {
			panic(err)
		}
	})

	cmd.AddCommand(
		newInspectCommand(a),
		newScanCommand(a),
		newLoadtestCommand(a),
	)
	return cmd
}

func (a *app) loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(a.v.GetString("config"))
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	a.v.SetConfigFile(expanded)
	if err := a.v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
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
	return filepath.Abs(p)
}

// bindConfig overlays flags, env and config file values on the defaults.
func (a *app) bindConfig() (redisession.Config, error) {
	v := a.v
	cfg := redisession.DefaultConfig()

	cfg.Connection.Topology = connection.Topology(strings.ToLower(strings.TrimSpace(v.GetString("topology"))))
	cfg.Connection.Addr = v.GetString("addr")
	cfg.Connection.Cluster.Seeds = v.GetStringSlice("cluster-seeds")
	cfg.Connection.Sentinel.Addrs = v.GetStringSlice("sentinel-addrs")
	cfg.Connection.Sentinel.Master = v.GetString("sentinel-master")
	cfg.Connection.DB = v.GetInt("db")
	cfg.Connection.Username = v.GetString("username")
	cfg.Connection.Password = v.GetString("password")
	cfg.Connection.ConnectTimeout = v.GetDuration("connect-timeout")
	cfg.Connection.PersistentID = "redisession-cli"

	cfg.KeyPrefix = v.GetString("key-prefix")
	cfg.Compression.Algorithm = v.GetString("compression")
	if threshold := strings.TrimSpace(v.GetString("compression-threshold")); threshold != "" {
		size, err := humanize.ParseBytes(threshold)
		if err != nil {
			return cfg, fmt.Errorf("parse compression-threshold: %w", err)
		}
		cfg.Compression.Threshold = int(size)
	}

	cfg.Lock.BreakAfter = v.GetDuration("break-after")
	cfg.Lock.BreakModulo = v.GetInt("break-modulo")
	cfg.Lock.FailAfter = v.GetDuration("fail-after")
	cfg.Lock.RetryInterval = v.GetDuration("retry-interval")
	cfg.Lock.MaxConcurrency = v.GetInt("max-concurrency")
	cfg.Lock.Disable = v.GetBool("disable-locking")
	cfg.LogLevel = ""

	return cfg, cfg.Validate()
}

// openHandler connects using the bound configuration.
func (a *app) openHandler(ctx context.Context) (*redisession.Handler, error) {
	cfg, err := a.bindConfig()
	if err != nil {
		return nil, err
	}
	return redisession.New().
		WithConfig(cfg).
		WithLogger(a.logger).
		Build(ctx)
}
