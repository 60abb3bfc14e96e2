package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cli-tools/pgtap"
	"github.com/cli-tools/pgtap/internal/adapter/logger"
)

const long = `pgtap runs throwaway PostgreSQL servers.

Binary distributions are downloaded from Maven Central (or a mirror, a local
Maven repository, or archive directories) and cached per user. Every server
gets a fresh data directory that is removed when it stops.

Settings come from flags, then PGTAP_* environment variables (PGTAP_CACHE_DIR,
PGTAP_WORK_DIR, PGTAP_VERSION, PGTAP_LOG_LEVEL, ...), then the --config file.`

// config holds settings shared by all commands.
type config struct {
	CacheDir    string        `mapstructure:"cache-dir"`
	WorkDir     string        `mapstructure:"work-dir"`
	Platform    string        `mapstructure:"platform"`
	Version     string        `mapstructure:"version"`
	LogLevel    string        `mapstructure:"log-level"`
	LogJSON     bool          `mapstructure:"log-json"`
	MavenURL    string        `mapstructure:"maven-url"`
	ArchiveDirs []string      `mapstructure:"archive-dir"`
	Offline     bool          `mapstructure:"offline"`
	LockTimeout time.Duration `mapstructure:"lock-timeout"`
	// Server holds raw server options, only settable from the config file.
	Server map[string]any `mapstructure:"server"`
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:           "pgtap",
		Short:         "Run disposable PostgreSQL servers",
		Long:          long,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(v, cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "config file (YAML or TOML)")
	pf.String("cache-dir", "", "binary cache directory (default: user cache dir)")
	pf.String("work-dir", "", "directory for server workspaces (default: temp dir)")
	pf.String("platform", "", "distribution platform, e.g. linux-amd64-alpine (default: detected)")
	pf.String("version", "", "PostgreSQL version: latest, 16, 16.2 or 16.2.0")
	pf.String("log-level", "", "trace, debug, info, warn, error or off")
	pf.Bool("log-json", false, "log in JSON")
	pf.String("maven-url", "", "Maven repository to download from (default: Maven Central)")
	pf.StringSlice("archive-dir", nil, "directory with postgres-<platform>-<version> archives")
	pf.Bool("offline", false, "never download")
	pf.Duration("lock-timeout", 0, "how long to wait for another process extracting the same version")

	root.AddCommand(
		newRunCmd(v),
		newFetchCmd(v),
		newListCmd(v),
		newCleanCmd(v),
		newVersionCmd(),
	)
	return root
}

// loadConfig binds flags and environment and reads the config file.
func loadConfig(v *viper.Viper, cmd *cobra.Command) error {
	v.SetEnvPrefix("PGTAP")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return nil
}

func readConfig(v *viper.Viper) (config, error) {
	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config) *logger.Logger {
	return logger.New(logger.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON})
}

// managerOptions translates the shared settings into library options.
func managerOptions(cfg config, log *logger.Logger) []pgtap.Option {
	opts := []pgtap.Option{
		pgtap.WithCacheDir(cfg.CacheDir),
		pgtap.WithWorkDir(cfg.WorkDir),
		pgtap.WithPlatform(cfg.Platform),
		pgtap.WithVersion(cfg.Version),
		pgtap.WithLogger(log.Logger),
		pgtap.WithLockTimeout(cfg.LockTimeout),
		pgtap.WithMavenRepository(cfg.MavenURL),
		pgtap.WithOptions(cfg.Server),
	}
	for _, dir := range cfg.ArchiveDirs {
		opts = append(opts, pgtap.WithArchiveDir(dir))
	}
	if cfg.Offline {
		opts = append(opts, pgtap.WithoutNetwork())
	}
	return opts
}

func newManager(v *viper.Viper, extra ...pgtap.Option) (*pgtap.Manager, *logger.Logger, error) {
	cfg, err := readConfig(v)
	if err != nil {
		return nil, nil, err
	}
	log := newLogger(cfg)
	m, err := pgtap.NewManager(append(managerOptions(cfg, log), extra...)...)
	if err != nil {
		return nil, nil, err
	}
	return m, log, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the pgtap version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pgtap %s\n", version)
		},
	}
}
