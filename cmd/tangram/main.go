// tangram is the sync server and client for the tangram object and
// process store.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tangramdotdev/tangram/config"
	"github.com/tangramdotdev/tangram/sql"
	"github.com/tangramdotdev/tangram/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "tangram",
		Short:         "content-addressed build artifact synchronization",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String("config", "", "path to config file")
	cmd.PersistentFlags().String("data-dir", config.DefaultConfig().DataDir, "data directory")
	cmd.PersistentFlags().String("log-level", config.DefaultConfig().LogLevel, "log level")
	cmd.AddCommand(serveCmd(), syncCmd(), cleanCmd())
	return cmd
}

// loadConfig merges defaults, the config file, TANGRAM_* environment
// variables and flags, in increasing priority.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.DefaultConfig()
	vip := viper.New()
	vip.SetEnvPrefix("tangram")
	vip.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	vip.AutomaticEnv()
	if err := vip.BindPFlags(cmd.Flags()); err != nil {
		return cfg, err
	}
	if err := vip.BindPFlags(cmd.Root().PersistentFlags()); err != nil {
		return cfg, err
	}
	if path := vip.GetString("config"); path != "" {
		vip.SetConfigFile(path)
		if err := vip.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := vip.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.Encoding = "console"
	zcfg.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	return zcfg.Build()
}

// openStore opens the sqlite database under the data dir and wraps it in
// a store.
func openStore(logger *zap.Logger, cfg config.Config) (*store.Store, *sql.Database, error) {
	dir, err := expandPath(cfg.DataDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := sql.Open("file:"+filepath.Join(dir, "db.sqlite"),
		sql.WithConnections(cfg.Connections),
		sql.WithLogger(logger),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return store.New(logger, db), db, nil
}

func expandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(path[1:], "/")), nil
	}
	return path, nil
}
