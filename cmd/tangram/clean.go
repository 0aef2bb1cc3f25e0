package main

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func cleanCmd() *cobra.Command {
	var grace time.Duration
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "remove items untouched for longer than the grace period",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("grace") {
				cfg.CleanGrace = grace
			}
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()
			st, db, err := openStore(logger, cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			removed, err := st.Clean(cmd.Context(), cfg.CleanGrace)
			if err != nil {
				return err
			}
			logger.Info("clean complete", zap.Int("removed", removed))
			return nil
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", 7*24*time.Hour, "retention grace period")
	return cmd
}
