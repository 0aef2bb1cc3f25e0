package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tangramdotdev/tangram/api"
	"github.com/tangramdotdev/tangram/common/types"
	"github.com/tangramdotdev/tangram/config"
	"github.com/tangramdotdev/tangram/sync"
)

func syncCmd() *cobra.Command {
	var (
		arg    sync.Arg
		remote string
	)
	cmd := &cobra.Command{
		Use:   "sync [items...]",
		Short: "sync items with a remote",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()
			for _, raw := range args {
				id, err := types.ParseID(raw)
				if err != nil {
					return err
				}
				arg.Items = append(arg.Items, id)
			}
			if !arg.Get && !arg.Put {
				arg.Get = true
			}
			base, ok := cfg.Remotes[remote]
			if !ok {
				return fmt.Errorf("unknown remote %q", remote)
			}
			return runSync(cmd.Context(), logger, cfg, arg, base)
		},
	}
	cmd.Flags().BoolVar(&arg.Get, "get", false, "pull missing items from the remote")
	cmd.Flags().BoolVar(&arg.Put, "put", false, "push items to the remote")
	cmd.Flags().BoolVar(&arg.Recursive, "recursive", true, "descend through child processes")
	cmd.Flags().BoolVar(&arg.Commands, "commands", false, "include command objects")
	cmd.Flags().BoolVar(&arg.Outputs, "outputs", true, "include output objects")
	cmd.Flags().BoolVar(&arg.Logs, "logs", false, "include log objects")
	cmd.Flags().BoolVar(&arg.Errors, "errors", false, "include error objects")
	cmd.Flags().BoolVar(&arg.Eager, "eager", true, "push subtrees speculatively")
	cmd.Flags().BoolVar(&arg.Force, "force", false, "sync even when the local index claims completeness")
	cmd.Flags().StringVar(&remote, "remote", "default", "remote to sync with")
	return cmd
}

func runSync(ctx context.Context, logger *zap.Logger, cfg config.Config, arg sync.Arg, base string) error {
	st, db, err := openStore(logger, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	client := api.NewClient(logger, base)
	stream, err := client.Sync(ctx, arg)
	if err != nil {
		return err
	}
	defer stream.Close()

	session := sync.NewSession(logger, cfg.Sync, arg, st)

	progressCtx, stopProgress := context.WithCancel(ctx)
	defer stopProgress()
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				logger.Info("syncing", zap.Int64("outstanding", session.Outstanding()))
			case <-progressCtx.Done():
				return
			}
		}
	}()

	started := time.Now()
	if err := session.Run(ctx, stream); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	logger.Info("sync complete", zap.Duration("elapsed", time.Since(started)))
	return nil
}
