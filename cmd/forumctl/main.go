package main

import (
	"context"
	"fmt"
	"os"

	"forum_hierarchy/internal/domain/forum"
	"forum_hierarchy/internal/pkg/config"
	"forum_hierarchy/internal/pkg/registry"
	"forum_hierarchy/pkg/database"
	"forum_hierarchy/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configFile string
	components *forum.Components
)

var rootCmd = &cobra.Command{
	Use:   "forumctl",
	Short: "Operator tool for forum hierarchy aggregates",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		log := logger.InitLogger(cfg.App.Env, false)

		db, err := database.NewPostgres(cfg.Database, false, log)
		if err != nil {
			return err
		}

		mctx := &registry.ModuleContext{DB: db, Config: cfg, Logger: log}
		if cfg.Forum.LockBackend == "redis" {
			// 与在线服务共用分布式锁，避免对账与请求同时重写同一节点
			if mctx.Redis, err = database.NewRedis(cmd.Context(), cfg.Redis); err != nil {
				return err
			}
		}
		components = forum.Build(mctx)
		log.Debug("forumctl ready", zap.String("lock_backend", cfg.Forum.LockBackend))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default ./configs/config.yaml)")
	rootCmd.AddCommand(reconcileCmd, showCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
