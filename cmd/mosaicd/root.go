package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"Mosaic-Protocol/internal/config"
	"Mosaic-Protocol/pkg/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "mosaicd",
	Short: "Agent marketplace coordinator",
	Long: `mosaicd plans a task into capability subtasks, hires agents from the
marketplace through a reputation-weighted auction, pays them per unit of
work and synthesizes their outputs into a single answer.

Run 'mosaicd serve' to expose the HTTP API and task queue, or 'mosaicd run'
for a single orchestration in the terminal.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		printStatus(statusError, err.Error())
		os.Exit(1)
	}
}

func init() {
	defaultPath := os.Getenv("MOSAIC_CONFIG")
	if defaultPath == "" {
		defaultPath = filepath.Join("configs", "mosaic.yaml")
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultPath, "配置文件路径 (yaml 或 json)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(quoteCmd)
	rootCmd.AddCommand(submitCmd)
}

// loadConfig 读取配置文件；文件不存在时退回默认配置，并初始化全局日志。
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if errors.Is(err, fs.ErrNotExist) {
		wd, wdErr := os.Getwd()
		if wdErr != nil {
			return nil, wdErr
		}
		cfg, err = config.Default(wd), nil
	}
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	if err := logger.Init(cfg.Log); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, nil
}
