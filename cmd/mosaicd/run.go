package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"Mosaic-Protocol/internal/coordinator"
	"Mosaic-Protocol/internal/market"
	"Mosaic-Protocol/pkg/logger"
)

var (
	runWallet string
	runJSON   bool
)

var runCmd = &cobra.Command{
	Use:   "run <task>",
	Short: "Run a single orchestration in the terminal",
	Long: `Plan, hire, pay and synthesize one task without starting the HTTP API.

Example:
  mosaicd run "research solana and analyze its token safety"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runOnce,
}

func init() {
	runCmd.Flags().StringVar(&runWallet, "wallet", "", "用户钱包地址，在代理模式下代付")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "以 JSON 输出完整结果")
}

func runOnce(cmd *cobra.Command, args []string) error {
	return execute(cmd, func(ctx context.Context, a *app, opts []coordinator.RunOption) *market.TaskExecutionResult {
		return a.runner.ExecuteTask(ctx, strings.Join(args, " "), opts...)
	})
}

// execute 组装应用，执行一次编排并输出结果；失败的运行以非零状态退出。
func execute(cmd *cobra.Command, run func(context.Context, *app, []coordinator.RunOption) *market.TaskExecutionResult) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	a, err := buildApp(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer a.close()

	var opts []coordinator.RunOption
	if runWallet != "" {
		if !common.IsHexAddress(runWallet) {
			return fmt.Errorf("钱包地址无效: %s", runWallet)
		}
		opts = append(opts, coordinator.WithWallet(common.HexToAddress(runWallet)))
	}

	result := run(ctx, a, opts)
	out := cmd.OutOrStdout()
	if runJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else {
		printResult(out, result)
	}
	if !result.Success {
		return fmt.Errorf("运行 %s 失败: %s", result.RunID, result.ErrorCode)
	}
	return nil
}
