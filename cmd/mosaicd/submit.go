package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"Mosaic-Protocol/sdk/go/mosaic"
)

var (
	submitAddr  string
	submitToken string
	submitWait  bool
)

var submitCmd = &cobra.Command{
	Use:   "submit <task>",
	Short: "Queue a task on a running daemon",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitAddr, "addr", "http://127.0.0.1:8080", "守护进程地址")
	submitCmd.Flags().StringVar(&submitToken, "token", os.Getenv("MOSAIC_API_TOKEN"), "API 访问令牌")
	submitCmd.Flags().BoolVar(&submitWait, "wait", false, "等待任务结束并输出结果")
	submitCmd.Flags().StringVar(&runWallet, "wallet", "", "用户钱包地址")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	client, err := mosaic.NewClient(submitAddr, nil)
	if err != nil {
		return err
	}
	client.SetAccessToken(submitToken)

	ctx := cmd.Context()
	task, err := client.SubmitTask(ctx, mosaic.TaskSubmission{
		Goal:   strings.Join(args, " "),
		Wallet: runWallet,
	})
	if err != nil {
		return err
	}
	printStatus(statusOK, fmt.Sprintf("任务 %s 已提交", task.ID))
	if !submitWait {
		return nil
	}

	task, err = client.WaitForTask(ctx, task.ID, time.Second)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(task); err != nil {
		return err
	}
	if task.Status != mosaic.StatusSucceeded {
		printStatus(statusWarn, fmt.Sprintf("任务 %s 状态 %s: %s", task.ID, task.Status, task.LastError))
	}
	return nil
}
