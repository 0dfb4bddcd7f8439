package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"Mosaic-Protocol/internal/market"
)

type status struct {
	symbol string
	attr   color.Attribute
}

var (
	statusOK    = status{"✓", color.FgGreen}
	statusWarn  = status{"⚠", color.FgYellow}
	statusError = status{"✗", color.FgRed}
)

func printStatus(s status, message string) {
	c := color.New(s.attr)
	fmt.Fprintf(os.Stderr, "%s %s\n", c.Sprint(s.symbol), message)
}

// printResult 以人类可读的形式输出一次编排结果。
func printResult(w io.Writer, result *market.TaskExecutionResult) {
	bold := color.New(color.Bold)
	dim := color.New(color.Faint)

	if result.Success {
		fmt.Fprintf(w, "%s run %s completed\n", color.GreenString("✓"), result.RunID)
	} else {
		fmt.Fprintf(w, "%s run %s failed [%s] %s\n", color.RedString("✗"), result.RunID, result.ErrorCode, result.Error)
	}

	if result.Plan != nil && len(result.Plan.Subtasks) > 0 {
		bold.Fprintln(w, "\nPlan")
		for _, st := range result.Plan.Ordered() {
			fmt.Fprintf(w, "  %d. %-22s %s\n", st.Priority, st.Capability, st.Task)
		}
	}

	if len(result.AgentsUsed) > 0 {
		bold.Fprintln(w, "\nAgents")
		for _, u := range result.AgentsUsed {
			mark := color.YellowString("·")
			if u.Verified {
				mark = color.GreenString("✓")
			}
			hiredBy := ""
			if u.Autonomous {
				hiredBy = dim.Sprintf(" (hired by %s, depth %d)", u.HiredBy, u.Depth)
			}
			fmt.Fprintf(w, "  %s %-24s %-22s %s%s\n", mark, u.Name, u.Capability, u.CostFormatted, hiredBy)
		}
	}

	for _, s := range result.Skipped {
		fmt.Fprintf(w, "  %s skipped %s: %s\n", color.YellowString("⚠"), s.Capability, s.Reason)
	}

	bold.Fprintln(w, "\nSummary")
	fmt.Fprintf(w, "  total cost       %s USDC\n", result.TotalCostFormatted)
	fmt.Fprintf(w, "  micro-payments   %d\n", result.MicroPayments)
	fmt.Fprintf(w, "  decisions        %d (%d autonomous)\n", result.Decisions, result.AutonomousDecisions)
	fmt.Fprintf(w, "  verifications    %d/%d\n", result.VerificationsSuccessful, result.VerificationsCompleted)
	if d := result.CompletedAt.Sub(result.StartedAt); d > 0 {
		fmt.Fprintf(w, "  duration         %s\n", d.Round(time.Millisecond))
	}
	for _, e := range result.OwnersEarned {
		fmt.Fprintf(w, "  owner %s earned %s (%s)\n", shortAddr(e.Owner.Hex()), e.TotalEarnings, strings.Join(e.Agents, ", "))
	}

	if out := strings.TrimSpace(result.Output); out != "" {
		bold.Fprintln(w, "\nOutput")
		fmt.Fprintln(w, out)
	}
}

func shortAddr(hex string) string {
	if len(hex) <= 12 {
		return hex
	}
	return hex[:6] + "…" + hex[len(hex)-4:]
}
