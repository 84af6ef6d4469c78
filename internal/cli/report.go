package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/xiaot623/gogo/evaluator/internal/domain"
)

func newReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report <run-id>",
		Short: "Print a run's status and per-trial outcomes",
		Args:  cobra.ExactArgs(1),
		RunE:  runReport,
	}
}

func runReport(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	run, err := a.svc.GetRun(ctx, args[0])
	if err != nil {
		return err
	}
	trials, err := a.svc.ListTrials(ctx, run.RunID)
	if err != nil {
		return err
	}

	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		color.NoColor = true
	}
	writeReport(cmd.OutOrStdout(), run, trials)
	return nil
}

func runStatusColor(s domain.RunStatus) *color.Color {
	switch s {
	case domain.RunStatusCompleted:
		return color.New(color.FgGreen, color.Bold)
	case domain.RunStatusFailed:
		return color.New(color.FgRed, color.Bold)
	case domain.RunStatusCancelled, domain.RunStatusPaused:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgCyan)
	}
}

func trialStatusColor(s domain.TrialStatus) *color.Color {
	switch s {
	case domain.TrialStatusCompleted:
		return color.New(color.FgGreen)
	case domain.TrialStatusFailed:
		return color.New(color.FgRed)
	case domain.TrialStatusCancelled:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgCyan)
	}
}

func formatScore(score *float64) string {
	if score == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *score)
}

// writeReport prints the run header, one line per trial and a summary.
func writeReport(w io.Writer, run *domain.Run, trials []domain.Trial) {
	bold := color.New(color.Bold)

	bold.Fprintf(w, "Run %s\n", run.RunID)
	fmt.Fprintf(w, "  Agent:    %s\n", run.AgentID)
	fmt.Fprintf(w, "  Snapshot: %s\n", run.SnapshotID)
	fmt.Fprintf(w, "  Status:   %s\n", runStatusColor(run.Status).Sprint(run.Status))
	if d, ok := run.Duration(); ok {
		fmt.Fprintf(w, "  Duration: %s\n", d.Round(time.Millisecond))
	} else {
		fmt.Fprintf(w, "  Duration: -\n")
	}
	fmt.Fprintln(w)

	counts := make(map[domain.TrialStatus]int)
	var scoreSum float64
	var scored int
	for _, t := range trials {
		counts[t.Status]++
		if t.Score != nil {
			scoreSum += *t.Score
			scored++
		}

		line := fmt.Sprintf("  %-16s %-10s score=%-5s attempts=%d/%d",
			t.TrialID, trialStatusColor(t.Status).Sprint(t.Status), formatScore(t.Score), t.RetryCount+1, t.MaxRetries+1)
		if t.ErrorMessage != "" {
			line += fmt.Sprintf("  [%s] %s", t.ErrorStage, t.ErrorMessage)
		}
		fmt.Fprintln(w, line)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Trials: %d total, %s completed, %s failed, %s cancelled\n",
		len(trials),
		color.GreenString("%d", counts[domain.TrialStatusCompleted]),
		color.RedString("%d", counts[domain.TrialStatusFailed]),
		color.YellowString("%d", counts[domain.TrialStatusCancelled]))
	if scored > 0 {
		fmt.Fprintf(w, "Mean score: %.2f over %d scored trials\n", scoreSum/float64(scored), scored)
	}
}
