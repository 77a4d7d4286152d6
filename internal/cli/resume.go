package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"crewcoord/internal/recovery"
)

var resumeCmd = &cobra.Command{
	Use:   "resume [task]",
	Short: "Diagnose and resume interrupted tasks",
	Long: `Without arguments, list every interrupted task this session may act on
and what each one needs. With a task name, adopt that task and continue it
from its recorded state. Live locks held by other sessions are never touched.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResume,
}

func runResume(cmd *cobra.Command, args []string) error {
	logger := newLogger(cmd)
	out := cmd.OutOrStdout()

	repo, err := repoRoot(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(repo)
	if err != nil {
		return err
	}

	coord, rescue, ownerID := buildCoordinator(cmd, repo, cfg, logger)
	ctx := cmd.Context()

	findings, err := rescue.Diagnose(ownerID)
	if err != nil {
		return err
	}

	if len(args) == 0 {
		if len(findings) == 0 {
			fmt.Fprintln(out, "No interrupted tasks.")
			return nil
		}
		for _, f := range findings {
			fmt.Fprintf(out, "%-20s %-26s state=%s", f.Task, f.Condition, f.State)
			if f.Detail != "" {
				fmt.Fprintf(out, "  (%s)", f.Detail)
			}
			fmt.Fprintln(out)
			if f.Condition == recovery.ConditionPartialSubWorkers {
				stale, err := rescue.StaleWorkers(f.Task)
				if err != nil {
					return err
				}
				if len(stale) > 0 {
					fmt.Fprintf(out, "    stalled sub-workers: %s\n", strings.Join(stale, ", "))
				}
			}
		}
		return nil
	}

	task := args[0]
	for _, f := range findings {
		if f.Task != task {
			continue
		}
		switch f.Condition {
		case recovery.ConditionCorruption:
			return fmt.Errorf("task %s has corrupt records (%s); crewcoord will not repair or delete them automatically",
				task, f.Detail)
		case recovery.ConditionGateFailureAfterMerge:
			fmt.Fprintf(out, "Reverting merged range %s that failed verification...\n", f.RevertRange)
			if err := rescue.RevertMerge(ctx, f); err != nil {
				return err
			}
			fmt.Fprintf(out, "Merge undone. Rerun 'crewcoord resume %s' to rework the task.\n", task)
			return nil
		}
	}

	if err := coord.Resume(ctx, task); err != nil {
		return err
	}
	fmt.Fprintf(out, "Task %s complete.\n", task)
	return nil
}
