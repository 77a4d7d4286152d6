package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"crewcoord/internal/coordinator"
	"crewcoord/internal/recovery"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Claim and complete tasks from the configuration",
	Long: `Claim tasks one at a time and drive each through its whole lifecycle.
With --task only that task is claimed; otherwise every claimable task is
worked in configuration order. Tasks locked by other sessions are skipped.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringP("task", "t", "", "Claim only this task")
}

func runRun(cmd *cobra.Command, args []string) error {
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
	logger.Info("session started", "owner", ownerID, "repo", repo)

	// Surface interrupted work before claiming anything new.
	findings, err := rescue.Diagnose(ownerID)
	if err != nil {
		return err
	}
	for _, f := range findings {
		if f.Condition == recovery.ConditionCorruption {
			fmt.Fprintf(out, "WARNING: task %s has corrupt records (%s); an operator must resolve it\n",
				f.Task, f.Detail)
			continue
		}
		fmt.Fprintf(out, "Note: task %s was interrupted (%s); resume it with 'crewcoord resume %s'\n",
			f.Task, f.Condition, f.Task)
	}

	ctx := cmd.Context()

	task, err := cmd.Flags().GetString("task")
	if err != nil {
		return err
	}
	if task != "" {
		if err := coord.RunTask(ctx, task); err != nil {
			return err
		}
		fmt.Fprintf(out, "Task %s complete.\n", task)
		return nil
	}

	err = coord.Run(ctx)
	if errors.Is(err, coordinator.ErrNoTasks) {
		fmt.Fprintln(out, "Nothing to do: every configured task is completed or held elsewhere.")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "All claimable tasks complete.")
	return nil
}
