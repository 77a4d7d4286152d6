package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"crewcoord/internal/controldir"
	"crewcoord/internal/ledger"
	"crewcoord/internal/lockfile"
	"crewcoord/internal/status"
	"crewcoord/internal/transcript"
)

var statusCmd = &cobra.Command{
	Use:   "status [task]",
	Short: "Show claimed tasks and their sub-workers",
	Long: `Without arguments, list every claimed task with its state, owner, and
time since last progress. With a task name, also show its sub-worker status
records and its audit transcript.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	repo, err := repoRoot(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(repo)
	if err != nil {
		return err
	}

	logger := newLogger(cmd)
	locks := lockfile.NewManager(repo, logger)

	if len(args) == 1 {
		return printTask(cmd, repo, args[0])
	}

	records, corrupt, err := locks.Scan()
	if err != nil {
		return err
	}
	if len(records) == 0 && len(corrupt) == 0 {
		fmt.Fprintln(out, "No claimed tasks.")
		return nil
	}

	staleness := time.Duration(cfg.Staleness)
	for _, rec := range records {
		age := time.Since(rec.UpdatedAt).Round(time.Second)
		line := fmt.Sprintf("%-20s %-20s owner=%s age=%s", rec.Task, rec.State, rec.OwnerID, age)
		if lockfile.IsStale(rec, staleness) {
			line += "  STALE"
			if !lockfile.OwnerAlive(rec) {
				line += " (owner dead, reclaimable)"
			}
		}
		fmt.Fprintln(out, line)
	}
	for _, task := range corrupt {
		fmt.Fprintf(out, "%-20s CORRUPT lock record\n", task)
	}
	return nil
}

func printTask(cmd *cobra.Command, repo, task string) error {
	out := cmd.OutOrStdout()
	logger := newLogger(cmd)
	locks := lockfile.NewManager(repo, logger)

	rec, err := locks.Load(task)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Task:   %s\nState:  %s\nOwner:  %s (pid %d)\nRisk:   %s\n",
		rec.Task, rec.State, rec.OwnerID, rec.PID, rec.Risk)

	workers, err := status.LoadAll(repo, task)
	if err != nil {
		return err
	}
	if len(workers) > 0 {
		fmt.Fprintln(out, "\nSub-workers:")
		for _, w := range workers {
			fmt.Fprintf(out, "  %-12s %-12s retries=%d updated=%s\n",
				w.Worker, w.Phase, w.RetryCount,
				time.Since(w.UpdatedAt).Round(time.Second))
		}
	}

	l, err := ledger.Read(controldir.EventLogPath(repo, task))
	if err != nil {
		return err
	}
	if len(l.Entries) > 0 {
		formatter := transcript.NewFormatter()
		fmt.Fprintln(out, "\nTranscript:")
		for _, e := range l.Entries {
			fmt.Fprintf(out, "  %s\n", formatter.FormatEntry(e))
		}
	}
	return nil
}
