package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"crewcoord/internal/config"
	"crewcoord/internal/controldir"
	"crewcoord/internal/coordinator"
	"crewcoord/internal/gitws"
	"crewcoord/internal/lockfile"
	"crewcoord/internal/recovery"
	"crewcoord/internal/workunit"
)

var rootCmd = &cobra.Command{
	Use:   "crewcoord",
	Short: "Task lifecycle coordinator for autonomous workers sharing one repository",
	Long: `crewcoord coordinates many autonomous workers operating on a single
versioned repository. Each task is claimed with an exclusive lock, developed
in an isolated workspace, and merged back into the trunk with linear history.

Running 'crewcoord' without a subcommand is equivalent to 'crewcoord run'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCmd.RunE(cmd, args)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(initCmd)

	rootCmd.PersistentFlags().StringP("repo", "r", ".", "Path to the shared repository root")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func newLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func repoRoot(cmd *cobra.Command) (string, error) {
	repo, err := cmd.Flags().GetString("repo")
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(repo)
	if err != nil {
		return "", fmt.Errorf("failed to resolve repository path: %w", err)
	}
	return abs, nil
}

// loadConfig reads and validates the control directory configuration,
// failing with a hint when the repository was never initialized.
func loadConfig(repo string) (*config.Config, error) {
	ok, err := controldir.IsInitialized(repo)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no %s directory in %s\n\nHint: run\n  crewcoord init",
			controldir.Name, repo)
	}

	cfg, err := config.Load(controldir.ConfigPath(repo))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildCoordinator wires a full session: a unique owner identity, the lock
// and workspace managers, the recovery engine, and one process runner per
// configured worker. Approvals come from the command's input stream.
func buildCoordinator(cmd *cobra.Command, repo string, cfg *config.Config, logger *slog.Logger) (*coordinator.Coordinator, *recovery.Engine, string) {
	ownerID := fmt.Sprintf("sess-%s-%s",
		time.Now().UTC().Format("20060102-150405"), uuid.New().String()[:8])

	locks := lockfile.NewManager(repo, logger)
	workspaces := gitws.NewManager(repo, cfg.Trunk, cfg.Gate.Cmd, logger)
	rescue := recovery.NewEngine(repo, locks, workspaces,
		time.Duration(cfg.Staleness), logger)

	runners := make(map[string]workunit.Runner, len(cfg.Workers))
	for name, wc := range cfg.Workers {
		runners[name] = workunit.NewProcessRunner(wc, logger)
	}

	approver := coordinator.NewConsoleApprover(cmd.InOrStdin(), cmd.OutOrStdout())
	coord := coordinator.New(repo, ownerID, cfg, locks, workspaces, rescue,
		runners, approver, logger)
	return coord, rescue, ownerID
}
