package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"crewcoord/internal/config"
	"crewcoord/internal/controldir"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the control directory and a default configuration",
	Long: `Create the .crewcoord control directory tree inside the repository and
write a default config.yaml. Safe to re-run; an existing configuration is
never overwritten.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	repo, err := repoRoot(cmd)
	if err != nil {
		return err
	}

	if err := controldir.Initialize(repo); err != nil {
		return err
	}

	cfgPath := controldir.ConfigPath(repo)
	if _, err := os.Stat(cfgPath); err == nil {
		fmt.Fprintf(out, "Control directory ready; existing configuration kept at %s\n", cfgPath)
		return nil
	}

	if err := config.Default().Save(cfgPath); err != nil {
		return err
	}
	fmt.Fprintf(out, "Initialized %s with a default configuration at %s\n",
		controldir.Root(repo), cfgPath)
	fmt.Fprintln(out, "Edit config.yaml to declare workers and tasks, then run 'crewcoord run'.")
	return nil
}
