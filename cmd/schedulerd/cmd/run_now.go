package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var runNowCmd = &cobra.Command{
	Use:   "run-now NAME",
	Short: "Fire a schedule on its next evaluation regardless of next_run",
	Long: `run-now flips the schedule's run_once flag. The owning runner on
whichever node currently holds the master lock picks it up on its next wake
and clears the flag before the single run it triggers.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRunNow(args[0])
	},
}

func init() {
	rootCmd.AddCommand(runNowCmd)
}

func runRunNow(name string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	repo, err := openRepository(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	ctx := context.Background()
	if _, err := repo.GetSchedule(ctx, name); err != nil {
		return fmt.Errorf("schedulerd: %q is not a known schedule: %w", name, err)
	}
	if err := repo.SetRunOnce(ctx, name, true); err != nil {
		return fmt.Errorf("schedulerd: set run_once on %q: %w", name, err)
	}
	fmt.Printf("%s: queued for immediate run\n", name)
	return nil
}
