package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var pauseCmd = &cobra.Command{
	Use:   "pause NAME",
	Short: "Mark a schedule inactive; its runner skips and advances next_run instead of firing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setScheduleActive(args[0], false)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume NAME",
	Short: "Mark a schedule active again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setScheduleActive(args[0], true)
	},
}

func init() {
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
}

func setScheduleActive(name string, active bool) error {
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
	if err := repo.SetActive(ctx, name, active); err != nil {
		return fmt.Errorf("schedulerd: set active on %q: %w", name, err)
	}
	fmt.Printf("%s: active=%t\n", name, active)
	return nil
}
