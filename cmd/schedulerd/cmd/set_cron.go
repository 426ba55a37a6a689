package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskmesh/scheduler/src/cronexpr"
)

var setCronCmd = &cobra.Command{
	Use:   "set-cron NAME EXPR",
	Short: "Override a schedule's cron expression until cleared",
	Long: `set-cron persists a per-schedule override that takes effect without a
restart; the runner reloads it on its next evaluation. Pass an empty string
for EXPR to clear the override and fall back to the task's default.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSetCron(args[0], args[1])
	},
}

func init() {
	rootCmd.AddCommand(setCronCmd)
}

func runSetCron(name, expr string) error {
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
	sched, err := repo.GetSchedule(ctx, name)
	if err != nil {
		return fmt.Errorf("schedulerd: %q is not a known schedule: %w", name, err)
	}

	var override *string
	next := sched.NextRun
	if expr != "" {
		parsed, err := cronexpr.Parse(expr)
		if err != nil {
			return fmt.Errorf("schedulerd: invalid cron expression %q: %w", expr, err)
		}
		if n, ok := parsed.Next(time.Now().UTC()); ok {
			next = &n
		} else {
			next = nil
		}
		override = &expr
	}
	// Clearing back to the default cron: this out-of-process command has
	// no access to the task's default expression (the schedule row never
	// persists it, only the in-process runner's config does), so next_run
	// is left at its current value rather than wiped to null. The owning
	// runner recomputes it from the default cron the next time it fires or
	// skips a cycle.

	if err := repo.UpdateNextRun(ctx, name, override, next); err != nil {
		return fmt.Errorf("schedulerd: set cron override on %q: %w", name, err)
	}
	if override != nil {
		fmt.Printf("%s: cron overridden to %q\n", name, expr)
	} else {
		fmt.Printf("%s: cron override cleared\n", name)
	}
	return nil
}
