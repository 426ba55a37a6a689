package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List every registered schedule and its control-plane state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runList()
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList() error {
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
	schedules, err := repo.GetAllSchedules(ctx)
	if err != nil {
		return fmt.Errorf("schedulerd: list schedules: %w", err)
	}

	names := make([]string, 0, len(schedules))
	for name := range schedules {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tACTIVE\tRUN ONCE\tOVERRIDDEN CRON\tNEXT RUN")
	for _, name := range names {
		sched := schedules[name]
		override := "-"
		if sched.OverriddenCron != nil {
			override = *sched.OverriddenCron
		}
		next := "-"
		if sched.NextRun != nil {
			next = sched.NextRun.Format("2006-01-02T15:04:05Z07:00")
		}
		fmt.Fprintf(w, "%s\t%t\t%t\t%s\t%s\n", sched.Name, sched.Active, sched.RunOnce, override, next)
	}
	return w.Flush()
}
