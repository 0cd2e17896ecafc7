package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"montage/internal/api"
	"montage/internal/cleanup"
	"montage/internal/config"
	"montage/internal/logging"
	"montage/internal/objectstore"
	"montage/internal/store"
)

func newCleanupCommand(ctx *commandContext) *cobra.Command {
	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Inspect and run registered cleanup tasks",
	}
	cleanupCmd.AddCommand(newCleanupListCommand(ctx))
	cleanupCmd.AddCommand(newCleanupRunCommand(ctx))
	return cleanupCmd
}

func newCleanupListCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending cleanup tasks in execution order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(_ *config.Config, st *store.Store) error {
				tasks, err := st.PendingCleanupTasks(cmd.Context())
				if err != nil {
					return err
				}
				views := api.FromCleanupTasks(tasks)
				if asJSON {
					return writeJSON(cmd, views)
				}
				out := cmd.OutOrStdout()
				if len(views) == 0 {
					fmt.Fprintln(out, "No pending cleanup tasks")
					return nil
				}
				rows := make([][]string, 0, len(views))
				for _, task := range views {
					rows = append(rows, []string{
						strconv.FormatInt(task.ID, 10),
						task.Kind,
						strconv.Itoa(task.Priority),
						strconv.Itoa(task.RetryCount),
						task.JobID,
						task.Path,
					})
				}
				fmt.Fprint(out, renderTable([]string{"ID", "Kind", "Priority", "Retries", "Job", "Path"}, rows, 0, 2, 3))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print tasks as JSON")
	return cmd
}

func newCleanupRunCommand(ctx *commandContext) *cobra.Command {
	var (
		force  bool
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute pending cleanup tasks now",
		Long: "Execute pending cleanup tasks. The running daemon performs the pass when\n" +
			"reachable; otherwise the pass runs in this process.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			ranIn := passDaemon
			result, err := client.RunCleanup(cmd.Context(), force)
			if errors.Is(err, errDaemonUnavailable) {
				ranIn = passLocal
				result, err = runLocalCleanup(cmd, ctx, force)
			}
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, newCleanupRunOutput(result, ranIn, force))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d, skipped %d, retrying %d, dropped %d\n",
				result.Deleted, result.Skipped, result.Retried, result.Dropped)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Run tasks even when their job is queued or processing")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the pass result as JSON")
	return cmd
}

func runLocalCleanup(cmd *cobra.Command, ctx *commandContext, force bool) (cleanup.Result, error) {
	var result cleanup.Result
	err := ctx.withStore(func(cfg *config.Config, st *store.Store) error {
		objects, err := objectstore.NewFileStore(cfg)
		if err != nil {
			return err
		}
		result, err = cleanup.New(cfg, st, objects, logging.NewNop()).ExecuteCleanup(cmd.Context(), force)
		return err
	})
	return result, err
}
