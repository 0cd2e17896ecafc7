package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"montage/internal/api"
	"montage/internal/config"
	"montage/internal/preflight"
	"montage/internal/store"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, worker, and dependency status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			status, err := client.Status(cmd.Context())
			if errors.Is(err, errDaemonUnavailable) {
				status, err = localStatus(cmd, ctx)
			}
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, status)
			}
			printStatus(cmd.OutOrStdout(), status, shouldColorize(cmd.OutOrStdout()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print status as JSON")
	return cmd
}

// localStatus builds a status snapshot from the store and local checks when
// no daemon is running.
func localStatus(cmd *cobra.Command, ctx *commandContext) (*api.DaemonStatus, error) {
	status := &api.DaemonStatus{}
	err := ctx.withStore(func(cfg *config.Config, st *store.Store) error {
		stats, err := st.Stats(cmd.Context())
		if err != nil {
			return err
		}
		status.DatabasePath = cfg.DatabasePath()
		health, err := st.CheckHealth(cmd.Context())
		if err != nil && health.Error == "" {
			health.Error = err.Error()
		}
		status.Database = &health
		status.LockFilePath = cfg.LockPath()
		status.Worker.JobStats = make(map[string]int, len(stats))
		for k, v := range stats {
			status.Worker.JobStats[string(k)] = v
		}
		for _, res := range preflight.RunAll(cmd.Context(), cfg) {
			status.Dependencies = append(status.Dependencies, api.DependencyStatus{Name: res.Name, Passed: res.Passed, Detail: res.Detail})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

func printStatus(out io.Writer, status *api.DaemonStatus, colorize bool) {
	for _, line := range renderSectionHeader("System Status", colorize) {
		fmt.Fprintln(out, line)
	}
	if status.Running {
		fmt.Fprintln(out, renderStatusLine("Daemon", statusOK, "running (pid "+strconv.Itoa(status.PID)+")", colorize))
	} else {
		fmt.Fprintln(out, renderStatusLine("Daemon", statusWarn, "not running", colorize))
	}
	fmt.Fprintln(out, renderStatusLine("Database", databaseKind(status.Database), databaseDetail(status), colorize))
	if status.Encoder != "" {
		fmt.Fprintln(out, renderStatusLine("Encoder", statusInfo, status.Encoder, colorize))
	}
	if status.Running {
		workerKind, detail := statusOK, fmt.Sprintf("%d/%d slots busy, %d finished", len(status.Worker.ActiveJobs), status.Worker.Slots, status.Worker.Finished)
		if status.Worker.LastError != "" {
			workerKind = statusWarn
			detail += "; last error: " + status.Worker.LastError
		}
		fmt.Fprintln(out, renderStatusLine("Worker", workerKind, detail, colorize))
		if len(status.Worker.ActiveJobs) > 0 {
			fmt.Fprintln(out, renderStatusLine("Active jobs", statusInfo, strings.Join(status.Worker.ActiveJobs, ", "), colorize))
		}
	}
	for _, s := range store.AllJobStatuses() {
		label := "Jobs " + string(s)
		fmt.Fprintln(out, renderStatusLine(label, jobStatusKind(string(s)), strconv.Itoa(status.Worker.JobStats[string(s)]), colorize))
	}

	fmt.Fprintln(out)
	for _, line := range renderSectionHeader("Dependencies", colorize) {
		fmt.Fprintln(out, line)
	}
	for _, dep := range status.Dependencies {
		kind := statusOK
		if !dep.Passed {
			kind = statusError
		}
		fmt.Fprintln(out, renderStatusLine(dep.Name, kind, dep.Detail, colorize))
	}
}

func databaseKind(health *store.DatabaseHealth) statusKind {
	switch {
	case health == nil:
		return statusInfo
	case health.Error != "" || (health.DatabaseExists && !health.DatabaseReadable):
		return statusError
	default:
		return statusOK
	}
}

func databaseDetail(status *api.DaemonStatus) string {
	health := status.Database
	if health == nil {
		return status.DatabasePath
	}
	if health.Error != "" {
		return fmt.Sprintf("%s (%s)", status.DatabasePath, health.Error)
	}
	return fmt.Sprintf("%s (schema v%d, %d cached assets, %d cleanup pending, %d locks held)",
		status.DatabasePath, health.SchemaVersion, health.CachedAssets, health.PendingCleanup, health.HeldLocks)
}

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var (
		jobID  string
		follow bool
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print recent daemon log events",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			var since uint64
			for {
				resp, err := client.Logs(cmd.Context(), since, jobID, follow)
				if err != nil {
					if cmd.Context().Err() != nil {
						return nil
					}
					return err
				}
				for _, evt := range resp.Events {
					fmt.Fprintln(out, formatLogEvent(evt.Timestamp, evt.Level, evt.Component, evt.JobID, evt.Message))
				}
				since = resp.Next
				if !follow {
					return nil
				}
			}
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "Only show events for this job")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep streaming new events")
	return cmd
}

func formatLogEvent(ts time.Time, level, component, jobID, message string) string {
	var b strings.Builder
	b.WriteString(ts.Local().Format("15:04:05"))
	b.WriteString(" ")
	b.WriteString(fmt.Sprintf("%-5s", strings.ToUpper(level)))
	if component != "" {
		b.WriteString(" [" + component + "]")
	}
	if jobID != "" {
		b.WriteString(" job=" + jobID)
	}
	b.WriteString(" " + message)
	return b.String()
}
