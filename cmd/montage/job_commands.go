package main

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"montage/internal/api"
	"montage/internal/config"
	"montage/internal/store"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var (
		listingID string
		photos    []string
		tmpls     []string
		lat, lng  float64
		watermark string
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Queue a reel production job",
		Long: "Queue a reel production job for a listing. Photos are URLs or storage\n" +
			"references in display order; prefix one with ID= to pick its photo id.",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.SubmitRequest{
				ListingID: listingID,
				Templates: tmpls,
				Watermark: watermark,
			}
			for _, raw := range photos {
				req.Photos = append(req.Photos, parsePhotoFlag(raw))
			}
			latSet, lngSet := cmd.Flags().Changed("lat"), cmd.Flags().Changed("lng")
			if latSet != lngSet {
				return errors.New("--lat and --lng must be given together")
			}
			if latSet {
				req.Coordinates = &store.Coordinates{Lat: lat, Lng: lng}
			}
			return ctx.withJobs(func(jobs *api.JobService) error {
				job, err := jobs.Submit(cmd.Context(), req)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, job)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queued job %s for listing %s (%s)\n",
					job.ID, job.ListingID, strings.Join(job.Templates, ", "))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&listingID, "listing", "", "Listing identifier")
	cmd.Flags().StringArrayVar(&photos, "photo", nil, "Photo URL or ID=URL (repeatable)")
	cmd.Flags().StringSliceVarP(&tmpls, "template", "t", nil, "Template key (repeatable or comma-separated)")
	cmd.Flags().Float64Var(&lat, "lat", 0, "Listing latitude")
	cmd.Flags().Float64Var(&lng, "lng", 0, "Listing longitude")
	cmd.Flags().StringVar(&watermark, "watermark", "", "Watermark image overriding the template's")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the queued job as JSON")
	_ = cmd.MarkFlagRequired("listing")
	_ = cmd.MarkFlagRequired("photo")
	_ = cmd.MarkFlagRequired("template")
	return cmd
}

// parsePhotoFlag splits "id=url" when the part before '=' is a bare id.
func parsePhotoFlag(raw string) api.PhotoInput {
	raw = strings.TrimSpace(raw)
	if id, ref, ok := strings.Cut(raw, "="); ok && id != "" && !strings.ContainsAny(id, ":/?&") {
		return api.PhotoInput{ID: id, URL: ref}
	}
	return api.PhotoInput{URL: raw}
}

func newRegenerateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "regenerate JOB PHOTO...",
		Short: "Re-run a finished job for changed photos",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withJobs(func(jobs *api.JobService) error {
				job, err := jobs.Regenerate(cmd.Context(), args[0], api.RegenerateRequest{PhotoIDs: args[1:]})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s queued to regenerate %d photo(s)\n", job.ID, len(args)-1)
				return nil
			})
		},
	}
}

func newJobsCommand(ctx *commandContext) *cobra.Command {
	var (
		statuses []string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter []store.JobStatus
			for _, raw := range statuses {
				status, ok := store.ParseJobStatus(raw)
				if !ok {
					return fmt.Errorf("unknown status %q", raw)
				}
				filter = append(filter, status)
			}
			return ctx.withJobs(func(jobs *api.JobService) error {
				list, err := jobs.List(cmd.Context(), filter...)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, list)
				}
				out := cmd.OutOrStdout()
				if len(list) == 0 {
					fmt.Fprintln(out, "No jobs")
					return nil
				}
				colorize := shouldColorize(out)
				rows := make([][]string, 0, len(list))
				for _, job := range list {
					rows = append(rows, []string{
						job.ID,
						job.ListingID,
						colorJobStatus(job.Status, colorize),
						strconv.FormatFloat(job.Progress.Percent, 'f', 0, 64) + "%",
						strings.Join(job.Templates, ","),
						job.CreatedAt,
					})
				}
				fmt.Fprint(out, renderTable([]string{"ID", "Listing", "Status", "Progress", "Templates", "Created"}, rows, 3))
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Filter by status (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print jobs as JSON")
	return cmd
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show JOB",
		Short: "Show one job with its per-template results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withJobs(func(jobs *api.JobService) error {
				job, err := jobs.Describe(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, job)
				}
				printJob(cmd, job)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the job as JSON")
	return cmd
}

func newRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove JOB...",
		Short: "Delete finished or pending jobs from the store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(_ *config.Config, st *store.Store) error {
				out := cmd.OutOrStdout()
				for _, id := range args {
					if err := st.RemoveJob(cmd.Context(), id); err != nil {
						if errors.Is(err, store.ErrJobBusy) {
							return fmt.Errorf("job %s is processing; cancel it first", id)
						}
						return err
					}
					fmt.Fprintf(out, "Removed job %s\n", id)
				}
				return nil
			})
		},
	}
}

func printJob(cmd *cobra.Command, job *api.Job) {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)
	for _, line := range renderSectionHeader("Job "+job.ID, colorize) {
		fmt.Fprintln(out, line)
	}
	fmt.Fprintf(out, "Listing:   %s\n", job.ListingID)
	fmt.Fprintf(out, "Status:    %s\n", colorJobStatus(job.Status, colorize))
	fmt.Fprintf(out, "Progress:  %.0f%% %s", job.Progress.Percent, job.Progress.Stage)
	if job.Progress.Message != "" {
		fmt.Fprintf(out, " (%s)", job.Progress.Message)
	}
	fmt.Fprintln(out)
	if job.Primary != "" {
		fmt.Fprintf(out, "Primary:   %s %s\n", job.Primary, job.OutputURL)
	}
	if job.ErrorMessage != "" {
		fmt.Fprintf(out, "Error:     %s\n", job.ErrorMessage)
	}
	if job.MapError != "" {
		fmt.Fprintf(out, "Map:       %s\n", job.MapError)
	}
	if len(job.Results) == 0 {
		return
	}

	keys := make([]string, 0, len(job.Results))
	for key := range job.Results {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	rows := make([][]string, 0, len(keys))
	for _, key := range keys {
		res := job.Results[key]
		detail := res.OutputURL
		if res.Error != "" {
			detail = res.ErrorKind + ": " + res.Error
		}
		rows = append(rows, []string{
			key,
			colorJobStatus(res.Status, colorize),
			strconv.FormatFloat(res.DurationSeconds, 'f', 1, 64),
			yesNo(res.Cached),
			detail,
		})
	}
	fmt.Fprintln(out)
	fmt.Fprint(out, renderTable([]string{"Template", "Status", "Seconds", "Cached", "Output / Error"}, rows, 2))
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel JOB",
		Short: "Cancel a pending or running job (requires the daemon)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			if err := client.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancel requested for job %s\n", args[0])
			return nil
		},
	}
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
