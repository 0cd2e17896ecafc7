package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"montage/internal/api"
	"montage/internal/assetcache"
	"montage/internal/config"
	"montage/internal/logging"
	"montage/internal/store"
)

func newCacheCommand(ctx *commandContext) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and invalidate the derived asset cache",
	}
	cacheCmd.AddCommand(newCacheListCommand(ctx))
	cacheCmd.AddCommand(newCacheInvalidateCommand(ctx))
	return cacheCmd
}

func newCacheListCommand(ctx *commandContext) *cobra.Command {
	var (
		assetType string
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached assets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(_ *config.Config, st *store.Store) error {
				var (
					assets []*store.CachedAsset
					err    error
				)
				if assetType != "" {
					assets, err = st.CachedAssetsByType(cmd.Context(), assetType)
				} else {
					assets, err = st.ListCachedAssets(cmd.Context())
				}
				if err != nil {
					return err
				}
				entries := api.FromCachedAssets(assets)
				if asJSON {
					return writeJSON(cmd, entries)
				}
				out := cmd.OutOrStdout()
				if len(entries) == 0 {
					fmt.Fprintln(out, "Cache is empty")
					return nil
				}
				rows := make([][]string, 0, len(entries))
				for _, e := range entries {
					rows = append(rows, []string{
						e.ID,
						e.Type,
						formatBytes(e.SizeBytes),
						strconv.FormatInt(e.HitCount, 10),
						e.AccessedAt,
					})
				}
				fmt.Fprint(out, renderTable([]string{"ID", "Type", "Size", "Hits", "Last Access"}, rows, 2, 3))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&assetType, "type", "", "Only list one asset type ("+assetcache.TypePhotoSegment+", "+assetcache.TypeMapClip+", "+assetcache.TypeTemplateRender+")")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print entries as JSON")
	return cmd
}

func newCacheInvalidateCommand(ctx *commandContext) *cobra.Command {
	var assetType string

	cmd := &cobra.Command{
		Use:   "invalidate [ID]",
		Short: "Remove one cache entry, or every entry of a type",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 0) == (assetType == "") {
				return errors.New("pass either an entry ID or --type")
			}
			return ctx.withStore(func(cfg *config.Config, st *store.Store) error {
				cache := assetcache.New(cfg, st, assetcache.StoreLocks(st), logging.NewNop())
				out := cmd.OutOrStdout()
				if assetType != "" {
					removed, err := cache.InvalidateByType(cmd.Context(), assetType)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "Removed %d %s entries\n", removed, assetType)
					return nil
				}
				if err := cache.Invalidate(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(out, "Removed cache entry %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&assetType, "type", "", "Invalidate every entry of this asset type")
	return cmd
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
