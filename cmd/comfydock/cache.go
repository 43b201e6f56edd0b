package main

import (
	"context"
	"fmt"
	"time"

	"github.com/comfydock/comfydock/internal/cache"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and prune the shared download cache",
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached downloads, most recently used first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := cache.Open(cfg.CacheDir, nil, logger.Named("cache"))
		if err != nil {
			return err
		}
		defer store.Close()

		entries, err := store.List(context.Background())
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Printf("Cache %s is empty\n", store.Root())
			return nil
		}
		var total int64
		for _, e := range entries {
			total += e.Size
			fmt.Printf("%s  %8s  %s  %s\n", e.Key[:12], formatBytes(e.Size), e.LastUsed.Local().Format("2006-01-02 15:04"), e.URL)
		}
		fmt.Printf("\n%d entries, %s in %s\n", len(entries), formatBytes(total), store.Root())
		return nil
	},
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove downloads not used recently",
	Long: `Remove cached downloads that no run has used within --older-than.

Examples:
  comfydock cache prune                    # Remove entries unused for 30 days
  comfydock cache prune --older-than 72h`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		if olderThan <= 0 {
			return usageErrorf("--older-than must be positive")
		}
		store, err := cache.Open(cfg.CacheDir, nil, logger.Named("cache"))
		if err != nil {
			return err
		}
		defer store.Close()

		removed, err := store.Prune(context.Background(), time.Now().Add(-olderThan))
		var freed int64
		for _, e := range removed {
			freed += e.Size
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Removed %d entries (%s)\n", green("✓"), len(removed), formatBytes(freed))
		return err
	},
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func init() {
	cachePruneCmd.Flags().Duration("older-than", 30*24*time.Hour, "Remove entries unused for longer than this")
	cacheCmd.AddCommand(cacheListCmd)
	cacheCmd.AddCommand(cachePruneCmd)
	rootCmd.AddCommand(cacheCmd)
}
