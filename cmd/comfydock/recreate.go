package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/comfydock/comfydock/internal/cache"
	"github.com/comfydock/comfydock/internal/manifest"
	"github.com/comfydock/comfydock/internal/packages"
	"github.com/comfydock/comfydock/internal/recreate"
	"github.com/comfydock/comfydock/internal/uv"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var recreateCmd = &cobra.Command{
	Use:   "recreate <manifest> <target>",
	Short: "Build a fresh installation from a manifest",
	Long: `Recreate an installation from a manifest into an empty target directory:

  1. Lay out the target and clone ComfyUI at the recorded version
  2. Provision the exact recorded Python and create an environment
  3. Install the tensor library from its own index
  4. Install packages, then vcs packages, then editable installs
  5. Install custom nodes in install_order batches
  6. Optionally re-detect packages and report mismatches

A custom node that fails to install is reported as a warning; the other
nodes are still installed. Interpreter, toolkit and package failures stop
the run. Progress is recorded in <target>/.comfydock/recreate.json.

Examples:
  comfydock recreate manifest.json ~/envs/comfy-copy
  comfydock recreate manifest.json ~/envs/comfy-copy --validate
  comfydock recreate manifest.json ./env --overwrite --cache-dir /mnt/shared/comfydock
  comfydock recreate manifest.json ./env --cache-dir ~/.cache/comfydock --cache-dir /mnt/team/comfydock`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		overwrite, _ := cmd.Flags().GetBool("overwrite")
		validate, _ := cmd.Flags().GetBool("validate")
		cacheDirs, _ := cmd.Flags().GetStringSlice("cache-dir")
		workers, _ := cmd.Flags().GetInt("workers")
		asJSON, _ := cmd.Flags().GetBool("json")
		if len(cacheDirs) == 0 {
			cacheDirs = []string{cfg.CacheDir}
		}
		if workers <= 0 {
			workers = cfg.Recreate.PluginWorkers
		}

		// Schema problems stop the run before anything is touched.
		m, err := manifest.Load(args[0])
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		// The first cache is written; the rest are only read from.
		store, err := cache.Open(cacheDirs[0], nil, logger.Named("cache"))
		if err != nil {
			return err
		}
		defer store.Close()
		store.ReadThrough(cacheDirs[1:]...)

		runner := newRunner()
		r := recreate.New(recreate.Config{
			Runner:   runner,
			Git:      newGit(runner),
			Cache:    store,
			Registry: newRegistry(),
			Packages: packages.NewDetector(runner, cfg.UVPath, logger.Named("packages")),
			UV: uv.Options{
				Path:      cfg.UVPath,
				CacheDir:  store.UVCacheDir(),
				PythonDir: store.PythonDir(),
			},
			ApplicationRepo: cfg.ApplicationRepo,
			PluginWorkers:   workers,
			Logger:          logger.Named("recreate"),
		})

		if !asJSON {
			cyan := color.New(color.FgCyan).SprintFunc()
			fmt.Printf("%s Recreating ComfyUI %s (Python %s) in %s\n",
				cyan("→"), m.SystemInfo.ComfyUIVersion, m.SystemInfo.PythonVersion, args[1])
			for _, h := range m.LocalHazards() {
				fmt.Printf("  %s %s\n", color.YellowString("⚠"), h)
			}
		}

		res, err := r.Recreate(ctx, m, recreate.Options{
			Target:       args[1],
			ManifestPath: args[0],
			Overwrite:    overwrite,
			Validate:     validate,
		})
		if res != nil {
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(res); encErr != nil {
					return encErr
				}
			} else {
				printRecreateSummary(res)
			}
		}
		return err
	},
}

func printRecreateSummary(res *recreate.EnvironmentResult) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	fmt.Println()
	if res.Success {
		fmt.Printf("%s Recreated environment in %s\n", green("✓"), res.Elapsed.Round(time.Second))
	} else {
		fmt.Printf("%s Recreate stopped in state %s\n", red("✗"), res.State)
	}
	fmt.Printf("  Target:       %s\n", res.EnvRoot)
	if res.Python != "" {
		fmt.Printf("  Interpreter:  %s\n", res.Python)
	}
	fmt.Printf("  Packages:     %d\n", len(res.InstalledPackages))
	fmt.Printf("  Custom nodes: %d\n", len(res.InstalledPlugins))
	if len(res.PlatformOverrides) > 0 {
		fmt.Printf("  Overrides:    %v\n", res.PlatformOverrides)
	}
	// The fatal error itself is printed by main.
	printDiagnostics(res.Warnings, nil)
}

func init() {
	recreateCmd.Flags().Bool("overwrite", false, "Replace a non-empty target directory")
	recreateCmd.Flags().Bool("validate", false, "Re-detect packages afterwards and report version mismatches")
	recreateCmd.Flags().StringSlice("cache-dir", nil, "Shared download and interpreter cache; later entries are read-through caches (default from config)")
	recreateCmd.Flags().Int("workers", 0, "Custom nodes installed at once within an install_order batch (default from config)")
	recreateCmd.Flags().Bool("json", false, "Print the result as JSON")
	rootCmd.AddCommand(recreateCmd)
}
