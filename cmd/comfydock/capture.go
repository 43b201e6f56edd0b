package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/comfydock/comfydock/internal/capture"
	"github.com/comfydock/comfydock/internal/manifest"
	"github.com/comfydock/comfydock/internal/packages"
	"github.com/comfydock/comfydock/internal/plugins"
	"github.com/comfydock/comfydock/internal/system"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var captureCmd = &cobra.Command{
	Use:   "capture <installation>",
	Short: "Record an installation in a manifest",
	Long: `Detect the interpreter, tensor library, packages and custom nodes of a
ComfyUI installation and write three files to the output directory:

  manifest.json         the size-bounded manifest (at most 5120 bytes)
  detection_log.json    everything detection found, for debugging
  requirements.txt      a plain package list

An existing manifest is never replaced unless --overwrite is given.

Examples:
  comfydock capture ~/ComfyUI                       # Capture into the current directory
  comfydock capture ~/ComfyUI -o snapshots/today    # Capture into a directory
  comfydock capture ~/ComfyUI --validate            # Check nodes against the registry
  comfydock capture ~/ComfyUI --python ~/venv/bin/python`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		python, _ := cmd.Flags().GetString("python")
		outputDir, _ := cmd.Flags().GetString("output")
		validate, _ := cmd.Flags().GetBool("validate")
		overwrite, _ := cmd.Flags().GetBool("overwrite")
		overridesPath, _ := cmd.Flags().GetString("platform-overrides")

		overrides, err := loadOverrides(overridesPath)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		runner := newRunner()
		g := newGit(runner)
		reg := newRegistry()
		host := newSourceHost()
		resolver := capture.NewResolver(reg, host, cfg.Validation.Workers, logger.Named("resolve"))
		c := capture.New(
			system.NewDetector(runner, g, logger.Named("system")),
			packages.NewDetector(runner, cfg.UVPath, logger.Named("packages")),
			plugins.NewScanner(g, logger.Named("plugins")),
			resolver,
			logger.Named("capture"),
		)
		c.RegistryCircuit = func() string { return reg.CircuitState().String() }
		c.HostCircuit = func() string { return host.CircuitState().String() }

		cyan := color.New(color.FgCyan).SprintFunc()
		fmt.Printf("%s Capturing %s\n", cyan("→"), args[0])
		if validate {
			fmt.Printf("  Validating nodes against %s and %s\n", cfg.RegistryURL, cfg.SourceHostURL)
		}

		res, err := c.Run(ctx, capture.Options{
			Installation:      args[0],
			Python:            python,
			Validate:          validate,
			OutputDir:         outputDir,
			Overwrite:         overwrite,
			PlatformOverrides: overrides,
			Generator:         "comfydock " + version,
		})
		if err != nil {
			return err
		}
		printCaptureSummary(res)
		return nil
	},
}

func printCaptureSummary(res *capture.Result) {
	green := color.New(color.FgGreen).SprintFunc()
	m := res.Manifest
	si := m.SystemInfo

	fmt.Printf("\n%s Captured ComfyUI %s\n", green("✓"), si.ComfyUIVersion)
	fmt.Printf("  Python:        %s\n", si.PythonVersion)
	if si.TorchVersion != "" {
		cuda := si.CUDAVersion
		if cuda == "" {
			cuda = "unknown"
		}
		fmt.Printf("  Torch:         %s (CUDA %s)\n", si.TorchVersion, cuda)
	}
	pkgCount := 0
	if m.Dependencies != nil {
		pkgCount = len(m.Dependencies.Packages)
		if m.Dependencies.PyTorch != nil {
			pkgCount += len(m.Dependencies.PyTorch.Packages)
		}
	}
	fmt.Printf("  Packages:      %d\n", pkgCount)
	fmt.Printf("  Custom nodes:  %d\n", len(m.CustomNodes))
	if n := len(res.Log.UnresolvedNodes); n > 0 {
		fmt.Printf("  Unresolved:    %d (see detection log)\n", n)
	}
	fmt.Printf("  Manifest:      %s (%d/%d bytes)\n", res.ManifestPath, res.Size, manifest.MaxSize)
	fmt.Printf("  Detection log: %s\n", res.LogPath)
	fmt.Printf("  Package list:  %s\n", res.RequirementsPath)
	printDiagnostics(res.Log.Warnings, nil)
}

// loadOverrides reads platform overrides from a YAML or JSON file keyed by
// platform name.
func loadOverrides(path string) (map[string]manifest.PlatformOverride, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, usageErrorf("reading platform overrides: %v", err)
	}
	var overrides map[string]manifest.PlatformOverride
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, usageErrorf("parsing platform overrides %s: %v", path, err)
	}
	return overrides, nil
}

func init() {
	captureCmd.Flags().String("python", "", "Interpreter that runs the installation (default: auto-detect)")
	captureCmd.Flags().StringP("output", "o", ".", "Directory for the manifest, detection log and package list")
	captureCmd.Flags().Bool("validate", false, "Check nodes against the node registry and source host")
	captureCmd.Flags().Bool("overwrite", false, "Replace an existing manifest in the output directory")
	captureCmd.Flags().String("platform-overrides", "", "YAML or JSON file of per-platform package overrides to record")
	rootCmd.AddCommand(captureCmd)
}
