package main

import (
	"fmt"
	"os"

	"github.com/comfydock/comfydock/internal/manifest"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate <manifest>",
	Short: "Check a manifest without recreating it",
	Long: `Parse a manifest and check its schema version, field formats, size and
the omission of empty values. Entries that point at paths on the capturing
machine are listed as hazards. Nothing is installed or modified.

Exit status is 0 for a valid manifest and 2 for an invalid one.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return usageErrorf("reading manifest: %v", err)
		}
		m, err := manifest.Decode(data)
		if err != nil {
			return err
		}
		empty, err := manifest.EmptyValues(data)
		if err != nil {
			return err
		}

		green := color.New(color.FgGreen).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		fmt.Printf("%s %s is a valid schema %s manifest\n", green("✓"), args[0], m.SchemaVersion)
		fmt.Printf("  Size:         %d/%d bytes\n", len(data), manifest.MaxSize)
		fmt.Printf("  Python:       %s\n", m.SystemInfo.PythonVersion)
		fmt.Printf("  ComfyUI:      %s\n", m.SystemInfo.ComfyUIVersion)
		fmt.Printf("  Custom nodes: %d\n", len(m.CustomNodes))
		if len(m.PlatformOverrides) > 0 {
			fmt.Printf("  Overrides:    %d platform(s)\n", len(m.PlatformOverrides))
		}
		for _, path := range empty {
			fmt.Printf("%s %s is empty and should be omitted\n", yellow("⚠"), path)
		}
		for _, h := range m.LocalHazards() {
			fmt.Printf("%s %s\n", yellow("⚠"), h)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
