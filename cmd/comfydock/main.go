// Command comfydock captures a ComfyUI installation into a portable manifest
// and recreates installations from one.
package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/comfydock/comfydock/internal/command"
	"github.com/comfydock/comfydock/internal/config"
	"github.com/comfydock/comfydock/internal/diag"
	"github.com/comfydock/comfydock/internal/git"
	"github.com/comfydock/comfydock/internal/registry"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "comfydock",
	Short: "Capture and recreate ComfyUI installations",
	Long: `comfydock records a working ComfyUI installation (interpreter, tensor
library, packages and custom nodes) in a small manifest, and rebuilds an
equivalent installation from that manifest on another machine.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		logger, err = newLogger(verbose)
		if err != nil {
			return fmt.Errorf("creating logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the config file (default: $COMFYDOCK_CONFIG, ./.comfydock.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fatal(err)
	}
}

// newLogger logs warnings and errors to stderr, everything with --verbose.
func newLogger(debug bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if debug {
		zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return zc.Build()
}

// exitCode is 2 when the input was rejected before anything ran, 1 for every
// other failure.
func exitCode(err error) int {
	switch diag.KindOf(err) {
	case diag.SchemaInvalid, diag.TargetNotEmpty:
		return 2
	}
	var usage *usageError
	if errors.As(err, &usage) {
		return 2
	}
	return 1
}

// usageError marks bad flags or arguments.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usageErrorf(format string, args ...interface{}) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

// fatal prints err with a red marker and exits.
func fatal(err error) {
	red := color.New(color.FgRed).SprintFunc()
	fmt.Fprintf(os.Stderr, "%s Error: %v\n", red("✗"), err)
	if logger != nil {
		_ = logger.Sync()
	}
	os.Exit(exitCode(err))
}

func newRunner() command.Runner {
	return command.NewExecRunner(logger.Named("exec"))
}

func newGit(runner command.Runner) *git.Git {
	return git.New(cfg.GitPath, runner)
}

// validatorOptions applies the configured HTTP, retry and rate settings.
func validatorOptions(name string) []registry.Option {
	r := cfg.Validation.Retry
	policy := registry.DefaultRetryPolicy()
	policy.MaxAttempts = r.MaxAttempts
	policy.BaseDelay = r.BaseDelay
	policy.MaxDelay = r.MaxDelay
	policy.Jitter = r.Jitter
	policy.Timeout = r.Timeout
	return []registry.Option{
		registry.WithHTTPClient(&http.Client{Timeout: 2 * time.Minute}),
		registry.WithRetryPolicy(policy),
		registry.WithRateLimit(cfg.Validation.RequestsPerSecond),
		registry.WithLogger(logger.Named(name)),
	}
}

func newRegistry() *registry.RegistryValidator {
	return registry.NewRegistryValidator(cfg.RegistryURL, validatorOptions("registry")...)
}

func newSourceHost() *registry.SourceHostValidator {
	opts := validatorOptions("sourcehost")
	if cfg.GitHubToken != "" {
		opts = append(opts, registry.WithToken(cfg.GitHubToken))
	}
	return registry.NewSourceHostValidator(cfg.SourceHostURL, opts...)
}

// printDiagnostics prints warnings in yellow and errors in red.
func printDiagnostics(warnings, errs []diag.Diagnostic) {
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	if len(warnings) > 0 {
		fmt.Printf("\n%s %d warning(s):\n", yellow("⚠"), len(warnings))
		for _, w := range warnings {
			fmt.Printf("  - %s\n", w)
		}
	}
	for _, e := range errs {
		fmt.Printf("%s %s\n", red("✗"), e)
	}
}
