package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/straddle/pkg/adapters/cloud"
	"github.com/openfroyo/straddle/pkg/adapters/onprem"
	"github.com/openfroyo/straddle/pkg/bootstrap"
	"github.com/openfroyo/straddle/pkg/credentials"
	"github.com/openfroyo/straddle/pkg/engine"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	documentPath   string
	statePath      string
	credentialsDir string
	credentialsEnv string
	policyPaths    []string
	knownHosts     string
	logLevel       string
	logFormat      string
	metricsAddr    string
	traceExporter  string
	traceEndpoint  string
	jsonOutput     bool
}

// providers builds the environment adapters and the bootstrap runner.
// Tests replace them with in-memory fakes.
type providers struct {
	adapters func(creds credentials.Provider, logger zerolog.Logger) engine.Adapters
	runner   func(creds credentials.Provider, opts bootstrap.Options, logger zerolog.Logger) engine.BootstrapRunner
}

func defaultProviders() providers {
	return providers{
		adapters: func(creds credentials.Provider, logger zerolog.Logger) engine.Adapters {
			ec2 := cloud.New(creds, nil, cloud.DefaultOptions(), logger)
			pve := onprem.New(creds, onprem.Options{Client: onprem.DefaultClientOptions()}, logger)
			return engine.Adapters{
				engine.TargetCloudNetwork:    ec2,
				engine.TargetCloudCompute:    ec2,
				engine.TargetCloudAddress:    ec2,
				engine.TargetOnPremContainer: pve,
			}
		},
		runner: func(creds credentials.Provider, opts bootstrap.Options, logger zerolog.Logger) engine.BootstrapRunner {
			return bootstrap.NewRunner(creds, nil, opts, logger)
		},
	}
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate, defaultProviders())
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string, p providers) *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "straddle",
		Short: "straddle - hybrid infrastructure provisioning",
		Long: `straddle provisions one deployment across a public cloud and an on-premises
hypervisor from a single desired-state document.

Features:
  - EC2 networks, instances and elastic addresses
  - Proxmox LXC containers
  - Cross-environment references resolved in dependency order
  - SSH bootstrap of fresh hosts (uploads and commands)
  - SQLite state for idempotent re-runs and teardown
  - Rego policies checked before every change`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.documentPath, "file", "f", "straddle.yaml", "desired-state document (.yaml, .json or .cue)")
	flags.StringVar(&opts.statePath, "state", "straddle.db", "SQLite state database path")
	flags.StringVar(&opts.credentialsDir, "credentials-dir", "", "directory of <name>.yaml credential files")
	flags.StringVar(&opts.credentialsEnv, "credentials-env-prefix", credentials.DefaultEnvPrefix, "environment variable prefix of credentials")
	flags.StringSliceVar(&opts.policyPaths, "policy", nil, "additional Rego policy file or directory")
	flags.StringVar(&opts.knownHosts, "known-hosts", "", "known_hosts file for bootstrap host key checking")
	flags.StringVar(&opts.logLevel, "log-level", logLevel, "log level (trace, debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "console", "log format (console, json)")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.StringVar(&opts.traceExporter, "trace-exporter", "none", "trace exporter (none, stdout, otlp)")
	flags.StringVar(&opts.traceEndpoint, "trace-endpoint", "localhost:4317", "OTLP collector endpoint")
	flags.BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand(opts, p))
	rootCmd.AddCommand(newPlanCommand(opts, p))
	rootCmd.AddCommand(newApplyCommand(opts, p))
	rootCmd.AddCommand(newDestroyCommand(opts, p))
	rootCmd.AddCommand(newGraphCommand(opts, p))
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}
