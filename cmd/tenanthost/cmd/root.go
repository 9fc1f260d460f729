// Package cmd implements the tenanthost command line.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/tenanthost/config"
)

// Version information
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// globalOptions are the flags shared by every subcommand.
type globalOptions struct {
	configFile string
}

func (o *globalOptions) load() (*config.Loaded, error) {
	return config.Load(o.configFile)
}

// NewRootCommand creates the root command for the tenanthost binary
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:   "tenanthost",
		Short: "Tenanthost - Multi-tenant microservice host",
		Long: `Tenanthost runs one tenant engine per tenant found in a shared
configuration store and keeps the engines in step with configuration changes.

Configuration is read from --config (YAML, TOML or JSON) and then from
TENANTHOST_* environment variables.`,
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "path to the host configuration file")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewResolveCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// NewVersionCommand creates the version command
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), PrintVersion())
		},
	}
}

// PrintVersion returns the version line
func PrintVersion() string {
	return fmt.Sprintf("tenanthost v%s (commit: %s, built on: %s)", Version, Commit, Date)
}
