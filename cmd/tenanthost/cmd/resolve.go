package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/tenanthost"
)

// NewResolveCommand creates the resolve command, which classifies
// configuration paths the way the running host does.
func NewResolveCommand(opts *globalOptions) *cobra.Command {
	var globalPath, tenantsRoot string

	cmd := &cobra.Command{
		Use:   "resolve PATH...",
		Short: "Classify configuration paths as global or tenant scoped",
		Example: `  tenanthost resolve /instance/configuration.yaml
  tenanthost resolve --tenants-root /t /t/0f6c1f1e-6b55-4a57-a4a1-4ad2a1f1a3b2/engine.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := opts.load()
			if err != nil {
				return err
			}
			layout := loaded.Config.Layout()
			if cmd.Flags().Changed("global-path") {
				layout.GlobalPath = globalPath
			}
			if cmd.Flags().Changed("tenants-root") {
				layout.TenantsRoot = tenantsRoot
			}
			if err := layout.Validate(); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PATH\tSCOPE\tTENANT\tRELATIVE\tERROR")
			var failed int
			for _, p := range args {
				info, scope, err := layout.Compute(p)
				switch {
				case err != nil:
					failed++
					fmt.Fprintf(w, "%s\t%s\t-\t-\t%v\n", p, scope, err)
				case scope == tenanthost.PathScopeGlobal:
					kind := "global"
					if !layout.IsGlobalConfigurationPath(p) {
						kind = "global (ignored)"
					}
					fmt.Fprintf(w, "%s\t%s\t-\t-\t-\n", p, kind)
				default:
					rel := info.RelativePath
					if info.IsTenantRoot() {
						rel = "(root)"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t-\n", p, scope, info.TenantID, rel)
				}
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d paths could not be resolved", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&globalPath, "global-path", "", "override the global configuration path")
	cmd.Flags().StringVar(&tenantsRoot, "tenants-root", "", "override the tenants root")
	return cmd
}
