package cmds

import (
	"encoding/json"
	"fmt"

	"github.com/go-go-golems/svcship/pkg/config"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the resolved runtime configuration (secrets redacted)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			switch output {
			case "env":
				env := cfg.Env()
				for _, k := range config.SortedKeys(env) {
					if _, err := fmt.Fprintf(w, "%s=%s\n", k, env[k]); err != nil {
						return err
					}
				}
				return nil
			case "json":
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(cfg)
			default:
				return &usageError{err: errors.Errorf("unknown --output %q (env|json)", output)}
			}
		},
	}
	addRuntimeFlags(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "env", "Output format (env|json)")
	return cmd
}
