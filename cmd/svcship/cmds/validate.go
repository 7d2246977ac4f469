package cmds

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check that the descriptor produces a valid plan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			_, layers, err := loadAndPlan(opts, false)
			if err != nil {
				return err
			}
			top := layers[len(layers)-1]
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "ok: %d layers, %s\n", len(layers), top.Digest)
			return err
		},
	}
}
