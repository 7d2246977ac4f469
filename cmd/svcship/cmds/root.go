package cmds

import (
	"github.com/spf13/cobra"
)

func AddCommands(root *cobra.Command) error {
	root.AddCommand(newPlanCmd())
	root.AddCommand(newRenderCmd())
	root.AddCommand(newValidateCmd())

	root.AddCommand(newServeCmd())
	root.AddCommand(newProbeCmd())
	root.AddCommand(newConfigCmd())
	return nil
}
