package cmds

import (
	"fmt"
	"os"

	"github.com/go-go-golems/svcship/pkg/render"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRenderCmd() *cobra.Command {
	var outFile string
	var noHash bool

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render the layer plan as a Dockerfile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			d, layers, err := loadAndPlan(opts, !noHash)
			if err != nil {
				return err
			}
			out := render.Dockerfile(d.Name, layers)
			if outFile == "" || outFile == "-" {
				_, err := fmt.Fprint(cmd.OutOrStdout(), out)
				return err
			}
			if err := os.WriteFile(outFile, []byte(out), 0o644); err != nil {
				return errors.Wrapf(err, "write %s", outFile)
			}
			log.Info().Str("path", outFile).Int("layers", len(layers)).Msg("rendered Dockerfile")
			return nil
		},
	}
	cmd.Flags().StringVarP(&outFile, "output-file", "O", "", "Write the Dockerfile here instead of stdout")
	cmd.Flags().BoolVar(&noHash, "no-hash", false, "Do not hash build context contents")
	return cmd
}
