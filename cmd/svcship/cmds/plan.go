package cmds

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-go-golems/svcship/pkg/planner"
	"github.com/go-go-golems/svcship/pkg/render"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// planDocument is what `plan --output json` prints and what `--against`
// reads back.
type planDocument struct {
	Name   string          `json:"name,omitempty"`
	Layers []planner.Layer `json:"layers"`
	Reuse  *planner.Reuse  `json:"reuse,omitempty"`
}

func newPlanCmd() *cobra.Command {
	var output string
	var against string
	var noHash bool

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Compute the ordered, content-addressed layer plan",
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

			doc := planDocument{Name: d.Name, Layers: layers}
			if against != "" {
				prev, err := readPlan(against)
				if err != nil {
					return err
				}
				r := planner.Diff(prev.Layers, layers)
				doc.Reuse = &r
			}

			switch output {
			case "json":
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(doc)
			case "table":
				_, _ = fmt.Fprint(cmd.OutOrStdout(), render.Table(layers))
				if doc.Reuse != nil {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), reuseSummary(*doc.Reuse))
				}
				return nil
			default:
				return &usageError{err: errors.Errorf("unknown --output %q (json|table)", output)}
			}
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (json|table)")
	cmd.Flags().StringVar(&against, "against", "", "Previous plan (JSON) to compute cache reuse against")
	cmd.Flags().BoolVar(&noHash, "no-hash", false, "Do not hash build context contents (digests cover declarations only)")
	return cmd
}

func readPlan(path string) (planDocument, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return planDocument{}, errors.Wrapf(err, "read plan %s", path)
	}
	var doc planDocument
	if err := json.Unmarshal(b, &doc); err != nil {
		return planDocument{}, errors.Wrapf(err, "parse plan %s", path)
	}
	if err := planner.Validate(doc.Layers); err != nil {
		return planDocument{}, errors.Wrapf(err, "plan %s", path)
	}
	return doc, nil
}

func reuseSummary(r planner.Reuse) string {
	if r.FirstInvalidated < 0 {
		return fmt.Sprintf("cache: all %d layers reused", r.Reused)
	}
	return fmt.Sprintf("cache: %d reused, rebuild from layer %d (%d layers)", r.Reused, r.FirstInvalidated, r.Rebuilt)
}
