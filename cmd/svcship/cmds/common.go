package cmds

import (
	"os"
	"path/filepath"

	"github.com/go-go-golems/svcship/pkg/descriptor"
	"github.com/go-go-golems/svcship/pkg/patch"
	"github.com/go-go-golems/svcship/pkg/planner"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	ContextDir string
	Descriptor string
	Strict     bool
	Overrides  patch.ConfigPatch
}

func AddRootFlags(root *cobra.Command) {
	addRootFlags(root)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})
}

func addRootFlags(root *cobra.Command) {
	root.PersistentFlags().String("context", "", "Build context directory (defaults to current directory)")
	root.PersistentFlags().StringP("descriptor", "f", "", "Image descriptor (defaults to svcship.yaml under the context)")
	root.PersistentFlags().Bool("strict", false, "Reject descriptors whose layers are out of cache order instead of reordering")
	root.PersistentFlags().StringArray("set", nil, "Override a descriptor value (dotted.key=value, repeatable)")
	root.PersistentFlags().StringArray("unset", nil, "Remove a descriptor value (dotted.key, repeatable)")
	root.PersistentFlags().String("overrides", "", "YAML file of descriptor edits (set/unset); --set and --unset win over it")
}

func getRootOptions(cmd *cobra.Command) (rootOptions, error) {
	flags := cmd.Root().PersistentFlags()
	contextDir, err := flags.GetString("context")
	if err != nil {
		return rootOptions{}, err
	}
	if contextDir == "" {
		contextDir, err = os.Getwd()
		if err != nil {
			return rootOptions{}, err
		}
	}
	contextDir, err = filepath.Abs(contextDir)
	if err != nil {
		return rootOptions{}, err
	}

	descPath, err := flags.GetString("descriptor")
	if err != nil {
		return rootOptions{}, err
	}
	if descPath == "" {
		descPath = descriptor.DefaultPath(contextDir)
	} else if !filepath.IsAbs(descPath) {
		descPath = filepath.Join(contextDir, descPath)
	}

	strict, err := flags.GetBool("strict")
	if err != nil {
		return rootOptions{}, err
	}
	sets, err := flags.GetStringArray("set")
	if err != nil {
		return rootOptions{}, err
	}
	unsets, err := flags.GetStringArray("unset")
	if err != nil {
		return rootOptions{}, err
	}
	overrides, err := patch.ParseAssignments(sets, unsets)
	if err != nil {
		return rootOptions{}, &usageError{err: err}
	}
	overridesFile, err := flags.GetString("overrides")
	if err != nil {
		return rootOptions{}, err
	}
	if overridesFile != "" {
		fromFile, err := patch.LoadFile(overridesFile)
		if err != nil {
			return rootOptions{}, &usageError{err: err}
		}
		overrides = patch.Merge(fromFile, overrides)
	}

	return rootOptions{
		ContextDir: contextDir,
		Descriptor: descPath,
		Strict:     strict,
		Overrides:  overrides,
	}, nil
}

// loadAndPlan reads the descriptor and computes its plan. Load failures are
// reported as descriptor errors so they share an exit code with planning
// failures.
func loadAndPlan(opts rootOptions, hashSources bool) (*descriptor.Descriptor, []planner.Layer, error) {
	d, err := descriptor.LoadFromFile(opts.Descriptor, opts.Overrides)
	if err != nil {
		return nil, nil, &planner.DescriptorError{Layer: -1, Reason: err.Error()}
	}
	popts := planner.Options{Strict: opts.Strict}
	if hashSources {
		popts.Context = afero.NewReadOnlyFs(afero.NewBasePathFs(afero.NewOsFs(), opts.ContextDir))
	}
	layers, err := planner.Plan(*d, popts)
	if err != nil {
		return nil, nil, err
	}
	return d, layers, nil
}
