package planner

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-go-golems/svcship/pkg/descriptor"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func sampleDescriptor() descriptor.Descriptor {
	return descriptor.Descriptor{
		Name: "web",
		Layers: []descriptor.Layer{
			{Kind: descriptor.KindBase, Image: "python:3.12-slim"},
			{Kind: descriptor.KindOSPackages, Run: "apt-get update && apt-get install -y curl"},
			{Kind: descriptor.KindDependencyManifest, Sources: []string{"requirements.txt"}},
			{Kind: descriptor.KindDependencyInstall, Run: "pip install -r requirements.txt"},
			{Kind: descriptor.KindApplicationSource, Sources: []string{"."}, Exclude: []string{"requirements.txt", ".git"}},
		},
		Runtime: descriptor.Runtime{
			Workdir:    "/app",
			Port:       8080,
			User:       "app",
			Env:        map[string]string{"PYTHONUNBUFFERED": "1"},
			Entrypoint: []string{"svcship", "serve"},
			Healthcheck: &descriptor.Healthcheck{
				Path:     "/",
				Interval: 30 * time.Second,
				Timeout:  3 * time.Second,
				Retries:  3,
			},
		},
	}
}

func writeContext(t *testing.T, files map[string]string) (string, afero.Fs) {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	return dir, afero.NewBasePathFs(afero.NewOsFs(), dir)
}

func indexOfKind(layers []Layer, k descriptor.Kind) int {
	for i, l := range layers {
		if l.Kind == k {
			return i
		}
	}
	return -1
}

func TestPlan_InstallPrecedesSource(t *testing.T) {
	shuffled := sampleDescriptor()
	shuffled.Layers = []descriptor.Layer{
		shuffled.Layers[4],
		shuffled.Layers[3],
		shuffled.Layers[0],
		shuffled.Layers[2],
		shuffled.Layers[1],
	}

	for name, d := range map[string]descriptor.Descriptor{
		"ordered":  sampleDescriptor(),
		"shuffled": shuffled,
	} {
		t.Run(name, func(t *testing.T) {
			layers, err := Plan(d, Options{})
			require.NoError(t, err)
			install := indexOfKind(layers, descriptor.KindDependencyInstall)
			source := indexOfKind(layers, descriptor.KindApplicationSource)
			require.GreaterOrEqual(t, install, 0)
			require.Less(t, install, source)
			require.Equal(t, descriptor.KindBase, layers[0].Kind)
			require.Equal(t, descriptor.KindRuntimeMetadata, layers[len(layers)-1].Kind)
			require.NoError(t, Validate(layers))
		})
	}
}

func TestPlan_StrictRejectsMisorderedDescriptor(t *testing.T) {
	d := sampleDescriptor()
	d.Layers[3], d.Layers[4] = d.Layers[4], d.Layers[3]

	_, err := Plan(d, Options{Strict: true})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrDescriptor))

	var de *DescriptorError
	require.True(t, errors.As(err, &de))
	require.Equal(t, 4, de.Layer)
}

func TestPlan_SourceChangeKeepsPrefix(t *testing.T) {
	dir, fs := writeContext(t, map[string]string{
		"requirements.txt": "fastapi==0.110\n",
		"app.py":           "print('v1')\n",
		"pkg/util.py":      "X = 1\n",
	})

	before, err := Plan(sampleDescriptor(), Options{Context: fs})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.py"), []byte("print('v2')\n"), 0o644))
	after, err := Plan(sampleDescriptor(), Options{Context: fs})
	require.NoError(t, err)

	source := indexOfKind(after, descriptor.KindApplicationSource)
	require.Equal(t, before[:source], after[:source])
	require.NotEqual(t, before[source].Digest, after[source].Digest)

	r := Diff(before, after)
	require.Equal(t, source, r.Reused)
	require.Equal(t, source, r.FirstInvalidated)
	require.Equal(t, len(after)-source, r.Rebuilt)
}

func TestPlan_ExcludedFilesDoNotAffectSourceLayer(t *testing.T) {
	dir, fs := writeContext(t, map[string]string{
		"requirements.txt": "fastapi==0.110\n",
		"app.py":           "print('v1')\n",
		".git/HEAD":        "ref: refs/heads/main\n",
	})

	before, err := Plan(sampleDescriptor(), Options{Context: fs})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("ref: refs/heads/dev\n"), 0o644))
	after, err := Plan(sampleDescriptor(), Options{Context: fs})
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.Equal(t, -1, Diff(before, after).FirstInvalidated)
}

func TestPlan_ManifestChangeInvalidatesInstall(t *testing.T) {
	dir, fs := writeContext(t, map[string]string{
		"requirements.txt": "fastapi==0.110\n",
		"app.py":           "print('v1')\n",
	})
	before, err := Plan(sampleDescriptor(), Options{Context: fs})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte("fastapi==0.111\n"), 0o644))
	after, err := Plan(sampleDescriptor(), Options{Context: fs})
	require.NoError(t, err)

	manifest := indexOfKind(after, descriptor.KindDependencyManifest)
	require.Equal(t, manifest, Diff(before, after).FirstInvalidated)
	// the source layer excludes requirements.txt, so its own content is unchanged
	source := indexOfKind(after, descriptor.KindApplicationSource)
	require.Equal(t, before[source].Content, after[source].Content)
}

func TestPlan_MissingSourceInContext(t *testing.T) {
	_, fs := writeContext(t, map[string]string{"app.py": "x"})
	_, err := Plan(sampleDescriptor(), Options{Context: fs})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrDescriptor))
	require.Contains(t, err.Error(), "requirements.txt")
}

func TestPlan_DescriptorErrors(t *testing.T) {
	cases := map[string]func(d *descriptor.Descriptor){
		"manifest absent": func(d *descriptor.Descriptor) {
			d.Layers = append(d.Layers[:2], d.Layers[3:]...)
		},
		"two manifests": func(d *descriptor.Descriptor) {
			d.Layers = append(d.Layers, descriptor.Layer{Kind: descriptor.KindDependencyManifest, Sources: []string{"poetry.lock"}})
		},
		"manifest without sources": func(d *descriptor.Descriptor) {
			d.Layers[2].Sources = nil
		},
		"no base": func(d *descriptor.Descriptor) {
			d.Layers = d.Layers[1:]
		},
		"overlapping paths": func(d *descriptor.Descriptor) {
			d.Layers[4].Exclude = nil
		},
		"same path twice": func(d *descriptor.Descriptor) {
			d.Layers[4].Sources = []string{"requirements.txt"}
			d.Layers[4].Exclude = nil
		},
		"directory overlap": func(d *descriptor.Descriptor) {
			d.Layers[1].Sources = []string{"deploy/apt"}
			d.Layers[4].Sources = []string{"deploy"}
			d.Layers[4].Exclude = nil
		},
		"invalid env name": func(d *descriptor.Descriptor) {
			d.Runtime.Env["1-BAD"] = "x"
		},
		"env with newline": func(d *descriptor.Descriptor) {
			d.Runtime.Env["MOTD"] = "hello\nworld"
		},
		"escaping path": func(d *descriptor.Descriptor) {
			d.Layers[4].Sources = []string{"../secrets"}
		},
		"absolute path": func(d *descriptor.Descriptor) {
			d.Layers[4].Sources = []string{"/etc"}
		},
		"unknown kind": func(d *descriptor.Descriptor) {
			d.Layers[1].Kind = "vendor"
		},
		"declared metadata": func(d *descriptor.Descriptor) {
			d.Layers = append(d.Layers, descriptor.Layer{Kind: descriptor.KindRuntimeMetadata, Run: "LABEL a=b"})
		},
		"second image": func(d *descriptor.Descriptor) {
			d.Layers = append(d.Layers, descriptor.Layer{Kind: descriptor.KindBase, Image: "alpine"})
		},
		"image on non-base": func(d *descriptor.Descriptor) {
			d.Layers[1].Image = "alpine"
		},
		"empty layer": func(d *descriptor.Descriptor) {
			d.Layers[3].Run = ""
		},
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			d := sampleDescriptor()
			mutate(&d)
			_, err := Plan(d, Options{})
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrDescriptor), "got %v", err)
		})
	}
}

func TestPlan_DoesNotMutateDescriptor(t *testing.T) {
	d := sampleDescriptor()
	d.Layers[4].Sources = []string{"./src/../."}
	snapshot := d.Clone()

	_, err := Plan(d, Options{})
	require.NoError(t, err)
	require.Equal(t, snapshot, d)
}

func TestPlan_Instructions(t *testing.T) {
	layers, err := Plan(sampleDescriptor(), Options{})
	require.NoError(t, err)

	require.Equal(t, "FROM python:3.12-slim\nWORKDIR /app", layers[0].Instruction)
	require.Equal(t, `COPY ["requirements.txt", "./"]`, layers[2].Instruction)
	require.Equal(t, `COPY --exclude=requirements.txt --exclude=.git [".", "./"]`, layers[4].Instruction)

	meta := layers[len(layers)-1].Instruction
	require.Equal(t, strings.Join([]string{
		`ENV PORT="8080"`,
		`ENV PYTHONUNBUFFERED="1"`,
		`EXPOSE 8080`,
		`USER app`,
		`HEALTHCHECK --interval=30s --timeout=3s --retries=3 CMD ["svcship", "probe", "--path", "/"]`,
		`ENTRYPOINT ["svcship", "serve"]`,
	}, "\n"), meta)
}

func TestPlan_QuotesForDockerfile(t *testing.T) {
	d := sampleDescriptor()
	d.Runtime.Env["GREETING"] = `say "hi" to $USER\now`
	d.Runtime.Entrypoint = []string{"svcship", "serve", "--", "app\x7f", "a<b"}
	layers, err := Plan(d, Options{})
	require.NoError(t, err)

	meta := layers[len(layers)-1].Instruction
	require.Contains(t, meta, `ENV GREETING="say \"hi\" to \$USER\\now"`)

	var entry string
	for _, line := range strings.Split(meta, "\n") {
		if strings.HasPrefix(line, "ENTRYPOINT ") {
			entry = strings.TrimPrefix(line, "ENTRYPOINT ")
		}
	}
	var argv []string
	require.NoError(t, json.Unmarshal([]byte(entry), &argv), entry)
	require.Equal(t, d.Runtime.Entrypoint, argv)
	require.NotContains(t, entry, `\x7f`)
}

func TestPlan_DeterministicDigests(t *testing.T) {
	a, err := Plan(sampleDescriptor(), Options{})
	require.NoError(t, err)
	b, err := Plan(sampleDescriptor(), Options{})
	require.NoError(t, err)
	require.Equal(t, a, b)
	for i := 1; i < len(a); i++ {
		require.Equal(t, a[i-1].Digest, a[i].Parent)
	}
	require.NoError(t, a[0].Digest.Validate())
}

func TestValidate_RejectsTamperedPlans(t *testing.T) {
	layers, err := Plan(sampleDescriptor(), Options{})
	require.NoError(t, err)

	swapped := append([]Layer{}, layers...)
	swapped[3], swapped[4] = swapped[4], swapped[3]
	require.True(t, errors.Is(Validate(swapped), ErrDescriptor))

	unchained := append([]Layer{}, layers...)
	unchained[2].Parent = ""
	require.Error(t, Validate(unchained))

	require.Error(t, Validate(nil))
}
