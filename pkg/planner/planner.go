package planner

import (
	"encoding/json"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/go-go-golems/svcship/pkg/descriptor"
	digest "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ProbeCommand is the binary the rendered HEALTHCHECK invokes.
const ProbeCommand = "svcship"

type Options struct {
	// Strict turns an out-of-order descriptor into a DescriptorError instead of
	// reordering it.
	Strict bool
	// Context is the build context. When nil, source content is not hashed and
	// digests only cover the declarations.
	Context afero.Fs
}

// Layer is one planned build step. Digest chains over the parent digest, so two
// plans share a prefix exactly as long as their layers are interchangeable in a
// layer cache.
type Layer struct {
	Index       int             `json:"index"`
	Kind        descriptor.Kind `json:"kind"`
	Origin      int             `json:"origin"`
	Sources     []string        `json:"sources,omitempty"`
	Exclude     []string        `json:"exclude,omitempty"`
	Instruction string          `json:"instruction"`
	Content     digest.Digest   `json:"content,omitempty"`
	Parent      digest.Digest   `json:"parent,omitempty"`
	Digest      digest.Digest   `json:"digest"`
}

// Plan resolves the ordered, content-addressed layer sequence of d. It never
// mutates d.
func Plan(d descriptor.Descriptor, opts Options) ([]Layer, error) {
	if err := checkDescriptor(d); err != nil {
		return nil, err
	}
	order, err := orderLayers(d.Layers, opts.Strict)
	if err != nil {
		return nil, err
	}

	out := make([]Layer, 0, len(order)+1)
	var parent digest.Digest
	sawImage := false
	for _, idx := range order {
		src := d.Layers[idx]
		if len(out) == 0 && (src.Kind != descriptor.KindBase || src.Image == "") {
			return nil, descriptorErrorf(idx, "first layer must be a base layer with an image")
		}
		instr, err := instruction(idx, src, d.Runtime, !sawImage)
		if err != nil {
			return nil, err
		}
		if src.Image != "" {
			sawImage = true
		}

		l := Layer{
			Index:       len(out),
			Kind:        src.Kind,
			Origin:      idx,
			Sources:     cleanPaths(src.Sources),
			Exclude:     cleanPaths(src.Exclude),
			Instruction: instr,
			Parent:      parent,
		}
		if opts.Context != nil && len(l.Sources) > 0 {
			content, err := hashSources(opts.Context, l.Sources, l.Exclude)
			if err != nil {
				return nil, &DescriptorError{Layer: idx, Reason: err.Error()}
			}
			l.Content = content
		}
		l.Digest = chainDigest(l)
		parent = l.Digest
		out = append(out, l)
	}

	if meta := metadataInstruction(d.Runtime); meta != "" {
		l := Layer{
			Index:       len(out),
			Kind:        descriptor.KindRuntimeMetadata,
			Origin:      -1,
			Instruction: meta,
			Parent:      parent,
		}
		l.Digest = chainDigest(l)
		out = append(out, l)
	}

	if err := Validate(out); err != nil {
		return nil, err
	}
	log.Debug().Str("name", d.Name).Int("layers", len(out)).Str("top", out[len(out)-1].Digest.String()).Msg("plan computed")
	return out, nil
}

// Validate checks the ordering and chaining invariants of an already computed
// plan, e.g. one loaded from disk.
func Validate(layers []Layer) error {
	if len(layers) == 0 {
		return descriptorErrorf(-1, "empty plan")
	}
	manifests := 0
	var parent digest.Digest
	for i, l := range layers {
		if !l.Kind.Valid() {
			return descriptorErrorf(l.Origin, "unknown layer kind %q", l.Kind)
		}
		if i > 0 && l.Kind.Rank() < layers[i-1].Kind.Rank() {
			return descriptorErrorf(l.Origin, "%s layer ordered after %s layer", l.Kind, layers[i-1].Kind)
		}
		if l.Kind == descriptor.KindDependencyManifest {
			manifests++
		}
		if l.Parent != parent {
			return descriptorErrorf(l.Origin, "layer %d does not chain onto layer %d", i, i-1)
		}
		parent = l.Digest
	}
	if manifests != 1 {
		return descriptorErrorf(-1, "plan must contain exactly one dependency manifest, found %d", manifests)
	}
	return nil
}

func checkDescriptor(d descriptor.Descriptor) error {
	bases := 0
	for i, l := range d.Layers {
		if !l.Kind.Valid() {
			return descriptorErrorf(i, "unknown layer kind %q", l.Kind)
		}
		switch l.Kind {
		case descriptor.KindBase:
			bases++
		case descriptor.KindRuntimeMetadata:
			return descriptorErrorf(i, "runtime-metadata is derived from the runtime section and cannot be declared")
		default:
			if l.Image != "" {
				return descriptorErrorf(i, "only base layers may declare an image")
			}
		}
		for _, p := range append(append([]string{}, l.Sources...), l.Exclude...) {
			if err := checkPath(p); err != nil {
				return descriptorErrorf(i, "%v", err)
			}
		}
		if len(l.Exclude) > 0 && len(l.Sources) == 0 {
			return descriptorErrorf(i, "exclude without sources")
		}
	}
	for k, v := range d.Runtime.Env {
		if !envNamePattern.MatchString(k) {
			return descriptorErrorf(-1, "runtime env name %q is not a valid variable name", k)
		}
		if strings.ContainsFunc(v, unicode.IsControl) {
			return descriptorErrorf(-1, "runtime env %s contains control characters", k)
		}
	}
	if bases == 0 {
		return descriptorErrorf(-1, "at least one base layer is required")
	}

	manifests := d.DependencyManifests()
	switch {
	case len(manifests) == 0:
		return descriptorErrorf(-1, "dependency manifest is absent")
	case len(manifests) > 1:
		return descriptorErrorf(manifests[1], "exactly one dependency manifest is allowed, found %d", len(manifests))
	}
	if len(d.Layers[manifests[0]].Sources) == 0 {
		return descriptorErrorf(manifests[0], "dependency manifest declares no sources")
	}

	return checkOverlaps(d.Layers)
}

func orderLayers(layers []descriptor.Layer, strict bool) ([]int, error) {
	order := make([]int, len(layers))
	misordered := -1
	for i := range layers {
		order[i] = i
		if misordered < 0 && i > 0 && layers[i].Kind.Rank() < layers[i-1].Kind.Rank() {
			misordered = i
		}
	}
	if misordered < 0 {
		return order, nil
	}
	if strict {
		return nil, descriptorErrorf(misordered, "%s layer declared after %s layer", layers[misordered].Kind, layers[misordered-1].Kind)
	}
	sort.SliceStable(order, func(i, j int) bool {
		return layers[order[i]].Kind.Rank() < layers[order[j]].Kind.Rank()
	})
	log.Warn().Int("layer", misordered).Str("kind", string(layers[misordered].Kind)).Msg("descriptor layers out of cache order; reordered")
	return order, nil
}

func instruction(idx int, l descriptor.Layer, rt descriptor.Runtime, first bool) (string, error) {
	var lines []string
	if l.Image != "" {
		if !first {
			return "", descriptorErrorf(idx, "only one base layer may declare an image")
		}
		lines = append(lines, "FROM "+l.Image)
		if rt.Workdir != "" {
			lines = append(lines, "WORKDIR "+rt.Workdir)
		}
	}
	if len(l.Sources) > 0 {
		lines = append(lines, copyInstruction(l))
	}
	if run := strings.TrimSpace(l.Run); run != "" {
		lines = append(lines, "RUN "+run)
	}
	if len(lines) == 0 {
		return "", descriptorErrorf(idx, "%s layer has no image, sources or run command", l.Kind)
	}
	return strings.Join(lines, "\n"), nil
}

func copyInstruction(l descriptor.Layer) string {
	dest := l.Dest
	if dest == "" {
		dest = "./"
	}
	var b strings.Builder
	b.WriteString("COPY ")
	for _, e := range cleanPaths(l.Exclude) {
		b.WriteString("--exclude=" + e + " ")
	}
	args := append(cleanPaths(l.Sources), dest)
	b.WriteString(jsonArray(args))
	return b.String()
}

func metadataInstruction(rt descriptor.Runtime) string {
	var lines []string
	env := map[string]string{}
	for k, v := range rt.Env {
		env[k] = v
	}
	if _, ok := env["PORT"]; !ok && rt.Port > 0 {
		env["PORT"] = strconv.Itoa(rt.Port)
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, "ENV "+k+"="+envQuote(env[k]))
	}
	if rt.Port > 0 {
		lines = append(lines, "EXPOSE "+strconv.Itoa(rt.Port))
	}
	if rt.User != "" {
		lines = append(lines, "USER "+rt.User)
	}
	if hc := rt.Healthcheck; hc != nil {
		var flags []string
		if hc.Interval > 0 {
			flags = append(flags, "--interval="+hc.Interval.String())
		}
		if hc.Timeout > 0 {
			flags = append(flags, "--timeout="+hc.Timeout.String())
		}
		if hc.StartPeriod > 0 {
			flags = append(flags, "--start-period="+hc.StartPeriod.String())
		}
		if hc.Retries > 0 {
			flags = append(flags, "--retries="+strconv.Itoa(hc.Retries))
		}
		probe := []string{ProbeCommand, "probe"}
		if hc.Path != "" {
			probe = append(probe, "--path", hc.Path)
		}
		lines = append(lines, strings.TrimSpace("HEALTHCHECK "+strings.Join(flags, " "))+" CMD "+jsonArray(probe))
	}
	if len(rt.Entrypoint) > 0 {
		lines = append(lines, "ENTRYPOINT "+jsonArray(rt.Entrypoint))
	}
	if len(rt.Command) > 0 {
		lines = append(lines, "CMD "+jsonArray(rt.Command))
	}
	return strings.Join(lines, "\n")
}

// envQuote double-quotes an ENV value the way the Dockerfile lexer reads it
// back: backslash escapes the next character and $ would expand.
func envQuote(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, `$`, `\$`)
	return `"` + r.Replace(v) + `"`
}

// jsonArray renders the exec form of CMD, ENTRYPOINT and HEALTHCHECK, which
// Docker parses as a JSON array.
func jsonArray(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		b, _ := json.Marshal(s)
		quoted[i] = string(b)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

func cleanPaths(paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = path.Clean(p)
	}
	return out
}

func checkPath(p string) error {
	if p == "" {
		return errors.Errorf("empty path")
	}
	c := path.Clean(p)
	if path.IsAbs(c) {
		return errors.Errorf("path %q must be relative to the build context", p)
	}
	if c == ".." || strings.HasPrefix(c, "../") {
		return errors.Errorf("path %q escapes the build context", p)
	}
	return nil
}
