package patch

import (
	"bytes"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is a decoded document (YAML or TOML) before it is bound to a struct.
type Config = map[string]any

// ConfigPatch is a set of dotted-path edits. Numeric segments index into lists,
// so "layers.0.image" addresses the image of the first layer.
type ConfigPatch struct {
	Set   map[string]any `json:"set,omitempty" yaml:"set,omitempty"`
	Unset []string       `json:"unset,omitempty" yaml:"unset,omitempty"`
}

// LoadFile reads a patch document with top-level "set" (dotted key to value)
// and "unset" (list of dotted keys).
func LoadFile(path string) (ConfigPatch, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ConfigPatch{}, errors.Wrap(err, "read overrides")
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	var p ConfigPatch
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return ConfigPatch{}, errors.Wrapf(err, "parse overrides %s", path)
	}
	return p, nil
}

func (p ConfigPatch) Empty() bool {
	return len(p.Set) == 0 && len(p.Unset) == 0
}

func Apply(cfg Config, p ConfigPatch) (Config, error) {
	if cfg == nil {
		cfg = Config{}
	}
	for _, key := range p.Unset {
		if err := unsetDotted(cfg, key); err != nil {
			return nil, err
		}
	}
	for key, value := range p.Set {
		if err := setDotted(cfg, key, value); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Merge combines two patches; b wins over a. An unset in b also drops a's
// assignments at or below that key, since Apply unsets before it sets.
func Merge(a, b ConfigPatch) ConfigPatch {
	out := ConfigPatch{
		Set:   map[string]any{},
		Unset: []string{},
	}
	for k, v := range a.Set {
		if !unsetBy(k, b.Unset) {
			out.Set[k] = v
		}
	}
	for k, v := range b.Set {
		out.Set[k] = v
	}
	seen := map[string]struct{}{}
	for _, k := range append(append([]string{}, a.Unset...), b.Unset...) {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out.Unset = append(out.Unset, k)
	}
	return out
}

func unsetBy(key string, unset []string) bool {
	for _, u := range unset {
		if key == u || strings.HasPrefix(key, u+".") {
			return true
		}
	}
	return false
}

// ParseAssignments turns repeated "key=value" flags into a patch. Values are
// decoded as YAML scalars or flow collections, so "port=9000" sets an int and
// "entrypoint=[svcship, serve]" sets a list.
func ParseAssignments(sets []string, unsets []string) (ConfigPatch, error) {
	out := ConfigPatch{Set: map[string]any{}}
	for _, s := range sets {
		k, v, ok := strings.Cut(s, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return ConfigPatch{}, errors.Errorf("invalid assignment %q (want key=value)", s)
		}
		var value any
		if err := yaml.Unmarshal([]byte(v), &value); err != nil {
			return ConfigPatch{}, errors.Wrapf(err, "parse value of %q", k)
		}
		if value == nil && v != "null" && v != "~" {
			value = v
		}
		out.Set[k] = value
	}
	for _, u := range unsets {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		out.Unset = append(out.Unset, u)
	}
	return out, nil
}

func setDotted(cfg Config, dotted string, value any) error {
	parts := splitDotted(dotted)
	if len(parts) == 0 {
		return errors.Errorf("empty dotted key")
	}

	var current any = cfg
	for i := 0; i < len(parts)-1; i++ {
		part := parts[i]
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[part]
			if !ok {
				child := map[string]any{}
				node[part] = child
				current = child
				continue
			}
			current = next
		case []any:
			idx, err := listIndex(node, part, dotted)
			if err != nil {
				return err
			}
			current = node[idx]
		default:
			return errors.Errorf("cannot set %q: path segment %q is not an object", dotted, part)
		}
	}

	last := parts[len(parts)-1]
	switch node := current.(type) {
	case map[string]any:
		node[last] = value
	case []any:
		idx, err := listIndex(node, last, dotted)
		if err != nil {
			return err
		}
		node[idx] = value
	default:
		return errors.Errorf("cannot set %q: parent is not an object", dotted)
	}
	return nil
}

func unsetDotted(cfg Config, dotted string) error {
	parts := splitDotted(dotted)
	if len(parts) == 0 {
		return errors.Errorf("empty dotted key")
	}

	var current any = cfg
	for i := 0; i < len(parts)-1; i++ {
		part := parts[i]
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[part]
			if !ok {
				return nil
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil
			}
			current = node[idx]
		default:
			return errors.Errorf("cannot unset %q: path segment %q is not an object", dotted, part)
		}
	}
	if m, ok := current.(map[string]any); ok {
		delete(m, parts[len(parts)-1])
		return nil
	}
	return errors.Errorf("cannot unset %q: list elements can only be replaced", dotted)
}

func listIndex(list []any, part, dotted string) (int, error) {
	idx, err := strconv.Atoi(part)
	if err != nil {
		return 0, errors.Errorf("cannot set %q: segment %q is not a list index", dotted, part)
	}
	if idx < 0 || idx >= len(list) {
		return 0, errors.Errorf("cannot set %q: index %d out of range (len %d)", dotted, idx, len(list))
	}
	return idx, nil
}

func splitDotted(dotted string) []string {
	raw := strings.Split(dotted, ".")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
