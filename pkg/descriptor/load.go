package descriptor

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-go-golems/svcship/pkg/patch"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const DefaultFilename = "svcship.yaml"

type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

func DefaultPath(contextDir string) string {
	return filepath.Join(contextDir, DefaultFilename)
}

// FormatFromPath picks the decoder from the file extension; anything that is
// not .toml is treated as YAML.
func FormatFromPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

func LoadFromFile(path string, overrides patch.ConfigPatch) (*Descriptor, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read descriptor")
	}
	d, err := Parse(b, FormatFromPath(path), overrides)
	if err != nil {
		return nil, errors.Wrapf(err, "descriptor %s", path)
	}
	return d, nil
}

// Parse decodes a descriptor document, applies the dotted overrides to the raw
// document and then decodes it strictly into a Descriptor.
func Parse(b []byte, format Format, overrides patch.ConfigPatch) (*Descriptor, error) {
	raw := patch.Config{}
	switch format {
	case FormatTOML:
		if err := toml.Unmarshal(b, &raw); err != nil {
			return nil, errors.Wrap(err, "parse descriptor toml")
		}
	case FormatYAML, "":
		if err := yaml.Unmarshal(b, &raw); err != nil {
			return nil, errors.Wrap(err, "parse descriptor yaml")
		}
	default:
		return nil, errors.Errorf("unsupported descriptor format %q", format)
	}

	if !overrides.Empty() {
		var err error
		raw, err = patch.Apply(raw, overrides)
		if err != nil {
			return nil, errors.Wrap(err, "apply overrides")
		}
	}

	normalized, err := yaml.Marshal(raw)
	if err != nil {
		return nil, errors.Wrap(err, "normalize descriptor")
	}
	dec := yaml.NewDecoder(bytes.NewReader(normalized))
	dec.KnownFields(true)
	var d Descriptor
	if err := dec.Decode(&d); err != nil {
		return nil, errors.Wrap(err, "decode descriptor")
	}
	return &d, nil
}
