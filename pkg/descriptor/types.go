package descriptor

import (
	"time"
)

// Kind classifies a layer by how often its content is expected to change.
type Kind string

const (
	KindBase               Kind = "base"
	KindOSPackages         Kind = "os-packages"
	KindDependencyManifest Kind = "dependency-manifest"
	KindDependencyInstall  Kind = "dependency-install"
	KindApplicationSource  Kind = "application-source"
	KindRuntimeMetadata    Kind = "runtime-metadata"
)

var kindRanks = map[Kind]int{
	KindBase:               0,
	KindOSPackages:         1,
	KindDependencyManifest: 2,
	KindDependencyInstall:  3,
	KindApplicationSource:  4,
	KindRuntimeMetadata:    5,
}

// Rank orders kinds from least to most frequently mutated. Unknown kinds rank -1.
func (k Kind) Rank() int {
	r, ok := kindRanks[k]
	if !ok {
		return -1
	}
	return r
}

func (k Kind) Valid() bool {
	return k.Rank() >= 0
}

// Descriptor is the declarative input of the planner.
type Descriptor struct {
	Name    string  `yaml:"name" json:"name"`
	Layers  []Layer `yaml:"layers" json:"layers"`
	Runtime Runtime `yaml:"runtime" json:"runtime"`
}

type Layer struct {
	Kind Kind `yaml:"kind" json:"kind"`
	// Image is only meaningful for base layers.
	Image   string   `yaml:"image,omitempty" json:"image,omitempty"`
	Sources []string `yaml:"sources,omitempty" json:"sources,omitempty"`
	Exclude []string `yaml:"exclude,omitempty" json:"exclude,omitempty"`
	Dest    string   `yaml:"dest,omitempty" json:"dest,omitempty"`
	Run     string   `yaml:"run,omitempty" json:"run,omitempty"`
}

type Runtime struct {
	Workdir     string            `yaml:"workdir,omitempty" json:"workdir,omitempty"`
	Port        int               `yaml:"port,omitempty" json:"port,omitempty"`
	User        string            `yaml:"user,omitempty" json:"user,omitempty"`
	Env         map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Entrypoint  []string          `yaml:"entrypoint,omitempty" json:"entrypoint,omitempty"`
	Command     []string          `yaml:"command,omitempty" json:"command,omitempty"`
	Healthcheck *Healthcheck      `yaml:"healthcheck,omitempty" json:"healthcheck,omitempty"`
}

// Healthcheck configures the probe agent the image runs as its HEALTHCHECK.
type Healthcheck struct {
	Path        string        `yaml:"path,omitempty" json:"path,omitempty"`
	Interval    time.Duration `yaml:"interval,omitempty" json:"interval,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	StartPeriod time.Duration `yaml:"start_period,omitempty" json:"start_period,omitempty"`
	Retries     int           `yaml:"retries,omitempty" json:"retries,omitempty"`
}

// DependencyManifests returns the indexes of all dependency-manifest layers.
func (d Descriptor) DependencyManifests() []int {
	var out []int
	for i, l := range d.Layers {
		if l.Kind == KindDependencyManifest {
			out = append(out, i)
		}
	}
	return out
}

// Clone returns a deep copy so callers can derive new descriptors without
// touching the original.
func (d Descriptor) Clone() Descriptor {
	out := Descriptor{Name: d.Name, Runtime: d.Runtime}
	out.Layers = make([]Layer, len(d.Layers))
	for i, l := range d.Layers {
		l.Sources = append([]string(nil), l.Sources...)
		l.Exclude = append([]string(nil), l.Exclude...)
		out.Layers[i] = l
	}
	if d.Runtime.Env != nil {
		out.Runtime.Env = make(map[string]string, len(d.Runtime.Env))
		for k, v := range d.Runtime.Env {
			out.Runtime.Env[k] = v
		}
	}
	out.Runtime.Entrypoint = append([]string(nil), d.Runtime.Entrypoint...)
	out.Runtime.Command = append([]string(nil), d.Runtime.Command...)
	if d.Runtime.Healthcheck != nil {
		hc := *d.Runtime.Healthcheck
		out.Runtime.Healthcheck = &hc
	}
	return out
}
