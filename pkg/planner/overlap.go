package planner

import (
	"path"
	"strings"

	"github.com/go-go-golems/svcship/pkg/descriptor"
)

// checkOverlaps rejects descriptors in which two layers claim the same path.
// A broad claim ("." or a directory) may coexist with a narrower claim of
// another layer only when the broad layer excludes it; otherwise a change to
// the narrow path would invalidate two layers and the plan is ambiguous.
func checkOverlaps(layers []descriptor.Layer) error {
	for i := 0; i < len(layers); i++ {
		for j := i + 1; j < len(layers); j++ {
			a, b := layers[i], layers[j]
			for _, p := range a.Sources {
				for _, q := range b.Sources {
					cp, cq := path.Clean(p), path.Clean(q)
					switch {
					case cp == cq:
						return descriptorErrorf(j, "path %q is also claimed by layer %d", cq, i)
					case isAncestor(cp, cq) && !isExcluded(cq, a.Exclude):
						return descriptorErrorf(j, "path %q overlaps %q claimed by layer %d", cq, cp, i)
					case isAncestor(cq, cp) && !isExcluded(cp, b.Exclude):
						return descriptorErrorf(j, "path %q overlaps %q claimed by layer %d", cq, cp, i)
					}
				}
			}
		}
	}
	return nil
}

func isAncestor(dir, p string) bool {
	if dir == p {
		return false
	}
	if dir == "." {
		return true
	}
	return strings.HasPrefix(p, dir+"/")
}

func isExcluded(p string, exclude []string) bool {
	for _, e := range exclude {
		ce := path.Clean(e)
		if ce == p || isAncestor(ce, p) {
			return true
		}
	}
	return false
}
