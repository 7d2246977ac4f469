package planner

import (
	_ "crypto/sha256"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"

	digest "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// hashSources digests the files a layer copies in. The walk is lexical, so the
// result only depends on names, modes and bytes.
func hashSources(fs afero.Fs, sources, exclude []string) (digest.Digest, error) {
	sorted := append([]string{}, sources...)
	sort.Strings(sorted)

	d := digest.Canonical.Digester()
	h := d.Hash()
	for _, src := range sorted {
		if _, err := fs.Stat(src); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return "", errors.Errorf("source %q not found in build context", src)
			}
			return "", errors.Wrapf(err, "stat %s", src)
		}
		err := afero.Walk(fs, src, func(p string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			rel := path.Clean(filepath.ToSlash(p))
			if isExcluded(rel, exclude) {
				if info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			mode := info.Mode()
			switch {
			case mode.IsDir():
				_, _ = fmt.Fprintf(h, "d %s %o\n", rel, mode.Perm())
				return nil
			case !mode.IsRegular():
				_, _ = fmt.Fprintf(h, "o %s %s\n", rel, mode.Type())
				return nil
			}
			_, _ = fmt.Fprintf(h, "f %s %o %d\n", rel, mode.Perm(), info.Size())
			f, err := fs.Open(p)
			if err != nil {
				return errors.Wrapf(err, "open %s", p)
			}
			defer func() { _ = f.Close() }()
			if _, err := io.Copy(h, f); err != nil {
				return errors.Wrapf(err, "read %s", p)
			}
			return nil
		})
		if err != nil {
			return "", err
		}
	}
	return d.Digest(), nil
}

func chainDigest(l Layer) digest.Digest {
	d := digest.Canonical.Digester()
	_, _ = fmt.Fprintf(d.Hash(), "parent %s\nkind %s\ninstruction %q\nsources %q\nexclude %q\ncontent %s\n",
		l.Parent, l.Kind, l.Instruction, l.Sources, l.Exclude, l.Content)
	return d.Digest()
}

// Reuse summarises how much of a previous plan a layer cache can still serve.
type Reuse struct {
	Reused int `json:"reused"`
	// FirstInvalidated is the index of the first layer that must be rebuilt,
	// or -1 when the plans are identical.
	FirstInvalidated int `json:"first_invalidated"`
	Rebuilt          int `json:"rebuilt"`
}

func Diff(previous, next []Layer) Reuse {
	n := 0
	for n < len(previous) && n < len(next) && previous[n].Digest == next[n].Digest {
		n++
	}
	r := Reuse{Reused: n, FirstInvalidated: -1, Rebuilt: len(next) - n}
	if n < len(next) || len(previous) != len(next) {
		r.FirstInvalidated = n
	}
	return r
}
