// Package catalog enumerates the initial files a broadcaster offers to
// joining clients. The list is taken once at startup and never changes.
package catalog

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Catalog is an immutable, sorted list of slash-separated paths relative to
// a root directory.
type Catalog struct {
	root  string
	paths []string
	index map[string]struct{}
}

// Empty returns a catalog with no files.
func Empty() *Catalog {
	return &Catalog{index: map[string]struct{}{}}
}

// Scan walks root and records every regular file under it. An empty root
// yields an empty catalog.
func Scan(root string) (*Catalog, error) {
	if root == "" {
		return Empty(), nil
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving catalog root: %w", err)
	}

	c := &Catalog{root: abs, index: map[string]struct{}{}}
	err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(abs, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		c.paths = append(c.paths, rel)
		c.index[rel] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", root, err)
	}
	sort.Strings(c.paths)
	return c, nil
}

// Root is the absolute directory the catalog was scanned from.
func (c *Catalog) Root() string {
	return c.root
}

// Paths returns a copy of the file list.
func (c *Catalog) Paths() []string {
	out := make([]string, len(c.paths))
	copy(out, c.paths)
	return out
}

func (c *Catalog) Len() int {
	return len(c.paths)
}

// Read returns the contents of a catalogued file. ok is false if the path
// is not in the catalog or can no longer be read.
func (c *Catalog) Read(p string) (data []byte, ok bool) {
	if _, known := c.index[p]; !known {
		return nil, false
	}
	data, err := os.ReadFile(filepath.Join(c.root, filepath.FromSlash(p)))
	if err != nil {
		return nil, false
	}
	return data, true
}

// CommonRoot returns the deepest directory shared by every path, or "" when
// the paths share none. A single path yields its parent directory.
func CommonRoot(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	common := strings.Split(path.Dir(paths[0]), "/")
	for _, p := range paths[1:] {
		parts := strings.Split(path.Dir(p), "/")
		n := 0
		for n < len(common) && n < len(parts) && common[n] == parts[n] {
			n++
		}
		common = common[:n]
	}
	dir := strings.Join(common, "/")
	if dir == "." {
		return ""
	}
	return dir
}

// ValidPath reports whether p is a clean relative path that stays inside
// whatever directory it is joined to.
func ValidPath(p string) bool {
	if p == "" || strings.Contains(p, "\\") {
		return false
	}
	return fs.ValidPath(p) && p != "."
}

var errInvalidPath = errors.New("invalid catalog path")
