// Package fileserver implements the file-access policy for file-serving
// handlers: canonicalize a requested path against a base directory, reject
// anything that escapes it, and reject anything matched by a configured
// deny-glob before any read happens.
package fileserver

import (
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// DenyList compiles a set of glob-like deny patterns once and matches
// candidate paths against it: "prefix/*", "*.ext", or a literal path.
type DenyList struct {
	globs []glob.Glob
}

// NewDenyList compiles patterns, skipping any that fail to compile.
func NewDenyList(patterns []string) *DenyList {
	d := &DenyList{}
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			continue
		}
		d.globs = append(d.globs, g)
	}
	return d
}

func (d *DenyList) matches(path string) bool {
	for _, g := range d.globs {
		if g.Match(path) {
			return true
		}
	}
	return false
}

// Resolve canonicalizes requestPath against baseDir and applies the deny
// list. It returns ok=false (never the resolved path) if the result
// escapes baseDir or matches a deny pattern; the caller must treat both
// as a 400 and must not attempt to read the file.
func (d *DenyList) Resolve(baseDir, requestPath string) (resolved string, ok bool) {
	baseAbs, err := filepath.Abs(baseDir)
	if err != nil {
		return "", false
	}
	baseAbs = filepath.Clean(baseAbs)

	joined := filepath.Join(baseAbs, filepath.FromSlash(requestPath))
	candidate, err := filepath.Abs(joined)
	if err != nil {
		return "", false
	}
	candidate = filepath.Clean(candidate)

	if candidate != baseAbs && !strings.HasPrefix(candidate, baseAbs+string(filepath.Separator)) {
		return "", false
	}

	rel, err := filepath.Rel(baseAbs, candidate)
	if err != nil {
		return "", false
	}
	relSlash := filepath.ToSlash(rel)

	if d.matches(candidate) || d.matches(relSlash) {
		return "", false
	}

	return candidate, true
}
