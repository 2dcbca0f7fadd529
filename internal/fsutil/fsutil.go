package fsutil

import (
	"errors"
	"path"
	"path/filepath"
	"strings"
)

// ErrPathEscape is returned when a requested path resolves outside the
// share root. Handlers map it to 403.
var ErrPathEscape = errors.New("path escapes share root")

// ErrBadPath is returned for paths that cannot be interpreted at all
// (embedded NUL bytes and the like).
var ErrBadPath = errors.New("invalid path")

// CleanRelPath takes a user path like "", ".", "/a/b", "a//b", and returns a
// safe, slash-based, no-leading-slash relative path ("" means root).
func CleanRelPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "." || p == "/" {
		return ""
	}
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p) // force absolute for stable cleaning
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// JoinWithinRoot returns an absolute filesystem path under root for a given
// rel path. It rejects escapes (..) with ErrPathEscape.
func JoinWithinRoot(rootAbs string, rel string) (string, error) {
	rel = CleanRelPath(rel)
	if rel == "" {
		return filepath.Clean(rootAbs), nil
	}
	if strings.Contains(rel, "\x00") {
		return "", ErrBadPath
	}
	abs := filepath.Clean(filepath.Join(rootAbs, filepath.FromSlash(rel)))
	rootClean := filepath.Clean(rootAbs)
	if abs != rootClean && !strings.HasPrefix(abs, rootClean+string(filepath.Separator)) {
		return "", ErrPathEscape
	}
	return abs, nil
}

// JoinRel appends a name to a clean relative path ("" means root).
func JoinRel(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

// RelFromRoot converts an absolute path under rootAbs back to a clean
// slash-relative path ("" for the root itself).
func RelFromRoot(rootAbs, abs string) string {
	rel, err := filepath.Rel(filepath.Clean(rootAbs), filepath.Clean(abs))
	if err != nil || rel == "." {
		return ""
	}
	return filepath.ToSlash(rel)
}
