package orchestrator

import (
	"errors"
	"os"
	"path/filepath"
)

// maxRootSearchDepth bounds how many parent directories ResolveProjectRoot
// will walk up before giving up, matching the original implementation's
// get_viberot_root.
const maxRootSearchDepth = 5

// rootMarkerFile is the file ResolveProjectRoot looks for to recognize a
// viberot project root. The original implementation used Cargo.toml; this
// core looks for go.mod instead, since a viberot project root in this Go
// rewrite is itself a Go module that vendors its own action scripts. This
// choice is recorded as an Open Question resolution in DESIGN.md.
const rootMarkerFile = "go.mod"

// ResolveProjectRoot locates the viberot project root the way the original
// implementation's get_viberot_root does: if $VIBEROT_HOME is set, it is
// used verbatim (the caller is trusted). Otherwise ResolveProjectRoot walks
// upward from the running executable's directory, and failing that from
// the current working directory, looking in each ancestor (up to
// maxRootSearchDepth levels) for rootMarkerFile alongside "src" and
// "actions" directories.
func ResolveProjectRoot() (string, error) {
	if home, ok := os.LookupEnv("VIBEROT_HOME"); ok && home != "" {
		return home, nil
	}

	if exe, err := os.Executable(); err == nil {
		if root, ok := searchUpward(filepath.Dir(exe), maxRootSearchDepth); ok {
			return root, nil
		}
	}

	if cwd, err := os.Getwd(); err == nil {
		if root, ok := searchUpward(cwd, maxRootSearchDepth); ok {
			return root, nil
		}
	}

	return "", errors.New("orchestrator: could not locate a viberot project root " +
		"(set VIBEROT_HOME, or run from within a project containing go.mod, src/, and actions/)")
}

// searchUpward walks from start through up to depth ancestor directories,
// returning the first one that looks like a project root.
func searchUpward(start string, depth int) (string, bool) {
	dir := start
	for i := 0; i <= depth; i++ {
		if looksLikeProjectRoot(dir) {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

// looksLikeProjectRoot matches get_viberot_root's three-way test: the
// marker file, a "src" directory, and an "actions" directory must all be
// present.
func looksLikeProjectRoot(dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, rootMarkerFile)); err != nil {
		return false
	}
	if !isDir(filepath.Join(dir, "src")) {
		return false
	}
	return isDir(filepath.Join(dir, "actions"))
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
