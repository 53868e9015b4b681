// Package pathutil resolves and checks local destination paths.
package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ResolveDestination makes path absolute and expands a leading ~.
// Symlinks (and Windows junctions) in the existing part of the path are
// resolved; components that do not exist yet are appended unchanged, so a
// staging file and its final rename land on the same volume.
func ResolveDestination(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("destination cannot be empty")
	}
	if path == "~" || strings.HasPrefix(path, "~/") || strings.HasPrefix(path, `~\`) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = home + path[1:]
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}

	current := abs
	var rest []string
	for {
		if _, err := os.Stat(current); err == nil {
			resolved, err := filepath.EvalSymlinks(current)
			if err != nil {
				resolved = current
			}
			for i := len(rest) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, rest[i])
			}
			return resolved, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return abs, nil
		}
		rest = append(rest, filepath.Base(current))
		current = parent
	}
}

// ValidateFilename rejects names that would leave the directory they are
// joined to: empty names, separators, "..", and NUL bytes.
func ValidateFilename(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("filename cannot be empty")
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("filename contains null byte: %q", name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("filename cannot contain path separators: %s", name)
	case name == "." || name == "..":
		return fmt.Errorf("filename cannot be %q", name)
	}
	return nil
}

// DestinationIn joins name to dir after validating it.
func DestinationIn(dir, name string) (string, error) {
	if err := ValidateFilename(name); err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// Dedupe makes every path unique. Paths shared by several entries get the
// matching tag inserted before the extension: "out.zip" -> "out_<tag>.zip".
// Returns how many entries were renamed.
func Dedupe(paths, tags []string) int {
	byPath := make(map[string][]int, len(paths))
	for i, p := range paths {
		byPath[p] = append(byPath[p], i)
	}

	renamed := 0
	for p, idx := range byPath {
		if len(idx) < 2 {
			continue
		}
		ext := filepath.Ext(p)
		base := strings.TrimSuffix(p, ext)
		for _, i := range idx {
			paths[i] = fmt.Sprintf("%s_%s%s", base, sanitizeTag(tags[i]), ext)
			renamed++
		}
	}
	return renamed
}

func sanitizeTag(tag string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, tag)
}
