package fsops

import (
	"fmt"
	"path"
	"strings"
)

// CleanRelPath normalizes a virtual path: backslashes become slashes, the
// path is cleaned and made relative. The tree root is returned as "".
// Absolute paths, drive letters and ".." components are rejected.
func CleanRelPath(p string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" || p == "/" || p == "." {
		return "", nil
	}

	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("invalid path: must be relative, got absolute path %q", p)
	}
	if len(p) >= 2 && p[1] == ':' {
		return "", fmt.Errorf("invalid path: drive letters not allowed in %q", p)
	}

	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return "", fmt.Errorf("invalid path: path traversal not allowed in %q", p)
		}
	}

	cleaned := path.Clean(p)
	if cleaned == "." {
		return "", nil
	}
	return cleaned, nil
}

// IsUnder reports whether p equals dir or lies beneath it. The root ""
// contains every path.
func IsUnder(p, dir string) bool {
	if dir == "" {
		return true
	}
	return p == dir || strings.HasPrefix(p, dir+"/")
}

// Parents returns the ancestor directories of p from the closest to the
// root, excluding the root itself.
func Parents(p string) []string {
	var out []string
	for {
		i := strings.LastIndex(p, "/")
		if i < 0 {
			return out
		}
		p = p[:i]
		out = append(out, p)
	}
}
