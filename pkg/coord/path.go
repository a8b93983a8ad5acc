package coord

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Join appends a child name to a base path.
func Join(base, name string) string {
	return strings.TrimRight(base, "/") + "/" + name
}

// Base returns the last element of a path.
func Base(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// Parent returns the parent of an absolute path, "/" for top-level nodes.
func Parent(path string) string {
	i := strings.LastIndexByte(strings.TrimRight(path, "/"), '/')
	if i <= 0 {
		return "/"
	}
	return path[:i]
}

// ValidatePath checks that p is absolute, has no empty elements and no
// trailing slash.
func ValidatePath(p string) error {
	if p == "/" {
		return nil
	}
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("path %q is not absolute", p)
	}
	if strings.HasSuffix(p, "/") {
		return fmt.Errorf("path %q has a trailing slash", p)
	}
	if strings.Contains(p, "//") {
		return fmt.Errorf("path %q has an empty element", p)
	}
	return nil
}

// EnsurePath creates path and its parents as persistent nodes. Nodes that
// already exist are left alone.
func EnsurePath(ctx context.Context, s Store, path string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	if path == "/" {
		return nil
	}
	cur := ""
	for _, elem := range strings.Split(path[1:], "/") {
		cur += "/" + elem
		if _, err := s.Create(ctx, cur, nil, Persistent); err != nil && !errors.Is(err, ErrNodeExists) {
			return fmt.Errorf("ensure %s: %w", cur, err)
		}
	}
	return nil
}
