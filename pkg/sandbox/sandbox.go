// Package sandbox maps user supplied virtual paths onto one directory of the
// host filesystem and refuses anything that would land outside it.
package sandbox

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/oarkflow/minidrive/pkg/errs"
)

// Resolver resolves virtual paths against a fixed, canonical root.
type Resolver struct {
	root string
}

// New canonicalizes root, which must be an existing directory.
func New(root string) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("sandbox root %q: %w", root, err)
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("sandbox root %q: %w", root, err)
	}
	info, err := os.Stat(canon)
	if err != nil {
		return nil, fmt.Errorf("sandbox root %q: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sandbox root %q is not a directory", root)
	}
	return &Resolver{root: canon}, nil
}

func (r *Resolver) Root() string {
	return r.root
}

// Join composes a virtual path from the working directory and p. Nothing is
// cleaned, so ".." segments survive until Resolve checks them.
func Join(cwd, p string) string {
	p = filepath.ToSlash(p)
	if strings.HasPrefix(p, "/") {
		return p
	}
	if cwd == "" {
		cwd = "/"
	}
	if strings.HasSuffix(cwd, "/") {
		return cwd + p
	}
	return cwd + "/" + p
}

// Resolve returns the physical path for virtual, interpreted relative to
// cwd. Absolute virtual paths start at the sandbox root. The result, after
// symlinks are followed, is guaranteed to be the root or below it.
func (r *Resolver) Resolve(cwd, virtual string) (string, error) {
	v := Join(cwd, virtual)
	if strings.ContainsRune(v, 0) {
		return "", r.escape(v)
	}
	joined := filepath.Join(r.root, filepath.FromSlash(v))
	if !r.within(joined) {
		return "", r.escape(v)
	}
	canon, err := r.canonical(joined)
	if err != nil {
		return "", err
	}
	if !r.within(canon) {
		return "", r.escape(v)
	}
	return canon, nil
}

// canonical follows symlinks on the deepest existing ancestor of p and
// re-appends the components that do not exist yet.
func (r *Resolver) canonical(p string) (string, error) {
	var rest []string
	cur := p
	for {
		if _, err := os.Lstat(cur); err == nil {
			resolved, err := filepath.EvalSymlinks(cur)
			if err != nil {
				// a symlink whose target is missing
				return "", errs.Wrap(errs.PathEscape, err, "unresolvable link").WithPath("resolve", r.Virtual(cur))
			}
			for i := len(rest) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, rest[i])
			}
			return resolved, nil
		} else if !os.IsNotExist(err) {
			return "", errs.Wrap(errs.FilesystemFault, err, "stat failed").WithPath("resolve", r.Virtual(cur))
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p, nil
		}
		rest = append(rest, filepath.Base(cur))
		cur = parent
	}
}

func (r *Resolver) within(p string) bool {
	rel, err := filepath.Rel(r.root, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func (r *Resolver) escape(v string) error {
	return errs.New(errs.PathEscape, "path is outside the sandbox").WithPath("resolve", v)
}

// Virtual returns the "/"-rooted virtual form of a physical path inside the
// root. Paths outside the root map to "/".
func (r *Resolver) Virtual(physical string) string {
	rel, err := filepath.Rel(r.root, physical)
	if err != nil || !r.within(physical) || rel == "." {
		return "/"
	}
	return path.Clean("/" + filepath.ToSlash(rel))
}

// IsRoot reports whether physical is the sandbox root itself.
func (r *Resolver) IsRoot(physical string) bool {
	return filepath.Clean(physical) == r.root
}
