package guardrails

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Sandbox confines file writes to one root directory and gates tool use.
type Sandbox struct {
	root    string
	tools   []string
	denied  []string
	enforce bool
}

// NewSandbox resolves root to an absolute, symlink-free path. Denied patterns
// are doublestar globs matched against the slash-separated relative path.
func NewSandbox(root string, allowedTools, deniedPatterns []string, enforce bool) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox root %s: %w", abs, err)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}
	for _, p := range deniedPatterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid denied pattern %q", p)
		}
	}
	return &Sandbox{
		root:    abs,
		tools:   slices.Clone(allowedTools),
		denied:  slices.Clone(deniedPatterns),
		enforce: enforce,
	}, nil
}

// Root returns the resolved sandbox root.
func (s *Sandbox) Root() string {
	return s.root
}

// CheckTool rejects any tool not on the allowlist.
func (s *Sandbox) CheckTool(name string) error {
	if slices.Contains(s.tools, name) {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrToolNotAllowed, name)
}

// Resolve maps a relative path to an absolute one strictly under the root.
// Absolute paths, parent traversal, symlinked parents that escape the root and
// denied patterns are all rejected with ErrPathViolation. With enforcement off
// only the join is performed.
func (s *Sandbox) Resolve(rel string) (string, error) {
	if !s.enforce {
		return filepath.Join(s.root, rel), nil
	}
	if rel == "" || filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") || strings.HasPrefix(rel, `\`) {
		return "", fmt.Errorf("%w: %q is not a relative path", ErrPathViolation, rel)
	}

	target := filepath.Join(s.root, filepath.FromSlash(rel))
	if !s.within(target) {
		return "", fmt.Errorf("%w: %q escapes the sandbox", ErrPathViolation, rel)
	}

	clean, _ := filepath.Rel(s.root, target)
	slashed := filepath.ToSlash(clean)
	for _, p := range s.denied {
		if ok, _ := doublestar.Match(p, slashed); ok {
			return "", fmt.Errorf("%w: %q matches denied pattern %q", ErrPathViolation, rel, p)
		}
	}

	real, err := s.resolveExisting(target)
	if err != nil {
		return "", err
	}
	if !s.within(real) {
		return "", fmt.Errorf("%w: %q resolves outside the sandbox through a symlink", ErrPathViolation, rel)
	}
	return target, nil
}

// within reports whether p is strictly below the root.
func (s *Sandbox) within(p string) bool {
	rel, err := filepath.Rel(s.root, p)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// resolveExisting evaluates symlinks on the deepest existing ancestor of p and
// re-appends the missing tail.
func (s *Sandbox) resolveExisting(p string) (string, error) {
	tail := ""
	cur := p
	for {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(real, tail), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: cannot resolve %s: %v", ErrPathViolation, cur, err)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p, nil
		}
		tail = filepath.Join(filepath.Base(cur), tail)
		cur = parent
	}
}
