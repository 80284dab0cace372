package config

import (
	"os"
	"path/filepath"
	"strings"
)

// Resolver resolves relative paths against Bases in order.
type Resolver struct {
	Bases []string
}

// NewResolver returns a resolver trying each base in turn. Empty bases are
// skipped.
func NewResolver(bases ...string) Resolver {
	r := Resolver{}
	for _, b := range bases {
		if b != "" {
			r.Bases = append(r.Bases, b)
		}
	}
	return r
}

// Resolve returns the first existing candidate. When none exists it returns
// the candidate built from the first base so the caller can report the
// missing file.
func (r Resolver) Resolve(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	if len(r.Bases) == 0 {
		abs, err := filepath.Abs(p)
		if err != nil {
			return filepath.Clean(p)
		}
		return abs
	}
	var first string
	for i, base := range r.Bases {
		candidate := absJoin(base, p)
		if i == 0 {
			first = candidate
		}
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return first
}

func absJoin(base, p string) string {
	joined := filepath.Join(base, p)
	if abs, err := filepath.Abs(joined); err == nil {
		return abs
	}
	return joined
}

// Roots holds the directories the tool resolves against.
type Roots struct {
	// ToolDir holds the default config.yaml.
	ToolDir string
	// Webroot is the repository root that admin-supplied paths are relative to.
	Webroot string
}

// DefaultRoots derives the roots from the tool directory: the webroot is its
// third ancestor (data-pipeline/admin/add -> the directory holding
// data-pipeline). PIPELINE_WEBROOT overrides the webroot.
func DefaultRoots(toolDir string) Roots {
	if abs, err := filepath.Abs(toolDir); err == nil {
		toolDir = abs
	}
	webroot := filepath.Dir(filepath.Dir(filepath.Dir(toolDir)))
	if env := os.Getenv("PIPELINE_WEBROOT"); env != "" {
		if abs, err := filepath.Abs(env); err == nil {
			webroot = abs
		} else {
			webroot = env
		}
	}
	return Roots{ToolDir: toolDir, Webroot: webroot}
}

// DefaultConfigPath is config.yaml inside the tool directory.
func (r Roots) DefaultConfigPath() string {
	return filepath.Join(r.ToolDir, "config.yaml")
}

// RelToWebroot returns p relative to the webroot with forward slashes, or p
// itself when it does not sit under the webroot.
func (r Roots) RelToWebroot(p string) string {
	rel, err := filepath.Rel(r.Webroot, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(rel)
}
