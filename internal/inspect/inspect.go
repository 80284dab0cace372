// Package inspect infers a pipeline script's third-party dependencies and
// command-line flags without running it.
package inspect

import (
	"context"
	"strings"
)

// Inspector statically analyzes one script language.
type Inspector interface {
	// Dependencies returns installable package names, sorted and deduplicated.
	Dependencies(ctx context.Context, path string) ([]string, error)
	// Flags returns declared --flag names with dashes turned into
	// underscores, in first-seen order.
	Flags(ctx context.Context, path string) ([]string, error)
}

// Result is what a single analysis produced.
type Result struct {
	Dependencies []string
	Flags        []string
}

// DependencyList joins the dependencies with commas.
func (r *Result) DependencyList() string {
	if r == nil {
		return ""
	}
	return strings.Join(r.Dependencies, ",")
}

// FlagList joins the flags with commas.
func (r *Result) FlagList() string {
	if r == nil {
		return ""
	}
	return strings.Join(r.Flags, ",")
}

// Analyze runs both inspections against path.
func Analyze(ctx context.Context, in Inspector, path string) (*Result, error) {
	deps, err := in.Dependencies(ctx, path)
	if err != nil {
		return nil, err
	}
	flags, err := in.Flags(ctx, path)
	if err != nil {
		return nil, err
	}
	return &Result{Dependencies: deps, Flags: flags}, nil
}

// Tables are the lookup tables an inspector consults. They are built once and
// not modified afterwards.
type Tables struct {
	// PackageAliases maps an import name to the package that provides it.
	PackageAliases map[string]string
	// Stdlib lists modules that ship with the interpreter.
	Stdlib map[string]struct{}
}

// DefaultPythonTables returns the alias and standard-library tables for
// Python scripts.
func DefaultPythonTables() Tables {
	stdlib := make(map[string]struct{}, len(pythonStdlib))
	for _, m := range pythonStdlib {
		stdlib[m] = struct{}{}
	}
	return Tables{
		PackageAliases: map[string]string{
			"yaml":    "pyyaml",
			"dotenv":  "python-dotenv",
			"PIL":     "pillow",
			"cv2":     "opencv-python",
			"sklearn": "scikit-learn",
		},
		Stdlib: stdlib,
	}
}

func (t Tables) isStdlib(module string) bool {
	_, ok := t.Stdlib[module]
	return ok
}

func (t Tables) packageFor(module string) string {
	if pkg, ok := t.PackageAliases[module]; ok {
		return pkg
	}
	return module
}
