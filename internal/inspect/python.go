package inspect

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
	"go.uber.org/zap"

	"modelearth/pipeline/internal/failure"
)

// Python inspects Python scripts through a tree-sitter syntax tree.
type Python struct {
	tables Tables
	// IncludeLocalModules keeps imports that resolve to a sibling .py file.
	IncludeLocalModules bool
	log                 *zap.Logger
}

// NewPython returns a Python inspector. A nil logger discards output.
func NewPython(tables Tables, includeLocal bool, log *zap.Logger) *Python {
	if log == nil {
		log = zap.NewNop()
	}
	return &Python{tables: tables, IncludeLocalModules: includeLocal, log: log}
}

var _ Inspector = (*Python)(nil)

// Dependencies implements Inspector.
func (p *Python) Dependencies(ctx context.Context, path string) ([]string, error) {
	modules, err := p.imports(ctx, path)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	set := make(map[string]struct{})
	for _, m := range modules {
		if p.tables.isStdlib(m) {
			continue
		}
		if !p.IncludeLocalModules && exists(filepath.Join(dir, m+".py")) {
			p.log.Debug("skipping local module", zap.String("module", m), zap.String("script", path))
			continue
		}
		set[p.tables.packageFor(m)] = struct{}{}
	}
	deps := make([]string, 0, len(set))
	for d := range set {
		deps = append(deps, d)
	}
	sort.Strings(deps)
	return deps, nil
}

// Flags implements Inspector.
func (p *Python) Flags(ctx context.Context, path string) ([]string, error) {
	src, root, closeTree, err := p.parse(ctx, path)
	if err != nil {
		return nil, err
	}
	defer closeTree()

	var flags []string
	seen := make(map[string]bool)
	walk(root, func(n *sitter.Node) {
		if n.Type() != "call" || !isAddArgument(n, src) {
			return
		}
		args := n.ChildByFieldName("arguments")
		if args == nil {
			return
		}
		for i := 0; i < int(args.NamedChildCount()); i++ {
			lit, ok := stringLiteral(args.NamedChild(i), src)
			if !ok || !strings.HasPrefix(lit, "--") {
				continue
			}
			flag := strings.ReplaceAll(lit[2:], "-", "_")
			if !seen[flag] {
				seen[flag] = true
				flags = append(flags, flag)
			}
			break
		}
	})
	return flags, nil
}

// imports returns the top-level module name of every import.
func (p *Python) imports(ctx context.Context, path string) ([]string, error) {
	src, root, closeTree, err := p.parse(ctx, path)
	if err != nil {
		return nil, err
	}
	defer closeTree()

	var modules []string
	add := func(dotted string) {
		if head, _, _ := strings.Cut(dotted, "."); head != "" {
			modules = append(modules, head)
		}
	}
	walk(root, func(n *sitter.Node) {
		switch n.Type() {
		case "import_statement":
			for i := 0; i < int(n.NamedChildCount()); i++ {
				c := n.NamedChild(i)
				switch c.Type() {
				case "dotted_name":
					add(c.Content(src))
				case "aliased_import":
					if name := c.ChildByFieldName("name"); name != nil {
						add(name.Content(src))
					}
				}
			}
		case "import_from_statement":
			mod := n.ChildByFieldName("module_name")
			if mod == nil {
				return
			}
			switch mod.Type() {
			case "dotted_name":
				add(mod.Content(src))
			case "relative_import":
				// from . import x names no module; from .x import y names x.
				for i := 0; i < int(mod.NamedChildCount()); i++ {
					if c := mod.NamedChild(i); c.Type() == "dotted_name" {
						add(c.Content(src))
					}
				}
			}
		}
	})
	return modules, nil
}

func (p *Python) parse(ctx context.Context, path string) ([]byte, *sitter.Node, func(), error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, nil, failure.SourceAnalysis(path, err)
	}
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())
	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		parser.Close()
		return nil, nil, nil, failure.SourceAnalysis(path, err)
	}
	root := tree.RootNode()
	if root.HasError() {
		line := firstErrorLine(root)
		tree.Close()
		parser.Close()
		return nil, nil, nil, failure.SourceAnalysis(path, fmt.Errorf("invalid syntax near line %d", line))
	}
	closeTree := func() {
		tree.Close()
		parser.Close()
	}
	return src, root, closeTree, nil
}

// walk visits n and its named descendants breadth-first, so shallower calls
// come before nested ones.
func walk(n *sitter.Node, visit func(*sitter.Node)) {
	queue := []*sitter.Node{n}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		visit(cur)
		for i := 0; i < int(cur.NamedChildCount()); i++ {
			queue = append(queue, cur.NamedChild(i))
		}
	}
}

func isAddArgument(call *sitter.Node, src []byte) bool {
	fn := call.ChildByFieldName("function")
	if fn == nil || fn.Type() != "attribute" {
		return false
	}
	attr := fn.ChildByFieldName("attribute")
	return attr != nil && attr.Content(src) == "add_argument"
}

// stringLiteral returns the value of a plain (non-f, non-bytes) string
// literal.
func stringLiteral(n *sitter.Node, src []byte) (string, bool) {
	if n == nil || n.Type() != "string" {
		return "", false
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if n.NamedChild(i).Type() == "interpolation" {
			return "", false
		}
	}
	text := n.Content(src)
	prefixEnd := strings.IndexAny(text, `"'`)
	if prefixEnd < 0 {
		return "", false
	}
	if strings.ContainsAny(text[:prefixEnd], "bBfF") {
		return "", false
	}
	body := text[prefixEnd:]
	for _, q := range []string{`"""`, `'''`, `"`, `'`} {
		if len(body) >= 2*len(q) && strings.HasPrefix(body, q) && strings.HasSuffix(body, q) {
			return body[len(q) : len(body)-len(q)], true
		}
	}
	return "", false
}

func firstErrorLine(root *sitter.Node) int {
	line := int(root.StartPoint().Row) + 1
	found := false
	var visit func(n *sitter.Node)
	visit = func(n *sitter.Node) {
		if found {
			return
		}
		if n.IsError() || n.IsMissing() {
			line = int(n.StartPoint().Row) + 1
			found = true
			return
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			if c := n.Child(i); c.HasError() || c.IsMissing() {
				visit(c)
			}
		}
	}
	visit(root)
	return line
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
