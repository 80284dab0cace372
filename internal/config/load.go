// Package config loads the YAML tool configuration, overlays command-line
// overrides and resolves relative paths against an ordered list of roots.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"modelearth/pipeline/internal/failure"
)

// Load reads a YAML mapping from path. An empty document yields an empty
// mapping.
func Load(path string) (*Values, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &failure.Error{Kind: failure.KindConfiguration, Msg: "config not found: " + path, Err: err}
		}
		return nil, failure.WrapIO("reading config", path, err)
	}
	vals, err := Parse(data)
	if err != nil {
		return nil, &failure.Error{Kind: failure.KindConfiguration, Msg: "loading " + path, Err: err}
	}
	return vals, nil
}

// Parse decodes YAML text that must hold a mapping at the top level.
func Parse(data []byte) (*Values, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return NewValues(), nil
	}
	root := doc.Content[0]
	if root.Kind == yaml.ScalarNode && root.Tag == "!!null" {
		return NewValues(), nil
	}
	if root.Kind != yaml.MappingNode {
		return nil, errors.New("config must contain a YAML mapping/object")
	}
	val, err := decode(root)
	if err != nil {
		return nil, err
	}
	return val.(*Values), nil
}

func decode(n *yaml.Node) (any, error) {
	switch n.Kind {
	case yaml.AliasNode:
		return decode(n.Alias)
	case yaml.MappingNode:
		out := NewValues()
		for i := 0; i+1 < len(n.Content); i += 2 {
			var key string
			if err := n.Content[i].Decode(&key); err != nil {
				return nil, fmt.Errorf("line %d: decoding key: %w", n.Content[i].Line, err)
			}
			val, err := decode(n.Content[i+1])
			if err != nil {
				return nil, err
			}
			out.Set(key, val)
		}
		return out, nil
	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			val, err := decode(c)
			if err != nil {
				return nil, err
			}
			out = append(out, val)
		}
		return out, nil
	default:
		if b, ok := legacyBool(n); ok {
			return b, nil
		}
		var val any
		if err := n.Decode(&val); err != nil {
			return nil, fmt.Errorf("line %d: %w", n.Line, err)
		}
		return val, nil
	}
}

// legacyBool resolves the YAML 1.1 spellings yes/no/on/off, which yaml.v3
// leaves as strings when decoding into an interface.
func legacyBool(n *yaml.Node) (bool, bool) {
	if n.Kind != yaml.ScalarNode || n.Style != 0 || n.Tag != "!!str" {
		return false, false
	}
	switch n.Value {
	case "yes", "Yes", "YES", "on", "On", "ON":
		return true, true
	case "no", "No", "NO", "off", "Off", "OFF":
		return false, true
	}
	return false, false
}
