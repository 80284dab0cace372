// Package registry reads and rewrites the node registry, a CSV table with
// one row per pipeline node keyed by node_id.
package registry

import (
	"regexp"
	"strconv"
	"strings"

	"modelearth/pipeline/internal/failure"
)

// Well-known registry columns.
const (
	ColNodeID            = "node_id"
	ColName              = "name"
	ColDescription       = "description"
	ColLink              = "link"
	ColPythonCmds        = "python_cmds"
	ColDependencies      = "dependencies"
	ColOutputPath        = "output_path"
	ColOutputInfo        = "output_info"
	ColProcessingTimeEst = "processing_time_est"
	ColOrder             = "order"
	ColNodeParent        = "node_parent"
	ColParentNode        = "parent_node"
	ColType              = "type"
)

// OrderSentinel ranks rows whose order is missing or not an integer.
const OrderSentinel = 1_000_000_000

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// Normalize collapses non-alphanumeric runs to "_", trims leading and
// trailing underscores and lowercases the result.
func Normalize(s string) string {
	return strings.ToLower(strings.Trim(nonAlnum.ReplaceAllString(s, "_"), "_"))
}

// NormalizeID normalizes a node id and rejects ids that normalize to nothing.
func NormalizeID(s string) (string, error) {
	id := Normalize(s)
	if id == "" {
		return "", failure.Validation("could not derive a valid node_id from %q", s)
	}
	return id, nil
}

// matchKey is the comparison form used to find a row: trimmed and lowercased.
func matchKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NodeRow is one registry record. Columns outside the well-known set are kept
// in Extra.
type NodeRow struct {
	NodeID            string
	Name              string
	Description       string
	Link              string
	PythonCmds        string
	Dependencies      string
	OutputPath        string
	OutputInfo        string
	ProcessingTimeEst string
	Order             string
	Parent            string
	Extra             map[string]string
}

// RowFromRecord builds a NodeRow from a CSV record aligned to header. Short
// records read as empty cells.
func RowFromRecord(header, record []string) NodeRow {
	r := NodeRow{Extra: make(map[string]string)}
	for i, col := range header {
		v := ""
		if i < len(record) {
			v = record[i]
		}
		if p := r.field(col); p != nil {
			*p = v
		} else {
			r.Extra[col] = v
		}
	}
	return r
}

func (r *NodeRow) field(col string) *string {
	switch col {
	case ColNodeID:
		return &r.NodeID
	case ColName:
		return &r.Name
	case ColDescription:
		return &r.Description
	case ColLink:
		return &r.Link
	case ColPythonCmds:
		return &r.PythonCmds
	case ColDependencies:
		return &r.Dependencies
	case ColOutputPath:
		return &r.OutputPath
	case ColOutputInfo:
		return &r.OutputInfo
	case ColProcessingTimeEst:
		return &r.ProcessingTimeEst
	case ColOrder:
		return &r.Order
	case ColNodeParent:
		return &r.Parent
	}
	return nil
}

// Get returns the value of any column, well-known or extra.
func (r NodeRow) Get(col string) string {
	if p := r.field(col); p != nil {
		return *p
	}
	return r.Extra[col]
}

// ParentID returns node_parent, falling back to the legacy parent_node column.
func (r NodeRow) ParentID() string {
	if p := strings.TrimSpace(r.Parent); p != "" {
		return p
	}
	return strings.TrimSpace(r.Extra[ColParentNode])
}

// Rank is the sort key of the row: its integer order (OrderSentinel when
// absent or malformed) and its lowercased id.
func (r NodeRow) Rank() (int, string) {
	n, err := strconv.Atoi(strings.TrimSpace(r.Order))
	if err != nil {
		n = OrderSentinel
	}
	return n, matchKey(r.NodeID)
}

// Fields is an ordered set of column updates for one row. Keys keep the order
// of their first Set.
type Fields struct {
	keys []string
	m    map[string]string
}

// NewFields returns an empty update set.
func NewFields() *Fields {
	return &Fields{m: make(map[string]string)}
}

func (f *Fields) Set(key, value string) {
	if _, ok := f.m[key]; !ok {
		f.keys = append(f.keys, key)
	}
	f.m[key] = value
}

func (f *Fields) Get(key string) (string, bool) {
	v, ok := f.m[key]
	return v, ok
}

// Value returns the update for key or "".
func (f *Fields) Value(key string) string {
	return f.m[key]
}

func (f *Fields) Keys() []string {
	return append([]string(nil), f.keys...)
}

func (f *Fields) Len() int {
	return len(f.keys)
}

// NodeID returns the node_id update.
func (f *Fields) NodeID() string {
	return f.m[ColNodeID]
}
