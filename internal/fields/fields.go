// Package fields turns script analysis, admin configuration and a script's
// own node descriptor into the column values of one registry row.
package fields

import (
	"path"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"modelearth/pipeline/internal/config"
	"modelearth/pipeline/internal/failure"
	"modelearth/pipeline/internal/inspect"
	"modelearth/pipeline/internal/registry"
)

// Tables hold the key sets the mapper consults. They are built once and
// shared read-only.
type Tables struct {
	// ControlKeys steer the tool and never become columns. Upper case.
	ControlKeys map[string]struct{}
	// FieldAliases maps legacy upper-case config keys to column names.
	FieldAliases map[string]string
}

// DefaultTables returns the control keys and aliases the admin tool has
// always recognised.
func DefaultTables() Tables {
	control := make(map[string]struct{})
	for _, k := range []string{
		"NODE_ID",
		"ORIGINAL_NODE_ID",
		"NODES_CSV",
		"SOURCE_PYTHON",
		"MANUAL_ROW_UPDATE",
		"READ_ALL_NODES",
		"READ_ALL_EXISTING_NODES",
		"INCLUDE_LOCAL_MODULES",
		"INCLUDE_LOCAL_MODULES_IN_DEPENDENCIES",
	} {
		control[k] = struct{}{}
	}
	return Tables{
		ControlKeys: control,
		FieldAliases: map[string]string{
			"TIME_EST":              registry.ColProcessingTimeEst,
			"PROCESSING_TIME_EST":   registry.ColProcessingTimeEst,
			"RUN_PROCESS":           "run_process_available",
			"RUN_PROCESS_AVAILABLE": "run_process_available",
		},
	}
}

// IsControl reports whether key, in any case, is a control key.
func (t Tables) IsControl(key string) bool {
	_, ok := t.ControlKeys[strings.ToUpper(key)]
	return ok
}

// Column maps an admin config key to its registry column.
func (t Tables) Column(key string) string {
	if col, ok := t.FieldAliases[strings.ToUpper(key)]; ok {
		return col
	}
	return strings.ToLower(key)
}

// Input is everything a row is built from.
type Input struct {
	// Admin is the tool config with command-line overrides applied.
	// SOURCE_PYTHON, when set, is repo-relative with forward slashes.
	Admin *config.Values
	// Source is the config.yaml next to the script; nil when absent.
	Source *config.Values
	// Inferred holds link, python_cmds and dependencies from analysis.
	Inferred *config.Values
	Detected *inspect.Result
}

// Infer returns the analysis layer for a script in sourceDir (repo-relative)
// named sourceFile.
func Infer(sourceDir, sourceFile string, res *inspect.Result) *config.Values {
	v := config.NewValues()
	v.Set(registry.ColLink, sourceDir)
	v.Set(registry.ColPythonCmds, "python "+sourceFile)
	v.Set(registry.ColDependencies, res.DependencyList())
	return v
}

// Mapper builds row updates.
type Mapper struct {
	tables Tables
	log    *zap.Logger
}

// NewMapper returns a mapper over tables. A nil logger discards output.
func NewMapper(tables Tables, log *zap.Logger) *Mapper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Mapper{tables: tables, log: log}
}

// Manual reports whether admin asks for a row built from overrides alone.
func Manual(admin *config.Values) bool {
	return config.Truthy(admin.GetOr("MANUAL_ROW_UPDATE", false))
}

// AdminUpdates returns every non-control admin key as a column update, in
// config order.
func (m *Mapper) AdminUpdates(admin *config.Values) *config.Values {
	out := config.NewValues()
	for _, k := range admin.Keys() {
		if m.tables.IsControl(k) {
			continue
		}
		v, _ := admin.Lookup(k)
		out.Set(m.tables.Column(k), v)
	}
	return out
}

// Build layers analysis, admin overrides, the matched descriptor and the
// resolved node_id, later layers winning, and fills name and description
// defaults.
func (m *Mapper) Build(in Input) (*registry.Fields, error) {
	admin := m.AdminUpdates(in.Admin)

	if Manual(in.Admin) {
		id := in.Admin.GetOr("NODE_ID", admin.GetOr(registry.ColNodeID, nil))
		if config.IsBlank(id) {
			return nil, failure.Validation("NODE_ID is required for MANUAL_ROW_UPDATE")
		}
		nid, err := registry.NormalizeID(config.Text(id))
		if err != nil {
			return nil, err
		}
		admin.Set(registry.ColNodeID, nid)
		return format(admin), nil
	}

	source := config.Text(in.Admin.GetOr("SOURCE_PYTHON", nil))
	descriptor, err := SelectDescriptor(in.Source, source)
	if err != nil {
		return nil, err
	}
	if descriptor != nil {
		m.log.Debug("matched node descriptor", zap.String("source", source), zap.Strings("keys", descriptor.Keys()))
	}

	vars := substitutions(source, in.Detected)
	updates := config.NewValues()
	for _, layer := range []*config.Values{in.Inferred, admin, descriptor} {
		for _, k := range layer.Keys() {
			v, _ := layer.Lookup(k)
			if s, ok := v.(string); ok {
				v = Substitute(s, vars)
			}
			updates.Set(k, v)
		}
	}

	id := in.Admin.GetOr("NODE_ID", nil)
	if config.IsBlank(id) {
		id, _ = updates.Lookup(registry.ColNodeID)
	}
	if !config.Truthy(id) {
		id = "node"
		if source != "" {
			id = strings.ReplaceAll(strings.TrimSuffix(source, path.Ext(source)), "/", "_")
		}
	}
	nid, err := registry.NormalizeID(config.Text(id))
	if err != nil {
		return nil, err
	}
	updates.Set(registry.ColNodeID, nid)

	if v, _ := updates.Lookup(registry.ColName); !config.Truthy(v) {
		stem := strings.TrimSuffix(path.Base(source), path.Ext(source))
		if source == "" {
			stem = ""
		}
		updates.Set(registry.ColName, titleCase(strings.NewReplacer("-", " ", "_", " ").Replace(stem)))
	}
	if v, _ := updates.Lookup(registry.ColDescription); !config.Truthy(v) {
		desc := "Runs Python script"
		if source != "" {
			desc = "Runs " + path.Base(source)
		}
		updates.Set(registry.ColDescription, desc)
	}
	return format(updates), nil
}

// SelectDescriptor picks the NODES entry describing the script at source:
// first an entry whose source_python names the same file, then one whose
// key normalizes to the script's stem, then the only entry if there is just
// one. It returns nil when nothing matches.
func SelectDescriptor(sourceConfig *config.Values, source string) (*config.Values, error) {
	raw, _ := sourceConfig.Get("NODES")
	if !config.Truthy(raw) {
		return nil, nil
	}
	nodes, ok := raw.(*config.Values)
	if !ok {
		return nil, failure.Validation("NODES in source config.yaml must be a mapping")
	}

	name := path.Base(source)
	stem := registry.Normalize(strings.TrimSuffix(name, path.Ext(name)))
	if source == "" {
		name, stem = "", ""
	}

	entries := func(visit func(key string, entry *config.Values) bool) *config.Values {
		for _, k := range nodes.Keys() {
			v, _ := nodes.Lookup(k)
			entry, ok := v.(*config.Values)
			if !ok {
				continue
			}
			if visit(k, entry) {
				return entry
			}
		}
		return nil
	}

	if e := entries(func(_ string, entry *config.Values) bool {
		src, _ := entry.Lookup("source_python")
		if !config.Truthy(src) {
			src, _ = entry.Lookup("SOURCE_PYTHON")
		}
		return config.Truthy(src) && path.Base(config.Text(src)) == name
	}); e != nil {
		return e, nil
	}
	if e := entries(func(key string, _ *config.Values) bool {
		return registry.Normalize(key) == stem
	}); e != nil {
		return e, nil
	}
	if nodes.Len() == 1 {
		only, _ := nodes.Lookup(nodes.Keys()[0])
		if entry, ok := only.(*config.Values); ok {
			return entry, nil
		}
	}
	return nil, nil
}

func substitutions(source string, detected *inspect.Result) map[string]string {
	vars := map[string]string{
		"source_python":         source,
		"source_file":           "",
		"source_dir":            "",
		"detected_dependencies": detected.DependencyList(),
		"detected_flags":        detected.FlagList(),
	}
	if source != "" {
		vars["source_file"] = path.Base(source)
		vars["source_dir"] = path.Dir(strings.ReplaceAll(source, "\\", "/"))
	}
	return vars
}

// Substitute replaces {name} with vars[name]. "{{" and "}}" yield literal
// braces; placeholders with no variable are left as written.
func Substitute(s string, vars map[string]string) string {
	if !strings.ContainsAny(s, "{}") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); {
		switch {
		case strings.HasPrefix(s[i:], "{{"):
			b.WriteByte('{')
			i += 2
		case strings.HasPrefix(s[i:], "}}"):
			b.WriteByte('}')
			i += 2
		case s[i] == '{':
			if end := strings.IndexAny(s[i+1:], "{}"); end >= 0 && s[i+1+end] == '}' {
				if v, ok := vars[s[i+1:i+1+end]]; ok {
					b.WriteString(v)
					i += end + 2
					continue
				}
			}
			b.WriteByte('{')
			i++
		default:
			b.WriteByte(s[i])
			i++
		}
	}
	return b.String()
}

// Format renders a config value as a registry cell: nil is empty and
// booleans are yes or no.
func Format(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case bool:
		if t {
			return "yes"
		}
		return "no"
	default:
		return config.Text(t)
	}
}

func format(v *config.Values) *registry.Fields {
	out := registry.NewFields()
	for _, k := range v.Keys() {
		val, _ := v.Lookup(k)
		out.Set(k, Format(val))
	}
	return out
}

// titleCase upper-cases the first letter of every run of letters and
// lower-cases the rest.
func titleCase(s string) string {
	prevLetter := false
	return strings.Map(func(r rune) rune {
		wasLetter := prevLetter
		prevLetter = unicode.IsLetter(r)
		switch {
		case !prevLetter:
			return r
		case wasLetter:
			return unicode.ToLower(r)
		default:
			return unicode.ToTitle(r)
		}
	}, s)
}
