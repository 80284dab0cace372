package registry

import (
	"bytes"
	"errors"
	"io"
	"os"
	"sort"

	"modelearth/pipeline/internal/failure"
)

// Mode names for reports and the journal.
const (
	ModeStreaming = "streaming"
	ModeInMemory  = "in-memory"
)

// Result describes a completed upsert.
type Result struct {
	Mode     string
	Inserted bool
	Columns  []string
}

// Upserter finds the row whose node_id matches matchID and replaces it with
// the updates, or appends a new row when none matches. An empty matchID
// matches the update's own node_id; a different one renames the row.
type Upserter interface {
	Upsert(path string, updates *Fields, matchID string) (*Result, error)
}

// New returns the in-memory upserter when readAll is set and the streaming
// one otherwise.
func New(readAll bool) Upserter {
	if readAll {
		return InMemory{}
	}
	return Streaming{}
}

// Streaming copies the registry record by record into a temporary file and
// renames it over the original.
type Streaming struct{}

func (Streaming) Upsert(path string, updates *Fields, matchID string) (*Result, error) {
	tr, err := openTable(path)
	if err != nil {
		return nil, err
	}
	defer tr.Close()

	u, err := newUpsert(tr.header, updates, matchID)
	if err != nil {
		return nil, err
	}
	err = replaceFile(path, func(w io.Writer) error {
		return u.copy(path, tr, newTableWriter(w, tr.crlf))
	})
	if err != nil {
		return nil, err
	}
	return u.result(ModeStreaming), nil
}

// InMemory loads every record, then rewrites the registry in place.
type InMemory struct{}

func (InMemory) Upsert(path string, updates *Fields, matchID string) (*Result, error) {
	tr, err := openTable(path)
	if err != nil {
		return nil, err
	}
	records, err := readAll(path, tr)
	tr.Close()
	if err != nil {
		return nil, err
	}

	u, err := newUpsert(tr.header, updates, matchID)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := u.copy(path, &sliceSource{records: records}, newTableWriter(&buf, tr.crlf)); err != nil {
		return nil, err
	}
	if err := writeInPlace(path, buf.Bytes()); err != nil {
		return nil, err
	}
	return u.result(ModeInMemory), nil
}

func writeInPlace(path string, data []byte) error {
	perm := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		perm = info.Mode().Perm()
	}
	return failure.WrapIO("write registry", path, os.WriteFile(path, data, perm))
}

type recordSource interface {
	Read() (record, error)
}

type sliceSource struct {
	records []record
	next    int
}

func (s *sliceSource) Read() (record, error) {
	if s.next >= len(s.records) {
		return record{}, io.EOF
	}
	s.next++
	return s.records[s.next-1], nil
}

func readAll(path string, src recordSource) ([]record, error) {
	var out []record
	for {
		rec, err := src.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, failure.WrapIO("read registry", path, err)
		}
		out = append(out, rec)
	}
}

// upsert is the row transformation both strategies share, so their output
// is byte-identical.
type upsert struct {
	updates  *Fields
	match    string
	oldWidth int
	header   []string
	index    map[string]int
	replaced bool
}

func newUpsert(header []string, updates *Fields, matchID string) (*upsert, error) {
	id := updates.NodeID()
	if matchKey(id) == "" {
		return nil, failure.Validation("node_id is required")
	}
	if matchKey(matchID) == "" {
		matchID = id
	}
	u := &upsert{
		updates:  updates,
		match:    matchKey(matchID),
		oldWidth: len(header),
		header:   extendColumns(header, updates),
		index:    make(map[string]int),
	}
	for i, col := range u.header {
		if _, ok := u.index[col]; !ok {
			u.index[col] = i
		}
	}
	return u, nil
}

// extendColumns appends update keys missing from header, in update order.
func extendColumns(header []string, updates *Fields) []string {
	out := append([]string(nil), header...)
	seen := make(map[string]bool, len(out))
	for _, c := range out {
		seen[c] = true
	}
	for _, k := range updates.Keys() {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

// copy writes the extended header, then every record. Only the matched row
// is re-encoded; the others keep their source bytes.
func (u *upsert) copy(path string, src recordSource, w *tableWriter) error {
	if err := w.Write(u.header); err != nil {
		return failure.WrapIO("write registry", path, err)
	}
	idCol := u.index[ColNodeID]
	extra := len(u.header) - u.oldWidth
	for {
		rec, err := src.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return failure.WrapIO("read registry", path, err)
		}
		out := u.widen(rec.cells)
		if matchKey(out[idCol]) == u.match {
			u.apply(out)
			u.replaced = true
			err = w.Write(out)
		} else {
			err = w.Copy(rec, u.oldWidth, extra)
		}
		if err != nil {
			return failure.WrapIO("write registry", path, err)
		}
	}
	if !u.replaced {
		out := make([]string, len(u.header))
		u.apply(out)
		if err := w.Write(out); err != nil {
			return failure.WrapIO("write registry", path, err)
		}
	}
	return failure.WrapIO("write registry", path, w.Flush())
}

// widen aligns a source record to the old header, then to the extended one.
func (u *upsert) widen(rec []string) []string {
	if len(rec) > u.oldWidth {
		rec = rec[:u.oldWidth]
	}
	return fit(rec, len(u.header))
}

func (u *upsert) apply(out []string) {
	for _, k := range u.updates.Keys() {
		out[u.index[k]] = u.updates.Value(k)
	}
}

func (u *upsert) result(mode string) *Result {
	return &Result{Mode: mode, Inserted: !u.replaced, Columns: u.header}
}

// SortByOrder stably reorders the registry by integer order, then by
// lowercased node_id. Rows without a usable order go last.
func SortByOrder(path string) error {
	tr, err := openTable(path)
	if err != nil {
		return err
	}
	records, err := readAll(path, tr)
	tr.Close()
	if err != nil {
		return err
	}

	header := tr.header
	type ranked struct {
		order int
		id    string
		rec   record
	}
	rows := make([]ranked, len(records))
	for i, rec := range records {
		order, id := RowFromRecord(header, fit(rec.cells, len(header))).Rank()
		rows[i] = ranked{order: order, id: id, rec: rec}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].order != rows[j].order {
			return rows[i].order < rows[j].order
		}
		return rows[i].id < rows[j].id
	})

	return replaceFile(path, func(w io.Writer) error {
		tw := newTableWriter(w, tr.crlf)
		if err := tw.Write(header); err != nil {
			return failure.WrapIO("write registry", path, err)
		}
		for _, r := range rows {
			if err := tw.Copy(r.rec, len(header), 0); err != nil {
				return failure.WrapIO("write registry", path, err)
			}
		}
		return failure.WrapIO("write registry", path, tw.Flush())
	})
}
