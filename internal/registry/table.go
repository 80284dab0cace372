package registry

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"modelearth/pipeline/internal/failure"
)

const peekSize = 64 * 1024

// record is one registry row: its decoded cells and the source text it was
// read from, without the line terminator.
type record struct {
	cells []string
	raw   []byte
}

// tableReader reads a registry record by record. The header has already been
// consumed and the line terminator detected.
type tableReader struct {
	f      *os.File
	r      *csv.Reader
	tap    *rawTap
	header []string
	crlf   bool
}

func openTable(path string) (*tableReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, failure.WrapIO("open registry", path, err)
	}
	tap := &rawTap{r: f}
	br := bufio.NewReaderSize(tap, peekSize)
	crlf := detectCRLF(br)

	r := newReader(br)
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		f.Close()
		return nil, failure.Schema("registry has no header row: %s", path)
	}
	if err != nil {
		f.Close()
		return nil, failure.WrapIO("read registry", path, err)
	}
	tap.take(r.InputOffset())
	return &tableReader{f: f, r: r, tap: tap, header: header, crlf: crlf}, nil
}

func newReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	return cr
}

// detectCRLF reports whether the first line ends in "\r\n". Files without a
// newline in the first peekSize bytes are treated as "\r\n", which is what
// the registry has always been written with.
func detectCRLF(br *bufio.Reader) bool {
	b, _ := br.Peek(peekSize)
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		return true
	}
	return i > 0 && b[i-1] == '\r'
}

// Read returns the next record or io.EOF. Cells keep "\r\n" inside quoted
// values, which csv.Reader would fold to "\n".
func (t *tableReader) Read() (record, error) {
	cells, err := t.r.Read()
	if err != nil {
		return record{}, err
	}
	raw := trimRecord(t.tap.take(t.r.InputOffset()))
	if exact, ok := decodeExact(raw); ok {
		cells = exact
	}
	return record{cells: cells, raw: raw}, nil
}

func (t *tableReader) Close() error {
	return t.f.Close()
}

// rawTap keeps the bytes read from the file until the csv reader has
// consumed them.
type rawTap struct {
	r    io.Reader
	buf  []byte
	base int64
}

func (t *rawTap) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	t.buf = append(t.buf, p[:n]...)
	return n, err
}

// take returns the bytes up to offset end and drops them from the buffer.
func (t *rawTap) take(end int64) []byte {
	n := int(end - t.base)
	if n > len(t.buf) {
		n = len(t.buf)
	}
	out := append([]byte(nil), t.buf[:n]...)
	t.buf = append(t.buf[:0], t.buf[n:]...)
	t.base += int64(n)
	return out
}

// trimRecord strips the blank lines csv.Reader skips before a record and the
// record's own terminator.
func trimRecord(raw []byte) []byte {
	raw = bytes.TrimLeft(raw, "\r\n")
	raw = bytes.TrimSuffix(raw, []byte("\n"))
	return bytes.TrimSuffix(raw, []byte("\r"))
}

// decodeExact re-parses a record that holds carriage returns with each "\r"
// swapped for NUL, so quoted "\r\n" survives decoding.
func decodeExact(raw []byte) ([]string, bool) {
	if bytes.IndexByte(raw, '\r') < 0 || bytes.IndexByte(raw, 0) >= 0 {
		return nil, false
	}
	cells, err := newReader(bytes.NewReader(bytes.ReplaceAll(raw, []byte{'\r'}, []byte{0}))).Read()
	if err != nil {
		return nil, false
	}
	for i, c := range cells {
		cells[i] = strings.ReplaceAll(c, "\x00", "\r")
	}
	return cells, true
}

// tableWriter writes registry records. Cell bytes are written as given and
// only the record terminator follows the registry's convention.
type tableWriter struct {
	w       *bufio.Writer
	cw      *csv.Writer
	scratch bytes.Buffer
	eol     string
}

func newTableWriter(w io.Writer, crlf bool) *tableWriter {
	t := &tableWriter{w: bufio.NewWriter(w), eol: "\n"}
	if crlf {
		t.eol = "\r\n"
	}
	t.cw = csv.NewWriter(&t.scratch)
	return t
}

// Write encodes cells as one record.
func (t *tableWriter) Write(cells []string) error {
	t.scratch.Reset()
	if err := t.cw.Write(cells); err != nil {
		return err
	}
	t.cw.Flush()
	if err := t.cw.Error(); err != nil {
		return err
	}
	return t.line(bytes.TrimSuffix(t.scratch.Bytes(), []byte("\n")))
}

// Copy writes rec unchanged when it already has width cells, adding empty
// cells for the extra columns. Other records are fitted and re-encoded.
func (t *tableWriter) Copy(rec record, width, extra int) error {
	if rec.raw == nil || len(rec.cells) != width {
		cells := rec.cells
		if len(cells) > width {
			cells = cells[:width]
		}
		return t.Write(fit(cells, width+extra))
	}
	t.w.Write(rec.raw)
	t.w.WriteString(strings.Repeat(",", extra))
	_, err := t.w.WriteString(t.eol)
	return err
}

func (t *tableWriter) line(b []byte) error {
	t.w.Write(b)
	_, err := t.w.WriteString(t.eol)
	return err
}

func (t *tableWriter) Flush() error {
	return t.w.Flush()
}

// fit pads or truncates record to width cells.
func fit(record []string, width int) []string {
	out := make([]string, width)
	copy(out, record)
	return out
}

// Table is a fully loaded registry.
type Table struct {
	Columns []string
	Rows    []NodeRow
}

// ReadTable loads the registry for read-only use.
func ReadTable(path string) (*Table, error) {
	tr, err := openTable(path)
	if err != nil {
		return nil, err
	}
	defer tr.Close()

	t := &Table{Columns: tr.header}
	for {
		rec, err := tr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, failure.WrapIO("read registry", path, err)
		}
		t.Rows = append(t.Rows, RowFromRecord(tr.header, rec.cells))
	}
	return t, nil
}

// Find returns the row whose node_id matches id, ignoring case and
// surrounding space.
func (t *Table) Find(id string) (NodeRow, bool) {
	key := matchKey(id)
	for _, r := range t.Rows {
		if matchKey(r.NodeID) == key {
			return r, true
		}
	}
	return NodeRow{}, false
}

// replaceFile writes through a temporary file in the same directory and
// renames it over path, keeping path's permission bits.
func replaceFile(path string, write func(io.Writer) error) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return failure.WrapIO("create temp file", dir, err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if info, statErr := os.Stat(path); statErr == nil {
		if err = tmp.Chmod(info.Mode().Perm()); err != nil {
			return failure.WrapIO("chmod temp file", tmp.Name(), err)
		}
	}
	if err = write(tmp); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return failure.WrapIO("write temp file", tmp.Name(), err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return failure.WrapIO("replace registry", path, err)
	}
	return nil
}
