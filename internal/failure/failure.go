// Package failure defines the error kinds surfaced by the pipeline tools.
package failure

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"
)

// Kind names a class of failure. The string form is what the CLI prints.
type Kind string

const (
	KindConfiguration  Kind = "ConfigurationError"
	KindSourceAnalysis Kind = "SourceAnalysisError"
	KindValidation     Kind = "ValidationError"
	KindSchema         Kind = "SchemaError"
)

// Sentinels for errors.Is checks.
var (
	ErrConfiguration  = &Error{Kind: KindConfiguration}
	ErrSourceAnalysis = &Error{Kind: KindSourceAnalysis}
	ErrValidation     = &Error{Kind: KindValidation}
	ErrSchema         = &Error{Kind: KindSchema}
)

// Error is a kinded failure with an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg == "" && e.Err == nil:
		return string(e.Kind)
	case e.Err == nil:
		return e.Msg
	case e.Msg == "":
		return e.Err.Error()
	default:
		return e.Msg + ": " + e.Err.Error()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Configuration(format string, args ...any) error {
	return newf(KindConfiguration, format, args...)
}

func SourceAnalysis(path string, err error) error {
	return &Error{Kind: KindSourceAnalysis, Msg: "analyzing " + path, Err: err}
}

func Validation(format string, args ...any) error {
	return newf(KindValidation, format, args...)
}

func Schema(format string, args ...any) error {
	return newf(KindSchema, format, args...)
}

// IOError attaches the operation and path to a filesystem failure.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// WrapIO returns nil for a nil err.
func WrapIO(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Path: path, Err: err}
}

// KindOf reports the printable class of err: its Kind when kinded, otherwise a
// name derived from the innermost well-known error type.
func KindOf(err error) string {
	var ke *Error
	if errors.As(err, &ke) {
		return string(ke.Kind)
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "FileNotFoundError"
	case errors.Is(err, fs.ErrPermission):
		return "PermissionError"
	}
	var ioe *IOError
	var pe *fs.PathError
	var le *os.LinkError
	if errors.As(err, &ioe) || errors.As(err, &pe) || errors.As(err, &le) {
		return "OSError"
	}
	return "Error"
}

// OSDetails carries the fields printed for operating-system failures.
type OSDetails struct {
	Errno     int
	Filename  string
	Filename2 string
}

// OSDetailsOf extracts errno and file names from err. ok is false when err
// carries no operating-system failure.
func OSDetailsOf(err error) (d OSDetails, ok bool) {
	var pe *fs.PathError
	var le *os.LinkError
	var ioe *IOError
	switch {
	case errors.As(err, &pe):
		d.Filename = pe.Path
		ok = true
	case errors.As(err, &le):
		d.Filename = le.Old
		d.Filename2 = le.New
		ok = true
	case errors.As(err, &ioe):
		d.Filename = ioe.Path
		ok = true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		d.Errno = int(errno)
		ok = true
	}
	return d, ok
}
