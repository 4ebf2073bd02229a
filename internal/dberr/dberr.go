// Package dberr defines the closed error taxonomy shared by every storage
// and transaction component in warrendb. Core packages never return raw
// strings or ad-hoc errors.Errorf values; they return *Error (or nil) so
// callers at any layer can switch on Kind without string matching.
package dberr

import "fmt"

// Kind is a closed set of error categories. New kinds must not be added
// without updating the wire-protocol error mapping in internal/wire.
type Kind int

const (
	// CacheFull: PageCache or record cache has no evictable entry.
	CacheFull Kind = iota + 1
	// FileExists: create mode found an existing file.
	FileExists
	// FileNotExists: open mode found a missing file.
	FileNotExists
	// FileCannotRW: missing read/write permission on a core file.
	FileCannotRW
	// BadLogFile: malformed WAL frame outside the tolerated crash-torn tail.
	BadLogFile
	// BadXIDFile: TxnIdStore file length does not match its own counter.
	BadXIDFile
	// DatabaseBusy: no page had room after bounded retry.
	DatabaseBusy
	// Deadlock: a cycle was detected on lock acquire.
	Deadlock
	// ConcurrentUpdate: the version-skip test fired during delete.
	ConcurrentUpdate
	// NullEntry: record absent or logically invalid at a uid.
	NullEntry
	// DataTooLarge: a user payload at or beyond the max record size.
	DataTooLarge
	// NestedTransaction: BEGIN issued while already inside a transaction.
	NestedTransaction
	// NoTransaction: COMMIT/ABORT issued with no open transaction.
	NoTransaction
	// DuplicatedTable: CREATE TABLE named an existing table.
	DuplicatedTable
	// TableNotFound: a statement referenced an unknown table.
	TableNotFound
	// FieldNotFound: a statement referenced an unknown column.
	FieldNotFound
	// FieldNotIndexed: a WHERE clause named a column with no index.
	FieldNotIndexed
	// InvalidValues: value count/type mismatch against a table's schema.
	InvalidValues
	// InvalidField: a malformed column definition.
	InvalidField
	// InvalidLogOp: an unrecognized WAL record type.
	InvalidLogOp
	// InvalidCommand: the parser could not make sense of a statement.
	InvalidCommand
	// InvalidMem: a malformed memory-budget configuration value.
	InvalidMem
	// InvalidPkgData: malformed wire packet framing.
	InvalidPkgData
)

var names = map[Kind]string{
	CacheFull:          "cache_full",
	FileExists:         "file_exists",
	FileNotExists:      "file_not_exists",
	FileCannotRW:       "file_cannot_rw",
	BadLogFile:         "bad_log_file",
	BadXIDFile:         "bad_xid_file",
	DatabaseBusy:       "database_busy",
	Deadlock:           "deadlock",
	ConcurrentUpdate:   "concurrent_update",
	NullEntry:          "null_entry",
	DataTooLarge:       "data_too_large",
	NestedTransaction:  "nested_transaction",
	NoTransaction:      "no_transaction",
	DuplicatedTable:    "duplicated_table",
	TableNotFound:      "table_not_found",
	FieldNotFound:      "field_not_found",
	FieldNotIndexed:    "field_not_indexed",
	InvalidValues:      "invalid_values",
	InvalidField:       "invalid_field",
	InvalidLogOp:       "invalid_log_op",
	InvalidCommand:     "invalid_command",
	InvalidMem:         "invalid_mem",
	InvalidPkgData:     "invalid_pkg_data",
}

func (k Kind) String() string {
	if s, ok := names[k]; ok {
		return s
	}
	return "unknown"
}

// Fatal reports whether an error of this kind indicates on-disk corruption
// or a startup precondition failure that the coordinator cannot recover
// from. The classification changes no control flow by itself: core
// packages return errors of these kinds to their callers like any other
// error, and only an error passed to engine.Coordinator.Fatal reaches a
// FatalHandler.
func (k Kind) Fatal() bool {
	switch k {
	case FileExists, FileNotExists, FileCannotRW, BadLogFile, BadXIDFile:
		return true
	default:
		return false
	}
}

// Error is the concrete error value every core package returns.
type Error struct {
	Kind Kind
	Msg  string
	Err  error // optional wrapped cause
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error with a formatted message, no wrapped cause.
func New(k Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error of the given kind around an existing error.
func Wrap(k Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Err: err}
}

// Wrapf constructs an *Error of the given kind around an existing error,
// with an additional message.
func Wrapf(k Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Is reports whether err is a *Error of kind k, unwrapping as needed.
func Is(err error, k Kind) bool {
	for err != nil {
		if de, ok := err.(*Error); ok {
			if de.Kind == k {
				return true
			}
			err = de.Err
			continue
		}
		return false
	}
	return false
}

// KindOf extracts the Kind from err, if it is (or wraps) a *Error.
func KindOf(err error) (Kind, bool) {
	for err != nil {
		if de, ok := err.(*Error); ok {
			return de.Kind, true
		}
		return 0, false
	}
	return 0, false
}

// FatalHandler receives the errors passed to engine.Coordinator.Fatal.
// The default implementation logs and terminates the process; a caller
// can supply one (engine.WithFatalHandler) that records the error and
// returns instead.
type FatalHandler func(err *Error)
