// Package ncerr defines the closed set of error kinds the storage core can
// produce, client-visible and internal. Modeled on the teacher's sentinel-
// error style (blobserver.ErrNotImplemented, blobserver.ErrCorruptBlob in
// camlistore.org/pkg/blobserver/interface.go): package-scope errors.New
// values, inspected with errors.Is, wrapped with fmt.Errorf("...: %w", ...)
// for context. See spec.md §7.
package ncerr

import "errors"

// Client-visible kinds. A protocol layer (out of scope here) translates
// these into "ERR:<message>" lines.
var (
	// ErrNotFound means no such key, or the key's blob has expired.
	ErrNotFound = errors.New("eNotFound")
	// ErrAuth means a password mismatch, or an admin command from a
	// disallowed host.
	ErrAuth = errors.New("eAuthError")
	// ErrServer is a transient server condition: out of disk, too many
	// inflight writes.
	ErrServer = errors.New("eServerError")
	// ErrProtocol means a malformed command reached the core (normally
	// caught by the out-of-scope protocol parser first).
	ErrProtocol = errors.New("eProtocolError")
	// ErrTimeout means a peer or storage I/O wait exceeded its budget.
	ErrTimeout = errors.New("eTimeout")
)

// Internal kinds (spec.md §7). The storage code returns them wrapped like
// any other error; nothing in this module aborts the process on them.
var (
	// ErrCorruptStorage means a record's bounds or kind violated an
	// invariant of the record heap.
	ErrCorruptStorage = errors.New("eCorruptStorage")
	// ErrWrongRecordKind means a coordinate was resolved to a record of
	// a kind the caller didn't expect.
	ErrWrongRecordKind = errors.New("eWrongRecordKind")
	// ErrReconfigRejected means a reconfiguration attempted to change
	// self's slot list, which spec.md §4.5 forbids after startup.
	ErrReconfigRejected = errors.New("eReconfigRejected")
)

// Fataler aborts the process on unrecoverable storage corruption. It is
// injected via StorageContext so tests can intercept it instead of the
// package calling os.Exit or log.Fatal directly.
type Fataler interface {
	Fatal(err error)
}

// LogFatal is the production Fataler: it logs and calls os.Exit(2), per
// spec.md §6's "storage unrecoverable" exit code.
type LogFatal struct {
	Logger interface{ Printf(string, ...interface{}) }
	Exit   func(code int)
}

func (f LogFatal) Fatal(err error) {
	if f.Logger != nil {
		f.Logger.Printf("netcache: fatal storage error: %v", err)
	}
	exit := f.Exit
	if exit == nil {
		exit = defaultExit
	}
	exit(2)
}
