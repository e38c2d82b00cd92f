// Package stats is the counters sink every core component is handed
// through its StorageContext, backing the GETSTAT admin surface (out of
// scope; the protocol layer reads these, spec.md §6). Grounded on the
// teacher's use of the standard library's expvar package for process
// counters (pkg/blobserver/diskpacked/diskpacked_test.go tracks open file
// descriptors via expvar.Int) rather than a third-party metrics library —
// perkeep.org never imports one outside of transitive tailscale
// dependencies, so reaching for expvar here keeps the ambient stack
// consistent with what the teacher actually does (see DESIGN.md).
package stats

import (
	"expvar"
	"fmt"
	"sync/atomic"
)

var seq atomic.Int64

// Sink is the set of process-wide counters the spec's components update.
// Each field is an *expvar.Int so the counters are visible under /debug/vars
// in any embedding process without extra wiring, and safe for concurrent
// use without an external mutex.
type Sink struct {
	CurDBSize    *expvar.Int
	GarbageSize  *expvar.Int
	FilesCreated *expvar.Int
	FilesRemoved *expvar.Int

	CopyReqsRejected *expvar.Int
	CntNWErrors      *expvar.Int
	PeersThrottled   *expvar.Int

	BlobsExpired    *expvar.Int
	BlobsCompacted  *expvar.Int
	SyncEventsSent  *expvar.Int
	SyncEventsRecvd *expvar.Int
	FullResyncs     *expvar.Int
}

// New returns a Sink with freshly allocated, independently-named counters
// so multiple Sinks (e.g. one per test) never collide on expvar's global
// publish namespace.
func New(namePrefix string) *Sink {
	namePrefix = fmt.Sprintf("%s.%d", namePrefix, seq.Add(1))
	mk := func(suffix string) *expvar.Int {
		return expvar.NewInt(namePrefix + "." + suffix)
	}
	return &Sink{
		CurDBSize:        mk("cur_db_size"),
		GarbageSize:      mk("garbage_size"),
		FilesCreated:     mk("files_created"),
		FilesRemoved:     mk("files_removed"),
		CopyReqsRejected: mk("copy_reqs_rejected"),
		CntNWErrors:      mk("cnt_nw_errors"),
		PeersThrottled:   mk("peers_throttled"),
		BlobsExpired:     mk("blobs_expired"),
		BlobsCompacted:   mk("blobs_compacted"),
		SyncEventsSent:   mk("sync_events_sent"),
		SyncEventsRecvd:  mk("sync_events_recvd"),
		FullResyncs:      mk("full_resyncs"),
	}
}
