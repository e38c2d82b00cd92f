package sidedb

import "strconv"

const maxRecNoKey = "max-sync-log-rec-no"

// Index is the typed side-index schema layered over a raw KeyValue: just
// the Sync Log's persisted rec-no high-water mark (spec.md §4.1/§4.4,
// "storage.prefix.index.db ... a single max-sync-log-rec-no row"). The
// heap file table spec.md §4.1 also mentions is not duplicated here: the
// Record Heap's files are self-describing (a magic number per stream
// kind, see internal/heap/file.go) and rediscovered by a directory scan
// on Open, so there is nothing left for a side catalog to add.
type Index struct {
	kv KeyValue
}

func New(kv KeyValue) *Index {
	return &Index{kv: kv}
}

func (x *Index) Close() error { return x.kv.Close() }

// PutMaxRecNo persists the Sync Log's process-global rec-no high-water
// mark, per MinRecNoSavePeriod (spec.md §4.4/§6, default 10s), so a
// restart doesn't hand out rec-nos already used before the crash.
func (x *Index) PutMaxRecNo(recNo uint64) error {
	return x.kv.Set(maxRecNoKey, strconv.FormatUint(recNo, 10))
}

// MaxRecNo returns the persisted high-water mark, or 0 if none has ever
// been saved (a brand-new node).
func (x *Index) MaxRecNo() (uint64, error) {
	v, err := x.kv.Get(maxRecNoKey)
	if err == ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(v, 10, 64)
}
