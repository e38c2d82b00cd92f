package sidedb

import (
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// OpenLevelDB opens (creating if absent) the production side index backend
// at path, mirroring the teacher's pkg/sorted/leveldb options: a bloom
// filter for point lookups, and writes left unsynced, so a crash can lose
// the most recently saved max rec-no.
func OpenLevelDB(path string) (KeyValue, error) {
	opts := &opt.Options{Filter: filter.NewBloomFilter(10)}
	db, err := leveldb.OpenFile(path, opts)
	if err != nil {
		return nil, fmt.Errorf("sidedb: opening leveldb %s: %w", path, err)
	}
	return &levelKV{db: db, writeOpts: &opt.WriteOptions{Sync: false}}, nil
}

type levelKV struct {
	db        *leveldb.DB
	writeOpts *opt.WriteOptions
}

func (k *levelKV) Get(key string) (string, error) {
	val, err := k.db.Get([]byte(key), nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return "", ErrNotFound
		}
		return "", err
	}
	return string(val), nil
}

func (k *levelKV) Set(key, value string) error {
	return k.db.Put([]byte(key), []byte(value), k.writeOpts)
}

func (k *levelKV) Delete(key string) error {
	return k.db.Delete([]byte(key), k.writeOpts)
}

func (k *levelKV) Find(key string) Iterator {
	var startB []byte
	if key != "" {
		startB = []byte(key)
	}
	return &levelIter{it: k.db.NewIterator(&util.Range{Start: startB}, nil)}
}

func (k *levelKV) Close() error { return k.db.Close() }

type levelIter struct {
	it interface {
		Next() bool
		Key() []byte
		Value() []byte
		Release()
		Error() error
	}
}

func (i *levelIter) Next() bool    { return i.it.Next() }
func (i *levelIter) Key() string   { return string(i.it.Key()) }
func (i *levelIter) Value() string { return string(i.it.Value()) }
func (i *levelIter) Close() error  { i.it.Release(); return i.it.Error() }
