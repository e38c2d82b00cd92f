package sidedb

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens a sidedb.KeyValue backed by modernc.org/sqlite, a
// pure-Go driver with no cgo requirement — used by this package's tests so
// they don't touch leveldb's file locking
// (SPEC_FULL.md §B: "alternate/test-only side-index backend"). path may be
// ":memory:" for an ephemeral store.
func OpenSQLite(path string) (KeyValue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sidedb: opening sqlite %s: %w", path, err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (k TEXT PRIMARY KEY, v TEXT NOT NULL)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sidedb: creating sqlite schema: %w", err)
	}
	return &sqliteKV{db: db}, nil
}

type sqliteKV struct {
	db *sql.DB
}

func (k *sqliteKV) Get(key string) (string, error) {
	var v string
	err := k.db.QueryRow(`SELECT v FROM kv WHERE k = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

func (k *sqliteKV) Set(key, value string) error {
	_, err := k.db.Exec(`INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`, key, value)
	return err
}

func (k *sqliteKV) Delete(key string) error {
	_, err := k.db.Exec(`DELETE FROM kv WHERE k = ?`, key)
	return err
}

func (k *sqliteKV) Find(key string) Iterator {
	rows, err := k.db.Query(`SELECT k, v FROM kv WHERE k >= ? ORDER BY k ASC`, key)
	if err != nil {
		return &sqliteIter{err: err}
	}
	return &sqliteIter{rows: rows}
}

func (k *sqliteKV) Close() error { return k.db.Close() }

type sqliteIter struct {
	rows       *sql.Rows
	err        error
	key, value string
}

func (i *sqliteIter) Next() bool {
	if i.err != nil || i.rows == nil {
		return false
	}
	if !i.rows.Next() {
		i.err = i.rows.Err()
		return false
	}
	i.err = i.rows.Scan(&i.key, &i.value)
	return i.err == nil
}

func (i *sqliteIter) Key() string   { return i.key }
func (i *sqliteIter) Value() string { return i.value }

func (i *sqliteIter) Close() error {
	if i.rows != nil {
		i.rows.Close()
	}
	return i.err
}
