package piproxy

import (
	"bytes"
	"encoding/gob"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const entryPrefix = "e:"

// levelDBStore keeps gob-encoded entries in a LevelDB instance backed by
// memory storage, so nothing outlives the process.
type levelDBStore struct {
	db *leveldb.DB
}

func newLevelDBStore() (*levelDBStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &levelDBStore{db: db}, nil
}

func (d *levelDBStore) Load(key EndpointName) (CacheEntry, bool) {
	b, err := d.db.Get([]byte(entryPrefix+string(key)), nil)
	if err != nil {
		return CacheEntry{}, false
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false
	}
	return ent, true
}

func (d *levelDBStore) Store(key EndpointName, ent CacheEntry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	return d.db.Put([]byte(entryPrefix+string(key)), b, nil)
}

func (d *levelDBStore) Keys() []EndpointName {
	it := d.db.NewIterator(util.BytesPrefix([]byte(entryPrefix)), nil)
	defer it.Release()

	var out []EndpointName
	for it.Next() {
		out = append(out, EndpointName(bytes.TrimPrefix(it.Key(), []byte(entryPrefix))))
	}
	return out
}

func (d *levelDBStore) Close() error {
	return d.db.Close()
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}
