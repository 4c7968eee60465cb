package diskcache

import (
	"encoding/binary"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

// indexEntry is the metadata bbolt persists per cached block: its file
// path, length, and last access time, used to drive LRU eviction without
// a filesystem stat-and-sort pass on every Prune.
type indexEntry struct {
	Path       string
	Length     int64
	LastAccess int64 // unix nanos
}

type indexRecord struct {
	Key string
	indexEntry
}

func encodeIndexEntry(e indexEntry) []byte {
	pathBytes := []byte(e.Path)
	buf := make([]byte, 8+8+len(pathBytes))
	binary.BigEndian.PutUint64(buf[0:8], uint64(e.Length))     //nolint:gosec // lengths are never negative
	binary.BigEndian.PutUint64(buf[8:16], uint64(e.LastAccess)) //nolint:gosec // unix nanos fit uint64 until year 2262
	copy(buf[16:], pathBytes)
	return buf
}

func decodeIndexEntry(b []byte) (indexEntry, bool) {
	if len(b) < 16 {
		return indexEntry{}, false
	}
	return indexEntry{
		Length:     int64(binary.BigEndian.Uint64(b[0:8])),  //nolint:gosec // round-trips a value this package wrote
		LastAccess: int64(binary.BigEndian.Uint64(b[8:16])), //nolint:gosec // round-trips a value this package wrote
		Path:       string(b[16:]),
	}, true
}

// putIndexEntry records (or refreshes) a block's metadata. Index write
// failures are swallowed: the index only accelerates startup and
// eviction ordering, it is never the source of truth for what is on disk.
func (s *Store) putIndexEntry(key, path string, length int64) {
	if s.db == nil {
		return
	}
	e := indexEntry{Path: path, Length: length, LastAccess: time.Now().UnixNano()}
	_ = s.db.Update(func(tx *bolt.Tx) error { //nolint:errcheck
		b := tx.Bucket([]byte(indexBucket))
		if b == nil {
			return nil
		}
		return b.Put([]byte(key), encodeIndexEntry(e))
	})
}

// touch refreshes a block's last-access time on a cache hit, so LRU
// ordering in Prune reflects reads as well as writes.
func (s *Store) touch(key string) {
	if s.db == nil {
		return
	}
	_ = s.db.Update(func(tx *bolt.Tx) error { //nolint:errcheck
		b := tx.Bucket([]byte(indexBucket))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(key))
		if v == nil {
			return nil
		}
		e, ok := decodeIndexEntry(v)
		if !ok {
			return nil
		}
		e.LastAccess = time.Now().UnixNano()
		return b.Put([]byte(key), encodeIndexEntry(e))
	})
}

func (s *Store) removeIndexEntry(key string) {
	if s.db == nil {
		return
	}
	_ = s.db.Update(func(tx *bolt.Tx) error { //nolint:errcheck
		b := tx.Bucket([]byte(indexBucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// listByLastAccess returns every indexed block ordered oldest-accessed
// first, the order Prune evicts in.
func (s *Store) listByLastAccess() ([]indexRecord, error) {
	var records []indexRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(indexBucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			e, ok := decodeIndexEntry(v)
			if !ok {
				return nil
			}
			records = append(records, indexRecord{Key: string(k), indexEntry: e})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].LastAccess < records[j].LastAccess
	})
	return records, nil
}
