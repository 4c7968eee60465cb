// Package diskcache provides a bounded on-disk block cache decorator for
// rangereader.Reader.
//
// Reads are widened to fixed-size blocks and each block is stored as a
// single file named by the hex-encoded SHA-256 hash of
// (source_id, block_size, block_index), sharded into subdirectories by
// hash prefix so a single directory never holds an unbounded number of
// entries. A bbolt-backed index tracks (path, length, last_access) per
// key for fast startup and LRU eviction; if the index file is missing, it
// is rebuilt from a filesystem scan, and if it cannot be opened the Store
// runs without an index, taking its byte total from the scan (Prune then
// evicts nothing). Filesystem access
// goes through afero.Fs so tests can run against an in-memory
// filesystem instead of touching disk.
package diskcache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/singleflight"

	"github.com/tileverse-io/rangereader-go"
	"github.com/tileverse-io/rangereader-go/metrics"
)

// DefaultBlockSize is the block granularity used absent an explicit
// WithBlockSize.
const DefaultBlockSize = 1 << 20

// DefaultShardPrefixLen is the number of hex characters used to shard
// cache files into subdirectories.
const DefaultShardPrefixLen = 2

const indexBucket = "blocks"

var dirPerm os.FileMode = 0o755

// Store is a shared, bounded on-disk block cache. A single Store can back
// Readers for many distinct source objects; blocks are namespaced by
// source ID within the hash key.
type Store struct {
	fs             afero.Fs
	usesRealFs     bool
	dir            string
	blockSize      int64
	shardPrefixLen int
	maxBytes       int64

	db *bolt.DB

	mu        sync.Mutex
	curBytes  int64
	fetch     singleflight.Group
	metrics   *metrics.CacheMetrics
	indexPath string
	logger    *slog.Logger
}

// Option configures a Store.
type Option func(*config)

type config struct {
	fs             afero.Fs
	usesRealFs     bool
	blockSize      int64
	shardPrefixLen int
	maxBytes       int64
	logger         *slog.Logger
}

// WithFs overrides the afero.Fs used for block storage. Defaults to
// afero.NewOsFs(). Tests may pass afero.NewMemMapFs() to avoid touching
// the real filesystem; in that mode the bbolt index is skipped (bbolt
// mmaps a real file and cannot run over a virtual filesystem) and block
// accounting falls back to a directory scan on Open.
func WithFs(fs afero.Fs) Option {
	return func(c *config) { c.fs, c.usesRealFs = fs, false }
}

// WithBlockSize overrides DefaultBlockSize.
func WithBlockSize(n int64) Option {
	return func(c *config) { c.blockSize = n }
}

// WithShardPrefixLen overrides DefaultShardPrefixLen. 0 disables sharding.
func WithShardPrefixLen(n int) Option {
	return func(c *config) { c.shardPrefixLen = n }
}

// WithMaxBytes bounds the total on-disk size of cached blocks. 0 (the
// default) disables the bound.
func WithMaxBytes(n int64) Option {
	return func(c *config) { c.maxBytes = n }
}

// WithLogger sets the logger used for index-fallback and eviction
// diagnostics. Defaults to a discarding logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// Open creates or reopens a Store rooted at dir. The index is loaded from
// <dir>/index.db; if absent it is rebuilt by scanning dir, and if it
// cannot be opened the Store runs without an index, taking its byte total
// from a scan of dir.
func Open(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, rangereader.New("open", rangereader.KindInvalidArgument, "disk cache dir is empty")
	}
	cfg := config{fs: afero.NewOsFs(), usesRealFs: true, blockSize: DefaultBlockSize, shardPrefixLen: DefaultShardPrefixLen, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}
	if cfg.blockSize <= 0 {
		return nil, rangereader.New("open", rangereader.KindInvalidArgument, "block size must be > 0")
	}
	if cfg.shardPrefixLen < 0 {
		return nil, rangereader.New("open", rangereader.KindInvalidArgument, "shard prefix length must be >= 0")
	}
	if cfg.maxBytes < 0 {
		return nil, rangereader.New("open", rangereader.KindInvalidArgument, "max bytes must be >= 0")
	}

	if err := cfg.fs.MkdirAll(dir, dirPerm); err != nil {
		return nil, rangereader.Wrap("open", rangereader.KindIO, err)
	}

	s := &Store{
		fs:             cfg.fs,
		usesRealFs:     cfg.usesRealFs,
		dir:            dir,
		blockSize:      cfg.blockSize,
		shardPrefixLen: cfg.shardPrefixLen,
		maxBytes:       cfg.maxBytes,
		metrics:        metrics.NewCacheMetrics(nil, "disk"),
		indexPath:      filepath.Join(dir, "index.db"),
		logger:         cfg.logger,
	}

	if err := s.openIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// openIndex opens the bbolt index on the real OS filesystem (bbolt mmaps
// the file directly and cannot run over afero). When the Store's afero.Fs
// is not the OS filesystem — as in tests using an in-memory fs — the
// index is skipped and size accounting is rebuilt by a directory scan
// instead, keeping Store usable in both modes.
func (s *Store) openIndex() error {
	if !s.usesRealFs {
		return s.rebuildFromScan()
	}

	_, statErr := os.Stat(s.indexPath)
	indexMissing := os.IsNotExist(statErr)

	db, err := bolt.Open(s.indexPath, 0o644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		s.logger.Debug("diskcache: index open failed, rebuilding from scan", "path", s.indexPath, "error", err)
		return s.rebuildFromScan()
	}
	s.db = db

	var total int64
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(indexBucket))
		if err != nil {
			return err
		}
		return b.ForEach(func(_, v []byte) error {
			e, ok := decodeIndexEntry(v)
			if ok {
				total += e.Length
			}
			return nil
		})
	})
	if err != nil {
		s.logger.Debug("diskcache: index read failed, rebuilding from scan", "path", s.indexPath, "error", err)
		return s.rebuildFromScan()
	}
	if indexMissing {
		s.logger.Debug("diskcache: index missing, rebuilding from scan", "path", s.indexPath)
		return s.rebuildFromScan()
	}
	s.curBytes = total
	return nil
}

// rebuildFromScan recomputes curBytes by walking the cache directory and,
// when an index is open, records every block file it finds in the index.
// Used when no bbolt index is available, readable, or present.
func (s *Store) rebuildFromScan() error {
	var total int64
	err := afero.Walk(s.fs, s.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil //nolint:nilerr // a transient walk error just skips that entry
		}
		if !info.IsDir() && filepath.Ext(path) == ".blk" {
			total += info.Size()
			s.putIndexEntry(strings.TrimSuffix(filepath.Base(path), ".blk"), path, info.Size())
		}
		return nil
	})
	if err != nil {
		return rangereader.Wrap("open", rangereader.KindIO, err)
	}
	s.curBytes = total
	return nil
}

// Close releases the index database, if one is open.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SizeBytes returns the current total size of cached blocks.
func (s *Store) SizeBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.curBytes
}

// Wrap returns a Reader that serves reads from inner through this Store's
// block cache, namespaced by inner's SourceID.
func (s *Store) Wrap(inner rangereader.Reader) (*Reader, error) {
	if inner == nil {
		return nil, rangereader.New("wrap", rangereader.KindInvalidArgument, "inner reader is nil")
	}
	r := &Reader{inner: inner, store: s}
	r.Base = rangereader.NewBase(r)
	return r, nil
}

// Reader is a rangereader.Reader backed by a Store's on-disk blocks.
type Reader struct {
	*rangereader.Base
	inner rangereader.Reader
	store *Store
}

// ReadAtRaw implements rangereader.Backend.
func (r *Reader) ReadAtRaw(ctx context.Context, dst []byte, offset int64) (int, error) {
	size, sizeKnown, err := r.inner.Size(ctx)
	if err != nil {
		return 0, err
	}

	blockSize := r.store.blockSize
	requestedEnd := offset + int64(len(dst))
	startBlock := offset / blockSize
	endBlock := (requestedEnd - 1) / blockSize

	var total int
	for block := startBlock; block <= endBlock; block++ {
		blockStart := block * blockSize
		blockEnd := blockStart + blockSize
		if sizeKnown && blockEnd > size {
			blockEnd = size
		}
		blockLen := blockEnd - blockStart
		if blockLen <= 0 {
			break
		}

		data, err := r.store.getBlock(ctx, r.inner, r.inner.SourceID(), block, blockStart, blockLen)
		if err != nil {
			return total, err
		}

		copyStart := max(offset, blockStart)
		copyEnd := min(requestedEnd, blockStart+int64(len(data)))
		if copyEnd > copyStart {
			copy(dst[copyStart-offset:copyEnd-offset], data[copyStart-blockStart:copyEnd-blockStart])
			total += int(copyEnd - copyStart)
		}

		if int64(len(data)) < blockLen {
			break
		}
	}
	return total, nil
}

// SizeRaw implements rangereader.Backend.
func (r *Reader) SizeRaw(ctx context.Context) (int64, bool, error) { return r.inner.Size(ctx) }

// SourceIDRaw implements rangereader.Backend.
func (r *Reader) SourceIDRaw() string { return "diskcache:" + r.inner.SourceID() }

// CloseRaw implements rangereader.Backend.
func (r *Reader) CloseRaw() error { return r.inner.Close() }

// getBlock returns blockLen bytes of sourceID's block-th block, serving
// from disk on a hit and populating the cache on a miss. Concurrent
// misses for the identical block are coalesced via singleflight.
func (s *Store) getBlock(ctx context.Context, inner rangereader.Reader, sourceID string, block, blockStart, blockLen int64) ([]byte, error) {
	hexKey := s.blockKeyHex(sourceID, block)
	path := s.pathForKey(hexKey)

	v, err, _ := s.fetch.Do(hexKey, func() (any, error) {
		if data, ok := s.readBlock(path, blockLen); ok {
			s.touch(hexKey)
			s.metrics.Hits.Inc()
			return data, nil
		}
		s.metrics.Misses.Inc()

		start := time.Now()
		buf := make([]byte, blockLen)
		n, err := inner.ReadAt(ctx, buf, blockStart)
		s.metrics.LoadTime.Observe(time.Since(start).Seconds())
		if err != nil {
			return nil, err
		}
		buf = buf[:n]

		// Cache writes are opportunistic: a write failure still returns
		// the freshly-fetched bytes to the caller.
		_ = s.writeBlock(hexKey, path, buf) //nolint:errcheck
		return buf, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil //nolint:errcheck // only this func ever populates the singleflight group
}

func (s *Store) readBlock(path string, wantLen int64) ([]byte, bool) {
	f, err := s.fs.Open(path)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, f); err != nil {
		return nil, false
	}
	if int64(buf.Len()) != wantLen {
		return nil, false
	}
	return buf.Bytes(), true
}

func (s *Store) writeBlock(hexKey, path string, data []byte) error {
	if ok, err := s.ensureCapacity(int64(len(data))); err != nil {
		return err
	} else if !ok {
		return nil
	}

	dir := filepath.Dir(path)
	if err := s.fs.MkdirAll(dir, dirPerm); err != nil {
		return err
	}

	// A uuid-named temp file, rather than afero.TempFile's own random
	// suffix, keeps the in-flight write identifiable in logs independent
	// of the backing filesystem implementation.
	tmpPath := filepath.Join(dir, "block-"+uuid.NewString()+".tmp")
	tmp, err := s.fs.Create(tmpPath)
	if err != nil {
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = s.fs.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpPath)
		return err
	}

	if err := s.fs.Rename(tmpPath, path); err != nil {
		if _, statErr := s.fs.Stat(path); statErr == nil {
			_ = s.fs.Remove(tmpPath)
			return nil
		}
		_ = s.fs.Remove(tmpPath)
		return err
	}

	s.mu.Lock()
	s.curBytes += int64(len(data))
	s.mu.Unlock()
	s.metrics.Bytes.Set(float64(s.SizeBytes()))

	s.putIndexEntry(hexKey, path, int64(len(data)))
	return nil
}

func (s *Store) ensureCapacity(need int64) (bool, error) {
	if s.maxBytes <= 0 {
		return true, nil
	}
	if need > s.maxBytes {
		return false, nil
	}
	if s.SizeBytes()+need <= s.maxBytes {
		return true, nil
	}
	if _, err := s.Prune(s.maxBytes - need); err != nil {
		return false, err
	}
	return s.SizeBytes()+need <= s.maxBytes, nil
}

// Prune evicts least-recently-used blocks until the total on-disk size is
// at or below targetBytes, returning the number of bytes freed.
func (s *Store) Prune(targetBytes int64) (int64, error) {
	if targetBytes < 0 {
		targetBytes = 0
	}
	if s.db == nil {
		// No index to drive LRU ordering without an OS filesystem; the
		// in-memory-fs test mode has no eviction policy beyond the
		// exact-capacity check in ensureCapacity.
		return 0, nil
	}

	entries, err := s.listByLastAccess()
	if err != nil {
		return 0, rangereader.Wrap("prune", rangereader.KindIO, err)
	}

	var freed int64
	for _, e := range entries {
		if s.SizeBytes()-freed <= targetBytes {
			break
		}
		if err := s.fs.Remove(e.Path); err != nil && !os.IsNotExist(err) {
			continue
		}
		s.removeIndexEntry(e.Key)
		freed += e.Length
		s.metrics.Evictions.Inc()
	}

	s.mu.Lock()
	s.curBytes -= freed
	s.mu.Unlock()
	s.metrics.Bytes.Set(float64(s.SizeBytes()))
	if freed > 0 {
		s.logger.Debug("diskcache: pruned", "freed_bytes", freed, "target_bytes", targetBytes)
	}
	return freed, nil
}

func (s *Store) blockKeyHex(sourceID string, block int64) string {
	hasher := sha256.New()
	_, _ = hasher.Write([]byte(sourceID)) //nolint:errcheck // hash writes never fail

	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(s.blockSize)) //nolint:gosec // blockSize validated > 0 in Open
	binary.BigEndian.PutUint64(buf[8:], uint64(block))       //nolint:gosec // block index always >= 0
	_, _ = hasher.Write(buf[:])                              //nolint:errcheck

	return hex.EncodeToString(hasher.Sum(nil))
}

func (s *Store) pathForKey(hexKey string) string {
	if s.shardPrefixLen <= 0 {
		return filepath.Join(s.dir, hexKey+".blk")
	}
	n := s.shardPrefixLen
	if n > len(hexKey) {
		n = len(hexKey)
	}
	return filepath.Join(s.dir, hexKey[:n], hexKey+".blk")
}
