// Package provider is a process-wide registry of backend factories,
// dispatching a URI to the Reader its matching provider constructs.
//
// Each backend package registers a Provider from its own init(), mirroring
// a service-provider lookup without relying on classpath-style scanning:
// importing a backend package for its side effect is what makes it
// available to Open. The registry is process-wide state with an
// initialize-once lifecycle; tests that need isolation should call
// ResetForTest and re-register only the providers they exercise.
package provider

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/tileverse-io/rangereader-go"
	"github.com/tileverse-io/rangereader-go/diskcache"
	"github.com/tileverse-io/rangereader-go/memcache"
)

// ParamType classifies a Param's value domain.
type ParamType int

const (
	ParamString ParamType = iota
	ParamBool
	ParamInt
	ParamURI
	ParamPath
)

// Param describes one typed, self-documenting configuration knob a
// provider accepts, matching the teacher's options-struct style but
// exposed as data so callers (CLIs, config loaders) can enumerate and
// validate configuration without a hardcoded schema.
type Param struct {
	Key         string
	Type        ParamType
	Default     any
	Group       string
	Subgroup    string
	Description string
}

// Config is an opaque bag of provider parameters, keyed by Param.Key.
// Providers type-assert the values they declared via Params().
type Config map[string]any

// String returns config[key] as a string, or def if absent or of the
// wrong type.
func (c Config) String(key, def string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return def
}

// Bool returns config[key] as a bool, or def if absent or of the wrong
// type.
func (c Config) Bool(key string, def bool) bool {
	if v, ok := c[key].(bool); ok {
		return v
	}
	return def
}

// Int64 returns config[key] as an int64, or def if absent or of the
// wrong type.
func (c Config) Int64(key string, def int64) int64 {
	switch v := c[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return def
	}
}

// ProviderID returns the explicit provider_id override, if set.
func (c Config) ProviderID() string {
	return c.String("provider_id", "")
}

// URI returns the config's target URI.
func (c Config) URI() string {
	return c.String("uri", "")
}

// Provider is the factory every backend registers. ID is a stable name
// ("file", "http", "s3", "azure", "gcs"); Order breaks ties between
// multiple providers that CanProcess the same config (lower runs first).
type Provider interface {
	ID() string
	Order() int
	Params() []Param
	CanProcess(cfg Config) bool
	CanProcessHeaders(uri string, headers http.Header) bool
	Create(ctx context.Context, cfg Config) (rangereader.Reader, error)
}

var (
	mu        sync.Mutex
	providers = map[string]Provider{}
)

// Register adds p to the process-wide registry, replacing any existing
// provider with the same ID. Intended to be called from each backend
// package's init().
func Register(p Provider) {
	mu.Lock()
	defer mu.Unlock()
	providers[p.ID()] = p
}

// ResetForTest clears the registry. Tests that register fakes should call
// this first for isolation from providers registered by other packages'
// init() functions.
func ResetForTest() {
	mu.Lock()
	defer mu.Unlock()
	providers = map[string]Provider{}
}

// Enabled reports whether the provider named id has not been disabled
// via IO_TILEVERSE_RANGEREADER_<ID>=false (case-insensitive id).
func Enabled(id string) bool {
	v := os.Getenv("IO_TILEVERSE_RANGEREADER_" + strings.ToUpper(id))
	if v == "" {
		return true
	}
	disabled, err := strconv.ParseBool(v)
	if err != nil {
		return true
	}
	return !disabled
}

// Open dispatches cfg to the matching registered provider and returns the
// Reader it constructs.
//
// Resolution order: an explicit cfg.ProviderID() is used as-is; otherwise
// every enabled provider's CanProcess is consulted and candidates are
// sorted by Order(). A single remaining candidate is used directly; more
// than one triggers an unauthenticated HEAD probe of the URI so
// CanProcessHeaders can disambiguate (e.g. `x-amz-*` vs `x-goog-*`).
func Open(ctx context.Context, cfg Config) (rangereader.Reader, error) {
	mu.Lock()
	snapshot := make([]Provider, 0, len(providers))
	for _, p := range providers {
		snapshot = append(snapshot, p)
	}
	mu.Unlock()

	if id := cfg.ProviderID(); id != "" {
		for _, p := range snapshot {
			if p.ID() == id {
				if !Enabled(id) {
					return nil, rangereader.New("open", rangereader.KindUnavailable, "provider "+id+" is disabled")
				}
				created, err := p.Create(ctx, cfg)
				if err != nil {
					return nil, err
				}
				return wrapWithCaching(created, cfg)
			}
		}
		return nil, rangereader.New("open", rangereader.KindUnavailable, "no provider registered with id "+id)
	}

	var candidates []Provider
	for _, p := range snapshot {
		if !Enabled(p.ID()) {
			continue
		}
		if p.CanProcess(cfg) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil, rangereader.New("open", rangereader.KindUnavailable, "no provider accepts uri "+cfg.URI())
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Order() < candidates[j].Order() })

	if len(candidates) > 1 {
		candidates = disambiguate(ctx, cfg, candidates)
	}

	created, err := candidates[0].Create(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return wrapWithCaching(created, cfg)
}

// disambiguate narrows multiple same-priority candidates using an
// unauthenticated HEAD probe. A probe failure is logged at debug level
// and never surfaced: disambiguation is best-effort, not an auth check,
// so candidates fall back to their original (order-sorted) ranking.
func disambiguate(ctx context.Context, cfg Config, candidates []Provider) []Provider {
	uri := cfg.URI()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, uri, nil)
	if err != nil {
		slog.Debug("provider disambiguation: building probe request failed", "uri", uri, "error", err)
		return candidates
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		slog.Debug("provider disambiguation: probe request failed", "uri", uri, "error", err)
		return candidates
	}
	defer resp.Body.Close()

	var matched []Provider
	for _, p := range candidates {
		if p.CanProcessHeaders(uri, resp.Header) {
			matched = append(matched, p)
		}
	}
	if len(matched) == 0 {
		return candidates
	}
	return matched
}

// GenericParams describes the cache/block-alignment knobs Open applies
// uniformly to whatever reader the resolved provider constructs,
// independent of any backend's own Params().
func GenericParams() []Param {
	return []Param{
		{Key: "memory.cache.enabled", Type: ParamBool, Default: false, Group: "memory.cache"},
		{Key: "memory.cache.block_aligned", Type: ParamBool, Default: false, Group: "memory.cache"},
		{Key: "memory.cache.block_size", Type: ParamInt, Default: int64(65536), Group: "memory.cache"},
		{Key: "disk.cache.enabled", Type: ParamBool, Default: false, Group: "disk.cache"},
		{Key: "disk.cache.dir", Type: ParamPath, Group: "disk.cache"},
		{Key: "disk.cache.max_bytes", Type: ParamInt, Group: "disk.cache"},
		{Key: "disk.cache.block_size", Type: ParamInt, Default: int64(1048576), Group: "disk.cache"},
	}
}

var (
	diskStoresMu sync.Mutex
	diskStores   = map[string]*diskcache.Store{}
)

// diskCacheStore returns the process-wide Store for cfg's disk.cache.dir,
// opening it on first use. Stores are kept process-wide (not one per Open
// call) because bbolt holds an exclusive file lock on the index; a second
// Open against the same directory would otherwise fail outright.
func diskCacheStore(cfg Config) (*diskcache.Store, error) {
	dir := cfg.String("disk.cache.dir", "")
	if dir == "" {
		return nil, rangereader.New("open", rangereader.KindInvalidArgument, "disk.cache.dir is required when disk.cache.enabled is true")
	}

	diskStoresMu.Lock()
	defer diskStoresMu.Unlock()
	if s, ok := diskStores[dir]; ok {
		return s, nil
	}

	var opts []diskcache.Option
	if blockSize := cfg.Int64("disk.cache.block_size", 0); blockSize > 0 {
		opts = append(opts, diskcache.WithBlockSize(blockSize))
	}
	if maxBytes := cfg.Int64("disk.cache.max_bytes", 0); maxBytes > 0 {
		opts = append(opts, diskcache.WithMaxBytes(maxBytes))
	}

	s, err := diskcache.Open(dir, opts...)
	if err != nil {
		return nil, err
	}
	diskStores[dir] = s
	return s, nil
}

// ResetDiskStoresForTest closes and forgets every process-wide disk cache
// store, mirroring ResetForTest's isolation guarantee for tests that
// exercise disk.cache.* config.
func ResetDiskStoresForTest() {
	diskStoresMu.Lock()
	defer diskStoresMu.Unlock()
	for _, s := range diskStores {
		_ = s.Close() //nolint:errcheck // best-effort cleanup between tests
	}
	diskStores = map[string]*diskcache.Store{}
}

// wrapWithCaching layers the generic disk and memory cache decorators over
// r per cfg, disk cache innermost (closer to the backend) and memory cache
// outermost, so a memory hit never touches disk. memory.cache.block_aligned
// puts the memory cache in its fused block-splitting mode rather than
// composing a separate block-alignment decorator underneath it, which
// would still key the memory cache by exact range and miss within an
// already-fetched block.
func wrapWithCaching(r rangereader.Reader, cfg Config) (rangereader.Reader, error) {
	if cfg.Bool("disk.cache.enabled", false) {
		store, err := diskCacheStore(cfg)
		if err != nil {
			return nil, err
		}
		wrapped, err := store.Wrap(r)
		if err != nil {
			return nil, err
		}
		r = wrapped
	}

	if cfg.Bool("memory.cache.enabled", false) {
		var opts []memcache.Option
		if cfg.Bool("memory.cache.block_aligned", false) {
			opts = append(opts, memcache.WithBlockSize(cfg.Int64("memory.cache.block_size", 65536)))
		}
		wrapped, err := memcache.Wrap(r, opts...)
		if err != nil {
			return nil, err
		}
		r = wrapped
	}

	return r, nil
}

// ParseScheme returns the URI scheme in uri, or "" if uri does not parse.
// A convenience shared by provider CanProcess implementations that match
// on scheme.
func ParseScheme(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return u.Scheme
}
