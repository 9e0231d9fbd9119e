package closure

import (
	"fmt"
	"os"

	"github.com/dgraph-io/ristretto"

	"github.com/wreckinglabs/dragonkick/pkg/elfx"
)

// CachedReader is a Reader keeping the parsed binaries in memory, keyed by
// path, size and modification time, so a file changed on disk is parsed
// again. It is safe for concurrent use, and meant to be shared between
// builds.
type CachedReader struct {
	reader Reader
	cache  *ristretto.Cache
}

// NewCachedReader wraps the reader with a cache of at most maxCost bytes
// of metadata.
func NewCachedReader(reader Reader, maxCost int64) (*CachedReader, error) {
	if reader == nil {
		reader = ReaderFunc(elfx.Read)
	}

	// Ten counters per expected item, items being about 640 bytes.
	counters := maxCost / 64
	if counters < 1000 {
		counters = 1000
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: counters,
		MaxCost:     maxCost,
		BufferItems: 64,
		Metrics:     true,
		Cost: func(value interface{}) int64 {
			b, ok := value.(*elfx.Binary)
			if !ok {
				return 1
			}
			size := int64(128 + len(b.Path) + len(b.Interpreter) + len(b.Soname))
			for _, list := range [][]string{b.Needed, b.RPath, b.RunPath} {
				for _, s := range list {
					size += int64(16 + len(s))
				}
			}
			return size
		},
	})
	if err != nil {
		return nil, wrap(err, "creating cache")
	}

	return &CachedReader{reader: reader, cache: cache}, nil
}

// Read implements Reader. Errors aren't cached.
func (r *CachedReader) Read(path string) (*elfx.Binary, error) {
	info, err := os.Stat(path)
	if err != nil {
		return r.reader.Read(path)
	}

	key := fmt.Sprintf("%s:%d:%d", path, info.Size(), info.ModTime().UnixNano())
	if v, ok := r.cache.Get(key); ok {
		return v.(*elfx.Binary), nil
	}

	b, err := r.reader.Read(path)
	if err != nil {
		return nil, err
	}
	r.cache.Set(key, b, 0)
	return b, nil
}

// Wait blocks until the pending writes are applied.
func (r *CachedReader) Wait() {
	r.cache.Wait()
}

// Purge drops every cached binary.
func (r *CachedReader) Purge() {
	r.cache.Clear()
}

// Hits returns the number of reads served from the cache.
func (r *CachedReader) Hits() uint64 {
	return r.cache.Metrics.Hits()
}

// Close releases the resources of the cache.
func (r *CachedReader) Close() {
	r.cache.Close()
}

// wrap an error using the provided message and arguments.
func wrap(err error, msg string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(msg, args...), err)
}
