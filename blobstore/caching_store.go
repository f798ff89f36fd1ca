package blobstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/spaolacci/murmur3"
	"golang.org/x/sync/errgroup"
)

const (
	defaultChunkSize   = 4 << 20
	defaultFetchLimit  = 8
	cachingStoreStripe = 64
)

// CachingStore fronts a remote BlobStore with a local one.
//
// Index files are write-once, so a blob is fetched from the remote store at most
// once and served from the local cache afterwards. Writes go to the remote store;
// mutations of a name invalidate its cached copy.
type CachingStore struct {
	remote    BlobStore
	cache     BlobStore
	chunkSize int64
	logger    *slog.Logger

	// stripes serialize fetches of the same name.
	stripes [cachingStoreStripe]sync.Mutex
}

// CachingOption configures a CachingStore.
type CachingOption func(*CachingStore)

// WithChunkSize sets the size of parallel range reads against the remote store.
func WithChunkSize(n int64) CachingOption {
	return func(s *CachingStore) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// WithCacheLogger sets the logger.
func WithCacheLogger(l *slog.Logger) CachingOption {
	return func(s *CachingStore) {
		s.logger = l
	}
}

// NewCachingStore creates a CachingStore that caches remote blobs in cache.
func NewCachingStore(remote, cache BlobStore, opts ...CachingOption) *CachingStore {
	s := &CachingStore{
		remote:    remote,
		cache:     cache,
		chunkSize: defaultChunkSize,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *CachingStore) stripe(name string) *sync.Mutex {
	return &s.stripes[murmur3.Sum32([]byte(name))%cachingStoreStripe]
}

// Open serves name from the cache, fetching it from the remote store on a miss.
func (s *CachingStore) Open(ctx context.Context, name string) (Blob, error) {
	if b, err := s.cache.Open(ctx, name); err == nil {
		return b, nil
	}

	mu := s.stripe(name)
	mu.Lock()
	defer mu.Unlock()

	// Another caller may have filled the cache while we waited.
	if b, err := s.cache.Open(ctx, name); err == nil {
		return b, nil
	}

	rb, err := s.remote.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer rb.Close()

	data, err := s.fetch(ctx, rb)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Put(ctx, name, data); err != nil {
		// A failing cache never fails a read.
		s.logger.WarnContext(ctx, "cache fill failed", "name", name, "error", err)
		return &memoryBlob{data: data}, nil
	}
	s.logger.DebugContext(ctx, "cache filled", "name", name, "bytes", len(data))

	return s.cache.Open(ctx, name)
}

// fetch reads the blob with parallel range reads.
func (s *CachingStore) fetch(ctx context.Context, b Blob) ([]byte, error) {
	size := b.Size()
	buf := make([]byte, size)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultFetchLimit)

	for off := int64(0); off < size; off += s.chunkSize {
		end := min(off+s.chunkSize, size)
		g.Go(func() error {
			n, err := b.ReadAt(gctx, buf[off:end], off)
			if err != nil && !(errors.Is(err, io.EOF) && int64(n) == end-off) {
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return buf, nil
}

// Create writes through to the remote store.
func (s *CachingStore) Create(ctx context.Context, name string) (WritableBlob, error) {
	s.invalidate(ctx, name)
	return s.remote.Create(ctx, name)
}

// Put writes through to the remote store.
func (s *CachingStore) Put(ctx context.Context, name string, data []byte) error {
	s.invalidate(ctx, name)
	return s.remote.Put(ctx, name, data)
}

// Delete removes name from both stores.
func (s *CachingStore) Delete(ctx context.Context, name string) error {
	s.invalidate(ctx, name)
	return s.remote.Delete(ctx, name)
}

// List lists the remote store.
func (s *CachingStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.remote.List(ctx, prefix)
}

// Rename renames in the remote store.
func (s *CachingStore) Rename(ctx context.Context, oldName, newName string) error {
	s.invalidate(ctx, oldName)
	s.invalidate(ctx, newName)
	return s.remote.Rename(ctx, oldName, newName)
}

// Sync syncs the remote store.
func (s *CachingStore) Sync(ctx context.Context, names []string) error {
	return s.remote.Sync(ctx, names)
}

func (s *CachingStore) invalidate(ctx context.Context, name string) {
	mu := s.stripe(name)
	mu.Lock()
	defer mu.Unlock()

	if err := s.cache.Delete(ctx, name); err != nil {
		s.logger.WarnContext(ctx, "cache invalidation failed", "name", name, "error", err)
	}
}
