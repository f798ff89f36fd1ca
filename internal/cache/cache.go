package cache

import (
	"container/list"
	"hash/maphash"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/segidx/internal/resource"
)

// Key identifies block Block of segment file File.
type Key struct {
	File  string
	Block int
}

// Stats is a snapshot of cache activity.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Bytes     int64
}

// BlockCache caches immutable blocks. Returned slices are read-only.
type BlockCache interface {
	Get(k Key) ([]byte, bool)
	Put(k Key, block []byte)
	// DropFile removes every block of file.
	DropFile(file string)
	Stats() Stats
	Close() error
}

const defaultShards = 16

// Blocks is a sharded byte-budgeted LRU. All blocks of one file land in
// the same shard so DropFile touches a single lock.
type Blocks struct {
	seed   maphash.Seed
	shards []*shard

	hits, misses, evictions atomic.Int64
}

var _ BlockCache = (*Blocks)(nil)

// New returns a cache holding up to capacity bytes. When rc is not nil
// every cached byte is also charged against its memory limit, and blocks
// the controller refuses are simply not cached.
func New(capacity int64, rc *resource.Controller) *Blocks {
	n := defaultShards
	if capacity < int64(n) {
		n = 1
	}
	c := &Blocks{seed: maphash.MakeSeed(), shards: make([]*shard, n)}
	for i := range c.shards {
		c.shards[i] = &shard{
			budget: capacity / int64(n),
			rc:     rc,
			lru:    list.New(),
			blocks: make(map[string]map[int]*list.Element),
		}
	}
	return c
}

func (c *Blocks) shardOf(file string) *shard {
	return c.shards[maphash.String(c.seed, file)%uint64(len(c.shards))]
}

func (c *Blocks) Get(k Key) ([]byte, bool) {
	b, ok := c.shardOf(k.File).get(k)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return b, ok
}

func (c *Blocks) Put(k Key, block []byte) {
	c.evictions.Add(int64(c.shardOf(k.File).put(k, block)))
}

func (c *Blocks) DropFile(file string) {
	c.shardOf(file).dropFile(file)
}

func (c *Blocks) Stats() Stats {
	s := Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
	for _, sh := range c.shards {
		sh.mu.Lock()
		s.Bytes += sh.used
		sh.mu.Unlock()
	}
	return s
}

// Close empties the cache and returns its memory to the controller.
func (c *Blocks) Close() error {
	for _, sh := range c.shards {
		sh.clear()
	}
	return nil
}

type cached struct {
	key  Key
	data []byte
}

type shard struct {
	mu     sync.Mutex
	budget int64
	used   int64
	rc     *resource.Controller
	lru    *list.List // front is most recent
	blocks map[string]map[int]*list.Element
}

func (s *shard) get(k Key) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.blocks[k.File][k.Block]
	if !ok {
		return nil, false
	}
	s.lru.MoveToFront(e)
	return e.Value.(*cached).data, true
}

// put returns the number of evicted blocks.
func (s *shard) put(k Key, data []byte) int {
	size := int64(len(data))
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.blocks[k.File][k.Block]; ok {
		s.lru.MoveToFront(e)
		return 0
	}
	if size > s.budget {
		return 0
	}

	evicted := 0
	for s.used+size > s.budget {
		s.remove(s.lru.Back())
		evicted++
	}
	if s.rc != nil && s.rc.Reserve(size) != nil {
		return evicted
	}

	byBlock := s.blocks[k.File]
	if byBlock == nil {
		byBlock = make(map[int]*list.Element)
		s.blocks[k.File] = byBlock
	}
	byBlock[k.Block] = s.lru.PushFront(&cached{key: k, data: data})
	s.used += size
	return evicted
}

func (s *shard) dropFile(file string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.blocks[file] {
		s.remove(e)
	}
}

func (s *shard) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.lru.Len() > 0 {
		s.remove(s.lru.Back())
	}
}

func (s *shard) remove(e *list.Element) {
	c := s.lru.Remove(e).(*cached)
	byBlock := s.blocks[c.key.File]
	delete(byBlock, c.key.Block)
	if len(byBlock) == 0 {
		delete(s.blocks, c.key.File)
	}
	size := int64(len(c.data))
	s.used -= size
	if s.rc != nil {
		s.rc.Release(size)
	}
}
