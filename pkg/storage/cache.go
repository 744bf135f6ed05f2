package storage

import (
	"container/list"
	"sync"
)

// CachedStorage is a small LRU of fixed-size blocks read from inner.
// No reader in this module wraps its storage in one: the header,
// SHA-256 and IVFC readers read their inner storage directly.
type CachedStorage struct {
	inner     Storage
	blockSize int64
	capacity  int

	mu      sync.Mutex
	entries map[int64]*list.Element
	order   *list.List // front = most recently used
}

type cacheEntry struct {
	block int64
	data  []byte
}

// NewCachedStorage wraps inner with an LRU of capacityBlocks blocks of
// blockSize bytes each.
func NewCachedStorage(inner Storage, blockSize int64, capacityBlocks int) *CachedStorage {
	return &CachedStorage{
		inner:     inner,
		blockSize: blockSize,
		capacity:  capacityBlocks,
		entries:   make(map[int64]*list.Element),
		order:     list.New(),
	}
}

func (c *CachedStorage) Size() int64 { return c.inner.Size() }

func (c *CachedStorage) ReadAt(buf []byte, off int64) (int, error) {
	total := 0
	for total < len(buf) {
		absOff := off + int64(total)
		if absOff >= c.Size() {
			break
		}
		blockIdx := absOff / c.blockSize
		blockStart := blockIdx * c.blockSize

		block, err := c.getBlock(blockIdx, blockStart)
		if err != nil {
			return total, err
		}

		inBlock := absOff - blockStart
		if inBlock >= int64(len(block)) {
			break
		}
		n := copy(buf[total:], block[inBlock:])
		if n == 0 {
			break
		}
		total += n
	}
	return total, nil
}

// getBlock returns the cached block, reading and inserting it on a
// miss. On hit, the cached block is returned without re-reading inner.
func (c *CachedStorage) getBlock(blockIdx, blockStart int64) ([]byte, error) {
	c.mu.Lock()
	if el, ok := c.entries[blockIdx]; ok {
		c.order.MoveToFront(el)
		data := el.Value.(*cacheEntry).data
		c.mu.Unlock()
		return data, nil
	}
	c.mu.Unlock()

	size := c.blockSize
	if blockStart+size > c.inner.Size() {
		size = c.inner.Size() - blockStart
	}
	data := make([]byte, size)
	if _, err := c.inner.ReadAt(data, blockStart); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another goroutine may have raced us to fill this block; the
	// cache is documented as not thread-safe across logically
	// concurrent readers of the same storage, but we still avoid
	// corrupting internal state under a single accidental race.
	if el, ok := c.entries[blockIdx]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*cacheEntry).data, nil
	}
	el := c.order.PushFront(&cacheEntry{block: blockIdx, data: data})
	c.entries[blockIdx] = el
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).block)
	}
	return data, nil
}

// Invalidate drops a single cached block, so the next read of it goes
// to inner again.
func (c *CachedStorage) Invalidate(blockIdx int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[blockIdx]; ok {
		c.order.Remove(el)
		delete(c.entries, blockIdx)
	}
}
