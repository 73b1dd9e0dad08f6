package dataloader

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/BenmansourYahia/SignLanguage-Project/vision/preprocessing"
)

// CacheManager is an LRU cache of decoded, resized base images keyed by path. Cached images are
// shared between streams and must be treated as read-only.
type CacheManager struct {
	mu      sync.Mutex
	lru     *list.List
	entries map[string]*list.Element
	maxSize int

	// Statistics
	hits      int64
	misses    int64
	evictions int64
}

type cacheEntry struct {
	key   string
	image *preprocessing.ProcessedImage
}

// NewCacheManager creates a cache holding at most maxSize images. A size of zero disables caching.
func NewCacheManager(maxSize int) *CacheManager {
	if maxSize < 0 {
		maxSize = 0
	}
	return &CacheManager{
		lru:     list.New(),
		entries: make(map[string]*list.Element),
		maxSize: maxSize,
	}
}

// Get retrieves an image from the cache
func (cm *CacheManager) Get(key string) (*preprocessing.ProcessedImage, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if elem, ok := cm.entries[key]; ok {
		cm.lru.MoveToFront(elem)
		cm.hits++
		return elem.Value.(*cacheEntry).image, true
	}

	cm.misses++
	return nil, false
}

// Put adds an image to the cache, evicting the least recently used entries beyond capacity
func (cm *CacheManager) Put(key string, image *preprocessing.ProcessedImage) {
	if cm.maxSize == 0 {
		return
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if elem, ok := cm.entries[key]; ok {
		cm.lru.MoveToFront(elem)
		return
	}

	cm.entries[key] = cm.lru.PushFront(&cacheEntry{key: key, image: image})

	for cm.lru.Len() > cm.maxSize {
		oldest := cm.lru.Back()
		cm.lru.Remove(oldest)
		delete(cm.entries, oldest.Value.(*cacheEntry).key)
		cm.evictions++
	}
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	stats := CacheStats{
		Size:      cm.lru.Len(),
		MaxSize:   cm.maxSize,
		Hits:      cm.hits,
		Misses:    cm.misses,
		Evictions: cm.evictions,
	}
	if total := cm.hits + cm.misses; total > 0 {
		stats.HitRate = float64(cm.hits) / float64(total) * 100
	}
	return stats
}

// Clear empties the cache. Statistics are cumulative and survive a Clear.
func (cm *CacheManager) Clear() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.lru.Init()
	cm.entries = make(map[string]*list.Element)
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size      int
	MaxSize   int
	Hits      int64
	Misses    int64
	Evictions int64
	HitRate   float64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d images, Hits: %d, Misses: %d, Evictions: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.Evictions, cs.HitRate)
}
