package transcript

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// DefaultCacheCapacity はキャッシュの最大エントリ数のデフォルト値
const DefaultCacheCapacity = 100

// CacheObserver はキャッシュの参照結果を受け取る（メトリクス収集用）
type CacheObserver interface {
	ObserveCacheLookup(hit bool)
	ObserveCacheEviction()
}

type cacheEntry struct {
	key       string
	value     *Transcript
	expiresAt time.Time
	elem      *list.Element
}

// Cache は容量制限と TTL を持つトランスクリプトのキャッシュ。
// 容量を超えた挿入では最も古く挿入されたエントリを1件だけ追い出す (FIFO)。
// 読み書きは1つの mutex で直列化する。
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*cacheEntry
	order    *list.List
	now      func() time.Time
	observer CacheObserver
}

// CacheOption は Cache のオプション設定
type CacheOption func(*Cache)

// WithClock は現在時刻の取得関数を差し替える（テスト用）
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		c.now = now
	}
}

// WithCacheObserver はキャッシュの参照結果の通知先を設定する
func WithCacheObserver(observer CacheObserver) CacheOption {
	return func(c *Cache) {
		c.observer = observer
	}
}

// NewCache は新しい Cache を作成する。capacity が0以下の場合は何も保持しない。
func NewCache(capacity int, opts ...CacheOption) *Cache {
	if capacity < 0 {
		capacity = 0
	}
	c := &Cache{
		capacity: capacity,
		entries:  make(map[string]*cacheEntry),
		order:    list.New(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Get はキーに対応する値を返す。期限切れのエントリはここで削除する。
func (c *Cache) Get(key string) (*Transcript, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if ok && !c.now().Before(e.expiresAt) {
		c.removeLocked(e)
		ok = false
	}

	if c.observer != nil {
		c.observer.ObserveCacheLookup(ok)
	}
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Put は値を ttl の間だけ格納する。
// ttl が0以下の場合は格納せず、同じキーの既存エントリも削除する。
func (c *Cache) Put(key string, value *Transcript, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.removeLocked(old)
	}
	if ttl <= 0 || c.capacity == 0 {
		return
	}

	if len(c.entries) >= c.capacity {
		if oldest := c.order.Front(); oldest != nil {
			c.removeLocked(oldest.Value.(*cacheEntry))
			if c.observer != nil {
				c.observer.ObserveCacheEviction()
			}
		}
	}

	e := &cacheEntry{
		key:       key,
		value:     value,
		expiresAt: c.now().Add(ttl),
	}
	e.elem = c.order.PushBack(e)
	c.entries[key] = e
}

// Len は現在格納しているエントリ数を返す（期限切れで未削除のものを含む）
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Capacity は最大エントリ数を返す
func (c *Cache) Capacity() int {
	return c.capacity
}

// Sweep は期限切れのエントリをすべて削除し、削除した件数を返す
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		e := elem.Value.(*cacheEntry)
		if !now.Before(e.expiresAt) {
			c.removeLocked(e)
			removed++
		}
		elem = next
	}
	return removed
}

// StartJanitor は interval ごとに Sweep を実行する goroutine を起動する。
// ctx がキャンセルされると停止する。
func (c *Cache) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

func (c *Cache) removeLocked(e *cacheEntry) {
	c.order.Remove(e.elem)
	delete(c.entries, e.key)
}
