package cache

import (
	"container/list"
	"sync"
	"time"
)

// ByteCache 是按字节预算驱逐的 LRU，给热块内容用。
// hashicorp 的 LRU 只按条目数驱逐，而块的大小从 2KB 到 128KB 不等，
// 这里需要的是字节成本核算，所以单独实现。
type ByteCache struct {
	mu       sync.Mutex
	budget   int64
	used     int64
	ttl      time.Duration
	order    *list.List // 队首最新
	entries  map[string]*list.Element
}

type byteEntry struct {
	key     string
	data    []byte
	expires time.Time
}

func NewByteCache(budget int64, ttl time.Duration) *ByteCache {
	return &ByteCache{
		budget:  budget,
		ttl:     ttl,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

func (c *ByteCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*byteEntry)
	if time.Now().After(e.expires) {
		c.removeElement(el)
		return nil, false
	}
	c.order.MoveToFront(el)
	return e.data, true
}

func (c *ByteCache) Set(key string, data []byte) {
	// 比整个预算还大的条目直接不缓存
	if int64(len(data)) > c.budget {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.removeElement(el)
	}

	// 腾出空间：从队尾往外赶
	for c.used+int64(len(data)) > c.budget {
		tail := c.order.Back()
		if tail == nil {
			break
		}
		c.removeElement(tail)
	}

	el := c.order.PushFront(&byteEntry{
		key:     key,
		data:    data,
		expires: time.Now().Add(c.ttl),
	})
	c.entries[key] = el
	c.used += int64(len(data))
}

func (c *ByteCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.removeElement(el)
	}
}

func (c *ByteCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[string]*list.Element)
	c.used = 0
}

func (c *ByteCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Bytes 返回当前占用的字节数
func (c *ByteCache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// removeElement 必须持锁调用
func (c *ByteCache) removeElement(el *list.Element) {
	e := el.Value.(*byteEntry)
	c.order.Remove(el)
	delete(c.entries, e.key)
	c.used -= int64(len(e.data))
}
