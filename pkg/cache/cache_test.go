package cache

import (
	"fmt"
	"testing"
	"time"

	"silentnas/pkg/meta"
	"silentnas/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByteCache_BudgetEviction(t *testing.T) {
	// 预算 100 字节，TTL 放宽
	c := NewByteCache(100, time.Minute)

	c.Set("a", make([]byte, 40))
	c.Set("b", make([]byte, 40))
	assert.Equal(t, int64(80), c.Bytes())

	// 再塞 40 字节：超预算，最老的 "a" 被赶走
	c.Set("c", make([]byte, 40))
	assert.Equal(t, int64(80), c.Bytes())

	_, ok := c.Get("a")
	assert.False(t, ok, "最老的条目应被字节预算驱逐")
	_, ok = c.Get("b")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestByteCache_LRUOrderOnGet(t *testing.T) {
	c := NewByteCache(100, time.Minute)
	c.Set("a", make([]byte, 40))
	c.Set("b", make([]byte, 40))

	// 访问 "a" 让它回到队首
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("c", make([]byte, 40))
	_, ok = c.Get("b")
	assert.False(t, ok, "未被访问的 b 应先被驱逐")
	_, ok = c.Get("a")
	assert.True(t, ok)
}

func TestByteCache_TTLExpiry(t *testing.T) {
	c := NewByteCache(1024, 10*time.Millisecond)
	c.Set("k", []byte("value"))

	_, ok := c.Get("k")
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok, "过期条目必须失效")
	assert.Equal(t, int64(0), c.Bytes(), "过期条目的字节数要退回")
}

func TestByteCache_OversizeRejected(t *testing.T) {
	c := NewByteCache(10, time.Minute)
	c.Set("huge", make([]byte, 100))
	assert.Equal(t, 0, c.Len(), "超过整个预算的条目直接不缓存")
}

func TestManager_FileMetaInvalidation(t *testing.T) {
	m := NewManager(DefaultConfig())

	entry := meta.FileIndexEntry{FileID: "f1", LatestVersionID: "v3", VersionCount: 3}
	m.SetFileMeta("f1", entry)

	got, ok := m.GetFileMeta("f1")
	require.True(t, ok)
	assert.Equal(t, "v3", got.LatestVersionID)

	// 写路径失效
	m.InvalidateFile("f1")
	_, ok = m.GetFileMeta("f1")
	assert.False(t, ok)
}

func TestManager_ChunkInvalidationCoversHotBytes(t *testing.T) {
	m := NewManager(DefaultConfig())

	m.SetChunkLocation("c1", ChunkLocation{Exists: true, StoredSize: 100, RawSize: 128})
	m.SetHotChunk("c1", []byte("hot data"))

	// GC 删块：定位和热内容一起失效
	m.InvalidateChunk("c1")

	_, ok := m.GetChunkLocation("c1")
	assert.False(t, ok)
	_, ok = m.GetHotChunk("c1")
	assert.False(t, ok)
}

func TestManager_Purge(t *testing.T) {
	m := NewManager(DefaultConfig())
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("f%d", i)
		m.SetFileMeta(types.FileID(key), meta.FileIndexEntry{FileID: key})
	}
	m.Purge()
	_, ok := m.GetFileMeta("f0")
	assert.False(t, ok)
}
