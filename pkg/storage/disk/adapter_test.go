package disk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"testing"

	"silentnas/pkg/storage"
	"silentnas/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHash(input string) types.Hash {
	sum := sha256.Sum256([]byte(input))
	return types.Hash(hex.EncodeToString(sum[:]))
}

func TestDiskAdapter(t *testing.T) {
	// 1. 创建临时测试目录
	tmpDir := t.TempDir()
	store, err := NewAdapter(tmpDir)
	require.NoError(t, err)

	ctx := context.Background()

	data := []byte("hello world")
	hash := testHash("hello world chunk")

	// 2. 测试 PutIfAbsent
	created, err := store.PutIfAbsent(ctx, hash, data)
	assert.NoError(t, err)
	assert.True(t, created, "首次写入必须返回 created=true")

	// 验证文件是否真的存在于 Sharding 目录
	expectedPath := tmpDir + "/" + string(hash[:2]) + "/" + string(hash[2:])
	_, err = os.Stat(expectedPath)
	assert.NoError(t, err, "文件应该存在于 Sharding 目录中")

	// 重复写入：去重命中，不覆盖
	created, err = store.PutIfAbsent(ctx, hash, data)
	assert.NoError(t, err)
	assert.False(t, created)

	// 3. 测试 Has
	exists, err := store.Has(ctx, hash)
	assert.NoError(t, err)
	assert.True(t, exists)

	exists, err = store.Has(ctx, testHash("missing"))
	assert.NoError(t, err)
	assert.False(t, exists)

	// 4. 测试 Get
	content, err := store.Get(ctx, hash)
	assert.NoError(t, err)
	assert.Equal(t, data, content)

	// 5. 测试 Delete (幂等)
	require.NoError(t, store.Delete(ctx, hash))
	_, err = store.Get(ctx, hash)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, store.Delete(ctx, hash), "删除不存在的块不算错误")
}

func TestDiskAdapter_ConcurrentPut(t *testing.T) {
	store, err := NewAdapter(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	data := []byte("contended chunk")
	hash := testHash("contended")

	// 并发写同一个哈希：恰好一个胜出，其余去重
	const workers = 16
	results := make([]bool, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			created, err := store.PutIfAbsent(ctx, hash, data)
			assert.NoError(t, err)
			results[idx] = created
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, created := range results {
		if created {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "并发写入必须恰好一个 created=true")

	content, err := store.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, data, content)
}

func TestDiskAdapter_List(t *testing.T) {
	store, err := NewAdapter(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	want := make(map[types.Hash]bool)
	for i := 0; i < 10; i++ {
		h := testHash(fmt.Sprintf("chunk-%d", i))
		_, err := store.PutIfAbsent(ctx, h, []byte{byte(i)})
		require.NoError(t, err)
		want[h] = true
	}

	got, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, got, len(want))
	for _, h := range got {
		assert.True(t, want[h], "List 返回了未写入的哈希 %s", h)
	}
}
