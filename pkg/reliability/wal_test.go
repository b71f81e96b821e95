package reliability

import (
	"os"
	"path/filepath"
	"testing"

	"silentnas/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWAL_AppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "silent.wal")

	// 1. 写三条记录
	w, replayed, err := Open(path)
	require.NoError(t, err)
	assert.Empty(t, replayed, "新文件不应有历史记录")

	e1, err := w.Append(OpCreateVersion, "f1", "v1", []types.Hash{"aa", "bb"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e1.Sequence)

	e2, err := w.Append(OpDeleteFile, "f2", "", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e2.Sequence)

	_, err = w.Append(OpGarbageCollect, "", "", nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// 2. 重新打开：完整重放
	w2, replayed, err := Open(path)
	require.NoError(t, err)
	defer w2.Close()

	require.Len(t, replayed, 3)
	assert.Equal(t, OpCreateVersion, replayed[0].Kind)
	assert.Equal(t, "f1", replayed[0].FileID)
	assert.Equal(t, []string{"aa", "bb"}, replayed[0].Chunks)
	assert.True(t, replayed[0].VerifyChecksum())

	// 3. 序列号接着涨，不回退
	e4, err := w2.Append(OpDeleteVersion, "f1", "v1", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), e4.Sequence)
}

func TestWAL_ReplayStopsAtCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "silent.wal")

	w, _, err := Open(path)
	require.NoError(t, err)
	_, err = w.Append(OpCreateVersion, "f1", "v1", []types.Hash{"aa"})
	require.NoError(t, err)
	_, err = w.Append(OpCreateVersion, "f1", "v2", []types.Hash{"bb"})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// 人为翻转第二条记录中间的一个字节
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-10] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0644))

	// 重放必须在坏记录前停下，只回放第一条
	w2, replayed, err := Open(path)
	require.NoError(t, err)
	defer w2.Close()

	require.Len(t, replayed, 1)
	assert.Equal(t, "v1", replayed[0].VersionID)

	// 坏尾巴已被截掉：新写入接在有效前缀之后
	e, err := w2.Append(OpDeleteFile, "f1", "", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e.Sequence)

	w2.Close()
	_, replayed, err = Open(path)
	require.NoError(t, err)
	require.Len(t, replayed, 2, "截断后追加的记录必须可重放")
}

func TestWAL_ReplayStopsAtTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "silent.wal")

	w, _, err := Open(path)
	require.NoError(t, err)
	_, err = w.Append(OpCreateVersion, "f1", "v1", nil)
	require.NoError(t, err)
	_, err = w.Append(OpCreateVersion, "f1", "v2", nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// 模拟掉电：最后一条记录只写了一半
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-7], 0644))

	_, replayed, err := Open(path)
	require.NoError(t, err)
	require.Len(t, replayed, 1)
	assert.Equal(t, "v1", replayed[0].VersionID)
}

func TestWAL_InFlightChunks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "silent.wal")
	w, _, err := Open(path)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Append(OpCreateVersion, "f1", "v1", []types.Hash{"aa", "bb"})
	require.NoError(t, err)
	_, err = w.Append(OpCreateVersion, "f2", "v1", []types.Hash{"bb", "cc"})
	require.NoError(t, err)

	inFlight := w.InFlightChunks()
	assert.Len(t, inFlight, 3)
	_, ok := inFlight["bb"]
	assert.True(t, ok)
}

func TestWAL_Checkpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "silent.wal")
	w, _, err := Open(path)
	require.NoError(t, err)

	e1, err := w.Append(OpCreateVersion, "f1", "v1", []types.Hash{"aa"})
	require.NoError(t, err)
	require.NotEmpty(t, w.Pending())

	// 已确认的记录在 checkpoint 时被清掉
	w.Confirm(e1.Sequence)
	require.NoError(t, w.Checkpoint())
	assert.Empty(t, w.Pending())
	assert.Empty(t, w.InFlightChunks())

	// 序列号单调性跨 checkpoint 保持
	e, err := w.Append(OpDeleteFile, "f1", "", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e.Sequence)
	require.NoError(t, w.Close())

	// checkpoint 之后的文件只含新记录
	_, replayed, err := Open(path)
	require.NoError(t, err)
	require.Len(t, replayed, 1)
	assert.Equal(t, OpDeleteFile, replayed[0].Kind)
}

func TestWAL_CheckpointKeepsUnconfirmedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "silent.wal")
	w, _, err := Open(path)
	require.NoError(t, err)

	e1, err := w.Append(OpCreateVersion, "a.txt", "v1", []types.Hash{"aa"})
	require.NoError(t, err)
	e2, err := w.Append(OpCreateVersion, "b.txt", "v2", []types.Hash{"bb"})
	require.NoError(t, err)
	e3, err := w.Append(OpDeleteFile, "c.txt", "", nil)
	require.NoError(t, err)

	// e2 的操作还在进行中（元数据未提交），其余都已完成
	w.Confirm(e1.Sequence)
	w.Confirm(e3.Sequence)
	require.NoError(t, w.Checkpoint())

	// 在途记录的块在 checkpoint 之后仍受保护
	inFlight := w.InFlightChunks()
	_, ok := inFlight["bb"]
	assert.True(t, ok, "未确认记录的块不许失去保护")
	_, ok = inFlight["aa"]
	assert.False(t, ok)

	// 重新打开：磁盘上只剩那条未确认的记录
	require.NoError(t, w.Close())
	w2, replayed, err := Open(path)
	require.NoError(t, err)
	defer w2.Close()

	require.Len(t, replayed, 1)
	assert.Equal(t, e2.Sequence, replayed[0].Sequence)
	assert.Equal(t, "b.txt", replayed[0].FileID)
	assert.True(t, replayed[0].VerifyChecksum())

	// 追加接在保留记录的序列号之后
	e4, err := w2.Append(OpGarbageCollect, "", "", nil)
	require.NoError(t, err)
	assert.Greater(t, e4.Sequence, e2.Sequence)
}

func TestWAL_ClosedAppendFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "silent.wal")
	w, _, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "Close 必须幂等")

	_, err = w.Append(OpCreateVersion, "f", "v", nil)
	assert.ErrorIs(t, err, ErrWALClosed)
}
