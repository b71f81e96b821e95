package meta

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"silentnas/pkg/types"

	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------
// 通用辅助函数 (Helpers)
// 注意：文件名必须以 _test.go 结尾，否则会被编译进生产代码！
// -----------------------------------------------------------------------------

// setupTestRepo 建一个落在 TempDir 的 SQLite 库，测试结束自动清理
func setupTestRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := NewDB(context.Background(), Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "meta.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewRepository(db)
}

// mockHash 生成合法的测试用 Hash
func mockHash(input string) types.Hash {
	sum := sha256.Sum256([]byte(input))
	return types.Hash(hex.EncodeToString(sum[:]))
}

// mustVersion 构造一个版本行，序列化失败直接终止测试
func mustVersion(t *testing.T, versionID, fileID, parentID string, chunks []types.Hash) *VersionModel {
	t.Helper()
	v := &VersionModel{
		VersionID:       versionID,
		FileID:          fileID,
		ParentVersionID: parentID,
		Size:            int64(len(chunks)) * 128,
		Hash:            mockHash("content:" + versionID).String(),
		CreatedAt:       time.Now(),
	}
	require.NoError(t, v.SetChunks(chunks))
	return v
}

// mustCommit 强制提交版本，失败则终止
// 这让主测试代码极其干净
func mustCommit(t *testing.T, repo *Repository, v *VersionModel, msgAndArgs ...any) {
	t.Helper() // 关键：报错时回溯栈帧
	stats := make(map[types.Hash]ChunkStat)
	chunks, err := v.ChunkList()
	require.NoError(t, err)
	for _, c := range chunks {
		stats[c] = ChunkStat{StoredSize: 100, RawSize: 128}
	}
	// require.NoError 支持可变参数，直接透传即可
	require.NoError(t, repo.CommitVersion(context.Background(), v, stats), msgAndArgs...)
}

// refCount 读某个块当前的引用计数，没有行算 0
func refCount(t *testing.T, repo *Repository, chunk types.Hash) int64 {
	t.Helper()
	var row ChunkRefCount
	err := repo.db.GetConn().Where("chunk_id = ?", chunk.String()).First(&row).Error
	if err != nil {
		return 0
	}
	return row.RefCount
}
