package cache

import (
	"time"

	"silentnas/pkg/meta"
	"silentnas/pkg/types"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ChunkLocation 是块的定位信息：是否在后端、落盘大小、原始大小。
// 去重预检和读路径都用它省掉一次后端往返。
type ChunkLocation struct {
	Exists     bool
	StoredSize int64
	RawSize    int64
}

// Config 三个缓存各自的容量和 TTL
type Config struct {
	FileMetaEntries int
	FileMetaTTL     time.Duration
	ChunkLocEntries int
	ChunkLocTTL     time.Duration
	HotBytesBudget  int64
	HotBytesTTL     time.Duration
}

func DefaultConfig() Config {
	return Config{
		FileMetaEntries: 4096,
		FileMetaTTL:     5 * time.Minute,
		ChunkLocEntries: 65536,
		ChunkLocTTL:     10 * time.Minute,
		HotBytesBudget:  64 << 20, // 64MB
		HotBytesTTL:     2 * time.Minute,
	}
}

// Manager 聚合三个只读加速缓存：
//   - 文件元数据 (FileID -> 索引行)
//   - 块定位     (Hash -> 存在性+大小)
//   - 热块内容   (Hash -> 解压后的字节)
//
// 一致性纪律：写路径在变更“完成前”先失效相关键（write-through invalidation），
// 缓存永远只可能比数据库旧到 TTL 为止，不可能比它新。
type Manager struct {
	fileMeta *expirable.LRU[string, meta.FileIndexEntry]
	chunkLoc *expirable.LRU[string, ChunkLocation]
	hot      *ByteCache
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		fileMeta: expirable.NewLRU[string, meta.FileIndexEntry](cfg.FileMetaEntries, nil, cfg.FileMetaTTL),
		chunkLoc: expirable.NewLRU[string, ChunkLocation](cfg.ChunkLocEntries, nil, cfg.ChunkLocTTL),
		hot:      NewByteCache(cfg.HotBytesBudget, cfg.HotBytesTTL),
	}
}

// --- 文件元数据 ---

func (m *Manager) GetFileMeta(fileID types.FileID) (meta.FileIndexEntry, bool) {
	return m.fileMeta.Get(fileID.String())
}

func (m *Manager) SetFileMeta(fileID types.FileID, entry meta.FileIndexEntry) {
	m.fileMeta.Add(fileID.String(), entry)
}

// InvalidateFile 在任何写该文件的操作提交前调用
func (m *Manager) InvalidateFile(fileID types.FileID) {
	m.fileMeta.Remove(fileID.String())
}

// --- 块定位 ---

func (m *Manager) GetChunkLocation(hash types.Hash) (ChunkLocation, bool) {
	return m.chunkLoc.Get(hash.String())
}

func (m *Manager) SetChunkLocation(hash types.Hash, loc ChunkLocation) {
	m.chunkLoc.Add(hash.String(), loc)
}

// InvalidateChunk 同时清掉定位和热内容（GC 删块前调用）
func (m *Manager) InvalidateChunk(hash types.Hash) {
	m.chunkLoc.Remove(hash.String())
	m.hot.Remove(hash.String())
}

// --- 热块内容 ---

func (m *Manager) GetHotChunk(hash types.Hash) ([]byte, bool) {
	return m.hot.Get(hash.String())
}

func (m *Manager) SetHotChunk(hash types.Hash, data []byte) {
	m.hot.Set(hash.String(), data)
}

// Purge 清空全部缓存 (关机和恢复路径用)
func (m *Manager) Purge() {
	m.fileMeta.Purge()
	m.chunkLoc.Purge()
	m.hot.Purge()
}
