package engine

import (
	"time"

	"silentnas/pkg/types"
)

// VersionInfo 是版本的只读视图
type VersionInfo struct {
	VersionID  types.VersionID
	FileID     types.FileID
	ParentID   types.VersionID
	Size       int64
	Hash       types.Hash
	ChunkCount int
	CreatedAt  time.Time
}

// DeltaInfo 是一次写入的去重/压缩统计
type DeltaInfo struct {
	TotalChunks   int
	NewChunks     int
	DedupedChunks int
	RawBytes      int64 // 本次写入的原始字节
	StoredBytes   int64 // 实际新落盘的字节 (含压缩标签)
	BytesSaved    int64 // RawBytes - StoredBytes
}

// FileInfo 是文件索引的只读视图
type FileInfo struct {
	FileID          types.FileID
	LatestVersionID types.VersionID
	VersionCount    int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// GCReport 是一轮垃圾回收的结果
type GCReport struct {
	ChunksRemoved   int
	BytesReclaimed  int64
	SkippedInFlight int
	Duration        time.Duration
}
