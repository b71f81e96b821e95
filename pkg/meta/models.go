package meta

import (
	"encoding/json"
	"fmt"
	"time"

	"silentnas/pkg/types"

	"gorm.io/datatypes"
)

// ChunkRefCount 记录每个块被多少个版本引用
// 引用计数归零的块才是 GC 候选，计数的增减必须和版本写入在同一个事务里
type ChunkRefCount struct {
	// ChunkID 是主键 (块内容的 SHA-256 Hex)
	ChunkID string `gorm:"primaryKey;type:char(64)"`

	RefCount int64 `gorm:"not null;default:0"`

	// Size 是落盘字节数 (含压缩标签)，RawSize 是未压缩大小
	// 两者的差就是压缩省下来的空间
	Size    int64 `gorm:"not null;default:0"`
	RawSize int64 `gorm:"not null;default:0"`

	CreatedAt time.Time
}

func (ChunkRefCount) TableName() string {
	return "chunk_refs"
}

// FileIndexEntry 是文件索引：FileID -> 最新版本
// 软删除：IsDeleted 置位后版本数据仍在，直到 GC 释放
type FileIndexEntry struct {
	// FileID 是主键，由上层分配 (路径或 UUID)
	FileID string `gorm:"primaryKey;type:varchar(512)"`

	LatestVersionID string `gorm:"type:varchar(64)"`
	VersionCount    int64  `gorm:"not null;default:0"`

	IsDeleted bool `gorm:"index;not null;default:false"`
	DeletedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (FileIndexEntry) TableName() string {
	return "file_index"
}

// VersionModel 是一个文件版本的持久化形态。
// Chunks 存的是完整有序块列表（JSON 数组），不是相对父版本的增量：
// 去重让未改动的区域本来就是免费的，而完整列表换来单版本读取和零成本压缩链。
type VersionModel struct {
	// VersionID 是主键
	VersionID string `gorm:"primaryKey;type:varchar(64)"`

	FileID string `gorm:"index;type:varchar(512);not null"`

	// ParentVersionID 为空表示链头（最老的可达版本）
	ParentVersionID string `gorm:"type:varchar(64)"`

	// Chunks: 有序块哈希列表 ["aa..", "bb..", ...]
	Chunks datatypes.JSON

	// Size 是版本内容总字节数，Hash 是整个内容的 SHA-256
	Size int64  `gorm:"not null;default:0"`
	Hash string `gorm:"type:char(64);not null"`

	CreatedAt time.Time
}

func (VersionModel) TableName() string {
	return "file_versions"
}

// SetChunks 序列化有序块列表
func (v *VersionModel) SetChunks(chunks []types.Hash) error {
	data, err := json.Marshal(chunks)
	if err != nil {
		return fmt.Errorf("failed to marshal chunk list: %w", err)
	}
	v.Chunks = datatypes.JSON(data)
	return nil
}

// ChunkList 反序列化有序块列表
func (v *VersionModel) ChunkList() ([]types.Hash, error) {
	var chunks []types.Hash
	if len(v.Chunks) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(v.Chunks, &chunks); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chunk list: %w", err)
	}
	return chunks, nil
}
