package meta

import (
	"context"
	"errors"
	"fmt"
	"time"

	"silentnas/pkg/types"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrFileNotFound    = errors.New("file not found in metadata")
	ErrVersionNotFound = errors.New("version not found in metadata")
	ErrFileExists      = errors.New("target file already exists")
)

// ChunkStat 是单个块的尺寸信息，写版本时随引用计数一起入库
type ChunkStat struct {
	StoredSize int64 // 落盘字节数 (含压缩标签)
	RawSize    int64 // 未压缩字节数
}

// Repository 封装所有对 SQL 数据库的操作。
// 跨命名空间的多键变更（引用计数 + 版本 + 文件索引）都在单个事务里完成，
// 事务边界就是崩溃一致性的边界。
type Repository struct {
	db *DB
}

func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// DB 暴露底层连接 (测试和应用装配用)
func (r *Repository) DB() *DB {
	return r.db
}

// -----------------------------------------------------------------------------
// 1. 版本提交 (核心写路径)
// -----------------------------------------------------------------------------

// CommitVersion 原子提交一个新版本：
//  1. 块引用计数 +1 (不存在则插入)
//  2. 插入版本行
//  3. 文件索引指向新版本 (软删除状态会被复活)
//
// 幂等：同一 VersionID 重复提交是 no-op，这让 WAL 重放可以安全重试。
func (r *Repository) CommitVersion(ctx context.Context, version *VersionModel, stats map[types.Hash]ChunkStat) error {
	chunks, err := version.ChunkList()
	if err != nil {
		return err
	}

	return r.db.GetConn().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 0. 幂等检查：版本已存在说明这次提交早已生效
		var count int64
		if err := tx.Model(&VersionModel{}).
			Where("version_id = ?", version.VersionID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}

		// 1. 引用计数：同一版本内重复出现的块，每次出现都算一个引用
		occur := make(map[types.Hash]int64)
		var order []types.Hash
		for _, c := range chunks {
			if occur[c] == 0 {
				order = append(order, c)
			}
			occur[c]++
		}
		for _, c := range order {
			st := stats[c]
			row := ChunkRefCount{
				ChunkID:  c.String(),
				RefCount: occur[c],
				Size:     st.StoredSize,
				RawSize:  st.RawSize,
			}
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "chunk_id"}},
				DoUpdates: clause.Assignments(map[string]any{
					"ref_count": gorm.Expr("ref_count + ?", occur[c]),
				}),
			}).Create(&row).Error
			if err != nil {
				return fmt.Errorf("failed to bump chunk ref %s: %w", c, err)
			}
		}

		// 2. 插入版本行
		if err := tx.Create(version).Error; err != nil {
			return fmt.Errorf("failed to insert version: %w", err)
		}

		// 3. 更新文件索引
		now := time.Now()
		var idx FileIndexEntry
		err = tx.Where("file_id = ?", version.FileID).First(&idx).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			idx = FileIndexEntry{
				FileID:          version.FileID,
				LatestVersionID: version.VersionID,
				VersionCount:    1,
			}
			if err := tx.Create(&idx).Error; err != nil {
				return fmt.Errorf("failed to create file index: %w", err)
			}
		case err != nil:
			return err
		default:
			updates := map[string]any{
				"latest_version_id": version.VersionID,
				"version_count":     gorm.Expr("version_count + 1"),
				"is_deleted":        false,
				"deleted_at":        nil,
				"updated_at":        now,
			}
			if err := tx.Model(&FileIndexEntry{}).
				Where("file_id = ?", version.FileID).
				Updates(updates).Error; err != nil {
				return fmt.Errorf("failed to update file index: %w", err)
			}
		}
		return nil
	})
}

// -----------------------------------------------------------------------------
// 2. 释放 (删除文件 / 链压缩)
// -----------------------------------------------------------------------------

// decrementRefs 按出现次数扣减引用计数 (事务内调用)
func decrementRefs(tx *gorm.DB, versions []VersionModel) error {
	occur := make(map[string]int64)
	for i := range versions {
		chunks, err := versions[i].ChunkList()
		if err != nil {
			return err
		}
		for _, c := range chunks {
			occur[c.String()]++
		}
	}
	for chunkID, n := range occur {
		result := tx.Model(&ChunkRefCount{}).
			Where("chunk_id = ?", chunkID).
			Update("ref_count", gorm.Expr("ref_count - ?", n))
		if result.Error != nil {
			return fmt.Errorf("failed to release chunk ref %s: %w", chunkID, result.Error)
		}
	}
	return nil
}

// ReleaseFile 删除文件：所有版本的块引用 -1，版本行删除，索引软删除。
// 块本体不动，归零的引用由 GC 扫走。
func (r *Repository) ReleaseFile(ctx context.Context, fileID types.FileID) error {
	return r.db.GetConn().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var idx FileIndexEntry
		err := tx.Where("file_id = ?", fileID.String()).First(&idx).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrFileNotFound
		}
		if err != nil {
			return err
		}
		if idx.IsDeleted {
			return nil // 幂等：重复删除是 no-op
		}

		var versions []VersionModel
		if err := tx.Where("file_id = ?", fileID.String()).Find(&versions).Error; err != nil {
			return err
		}
		if err := decrementRefs(tx, versions); err != nil {
			return err
		}
		if err := tx.Where("file_id = ?", fileID.String()).Delete(&VersionModel{}).Error; err != nil {
			return err
		}

		now := time.Now()
		return tx.Model(&FileIndexEntry{}).
			Where("file_id = ?", fileID.String()).
			Updates(map[string]any{
				"is_deleted":        true,
				"deleted_at":        now,
				"latest_version_id": "",
				"version_count":     0,
				"updated_at":        now,
			}).Error
	})
}

// ReleaseVersions 删除一组旧版本 (链压缩用)：块引用 -1，版本行删除，
// 文件的版本计数同步扣减。全部在一个事务里，要么全删要么全留。
func (r *Repository) ReleaseVersions(ctx context.Context, fileID types.FileID, versionIDs []types.VersionID) error {
	if len(versionIDs) == 0 {
		return nil
	}
	ids := make([]string, len(versionIDs))
	for i, v := range versionIDs {
		ids[i] = v.String()
	}

	return r.db.GetConn().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var versions []VersionModel
		if err := tx.Where("version_id IN ?", ids).Find(&versions).Error; err != nil {
			return err
		}
		if len(versions) != len(ids) {
			return fmt.Errorf("%w: expected %d versions, found %d", ErrVersionNotFound, len(ids), len(versions))
		}
		if err := decrementRefs(tx, versions); err != nil {
			return err
		}
		if err := tx.Where("version_id IN ?", ids).Delete(&VersionModel{}).Error; err != nil {
			return err
		}
		return tx.Model(&FileIndexEntry{}).
			Where("file_id = ?", fileID.String()).
			Updates(map[string]any{
				"version_count": gorm.Expr("version_count - ?", len(ids)),
				"updated_at":    time.Now(),
			}).Error
	})
}

// SetParent 修改版本的父指针 (链压缩把最老的保留版本断链时用)
func (r *Repository) SetParent(ctx context.Context, versionID types.VersionID, parentID types.VersionID) error {
	result := r.db.GetConn().WithContext(ctx).
		Model(&VersionModel{}).
		Where("version_id = ?", versionID.String()).
		Update("parent_version_id", parentID.String())
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrVersionNotFound
	}
	return nil
}

// -----------------------------------------------------------------------------
// 3. 查询
// -----------------------------------------------------------------------------

func (r *Repository) GetVersion(ctx context.Context, versionID types.VersionID) (*VersionModel, error) {
	var v VersionModel
	err := r.db.GetConn().WithContext(ctx).
		Where("version_id = ?", versionID.String()).
		First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrVersionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *Repository) HasVersion(ctx context.Context, versionID types.VersionID) (bool, error) {
	var count int64
	err := r.db.GetConn().WithContext(ctx).
		Model(&VersionModel{}).
		Where("version_id = ?", versionID.String()).
		Count(&count).Error
	return count > 0, err
}

// ListVersions 按创建时间正序返回文件的全部版本
func (r *Repository) ListVersions(ctx context.Context, fileID types.FileID) ([]VersionModel, error) {
	var versions []VersionModel
	err := r.db.GetConn().WithContext(ctx).
		Where("file_id = ?", fileID.String()).
		Order("created_at ASC, version_id ASC").
		Find(&versions).Error
	return versions, err
}

func (r *Repository) GetFileIndex(ctx context.Context, fileID types.FileID) (*FileIndexEntry, error) {
	var idx FileIndexEntry
	err := r.db.GetConn().WithContext(ctx).
		Where("file_id = ?", fileID.String()).
		First(&idx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, err
	}
	return &idx, nil
}

// ListFiles 枚举文件索引；includeDeleted 控制是否包含软删除的条目
func (r *Repository) ListFiles(ctx context.Context, includeDeleted bool) ([]FileIndexEntry, error) {
	var entries []FileIndexEntry
	q := r.db.GetConn().WithContext(ctx).Order("file_id ASC")
	if !includeDeleted {
		q = q.Where("is_deleted = ?", false)
	}
	err := q.Find(&entries).Error
	return entries, err
}

// ListAllChunks 全量扫描引用计数表 (校验器和孤儿清理器用)
func (r *Repository) ListAllChunks(ctx context.Context) ([]ChunkRefCount, error) {
	var chunks []ChunkRefCount
	err := r.db.GetConn().WithContext(ctx).Find(&chunks).Error
	return chunks, err
}

// ZeroRefChunks 返回引用计数 <= 0 的块 (GC 候选)
func (r *Repository) ZeroRefChunks(ctx context.Context) ([]ChunkRefCount, error) {
	var chunks []ChunkRefCount
	err := r.db.GetConn().WithContext(ctx).
		Where("ref_count <= ?", 0).
		Find(&chunks).Error
	return chunks, err
}

// DeleteChunkRows 在块本体删除成功后清掉引用计数行
func (r *Repository) DeleteChunkRows(ctx context.Context, chunkIDs []types.Hash) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	ids := make([]string, len(chunkIDs))
	for i, c := range chunkIDs {
		ids[i] = c.String()
	}
	return r.db.GetConn().WithContext(ctx).
		Where("chunk_id IN ?", ids).
		Delete(&ChunkRefCount{}).Error
}

// -----------------------------------------------------------------------------
// 4. 重命名
// -----------------------------------------------------------------------------

// MoveFile 把文件索引和全部版本迁移到新的 FileID。
// PK 不能原地改，所以是 复制索引行 -> 更新版本外键 -> 删除旧行，单事务。
func (r *Repository) MoveFile(ctx context.Context, oldID, newID types.FileID) error {
	return r.db.GetConn().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var target FileIndexEntry
		err := tx.Where("file_id = ? AND is_deleted = ?", newID.String(), false).First(&target).Error
		if err == nil {
			return ErrFileExists
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var idx FileIndexEntry
		err = tx.Where("file_id = ?", oldID.String()).First(&idx).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrFileNotFound
		}
		if err != nil {
			return err
		}

		// 目标位置可能残留软删除的旧行，先清掉
		if err := tx.Where("file_id = ?", newID.String()).Delete(&FileIndexEntry{}).Error; err != nil {
			return err
		}

		idx.FileID = newID.String()
		idx.UpdatedAt = time.Now()
		if err := tx.Create(&idx).Error; err != nil {
			return err
		}
		if err := tx.Model(&VersionModel{}).
			Where("file_id = ?", oldID.String()).
			Update("file_id", newID.String()).Error; err != nil {
			return err
		}
		return tx.Where("file_id = ?", oldID.String()).Delete(&FileIndexEntry{}).Error
	})
}
