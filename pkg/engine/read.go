package engine

import (
	"context"
	"errors"
	"fmt"

	"silentnas/pkg/core"
	"silentnas/pkg/meta"
	"silentnas/pkg/metrics"
	"silentnas/pkg/storage"
	"silentnas/pkg/types"
)

// ReadVersionData 重建一个版本的完整内容：
// 按序取块 (热缓存优先)，解压，拼接，最后对照版本哈希做端到端校验。
// 任何一环对不上都返回 ErrIntegrity —— 静默交付坏数据是最坏的失败模式。
func (m *Manager) ReadVersionData(ctx context.Context, versionID types.VersionID) ([]byte, *VersionInfo, error) {
	if err := m.checkOpen(); err != nil {
		return nil, nil, err
	}

	version, err := m.repo.GetVersion(ctx, versionID)
	if errors.Is(err, meta.ErrVersionNotFound) {
		return nil, nil, fmt.Errorf("%w: version %s", ErrNotFound, versionID)
	}
	if err != nil {
		return nil, nil, err
	}

	chunks, err := version.ChunkList()
	if err != nil {
		return nil, nil, err
	}

	buf := make([]byte, 0, version.Size)
	for _, hash := range chunks {
		raw, err := m.readChunk(ctx, hash)
		if err != nil {
			return nil, nil, err
		}
		buf = append(buf, raw...)
	}

	// 端到端校验：整个内容的哈希必须等于提交时记录的哈希
	if core.CalculateBlobHash(buf) != types.Hash(version.Hash) {
		return nil, nil, fmt.Errorf("%w: version %s content hash mismatch", ErrIntegrity, versionID)
	}

	info := &VersionInfo{
		VersionID:  versionID,
		FileID:     types.FileID(version.FileID),
		ParentID:   types.VersionID(version.ParentVersionID),
		Size:       version.Size,
		Hash:       types.Hash(version.Hash),
		ChunkCount: len(chunks),
		CreatedAt:  version.CreatedAt,
	}
	return buf, info, nil
}

// readChunk 取一个块的解压内容，热缓存优先
func (m *Manager) readChunk(ctx context.Context, hash types.Hash) ([]byte, error) {
	if data, ok := m.caches.GetHotChunk(hash); ok {
		metrics.HotCacheHits.Inc()
		return data, nil
	}

	stored, err := m.store.Get(ctx, hash)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: chunk %s missing", ErrIntegrity, hash)
	}
	if err != nil {
		return nil, err
	}
	metrics.ChunksRead.Inc()

	raw, err := m.comp.Decode(stored)
	if err != nil {
		return nil, fmt.Errorf("%w: chunk %s undecodable: %v", ErrIntegrity, hash, err)
	}
	// 单块校验在解压后立刻做，坏块能定位到具体哈希
	if core.CalculateBlobHash(raw) != hash {
		return nil, fmt.Errorf("%w: chunk %s hash mismatch", ErrIntegrity, hash)
	}

	m.caches.SetHotChunk(hash, raw)
	return raw, nil
}

// StatVersion 只查版本元信息，不读内容 (同步层的哈希校验用)
func (m *Manager) StatVersion(ctx context.Context, versionID types.VersionID) (*VersionInfo, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	version, err := m.repo.GetVersion(ctx, versionID)
	if errors.Is(err, meta.ErrVersionNotFound) {
		return nil, fmt.Errorf("%w: version %s", ErrNotFound, versionID)
	}
	if err != nil {
		return nil, err
	}
	chunks, err := version.ChunkList()
	if err != nil {
		return nil, err
	}
	return &VersionInfo{
		VersionID:  versionID,
		FileID:     types.FileID(version.FileID),
		ParentID:   types.VersionID(version.ParentVersionID),
		Size:       version.Size,
		Hash:       types.Hash(version.Hash),
		ChunkCount: len(chunks),
		CreatedAt:  version.CreatedAt,
	}, nil
}

// ReadLatest 读文件当前版本的内容
func (m *Manager) ReadLatest(ctx context.Context, fileID types.FileID) ([]byte, *VersionInfo, error) {
	info, err := m.GetFileInfo(ctx, fileID)
	if err != nil {
		return nil, nil, err
	}
	return m.ReadVersionData(ctx, info.LatestVersionID)
}

// GetFileInfo 查文件索引（软删除的文件视为不存在）。
// 缓存未命中时在文件锁下回填：不持锁回填会和写路径竞态——
// 读者在提交窗口里查到旧索引，等写入者失效完缓存再把旧条目塞回去。
func (m *Manager) GetFileInfo(ctx context.Context, fileID types.FileID) (*FileInfo, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	if entry, ok := m.caches.GetFileMeta(fileID); ok {
		return fileInfoFrom(entry), nil
	}

	unlock := m.fileLocks.Lock(fileID.String())
	defer unlock()

	// 等锁期间可能已有人回填
	if entry, ok := m.caches.GetFileMeta(fileID); ok {
		return fileInfoFrom(entry), nil
	}

	entry, err := m.repo.GetFileIndex(ctx, fileID)
	if errors.Is(err, meta.ErrFileNotFound) {
		return nil, fmt.Errorf("%w: file %s", ErrNotFound, fileID)
	}
	if err != nil {
		return nil, err
	}
	if entry.IsDeleted {
		return nil, fmt.Errorf("%w: file %s", ErrNotFound, fileID)
	}

	m.caches.SetFileMeta(fileID, *entry)
	return fileInfoFrom(*entry), nil
}

func fileInfoFrom(entry meta.FileIndexEntry) *FileInfo {
	return &FileInfo{
		FileID:          types.FileID(entry.FileID),
		LatestVersionID: types.VersionID(entry.LatestVersionID),
		VersionCount:    entry.VersionCount,
		CreatedAt:       entry.CreatedAt,
		UpdatedAt:       entry.UpdatedAt,
	}
}

// ListFileVersions 按时间正序返回文件的版本列表
func (m *Manager) ListFileVersions(ctx context.Context, fileID types.FileID) ([]VersionInfo, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	// 先确认文件存在且未删除
	if _, err := m.GetFileInfo(ctx, fileID); err != nil {
		return nil, err
	}

	versions, err := m.repo.ListVersions(ctx, fileID)
	if err != nil {
		return nil, err
	}
	out := make([]VersionInfo, 0, len(versions))
	for i := range versions {
		chunks, err := versions[i].ChunkList()
		if err != nil {
			return nil, err
		}
		out = append(out, VersionInfo{
			VersionID:  types.VersionID(versions[i].VersionID),
			FileID:     fileID,
			ParentID:   types.VersionID(versions[i].ParentVersionID),
			Size:       versions[i].Size,
			Hash:       types.Hash(versions[i].Hash),
			ChunkCount: len(chunks),
			CreatedAt:  versions[i].CreatedAt,
		})
	}
	return out, nil
}

// ListFiles 枚举未删除的文件
func (m *Manager) ListFiles(ctx context.Context) ([]FileInfo, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	entries, err := m.repo.ListFiles(ctx, false)
	if err != nil {
		return nil, err
	}
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, *fileInfoFrom(e))
	}
	return out, nil
}
