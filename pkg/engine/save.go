package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"silentnas/pkg/cache"
	"silentnas/pkg/chunker"
	"silentnas/pkg/core"
	"silentnas/pkg/meta"
	"silentnas/pkg/metrics"
	"silentnas/pkg/reliability"
	"silentnas/pkg/types"

	"github.com/google/uuid"
)

// newVersionID 生成版本号
func newVersionID() types.VersionID {
	return types.VersionID("v_" + uuid.NewString())
}

// chunkConfigFor 按文件类型选分块参数
func (m *Manager) chunkConfigFor(ft core.FileType) chunker.Config {
	if !m.cfg.AdaptiveChunking {
		return m.cfg.Chunker
	}
	minSize, avgSize, maxSize := ft.RecommendedChunkSizes()
	cfg := chunker.Config{MinSize: minSize, AvgSize: avgSize, MaxSize: maxSize}
	if cfg.Validate() != nil {
		return m.cfg.Chunker
	}
	return cfg
}

// SaveVersion 写入文件的一个新版本：
//  1. 按内容类型分块，算出全部块哈希
//  2. WAL 先行：带完整块列表的记录先落盘，之后写入的每个块
//     都在 in-flight 保护之下，GC 不会碰它们
//  3. 去重 + 新块压缩落盘（已压缩类型跳过压缩）
//  4. 单事务提交 引用计数+版本行+文件索引，然后确认 WAL 记录
//  5. 链超长时触发压缩
//
// 同一文件的并发写入被串行化；空内容也是合法版本（零个块）。
func (m *Manager) SaveVersion(ctx context.Context, fileID types.FileID, data []byte) (*VersionInfo, *DeltaInfo, error) {
	if err := m.checkOpen(); err != nil {
		return nil, nil, err
	}
	if fileID.IsZero() {
		return nil, nil, fmt.Errorf("file id is empty")
	}

	unlock := m.fileLocks.Lock(fileID.String())
	defer unlock()

	// 1. 类型检测 + 分块
	ft := core.DetectFileType(data)
	ck, err := chunker.NewChunker(m.chunkConfigFor(ft))
	if err != nil {
		return nil, nil, err
	}
	pieces := ck.Split(data)

	contentHash := core.CalculateBlobHash(data)
	versionID := newVersionID()

	chunkIDs := make([]types.Hash, len(pieces))
	for i, piece := range pieces {
		chunkIDs[i] = core.CalculateBlobHash(piece)
	}

	// 2. WAL 先行：记录必须先于任何块落盘，这条记录的块列表
	//    就是 GC 的 in-flight 保护范围（去重命中的零引用块同样在内）
	walEntry, err := m.wal.Append(reliability.OpCreateVersion, fileID, versionID, chunkIDs)
	if err != nil {
		return nil, nil, err
	}

	// 3. 逐块去重 + 落盘
	delta := &DeltaInfo{TotalChunks: len(pieces), RawBytes: int64(len(data))}
	stats := make(map[types.Hash]meta.ChunkStat)
	seenInVersion := make(map[types.Hash]bool)

	for i, piece := range pieces {
		hash := chunkIDs[i]
		if seenInVersion[hash] {
			delta.DedupedChunks++
			continue
		}
		seenInVersion[hash] = true

		// 定位缓存命中 = 去重命中，连 Has 都不用发
		if loc, ok := m.caches.GetChunkLocation(hash); ok && loc.Exists {
			stats[hash] = meta.ChunkStat{StoredSize: loc.StoredSize, RawSize: loc.RawSize}
			delta.DedupedChunks++
			metrics.DedupHits.Inc()
			continue
		}

		stored := m.comp.Encode(piece, ft.IsCompressed())
		created, err := m.store.PutIfAbsent(ctx, hash, stored)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to store chunk %s: %w", hash, err)
		}
		loc := cache.ChunkLocation{Exists: true, StoredSize: int64(len(stored)), RawSize: int64(len(piece))}
		stats[hash] = meta.ChunkStat{StoredSize: loc.StoredSize, RawSize: loc.RawSize}
		m.caches.SetChunkLocation(hash, loc)

		if created {
			delta.NewChunks++
			delta.StoredBytes += int64(len(stored))
			metrics.ChunksWritten.Inc()
			metrics.DedupMisses.Inc()
		} else {
			delta.DedupedChunks++
			metrics.DedupHits.Inc()
		}
	}
	delta.BytesSaved = delta.RawBytes - delta.StoredBytes

	// 4. 父版本 = 当前索引指向的最新版本
	var parentID types.VersionID
	if idx, err := m.repo.GetFileIndex(ctx, fileID); err == nil && !idx.IsDeleted {
		parentID = types.VersionID(idx.LatestVersionID)
	} else if err != nil && !errors.Is(err, meta.ErrFileNotFound) {
		return nil, nil, err
	}

	// 5. 提交前先失效一次，挡住提交窗口内的陈旧命中
	m.caches.InvalidateFile(fileID)

	version := &meta.VersionModel{
		VersionID:       versionID.String(),
		FileID:          fileID.String(),
		ParentVersionID: parentID.String(),
		Size:            int64(len(data)),
		Hash:            contentHash.String(),
		CreatedAt:       time.Now(),
	}
	if err := version.SetChunks(chunkIDs); err != nil {
		return nil, nil, err
	}
	if err := m.repo.CommitVersion(ctx, version, stats); err != nil {
		return nil, nil, fmt.Errorf("failed to commit version: %w", err)
	}
	m.wal.Confirm(walEntry.Sequence)

	// 提交后再失效一次：提交窗口里读到旧索引又回填缓存的读者，
	// 留下的条目在这里被清掉
	m.caches.InvalidateFile(fileID)

	if delta.RawBytes > 0 && delta.StoredBytes > 0 {
		metrics.CompressionRatio.Observe(float64(delta.RawBytes) / float64(delta.StoredBytes))
	}

	// 6. 链长检查 (失败只降级为告警，版本已经安全提交)
	if err := m.compactChain(ctx, fileID, versionID); err != nil {
		m.logger.Warn().Err(err).Str("file", fileID.String()).Msg("chain compaction failed")
	}

	info := &VersionInfo{
		VersionID:  versionID,
		FileID:     fileID,
		ParentID:   parentID,
		Size:       int64(len(data)),
		Hash:       contentHash,
		ChunkCount: len(chunkIDs),
		CreatedAt:  version.CreatedAt,
	}
	m.logger.Debug().
		Str("file", fileID.String()).
		Str("version", versionID.String()).
		Int("chunks", delta.TotalChunks).
		Int("new", delta.NewChunks).
		Msg("version saved")
	return info, delta, nil
}

// compactChain 链超长时释放最旧的版本。
// 版本携带完整块列表，所以压缩不触碰任何保留版本的内容：
// 只是删掉旧版本行、扣引用、给新链头断开父指针。
func (m *Manager) compactChain(ctx context.Context, fileID types.FileID, latest types.VersionID) error {
	versions, err := m.repo.ListVersions(ctx, fileID)
	if err != nil {
		return err
	}
	parents := make(map[types.VersionID]types.VersionID, len(versions))
	for i := range versions {
		parents[types.VersionID(versions[i].VersionID)] = types.VersionID(versions[i].ParentVersionID)
	}

	chain, err := m.chain.BuildChain(latest, func(id types.VersionID) (types.VersionID, error) {
		// 父版本行已不在（历史压缩留下的尾巴）就当链头处理
		parent, ok := parents[id]
		if !ok {
			return "", nil
		}
		if _, exists := parents[parent]; !exists {
			return "", nil
		}
		return parent, nil
	})
	if err != nil {
		return err
	}

	plan := m.chain.PlanCompaction(chain)
	if plan == nil {
		return nil
	}

	// 每个被释放的版本落一条 WAL，崩溃后可以幂等重做
	dropEntries := make([]reliability.Entry, 0, len(plan.Drop))
	for _, drop := range plan.Drop {
		chunks, err := chunksOf(versions, drop)
		if err != nil {
			return err
		}
		e, err := m.wal.Append(reliability.OpDeleteVersion, fileID, drop, chunks)
		if err != nil {
			return err
		}
		dropEntries = append(dropEntries, e)
	}

	if err := m.repo.ReleaseVersions(ctx, fileID, plan.Drop); err != nil {
		return err
	}
	if err := m.repo.SetParent(ctx, plan.NewHead, ""); err != nil {
		return err
	}
	for _, e := range dropEntries {
		m.wal.Confirm(e.Sequence)
	}

	metrics.VersionsCompacted.Add(float64(len(plan.Drop)))
	m.logger.Info().
		Str("file", fileID.String()).
		Int("dropped", len(plan.Drop)).
		Str("new_head", plan.NewHead.String()).
		Msg("version chain compacted")
	return nil
}

func chunksOf(versions []meta.VersionModel, id types.VersionID) ([]types.Hash, error) {
	for i := range versions {
		if versions[i].VersionID == id.String() {
			return versions[i].ChunkList()
		}
	}
	return nil, fmt.Errorf("version %s not in listing", id)
}
