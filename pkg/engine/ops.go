package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"silentnas/pkg/meta"
	"silentnas/pkg/metrics"
	"silentnas/pkg/reliability"
	"silentnas/pkg/types"
)

// DeleteFile 软删除文件：版本引用在一个事务里全部释放，索引标记删除。
// 块本体留给下一轮 GC。删除不存在的文件返回 ErrNotFound。
func (m *Manager) DeleteFile(ctx context.Context, fileID types.FileID) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	unlock := m.fileLocks.Lock(fileID.String())
	defer unlock()

	// WAL 先行
	entry, err := m.wal.Append(reliability.OpDeleteFile, fileID, "", nil)
	if err != nil {
		return err
	}
	m.caches.InvalidateFile(fileID)

	err = m.repo.ReleaseFile(ctx, fileID)
	// 释放完成后再失效一次，清掉释放期间回填的陈旧条目
	m.caches.InvalidateFile(fileID)
	if errors.Is(err, meta.ErrFileNotFound) {
		m.wal.Confirm(entry.Sequence)
		return fmt.Errorf("%w: file %s", ErrNotFound, fileID)
	}
	if err != nil {
		return err
	}
	m.wal.Confirm(entry.Sequence)
	return nil
}

// MoveFile 重命名文件 (元数据操作，不触碰块)。
// 两把文件锁按字典序获取，避免交叉死锁。
func (m *Manager) MoveFile(ctx context.Context, oldID, newID types.FileID) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if oldID == newID {
		return nil
	}

	first, second := oldID.String(), newID.String()
	if first > second {
		first, second = second, first
	}
	unlock1 := m.fileLocks.Lock(first)
	defer unlock1()
	unlock2 := m.fileLocks.Lock(second)
	defer unlock2()

	m.caches.InvalidateFile(oldID)
	m.caches.InvalidateFile(newID)

	err := m.repo.MoveFile(ctx, oldID, newID)
	m.caches.InvalidateFile(oldID)
	m.caches.InvalidateFile(newID)
	if errors.Is(err, meta.ErrFileNotFound) {
		return fmt.Errorf("%w: file %s", ErrNotFound, oldID)
	}
	return err
}

// GarbageCollect 跑一轮孤儿清理并推进 WAL checkpoint。
// 全程持有 GC 互斥锁：同时只有一轮 GC。
func (m *Manager) GarbageCollect(ctx context.Context) (*GCReport, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	m.gcMu.Lock()
	defer m.gcMu.Unlock()

	start := time.Now()
	gcEntry, err := m.wal.Append(reliability.OpGarbageCollect, "", "", nil)
	if err != nil {
		return nil, err
	}

	cleaner := reliability.NewOrphanCleaner(m.store, m.repo)
	report, err := cleaner.Clean(ctx, m.wal.InFlightChunks())
	if err != nil {
		return nil, err
	}

	for _, hash := range report.RemovedChunks {
		m.caches.InvalidateChunk(hash)
	}

	// GC 成功后 checkpoint：已确认的记录被丢弃，
	// 在途写入的 OpCreateVersion 记录原样保留
	m.wal.Confirm(gcEntry.Sequence)
	if err := m.wal.Checkpoint(); err != nil {
		return nil, err
	}

	metrics.GCChunksRemoved.Add(float64(report.Removed))
	metrics.GCBytesReclaimed.Add(float64(report.BytesReclaimed))

	out := &GCReport{
		ChunksRemoved:   report.Removed,
		BytesReclaimed:  report.BytesReclaimed,
		SkippedInFlight: report.SkippedInFlight,
		Duration:        time.Since(start),
	}
	m.logger.Info().
		Int("removed", out.ChunksRemoved).
		Int64("bytes", out.BytesReclaimed).
		Dur("took", out.Duration).
		Msg("garbage collection complete")
	return out, nil
}

// VerifyAllChunks 全量校验，只报告不修复
func (m *Manager) VerifyAllChunks(ctx context.Context) (*reliability.VerifyReport, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return reliability.NewChunkVerifier(m.store, m.repo, m.comp).VerifyAll(ctx)
}
