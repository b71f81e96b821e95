package reliability

import (
	"context"

	"silentnas/pkg/meta"
	"silentnas/pkg/storage"
	"silentnas/pkg/types"

	"github.com/rs/zerolog/log"
)

// CleanupReport 是一次孤儿清理的统计
type CleanupReport struct {
	Candidates      int // 引用计数归零的块 + 无元数据的落盘块
	Removed         int
	SkippedInFlight int // 被 in-flight WAL 记录保护的块
	BytesReclaimed  int64
	RemovedChunks   []types.Hash // 调用方用来失效缓存
}

// OrphanCleaner 删除同时满足三个条件的块：
//  1. 引用计数为零（或压根没有计数行——崩溃留下的半成品写入）
//  2. 不出现在任何 in-flight WAL 记录里
//  3. 真的在存储后端上
//
// 条件 2 挡住的是“已写块、元数据事务还没提交”的窗口期。
type OrphanCleaner struct {
	store storage.Store
	repo  *meta.Repository
}

func NewOrphanCleaner(store storage.Store, repo *meta.Repository) *OrphanCleaner {
	return &OrphanCleaner{store: store, repo: repo}
}

// Clean 执行一轮清理。inFlight 来自 WAL.InFlightChunks()。
func (o *OrphanCleaner) Clean(ctx context.Context, inFlight map[types.Hash]struct{}) (*CleanupReport, error) {
	// 候选集 1：引用计数归零的块
	zeroRef, err := o.repo.ZeroRefChunks(ctx)
	if err != nil {
		return nil, err
	}

	// 候选集 2：在后端上、但元数据里完全没有记录的块
	// （写块成功、事务未提交就崩溃的残留）
	known, err := o.repo.ListAllChunks(ctx)
	if err != nil {
		return nil, err
	}
	knownSet := make(map[types.Hash]struct{}, len(known))
	for _, row := range known {
		knownSet[types.Hash(row.ChunkID)] = struct{}{}
	}
	onDisk, err := o.store.List(ctx)
	if err != nil {
		return nil, err
	}

	type candidate struct {
		hash   types.Hash
		size   int64
		hasRow bool
	}
	var candidates []candidate
	for _, row := range zeroRef {
		candidates = append(candidates, candidate{types.Hash(row.ChunkID), row.Size, true})
	}
	for _, h := range onDisk {
		if _, ok := knownSet[h]; !ok {
			candidates = append(candidates, candidate{h, 0, false})
		}
	}

	report := &CleanupReport{Candidates: len(candidates)}
	var rowsToDelete []types.Hash

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, busy := inFlight[c.hash]; busy {
			report.SkippedInFlight++
			continue
		}

		exists, err := o.store.Has(ctx, c.hash)
		if err != nil {
			return nil, err
		}
		if exists {
			if err := o.store.Delete(ctx, c.hash); err != nil {
				// 单个块删不掉不中断整轮：下一轮 GC 还会扫到它
				log.Warn().Str("chunk", c.hash.String()).Err(err).Msg("gc: failed to delete orphan chunk")
				continue
			}
			report.Removed++
			report.BytesReclaimed += c.size
			report.RemovedChunks = append(report.RemovedChunks, c.hash)
		}
		if c.hasRow {
			rowsToDelete = append(rowsToDelete, c.hash)
		}
	}

	if err := o.repo.DeleteChunkRows(ctx, rowsToDelete); err != nil {
		return nil, err
	}
	return report, nil
}
