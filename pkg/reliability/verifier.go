package reliability

import (
	"context"

	"silentnas/pkg/compress"
	"silentnas/pkg/core"
	"silentnas/pkg/meta"
	"silentnas/pkg/storage"
	"silentnas/pkg/types"

	"github.com/rs/zerolog/log"
)

// VerifyReport 是全量校验的结果。
// 校验器只报告，从不删除：坏块可能还能从其他节点恢复。
type VerifyReport struct {
	Total     int
	Valid     int
	Corrupted []types.Hash
	Missing   []types.Hash
}

// ChunkVerifier 重算每个已知块的哈希，对照它的内容地址
type ChunkVerifier struct {
	store storage.Store
	repo  *meta.Repository
	comp  *compress.Compressor
}

func NewChunkVerifier(store storage.Store, repo *meta.Repository, comp *compress.Compressor) *ChunkVerifier {
	return &ChunkVerifier{store: store, repo: repo, comp: comp}
}

// VerifyAll 遍历引用计数表里的全部块：
//   - 读不到      -> Missing
//   - 解压失败    -> Corrupted
//   - 哈希不匹配  -> Corrupted
func (v *ChunkVerifier) VerifyAll(ctx context.Context) (*VerifyReport, error) {
	chunks, err := v.repo.ListAllChunks(ctx)
	if err != nil {
		return nil, err
	}

	report := &VerifyReport{Total: len(chunks)}
	for _, row := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hash := types.Hash(row.ChunkID)

		stored, err := v.store.Get(ctx, hash)
		if err != nil {
			report.Missing = append(report.Missing, hash)
			log.Warn().Str("chunk", row.ChunkID).Msg("verify: chunk missing from store")
			continue
		}

		raw, err := v.comp.Decode(stored)
		if err != nil {
			report.Corrupted = append(report.Corrupted, hash)
			log.Warn().Str("chunk", row.ChunkID).Err(err).Msg("verify: chunk undecodable")
			continue
		}

		if core.CalculateBlobHash(raw) != hash {
			report.Corrupted = append(report.Corrupted, hash)
			log.Warn().Str("chunk", row.ChunkID).Msg("verify: chunk hash mismatch")
			continue
		}
		report.Valid++
	}
	return report, nil
}
