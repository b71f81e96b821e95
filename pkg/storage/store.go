package storage

import (
	"context"
	"errors"

	"silentnas/pkg/types"
)

var (
	ErrNotFound = errors.New("chunk not found")
)

// Store 是块存储后端的能力接口。
// 实现可以是本地磁盘、S3，或再套一层 Redis 存在性缓存。
// 块的上限是 MaxSize (128KB)，所以接口直接用 []byte，不做流式。
type Store interface {
	// PutIfAbsent 原子地“不存在则创建”。
	// 返回 created=false 表示同哈希的块已经在（去重命中），数据不会被覆盖。
	// 两个并发写入者写同一个哈希时，恰好一个得到 created=true。
	PutIfAbsent(ctx context.Context, hash types.Hash, data []byte) (created bool, err error)

	// Get 读取块的存储字节（含压缩标签）。不存在返回 ErrNotFound。
	Get(ctx context.Context, hash types.Hash) ([]byte, error)

	// Has 检查块是否存在 (去重预检)
	Has(ctx context.Context, hash types.Hash) (bool, error)

	// Delete 删除块。只有 GC 的孤儿清理器允许调用。
	// 删除不存在的块不算错误（幂等）。
	Delete(ctx context.Context, hash types.Hash) error

	// List 枚举当前所有块的哈希 (供校验器和孤儿清理器扫描)
	List(ctx context.Context) ([]types.Hash, error)
}
