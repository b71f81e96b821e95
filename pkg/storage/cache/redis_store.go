package cache

import (
	"context"
	"fmt"
	"time"

	"silentnas/pkg/storage"
	"silentnas/pkg/types"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// CachedStore 是一个装饰器，它为底层的 storage.Store 添加 Redis 存在性缓存。
// 只缓存“块是否存在”，不缓存块内容：块内容走 pkg/cache 的进程内热块缓存，
// Redis 内存只花在最划算的去重预检上。
type CachedStore struct {
	backend storage.Store // 被装饰的底层存储 (如 S3)
	client  *redis.Client // Redis 客户端
	ttl     time.Duration // 缓存过期时间 (例如 24h)
}

type Config struct {
	RedisURL string        // 标准连接字符串: redis://<user>:<password>@<host>:<port>/<db>
	TTL      time.Duration // 过期时间
}

func NewCachedStore(backend storage.Store, cfg Config) (*CachedStore, error) {
	// 解析 URL
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// Fail-fast 连接检查
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &CachedStore{
		backend: backend,
		client:  client,
		ttl:     cfg.TTL,
	}, nil
}

// cacheKey 生成 Redis Key，添加前缀防止冲突
func (s *CachedStore) cacheKey(hash types.Hash) string {
	return "snas:chunk:" + string(hash)
}

// Has 优先查 Redis，实现毫秒级去重预检
func (s *CachedStore) Has(ctx context.Context, hash types.Hash) (bool, error) {
	key := s.cacheKey(hash)

	// 1. 查 Redis
	// Exists 返回 1 表示存在，0 表示不存在
	val, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		// 缓存故障降级：Redis 挂了就退化为无缓存模式，直接查底层
		log.Warn().Err(err).Msg("redis existence check failed, falling through to backend")
	} else if val > 0 {
		// Cache Hit! 无需发起底层网络请求
		return true, nil
	}

	// 2. 缓存未命中 (Cache Miss)，查底层存储
	found, err := s.backend.Has(ctx, hash)
	if err != nil {
		return false, err
	}

	// 3. 缓存回填 (Cache Fill)
	if found {
		// 异步写入 Redis，不阻塞主流程
		// 使用 context.Background() 确保即使上层 ctx 取消，回填也能完成
		go func() {
			fillCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.client.Set(fillCtx, key, "1", s.ttl)
		}()
	}

	return found, nil
}

// PutIfAbsent 写入块。利用 Has 的缓存能力进行预检。
func (s *CachedStore) PutIfAbsent(ctx context.Context, hash types.Hash, data []byte) (bool, error) {
	// 1. 如果 Redis 里有，这一步耗时 < 1ms，直接跳过上传
	exists, err := s.Has(ctx, hash)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil // 幂等性：已存在
	}

	// 2. 穿透到底层存储
	created, err := s.backend.PutIfAbsent(ctx, hash, data)
	if err != nil {
		return false, err
	}

	// 3. 底层写成功了才写 Redis；Set 错误可以忽略，不影响主流程
	s.client.Set(ctx, s.cacheKey(hash), "1", s.ttl)

	return created, nil
}

// Get 透传 - 不缓存块内容 (见类型注释)
func (s *CachedStore) Get(ctx context.Context, hash types.Hash) ([]byte, error) {
	return s.backend.Get(ctx, hash)
}

// Delete 透传，并同步清掉缓存键。
// 顺序重要：先删缓存再删底层，避免“缓存说有、底层已删”的窗口。
func (s *CachedStore) Delete(ctx context.Context, hash types.Hash) error {
	if err := s.client.Del(ctx, s.cacheKey(hash)).Err(); err != nil {
		log.Warn().Err(err).Str("hash", hash.String()).Msg("redis cache invalidation failed")
	}
	return s.backend.Delete(ctx, hash)
}

// List 透传
func (s *CachedStore) List(ctx context.Context) ([]types.Hash, error) {
	return s.backend.List(ctx)
}
