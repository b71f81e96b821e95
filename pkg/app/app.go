// Package app 是依赖容器：按配置把存储、元数据、WAL、引擎、同步层拼起来。
// 所有依赖显式注入，进程里可以同时装配多个实例（多实例测试靠这个）。
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"silentnas/pkg/cache"
	"silentnas/pkg/chunker"
	"silentnas/pkg/compress"
	"silentnas/pkg/engine"
	"silentnas/pkg/meta"
	"silentnas/pkg/reliability"
	"silentnas/pkg/storage"
	rediscache "silentnas/pkg/storage/cache"
	"silentnas/pkg/storage/disk"
	"silentnas/pkg/storage/s3"
	"silentnas/pkg/syncer"
	"silentnas/pkg/versionchain"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// App 持有进程的全部单例服务
type App struct {
	NodeID string

	Store       storage.Store
	DB          *meta.DB
	Engine      *engine.Manager
	SyncState   *syncer.Manager
	Registry    *syncer.Registry
	Coordinator *syncer.Coordinator
	Service     *syncer.Service
}

// NewApp 按 Viper 配置装配整个节点
func NewApp(ctx context.Context) (*App, error) {
	nodeID := viper.GetString("node.id")
	if nodeID == "" {
		return nil, fmt.Errorf("node.id is not set")
	}
	if err := os.MkdirAll(viper.GetString("node.data_dir"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	// 1. 内容存储：disk 或 s3，可叠加 redis 存在性缓存
	store, err := buildStore(ctx)
	if err != nil {
		return nil, err
	}

	// 2. 元数据库
	db, err := meta.NewDB(ctx, meta.Config{
		Driver:   viper.GetString("database.driver"),
		Path:     viper.GetString("database.path"),
		Host:     viper.GetString("database.host"),
		Port:     viper.GetInt("database.port"),
		User:     viper.GetString("database.user"),
		Password: viper.GetString("database.password"),
		DBName:   viper.GetString("database.dbname"),
		SSLMode:  viper.GetString("database.sslmode"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init metadata store: %w", err)
	}

	// 3. WAL：打开即重放，重放结果交给引擎对账
	walPath := viper.GetString("wal.path")
	if err := os.MkdirAll(filepath.Dir(walPath), 0o755); err != nil {
		return nil, err
	}
	wal, replayed, err := reliability.Open(walPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open wal: %w", err)
	}
	if len(replayed) > 0 {
		log.Info().Int("entries", len(replayed)).Msg("wal replay pending reconciliation")
	}

	// 4. 引擎
	algo, err := parseAlgorithm(viper.GetString("engine.compression.algorithm"))
	if err != nil {
		return nil, err
	}
	engCfg := engine.Config{
		Chunker: chunker.Config{
			MinSize: viper.GetInt("engine.chunker.min_size"),
			AvgSize: viper.GetInt("engine.chunker.avg_size"),
			MaxSize: viper.GetInt("engine.chunker.max_size"),
		},
		AdaptiveChunking: viper.GetBool("engine.adaptive_chunking"),
		Compress: compress.Config{
			Algorithm: algo,
			MinSize:   viper.GetInt("engine.compression.min_size"),
		},
		Chain: versionchain.Config{
			MaxDepth:   viper.GetInt("engine.chain.max_depth"),
			KeepRecent: viper.GetInt("engine.chain.keep_recent"),
		},
		GCInterval: viper.GetDuration("engine.gc_interval"),
	}
	caches := cache.NewManager(cache.Config{
		FileMetaEntries: viper.GetInt("cache.file_meta_entries"),
		FileMetaTTL:     viper.GetDuration("cache.file_meta_ttl"),
		ChunkLocEntries: viper.GetInt("cache.chunk_loc_entries"),
		ChunkLocTTL:     viper.GetDuration("cache.chunk_loc_ttl"),
		HotBytesBudget:  viper.GetInt64("cache.hot_bytes_budget"),
		HotBytesTTL:     viper.GetDuration("cache.hot_bytes_ttl"),
	})

	eng, err := engine.NewManager(engCfg, store, meta.NewRepository(db), wal, replayed, caches)
	if err != nil {
		return nil, fmt.Errorf("failed to init storage engine: %w", err)
	}

	// 5. 同步层
	state := syncer.NewManager(nodeID)
	registry := syncer.NewRegistry()
	for i, seed := range viper.GetStringSlice("sync.seeds") {
		registry.Upsert(fmt.Sprintf("seed-%d", i), seed)
	}

	coordinator, err := syncer.NewCoordinator(syncer.Config{
		AdvertiseAddr:      viper.GetString("sync.advertise_addr"),
		MaxFilesPerSync:    viper.GetInt("sync.max_files_per_sync"),
		MaxConcurrency:     viper.GetInt64("sync.max_concurrency"),
		MaxRetries:         viper.GetInt("sync.max_retries"),
		RetryBase:          viper.GetDuration("sync.retry_base"),
		RetryCap:           viper.GetDuration("sync.retry_cap"),
		StreamThreshold:    viper.GetInt("sync.stream_threshold"),
		FailQueueMax:       viper.GetInt("sync.fail_queue_max"),
		FailTaskTTL:        viper.GetDuration("sync.fail_task_ttl"),
		FailQueuePath:      viper.GetString("sync.fail_queue_path"),
		CompensateInterval: viper.GetDuration("sync.compensate_interval"),
		HeartbeatInterval:  viper.GetDuration("sync.heartbeat_interval"),
	}, eng, state, registry)
	if err != nil {
		_ = eng.Shutdown()
		return nil, fmt.Errorf("failed to init sync coordinator: %w", err)
	}

	return &App{
		NodeID:      nodeID,
		Store:       store,
		DB:          db,
		Engine:      eng,
		SyncState:   state,
		Registry:    registry,
		Coordinator: coordinator,
		Service:     syncer.NewService(eng, state, registry),
	}, nil
}

// buildStore 组装内容存储栈
func buildStore(ctx context.Context) (storage.Store, error) {
	var (
		store storage.Store
		err   error
	)
	switch backend := viper.GetString("storage.backend"); backend {
	case "", "disk":
		store, err = disk.NewAdapter(viper.GetString("storage.path"))
	case "s3":
		store, err = s3.NewAdapter(ctx, s3.Config{
			Endpoint:        viper.GetString("storage.s3.endpoint"),
			Region:          viper.GetString("storage.s3.region"),
			Bucket:          viper.GetString("storage.s3.bucket"),
			AccessKeyID:     viper.GetString("storage.s3.access_key_id"),
			SecretAccessKey: viper.GetString("storage.s3.secret_access_key"),
		})
	default:
		return nil, fmt.Errorf("unknown storage backend: %q", backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to init storage backend: %w", err)
	}

	if url := viper.GetString("storage.redis.url"); url != "" {
		store, err = rediscache.NewCachedStore(store, rediscache.Config{
			RedisURL: url,
			TTL:      viper.GetDuration("storage.redis.ttl"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to init redis chunk cache: %w", err)
		}
	}
	return store, nil
}

func parseAlgorithm(name string) (compress.Algorithm, error) {
	switch name {
	case "none":
		return compress.AlgoNone, nil
	case "s2":
		return compress.AlgoS2, nil
	case "", "zstd":
		return compress.AlgoZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression algorithm: %q", name)
	}
}

// Close 按依赖的反序关停。可以重复调用。
func (a *App) Close() {
	if a.Coordinator != nil {
		if err := a.Coordinator.Close(); err != nil {
			log.Warn().Err(err).Msg("coordinator close failed")
		}
		a.Coordinator = nil
	}
	if a.Engine != nil {
		deadline := time.AfterFunc(30*time.Second, func() {
			log.Error().Msg("engine shutdown is taking too long")
		})
		if err := a.Engine.Shutdown(); err != nil {
			log.Warn().Err(err).Msg("engine shutdown failed")
		}
		deadline.Stop()
		a.Engine = nil
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			log.Warn().Err(err).Msg("metadata store close failed")
		}
		a.DB = nil
	}
}
