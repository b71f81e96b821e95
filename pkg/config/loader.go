// Package config 负责加载配置：默认值 < 配置文件 < 环境变量。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Load 初始化 Viper 配置
// cfgFile: 可选，用户显式指定的配置文件路径
func Load(cfgFile string) error {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		// 搜索顺序：当前目录 -> ./.silentnas -> ~/.silentnas
		viper.AddConfigPath(".")
		viper.AddConfigPath(".silentnas")
		viper.AddConfigPath(filepath.Join(home, ".silentnas"))
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// 环境变量：SNAS_DATABASE_HOST、SNAS_STORAGE_BACKEND 等
	viper.SetEnvPrefix("SNAS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Debug().Msg("no config file found, using defaults and env vars")
		} else {
			return fmt.Errorf("fatal error config file: %w", err)
		}
	} else {
		log.Info().Str("file", viper.ConfigFileUsed()).Msg("config file loaded")
	}
	return nil
}

func setDefaults() {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".silentnas")

	// 节点身份：默认用主机名
	hostname, _ := os.Hostname()
	viper.SetDefault("node.id", hostname)
	viper.SetDefault("node.data_dir", dataDir)

	// 内容存储
	viper.SetDefault("storage.backend", "disk") // disk | s3
	viper.SetDefault("storage.path", filepath.Join(dataDir, "chunks"))
	viper.SetDefault("storage.s3.region", "us-east-1")
	viper.SetDefault("storage.s3.bucket", "silentnas")
	viper.SetDefault("storage.redis.url", "") // 非空时启用存在性缓存装饰器
	viper.SetDefault("storage.redis.ttl", "24h")

	// 元数据库
	viper.SetDefault("database.driver", "sqlite") // sqlite | postgres
	viper.SetDefault("database.path", filepath.Join(dataDir, "meta.db"))
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.sslmode", "disable")

	// WAL
	viper.SetDefault("wal.path", filepath.Join(dataDir, "silent.wal"))

	// 引擎
	viper.SetDefault("engine.chunker.min_size", 4*1024)
	viper.SetDefault("engine.chunker.avg_size", 16*1024)
	viper.SetDefault("engine.chunker.max_size", 64*1024)
	viper.SetDefault("engine.adaptive_chunking", true)
	viper.SetDefault("engine.compression.algorithm", "zstd") // none | s2 | zstd
	viper.SetDefault("engine.compression.min_size", 1024)
	viper.SetDefault("engine.chain.max_depth", 5)
	viper.SetDefault("engine.chain.keep_recent", 2)
	viper.SetDefault("engine.gc_interval", "0s") // 0 关闭后台 GC

	// 缓存
	viper.SetDefault("cache.file_meta_entries", 4096)
	viper.SetDefault("cache.file_meta_ttl", "5m")
	viper.SetDefault("cache.chunk_loc_entries", 65536)
	viper.SetDefault("cache.chunk_loc_ttl", "10m")
	viper.SetDefault("cache.hot_bytes_budget", 64<<20)
	viper.SetDefault("cache.hot_bytes_ttl", "2m")

	// 同步
	viper.SetDefault("sync.listen_addr", ":7420")
	viper.SetDefault("sync.advertise_addr", "")
	viper.SetDefault("sync.seeds", []string{})
	viper.SetDefault("sync.max_files_per_sync", 100)
	viper.SetDefault("sync.max_concurrency", 8)
	viper.SetDefault("sync.max_retries", 3)
	viper.SetDefault("sync.retry_base", "2s")
	viper.SetDefault("sync.retry_cap", "60s")
	viper.SetDefault("sync.stream_threshold", 4<<20)
	viper.SetDefault("sync.fail_queue_max", 1000)
	viper.SetDefault("sync.fail_task_ttl", "24h")
	viper.SetDefault("sync.fail_queue_path", filepath.Join(dataDir, "fail_queue.json"))
	viper.SetDefault("sync.compensate_interval", "30s")
	viper.SetDefault("sync.heartbeat_interval", "60s")

	// 观测
	viper.SetDefault("metrics.addr", "") // 非空时在该地址暴露 /metrics

	// 日志
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.pretty", false)
}
