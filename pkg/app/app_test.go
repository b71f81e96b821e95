package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setTestConfig 把全部路径都指到 TempDir，别碰真实的 $HOME
func setTestConfig(t *testing.T) string {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	root := t.TempDir()
	viper.Set("node.id", "test-node")
	viper.Set("node.data_dir", root)
	viper.Set("storage.backend", "disk")
	viper.Set("storage.path", filepath.Join(root, "chunks"))
	viper.Set("database.driver", "sqlite")
	viper.Set("database.path", filepath.Join(root, "meta.db"))
	viper.Set("wal.path", filepath.Join(root, "silent.wal"))
	viper.Set("engine.chunker.min_size", 4*1024)
	viper.Set("engine.chunker.avg_size", 16*1024)
	viper.Set("engine.chunker.max_size", 64*1024)
	viper.Set("engine.compression.algorithm", "zstd")
	viper.Set("engine.compression.min_size", 1024)
	viper.Set("engine.chain.max_depth", 5)
	viper.Set("engine.chain.keep_recent", 2)
	viper.Set("cache.file_meta_entries", 128)
	viper.Set("cache.file_meta_ttl", "1m")
	viper.Set("cache.chunk_loc_entries", 128)
	viper.Set("cache.chunk_loc_ttl", "1m")
	viper.Set("cache.hot_bytes_budget", 1<<20)
	viper.Set("cache.hot_bytes_ttl", "1m")
	viper.Set("sync.max_concurrency", 2)
	viper.Set("sync.fail_queue_path", filepath.Join(root, "fail_queue.json"))
	return root
}

func TestNewApp_DiskBackend(t *testing.T) {
	setTestConfig(t)

	application, err := NewApp(context.Background())
	require.NoError(t, err)
	defer application.Close()

	assert.Equal(t, "test-node", application.NodeID)
	require.NotNil(t, application.Engine)
	require.NotNil(t, application.Coordinator)
	require.NotNil(t, application.Service)

	// 装配出来的引擎真的能干活
	info, _, err := application.Engine.SaveVersion(context.Background(), "smoke.txt", []byte("wired together"))
	require.NoError(t, err)
	data, _, err := application.Engine.ReadVersionData(context.Background(), info.VersionID)
	require.NoError(t, err)
	assert.Equal(t, "wired together", string(data))
}

func TestNewApp_RequiresNodeID(t *testing.T) {
	setTestConfig(t)
	viper.Set("node.id", "")

	_, err := NewApp(context.Background())
	assert.Error(t, err)
}

func TestNewApp_RejectsUnknownBackend(t *testing.T) {
	setTestConfig(t)
	viper.Set("storage.backend", "tape")

	_, err := NewApp(context.Background())
	assert.Error(t, err)
}

func TestNewApp_RejectsUnknownCompression(t *testing.T) {
	setTestConfig(t)
	viper.Set("engine.compression.algorithm", "brotli")

	_, err := NewApp(context.Background())
	assert.Error(t, err)
}

func TestApp_CloseIsIdempotent(t *testing.T) {
	setTestConfig(t)

	application, err := NewApp(context.Background())
	require.NoError(t, err)
	application.Close()
	application.Close()
}
