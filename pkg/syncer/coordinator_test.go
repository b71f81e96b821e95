package syncer

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"silentnas/pkg/cache"
	"silentnas/pkg/engine"
	"silentnas/pkg/meta"
	"silentnas/pkg/reliability"
	"silentnas/pkg/server"
	"silentnas/pkg/storage/disk"
	"silentnas/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/test/bufconn"
)

// syncNode 是测试里的一个完整节点：引擎 + 状态表 + gRPC 服务端
type syncNode struct {
	id       string
	engine   *engine.Manager
	state    *Manager
	registry *Registry
	lis      *bufconn.Listener
}

func newSyncNode(t *testing.T, id string) *syncNode {
	t.Helper()
	root := t.TempDir()

	store, err := disk.NewAdapter(filepath.Join(root, "chunks"))
	require.NoError(t, err)
	db, err := meta.NewDB(context.Background(), meta.Config{Driver: "sqlite", Path: filepath.Join(root, "meta.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	wal, replayed, err := reliability.Open(filepath.Join(root, "silent.wal"))
	require.NoError(t, err)

	eng, err := engine.NewManager(engine.DefaultConfig(), store, meta.NewRepository(db), wal, replayed, cache.NewManager(cache.DefaultConfig()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Shutdown() })

	n := &syncNode{
		id:       id,
		engine:   eng,
		state:    NewManager(id),
		registry: NewRegistry(),
		lis:      bufconn.Listen(1 << 20),
	}

	gs := grpc.NewServer(
		grpc.ChainUnaryInterceptor(server.UnaryLoggingInterceptor, server.UnaryRecoveryInterceptor),
		grpc.ChainStreamInterceptor(server.StreamLoggingInterceptor, server.StreamRecoveryInterceptor),
	)
	NewService(eng, n.state, n.registry).Register(gs)
	go func() { _ = gs.Serve(n.lis) }()
	t.Cleanup(gs.Stop)
	return n
}

// dialOpt 让客户端经由 bufconn 连到这个节点
func (n *syncNode) dialOpt() grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return n.lis.DialContext(ctx)
	})
}

const bufTarget = "passthrough:///bufnet"

func quickSyncConfig() Config {
	cfg := DefaultSyncConfig()
	cfg.MaxRetries = 1
	cfg.RetryBase = time.Millisecond
	cfg.RetryCap = 5 * time.Millisecond
	cfg.CompensateInterval = 0 // 测试里手动驱动补偿
	cfg.HeartbeatInterval = 0
	return cfg
}

func newCoordinator(t *testing.T, cfg Config, n *syncNode, dial ...grpc.DialOption) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(cfg, n.engine, n.state, n.registry, dial...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// saveAndTrack 在节点上落一个版本并登记同步状态
func saveAndTrack(t *testing.T, n *syncNode, fileID types.FileID, data []byte) {
	t.Helper()
	info, _, err := n.engine.SaveVersion(context.Background(), fileID, data)
	require.NoError(t, err)
	n.state.HandleLocalChange(fileID, types.FileMetadata{
		ID: fileID, Path: fileID.String(), Size: info.Size, Hash: info.Hash,
	}, false)
}

func TestCoordinator_PushRoundTrip(t *testing.T) {
	a := newSyncNode(t, "node-a")
	b := newSyncNode(t, "node-b")
	coord := newCoordinator(t, quickSyncConfig(), a, b.dialOpt())

	data := make([]byte, 200*1024)
	rand.Read(data)
	saveAndTrack(t, a, "shared/doc.bin", data)

	report, err := coord.Push(context.Background(), bufTarget, []types.FileID{"shared/doc.bin"})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 0, report.Failed)

	// 对端引擎里已有同样的内容
	got, info, err := b.engine.ReadLatest(context.Background(), "shared/doc.bin")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))

	// 对端状态表与内容一致
	fs, ok := b.state.Get("shared/doc.bin")
	require.True(t, ok)
	assert.Equal(t, info.Hash, fs.Metadata.Value.Hash)
	assert.Equal(t, "node-a", fs.Metadata.NodeID)

	assert.Equal(t, int64(1), coord.Stats().Pushed)
}

func TestCoordinator_PushLargePayloadStreams(t *testing.T) {
	a := newSyncNode(t, "node-a")
	b := newSyncNode(t, "node-b")

	cfg := quickSyncConfig()
	cfg.StreamThreshold = 64 * 1024 // 逼迫走流式路径
	coord := newCoordinator(t, cfg, a, b.dialOpt())

	data := make([]byte, 3*1024*1024)
	rand.Read(data)
	saveAndTrack(t, a, "big.bin", data)

	report, err := coord.Push(context.Background(), bufTarget, []types.FileID{"big.bin"})
	require.NoError(t, err)
	require.Equal(t, 1, report.Succeeded)

	got, _, err := b.engine.ReadLatest(context.Background(), "big.bin")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestCoordinator_PushAllWhenNoIDsGiven(t *testing.T) {
	a := newSyncNode(t, "node-a")
	b := newSyncNode(t, "node-b")
	coord := newCoordinator(t, quickSyncConfig(), a, b.dialOpt())

	saveAndTrack(t, a, "one.txt", []byte("first"))
	saveAndTrack(t, a, "two.txt", []byte("second"))

	report, err := coord.Push(context.Background(), bufTarget, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Files)
	assert.Equal(t, 2, report.Succeeded)

	for id, want := range map[types.FileID]string{"one.txt": "first", "two.txt": "second"} {
		got, _, err := b.engine.ReadLatest(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
}

func TestCoordinator_PullAdoptsRemoteContent(t *testing.T) {
	a := newSyncNode(t, "node-a")
	b := newSyncNode(t, "node-b")

	data := make([]byte, 90*1024)
	rand.Read(data)
	saveAndTrack(t, a, "pull-me.bin", data)

	// B 主动从 A 拉
	coord := newCoordinator(t, quickSyncConfig(), b, a.dialOpt())
	report, err := coord.Pull(context.Background(), bufTarget, []types.FileID{"pull-me.bin"})
	require.NoError(t, err)
	require.Equal(t, 1, report.Succeeded)

	got, _, err := b.engine.ReadLatest(context.Background(), "pull-me.bin")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
	assert.Equal(t, int64(1), coord.Stats().Pulled)
}

func TestCoordinator_TombstonePushDeletesRemote(t *testing.T) {
	a := newSyncNode(t, "node-a")
	b := newSyncNode(t, "node-b")
	coord := newCoordinator(t, quickSyncConfig(), a, b.dialOpt())

	saveAndTrack(t, a, "victim.txt", []byte("to be removed"))
	_, err := coord.Push(context.Background(), bufTarget, []types.FileID{"victim.txt"})
	require.NoError(t, err)

	// 本地删除 + 墓碑
	require.NoError(t, a.engine.DeleteFile(context.Background(), "victim.txt"))
	a.state.HandleLocalChange("victim.txt", types.FileMetadata{ID: "victim.txt"}, true)

	// 墓碑走 PushContent 路径会读不到内容，必须走纯状态推送
	report, err := coord.Push(context.Background(), bufTarget, []types.FileID{"victim.txt"})
	require.NoError(t, err)
	require.Equal(t, 1, report.Succeeded)

	fs, ok := b.state.Get("victim.txt")
	require.True(t, ok)
	assert.True(t, fs.Deleted.Value)

	// 墓碑被采纳后，对端引擎里的内容也删掉了
	_, err = b.engine.GetFileInfo(context.Background(), "victim.txt")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestCoordinator_ConcurrentEditRecordsConflict(t *testing.T) {
	a := newSyncNode(t, "node-a")
	b := newSyncNode(t, "node-b")

	// 双方各自独立修改同一个文件：向量时钟并发
	saveAndTrack(t, b, "contested.txt", []byte("b version"))
	time.Sleep(2 * time.Millisecond) // A 的时间戳更晚，LWW 应判 A 赢
	saveAndTrack(t, a, "contested.txt", []byte("a version"))

	coord := newCoordinator(t, quickSyncConfig(), a, b.dialOpt())
	report, err := coord.Push(context.Background(), bufTarget, []types.FileID{"contested.txt"})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Conflicts)

	// 冲突在 B 侧留下审计记录，内容收敛到 A 的版本
	require.NotEmpty(t, b.state.Conflicts())
	assert.Equal(t, "node-a", b.state.Conflicts()[0].WinnerNode)

	got, _, err := b.engine.ReadLatest(context.Background(), "contested.txt")
	require.NoError(t, err)
	assert.Equal(t, "a version", string(got))
}

func TestCoordinator_StaleContentNotPersisted(t *testing.T) {
	a := newSyncNode(t, "node-a")
	b := newSyncNode(t, "node-b")

	saveAndTrack(t, a, "doc.txt", []byte("old from a"))
	time.Sleep(2 * time.Millisecond)
	saveAndTrack(t, b, "doc.txt", []byte("newer on b"))

	coord := newCoordinator(t, quickSyncConfig(), a, b.dialOpt())
	report, err := coord.Push(context.Background(), bufTarget, []types.FileID{"doc.txt"})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded, "对端拒收过时内容不算失败")

	// B 的内容保持不变
	got, _, err := b.engine.ReadLatest(context.Background(), "doc.txt")
	require.NoError(t, err)
	assert.Equal(t, "newer on b", string(got))
}

func TestCoordinator_UnreachableTargetEntersFailQueue(t *testing.T) {
	a := newSyncNode(t, "node-a")
	saveAndTrack(t, a, "stuck.txt", []byte("cannot deliver"))

	cfg := quickSyncConfig()
	cfg.FailQueuePath = filepath.Join(t.TempDir(), "fail_queue.json")
	deadDial := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return nil, errors.New("network down")
	})
	coord := newCoordinator(t, cfg, a, deadDial)

	report, err := coord.Push(context.Background(), "passthrough:///down", []types.FileID{"stuck.txt"})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	queue := coord.FailQueue()
	require.Len(t, queue, 1)
	assert.Equal(t, types.FileID("stuck.txt"), queue[0].FileID)
	assert.Equal(t, "push", queue[0].Op)
	assert.NotEmpty(t, queue[0].LastError)

	// 队列落了盘
	raw, err := os.ReadFile(cfg.FailQueuePath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "stuck.txt")

	// 新协调器能从盘上恢复队列
	coord2 := newCoordinator(t, cfg, a, deadDial)
	require.Len(t, coord2.FailQueue(), 1)
}

func TestCoordinator_CompensationRedrivesFailedPush(t *testing.T) {
	a := newSyncNode(t, "node-a")
	b := newSyncNode(t, "node-b")
	saveAndTrack(t, a, "late.txt", []byte("eventually delivered"))

	// 前两次拨号失败，之后恢复 —— 模拟网络闪断
	failures := 2
	flakyDial := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		if failures > 0 {
			failures--
			return nil, errors.New("transient outage")
		}
		return b.lis.DialContext(ctx)
	})

	cfg := quickSyncConfig()
	cfg.MaxRetries = 0 // 直接失败进补偿队列
	// 压短 gRPC 的重连退避，测试不用等默认的秒级间隔
	fastReconnect := grpc.WithConnectParams(grpc.ConnectParams{
		Backoff:           backoff.Config{BaseDelay: 10 * time.Millisecond, Multiplier: 1.2, Jitter: 0.2, MaxDelay: 50 * time.Millisecond},
		MinConnectTimeout: time.Second,
	})
	coord := newCoordinator(t, cfg, a, flakyDial, fastReconnect)

	report, err := coord.Push(context.Background(), bufTarget, []types.FileID{"late.txt"})
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)
	require.Len(t, coord.FailQueue(), 1)

	// 等到任务到期后手动驱动补偿，直到网络恢复
	deadline := time.Now().Add(5 * time.Second)
	for len(coord.FailQueue()) > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
		coord.compensateOnce(context.Background())
	}
	require.Empty(t, coord.FailQueue(), "补偿最终要把任务清空")

	got, _, err := b.engine.ReadLatest(context.Background(), "late.txt")
	require.NoError(t, err)
	assert.Equal(t, "eventually delivered", string(got))
}

func TestCoordinator_HeartbeatRegistersNodes(t *testing.T) {
	a := newSyncNode(t, "node-a")
	b := newSyncNode(t, "node-b")

	cfg := quickSyncConfig()
	cfg.AdvertiseAddr = "node-a.local:9000"
	coord := newCoordinator(t, cfg, a, b.dialOpt())

	// 先登记一个种子地址，心跳会刷新对端身份
	a.registry.Upsert("seed", bufTarget)
	coord.heartbeatOnce(context.Background())

	got, ok := a.registry.Lookup("node-b")
	require.True(t, ok, "心跳应当用对端报告的身份更新注册表")
	assert.Equal(t, bufTarget, got.Addr)

	// 对端也通过心跳认识了本节点
	remote, ok := b.registry.Lookup("node-a")
	require.True(t, ok)
	assert.Equal(t, "node-a.local:9000", remote.Addr)
}
