package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"silentnas/pkg/core"
	"silentnas/pkg/engine"
	"silentnas/pkg/metrics"
	"silentnas/pkg/types"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Config 同步协调器配置
type Config struct {
	// AdvertiseAddr 是心跳时报给对端的本节点地址
	AdvertiseAddr string

	// MaxFilesPerSync 限制一轮推送的文件数
	MaxFilesPerSync int
	// MaxConcurrency 并行传输上限
	MaxConcurrency int64

	// 重试预算：指数退避 + 抖动，RetryBase * 2^n 封顶 RetryCap
	MaxRetries int
	RetryBase  time.Duration
	RetryCap   time.Duration

	// StreamThreshold 以上的载荷走流式传输
	StreamThreshold int

	// 失败补偿队列
	FailQueueMax       int
	FailTaskTTL        time.Duration
	FailQueuePath      string // 为空则不持久化
	CompensateInterval time.Duration

	HeartbeatInterval time.Duration
}

func DefaultSyncConfig() Config {
	return Config{
		MaxFilesPerSync:    100,
		MaxConcurrency:     8,
		MaxRetries:         3,
		RetryBase:          2 * time.Second,
		RetryCap:           60 * time.Second,
		StreamThreshold:    4 << 20, // 4 MiB
		FailQueueMax:       1000,
		FailTaskTTL:        24 * time.Hour,
		CompensateInterval: 30 * time.Second,
		HeartbeatInterval:  60 * time.Second,
	}
}

// CompTask 是补偿队列里的一条失败任务
type CompTask struct {
	Op         string       `json:"op"` // "push" | "pull"
	TargetAddr string       `json:"target_addr"`
	FileID     types.FileID `json:"file_id"`
	Attempts   int          `json:"attempts"`
	NextRetry  time.Time    `json:"next_retry"`
	LastError  string       `json:"last_error"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
}

// SyncReport 是一轮 push/pull 的结果
type SyncReport struct {
	Target      string
	Files       int
	Succeeded   int
	Failed      int
	Conflicts   int
	FailedFiles []types.FileID
	Duration    time.Duration
}

// SyncStats 是累计计数快照
type SyncStats struct {
	Pushed         int64
	Pulled         int64
	Failed         int64
	Retried        int64
	Conflicts      int64
	FailQueueDepth int
}

// Coordinator 驱动同步：推拉、重试、失败补偿、心跳。
// 失败的任务永远不会无声丢弃：要么最终成功，要么躺在补偿队列里等人看。
type Coordinator struct {
	cfg      Config
	engine   *engine.Manager
	state    *Manager
	registry *Registry
	logger   zerolog.Logger

	dialOpts []grpc.DialOption

	clientMu sync.Mutex
	clients  map[string]*Client

	fqMu  sync.Mutex
	failq []CompTask

	pushed    atomic.Int64
	pulled    atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	conflicts atomic.Int64

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewCoordinator 装配协调器并启动后台补偿与心跳循环。
// extraDial 供测试注入 bufconn dialer。
func NewCoordinator(cfg Config, eng *engine.Manager, state *Manager, registry *Registry, extraDial ...grpc.DialOption) (*Coordinator, error) {
	c := &Coordinator{
		cfg:      cfg,
		engine:   eng,
		state:    state,
		registry: registry,
		logger:   log.With().Str("component", "sync-coordinator").Logger(),
		dialOpts: extraDial,
		clients:  make(map[string]*Client),
		stop:     make(chan struct{}),
	}
	if err := c.loadFailQueue(); err != nil {
		return nil, err
	}

	if cfg.CompensateInterval > 0 {
		c.wg.Add(1)
		go c.compensateLoop()
	}
	if cfg.HeartbeatInterval > 0 {
		c.wg.Add(1)
		go c.heartbeatLoop()
	}
	return c, nil
}

// Close 停掉后台循环，持久化补偿队列，断开全部连接
func (c *Coordinator) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		c.wg.Wait()

		c.fqMu.Lock()
		err = c.saveFailQueueLocked()
		c.fqMu.Unlock()

		c.clientMu.Lock()
		for _, cl := range c.clients {
			_ = cl.Close()
		}
		c.clients = nil
		c.clientMu.Unlock()
	})
	return err
}

// client 按地址复用连接
func (c *Coordinator) client(addr string) (*Client, error) {
	c.clientMu.Lock()
	defer c.clientMu.Unlock()
	if c.clients == nil {
		return nil, errors.New("coordinator is closed")
	}
	if cl, ok := c.clients[addr]; ok {
		return cl, nil
	}
	cl, err := NewClient(addr, c.dialOpts...)
	if err != nil {
		return nil, err
	}
	c.clients[addr] = cl
	return cl, nil
}

// -----------------------------------------------------------------------------
// Push
// -----------------------------------------------------------------------------

// Push 把一批文件推到目标节点。fileIDs 为空时推全部本地文件。
// 每个文件独立重试；最终失败的进补偿队列，不影响其他文件。
func (c *Coordinator) Push(ctx context.Context, target string, fileIDs []types.FileID) (*SyncReport, error) {
	start := time.Now()

	if len(fileIDs) == 0 {
		files, err := c.engine.ListFiles(ctx)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			fileIDs = append(fileIDs, f.FileID)
		}
	}
	if c.cfg.MaxFilesPerSync > 0 && len(fileIDs) > c.cfg.MaxFilesPerSync {
		fileIDs = fileIDs[:c.cfg.MaxFilesPerSync]
	}

	report := &SyncReport{Target: target, Files: len(fileIDs)}
	sem := semaphore.NewWeighted(c.cfg.MaxConcurrency)
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	for _, fileID := range fileIDs {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		wg.Add(1)
		go func(id types.FileID) {
			defer wg.Done()
			defer sem.Release(1)

			conflict, err := c.pushWithRetry(ctx, target, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				report.FailedFiles = append(report.FailedFiles, id)
				c.failed.Add(1)
				c.enqueueFailure(CompTask{Op: "push", TargetAddr: target, FileID: id, LastError: err.Error()})
				metrics.SyncOperations.WithLabelValues("push", "error").Inc()
				return
			}
			report.Succeeded++
			c.pushed.Add(1)
			if conflict {
				report.Conflicts++
				c.conflicts.Add(1)
				metrics.SyncOperations.WithLabelValues("push", "conflict").Inc()
			} else {
				metrics.SyncOperations.WithLabelValues("push", "ok").Inc()
			}
		}(fileID)
	}
	wg.Wait()

	report.Duration = time.Since(start)
	c.logger.Info().
		Str("target", target).
		Int("files", report.Files).
		Int("ok", report.Succeeded).
		Int("failed", report.Failed).
		Dur("took", report.Duration).
		Msg("push round complete")
	return report, nil
}

func (c *Coordinator) pushWithRetry(ctx context.Context, target string, fileID types.FileID) (bool, error) {
	var conflict bool
	err := c.withRetry(ctx, func() error {
		var err error
		conflict, err = c.pushFile(ctx, target, fileID)
		return err
	})
	return conflict, err
}

// pushFile 推一个文件：状态没登记过的先从引擎补登记。
// 已删除的文件只推状态（墓碑）；有内容的按大小选单发或流式，
// 成功后向对端要哈希做端到端比对。
func (c *Coordinator) pushFile(ctx context.Context, target string, fileID types.FileID) (bool, error) {
	cl, err := c.client(target)
	if err != nil {
		return false, err
	}

	fs, ok := c.state.Get(fileID)
	if !ok {
		fs, err = c.registerLocal(ctx, fileID)
		if err != nil {
			return false, err
		}
	}

	// 墓碑：只同步状态
	if fs.Deleted.Value {
		resp, err := cl.PushState(ctx, &PushStateRequest{NodeID: c.state.NodeID(), State: fs})
		if err != nil {
			return false, err
		}
		return resp.Conflict, nil
	}

	data, info, err := c.engine.ReadLatest(ctx, fileID)
	if err != nil {
		return false, err
	}

	var resp *PushContentResponse
	if len(data) >= c.cfg.StreamThreshold {
		resp, err = cl.StreamContent(ctx, c.state.NodeID(), fs, info.Hash, data)
	} else {
		resp, err = cl.PushContent(ctx, &PushContentRequest{
			NodeID: c.state.NodeID(),
			State:  fs,
			Hash:   info.Hash,
			Data:   data,
		})
	}
	if err != nil {
		return false, err
	}

	// 对端采纳了内容才有校验的意义；对端更新说明本地才是落后方
	if resp.AdoptedMetadata {
		verify, err := cl.VerifyHash(ctx, fileID)
		if err != nil {
			return resp.Conflict, err
		}
		if !verify.Exists || verify.Hash != info.Hash {
			return resp.Conflict, status.Errorf(codes.DataLoss,
				"end-to-end verification failed for %s: remote has %q want %q", fileID, verify.Hash, info.Hash)
		}
	}
	return resp.Conflict, nil
}

// registerLocal 给引擎里已有但同步层没见过的文件补一份状态
func (c *Coordinator) registerLocal(ctx context.Context, fileID types.FileID) (FileSync, error) {
	info, err := c.engine.GetFileInfo(ctx, fileID)
	if err != nil {
		return FileSync{}, err
	}
	version, err := c.engine.StatVersion(ctx, info.LatestVersionID)
	if err != nil {
		return FileSync{}, err
	}
	md := types.FileMetadata{
		ID:         fileID,
		Name:       filepath.Base(fileID.String()),
		Path:       fileID.String(),
		Size:       version.Size,
		Hash:       version.Hash,
		CreatedAt:  info.CreatedAt,
		ModifiedAt: info.UpdatedAt,
	}
	return c.state.HandleLocalChange(fileID, md, false), nil
}

// -----------------------------------------------------------------------------
// Pull
// -----------------------------------------------------------------------------

// Pull 从源节点拉取指定文件：先合并状态，远端赢了才去取内容。
// 内容落库前必须通过哈希校验 —— 未验证的字节绝不进存储引擎。
func (c *Coordinator) Pull(ctx context.Context, source string, fileIDs []types.FileID) (*SyncReport, error) {
	start := time.Now()
	cl, err := c.client(source)
	if err != nil {
		return nil, err
	}

	stateResp, err := cl.FetchState(ctx, &FetchStateRequest{NodeID: c.state.NodeID(), FileIDs: fileIDs})
	if err != nil {
		return nil, err
	}

	report := &SyncReport{Target: source, Files: len(stateResp.States)}
	for _, remote := range stateResp.States {
		result := c.state.ApplyRemote(remote)
		if result.Conflict {
			report.Conflicts++
			c.conflicts.Add(1)
		}

		err := c.withRetry(ctx, func() error {
			return c.applyPulled(ctx, cl, remote.FileID, result)
		})
		if err != nil {
			report.Failed++
			report.FailedFiles = append(report.FailedFiles, remote.FileID)
			c.failed.Add(1)
			c.enqueueFailure(CompTask{Op: "pull", TargetAddr: source, FileID: remote.FileID, LastError: err.Error()})
			metrics.SyncOperations.WithLabelValues("pull", "error").Inc()
			continue
		}
		report.Succeeded++
		c.pulled.Add(1)
		metrics.SyncOperations.WithLabelValues("pull", "ok").Inc()
	}

	report.Duration = time.Since(start)
	c.logger.Info().
		Str("source", source).
		Int("files", report.Files).
		Int("ok", report.Succeeded).
		Int("failed", report.Failed).
		Dur("took", report.Duration).
		Msg("pull round complete")
	return report, nil
}

// applyPulled 按合并结论落实内容变更
func (c *Coordinator) applyPulled(ctx context.Context, cl *Client, fileID types.FileID, result MergeResult) error {
	if result.AdoptedDeleted {
		if fs, ok := c.state.Get(fileID); ok && fs.Deleted.Value {
			err := c.engine.DeleteFile(ctx, fileID)
			if err != nil && !errors.Is(err, engine.ErrNotFound) {
				return err
			}
			return nil
		}
	}
	if !result.AdoptedMetadata {
		return nil // 本地已是最新
	}

	resp, err := cl.FetchContent(ctx, &FetchContentRequest{NodeID: c.state.NodeID(), FileID: fileID})
	if err != nil {
		return err
	}
	// 落库前验证：重算哈希必须等于发送方声明的哈希
	if core.CalculateBlobHash(resp.Data) != resp.Hash {
		return status.Errorf(codes.DataLoss, "pulled content hash mismatch for %s", fileID)
	}
	_, _, err = c.engine.SaveVersion(ctx, fileID, resp.Data)
	return err
}

// -----------------------------------------------------------------------------
// 重试
// -----------------------------------------------------------------------------

// withRetry 指数退避重试：RetryBase * 2^n 封顶 RetryCap，抖动 0.8~1.2。
// 只重试瞬时错误；哈希不匹配按瞬时处理（重传大概率修复）。
func (c *Coordinator) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.backoff(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			case <-c.stop:
				return errors.New("coordinator shutting down")
			}
			c.retried.Add(1)
			metrics.SyncRetries.Inc()
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("retry budget exhausted: %w", lastErr)
}

func (c *Coordinator) backoff(attempt int) time.Duration {
	d := c.cfg.RetryBase << (attempt - 1)
	if d > c.cfg.RetryCap || d <= 0 {
		d = c.cfg.RetryCap
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

// isTransient 判断错误是否值得重试
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.DataLoss:
		return true
	}
	return false
}

// -----------------------------------------------------------------------------
// 失败补偿队列
// -----------------------------------------------------------------------------

// enqueueFailure 入队一条失败任务。超容时先淘汰重试次数最多、入队最早的。
func (c *Coordinator) enqueueFailure(task CompTask) {
	now := time.Now()
	task.Attempts++
	task.EnqueuedAt = now
	task.NextRetry = now.Add(c.backoff(1))

	c.fqMu.Lock()
	defer c.fqMu.Unlock()

	// 同一 (op, target, file) 只保留一条，新失败刷新旧条目
	for i := range c.failq {
		t := &c.failq[i]
		if t.Op == task.Op && t.TargetAddr == task.TargetAddr && t.FileID == task.FileID {
			t.Attempts++
			t.LastError = task.LastError
			t.NextRetry = now.Add(c.backoff(t.Attempts))
			c.saveAndGauge()
			return
		}
	}

	c.failq = append(c.failq, task)
	if c.cfg.FailQueueMax > 0 && len(c.failq) > c.cfg.FailQueueMax {
		sort.Slice(c.failq, func(i, j int) bool {
			if c.failq[i].Attempts != c.failq[j].Attempts {
				return c.failq[i].Attempts > c.failq[j].Attempts
			}
			return c.failq[i].EnqueuedAt.Before(c.failq[j].EnqueuedAt)
		})
		dropped := c.failq[0]
		c.failq = c.failq[1:]
		c.logger.Warn().
			Str("file", dropped.FileID.String()).
			Int("attempts", dropped.Attempts).
			Msg("fail queue over capacity, task evicted")
	}
	c.saveAndGauge()
}

// FailQueue 返回补偿队列快照
func (c *Coordinator) FailQueue() []CompTask {
	c.fqMu.Lock()
	defer c.fqMu.Unlock()
	out := make([]CompTask, len(c.failq))
	copy(out, c.failq)
	return out
}

// compensateLoop 后台重试到期的失败任务
func (c *Coordinator) compensateLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.CompensateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.compensateOnce(context.Background())
		}
	}
}

// compensateOnce 跑一轮补偿：到期的任务各尝试一次
func (c *Coordinator) compensateOnce(ctx context.Context) {
	now := time.Now()

	c.fqMu.Lock()
	var due, rest []CompTask
	for _, t := range c.failq {
		switch {
		case c.cfg.FailTaskTTL > 0 && now.Sub(t.EnqueuedAt) > c.cfg.FailTaskTTL:
			c.logger.Warn().
				Str("file", t.FileID.String()).
				Str("op", t.Op).
				Int("attempts", t.Attempts).
				Msg("compensation task expired, giving up")
		case t.NextRetry.After(now):
			rest = append(rest, t)
		default:
			due = append(due, t)
		}
	}
	c.failq = rest
	c.saveAndGauge()
	c.fqMu.Unlock()

	for _, task := range due {
		var err error
		switch task.Op {
		case "push":
			_, err = c.pushFile(ctx, task.TargetAddr, task.FileID)
		case "pull":
			_, err = c.Pull(ctx, task.TargetAddr, []types.FileID{task.FileID})
		default:
			c.logger.Error().Str("op", task.Op).Msg("unknown compensation op, dropping task")
			continue
		}

		if err != nil {
			task.LastError = err.Error()
			task.Attempts++
			task.NextRetry = now.Add(c.backoff(task.Attempts))
			c.fqMu.Lock()
			c.failq = append(c.failq, task)
			c.saveAndGauge()
			c.fqMu.Unlock()
			metrics.SyncOperations.WithLabelValues("compensate", "error").Inc()
			continue
		}
		metrics.SyncOperations.WithLabelValues("compensate", "ok").Inc()
		c.logger.Info().
			Str("file", task.FileID.String()).
			Str("op", task.Op).
			Int("attempts", task.Attempts).
			Msg("compensation succeeded")
	}
}

// saveAndGauge 必须在持 fqMu 时调用
func (c *Coordinator) saveAndGauge() {
	metrics.FailQueueDepth.Set(float64(len(c.failq)))
	if err := c.saveFailQueueLocked(); err != nil {
		c.logger.Warn().Err(err).Msg("failed to persist fail queue")
	}
}

func (c *Coordinator) saveFailQueueLocked() error {
	if c.cfg.FailQueuePath == "" {
		return nil
	}
	data, err := json.MarshalIndent(c.failq, "", "  ")
	if err != nil {
		return err
	}
	tmp := c.cfg.FailQueuePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.cfg.FailQueuePath)
}

func (c *Coordinator) loadFailQueue() error {
	if c.cfg.FailQueuePath == "" {
		return nil
	}
	data, err := os.ReadFile(c.cfg.FailQueuePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, &c.failq); err != nil {
		return fmt.Errorf("fail queue file is corrupt: %w", err)
	}
	metrics.FailQueueDepth.Set(float64(len(c.failq)))
	return nil
}

// -----------------------------------------------------------------------------
// 心跳
// -----------------------------------------------------------------------------

func (c *Coordinator) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.heartbeatOnce(context.Background())
		}
	}
}

// heartbeatOnce 向全部已知节点报到，刷新注册表活性
func (c *Coordinator) heartbeatOnce(ctx context.Context) {
	for _, node := range c.registry.All() {
		cl, err := c.client(node.Addr)
		if err != nil {
			continue
		}
		hbCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		resp, err := cl.Heartbeat(hbCtx, c.state.NodeID(), c.cfg.AdvertiseAddr)
		cancel()
		if err != nil {
			c.logger.Debug().Err(err).Str("node", node.NodeID).Msg("heartbeat failed")
			continue
		}
		c.registry.Upsert(resp.NodeID, node.Addr)
	}
}

// Stats 返回累计计数快照
func (c *Coordinator) Stats() SyncStats {
	c.fqMu.Lock()
	depth := len(c.failq)
	c.fqMu.Unlock()
	return SyncStats{
		Pushed:         c.pushed.Load(),
		Pulled:         c.pulled.Load(),
		Failed:         c.failed.Load(),
		Retried:        c.retried.Load(),
		Conflicts:      c.conflicts.Load(),
		FailQueueDepth: depth,
	}
}
