// Package syncer 实现节点间的状态同步：
// CRDT 状态注册表 + gRPC 传输 + 带重试和补偿队列的同步协调器。
// 收敛性依赖 crdt 包的合并规则，这里只负责把状态搬运到位。
package syncer

import (
	"sync"
	"time"

	"silentnas/pkg/crdt"
	"silentnas/pkg/metrics"
	"silentnas/pkg/types"
)

// FileSync 是一个文件在同步层的完整状态。
// 三个字段独立合并：元数据和删除标记各自 LWW，向量时钟逐分量取最大。
type FileSync struct {
	FileID   types.FileID                         `json:"file_id" cbor:"1,keyasint"`
	Metadata crdt.LWWRegister[types.FileMetadata] `json:"metadata" cbor:"2,keyasint"`
	Deleted  crdt.LWWRegister[bool]               `json:"deleted" cbor:"3,keyasint"`
	Clock    crdt.VectorClock                     `json:"vector_clock" cbor:"4,keyasint"`
}

// Clone 深拷贝（时钟是 map，不拷贝会把内部状态漏出去）
func (fs FileSync) Clone() FileSync {
	out := fs
	out.Clock = fs.Clock.Clone()
	return out
}

// MergeResult 是一次远端状态合并的结论
type MergeResult struct {
	// AdoptedMetadata: 远端元数据赢了，本地应当去拉取对应内容
	AdoptedMetadata bool
	// AdoptedDeleted: 远端的删除标记赢了
	AdoptedDeleted bool
	// Conflict: 两边向量时钟并发，即真正的分叉修改（已被 LWW 自动裁决）
	Conflict bool
}

// ConflictRecord 是并发冲突的审计记录。
// LWW 自动裁决不意味着冲突可以无声无息：运维要能看到哪些文件分叉过。
type ConflictRecord struct {
	FileID          types.FileID `json:"file_id"`
	LocalTimestamp  int64        `json:"local_timestamp"`
	RemoteTimestamp int64        `json:"remote_timestamp"`
	RemoteNode      string       `json:"remote_node"`
	WinnerNode      string       `json:"winner_node"`
	DetectedAt      time.Time    `json:"detected_at"`
}

// Manager 是本节点的同步状态注册表。并发安全。
type Manager struct {
	nodeID string

	mu        sync.RWMutex
	states    map[types.FileID]*FileSync
	conflicts []ConflictRecord
}

func NewManager(nodeID string) *Manager {
	return &Manager{
		nodeID: nodeID,
		states: make(map[types.FileID]*FileSync),
	}
}

func (m *Manager) NodeID() string { return m.nodeID }

// getOrCreate 必须在持写锁时调用
func (m *Manager) getOrCreate(fileID types.FileID) *FileSync {
	fs, ok := m.states[fileID]
	if !ok {
		fs = &FileSync{FileID: fileID, Clock: crdt.NewVectorClock()}
		m.states[fileID] = fs
	}
	return fs
}

// HandleLocalChange 记录一次本地修改：
// 两个寄存器盖上本地时间戳，向量时钟的本节点分量 +1。
func (m *Manager) HandleLocalChange(fileID types.FileID, md types.FileMetadata, deleted bool) FileSync {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UnixNano()
	fs := m.getOrCreate(fileID)
	fs.Metadata.Set(md, now, m.nodeID)
	fs.Deleted.Set(deleted, now, m.nodeID)
	fs.Clock.Increment(m.nodeID)
	return fs.Clone()
}

// ApplyRemote 合并远端状态。冲突检测在合并前做：
// 合并完成后时钟已经取过最大值，并发的证据就消失了。
func (m *Manager) ApplyRemote(remote FileSync) MergeResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	fs := m.getOrCreate(remote.FileID)

	var result MergeResult
	result.Conflict = fs.Clock.IsConcurrent(remote.Clock)
	localTS := fs.Metadata.Timestamp

	result.AdoptedMetadata = fs.Metadata.Merge(remote.Metadata)
	result.AdoptedDeleted = fs.Deleted.Merge(remote.Deleted)
	fs.Clock.Merge(remote.Clock)

	if result.Conflict {
		// 合并已经裁决完毕，胜者就是现在寄存器里的 NodeID
		m.conflicts = append(m.conflicts, ConflictRecord{
			FileID:          remote.FileID,
			LocalTimestamp:  localTS,
			RemoteTimestamp: remote.Metadata.Timestamp,
			RemoteNode:      remote.Metadata.NodeID,
			WinnerNode:      fs.Metadata.NodeID,
			DetectedAt:      time.Now(),
		})
		metrics.ConflictsRecorded.Inc()
	}
	return result
}

// Get 取单个文件的状态快照
func (m *Manager) Get(fileID types.FileID) (FileSync, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fs, ok := m.states[fileID]
	if !ok {
		return FileSync{}, false
	}
	return fs.Clone(), true
}

// States 返回全部状态快照 (get_sync_status)
func (m *Manager) States() []FileSync {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]FileSync, 0, len(m.states))
	for _, fs := range m.states {
		out = append(out, fs.Clone())
	}
	return out
}

// Conflicts 返回冲突审计列表 (get_conflicts)
func (m *Manager) Conflicts() []ConflictRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ConflictRecord, len(m.conflicts))
	copy(out, m.conflicts)
	return out
}
