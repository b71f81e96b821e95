package syncer

import (
	"testing"
	"time"

	"silentnas/pkg/crdt"
	"silentnas/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mdAt(name string, ts int64) types.FileMetadata {
	return types.FileMetadata{
		ID:         "f1",
		Name:       name,
		Path:       "f1",
		Size:       int64(len(name)),
		ModifiedAt: time.Unix(0, ts),
	}
}

// remoteState 手工构造一份远端状态
func remoteState(fileID types.FileID, node string, ts int64, deleted bool, clock crdt.VectorClock) FileSync {
	return FileSync{
		FileID:   fileID,
		Metadata: crdt.NewLWWRegister(mdAt("remote", ts), ts, node),
		Deleted:  crdt.NewLWWRegister(deleted, ts, node),
		Clock:    clock,
	}
}

func TestManager_LocalChangeAdvancesClock(t *testing.T) {
	m := NewManager("node-a")

	fs1 := m.HandleLocalChange("f1", mdAt("v1", 1), false)
	fs2 := m.HandleLocalChange("f1", mdAt("v2", 2), false)

	assert.Equal(t, uint64(1), fs1.Clock["node-a"])
	assert.Equal(t, uint64(2), fs2.Clock["node-a"])
	assert.Equal(t, "node-a", fs2.Metadata.NodeID)
	assert.Equal(t, "v2", fs2.Metadata.Value.Name)
}

func TestManager_RemoteNewerWins(t *testing.T) {
	m := NewManager("node-a")
	m.HandleLocalChange("f1", mdAt("local", 1), false)

	local, _ := m.Get("f1")
	future := local.Metadata.Timestamp + 1_000_000
	clock := local.Clock.Clone()
	clock.Increment("node-b") // 因果在后，不是并发

	result := m.ApplyRemote(remoteState("f1", "node-b", future, false, clock))
	assert.True(t, result.AdoptedMetadata)
	assert.False(t, result.Conflict, "因果有序的更新不算冲突")

	got, _ := m.Get("f1")
	assert.Equal(t, "remote", got.Metadata.Value.Name)
	assert.Empty(t, m.Conflicts())
}

func TestManager_StaleRemoteIgnored(t *testing.T) {
	m := NewManager("node-a")
	m.HandleLocalChange("f1", mdAt("local", 1), false)

	local, _ := m.Get("f1")
	past := local.Metadata.Timestamp - 1_000_000
	clock := local.Clock.Clone() // 远端已经见过本地的全部事件

	result := m.ApplyRemote(remoteState("f1", "node-b", past, false, clock))
	assert.False(t, result.AdoptedMetadata)

	got, _ := m.Get("f1")
	assert.Equal(t, "local", got.Metadata.Value.Name)
}

func TestManager_ConcurrentUpdateRecordsConflict(t *testing.T) {
	m := NewManager("node-a")
	m.HandleLocalChange("f1", mdAt("local", 1), false)

	local, _ := m.Get("f1")
	// 远端时钟只有自己的分量：双方互不知情，即并发
	remote := remoteState("f1", "node-b", local.Metadata.Timestamp+1, false, crdt.VectorClock{"node-b": 1})

	result := m.ApplyRemote(remote)
	assert.True(t, result.Conflict)
	assert.True(t, result.AdoptedMetadata, "远端时间戳更晚，LWW 裁决远端赢")

	conflicts := m.Conflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, types.FileID("f1"), conflicts[0].FileID)
	assert.Equal(t, "node-b", conflicts[0].RemoteNode)
	assert.Equal(t, "node-b", conflicts[0].WinnerNode)

	// 合并后时钟覆盖双方，重放同一状态不再算冲突
	result = m.ApplyRemote(remote)
	assert.False(t, result.Conflict)
	assert.Len(t, m.Conflicts(), 1)
}

func TestManager_MergeConvergesRegardlessOfOrder(t *testing.T) {
	ra := remoteState("f1", "node-a", 100, false, crdt.VectorClock{"node-a": 3})
	rb := remoteState("f1", "node-b", 200, true, crdt.VectorClock{"node-b": 5})

	m1 := NewManager("observer-1")
	m1.ApplyRemote(ra)
	m1.ApplyRemote(rb)

	m2 := NewManager("observer-2")
	m2.ApplyRemote(rb)
	m2.ApplyRemote(ra)

	s1, _ := m1.Get("f1")
	s2, _ := m2.Get("f1")
	assert.Equal(t, s1.Metadata, s2.Metadata)
	assert.Equal(t, s1.Deleted, s2.Deleted)
	assert.Equal(t, s1.Clock, s2.Clock)
	assert.True(t, s1.Deleted.Value, "时间戳更晚的删除标记胜出")
}

func TestManager_MergeIdempotent(t *testing.T) {
	m := NewManager("node-a")
	remote := remoteState("f1", "node-b", 100, false, crdt.VectorClock{"node-b": 1})

	m.ApplyRemote(remote)
	before, _ := m.Get("f1")
	m.ApplyRemote(remote)
	after, _ := m.Get("f1")

	assert.Equal(t, before.Metadata, after.Metadata)
	assert.Equal(t, before.Clock, after.Clock)
}

func TestManager_StatesSnapshotIsIsolated(t *testing.T) {
	m := NewManager("node-a")
	m.HandleLocalChange("f1", mdAt("v1", 1), false)

	snap := m.States()
	require.Len(t, snap, 1)
	snap[0].Clock.Increment("node-a") // 改快照不能影响内部状态

	got, _ := m.Get("f1")
	assert.Equal(t, uint64(1), got.Clock["node-a"])
}
