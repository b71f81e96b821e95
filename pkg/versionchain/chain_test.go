package versionchain

import (
	"fmt"
	"testing"

	"silentnas/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapLoader 用 map 模拟父指针表
func mapLoader(parents map[types.VersionID]types.VersionID) ParentLoader {
	return func(id types.VersionID) (types.VersionID, error) {
		return parents[id], nil
	}
}

func TestBuildChain(t *testing.T) {
	m, err := NewManager(DefaultConfig())
	require.NoError(t, err)

	// v3 -> v2 -> v1 (链头)
	parents := map[types.VersionID]types.VersionID{
		"v3": "v2",
		"v2": "v1",
		"v1": "",
	}

	chain, err := m.BuildChain("v3", mapLoader(parents))
	require.NoError(t, err)
	assert.Equal(t, []types.VersionID{"v3", "v2", "v1"}, chain, "必须是 新 -> 旧")
}

func TestBuildChain_CycleGuard(t *testing.T) {
	m, err := NewManager(DefaultConfig())
	require.NoError(t, err)

	// v2 和 v1 互为父节点：坏元数据
	parents := map[types.VersionID]types.VersionID{
		"v2": "v1",
		"v1": "v2",
	}
	_, err = m.BuildChain("v2", mapLoader(parents))
	assert.ErrorIs(t, err, ErrCycleDetected)

	// 超长链同样触发熔断
	longParents := make(map[types.VersionID]types.VersionID)
	for i := 0; i < 200; i++ {
		longParents[types.VersionID(fmt.Sprintf("v%d", i))] = types.VersionID(fmt.Sprintf("v%d", i+1))
	}
	_, err = m.BuildChain("v0", mapLoader(longParents))
	assert.ErrorIs(t, err, ErrCycleDetected)
}

func TestPlanCompaction(t *testing.T) {
	// max_depth=5, keep_recent=2
	m, err := NewManager(DefaultConfig())
	require.NoError(t, err)

	// 1. 不超长：无计划
	short := []types.VersionID{"v5", "v4", "v3", "v2", "v1"}
	assert.False(t, m.NeedsCompaction(len(short)))
	assert.Nil(t, m.PlanCompaction(short))

	// 2. 超长：保留最近 2 个，释放其余
	long := []types.VersionID{"v6", "v5", "v4", "v3", "v2", "v1"}
	require.True(t, m.NeedsCompaction(len(long)))

	plan := m.PlanCompaction(long)
	require.NotNil(t, plan)
	assert.Equal(t, []types.VersionID{"v6", "v5"}, plan.Keep)
	assert.Equal(t, []types.VersionID{"v4", "v3", "v2", "v1"}, plan.Drop)
	assert.Equal(t, types.VersionID("v5"), plan.NewHead, "保留集合里最老的成为新链头")
}

func TestConfig_Validate(t *testing.T) {
	_, err := NewManager(Config{MaxDepth: 5, KeepRecent: 0})
	assert.Error(t, err)

	_, err = NewManager(Config{MaxDepth: 1, KeepRecent: 2})
	assert.Error(t, err)

	_, err = NewManager(Config{MaxDepth: 2, KeepRecent: 2})
	assert.NoError(t, err)
}
