package versionchain

import (
	"errors"
	"fmt"

	"silentnas/pkg/types"
)

// maxWalkDepth 是遍历父指针时的熔断深度
// 正常的链远小于它，到这里必然是元数据坏了 (环或超长链)
const maxWalkDepth = 100

var (
	ErrCycleDetected = errors.New("version chain cycle detected")
)

// Config 控制链的长度上限和压缩保留策略
type Config struct {
	// MaxDepth: 链长超过它就触发压缩
	MaxDepth int
	// KeepRecent: 压缩时保留最近的 N 个版本
	KeepRecent int
}

func DefaultConfig() Config {
	return Config{MaxDepth: 5, KeepRecent: 2}
}

func (c Config) Validate() error {
	if c.KeepRecent < 1 {
		return fmt.Errorf("versionchain: keep_recent must be >= 1, got %d", c.KeepRecent)
	}
	if c.MaxDepth < c.KeepRecent {
		return fmt.Errorf("versionchain: max_depth %d < keep_recent %d", c.MaxDepth, c.KeepRecent)
	}
	return nil
}

// ParentLoader 按版本号取父版本号，链头返回空串
type ParentLoader func(id types.VersionID) (types.VersionID, error)

// MergePlan 是一次压缩的全量计划：要么整个执行，要么什么都不动
type MergePlan struct {
	// Keep: 保留的版本 (新 -> 旧)
	Keep []types.VersionID
	// Drop: 要释放的版本 (它们的块引用 -1)
	Drop []types.VersionID
	// NewHead: Keep 里最老的版本，压缩后它的父指针清空
	NewHead types.VersionID
}

// Manager 是纯计划逻辑：它只读链、算计划，执行交给调用方的事务
type Manager struct {
	cfg Config
}

func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{cfg: cfg}, nil
}

func (m *Manager) Config() Config { return m.cfg }

// BuildChain 从最新版本沿父指针走到链头，返回 新 -> 旧 的版本列表。
// 深度熔断挡住损坏元数据里的环。
func (m *Manager) BuildChain(latest types.VersionID, load ParentLoader) ([]types.VersionID, error) {
	var chain []types.VersionID
	seen := make(map[types.VersionID]bool)

	cur := latest
	for depth := 0; !cur.IsZero(); depth++ {
		if depth >= maxWalkDepth || seen[cur] {
			return nil, fmt.Errorf("%w: at version %s", ErrCycleDetected, cur)
		}
		seen[cur] = true
		chain = append(chain, cur)

		parent, err := load(cur)
		if err != nil {
			return nil, fmt.Errorf("failed to load parent of %s: %w", cur, err)
		}
		cur = parent
	}
	return chain, nil
}

// NeedsCompaction 判断链是否超长
func (m *Manager) NeedsCompaction(chainLen int) bool {
	return chainLen > m.cfg.MaxDepth
}

// PlanCompaction 生成压缩计划：保留最近 KeepRecent 个，释放其余。
// chain 必须是 BuildChain 的输出 (新 -> 旧)。
// 链不超长时返回 nil：没有可做的事。
func (m *Manager) PlanCompaction(chain []types.VersionID) *MergePlan {
	if !m.NeedsCompaction(len(chain)) {
		return nil
	}
	keep := chain[:m.cfg.KeepRecent]
	drop := chain[m.cfg.KeepRecent:]

	plan := &MergePlan{
		Keep:    keep,
		Drop:    drop,
		NewHead: keep[len(keep)-1],
	}
	return plan
}
