package syncer

import (
	"sync"
	"time"
)

// NodeInfo 是注册表里的一个对端节点
type NodeInfo struct {
	NodeID   string    `json:"node_id"`
	Addr     string    `json:"addr"`
	LastSeen time.Time `json:"last_seen"`
}

// Registry 维护已知节点与心跳活性。并发安全。
// 这不是发现协议：节点来自种子配置和对端心跳，只做登记不做探测。
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]NodeInfo
}

func NewRegistry() *Registry {
	return &Registry{nodes: make(map[string]NodeInfo)}
}

// Upsert 登记或刷新一个节点，LastSeen 置为当前时间
func (r *Registry) Upsert(nodeID, addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[nodeID] = NodeInfo{NodeID: nodeID, Addr: addr, LastSeen: time.Now()}
}

// Lookup 查单个节点
func (r *Registry) Lookup(nodeID string) (NodeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[nodeID]
	return n, ok
}

// Alive 返回 LastSeen 距今不超过 ttl 的节点
func (r *Registry) Alive(ttl time.Duration) []NodeInfo {
	cutoff := time.Now().Add(-ttl)
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]NodeInfo, 0, len(r.nodes))
	for _, n := range r.nodes {
		if n.LastSeen.After(cutoff) {
			out = append(out, n)
		}
	}
	return out
}

// All 返回全部已知节点
func (r *Registry) All() []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]NodeInfo, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	return out
}
