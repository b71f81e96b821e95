// Package crdt 提供同步层用的两个无冲突复制数据类型：
// LWW 寄存器和向量时钟。合并规则是协议的一部分，所有节点必须一致。
package crdt

// LWWRegister 是 Last-Write-Wins 寄存器。
// 并列裁决：先比时间戳，时间戳相同比 NodeID（字典序大者胜）。
// NodeID 裁决保证两个节点在同一纳秒写入时仍然收敛到同一个值。
type LWWRegister[T any] struct {
	Value     T      `json:"value" cbor:"1,keyasint"`
	Timestamp int64  `json:"timestamp" cbor:"2,keyasint"` // UnixNano
	NodeID    string `json:"node_id" cbor:"3,keyasint"`
}

// NewLWWRegister 以初始值建寄存器
func NewLWWRegister[T any](value T, timestamp int64, nodeID string) LWWRegister[T] {
	return LWWRegister[T]{Value: value, Timestamp: timestamp, NodeID: nodeID}
}

// Set 本地写入：时间戳必须由调用方提供（通常是 time.Now().UnixNano()）
func (r *LWWRegister[T]) Set(value T, timestamp int64, nodeID string) {
	r.Value = value
	r.Timestamp = timestamp
	r.NodeID = nodeID
}

// wins 判断 other 是否应当覆盖 r
func (r *LWWRegister[T]) wins(other LWWRegister[T]) bool {
	if other.Timestamp != r.Timestamp {
		return other.Timestamp > r.Timestamp
	}
	return other.NodeID > r.NodeID
}

// Merge 吸收远端状态。交换、结合、幂等：
// 任何顺序、任何次数的合并都收敛到同一个胜者。
// 返回值表示本地值是否被替换。
func (r *LWWRegister[T]) Merge(other LWWRegister[T]) bool {
	if r.wins(other) {
		*r = other
		return true
	}
	return false
}
