package crdt

// Ordering 是两个向量时钟的偏序关系
type Ordering int

const (
	OrderEqual Ordering = iota
	OrderBefore
	OrderAfter
	OrderConcurrent
)

func (o Ordering) String() string {
	switch o {
	case OrderEqual:
		return "equal"
	case OrderBefore:
		return "before"
	case OrderAfter:
		return "after"
	default:
		return "concurrent"
	}
}

// VectorClock 是 节点 -> 计数 的因果时钟。
// 缺失的键视为 0，所以零值 map 和显式 0 等价。
type VectorClock map[string]uint64

func NewVectorClock() VectorClock {
	return make(VectorClock)
}

// Increment 本地事件发生时给自己的分量 +1
func (vc VectorClock) Increment(nodeID string) {
	vc[nodeID]++
}

// Merge 逐分量取最大值（收到远端状态时调用）
func (vc VectorClock) Merge(other VectorClock) {
	for node, count := range other {
		if count > vc[node] {
			vc[node] = count
		}
	}
}

// Compare 判定 vc 相对 other 的偏序
func (vc VectorClock) Compare(other VectorClock) Ordering {
	var less, greater bool

	for node, count := range vc {
		if count > other[node] {
			greater = true
		} else if count < other[node] {
			less = true
		}
	}
	for node, count := range other {
		if _, ok := vc[node]; !ok && count > 0 {
			less = true
		}
	}

	switch {
	case less && greater:
		return OrderConcurrent
	case greater:
		return OrderAfter
	case less:
		return OrderBefore
	default:
		return OrderEqual
	}
}

// IsConcurrent: 互相都有对方没见过的事件，即真正的并发修改
func (vc VectorClock) IsConcurrent(other VectorClock) bool {
	return vc.Compare(other) == OrderConcurrent
}

// Clone 深拷贝（状态要跨 goroutine 传递时用）
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}
