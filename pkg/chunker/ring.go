package chunker

// Ring 是固定容量的字节环形缓冲区，承载滚动哈希的滑动窗口。
// 写满之后每次 Push 都会挤出最老的字节，全部操作 O(1)、零分配。
type Ring struct {
	buf  []byte
	head int // 下一个写入位置
	size int
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		panic("chunker: ring capacity must be positive")
	}
	return &Ring{buf: make([]byte, capacity)}
}

// Push 写入一个字节。
// 如果缓冲区已满，返回被挤出的最老字节和 true；否则返回 0 和 false。
func (r *Ring) Push(b byte) (evicted byte, full bool) {
	if r.size == len(r.buf) {
		evicted = r.buf[r.head]
		full = true
	} else {
		r.size++
	}
	r.buf[r.head] = b
	r.head++
	if r.head == len(r.buf) {
		r.head = 0
	}
	return evicted, full
}

func (r *Ring) Len() int { return r.size }
func (r *Ring) Cap() int { return len(r.buf) }

// Reset 清空内容但保留底层数组
func (r *Ring) Reset() {
	r.head = 0
	r.size = 0
}
