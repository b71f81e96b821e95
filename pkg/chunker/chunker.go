package chunker

import (
	"fmt"
	"math"
)

// 默认分块配置 (单位: 字节)
// 按文件类型自适应时会被 core.FileType 的推荐值覆盖
const (
	DefaultMinSize = 4 * 1024  // 4KB
	DefaultAvgSize = 16 * 1024 // 16KB
	DefaultMaxSize = 64 * 1024 // 64KB

	// NormLevel 控制归一化强度：avg 之前用严掩码，之后用宽掩码
	NormLevel = 2

	// WindowSize 是滚动哈希的滑动窗口长度
	// 必须全网统一，否则切分点不一致
	WindowSize = 48
)

// hashPrime 是滚动哈希的乘法因子（奇数，保证模 2^64 可逆）
const hashPrime uint64 = 1099511628211

// powW = hashPrime^WindowSize mod 2^64，离开窗口的字节要乘它再减掉
var powW = func() uint64 {
	p := uint64(1)
	for i := 0; i < WindowSize; i++ {
		p *= hashPrime
	}
	return p
}()

// outTable[b] = gearTable[b] * powW
// 预计算后，挤出字节的哈希更新也是一次查表
var outTable = func() [256]uint64 {
	var t [256]uint64
	for i, v := range gearTable {
		t[i] = v * powW
	}
	return t
}()

// Config 是一次切分任务的边界参数
type Config struct {
	MinSize int
	AvgSize int
	MaxSize int
}

func DefaultConfig() Config {
	return Config{MinSize: DefaultMinSize, AvgSize: DefaultAvgSize, MaxSize: DefaultMaxSize}
}

func (c Config) Validate() error {
	if c.MinSize <= 0 || c.AvgSize <= 0 || c.MaxSize <= 0 {
		return fmt.Errorf("chunker: sizes must be positive: %+v", c)
	}
	if !(c.MinSize < c.AvgSize && c.AvgSize < c.MaxSize) {
		return fmt.Errorf("chunker: require min < avg < max: %+v", c)
	}
	// 窗口要在 min 边界前就预热完毕
	if c.MinSize < WindowSize {
		return fmt.Errorf("chunker: min size %d smaller than window %d", c.MinSize, WindowSize)
	}
	return nil
}

// Chunker 是内容定义分块器 (CDC)。
// 切分点只由内容决定：同样的字节序列无论出现在哪个文件的哪个位置，
// 都会切出同样的块，这是跨版本去重的前提。
type Chunker struct {
	cfg   Config
	maskS uint64
	maskL uint64
}

func NewChunker(cfg Config) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	// 预计算掩码：bits = round(log2(avg))
	bits := int(math.Round(math.Log2(float64(cfg.AvgSize))))
	return &Chunker{
		cfg:   cfg,
		maskS: uint64(1<<(bits+NormLevel)) - 1,
		maskL: uint64(1<<(bits-NormLevel)) - 1,
	}, nil
}

// Cut 返回所有块的结束 offset（递增，最后一个等于 len(data)）。
// 空输入返回 nil。除最后一块外，每块大小都在 [MinSize, MaxSize] 内。
func (c *Chunker) Cut(data []byte) []int {
	n := len(data)
	if n == 0 {
		return nil
	}

	var cutPoints []int
	offset := 0
	ring := NewRing(WindowSize)

	for offset < n {
		// 1. 剩余不足最小块：整个尾部作为最后一块，保证全覆盖
		if n-offset <= c.cfg.MinSize {
			cutPoints = append(cutPoints, n)
			break
		}

		// 2. 每个新块重置窗口状态
		ring.Reset()
		fp := uint64(0)
		idx := offset + c.cfg.MinSize

		// 3. 预热：min 边界之前的 WindowSize 个字节先灌进窗口
		// 这样第一个候选切点处窗口已满，哈希语义与后续位置一致
		for i := idx - WindowSize; i < idx; i++ {
			evicted, full := ring.Push(data[i])
			fp = fp*hashPrime + gearTable[data[i]]
			if full {
				fp -= outTable[evicted]
			}
		}

		normLimit := min(offset+c.cfg.AvgSize, n)
		maxLimit := min(offset+c.cfg.MaxSize, n)

		// 扫描闭包：进一个字节、出一个字节，O(1) 更新
		scan := func(limit int, mask uint64) bool {
			for ; idx < limit; idx++ {
				evicted, full := ring.Push(data[idx])
				fp = fp*hashPrime + gearTable[data[idx]]
				if full {
					fp -= outTable[evicted]
				}
				if (fp & mask) == 0 {
					cutPoints = append(cutPoints, idx+1)
					offset = idx + 1
					return true
				}
			}
			return false
		}

		// A. 归一化区域 (严掩码)
		if scan(normLimit, c.maskS) {
			continue
		}

		// B. 普通区域 (宽掩码)
		if scan(maxLimit, c.maskL) {
			continue
		}

		// C. 到达 max 仍无切点：强制切分
		cutPoints = append(cutPoints, maxLimit)
		offset = maxLimit
	}

	return cutPoints
}

// Split 按 Cut 的结果把数据切成子切片（共享底层数组，不拷贝）
func (c *Chunker) Split(data []byte) [][]byte {
	cuts := c.Cut(data)
	if len(cuts) == 0 {
		return nil
	}
	chunks := make([][]byte, 0, len(cuts))
	start := 0
	for _, end := range cuts {
		chunks = append(chunks, data[start:end])
		start = end
	}
	return chunks
}
