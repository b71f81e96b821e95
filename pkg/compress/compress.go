package compress

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Algorithm 是落盘数据的第一个字节，自描述格式：
// 读取方不需要任何外部元数据就能解码。
type Algorithm byte

const (
	AlgoNone Algorithm = 0 // 原样存储
	AlgoS2   Algorithm = 1 // 快速模式
	AlgoZstd Algorithm = 2 // 高压缩比模式
)

func (a Algorithm) String() string {
	switch a {
	case AlgoNone:
		return "none"
	case AlgoS2:
		return "s2"
	case AlgoZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", byte(a))
	}
}

var (
	ErrUnknownAlgorithm = errors.New("compress: unknown algorithm tag")
	ErrTruncated        = errors.New("compress: data too short")
)

// Config 控制压缩策略
type Config struct {
	// Algorithm 是默认算法（已压缩类型会被上层降级为 AlgoNone）
	Algorithm Algorithm
	// MinSize 以下的块不压缩，头部开销不划算
	MinSize int
}

func DefaultConfig() Config {
	return Config{Algorithm: AlgoZstd, MinSize: 1024}
}

// Stats 是进程内累计的压缩统计
type Stats struct {
	RawBytes    atomic.Int64
	StoredBytes atomic.Int64
	Skipped     atomic.Int64 // 小块或已压缩类型
	Fallbacks   atomic.Int64 // 压缩后反而变大，回退原样
}

// Ratio 返回累计压缩比 (raw/stored)，无数据时为 1
func (s *Stats) Ratio() float64 {
	stored := s.StoredBytes.Load()
	if stored == 0 {
		return 1
	}
	return float64(s.RawBytes.Load()) / float64(stored)
}

// Compressor 把原始块编码成带算法标签的存储格式。
// 并发安全：zstd 的 EncodeAll/DecodeAll 本身支持并发调用。
type Compressor struct {
	cfg   Config
	zenc  *zstd.Encoder
	zdec  *zstd.Decoder
	stats Stats
}

func NewCompressor(cfg Config) (*Compressor, error) {
	if cfg.MinSize < 0 {
		return nil, fmt.Errorf("compress: negative min size %d", cfg.MinSize)
	}
	switch cfg.Algorithm {
	case AlgoNone, AlgoS2, AlgoZstd:
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownAlgorithm, cfg.Algorithm)
	}

	// EncodeAll 模式下传 nil writer，复用内部并发池
	zenc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("compress: init zstd encoder: %w", err)
	}
	zdec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("compress: init zstd decoder: %w", err)
	}
	return &Compressor{cfg: cfg, zenc: zenc, zdec: zdec}, nil
}

// Encode 压缩一个块。skipCompress 为 true 时（已压缩文件类型）直接打 None 标签。
// 压缩结果不小于原文时自动回退为 None，保证存储永远不会因压缩而膨胀。
func (c *Compressor) Encode(data []byte, skipCompress bool) []byte {
	c.stats.RawBytes.Add(int64(len(data)))

	algo := c.cfg.Algorithm
	if skipCompress || len(data) < c.cfg.MinSize || algo == AlgoNone {
		c.stats.Skipped.Add(1)
		return c.tag(AlgoNone, data)
	}

	var compressed []byte
	switch algo {
	case AlgoS2:
		compressed = s2.Encode(nil, data)
	case AlgoZstd:
		compressed = c.zenc.EncodeAll(data, nil)
	}

	// 回退判断：压缩后必须真的变小
	if len(compressed) >= len(data) {
		c.stats.Fallbacks.Add(1)
		return c.tag(AlgoNone, data)
	}

	out := c.tag(algo, compressed)
	c.stats.StoredBytes.Add(int64(len(out)))
	return out
}

// Decode 按标签还原块内容
func (c *Compressor) Decode(stored []byte) ([]byte, error) {
	if len(stored) < 1 {
		return nil, ErrTruncated
	}
	algo, payload := Algorithm(stored[0]), stored[1:]

	switch algo {
	case AlgoNone:
		// 拷贝出来，调用方可能长期持有（热块缓存）
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	case AlgoS2:
		out, err := s2.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("compress: s2 decode: %w", err)
		}
		return out, nil
	case AlgoZstd:
		out, err := c.zdec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("compress: zstd decode: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownAlgorithm, stored[0])
	}
}

func (c *Compressor) Stats() *Stats { return &c.stats }

func (c *Compressor) tag(algo Algorithm, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+1)
	out = append(out, byte(algo))
	out = append(out, payload...)
	if algo == AlgoNone {
		c.stats.StoredBytes.Add(int64(len(out)))
	}
	return out
}

// Close 释放 zstd 资源（幂等）
func (c *Compressor) Close() {
	c.zenc.Close()
	c.zdec.Close()
}
