package compress

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressor_RoundTrip(t *testing.T) {
	for _, algo := range []Algorithm{AlgoNone, AlgoS2, AlgoZstd} {
		t.Run(algo.String(), func(t *testing.T) {
			c, err := NewCompressor(Config{Algorithm: algo, MinSize: 64})
			require.NoError(t, err)
			defer c.Close()

			// 高重复度数据，保证压缩确实生效
			data := bytes.Repeat([]byte("silent-nas chunk payload "), 400)

			stored := c.Encode(data, false)
			out, err := c.Decode(stored)
			require.NoError(t, err)
			assert.Equal(t, data, out)

			if algo != AlgoNone {
				assert.Less(t, len(stored), len(data), "重复数据压缩后必须变小")
				assert.Equal(t, byte(algo), stored[0])
			}
		})
	}
}

func TestCompressor_SkipSmall(t *testing.T) {
	c, err := NewCompressor(DefaultConfig())
	require.NoError(t, err)
	defer c.Close()

	// 小于 MinSize 的块不压缩
	data := []byte("tiny")
	stored := c.Encode(data, false)
	assert.Equal(t, byte(AlgoNone), stored[0])
	assert.Equal(t, data, stored[1:])
}

func TestCompressor_SkipPreCompressed(t *testing.T) {
	c, err := NewCompressor(DefaultConfig())
	require.NoError(t, err)
	defer c.Close()

	data := bytes.Repeat([]byte("abcdef"), 1000)
	stored := c.Encode(data, true) // 上层判定为已压缩类型
	assert.Equal(t, byte(AlgoNone), stored[0])
	assert.Equal(t, int64(1), c.Stats().Skipped.Load())
}

func TestCompressor_FallbackOnExpansion(t *testing.T) {
	c, err := NewCompressor(Config{Algorithm: AlgoZstd, MinSize: 16})
	require.NoError(t, err)
	defer c.Close()

	// 随机数据不可压缩，必须回退为原样存储
	data := make([]byte, 8192)
	rand.Read(data)

	stored := c.Encode(data, false)
	assert.Equal(t, byte(AlgoNone), stored[0])
	assert.Equal(t, int64(1), c.Stats().Fallbacks.Load())

	out, err := c.Decode(stored)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestCompressor_DecodeErrors(t *testing.T) {
	c, err := NewCompressor(DefaultConfig())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Decode(nil)
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = c.Decode([]byte{0xFF, 0x01, 0x02})
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)

	// 标签合法但载荷损坏
	_, err = c.Decode([]byte{byte(AlgoZstd), 0xDE, 0xAD})
	assert.Error(t, err)
}
