package chunker

// gearTable 是滚动哈希用的 256 项随机表。
// 必须在所有节点上完全一致，否则同一份数据会切出不同的块，
// 跨节点去重直接失效。因此用固定种子在 init 时生成，而不是 math/rand。
var gearTable [256]uint64

const gearSeed uint64 = 0x3f8e_43a1_9b6d_2c75

func init() {
	// splitmix64：足够均匀，且实现只有几行，方便审计
	s := gearSeed
	for i := range gearTable {
		s += 0x9E3779B97F4A7C15
		z := s
		z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
		z = (z ^ (z >> 27)) * 0x94D049BB133111EB
		gearTable[i] = z ^ (z >> 31)
	}
}
