package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"silentnas/pkg/types"

	"github.com/fxamacker/cbor/v2"
)

// 定义规范化的编码选项：相同的结构必须产生字节级相同的输出，
// 否则 WAL 校验和与同步层的端到端校验都会失效。
var encOptions = cbor.EncOptions{
	// 1. 强制 Map Key 排序 (Canonical)
	// 保证相同的对象生成唯一的 Hash
	Sort: cbor.SortCanonical,

	//2.浮点数必须使用64位表示
	ShortestFloat: cbor.ShortestFloatNone,
	// 3. 时间格式化为 Unix 整数
	// 禁止自动生成 Tag 0/1 (RFC 3339 字符串)
	Time:    cbor.TimeUnix,
	TimeTag: cbor.EncTagNone,

	// 4. 禁止不定长编码 (Indefinite Length)
	// 数组和 Map 必须在头部声明长度
	IndefLength: cbor.IndefLengthForbidden,

	// 5. 大整数使用最短编码
	BigIntConvert: cbor.BigIntConvertShortest,
}

// 全局复用的编码模式
var em, _ = encOptions.EncMode()

// 解码选项
var decOptions = cbor.DecOptions{
	// --- 安全性配置 (防 DoS 攻击) ---
	// 限制容器元素数量和嵌套深度，防止恶意构造的巨大头部耗尽内存或栈
	MaxArrayElements: 1000000,
	MaxMapPairs:      100000,
	MaxNestedLevels:  100,

	// 禁止不定长编码 (Indefinite Length)
	IndefLength: cbor.IndefLengthForbidden,

	// 强制检查 Map Key 重复
	DupMapKey: cbor.DupMapKeyEnforcedAPF,

	// 忽略时间 Tag (Tag 0/1)，强制解析为数字，由 Struct 类型决定
	TimeTag: cbor.DecTagIgnored,
}

var dm, _ = decOptions.DecMode()

// EncodeCanonical 以规范化 CBOR 序列化任意结构
// WAL 记录与同步消息都经由这里，保证跨节点字节一致
func EncodeCanonical(v any) ([]byte, error) {
	data, err := em.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal object: %w", err)
	}
	return data, nil
}

// CalculateHash 序列化并计算对象的 Hash
func CalculateHash(v any) (types.Hash, []byte, error) {
	data, err := EncodeCanonical(v)
	if err != nil {
		return "", nil, err
	}

	// 计算 SHA-256
	hashBytes := sha256.Sum256(data)
	hashStr := hex.EncodeToString(hashBytes[:])

	return types.Hash(hashStr), data, nil
}

// CalculateBlobHash 计算原始数据块的 Hash
// 这是内容寻址的基础：块地址 = 未压缩内容的 SHA-256
func CalculateBlobHash(data []byte) types.Hash {
	hashBytes := sha256.Sum256(data)
	return types.Hash(hex.EncodeToString(hashBytes[:]))
}

// DecodeObject 通用的解码函数
func DecodeObject(data []byte, v any) error {
	return dm.Unmarshal(data, v)
}
