package syncer

import (
	"fmt"

	"silentnas/pkg/core"
	"silentnas/pkg/types"

	"google.golang.org/grpc/encoding"
)

// 节点间协议走 gRPC，但载荷是规范化 CBOR 而不是 protobuf：
// WAL 和内容寻址已经用 CBOR 了，同一套编码规则省掉一个 IDL 工具链。
const codecName = "cbor"

type cborCodec struct{}

func (cborCodec) Name() string { return codecName }

func (cborCodec) Marshal(v any) ([]byte, error) {
	return core.EncodeCanonical(v)
}

func (cborCodec) Unmarshal(data []byte, v any) error {
	return core.DecodeObject(data, v)
}

func init() {
	encoding.RegisterCodec(cborCodec{})
}

// -----------------------------------------------------------------------------
// 报文定义。keyasint 保证字段编号稳定，新字段只能追加编号。
// -----------------------------------------------------------------------------

// PushStateRequest 推送一个文件的同步状态
type PushStateRequest struct {
	NodeID string   `cbor:"1,keyasint"`
	State  FileSync `cbor:"2,keyasint"`
}

type PushStateResponse struct {
	AdoptedMetadata bool `cbor:"1,keyasint"`
	Conflict        bool `cbor:"2,keyasint"`
}

// PushContentRequest 单发小文件：状态 + 完整内容一次送达
type PushContentRequest struct {
	NodeID string     `cbor:"1,keyasint"`
	State  FileSync   `cbor:"2,keyasint"`
	Hash   types.Hash `cbor:"3,keyasint"` // 发送方声明的整体哈希
	Data   []byte     `cbor:"4,keyasint"`
}

type PushContentResponse struct {
	AdoptedMetadata bool            `cbor:"1,keyasint"`
	Conflict        bool            `cbor:"2,keyasint"`
	VersionID       types.VersionID `cbor:"3,keyasint"` // 接收方落库后的版本号
}

// ContentFrame 是流式传输的一帧。
// 每帧带自己的校验和，接收方逐帧验证；最后一帧带整体声明哈希。
type ContentFrame struct {
	NodeID   string     `cbor:"1,keyasint"` // 仅首帧必填
	State    *FileSync  `cbor:"2,keyasint,omitempty"`
	Data     []byte     `cbor:"3,keyasint"`
	Checksum types.Hash `cbor:"4,keyasint"` // 本帧 Data 的哈希
	Last     bool       `cbor:"5,keyasint"`
	Hash     types.Hash `cbor:"6,keyasint,omitempty"` // 整体哈希，Last 帧必填
}

// FetchStateRequest 拉取指定文件的状态；FileIDs 为空表示全部
type FetchStateRequest struct {
	NodeID  string         `cbor:"1,keyasint"`
	FileIDs []types.FileID `cbor:"2,keyasint"`
}

type FetchStateResponse struct {
	States []FileSync `cbor:"1,keyasint"`
}

// FetchContentRequest 拉取一个文件的最新内容
type FetchContentRequest struct {
	NodeID string       `cbor:"1,keyasint"`
	FileID types.FileID `cbor:"2,keyasint"`
}

type FetchContentResponse struct {
	State FileSync   `cbor:"1,keyasint"`
	Hash  types.Hash `cbor:"2,keyasint"`
	Data  []byte     `cbor:"3,keyasint"`
}

// VerifyHashRequest 端到端校验：要求对端报告文件当前内容的哈希
type VerifyHashRequest struct {
	FileID types.FileID `cbor:"1,keyasint"`
}

type VerifyHashResponse struct {
	Exists bool       `cbor:"1,keyasint"`
	Hash   types.Hash `cbor:"2,keyasint"`
}

// HeartbeatRequest 心跳兼节点注册
type HeartbeatRequest struct {
	NodeID string `cbor:"1,keyasint"`
	Addr   string `cbor:"2,keyasint"`
}

type HeartbeatResponse struct {
	NodeID string `cbor:"1,keyasint"`
}

// frameChecksumError 构造帧校验失败的错误 (发送端重试的依据之一)
func frameChecksumError(got, want types.Hash) error {
	return fmt.Errorf("frame checksum mismatch: got %s want %s", got, want)
}
