// pkg/types/common.go
package types

import "time"

// Hash 代表数据块的唯一标识符 (SHA256 Hex String)
// 这是一个“值对象”，应当是不可变的。
type Hash string

func (h Hash) String() string { return string(h) }

// 验证 Hash 合法性
func (h Hash) IsZero() bool  { return h == "" }
func (h Hash) IsValid() bool { return len(h) == 64 } // 简单的长度检查

// FileID 是文件的逻辑标识，由上层协议适配器分配（通常是路径或 UUID）
type FileID string

func (f FileID) String() string { return string(f) }
func (f FileID) IsZero() bool   { return f == "" }

// VersionID 标识文件的某一个具体版本
type VersionID string

func (v VersionID) String() string { return string(v) }
func (v VersionID) IsZero() bool   { return v == "" }

// NodeID 标识同步网络中的一个节点
type NodeID string

func (n NodeID) String() string { return string(n) }

// FileMetadata 是文件的元数据快照
// 注意：Hash 是整个文件内容的哈希，不是某个块的哈希
type FileMetadata struct {
	ID         FileID    `json:"id" cbor:"1,keyasint"`
	Name       string    `json:"name" cbor:"2,keyasint"`
	Path       string    `json:"path" cbor:"3,keyasint"`
	Size       int64     `json:"size" cbor:"4,keyasint"`
	Hash       Hash      `json:"hash" cbor:"5,keyasint"`
	CreatedAt  time.Time `json:"created_at" cbor:"6,keyasint"`
	ModifiedAt time.Time `json:"modified_at" cbor:"7,keyasint"`
}
