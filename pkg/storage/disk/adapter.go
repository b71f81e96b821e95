package disk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"silentnas/pkg/storage"
	"silentnas/pkg/types"
)

// Adapter 实现了 storage.Store 接口
type Adapter struct {
	rootPath string // 比如: /var/lib/silent-nas/chunks
}

// NewAdapter 创建一个新的磁盘存储适配器
func NewAdapter(root string) (*Adapter, error) {
	// 确保根目录存在
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root storage dir: %w", err)
	}
	return &Adapter{rootPath: root}, nil
}

// layout 返回哈希对应的物理路径
// 策略：使用前 2 个字符作为子目录 (Sharding)
// Example: hash "aabbcc..." -> root/aa/bbcc...
func (s *Adapter) layout(hash types.Hash) string {
	h := string(hash)
	if len(h) < 2 {
		return filepath.Join(s.rootPath, h)
	}
	return filepath.Join(s.rootPath, h[:2], h[2:])
}

// PutIfAbsent 原子创建。
// 先写临时文件再 os.Link 到最终路径：Link 在目标已存在时失败，
// 天然就是“check + create”的原子版本，并发写同一个哈希不会互相覆盖。
func (s *Adapter) PutIfAbsent(ctx context.Context, hash types.Hash, data []byte) (bool, error) {
	targetPath := s.layout(hash)

	// 1. 快速路径：已存在直接返回 (CAS 只增不改)
	if _, err := os.Stat(targetPath); err == nil {
		return false, nil
	}

	// 2. 准备目录
	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return false, err
	}

	// 3. 先把完整内容落到临时文件
	tempFile, err := os.CreateTemp(dir, "temp-*")
	if err != nil {
		return false, err
	}
	tempName := tempFile.Name()
	// 无论成败，临时文件最后都要清理
	defer os.Remove(tempName)

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return false, err
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return false, err
	}
	if err := tempFile.Close(); err != nil {
		return false, err
	}

	// 4. Link 到最终位置：EEXIST 意味着另一个写入者赢了，内容相同，无害
	if err := os.Link(tempName, targetPath); err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Adapter) Get(ctx context.Context, hash types.Hash) ([]byte, error) {
	data, err := os.ReadFile(s.layout(hash))
	if os.IsNotExist(err) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Adapter) Has(ctx context.Context, hash types.Hash) (bool, error) {
	_, err := os.Stat(s.layout(hash))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Delete 幂等删除
func (s *Adapter) Delete(ctx context.Context, hash types.Hash) error {
	err := os.Remove(s.layout(hash))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List 扫描分片目录，枚举所有块哈希
func (s *Adapter) List(ctx context.Context) ([]types.Hash, error) {
	var hashes []types.Hash

	shards, err := os.ReadDir(s.rootPath)
	if err != nil {
		return nil, err
	}
	for _, shard := range shards {
		if !shard.IsDir() || len(shard.Name()) != 2 {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(s.rootPath, shard.Name()))
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), "temp-") {
				continue
			}
			h := types.Hash(shard.Name() + e.Name())
			if h.IsValid() {
				hashes = append(hashes, h)
			}
		}
	}
	return hashes, nil
}
