package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"silentnas/pkg/storage"
	"silentnas/pkg/types"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Adapter 实现了 storage.Store 接口
type Adapter struct {
	client *s3.Client
	bucket string
}

// Config 用于初始化 Adapter
type Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// NewAdapter 初始化 S3 客户端 (适配 AWS SDK v2 最新规范)
func NewAdapter(ctx context.Context, cfg Config) (*Adapter, error) {
	// 1. 加载基础配置 (仅包含 Region 和 Credentials)
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	// 2. 创建 S3 客户端时，注入特定于 S3 的配置
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// 如果指定了 Endpoint (比如 MinIO 的 localhost:9000)，则覆盖默认值
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}

		// 【关键】MinIO 必须强制使用 Path Style
		// 即: http://host:9000/bucket/key
		o.UsePathStyle = true
	})

	// 3. 确保 Bucket 存在
	_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &cfg.Bucket})
	if err != nil {
		_, err = client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: &cfg.Bucket})
		if err != nil {
			// 并发创建或权限问题都会到这里，继续运行，生产环境建议手动管理 Bucket
			fmt.Printf("Warning: failed to ensure bucket exists: %v\n", err)
		}
	}

	return &Adapter{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// transformKey 将 Hash 转换为 S3 Key (Sharding)
// Logic: "aabbcc..." -> "aa/bbcc..."
func (s *Adapter) transformKey(hash types.Hash) string {
	hashStr := string(hash)
	if len(hashStr) < 2 {
		return hashStr
	}
	return hashStr[:2] + "/" + hashStr[2:]
}

// PutIfAbsent 上传块。
// S3 没有本地磁盘那样的 Link 原子原语，这里用 Head 预检；
// 内容寻址保证同 Key 必同内容，并发写最坏是重复上传同样的字节，无害。
func (s *Adapter) PutIfAbsent(ctx context.Context, hash types.Hash, data []byte) (bool, error) {
	// 1. Head 请求比 Put 便宜且快，已存在直接跳过
	exists, err := s.Has(ctx, hash)
	if err != nil {
		return false, fmt.Errorf("s3 put existence check failed: %w", err)
	}
	if exists {
		return false, nil
	}

	// 2. 执行上传
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.transformKey(hash)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return false, fmt.Errorf("s3 put failed: %w", err)
	}
	return true, nil
}

// Get 下载块
func (s *Adapter) Get(ctx context.Context, hash types.Hash) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.transformKey(hash)),
	})
	if err != nil {
		// 将 AWS 的 NoSuchKey 错误映射为我们自己的 ErrNotFound
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("s3 get failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read body failed: %w", err)
	}
	return data, nil
}

// Has 检查块是否存在
func (s *Adapter) Has(ctx context.Context, hash types.Hash) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.transformKey(hash)),
	})
	if err == nil {
		return true, nil
	}

	var notFound *s3types.NotFound
	var noKey *s3types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noKey) {
		return false, nil
	}
	// 兼容性：某些 S3 实现可能返回 generic 404 error string
	if strings.Contains(err.Error(), "404") {
		return false, nil
	}

	return false, err
}

// Delete 幂等删除
func (s *Adapter) Delete(ctx context.Context, hash types.Hash) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.transformKey(hash)),
	})
	if err != nil {
		return fmt.Errorf("s3 delete failed: %w", err)
	}
	return nil
}

// List 分页枚举所有块哈希
func (s *Adapter) List(ctx context.Context) ([]types.Hash, error) {
	var hashes []types.Hash

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list failed: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			// 还原 Hash: "aa/bbcc..." -> "aabbcc..."
			h := types.Hash(strings.Replace(*obj.Key, "/", "", 1))
			if h.IsValid() {
				hashes = append(hashes, h)
			}
		}
	}
	return hashes, nil
}
