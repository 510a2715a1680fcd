package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/any-hub/any-proxy/internal/pathkey"
)

// 对象用户元数据键（S3 会统一转为小写）。
const (
	metaLastModified = "last-modified"
	metaCheckedAt    = "checked-at"
	metaRemoteURL    = "remote-url"
)

// S3Options 描述 S3 存储后端。Endpoint 非空时使用 path-style 访问（MinIO、LocalStack 等）。
type S3Options struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	// TempDir 用于上传前暂存正文，空值使用系统临时目录。
	TempDir string
}

// s3API 是 S3Store 用到的客户端子集，便于测试替换。
type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
}

// S3Store 将条目保存为 <prefix><repository><path> 对象，属性写入对象元数据。
type S3Store struct {
	client  s3API
	bucket  string
	prefix  string
	tempDir string
}

var (
	_ Store   = (*S3Store)(nil)
	_ Toucher = (*S3Store)(nil)
)

// NewS3Store 加载 AWS 配置（静态凭证或默认凭证链）并确认桶可访问。
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3 bucket required")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(opts.Bucket)}); err != nil {
		return nil, fmt.Errorf("access bucket %q: %w", opts.Bucket, err)
	}
	return newS3Store(client, opts), nil
}

func newS3Store(client s3API, opts S3Options) *S3Store {
	return &S3Store{
		client:  client,
		bucket:  opts.Bucket,
		prefix:  opts.Prefix,
		tempDir: opts.TempDir,
	}
}

func (s *S3Store) objectKey(key pathkey.Key) string {
	p := key.Path()
	if key.IsCollection() {
		p += collectionFile
	}
	return s.prefix + key.RepositoryID() + p
}

func (s *S3Store) Get(ctx context.Context, key pathkey.Key) (*Item, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get object: %w", err)
	}
	item := itemFromMetadata(key, out.Metadata, out.LastModified)
	item.Body = out.Body
	item.Size = aws.ToInt64(out.ContentLength)
	item.ContentType = aws.ToString(out.ContentType)
	return item, nil
}

func (s *S3Store) Exists(ctx context.Context, key pathkey.Key) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("head object: %w", err)
	}
	return true, nil
}

// Put 先把正文写入临时文件，得到长度且可重读后再一次性上传，上传失败不会留下残缺对象。
func (s *S3Store) Put(ctx context.Context, item *Item) (*Item, error) {
	if item == nil || item.Body == nil {
		return nil, errors.New("item body required")
	}
	defer item.Body.Close()

	spool, err := os.CreateTemp(s.tempDir, ".s3-spool-*")
	if err != nil {
		return nil, err
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	written, err := copyWithContext(ctx, spool, item.Body)
	if err != nil {
		return nil, err
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	stored := *item
	stored.Body = nil
	stored.Size = written
	if stored.LastModified.IsZero() {
		stored.LastModified = time.Now().UTC()
	}
	if stored.CheckedAt.IsZero() {
		stored.CheckedAt = time.Now().UTC()
	}

	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey(item.Key)),
		Body:          spool,
		ContentLength: aws.Int64(written),
		Metadata:      metadataFromItem(&stored),
	}
	if stored.ContentType != "" {
		in.ContentType = aws.String(stored.ContentType)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return nil, fmt.Errorf("put object: %w", err)
	}
	return &stored, nil
}

// Touch 通过原地复制替换元数据来刷新校验时间。
func (s *S3Store) Touch(ctx context.Context, key pathkey.Key, checkedAt time.Time) error {
	objectKey := s.objectKey(key)
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		if isS3NotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("head object: %w", err)
	}
	meta := make(map[string]string, len(head.Metadata)+1)
	for k, v := range head.Metadata {
		meta[k] = v
	}
	meta[metaCheckedAt] = checkedAt.UTC().Format(time.RFC3339Nano)

	_, err = s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(objectKey),
		CopySource:        aws.String(url.PathEscape(s.bucket) + "/" + escapeObjectKey(objectKey)),
		Metadata:          meta,
		MetadataDirective: types.MetadataDirectiveReplace,
		ContentType:       head.ContentType,
	})
	if err != nil {
		return fmt.Errorf("copy object: %w", err)
	}
	return nil
}

func (s *S3Store) Delete(ctx context.Context, key pathkey.Key) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func metadataFromItem(item *Item) map[string]string {
	meta := map[string]string{
		metaLastModified: item.LastModified.UTC().Format(time.RFC3339Nano),
		metaCheckedAt:    item.CheckedAt.UTC().Format(time.RFC3339Nano),
	}
	if item.RemoteURL != "" {
		meta[metaRemoteURL] = item.RemoteURL
	}
	return meta
}

func itemFromMetadata(key pathkey.Key, meta map[string]string, objectModified *time.Time) *Item {
	item := &Item{Key: key, RemoteURL: meta[metaRemoteURL]}
	if t, err := time.Parse(time.RFC3339Nano, meta[metaLastModified]); err == nil {
		item.LastModified = t
	}
	if t, err := time.Parse(time.RFC3339Nano, meta[metaCheckedAt]); err == nil {
		item.CheckedAt = t
	}
	if objectModified != nil {
		if item.LastModified.IsZero() {
			item.LastModified = *objectModified
		}
		if item.CheckedAt.IsZero() {
			item.CheckedAt = *objectModified
		}
	}
	return item
}

func escapeObjectKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
