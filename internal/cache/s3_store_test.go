package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/any-hub/any-proxy/internal/pathkey"
)

type fakeObject struct {
	data        []byte
	contentType *string
	metadata    map[string]string
	modified    time.Time
}

// fakeS3 是内存中的对象桶，只实现 S3Store 用到的调用。
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	copies  int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]fakeObject)}
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(obj.data)),
		ContentLength: aws.Int64(int64(len(obj.data))),
		ContentType:   obj.contentType,
		Metadata:      obj.metadata,
		LastModified:  aws.Time(obj.modified),
	}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentType: obj.contentType, Metadata: obj.metadata}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != aws.ToInt64(in.ContentLength) {
		return nil, errors.New("content length mismatch")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = fakeObject{data: data, contentType: in.ContentType, metadata: in.Metadata, modified: time.Now()}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) CopyObject(_ context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	obj.metadata = in.Metadata
	f.objects[aws.ToString(in.Key)] = obj
	f.copies++
	return &s3.CopyObjectOutput{}, nil
}

func TestS3StoreRoundTrip(t *testing.T) {
	fake := newFakeS3()
	store := newS3Store(fake, S3Options{Bucket: "artifacts", Prefix: "cache/", TempDir: t.TempDir()})
	ctx := context.Background()
	key := pathkey.MustNew("central", "/org/acme/lib.jar")
	modified := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	if _, err := store.Put(ctx, &Item{
		Key:          key,
		Body:         io.NopCloser(strings.NewReader("jar-bytes")),
		ContentType:  "application/java-archive",
		LastModified: modified,
		RemoteURL:    "https://remote/org/acme/lib.jar",
	}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, ok := fake.objects["cache/central/org/acme/lib.jar"]; !ok {
		t.Fatalf("object stored under unexpected key: %v", fake.objects)
	}

	item, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer item.Close()
	body, _ := io.ReadAll(item.Body)
	if string(body) != "jar-bytes" || item.Size != 9 {
		t.Fatalf("unexpected body %q size %d", body, item.Size)
	}
	if !item.LastModified.Equal(modified) || item.ContentType != "application/java-archive" || item.RemoteURL == "" {
		t.Fatalf("metadata not restored: %+v", item)
	}

	checked := time.Now().UTC().Truncate(time.Millisecond)
	if err := store.Touch(ctx, key, checked); err != nil {
		t.Fatalf("touch: %v", err)
	}
	again, _ := store.Get(ctx, key)
	defer again.Close()
	if !again.CheckedAt.Equal(checked) || fake.copies != 1 {
		t.Fatalf("touch should replace metadata in place, got %v", again.CheckedAt)
	}
}

func TestS3StoreMissingAndDelete(t *testing.T) {
	store := newS3Store(newFakeS3(), S3Options{Bucket: "artifacts", TempDir: t.TempDir()})
	ctx := context.Background()
	key := pathkey.MustNew("central", "/gone.jar")

	if _, err := store.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if ok, err := store.Exists(ctx, key); ok || err != nil {
		t.Fatalf("expected missing object, got %v %v", ok, err)
	}
	if err := store.Touch(ctx, key, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on touch, got %v", err)
	}

	if _, err := store.Put(ctx, &Item{Key: key, Body: io.NopCloser(strings.NewReader("x"))}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if ok, _ := store.Exists(ctx, key); !ok {
		t.Fatalf("expected object after put")
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ok, _ := store.Exists(ctx, key); ok {
		t.Fatalf("expected object to be gone after delete")
	}
}
