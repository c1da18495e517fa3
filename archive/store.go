// Package archive keeps every call and response of a session as Standard MIDI Files.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gruntwork-io/go-commons/errors"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Store persists archived files under a session.
type Store interface {
	Put(ctx context.Context, session, path string, content []byte) error
	List(ctx context.Context, session string) ([]string, error)
}

func objectKey(session, path string) (string, error) {
	session = strings.TrimSpace(session)
	path = strings.TrimLeft(strings.TrimSpace(path), "/")
	if session == "" {
		return "", fmt.Errorf("session is required")
	}
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	return session + "/" + path, nil
}

// DirStore writes files below a local directory.
type DirStore struct {
	Root string
}

func (s DirStore) Put(_ context.Context, session, path string, content []byte) error {
	key, err := objectKey(session, path)
	if err != nil {
		return errors.WithStackTrace(err)
	}
	file := filepath.Join(s.Root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return errors.WithStackTrace(err)
	}
	return errors.WithStackTrace(os.WriteFile(file, content, 0o644))
}

func (s DirStore) List(_ context.Context, session string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.Root, session))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.WithStackTrace(err)
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() {
			paths = append(paths, e.Name())
		}
	}
	slices.Sort(paths)
	return paths, nil
}

// MemoryStore keeps files in memory.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, session, path string, content []byte) error {
	key, err := objectKey(session, path)
	if err != nil {
		return errors.WithStackTrace(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), content...)
	return nil
}

func (s *MemoryStore) List(_ context.Context, session string) ([]string, error) {
	prefix := strings.TrimSuffix(session, "/") + "/"
	s.mu.RLock()
	defer s.mu.RUnlock()
	var paths []string
	for _, key := range maps.Keys(s.data) {
		if strings.HasPrefix(key, prefix) {
			paths = append(paths, strings.TrimPrefix(key, prefix))
		}
	}
	slices.Sort(paths)
	return paths, nil
}

// Get returns a stored file.
func (s *MemoryStore) Get(session, path string) ([]byte, bool) {
	key, err := objectKey(session, path)
	if err != nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	content, ok := s.data[key]
	return content, ok
}

// S3Config locates an S3-compatible bucket.
type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// S3Store writes files to an S3-compatible bucket, creating it on first use.
type S3Store struct {
	client     *minio.Client
	bucketName string
	region     string
	initOnce   sync.Once
	initErr    error
}

func NewS3Store(cfg S3Config) (*S3Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.WithStackTrace(fmt.Errorf("s3 endpoint is required"))
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, errors.WithStackTrace(fmt.Errorf("s3 access key and secret key are required"))
	}
	if cfg.Bucket == "" {
		return nil, errors.WithStackTrace(fmt.Errorf("s3 bucket is required"))
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, errors.WithStackTrace(fmt.Errorf("init s3 client: %w", err))
	}
	return &S3Store{client: client, bucketName: cfg.Bucket, region: region}, nil
}

func (s *S3Store) ensureBucket(ctx context.Context) error {
	s.initOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucketName)
		if err != nil {
			s.initErr = err
			return
		}
		if !exists {
			s.initErr = s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{Region: s.region})
		}
	})
	return s.initErr
}

func (s *S3Store) Put(ctx context.Context, session, path string, content []byte) error {
	key, err := objectKey(session, path)
	if err != nil {
		return errors.WithStackTrace(err)
	}
	if err := s.ensureBucket(ctx); err != nil {
		return errors.WithStackTrace(fmt.Errorf("ensure bucket: %w", err))
	}
	_, err = s.client.PutObject(ctx, s.bucketName, key, bytes.NewReader(content), int64(len(content)), minio.PutObjectOptions{
		ContentType: "audio/midi",
	})
	return errors.WithStackTrace(err)
}

func (s *S3Store) List(ctx context.Context, session string) ([]string, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return nil, errors.WithStackTrace(fmt.Errorf("ensure bucket: %w", err))
	}
	prefix := strings.TrimSuffix(session, "/") + "/"
	var paths []string
	for obj := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, errors.WithStackTrace(obj.Err)
		}
		paths = append(paths, strings.TrimPrefix(obj.Key, prefix))
	}
	slices.Sort(paths)
	return paths, nil
}
