package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Config selects and configures a media backend.
type Config struct {
	Backend    string // fs (default), s3, gcs, memory
	DataDir    string
	S3Bucket   string
	S3Region   string
	S3Endpoint string
	S3Prefix   string
	GCSBucket  string
	GCSPrefix  string
}

// ConfigFromEnv reads MEDIA_* variables and DATA_DIR.
func ConfigFromEnv() Config {
	return Config{
		Backend:    os.Getenv("MEDIA_STORAGE_TYPE"),
		DataDir:    os.Getenv("DATA_DIR"),
		S3Bucket:   os.Getenv("MEDIA_S3_BUCKET"),
		S3Region:   os.Getenv("MEDIA_S3_REGION"),
		S3Endpoint: os.Getenv("MEDIA_S3_ENDPOINT"),
		S3Prefix:   os.Getenv("MEDIA_S3_PREFIX"),
		GCSBucket:  os.Getenv("MEDIA_GCS_BUCKET"),
		GCSPrefix:  os.Getenv("MEDIA_GCS_PREFIX"),
	}
}

// NewStore builds the configured backend.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "fs":
		dir := cfg.DataDir
		if dir == "" {
			dir = "data"
		}
		return NewFileStore(filepath.Join(dir, "media"))
	case "memory":
		return NewMemoryStore(), nil
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, errors.New("MEDIA_S3_BUCKET is required for s3 storage")
		}
		region := cfg.S3Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
	case "gcs":
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown media storage type %q (expected fs, s3, gcs or memory)", cfg.Backend)
	}
}

// MemoryStore keeps blobs in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, data []byte) (string, error) {
	ref := Ref(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[ref]; !ok {
		s.blobs[ref] = append([]byte(nil), data...)
	}
	return ref, nil
}

func (s *MemoryStore) Get(_ context.Context, ref string) ([]byte, error) {
	if _, err := digest(ref); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Exists(_ context.Context, ref string) (bool, error) {
	if _, err := digest(ref); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[ref]
	return ok, nil
}

func (s *MemoryStore) Delete(_ context.Context, ref string) error {
	if _, err := digest(ref); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, ref)
	return nil
}
