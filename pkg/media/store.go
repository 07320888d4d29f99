// Package media is the content-addressed blob store behind AUDIO and MEDIA
// intents. A payload's media_ref names a blob by the SHA-256 of its bytes.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	ErrNotFound   = errors.New("media: blob not found")
	ErrInvalidRef = errors.New("media: invalid reference")
)

var refPattern = regexp.MustCompile(`^sha256:[0-9a-f]{64}$`)

// Store persists media blobs keyed by their content reference.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Exists(ctx context.Context, ref string) (bool, error)
	Delete(ctx context.Context, ref string) error
}

// Ref returns the "sha256:<hex>" reference of data.
func Ref(data []byte) string {
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}

// digest validates ref and returns its hex part.
func digest(ref string) (string, error) {
	if !refPattern.MatchString(ref) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return strings.TrimPrefix(ref, "sha256:"), nil
}

// FileStore keeps blobs as <hex>.blob files under a base directory.
type FileStore struct {
	baseDir string
}

func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0750); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(hexDigest string) string {
	return filepath.Join(s.baseDir, hexDigest+".blob")
}

// Put writes data through a temp file and rename, so readers never observe a
// partial blob. Writing an existing blob is a no-op.
func (s *FileStore) Put(ctx context.Context, data []byte) (string, error) {
	ref := Ref(data)
	hexDigest, _ := digest(ref)
	target := s.path(hexDigest)

	if _, err := os.Stat(target); err == nil {
		return ref, nil
	}

	tmp, err := os.CreateTemp(s.baseDir, hexDigest+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp blob: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("commit blob: %w", err)
	}
	return ref, nil
}

func (s *FileStore) Get(ctx context.Context, ref string) ([]byte, error) {
	hexDigest, err := digest(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(hexDigest))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

func (s *FileStore) Exists(ctx context.Context, ref string) (bool, error) {
	hexDigest, err := digest(ref)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(s.path(hexDigest))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat blob: %w", err)
	}
	return true, nil
}

func (s *FileStore) Delete(ctx context.Context, ref string) error {
	hexDigest, err := digest(ref)
	if err != nil {
		return err
	}
	err = os.Remove(s.path(hexDigest))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}
