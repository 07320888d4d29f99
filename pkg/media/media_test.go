package media

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return map[string]Store{"fs": fs, "memory": NewMemoryStore()}
}

func TestStores_RoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			data := []byte("voice note bytes")
			ref, err := s.Put(ctx, data)
			require.NoError(t, err)
			assert.Equal(t, Ref(data), ref)
			assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, ref)

			again, err := s.Put(ctx, data)
			require.NoError(t, err)
			assert.Equal(t, ref, again)

			ok, err := s.Exists(ctx, ref)
			require.NoError(t, err)
			assert.True(t, ok)

			got, err := s.Get(ctx, ref)
			require.NoError(t, err)
			assert.Equal(t, data, got)

			require.NoError(t, s.Delete(ctx, ref))
			ok, err = s.Exists(ctx, ref)
			require.NoError(t, err)
			assert.False(t, ok)

			_, err = s.Get(ctx, ref)
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Delete(ctx, ref))
		})
	}
}

func TestStores_RejectMalformedRef(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, ref := range []string{"", "sha256:xyz", "md5:abcd", "sha256:../../etc/passwd"} {
				_, err := s.Exists(ctx, ref)
				assert.ErrorIs(t, err, ErrInvalidRef, ref)
				_, err = s.Get(ctx, ref)
				assert.ErrorIs(t, err, ErrInvalidRef, ref)
			}
		})
	}
}

func TestFileStore_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	ref, err := s.Put(context.Background(), []byte("img"))
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ref[len("sha256:"):]+".blob", entries[0].Name())
}

func TestNewStore_DefaultsToFileStore(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(context.Background(), Config{DataDir: dir})
	require.NoError(t, err)

	fs, ok := s.(*FileStore)
	require.True(t, ok, "expected *FileStore, got %T", s)
	assert.Equal(t, filepath.Join(dir, "media"), fs.baseDir)
}

func TestNewStore_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := NewStore(ctx, Config{Backend: "s3"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MEDIA_S3_BUCKET is required")

	_, err = NewStore(ctx, Config{Backend: "tape"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown media storage type")
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("MEDIA_STORAGE_TYPE", "s3")
	t.Setenv("MEDIA_S3_BUCKET", "zap-media")
	t.Setenv("MEDIA_S3_ENDPOINT", "http://localhost:9000")

	cfg := ConfigFromEnv()
	assert.Equal(t, "s3", cfg.Backend)
	assert.Equal(t, "zap-media", cfg.S3Bucket)
	assert.Equal(t, "http://localhost:9000", cfg.S3Endpoint)
}
