// Package local_test tests the local filesystem blob store.
package local_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fnscraper/internal/storage"
	"github.com/JakeFAU/fnscraper/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})
	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})
	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "objects")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})
	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPut(t *testing.T) {
	t.Parallel()

	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("ValidPut", func(t *testing.T) {
		key := "file-by-sha384/abc"
		data := []byte("hello world")
		opts := storage.PutOptions{
			ContentType: "text/plain",
			Metadata:    map[string]string{storage.MetaSourceURL: "https://example.com/a.txt"},
		}
		uri, err := store.Put(ctx, key, data, opts)
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.Join(tempDir, key), uri)
		assert.Equal(t, uri, store.URL(key))

		// #nosec G304 -- test reads from the controlled temp directory.
		readData, err := os.ReadFile(filepath.Join(tempDir, key))
		require.NoError(t, err)
		assert.Equal(t, data, readData)

		// #nosec G304 -- test reads from the controlled temp directory.
		rawMeta, err := os.ReadFile(filepath.Join(tempDir, key+".meta.json"))
		require.NoError(t, err)
		var meta storage.PutOptions
		require.NoError(t, json.Unmarshal(rawMeta, &meta))
		assert.Equal(t, opts, meta)

		exists, err := store.Exists(ctx, key)
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("EmptyBody", func(t *testing.T) {
		_, err := store.Put(ctx, "file-by-sha384/empty", nil, storage.PutOptions{})
		require.NoError(t, err)
		exists, err := store.Exists(ctx, "file-by-sha384/empty")
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("Missing", func(t *testing.T) {
		exists, err := store.Exists(ctx, "file-by-sha384/none")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("InvalidKeys", func(t *testing.T) {
		for _, key := range []string{"", "/abs", "../escape"} {
			_, err := store.Put(ctx, key, []byte("data"), storage.PutOptions{})
			assert.ErrorIs(t, err, storage.ErrInvalidKey, key)
		}
	})
}
