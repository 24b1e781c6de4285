package kvstore

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStorePutGetRange(t *testing.T) {
	m := NewMemStore()
	m.Put("a", []byte("1"))
	m.Put("b", []byte("2"))

	v, ok := m.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v)

	_, ok = m.Get("missing")
	assert.False(t, ok)

	var keys []string
	m.Range(func(key string, value []byte) {
		keys = append(keys, key)
	})
	assert.Equal(t, []string{"a", "b"}, keys)
}

func TestMemStoreGetReturnsACopy(t *testing.T) {
	m := NewMemStore()
	m.Put("a", []byte("1"))
	v, _ := m.Get("a")
	v[0] = 'x'

	v2, _ := m.Get("a")
	assert.Equal(t, byte('1'), v2[0])
}

func TestMemStoreSyncIsNoop(t *testing.T) {
	m := NewMemStore()
	assert.NoError(t, m.Sync(context.Background()))
}

func TestFileStoreRoundTripsThroughDisk(t *testing.T) {
	dir, err := ioutil.TempDir("", "laik-kvstore-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "registry.grec")

	ctx := context.Background()
	fs, err := NewFileStore(ctx, path)
	require.NoError(t, err)
	fs.Put("a", []byte("hello"))
	fs.Put("b", []byte("world"))
	require.NoError(t, fs.Sync(ctx))

	reopened, err := NewFileStore(ctx, path)
	require.NoError(t, err)
	v, ok := reopened.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), v)
	v, ok = reopened.Get("b")
	require.True(t, ok)
	assert.Equal(t, []byte("world"), v)
}

func TestFileStoreMissingFileStartsEmpty(t *testing.T) {
	dir, err := ioutil.TempDir("", "laik-kvstore-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "does-not-exist.grec")

	fs, err := NewFileStore(context.Background(), path)
	require.NoError(t, err)
	_, ok := fs.Get("a")
	assert.False(t, ok)
}
