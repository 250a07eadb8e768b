package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFetchHTTP(t *testing.T) {
	t.Parallel()

	body := []byte("fake rootfs payload")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer server.Close()

	localPath := filepath.Join(t.TempDir(), "rootfs.tar.gz")
	f := NewRootfsFetcher()

	checksum := fmt.Sprintf("%x", sha256.Sum256(body))
	err := f.Fetch(context.Background(), server.URL, localPath, checksum)
	require.NoError(t, err)

	data, err := os.ReadFile(localPath)
	require.NoError(t, err)
	require.Equal(t, body, data)
}

func TestFetchChecksumMismatch(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tampered payload"))
	}))
	defer server.Close()

	localPath := filepath.Join(t.TempDir(), "rootfs.tar.gz")
	f := NewRootfsFetcher()

	err := f.Fetch(context.Background(), server.URL, localPath, "deadbeef")
	require.Error(t, err)
	require.Contains(t, err.Error(), "checksum mismatch")

	_, err = os.Stat(localPath)
	require.True(t, os.IsNotExist(err), "a corrupt download must not be left behind")
}

func TestFetchSkipsExistingFile(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("payload"))
	}))
	defer server.Close()

	localPath := filepath.Join(t.TempDir(), "rootfs.tar.gz")
	require.NoError(t, os.WriteFile(localPath, []byte("already here"), 0644))

	f := NewRootfsFetcher()
	err := f.Fetch(context.Background(), server.URL, localPath, "")
	require.NoError(t, err)
	require.Zero(t, hits.Load(), "existing files are never re-downloaded")
}

func TestFetchTrustsVerifiedCachedFile(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("payload"))
	}))
	defer server.Close()

	cached := []byte("payload")
	localPath := filepath.Join(t.TempDir(), "rootfs.tar.gz")
	require.NoError(t, os.WriteFile(localPath, cached, 0644))

	f := NewRootfsFetcher()
	err := f.Fetch(context.Background(), server.URL, localPath, fmt.Sprintf("%x", sha256.Sum256(cached)))
	require.NoError(t, err)
	require.Zero(t, hits.Load(), "a cached file with the right checksum is kept")
}

func TestFetchReplacesStaleCachedFile(t *testing.T) {
	t.Parallel()

	body := []byte("fresh rootfs payload")
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(body)
	}))
	defer server.Close()

	localPath := filepath.Join(t.TempDir(), "rootfs.tar.gz")
	require.NoError(t, os.WriteFile(localPath, []byte("truncated leftover"), 0644))

	f := NewRootfsFetcher()
	err := f.Fetch(context.Background(), server.URL, localPath, fmt.Sprintf("%x", sha256.Sum256(body)))
	require.NoError(t, err)
	require.Equal(t, int32(1), hits.Load(), "a stale cached file triggers a re-download")

	data, err := os.ReadFile(localPath)
	require.NoError(t, err)
	require.Equal(t, body, data)
}

func TestFetchServerError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	f := NewRootfsFetcher()
	err := f.Fetch(context.Background(), server.URL, filepath.Join(t.TempDir(), "rootfs.tar.gz"), "")
	require.Error(t, err)
}

func TestFetchUnsupportedScheme(t *testing.T) {
	t.Parallel()

	f := NewRootfsFetcher()
	err := f.Fetch(context.Background(), "ftp://mirror.example/rootfs.tar.gz", filepath.Join(t.TempDir(), "r"), "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported rootfs URL scheme")
}
