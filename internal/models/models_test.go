package models

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fxnlabs/subgen/internal/recovery"
)

var payload = bytes.Repeat([]byte("ggml"), 4096)

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func modelServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/ggml-tiny.bin" {
			http.NotFound(w, r)
			return
		}
		if rng := r.Header.Get("Range"); rng != "" {
			start, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-"))
			require.NoError(t, err)
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)-start))
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write(payload[start:])
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		_, _ = w.Write(payload)
	}))
}

func TestLookup(t *testing.T) {
	s, err := Lookup("Base")
	require.NoError(t, err)
	assert.Equal(t, "base", s.ID)
	assert.Equal(t, "ggml-base.bin", s.File)
	assert.Equal(t, uint64(388*mib), RequiredMemory("base"))
	assert.Zero(t, RequiredMemory("nope"))

	_, err = Lookup("huge")
	assert.Error(t, err)
	assert.Contains(t, IDs(), "large-v3")
}

func TestAcquirer_Download(t *testing.T) {
	var hits atomic.Int32
	srv := modelServer(t, &hits)
	defer srv.Close()

	dir := t.TempDir()
	a := NewAcquirer(dir, srv.URL, srv.Client(), map[string]string{"tiny": digest(payload)}, zap.NewNop())

	var stages []string
	var last float64
	path, err := a.Acquire(context.Background(), "tiny", func(stage string, pct float64, _ string) {
		if len(stages) == 0 || stages[len(stages)-1] != stage {
			stages = append(stages, stage)
		}
		if stage == StageDownloading {
			assert.GreaterOrEqual(t, pct, last)
			last = pct
		}
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "ggml-tiny.bin"), path)
	assert.Equal(t, []string{StageDownloading, StageVerifying, StageReady}, stages)
	assert.Equal(t, float64(100), last)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.NoFileExists(t, path+".part")

	_, err = a.Acquire(context.Background(), "tiny", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load(), "second acquire is served from cache")
}

func TestAcquirer_Resume(t *testing.T) {
	var hits atomic.Int32
	srv := modelServer(t, &hits)
	defer srv.Close()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ggml-tiny.bin.part"), payload[:1000], 0o644))

	a := NewAcquirer(dir, srv.URL, srv.Client(), map[string]string{"tiny": digest(payload)}, zap.NewNop())
	path, err := a.Acquire(context.Background(), "tiny", nil)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestAcquirer_Failures(t *testing.T) {
	classifier := recovery.NewClassifier()

	t.Run("checksum mismatch", func(t *testing.T) {
		var hits atomic.Int32
		srv := modelServer(t, &hits)
		defer srv.Close()

		dir := t.TempDir()
		a := NewAcquirer(dir, srv.URL, srv.Client(), map[string]string{"tiny": strings.Repeat("0", 64)}, zap.NewNop())
		_, err := a.Acquire(context.Background(), "tiny", nil)
		require.Error(t, err)
		assert.Equal(t, recovery.KindModelCorrupted, classifier.Classify(err))
		assert.NoFileExists(t, filepath.Join(dir, "ggml-tiny.bin.part"))
		assert.NoFileExists(t, filepath.Join(dir, "ggml-tiny.bin"))
	})

	t.Run("server unavailable is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		_, err := NewAcquirer(t.TempDir(), srv.URL, srv.Client(), nil, nil).Acquire(context.Background(), "tiny", nil)
		require.Error(t, err)
		assert.True(t, recovery.IsNetworkError(err))
		assert.Equal(t, recovery.KindNetworkFailure, classifier.Classify(err))
	})

	t.Run("truncated body is a partial download", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
			_, _ = w.Write(payload[:100])
		}))
		defer srv.Close()

		dir := t.TempDir()
		_, err := NewAcquirer(dir, srv.URL, srv.Client(), nil, nil).Acquire(context.Background(), "tiny", nil)
		require.Error(t, err)
		assert.True(t, recovery.IsNetworkError(err))
		assert.FileExists(t, filepath.Join(dir, "ggml-tiny.bin.part"))
	})

	t.Run("unreachable host", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		_, err := NewAcquirer(t.TempDir(), url, nil, nil, nil).Acquire(context.Background(), "tiny", nil)
		require.Error(t, err)
		assert.Equal(t, recovery.KindNetworkFailure, classifier.Classify(err))
	})

	t.Run("missing model is not transient", func(t *testing.T) {
		var hits atomic.Int32
		srv := modelServer(t, &hits)
		defer srv.Close()

		_, err := NewAcquirer(t.TempDir(), srv.URL, srv.Client(), nil, nil).Acquire(context.Background(), "base", nil)
		require.Error(t, err)
		assert.False(t, recovery.IsNetworkError(err))
	})
}

func TestAcquirer_LocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.bin")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	got, err := NewAcquirer(t.TempDir(), "", nil, nil, nil).Acquire(context.Background(), path, nil)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	_, err = NewAcquirer(t.TempDir(), "", nil, nil, nil).Acquire(context.Background(), fmt.Sprintf("%s.missing", path), nil)
	assert.Error(t, err)
}

func TestAcquirer_CompletePartFile(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.ServeContent(w, r, "ggml-tiny.bin", time.Time{}, bytes.NewReader(payload))
	}))
	defer srv.Close()

	t.Run("full part is installed", func(t *testing.T) {
		hits.Store(0)
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "ggml-tiny.bin.part"), payload, 0o644))

		a := NewAcquirer(dir, srv.URL, srv.Client(), nil, zap.NewNop())
		for i := 0; i < 2; i++ {
			path, err := a.Acquire(context.Background(), "tiny", nil)
			require.NoError(t, err)
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, payload, data)
		}
		assert.NoFileExists(t, filepath.Join(dir, "ggml-tiny.bin.part"))
		assert.Equal(t, int32(1), hits.Load())
	})

	t.Run("full part failing verification is refetched next time", func(t *testing.T) {
		dir := t.TempDir()
		bad := bytes.Repeat([]byte("x"), len(payload))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "ggml-tiny.bin.part"), bad, 0o644))

		a := NewAcquirer(dir, srv.URL, srv.Client(), map[string]string{"tiny": digest(payload)}, zap.NewNop())
		_, err := a.Acquire(context.Background(), "tiny", nil)
		require.Error(t, err)
		assert.Equal(t, recovery.KindModelCorrupted, recovery.NewClassifier().Classify(err))

		path, err := a.Acquire(context.Background(), "tiny", nil)
		require.NoError(t, err)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, payload, data)
	})

	t.Run("oversized part is discarded", func(t *testing.T) {
		dir := t.TempDir()
		stale := append(append([]byte{}, payload...), []byte("trailing")...)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "ggml-tiny.bin.part"), stale, 0o644))

		path, err := NewAcquirer(dir, srv.URL, srv.Client(), nil, zap.NewNop()).Acquire(context.Background(), "tiny", nil)
		require.NoError(t, err)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, payload, data)
	})
}

func TestAcquirer_Evict(t *testing.T) {
	var hits atomic.Int32
	srv := modelServer(t, &hits)
	defer srv.Close()

	dir := t.TempDir()
	a := NewAcquirer(dir, srv.URL, srv.Client(), nil, zap.NewNop())
	path, err := a.Acquire(context.Background(), "tiny", nil)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("bad magic"), 0o644))

	require.NoError(t, a.Evict(context.Background(), "tiny"))
	assert.NoFileExists(t, path)
	require.NoError(t, a.Evict(context.Background(), "tiny"))

	path, err = a.Acquire(context.Background(), "tiny", nil)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, int32(2), hits.Load())

	local := filepath.Join(t.TempDir(), "custom.bin")
	require.NoError(t, os.WriteFile(local, []byte("x"), 0o644))
	require.NoError(t, a.Evict(context.Background(), local))
	assert.FileExists(t, local)
}
