//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/fxnlabs/subgen/internal/app"
	"github.com/fxnlabs/subgen/internal/config"
	"github.com/fxnlabs/subgen/internal/hardware"
	"github.com/fxnlabs/subgen/internal/orchestrator"
	"github.com/fxnlabs/subgen/internal/server"
)

// cpuAddon is an executable module speaking the describe/transcribe protocol.
const cpuAddon = `#!/bin/sh
case "$1" in
describe)
  echo '{"name":"whisper-cpu","version":"1.7.2","entryPoints":["transcribe","version"]}'
  ;;
transcribe)
  cat > /dev/null
  echo '{"progress":50}'
  echo '{"progress":100}'
  echo '{"segments":[{"start":0,"end":1.5,"text":"hello"},{"start":1.5,"end":3,"text":"world"}]}'
  ;;
*)
  echo "unknown command" >&2
  exit 1
  ;;
esac
`

func setup(t *testing.T) *config.Config {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell addon requires a POSIX shell")
	}
	dir := t.TempDir()
	addons := filepath.Join(dir, "addons")
	require.NoError(t, os.MkdirAll(addons, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(addons, "whisper-cpu"), []byte(cpuAddon), 0o755))

	model := filepath.Join(dir, "ggml-test.bin")
	require.NoError(t, os.WriteFile(model, []byte("model"), 0o600))

	cfg := config.Default()
	cfg.CacheDir = dir
	cfg.AddonDirs = []string{addons}
	cfg.History.Path = filepath.Join(dir, "history.db")
	cfg.Models.Aliases = map[string]string{"test": model}
	cfg.Server.ListenPort = 0
	cfg.Detection.Hotplug = false
	return cfg
}

func TestPipeline_RealDetectionFallsBackToCPUAddon(t *testing.T) {
	cfg := setup(t)

	var (
		orch  *orchestrator.Orchestrator
		cache *hardware.Cache
	)
	a := fxtest.New(t,
		fx.Supply(cfg),
		app.Core,
		fx.Populate(&orch, &cache),
	)
	a.RequireStart()
	defer a.RequireStop()

	devices, err := cache.Devices(context.Background())
	if err != nil {
		t.Logf("partial detection: %v", err)
	}
	require.NotEmpty(t, devices)
	assert.NotEmpty(t, hardware.CPU(devices).ID)

	chain, _ := orch.Chain(context.Background(), "")
	require.NotEmpty(t, chain)
	assert.True(t, chain[len(chain)-1].IsCPU(), "chain must end on the CPU")

	// Only the CPU module is installed, so every accelerator candidate
	// advances and the request completes on the CPU.
	res, err := orch.Run(context.Background(), orchestrator.Request{
		Audio: "clip.wav",
		Model: cfg.ResolveModel("test"),
	})
	require.NoError(t, err)
	assert.Equal(t, hardware.RuntimeCPU, res.Backend)
	assert.Equal(t, "whisper-cpu", res.Module)
	require.Len(t, res.Segments, 2)
	assert.Equal(t, "world", res.Segments[1].Text)
	assert.LessOrEqual(t, len(res.Failures), len(chain)-1)
	assert.Equal(t, orchestrator.StateCompleted, res.Path[len(res.Path)-1])
}

func TestPipeline_HTTPServer(t *testing.T) {
	cfg := setup(t)

	var srv *server.Server
	a := fxtest.New(t,
		fx.Supply(cfg),
		app.Core,
		app.Server,
		fx.Populate(&srv),
	)
	a.RequireStart()
	defer a.RequireStop()

	base := "http://" + srv.Addr().String()

	resp, err := http.Get(base + "/v1/hardware")
	require.NoError(t, err)
	var hw server.HardwareResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&hw))
	resp.Body.Close()
	assert.NotEmpty(t, hw.Devices)

	body := bytes.NewBufferString(`{"requests":[{"audio":"a.wav","model":"test"},{"audio":"b.wav","model":"test"}]}`)
	resp, err = http.Post(base+"/v1/transcriptions/batch", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var items []server.BatchItem
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&items))
	require.Len(t, items, 2)
	for _, item := range items {
		require.Nil(t, item.Error)
		assert.Equal(t, hardware.RuntimeCPU, item.Result.Backend)
	}

	metrics, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	assert.Equal(t, http.StatusOK, metrics.StatusCode)
}
