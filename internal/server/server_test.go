package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fxnlabs/subgen/internal/addon"
	"github.com/fxnlabs/subgen/internal/catalog"
	"github.com/fxnlabs/subgen/internal/hardware"
	"github.com/fxnlabs/subgen/internal/history"
	"github.com/fxnlabs/subgen/internal/orchestrator"
	"github.com/fxnlabs/subgen/internal/recovery"
)

type fakeRunner struct {
	mu    sync.Mutex
	reqs  []orchestrator.Request
	err   error
	chain []catalog.Candidate
}

func (f *fakeRunner) Run(_ context.Context, req orchestrator.Request) (*orchestrator.Result, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &orchestrator.Result{
		RequestID: "req-1",
		Backend:   hardware.RuntimeCPU,
		Segments:  []addon.Segment{{Start: 0, End: 1, Text: "hello"}},
	}, nil
}

func (f *fakeRunner) RunBatch(ctx context.Context, reqs []orchestrator.Request, _ int) []orchestrator.BatchResult {
	out := make([]orchestrator.BatchResult, len(reqs))
	for i, req := range reqs {
		out[i].Request = req
		if req.Audio == "broken.wav" {
			out[i].Err = &orchestrator.Failure{Kind: recovery.KindFatal, Message: "boom"}
			continue
		}
		out[i].Result, out[i].Err = f.Run(ctx, req)
	}
	return out
}

func (f *fakeRunner) Chain(context.Context, catalog.Preference) ([]catalog.Candidate, error) {
	return f.chain, nil
}

type fakeDevices struct {
	devices []hardware.ComputeDevice
	err     error
}

func (f fakeDevices) Devices(context.Context) ([]hardware.ComputeDevice, error) {
	return f.devices, f.err
}

type fakeHistory struct {
	limit   int
	entries []history.Entry
	err     error
}

func (f *fakeHistory) Recent(_ context.Context, limit int) ([]history.Entry, error) {
	f.limit = limit
	return f.entries, f.err
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestTranscriptionHandler(t *testing.T) {
	log := zap.NewNop()
	resolve := func(name string) string {
		if name == "default" {
			return "small.en"
		}
		return name
	}

	t.Run("success", func(t *testing.T) {
		runner := &fakeRunner{}
		h := NewTranscriptionHandler(runner, resolve, log)

		rr := post(t, h, "/v1/transcriptions",
			`{"audio":"a.wav","model":"default","preference":"cuda","language":"de","inputDuration":12.5}`)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

		var res orchestrator.Result
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
		assert.Equal(t, "req-1", res.RequestID)
		require.Len(t, res.Segments, 1)
		assert.Equal(t, "hello", res.Segments[0].Text)

		require.Len(t, runner.reqs, 1)
		got := runner.reqs[0]
		assert.Equal(t, "small.en", got.Model)
		assert.Equal(t, catalog.Preference("cuda"), got.Preference)
		assert.Equal(t, "de", got.Language)
		assert.Equal(t, 12500*time.Millisecond, got.InputDuration)
	})

	t.Run("wrong method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/transcriptions", nil)
		rr := httptest.NewRecorder()
		NewTranscriptionHandler(&fakeRunner{}, nil, log).ServeHTTP(rr, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})

	t.Run("invalid body", func(t *testing.T) {
		runner := &fakeRunner{}
		h := NewTranscriptionHandler(runner, nil, log)
		for _, body := range []string{
			`not json`,
			`{"audio":"a.wav"}`,
			`{"model":"base"}`,
			`{"audio":"a.wav","model":"base","preference":"tpu"}`,
			`{"audio":"a.wav","model":"base","inputDuration":-1}`,
			`{"audio":"a.wav","model":"base","extra":true}`,
		} {
			rr := post(t, h, "/v1/transcriptions", body)
			assert.Equal(t, http.StatusBadRequest, rr.Code, body)
		}
		assert.Empty(t, runner.reqs)
	})

	t.Run("terminal failure", func(t *testing.T) {
		runner := &fakeRunner{err: &orchestrator.Failure{
			RequestID: "req-2",
			Kind:      recovery.KindFatal,
			Message:   "Ein unerwarteter Fehler ist aufgetreten.",
			Records: []recovery.FailureRecord{
				{Kind: recovery.KindDriverMissing, Action: recovery.ActionAdvanceChain, Backend: "cuda"},
			},
			Err: errors.New("segfault"),
		}}
		rr := post(t, NewTranscriptionHandler(runner, nil, log), "/v1/transcriptions", `{"audio":"a.wav","model":"base"}`)
		require.Equal(t, http.StatusUnprocessableEntity, rr.Code)

		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, string(recovery.KindFatal), resp.Kind)
		assert.Contains(t, resp.Message, "unerwartet")
		require.Len(t, resp.Failures, 1)
		assert.Equal(t, recovery.KindDriverMissing, resp.Failures[0].Kind)
	})

	t.Run("cancelled", func(t *testing.T) {
		runner := &fakeRunner{err: context.Canceled}
		rr := post(t, NewTranscriptionHandler(runner, nil, log), "/v1/transcriptions", `{"audio":"a.wav","model":"base"}`)
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})

	t.Run("unexpected error", func(t *testing.T) {
		runner := &fakeRunner{err: errors.New("disk on fire")}
		rr := post(t, NewTranscriptionHandler(runner, nil, log), "/v1/transcriptions", `{"audio":"a.wav","model":"base"}`)
		require.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.NotContains(t, rr.Body.String(), "disk on fire")
	})
}

func TestBatchHandler(t *testing.T) {
	runner := &fakeRunner{}
	h := NewBatchHandler(runner, nil, 2, zap.NewNop())

	rr := post(t, h, "/v1/transcriptions/batch",
		`{"requests":[{"audio":"a.wav","model":"base"},{"audio":"broken.wav","model":"base"}]}`)
	require.Equal(t, http.StatusOK, rr.Code)

	var items []BatchItem
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &items))
	require.Len(t, items, 2)
	require.NotNil(t, items[0].Result)
	assert.Nil(t, items[0].Error)
	require.NotNil(t, items[1].Error)
	assert.Equal(t, "boom", items[1].Error.Message)

	rr = post(t, h, "/v1/transcriptions/batch", `{"requests":[]}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = post(t, h, "/v1/transcriptions/batch", `{"requests":[{"audio":"a.wav"}]}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "request 0")
}

func TestHardwareHandler(t *testing.T) {
	notFound := func(string) (string, error) { return "", errors.New("not found") }

	t.Run("accelerator", func(t *testing.T) {
		devices := fakeDevices{devices: []hardware.ComputeDevice{
			{ID: "GPU-0", Family: hardware.FamilyDiscreteGPU, Vendor: hardware.VendorNVIDIA, Name: "RTX"},
			hardware.FallbackCPU(),
		}}
		req := httptest.NewRequest(http.MethodGet, "/v1/hardware", nil)
		rr := httptest.NewRecorder()
		NewHardwareHandler(devices, notFound, zap.NewNop()).ServeHTTP(rr, req)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp HardwareResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Len(t, resp.Devices, 2)
		assert.Empty(t, resp.Diagnostics)
		assert.Empty(t, resp.Errors)
	})

	t.Run("partial failure", func(t *testing.T) {
		devices := fakeDevices{
			devices: []hardware.ComputeDevice{hardware.FallbackCPU()},
			err:     errors.Join(errors.New("nvidia: timeout"), errors.New("rocm: bad output")),
		}
		req := httptest.NewRequest(http.MethodGet, "/v1/hardware", nil)
		rr := httptest.NewRecorder()
		NewHardwareHandler(devices, notFound, zap.NewNop()).ServeHTTP(rr, req)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp HardwareResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, []string{"nvidia: timeout", "rocm: bad output"}, resp.Errors)
		assert.NotEmpty(t, resp.Diagnostics)
	})
}

func TestChainHandler(t *testing.T) {
	runner := &fakeRunner{chain: []catalog.Candidate{
		{Descriptor: catalog.Descriptor{Kind: hardware.RuntimeCUDA}, Device: hardware.ComputeDevice{ID: "GPU-0"}},
		{Descriptor: catalog.Descriptor{Kind: hardware.RuntimeCPU}, Device: hardware.FallbackCPU()},
	}}
	h := NewChainHandler(runner, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/chain?preference=cuda", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var chain []map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &chain))
	require.Len(t, chain, 2)
	assert.Equal(t, "cuda", chain[0]["kind"])
	assert.Equal(t, "cpu", chain[1]["kind"])

	req = httptest.NewRequest(http.MethodGet, "/v1/chain?preference=tpu", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestModelsHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rr := httptest.NewRecorder()
	NewModelsHandler(zap.NewNop()).ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var list ModelList
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	assert.Equal(t, "list", list.Object)
	require.NotEmpty(t, list.Data)

	ids := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		ids = append(ids, m.ID)
		assert.Equal(t, "model", m.Object)
		assert.NotZero(t, m.MemoryBytes)
	}
	assert.Contains(t, ids, "large-v3")
}

func TestHistoryHandler(t *testing.T) {
	store := &fakeHistory{entries: []history.Entry{{RequestID: "r1", State: orchestrator.StateCompleted}}}
	h := NewHistoryHandler(store, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/history?limit=5", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 5, store.limit)
	assert.Contains(t, rr.Body.String(), `"requestId":"r1"`)

	req = httptest.NewRequest(http.MethodGet, "/v1/history?limit=zero", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	store.err = errors.New("locked")
	req = httptest.NewRequest(http.MethodGet, "/v1/history", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, 20, store.limit)
}

func TestNewMux(t *testing.T) {
	mux := NewMux(&fakeRunner{}, fakeDevices{devices: []hardware.ComputeDevice{hardware.FallbackCPU()}}, nil, Options{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `subgen_http_responses_total{method="GET",route="/v1/models",status_code="200"}`)
	assert.Contains(t, rr.Body.String(), `subgen_http_request_duration_seconds_count{method="GET",route="/v1/models"}`)

	// History is not registered without a store.
	req = httptest.NewRequest(http.MethodGet, "/v1/history", nil)
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestServerStartShutdown(t *testing.T) {
	srv := New(&fakeRunner{}, fakeDevices{}, nil, Options{Addr: "127.0.0.1:0"}, zap.NewNop())
	require.NoError(t, srv.Start())

	body := bytes.NewBufferString(`{"audio":"a.wav","model":"base"}`)
	resp, err := http.Post("http://"+srv.Addr().String()+"/v1/transcriptions", "application/json", body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
}
