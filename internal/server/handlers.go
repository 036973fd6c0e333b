package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fxnlabs/subgen/internal/catalog"
	"github.com/fxnlabs/subgen/internal/hardware"
	"github.com/fxnlabs/subgen/internal/history"
	"github.com/fxnlabs/subgen/internal/models"
	"github.com/fxnlabs/subgen/internal/orchestrator"
	"github.com/fxnlabs/subgen/internal/recovery"
)

const maxRequestBody = 1 << 20

// Runner executes processing requests. *orchestrator.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error)
	RunBatch(ctx context.Context, reqs []orchestrator.Request, limit int) []orchestrator.BatchResult
	Chain(ctx context.Context, pref catalog.Preference) ([]catalog.Candidate, error)
}

// DeviceSource returns detected devices. *hardware.Cache implements it.
type DeviceSource interface {
	Devices(ctx context.Context) ([]hardware.ComputeDevice, error)
}

// HistoryReader lists stored requests. *history.Store implements it.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
}

// TranscriptionRequest is the body of POST /v1/transcriptions.
type TranscriptionRequest struct {
	Audio         string  `json:"audio"`
	Model         string  `json:"model"`
	Preference    string  `json:"preference,omitempty"`
	Language      string  `json:"language,omitempty"`
	InputDuration float64 `json:"inputDuration,omitempty"`
}

// BatchRequest is the body of POST /v1/transcriptions/batch.
type BatchRequest struct {
	Requests []TranscriptionRequest `json:"requests"`
}

// BatchItem is one entry of a batch response.
type BatchItem struct {
	Result *orchestrator.Result `json:"result,omitempty"`
	Error  *ErrorResponse       `json:"error,omitempty"`
}

// ErrorResponse is returned for failed requests. Message is meant for
// display; Kind is the technical classification.
type ErrorResponse struct {
	Message  string                   `json:"message"`
	Kind     string                   `json:"kind,omitempty"`
	Failures []recovery.FailureRecord `json:"failures,omitempty"`
}

// HardwareResponse is returned by GET /v1/hardware.
type HardwareResponse struct {
	Devices     []hardware.ComputeDevice `json:"devices"`
	Errors      []string                 `json:"errors,omitempty"`
	Diagnostics []string                 `json:"diagnostics,omitempty"`
}

// Model is one entry of GET /v1/models.
type Model struct {
	ID          string `json:"id"`
	Object      string `json:"object"`
	SizeBytes   uint64 `json:"sizeBytes"`
	MemoryBytes uint64 `json:"memoryBytes"`
}

// ModelList is returned by GET /v1/models.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// ModelResolver maps a requested model name to a model id or file.
type ModelResolver func(name string) string

func (t TranscriptionRequest) toRequest(resolve ModelResolver) (orchestrator.Request, error) {
	if t.Audio == "" {
		return orchestrator.Request{}, errors.New("audio is required")
	}
	if t.Model == "" {
		return orchestrator.Request{}, errors.New("model is required")
	}
	pref, err := catalog.ParsePreference(t.Preference)
	if err != nil {
		return orchestrator.Request{}, err
	}
	if t.InputDuration < 0 {
		return orchestrator.Request{}, fmt.Errorf("inputDuration must not be negative: %g", t.InputDuration)
	}
	model := t.Model
	if resolve != nil {
		model = resolve(model)
	}
	return orchestrator.Request{
		Audio:         t.Audio,
		Model:         model,
		Preference:    pref,
		Language:      t.Language,
		InputDuration: time.Duration(t.InputDuration * float64(time.Second)),
	}, nil
}

// NewTranscriptionHandler runs one request and returns its result.
func NewTranscriptionHandler(runner Runner, resolve ModelResolver, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body TranscriptionRequest
		if err := decodeBody(r, &body); err != nil {
			log.Warn("failed to decode transcription request", zap.Error(err))
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: err.Error()}, log)
			return
		}
		req, err := body.toRequest(resolve)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: err.Error()}, log)
			return
		}

		res, err := runner.Run(r.Context(), req)
		if err != nil {
			status, resp := errorResponse(err, req.Language)
			log.Warn("transcription failed", zap.Int("status", status), zap.Error(err))
			writeJSON(w, status, resp, log)
			return
		}
		writeJSON(w, http.StatusOK, res, log)
	}
}

// NewBatchHandler runs several requests concurrently, at most limit at a time.
func NewBatchHandler(runner Runner, resolve ModelResolver, limit int, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body BatchRequest
		if err := decodeBody(r, &body); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: err.Error()}, log)
			return
		}
		if len(body.Requests) == 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: "requests must not be empty"}, log)
			return
		}

		reqs := make([]orchestrator.Request, len(body.Requests))
		for i, t := range body.Requests {
			req, err := t.toRequest(resolve)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: fmt.Sprintf("request %d: %v", i, err)}, log)
				return
			}
			reqs[i] = req
		}

		results := runner.RunBatch(r.Context(), reqs, limit)
		items := make([]BatchItem, len(results))
		for i, res := range results {
			if res.Err != nil {
				_, resp := errorResponse(res.Err, res.Request.Language)
				items[i] = BatchItem{Error: &resp}
				continue
			}
			items[i] = BatchItem{Result: res.Result}
		}
		writeJSON(w, http.StatusOK, items, log)
	}
}

// NewHardwareHandler reports the detected devices. Partial detection
// failures are listed next to the devices that were found.
func NewHardwareHandler(devices DeviceSource, lookPath hardware.LookPathFunc, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		found, err := devices.Devices(r.Context())
		if err != nil && r.Context().Err() != nil {
			http.Error(w, "request cancelled", http.StatusServiceUnavailable)
			return
		}
		resp := HardwareResponse{
			Devices:     found,
			Diagnostics: hardware.DiagnoseCPUFallback(found, lookPath, ""),
		}
		if resp.Devices == nil {
			resp.Devices = []hardware.ComputeDevice{}
		}
		if err != nil {
			resp.Errors = splitJoined(err)
		}
		writeJSON(w, http.StatusOK, resp, log)
	}
}

// NewChainHandler returns the fallback chain for the preference query parameter.
func NewChainHandler(runner Runner, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pref, err := catalog.ParsePreference(r.URL.Query().Get("preference"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: err.Error()}, log)
			return
		}
		chain, err := runner.Chain(r.Context(), pref)
		if err != nil {
			log.Debug("chain built from partial detection", zap.Error(err))
		}
		writeJSON(w, http.StatusOK, chain, log)
	}
}

// NewModelsHandler lists the known models.
func NewModelsHandler(log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list := ModelList{Object: "list", Data: []Model{}}
		for _, id := range models.IDs() {
			info, err := models.Lookup(id)
			if err != nil {
				continue
			}
			list.Data = append(list.Data, Model{
				ID:          id,
				Object:      "model",
				SizeBytes:   info.SizeBytes,
				MemoryBytes: info.MemoryBytes,
			})
		}
		writeJSON(w, http.StatusOK, list, log)
	}
}

// NewHistoryHandler lists recent requests; ?limit= bounds the result.
func NewHistoryHandler(store HistoryReader, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 20
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: "limit must be a positive integer"}, log)
				return
			}
			limit = n
		}
		entries, err := store.Recent(r.Context(), limit)
		if err != nil {
			log.Error("failed to read history", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, ErrorResponse{Message: "history unavailable"}, log)
			return
		}
		if entries == nil {
			entries = []history.Entry{}
		}
		writeJSON(w, http.StatusOK, entries, log)
	}
}

func errorResponse(err error, lang string) (int, ErrorResponse) {
	if f, ok := orchestrator.AsFailure(err); ok {
		return http.StatusUnprocessableEntity, ErrorResponse{
			Message:  f.Message,
			Kind:     string(f.Kind),
			Failures: f.Records,
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable, ErrorResponse{Message: "request cancelled"}
	}
	return http.StatusInternalServerError, ErrorResponse{
		Message: recovery.UserMessage(lang, recovery.KindUnknown),
		Kind:    string(recovery.KindUnknown),
	}
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return errors.New("request body is empty")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("failed to decode request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any, log *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("failed to write response", zap.Error(err))
	}
}

// splitJoined flattens an errors.Join result into its messages.
func splitJoined(err error) []string {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}
