// Package orchestrator sequences detection, backend selection, loading,
// configuration, execution and recovery for one processing request.
//
// A native call cannot be interrupted once it has started. Cancellation is
// honored at state boundaries and during backoff waits only; a request whose
// context is cancelled while Running finishes that call first.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fxnlabs/subgen/internal/addon"
	"github.com/fxnlabs/subgen/internal/backend"
	"github.com/fxnlabs/subgen/internal/catalog"
	"github.com/fxnlabs/subgen/internal/hardware"
	"github.com/fxnlabs/subgen/internal/metrics"
	"github.com/fxnlabs/subgen/internal/models"
	"github.com/fxnlabs/subgen/internal/recovery"
	"github.com/fxnlabs/subgen/internal/telemetry"
)

// DeviceSource returns the detected devices. *hardware.Cache implements it.
type DeviceSource interface {
	Devices(ctx context.Context) ([]hardware.ComputeDevice, error)
}

// ModuleLoader opens the module of a descriptor. *addon.Loader implements it.
type ModuleLoader interface {
	Load(ctx context.Context, d catalog.Descriptor) (addon.Module, error)
}

// ModelSource resolves a model id to a local file. *models.Acquirer implements it.
type ModelSource interface {
	Acquire(ctx context.Context, id string, progress models.ProgressFunc) (string, error)
	// Evict drops the cached copy of id so the next Acquire fetches it again.
	Evict(ctx context.Context, id string) error
}

// Recorder persists the outcome of finished requests.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// Request is one processing request.
type Request struct {
	ID            string             `json:"id,omitempty"`
	Audio         string             `json:"audio"`
	Model         string             `json:"model"`
	Preference    catalog.Preference `json:"preference,omitempty"`
	InputDuration time.Duration      `json:"inputDuration,omitempty"`
	Language      string             `json:"language,omitempty"`
}

// Result is the outcome of a completed request.
type Result struct {
	RequestID   string                   `json:"requestId"`
	Segments    []addon.Segment          `json:"segments"`
	Backend     hardware.Runtime         `json:"backend"`
	Device      hardware.ComputeDevice   `json:"device"`
	Module      string                   `json:"module"`
	ModelPath   string                   `json:"modelPath"`
	Metrics     telemetry.SessionMetrics `json:"metrics"`
	Failures    []recovery.FailureRecord `json:"failures,omitempty"`
	Notes       []backend.Note           `json:"notes,omitempty"`
	Diagnostics []string                 `json:"diagnostics,omitempty"`
	Path        []State                  `json:"path"`
}

// Record summarises a finished request for history.
type Record struct {
	RequestID          string
	Audio              string
	Model              string
	State              State
	Backend            string
	Device             string
	Kind               recovery.FailureKind
	Failures           int
	Speedup            float64
	ProcessingDuration time.Duration
	At                 time.Time
}

// Deps are the collaborators of an Orchestrator. Devices and Loader are
// required; nil optional fields get defaults.
type Deps struct {
	Devices     DeviceSource
	Loader      ModuleLoader
	Catalog     *catalog.Catalog
	Builder     *backend.Builder
	Models      ModelSource
	Monitor     *telemetry.Monitor
	Classifier  *recovery.Classifier
	Coordinator *recovery.Coordinator
	History     Recorder
}

// Options tune an Orchestrator.
type Options struct {
	Platform       catalog.Platform
	Preference     catalog.Preference
	Language       string
	// MaxAttempts bounds the attempts of one request across the whole chain.
	// Zero sizes it to the chain: every candidate gets its full retry budget.
	MaxAttempts    int
	SampleInterval time.Duration
	OnTransition   TransitionFunc
	// RequiredMemory returns the memory a model needs; defaults to models.RequiredMemory.
	RequiredMemory func(model string) uint64
	LookPath       hardware.LookPathFunc
}

// Orchestrator runs processing requests. It is safe for concurrent use;
// each request walks its own fallback chain.
type Orchestrator struct {
	deps  Deps
	opts  Options
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
	log   *zap.Logger
}

// New creates an Orchestrator.
func New(deps Deps, opts Options, log *zap.Logger) (*Orchestrator, error) {
	if deps.Devices == nil {
		return nil, errors.New("orchestrator: device source is required")
	}
	if deps.Loader == nil {
		return nil, errors.New("orchestrator: module loader is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Catalog == nil {
		deps.Catalog = catalog.New(nil, nil)
	}
	if deps.Builder == nil {
		deps.Builder = backend.NewBuilder(backend.Options{})
	}
	if deps.Monitor == nil {
		deps.Monitor = telemetry.NewMonitor(nil, nil, log)
	}
	if deps.Classifier == nil {
		deps.Classifier = recovery.NewClassifier()
	}
	if deps.Coordinator == nil {
		deps.Coordinator = recovery.NewCoordinator(recovery.Policy{}, log)
	}
	if opts.Platform == (catalog.Platform{}) {
		opts.Platform = catalog.HostPlatform()
	}
	if opts.Preference == "" {
		opts.Preference = catalog.PreferenceAuto
	}
	if opts.Language == "" {
		opts.Language = "en"
	}
	if opts.MaxAttempts < 0 {
		opts.MaxAttempts = 0
	}
	if opts.RequiredMemory == nil {
		opts.RequiredMemory = models.RequiredMemory
	}
	return &Orchestrator{
		deps:  deps,
		opts:  opts,
		sleep: sleepContext,
		now:   time.Now,
		log:   log.Named("orchestrator"),
	}, nil
}

// Chain returns the fallback chain the next request with pref would walk.
func (o *Orchestrator) Chain(ctx context.Context, pref catalog.Preference) ([]catalog.Candidate, error) {
	if pref == "" {
		pref = o.opts.Preference
	}
	devices, err := o.deps.Devices.Devices(ctx)
	return o.deps.Catalog.BuildFallbackChain(devices, o.opts.Platform, pref), err
}

// Run processes req. It returns a Result when the request completes,
// possibly on the CPU. A request that cannot complete returns a *Failure;
// a cancelled request returns an error wrapping the context error.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Preference == "" {
		req.Preference = o.opts.Preference
	}
	if req.Language == "" {
		req.Language = o.opts.Language
	}

	r := &run{
		o:       o,
		req:     req,
		m:       newMachine(req.ID, o.opts.OnTransition),
		retries: make(map[recovery.FailureKind]int),
		log:     o.log.With(zap.String("request", req.ID)),
	}
	res, err := r.execute(ctx)
	o.finish(ctx, r, res, err)
	return res, err
}

func (o *Orchestrator) finish(ctx context.Context, r *run, res *Result, err error) {
	backendLabel := ""
	rec := Record{
		RequestID: r.req.ID,
		Audio:     r.req.Audio,
		Model:     r.req.Model,
		State:     r.m.state,
		Failures:  len(r.records),
		At:        o.now(),
	}
	if res != nil {
		backendLabel = string(res.Backend)
		rec.Backend = backendLabel
		rec.Device = res.Device.ID
		rec.Speedup = res.Metrics.Speedup
		rec.ProcessingDuration = res.Metrics.ProcessingDuration
	}
	if f, ok := AsFailure(err); ok {
		rec.Kind = f.Kind
	}
	metrics.RequestsTotal.WithLabelValues(string(r.m.state), backendLabel).Inc()

	if o.deps.History == nil {
		return
	}
	if herr := o.deps.History.Record(context.WithoutCancel(ctx), rec); herr != nil {
		r.log.Warn("failed to record history", zap.Error(herr))
	}
}

// run is the state of one request.
type run struct {
	o   *Orchestrator
	req Request
	m   *machine
	log *zap.Logger

	devices     []hardware.ComputeDevice
	chain       []catalog.Candidate
	idx         int
	candidate   catalog.Candidate
	attempts    int
	maxAttempts int
	retries     map[recovery.FailureKind]int

	module    addon.Module
	cfg       *backend.Configuration
	sessionID string
	modelPath string

	lastErr  error
	lastKind recovery.FailureKind
	records  []recovery.FailureRecord
	terminal error
	cancel   error
	result   *Result
}

func (r *run) execute(ctx context.Context) (*Result, error) {
	if err := r.m.to(StateDetecting); err != nil {
		return nil, err
	}
	devices, err := r.o.deps.Devices.Devices(ctx)
	if err != nil {
		// Devices found by the other probers are still usable.
		r.log.Warn("hardware detection incomplete", zap.Error(err))
	}
	r.devices = devices
	r.chain = r.o.deps.Catalog.BuildFallbackChain(devices, r.o.opts.Platform, r.req.Preference)
	r.maxAttempts = r.o.opts.MaxAttempts
	if r.maxAttempts == 0 {
		r.maxAttempts = len(r.chain) * r.o.attemptsPerCandidate()
	}
	r.log.Info("fallback chain built",
		zap.Strings("chain", candidateNames(r.chain)),
		zap.String("model", r.req.Model))

	if err := r.m.to(StateSelectingCandidate); err != nil {
		return nil, err
	}
	for !r.m.state.Terminal() {
		var next State
		switch r.m.state {
		case StateSelectingCandidate:
			next = r.selectCandidate(ctx)
		case StateLoadingAddon:
			next = r.loadAddon(ctx)
		case StateConfiguring:
			next = r.configure(ctx)
		case StateRunning:
			next = r.execNative(ctx)
		case StateRecoveringFailure:
			next = r.recoverFailure(ctx)
		default:
			return nil, fmt.Errorf("%w: no handler for %s", ErrInvalidTransition, r.m.state)
		}
		if next == StateCancelled {
			r.abandon(r.cancel)
		}
		if err := r.m.to(next); err != nil {
			r.abandon(err)
			return nil, err
		}
	}

	switch r.m.state {
	case StateCompleted:
		r.result.Path = append([]State(nil), r.m.path...)
		return r.result, nil
	case StateCancelled:
		return nil, fmt.Errorf("request %s cancelled: %w", r.req.ID, r.cancel)
	default:
		kind := r.lastKind
		if kind == "" {
			kind = recovery.KindFatal
		}
		return nil, &Failure{
			RequestID: r.req.ID,
			Kind:      kind,
			Message:   recovery.UserMessage(r.req.Language, kind),
			Records:   r.records,
			Err:       r.terminal,
		}
	}
}

func (r *run) selectCandidate(ctx context.Context) State {
	if err := ctx.Err(); err != nil {
		r.cancel = err
		return StateCancelled
	}
	if r.idx >= len(r.chain) {
		r.terminal = recovery.ErrChainExhausted
		return StateTerminallyFailed
	}
	if r.attempts >= r.maxAttempts {
		r.terminal = r.attemptLimitError()
		return StateTerminallyFailed
	}
	r.candidate = r.chain[r.idx]
	clear(r.retries)
	r.log.Debug("candidate selected", zap.Int("index", r.idx), zap.Stringer("candidate", r.candidate))
	return StateLoadingAddon
}

func (r *run) loadAddon(ctx context.Context) State {
	if err := ctx.Err(); err != nil {
		r.cancel = err
		return StateCancelled
	}
	r.attempts++
	mod, err := r.o.deps.Loader.Load(context.WithoutCancel(ctx), r.candidate.Descriptor)
	if err != nil {
		r.fail(r.o.deps.Classifier.Classify(err), err)
		return StateRecoveringFailure
	}
	r.module = mod
	return StateConfiguring
}

func (r *run) configure(ctx context.Context) State {
	cfg := r.o.deps.Builder.Build(r.candidate.Device, r.candidate.Descriptor)
	cfg.Attach(r.module)
	r.module = nil
	r.cfg = cfg

	if err := backend.ValidateHeadroom(cfg, r.o.opts.RequiredMemory(r.req.Model)); err != nil {
		r.fail(recovery.KindGPUMemoryExhausted, err)
		return StateRecoveringFailure
	}

	id, err := r.o.deps.Monitor.StartSession(ctx, cfg, telemetry.Workload{
		Model:         r.req.Model,
		Input:         r.req.Audio,
		InputDuration: r.req.InputDuration,
	})
	if err != nil {
		r.fail(recovery.KindUnknown, err)
		return StateRecoveringFailure
	}
	r.sessionID = id

	path := r.req.Model
	if r.o.deps.Models != nil {
		path, err = r.o.deps.Models.Acquire(ctx, r.req.Model, func(stage string, percent float64, message string) {
			r.o.deps.Monitor.Progress(id, stage, percent, message)
		})
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				r.cancel = cerr
				return StateCancelled
			}
			r.fail(r.o.deps.Classifier.Classify(err), err)
			return StateRecoveringFailure
		}
	}
	r.modelPath = path

	if err := ctx.Err(); err != nil {
		r.cancel = err
		return StateCancelled
	}
	r.o.deps.Monitor.MarkProcessing(r.sessionID)
	return StateRunning
}

func (r *run) execNative(ctx context.Context) State {
	cfg, id := r.cfg, r.sessionID
	monitor := r.o.deps.Monitor
	nativeCtx := context.WithoutCancel(ctx)

	stop := monitor.Watch(nativeCtx, id, r.o.opts.SampleInterval)
	res, err := cfg.Module().Transcribe(nativeCtx, addon.Call{
		Model:  r.modelPath,
		Input:  r.req.Audio,
		Params: cfg.Params(r.req.Language),
		Progress: func(percent float64) {
			monitor.Progress(id, "transcribing", percent, "")
		},
	})
	stop()
	monitor.UpdateMemoryUsage(nativeCtx, id)

	if err == nil && res == nil {
		err = errors.New("module returned no result")
	}
	if err != nil {
		kind := r.o.deps.Classifier.Classify(err)
		r.fail(kind, &recovery.RuntimeError{Backend: string(cfg.Backend), Err: err})
		return StateRecoveringFailure
	}

	for _, w := range res.Warnings {
		code := backend.NoteDegraded
		if kind := r.o.deps.Classifier.Classify(errors.New(w)); kind.IsWarning() {
			code = string(kind)
		}
		cfg.AddNote(code, w)
		monitor.AddNote(id, code)
	}

	sm := monitor.EndSession(id, nil)
	r.sessionID = ""
	r.result = &Result{
		RequestID: r.req.ID,
		Segments:  res.Segments,
		Backend:   cfg.Backend,
		Device:    cfg.Device,
		Module:    cfg.ModuleName,
		ModelPath: r.modelPath,
		Metrics:   sm,
		Failures:  r.records,
		Notes:     cfg.Notes,
	}
	if r.candidate.IsCPU() {
		r.result.Diagnostics = hardware.DiagnoseCPUFallback(r.devices, r.o.opts.LookPath, r.o.opts.Platform.OS)
	}
	r.release()

	r.log.Info("request completed",
		zap.String("backend", string(cfg.Backend)),
		zap.String("device", cfg.Device.ID),
		zap.Int("failures", len(r.records)),
		zap.Float64("speedup", sm.Speedup))
	return StateCompleted
}

func (r *run) recoverFailure(ctx context.Context) State {
	kind := r.lastKind
	action := r.o.deps.Coordinator.Decide(kind, recovery.History{
		Retries:             r.retries,
		OnCPU:               r.candidate.IsCPU(),
		Remaining:           len(r.chain) - r.idx - 1,
		RemainingFitsMemory: r.laterCandidateFits(),
	})
	rec := recovery.FailureRecord{
		Kind:      kind,
		Error:     r.lastErr.Error(),
		Action:    action,
		Backend:   string(r.candidate.Kind),
		Candidate: r.idx,
		Attempt:   r.attempts,
		At:        r.o.now(),
	}
	metrics.FailuresTotal.WithLabelValues(string(kind), string(action)).Inc()
	r.log.Warn("attempt failed",
		zap.Stringer("candidate", r.candidate),
		zap.String("kind", string(kind)),
		zap.String("action", string(action)),
		zap.Int("attempt", r.attempts),
		zap.Error(r.lastErr))

	if r.attempts >= r.maxAttempts {
		r.records = append(r.records, rec)
		r.terminal = r.attemptLimitError()
		return StateTerminallyFailed
	}

	switch action {
	case recovery.ActionRetrySame:
		r.retries[kind]++
		rec.Backoff = r.o.deps.Coordinator.RetryDelay(kind, r.retries[kind])
		r.records = append(r.records, rec)
		if kind == recovery.KindModelCorrupted && r.o.deps.Models != nil {
			if err := r.o.deps.Models.Evict(context.WithoutCancel(ctx), r.req.Model); err != nil {
				r.log.Warn("failed to evict cached model", zap.String("model", r.req.Model), zap.Error(err))
			}
		}
		if rec.Backoff > 0 {
			if err := r.o.sleep(ctx, rec.Backoff); err != nil {
				r.cancel = err
				return StateCancelled
			}
		}
		if err := ctx.Err(); err != nil {
			r.cancel = err
			return StateCancelled
		}
		return StateLoadingAddon

	case recovery.ActionAdvanceChain:
		r.records = append(r.records, rec)
		r.idx++
		return StateSelectingCandidate

	default:
		r.records = append(r.records, rec)
		if r.candidate.IsCPU() {
			r.terminal = &recovery.FatalError{Err: r.lastErr}
			return StateTerminallyFailed
		}
		r.idx = len(r.chain) - 1
		return StateSelectingCandidate
	}
}

// fail records the failure of the current attempt and releases everything
// the attempt acquired.
func (r *run) fail(kind recovery.FailureKind, err error) {
	r.lastErr = err
	r.lastKind = kind
	r.abandon(err)
}

// abandon closes the open session and releases the module.
func (r *run) abandon(err error) {
	if r.sessionID != "" {
		r.o.deps.Monitor.EndSession(r.sessionID, err)
		r.sessionID = ""
	}
	r.release()
}

func (r *run) release() {
	if r.module != nil {
		if err := r.module.Close(); err != nil {
			r.log.Debug("module close failed", zap.Error(err))
		}
		r.module = nil
	}
	if r.cfg != nil {
		if err := r.cfg.Release(); err != nil {
			r.log.Debug("configuration release failed", zap.Error(err))
		}
		r.cfg = nil
	}
}

// laterCandidateFits reports whether an accelerator after the current
// candidate can hold the model. Unknown device memory counts as a fit.
func (r *run) laterCandidateFits() bool {
	required := r.o.opts.RequiredMemory(r.req.Model)
	for _, c := range r.chain[r.idx+1:] {
		if c.IsCPU() {
			continue
		}
		ceiling := r.o.deps.Builder.Build(c.Device, c.Descriptor).MemoryCeiling
		if ceiling == 0 || required <= ceiling {
			return true
		}
	}
	return false
}

// attemptsPerCandidate is the most attempts one candidate can take: the
// first one plus every same-candidate retry the policy allows.
func (o *Orchestrator) attemptsPerCandidate() int {
	p := o.deps.Coordinator.Policy()
	return 1 + p.NetworkRetries + 2*p.CorruptedRetries
}

func (r *run) attemptLimitError() error {
	return fmt.Errorf("attempt limit %d reached: %w", r.maxAttempts, r.lastErr)
}

func candidateNames(chain []catalog.Candidate) []string {
	names := make([]string, len(chain))
	for i, c := range chain {
		names[i] = c.String()
	}
	return names
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
