// Package telemetry tracks processing sessions: timing, memory samples,
// errors and the resulting performance figures.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/fxnlabs/subgen/internal/backend"
	"github.com/fxnlabs/subgen/internal/metrics"
)

// ErrDuplicateSession is returned when a session id is already open.
var ErrDuplicateSession = errors.New("session already open")

// Workload describes the work executed in a session.
type Workload struct {
	Model         string        `json:"model"`
	Input         string        `json:"input"`
	InputDuration time.Duration `json:"inputDuration"`
}

// SessionMetrics is the closed record of one session.
type SessionMetrics struct {
	SessionID          string        `json:"sessionId"`
	Backend            string        `json:"backend"`
	Device             string        `json:"device"`
	Module             string        `json:"module,omitempty"`
	Model              string        `json:"model,omitempty"`
	StartedAt          time.Time     `json:"startedAt"`
	EndedAt            time.Time     `json:"endedAt"`
	ProcessingDuration time.Duration `json:"processingDuration"`
	InputDuration      time.Duration `json:"inputDuration"`
	// Speedup is input duration divided by processing duration.
	Speedup       float64  `json:"speedup"`
	InitialMemory uint64   `json:"initialMemory"`
	PeakMemory    uint64   `json:"peakMemory"`
	MeanMemory    float64  `json:"meanMemory"`
	Samples       int      `json:"samples"`
	Errors        []string `json:"errors,omitempty"`
	Notes         []string `json:"notes,omitempty"`
	Succeeded     bool     `json:"succeeded"`
	Outcome       string   `json:"outcome,omitempty"`
}

type session struct {
	id         string
	backend    string
	device     string
	module     string
	workload   Workload
	start      time.Time
	processing time.Time
	samples    []float64
	errors     []string
	notes      []string
}

// Monitor owns the open sessions. Events of one session are published in
// order: start, samples, end.
type Monitor struct {
	mu       sync.Mutex
	sessions map[string]*session

	sampler MemorySampler
	sink    Sink
	now     func() time.Time
	log     *zap.Logger
}

// NewMonitor creates a monitor. A nil sampler disables memory sampling and
// a nil sink drops events.
func NewMonitor(sampler MemorySampler, sink Sink, log *zap.Logger) *Monitor {
	if sink == nil {
		sink = NopSink{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		sessions: make(map[string]*session),
		sampler:  sampler,
		sink:     sink,
		now:      time.Now,
		log:      log.Named("telemetry"),
	}
}

// StartSession opens a session under a new id.
func (m *Monitor) StartSession(ctx context.Context, cfg *backend.Configuration, w Workload) (string, error) {
	id := uuid.NewString()
	return id, m.StartSessionWithID(ctx, id, cfg, w)
}

// StartSessionWithID opens a session under id. It fails if id is open.
func (m *Monitor) StartSessionWithID(ctx context.Context, id string, cfg *backend.Configuration, w Workload) error {
	s := &session{id: id, workload: w}
	if cfg != nil {
		s.backend = string(cfg.Backend)
		s.device = cfg.Device.ID
		s.module = cfg.ModuleName
		for _, n := range cfg.Notes {
			s.notes = append(s.notes, n.Code)
		}
	}

	m.mu.Lock()
	if _, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}
	s.start = m.now()
	m.sessions[id] = s
	metrics.ActiveSessions.Inc()
	m.sink.Publish(Event{Kind: EventSessionStart, SessionID: id, Stage: s.backend, Message: s.device, At: s.start})
	m.mu.Unlock()

	m.UpdateMemoryUsage(ctx, id)
	return nil
}

// MarkProcessing starts the processing clock of an open session. Time spent
// before it, such as acquiring the model, is not counted as processing.
func (m *Monitor) MarkProcessing(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.processing = m.now()
	}
}

// UpdateMemoryUsage records one memory sample. Sampling failures are logged
// and otherwise ignored. The sampler runs without the monitor lock; a sample
// taken after its session ended is dropped.
func (m *Monitor) UpdateMemoryUsage(ctx context.Context, id string) {
	if m.sampler == nil {
		return
	}
	m.mu.Lock()
	_, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return
	}

	v, err := m.sampler.Sample(ctx)
	if err != nil {
		m.log.Debug("memory sample failed", zap.String("session", id), zap.Error(err))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return
	}
	s.samples = append(s.samples, float64(v))
	m.sink.Publish(Event{Kind: EventMemory, SessionID: id, MemoryBytes: v, At: m.now()})
}

// RecordError adds an error event to an open session.
func (m *Monitor) RecordError(id string, err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.errors = append(s.errors, err.Error())
	}
}

// AddNote attaches a diagnostic note to an open session.
func (m *Monitor) AddNote(id, note string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.notes = append(s.notes, note)
	}
}

// Progress publishes a progress event for a session.
func (m *Monitor) Progress(id, stage string, percent float64, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok && id != "" {
		return
	}
	m.sink.Publish(Event{Kind: EventProgress, SessionID: id, Stage: stage, Percent: percent, Message: message, At: m.now()})
}

// Watch samples memory every interval until the returned stop function is
// called. stop waits for the sampling goroutine to exit.
func (m *Monitor) Watch(ctx context.Context, id string, interval time.Duration) (stop func()) {
	if interval <= 0 || m.sampler == nil {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.UpdateMemoryUsage(ctx, id)
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// EndSession closes the session and returns its metrics. It always returns
// a record: for an unknown id the record carries only the id and err.
func (m *Monitor) EndSession(id string, err error) SessionMetrics {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		metrics.ActiveSessions.Dec()
	}
	end := m.now()

	if !ok {
		m.mu.Unlock()
		out := SessionMetrics{SessionID: id, StartedAt: end, EndedAt: end, Outcome: "unknown-session"}
		if err != nil {
			out.Errors = []string{err.Error()}
		}
		m.log.Warn("end of unknown session", zap.String("session", id))
		return out
	}

	if err != nil {
		s.errors = append(s.errors, err.Error())
	}
	started := s.start
	if !s.processing.IsZero() {
		started = s.processing
	}
	out := SessionMetrics{
		SessionID:          s.id,
		Backend:            s.backend,
		Device:             s.device,
		Module:             s.module,
		Model:              s.workload.Model,
		StartedAt:          s.start,
		EndedAt:            end,
		ProcessingDuration: end.Sub(started),
		InputDuration:      s.workload.InputDuration,
		Samples:            len(s.samples),
		Errors:             s.errors,
		Notes:              s.notes,
		Succeeded:          err == nil,
		Outcome:            "success",
	}
	if err != nil {
		out.Outcome = "failure"
	}
	if out.ProcessingDuration > 0 && out.InputDuration > 0 {
		out.Speedup = out.InputDuration.Seconds() / out.ProcessingDuration.Seconds()
	}
	if len(s.samples) > 0 {
		out.InitialMemory = uint64(s.samples[0])
		out.PeakMemory = uint64(floats.Max(s.samples))
		out.MeanMemory = stat.Mean(s.samples, nil)
	}
	m.sink.Publish(Event{Kind: EventSessionEnd, SessionID: id, Stage: out.Backend, Message: out.Outcome, At: end})
	m.mu.Unlock()

	metrics.SessionsTotal.WithLabelValues(out.Backend, out.Outcome).Inc()
	metrics.SessionDuration.WithLabelValues(out.Backend).Observe(out.ProcessingDuration.Seconds())
	if out.Speedup > 0 {
		metrics.SessionSpeedup.WithLabelValues(out.Backend).Set(out.Speedup)
	}
	if out.PeakMemory > 0 {
		metrics.SessionPeakMemoryBytes.WithLabelValues(out.Backend).Set(float64(out.PeakMemory))
	}

	m.log.Info("session ended",
		zap.String("session", id),
		zap.String("backend", out.Backend),
		zap.String("outcome", out.Outcome),
		zap.Duration("processing", out.ProcessingDuration),
		zap.Float64("speedup", out.Speedup))
	return out
}

// Open returns the number of open sessions.
func (m *Monitor) Open() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
