// Package orchestrator drives endpoint registration: it probes the host,
// orders strategies, admits them through policy, executes them with rollback
// and persists the outcome.
package orchestrator

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/kismet-tech/aiready/pkg/engine"
	"github.com/kismet-tech/aiready/pkg/filesafety"
	"github.com/kismet-tech/aiready/pkg/policy"
	"github.com/kismet-tech/aiready/pkg/strategy"
	"github.com/kismet-tech/aiready/pkg/telemetry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// DefaultParallelism bounds concurrent re-registrations during Refresh.
const DefaultParallelism = 4

// Prober discovers host capabilities for one site.
type Prober interface {
	engine.Prober
	BaseURL() string
}

// Routes is the request-time routing table.
type Routes interface {
	engine.RouteTable
	http.Handler
}

// Store is the persistence the orchestrator needs.
type Store interface {
	engine.CapabilityStore
	engine.AttemptStore
	engine.SuggestionStore
	engine.EventStore
}

// Admitter filters candidate strategies, typically policy.Engine.
type Admitter interface {
	Admit(ctx context.Context, desc *engine.EndpointDescriptor, report *engine.CapabilityReport, candidates []engine.Strategy) ([]policy.Decision, error)
}

// Recorder receives registration outcomes, typically telemetry.Metrics.
type Recorder interface {
	RecordRegistration(outcome, strategy string, duration time.Duration)
	SetEndpointState(endpoint string, state engine.EndpointState)
	RecordEngineError(err error)
}

// Tracer starts registration spans, typically telemetry.Tracer.
type Tracer interface {
	StartRegisterSpan(ctx context.Context, endpoint string) (context.Context, trace.Span)
}

type otelTracer struct {
	tracer trace.Tracer
}

func (o otelTracer) StartRegisterSpan(ctx context.Context, endpoint string) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, "endpoint.register", trace.WithAttributes(telemetry.AttrEndpoint.String(endpoint)))
}

// Dependencies are the collaborators an Orchestrator cannot run without.
type Dependencies struct {
	Prober   Prober
	Executor *strategy.Executor
	Files    *filesafety.Manager
	Routes   Routes
	Store    Store
}

// Orchestrator owns the lifecycle of every registered endpoint.
type Orchestrator struct {
	prober   Prober
	executor *strategy.Executor
	files    *filesafety.Manager
	routes   Routes
	store    Store

	admitter    Admitter
	prefs       engine.Preferences
	recorder    Recorder
	tracer      Tracer
	logger      zerolog.Logger
	now         func() time.Time
	parallelism int

	locks *engine.KeyedMutex
	probe singleflight.Group

	reportMu sync.Mutex
	report   *engine.CapabilityReport

	mu          sync.RWMutex
	descriptors map[string]*engine.EndpointDescriptor
	states      map[string]engine.EndpointState
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithAdmitter sets the policy gate. Without one every strategy is admitted.
func WithAdmitter(a Admitter) Option {
	return func(o *Orchestrator) { o.admitter = a }
}

// WithPreferences sets the operator preferences passed to the catalog.
func WithPreferences(p engine.Preferences) Option {
	return func(o *Orchestrator) { o.prefs = p }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithTracer sets the tracer.
func WithTracer(t Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l.With().Str("component", "orchestrator").Logger() }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithParallelism bounds concurrent re-registrations during Refresh.
func WithParallelism(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.parallelism = n
		}
	}
}

// New creates an orchestrator.
func New(deps Dependencies, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Prober == nil:
		return nil, engine.NewPermanentError("orchestrator requires a prober", nil).WithCode(engine.ErrCodeValidation)
	case deps.Executor == nil:
		return nil, engine.NewPermanentError("orchestrator requires an executor", nil).WithCode(engine.ErrCodeValidation)
	case deps.Files == nil:
		return nil, engine.NewPermanentError("orchestrator requires a file safety manager", nil).WithCode(engine.ErrCodeValidation)
	case deps.Routes == nil:
		return nil, engine.NewPermanentError("orchestrator requires a routing table", nil).WithCode(engine.ErrCodeValidation)
	case deps.Store == nil:
		return nil, engine.NewPermanentError("orchestrator requires a store", nil).WithCode(engine.ErrCodeValidation)
	}

	o := &Orchestrator{
		prober:      deps.Prober,
		executor:    deps.Executor,
		files:       deps.Files,
		routes:      deps.Routes,
		store:       deps.Store,
		tracer:      otelTracer{tracer: otel.Tracer("aiready/orchestrator")},
		logger:      zerolog.Nop(),
		now:         func() time.Time { return time.Now().UTC() },
		parallelism: DefaultParallelism,
		locks:       engine.NewKeyedMutex(),
		descriptors: make(map[string]*engine.EndpointDescriptor),
		states:      make(map[string]engine.EndpointState),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// ServeHTTP answers requests for routed endpoints. Unmatched paths fall
// through to the routing table's fallback, a 404 by default.
func (o *Orchestrator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.routes.ServeHTTP(w, r)
}

// Descriptors returns the registered descriptors ordered by key.
func (o *Orchestrator) Descriptors() []*engine.EndpointDescriptor {
	o.mu.RLock()
	defer o.mu.RUnlock()
	keys := sortedKeys(o.descriptors)
	out := make([]*engine.EndpointDescriptor, 0, len(keys))
	for _, k := range keys {
		out = append(out, o.descriptors[k])
	}
	return out
}

// Descriptor returns the registered descriptor for path.
func (o *Orchestrator) Descriptor(path string) (*engine.EndpointDescriptor, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	d, ok := o.descriptors[engine.NormalizePath(path)]
	return d, ok
}

func (o *Orchestrator) setDescriptor(desc *engine.EndpointDescriptor) {
	o.mu.Lock()
	o.descriptors[desc.Key()] = desc
	o.mu.Unlock()
}

func (o *Orchestrator) dropDescriptor(key string) {
	o.mu.Lock()
	delete(o.descriptors, key)
	o.mu.Unlock()
}

// currentState returns the in-memory state, falling back to the persisted record.
func (o *Orchestrator) currentState(key string, rec *engine.AttemptRecord) engine.EndpointState {
	o.mu.RLock()
	s, ok := o.states[key]
	o.mu.RUnlock()
	if ok {
		return s
	}
	if rec != nil {
		return rec.State
	}
	return engine.StateUnregistered
}
