package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/kismet-tech/aiready/pkg/engine"
	"github.com/kismet-tech/aiready/pkg/filesafety"
	"github.com/kismet-tech/aiready/pkg/telemetry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Recorder receives strategy outcomes, typically telemetry.Metrics.
type Recorder interface {
	RecordStrategyAttempt(strategy string, success, rolledBack bool, duration time.Duration)
}

// Tracer starts strategy spans, typically telemetry.Tracer.
type Tracer interface {
	StartStrategySpan(ctx context.Context, endpoint, strategy string) (context.Context, trace.Span)
}

type otelTracer struct {
	tracer trace.Tracer
}

func (o otelTracer) StartStrategySpan(ctx context.Context, endpoint, strategy string) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, "strategy."+strategy, trace.WithAttributes(
		telemetry.AttrEndpoint.String(endpoint),
		telemetry.AttrStrategy.String(strategy),
	))
}

// BlockOutcome is the result of one building block.
type BlockOutcome struct {
	// Block is the block that ran.
	Block engine.BlockID `json:"block"`

	// Success is true when the block reached its goal.
	Success bool `json:"success"`

	// Action is the file action for blocks that touch files.
	Action engine.FileAction `json:"action,omitempty"`

	// Error is the failure message.
	Error string `json:"error,omitempty"`

	// Warnings are non-fatal notes from the block.
	Warnings []string `json:"warnings,omitempty"`

	// Duration is how long the block took.
	Duration time.Duration `json:"duration"`
}

// ExecutionResult is the outcome of running one strategy.
type ExecutionResult struct {
	// StrategyID is the strategy that ran.
	StrategyID engine.StrategyID `json:"strategy_id"`

	// Success is true when every block succeeded.
	Success bool `json:"success"`

	// Blocks holds one outcome per block that ran, in order.
	Blocks []BlockOutcome `json:"blocks"`

	// Artifacts are what the strategy left behind. Empty after a rollback.
	Artifacts []engine.Artifact `json:"artifacts,omitempty"`

	// RolledBack is true when compensations ran.
	RolledBack bool `json:"rolled_back"`

	// RollbackErrors lists compensations that failed.
	RollbackErrors []string `json:"rollback_errors,omitempty"`

	// ConflictIDs lists conflicts deferred to the operator during the run.
	ConflictIDs []string `json:"conflict_ids,omitempty"`

	// Err is the failure that stopped the strategy.
	Err error `json:"-"`

	// Duration is the total run time including rollback.
	Duration time.Duration `json:"duration"`

	// undo holds the compensations of a successful run for Executor.Undo.
	undo []compensation
}

// Attempt summarizes the result for the attempt record.
func (r *ExecutionResult) Attempt() engine.StrategyAttempt {
	a := engine.StrategyAttempt{
		StrategyID: r.StrategyID,
		Success:    r.Success,
		RolledBack: r.RolledBack,
		Duration:   r.Duration,
	}
	if r.Err != nil {
		a.Error = r.Err.Error()
	}
	return a
}

// compensation undoes one successful block.
type compensation struct {
	block engine.BlockID
	undo  func(ctx context.Context) error
}

// Executor runs strategies as sagas: each successful block pushes a
// compensation and a failure unwinds them in reverse order.
type Executor struct {
	files       *filesafety.Manager
	routes      engine.RouteTable
	suggestions engine.SuggestionStore
	policy      engine.OverwritePolicy
	recorder    Recorder
	tracer      Tracer
	logger      zerolog.Logger
	now         func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithOverwritePolicy sets the policy create-file uses for existing files.
func WithOverwritePolicy(p engine.OverwritePolicy) Option {
	return func(e *Executor) { e.policy = p }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Executor) { e.recorder = r }
}

// WithTracer sets the tracer.
func WithTracer(t Tracer) Option {
	return func(e *Executor) { e.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Executor) { e.logger = l.With().Str("component", "executor").Logger() }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// NewExecutor creates an executor. files guards every filesystem write,
// routes receives application routes and suggestions stores manual snippets.
func NewExecutor(files *filesafety.Manager, routes engine.RouteTable, suggestions engine.SuggestionStore, opts ...Option) *Executor {
	e := &Executor{
		files:       files,
		routes:      routes,
		suggestions: suggestions,
		policy:      engine.PolicyContentAnalysis,
		tracer:      otelTracer{tracer: otel.Tracer("aiready/strategy")},
		logger:      zerolog.Nop(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the blocks of strategy for desc in order. No block is retried.
// On failure the compensations of the blocks that succeeded run in reverse
// order, so a failed strategy leaves the host as it found it.
func (e *Executor) Execute(ctx context.Context, strategy engine.Strategy, desc *engine.EndpointDescriptor, report *engine.CapabilityReport) *ExecutionResult {
	start := time.Now()
	key := desc.Key()
	ctx, span := e.tracer.StartStrategySpan(ctx, key, string(strategy.ID))
	defer span.End()

	logger := e.logger.With().Str("path", key).Str("strategy", string(strategy.ID)).Logger()
	result := &ExecutionResult{StrategyID: strategy.ID}

	run := &blockRun{strategy: strategy, desc: desc, report: report}
	if desc.ResolvedKind() != engine.KindProxy {
		body, err := desc.Generate(ctx)
		if err != nil {
			result.Err = engine.NewPermanentError("content generator failed", err).
				WithCode(engine.ErrCodeStrategyFailed).WithPath(key)
			return e.finish(span, logger, result, start)
		}
		run.body = body
	}

	var stack []compensation
	for _, block := range strategy.Blocks {
		blockStart := time.Now()
		out, err := e.runBlock(ctx, block, run)
		out.Block = block
		out.Duration = time.Since(blockStart)
		if err != nil {
			out.Error = err.Error()
			result.Blocks = append(result.Blocks, out)
			telemetry.AddBlockEvent(span, string(block), "failed")
			logger.Warn().Err(err).Str("block", string(block)).Msg("Building block failed")

			result.Err = err
			result.RolledBack = len(stack) > 0
			result.RollbackErrors = e.rollback(ctx, stack, logger)
			result.ConflictIDs = run.conflicts
			return e.finish(span, logger, result, start)
		}
		out.Success = true
		result.Blocks = append(result.Blocks, out)
		telemetry.AddBlockEvent(span, string(block), "succeeded")
		if run.undo != nil {
			stack = append(stack, compensation{block: block, undo: run.undo})
		}
		run.undo = nil
	}

	result.Success = true
	result.Artifacts = run.artifacts
	result.ConflictIDs = run.conflicts
	result.undo = stack
	return e.finish(span, logger, result, start)
}

// Undo reverts a successful result when its outcome could not be recorded.
// It returns the compensations that failed. A result that was already undone
// or never succeeded is left alone.
func (e *Executor) Undo(ctx context.Context, result *ExecutionResult) []string {
	if result == nil || !result.Success || len(result.undo) == 0 {
		return nil
	}
	logger := e.logger.With().Str("strategy", string(result.StrategyID)).Logger()
	errs := e.rollback(ctx, result.undo, logger)
	result.undo = nil
	result.Success = false
	result.RolledBack = true
	result.Artifacts = nil
	result.RollbackErrors = append(result.RollbackErrors, errs...)
	return errs
}

// runBlock dispatches one block, converting a panic into a failure so a
// broken collaborator cannot take the host down.
func (e *Executor) runBlock(ctx context.Context, block engine.BlockID, run *blockRun) (out BlockOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = engine.NewPermanentError(fmt.Sprintf("building block panicked: %v", r), nil).
				WithCode(engine.ErrCodeInternal).WithPath(run.desc.Key())
		}
	}()

	switch block {
	case engine.BlockCreateFile:
		return e.createFile(ctx, run)
	case engine.BlockModifyExistingFile:
		return e.modifyExistingFile(ctx, run)
	case engine.BlockAddApplicationRoute:
		return e.addApplicationRoute(ctx, run)
	case engine.BlockAddServerConfig:
		return e.addServerConfig(ctx, run)
	case engine.BlockSuggestManualConfig:
		return e.suggestManualConfig(ctx, run)
	default:
		return BlockOutcome{}, engine.NewPermanentError(fmt.Sprintf("unknown building block %q", block), nil).
			WithCode(engine.ErrCodeValidation)
	}
}

// rollback pops compensations in reverse order. It runs detached from ctx so
// a cancelled registration still cleans up after itself.
func (e *Executor) rollback(ctx context.Context, stack []compensation, logger zerolog.Logger) []string {
	ctx = context.WithoutCancel(ctx)
	var errs []string
	for i := len(stack) - 1; i >= 0; i-- {
		c := stack[i]
		if err := c.undo(ctx); err != nil {
			logger.Error().Err(err).Str("block", string(c.block)).Msg("Compensation failed")
			errs = append(errs, fmt.Sprintf("%s: %v", c.block, err))
			continue
		}
		logger.Debug().Str("block", string(c.block)).Msg("Compensation applied")
	}
	return errs
}

func (e *Executor) finish(span trace.Span, logger zerolog.Logger, result *ExecutionResult, start time.Time) *ExecutionResult {
	result.Duration = time.Since(start)
	if e.recorder != nil {
		e.recorder.RecordStrategyAttempt(string(result.StrategyID), result.Success, result.RolledBack, result.Duration)
	}
	if result.Success {
		telemetry.RecordSuccess(span)
		logger.Info().Dur("duration", result.Duration).Msg("Strategy succeeded")
	} else {
		telemetry.RecordError(span, result.Err)
		logger.Warn().Err(result.Err).Bool("rolled_back", result.RolledBack).Msg("Strategy failed")
	}
	return result
}
