package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/kismet-tech/aiready/pkg/engine"
	"github.com/kismet-tech/aiready/pkg/policy"
	"github.com/kismet-tech/aiready/pkg/strategy"
	"github.com/kismet-tech/aiready/pkg/telemetry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// RegistrationResult is the outcome of one Register call.
type RegistrationResult struct {
	// Record is the persisted attempt record.
	Record *engine.AttemptRecord `json:"record"`

	// Report is the capability report the strategies were chosen from.
	Report *engine.CapabilityReport `json:"report,omitempty"`

	// Unchanged is true when the endpoint was already published as requested
	// and nothing was executed.
	Unchanged bool `json:"unchanged"`

	// Decisions are the policy admission decisions, one per candidate.
	Decisions []policy.Decision `json:"decisions,omitempty"`

	// Executions are the strategies that ran, in order.
	Executions []*strategy.ExecutionResult `json:"executions,omitempty"`

	// Warnings collects non-fatal notes, including teardown problems.
	Warnings []string `json:"warnings,omitempty"`
}

// Success reports whether the endpoint is published.
func (r *RegistrationResult) Success() bool {
	return r != nil && r.Record != nil && r.Record.Success
}

// Register makes desc reachable. It returns an error only when the descriptor
// is invalid or the registration could not run to completion; a registration
// where every strategy failed returns a result whose record says so.
func (o *Orchestrator) Register(ctx context.Context, desc *engine.EndpointDescriptor) (*RegistrationResult, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	key := desc.Key()

	unlock := o.locks.Lock(key)
	defer unlock()

	ctx, span := o.tracer.StartRegisterSpan(ctx, key)
	defer span.End()

	start := time.Now()
	logger := o.logger.With().Str("path", key).Logger()

	prev, err := o.store.GetAttemptRecord(ctx, key)
	if err != nil && !engine.IsNotFound(err) {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("failed to load attempt record: %w", err)
	}
	if engine.IsNotFound(err) {
		prev = nil
	}

	if err := o.transition(ctx, key, o.currentState(key, prev), engine.StateProbing, "registration started"); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	o.setDescriptor(desc)

	descHash, hashed := o.descriptorHash(ctx, desc)
	if hashed && prev != nil && prev.Success && prev.DescriptorHash == descHash {
		if o.unchanged(ctx, prev) {
			if err := o.transition(ctx, key, engine.StateProbing, engine.StateStrategyActive, "already published"); err != nil {
				return nil, err
			}
			o.recordRegistration("unchanged", prev.StrategyID, start)
			telemetry.RecordSuccess(span)
			logger.Debug().Str("strategy", string(prev.StrategyID)).Msg("Endpoint unchanged")
			return &RegistrationResult{Record: prev, Unchanged: true}, nil
		}
	}

	report, err := o.capabilities(ctx, key)
	if err != nil {
		o.fail(ctx, key, prev, descHash, nil, nil, err)
		o.recordRegistration("failed", "", start)
		o.recordError(span, err)
		return nil, err
	}

	result := &RegistrationResult{Report: report}
	candidates := strategy.OrderedStrategies(desc, report, o.prefs)
	decisions, err := o.admit(ctx, desc, report, candidates)
	if err != nil {
		o.fail(ctx, key, prev, descHash, report, nil, err)
		o.recordRegistration("failed", "", start)
		o.recordError(span, err)
		return nil, err
	}
	result.Decisions = decisions

	var (
		attempts []engine.StrategyAttempt
		winner   *strategy.ExecutionResult
	)
	for i, s := range candidates {
		if d := decisions[i]; !d.Allowed {
			attempts = append(attempts, engine.StrategyAttempt{
				StrategyID: s.ID,
				Error:      "denied by policy: " + d.Reason(),
			})
			logger.Info().Str("strategy", string(s.ID)).Str("reason", d.Reason()).Msg("Strategy denied by policy")
			continue
		}
		if ctx.Err() != nil {
			break
		}
		exec := o.executor.Execute(ctx, s, desc, report)
		result.Executions = append(result.Executions, exec)
		attempts = append(attempts, exec.Attempt())
		for _, b := range exec.Blocks {
			result.Warnings = append(result.Warnings, b.Warnings...)
		}
		if exec.Success {
			winner = exec
			break
		}
	}

	rec := &engine.AttemptRecord{
		EndpointKey:    key,
		DescriptorHash: descHash,
		ReportHash:     report.Hash(),
		Attempts:       attempts,
		Timestamp:      o.now(),
	}
	if winner != nil {
		rec.StrategyID = winner.StrategyID
		rec.Success = true
		rec.State = engine.StateStrategyActive
		rec.Artifacts = winner.Artifacts
	} else {
		rec.State = engine.StateAllStrategiesFailed
		rec.LastError = lastError(attempts, ctx.Err())
		if prev != nil {
			// Whatever the previous strategy published stays in place and
			// stays owned, so Deactivate can still remove it.
			rec.Artifacts = prev.Artifacts
		}
	}
	result.Record = rec

	if err := o.persist(ctx, rec); err != nil {
		o.abandon(ctx, key, result, winner, err)
		o.recordRegistration("failed", "", start)
		o.recordError(span, err)
		return result, err
	}
	if winner != nil && prev != nil {
		result.Warnings = append(result.Warnings, o.teardown(ctx, key, prev.Artifacts, winner.Artifacts)...)
	}
	msg := "published with " + string(rec.StrategyID)
	if !rec.Success {
		msg = rec.LastError
	}
	if err := o.transition(ctx, key, engine.StateProbing, rec.State, msg); err != nil {
		return result, err
	}

	if rec.Success {
		o.recordRegistration("success", rec.StrategyID, start)
		telemetry.RecordSuccess(span)
		logger.Info().
			Str("strategy", string(rec.StrategyID)).
			Int("attempts", len(attempts)).
			Dur("duration", time.Since(start)).
			Msg("Endpoint registered")
	} else {
		o.recordRegistration("failed", "", start)
		o.recordError(span, engine.NewPermanentError(rec.LastError, nil).WithCode(engine.ErrCodeStrategyFailed))
		logAttempts(logger, attempts)
		logger.Warn().
			Str("error", rec.LastError).
			Int("attempts", len(attempts)).
			Msg("All strategies failed")
	}
	return result, nil
}

// descriptorHash fingerprints desc with its generated body. A generator
// error leaves the hash unusable for the idempotence check.
func (o *Orchestrator) descriptorHash(ctx context.Context, desc *engine.EndpointDescriptor) (string, bool) {
	if desc.ResolvedKind() == engine.KindProxy {
		return desc.Fingerprint(""), true
	}
	body, err := desc.Generate(ctx)
	if err != nil {
		o.logger.Debug().Err(err).Str("path", desc.Key()).Msg("Generator failed while hashing descriptor")
		return desc.Fingerprint(""), false
	}
	return desc.Fingerprint(body), true
}

// unchanged reports whether the previous successful registration still
// stands: its artifacts verify and the capabilities did not move.
func (o *Orchestrator) unchanged(ctx context.Context, prev *engine.AttemptRecord) bool {
	if !o.verifyArtifacts(ctx, prev) {
		return false
	}
	if cached := o.cachedReport(ctx); cached != nil {
		return cached.Hash() == prev.ReportHash
	}
	return o.prober.IsRouteActive(ctx, prev.EndpointKey)
}

// admit runs policy admission. Without an admitter every candidate is allowed.
func (o *Orchestrator) admit(ctx context.Context, desc *engine.EndpointDescriptor, report *engine.CapabilityReport, candidates []engine.Strategy) ([]policy.Decision, error) {
	if o.admitter == nil {
		decisions := make([]policy.Decision, len(candidates))
		for i, s := range candidates {
			decisions[i] = policy.Decision{StrategyID: s.ID, Allowed: true}
		}
		return decisions, nil
	}
	decisions, err := o.admitter.Admit(ctx, desc, report, candidates)
	if err != nil {
		return nil, engine.NewPermanentError("policy admission failed", err).
			WithCode(engine.ErrCodePolicyDenied).WithPath(desc.Key())
	}
	if len(decisions) != len(candidates) {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("policy admission returned %d decisions for %d strategies", len(decisions), len(candidates)), nil).
			WithCode(engine.ErrCodeInternal).WithPath(desc.Key())
	}
	return decisions, nil
}

// fail persists a registration that stopped before any strategy could finish.
func (o *Orchestrator) fail(ctx context.Context, key string, prev *engine.AttemptRecord, descHash string, report *engine.CapabilityReport, attempts []engine.StrategyAttempt, cause error) {
	ctx = context.WithoutCancel(ctx)
	rec := &engine.AttemptRecord{
		EndpointKey:    key,
		State:          engine.StateAllStrategiesFailed,
		LastError:      cause.Error(),
		DescriptorHash: descHash,
		ReportHash:     report.Hash(),
		Attempts:       attempts,
		Timestamp:      o.now(),
	}
	if prev != nil {
		rec.Artifacts = prev.Artifacts
	}
	if err := o.persist(ctx, rec); err != nil {
		o.logger.Error().Err(err).Str("path", key).Msg("Failed to persist failed registration")
	}
	if err := o.transition(ctx, key, engine.StateProbing, engine.StateAllStrategiesFailed, cause.Error()); err != nil {
		o.logger.Error().Err(err).Str("path", key).Msg("Failed to record state transition")
	}
}

// abandon handles a registration whose record could not be saved. The winner
// is undone so nothing is published that the store does not know about, and
// the endpoint leaves PROBING so the next registration can run.
func (o *Orchestrator) abandon(ctx context.Context, key string, result *RegistrationResult, winner *strategy.ExecutionResult, cause error) {
	if winner != nil {
		for _, e := range o.executor.Undo(ctx, winner) {
			result.Warnings = append(result.Warnings, "rollback "+e)
		}
	}
	result.Record.Success = false
	result.Record.State = engine.StateAllStrategiesFailed
	result.Record.LastError = cause.Error()
	result.Record.Artifacts = nil

	if err := o.transition(ctx, key, engine.StateProbing, engine.StateAllStrategiesFailed, cause.Error()); err != nil {
		o.logger.Error().Err(err).Str("path", key).Msg("Failed to record state transition")
	}
	o.logger.Error().Err(cause).Str("path", key).Msg("Failed to persist registration")
}

// persist saves the record and appends one history row per attempt. Only a
// failure to save the record is returned: once it is stored the registration
// stands, and a missing history row is logged instead.
func (o *Orchestrator) persist(ctx context.Context, rec *engine.AttemptRecord) error {
	ctx = context.WithoutCancel(ctx)
	if err := o.store.SaveAttemptRecord(ctx, rec); err != nil {
		return fmt.Errorf("failed to save attempt record: %w", err)
	}
	if len(rec.Attempts) == 0 {
		return nil
	}
	entries := make([]*engine.AttemptHistoryEntry, 0, len(rec.Attempts))
	for _, a := range rec.Attempts {
		entries = append(entries, &engine.AttemptHistoryEntry{
			EndpointKey: rec.EndpointKey,
			StrategyID:  a.StrategyID,
			Success:     a.Success,
			Error:       a.Error,
			RolledBack:  a.RolledBack,
			ReportHash:  rec.ReportHash,
			Timestamp:   rec.Timestamp,
		})
	}
	if err := o.store.AppendAttemptHistory(ctx, entries); err != nil {
		o.logger.Warn().Err(err).Str("path", rec.EndpointKey).Msg("Failed to append attempt history")
	}
	return nil
}

func (o *Orchestrator) recordRegistration(outcome string, id engine.StrategyID, start time.Time) {
	if o.recorder != nil {
		o.recorder.RecordRegistration(outcome, string(id), time.Since(start))
	}
}

// recordError fails span and counts err by class and code.
func (o *Orchestrator) recordError(span trace.Span, err error) {
	telemetry.RecordError(span, err)
	if o.recorder != nil {
		o.recorder.RecordEngineError(err)
	}
}

func lastError(attempts []engine.StrategyAttempt, ctxErr error) string {
	if ctxErr != nil {
		return "registration cancelled: " + ctxErr.Error()
	}
	for i := len(attempts) - 1; i >= 0; i-- {
		if attempts[i].Error != "" {
			return attempts[i].Error
		}
	}
	return "no strategy available for this host"
}

// logAttempts writes one debug line per attempt.
func logAttempts(logger zerolog.Logger, attempts []engine.StrategyAttempt) {
	for _, a := range attempts {
		logger.Debug().
			Str("strategy", string(a.StrategyID)).
			Bool("success", a.Success).
			Bool("rolled_back", a.RolledBack).
			Str("error", a.Error).
			Msg("Strategy attempt")
	}
}
