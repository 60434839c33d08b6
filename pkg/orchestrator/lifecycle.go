package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/kismet-tech/aiready/pkg/engine"
	"github.com/kismet-tech/aiready/pkg/filesafety"
	"golang.org/x/sync/errgroup"
)

// DeactivationResult describes what Deactivate removed.
type DeactivationResult struct {
	Key      string            `json:"key"`
	Removed  []engine.Artifact `json:"removed,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
}

// transition moves key from one state to another and appends an event.
func (o *Orchestrator) transition(ctx context.Context, key string, from, to engine.EndpointState, msg string) error {
	if !from.CanTransitionTo(to) {
		return engine.NewConflictError(fmt.Sprintf("illegal state transition %s -> %s", from, to), nil).
			WithCode(engine.ErrCodeConflict).WithPath(key)
	}

	o.mu.Lock()
	o.states[key] = to
	o.mu.Unlock()

	if o.recorder != nil {
		o.recorder.SetEndpointState(key, to)
	}
	event := &engine.EndpointEvent{
		ID:          uuid.New().String(),
		EndpointKey: key,
		From:        from,
		To:          to,
		Message:     msg,
		Timestamp:   o.now(),
	}
	if err := o.store.AppendEvent(context.WithoutCancel(ctx), event); err != nil {
		o.logger.Warn().Err(err).Str("path", key).Msg("Failed to append endpoint event")
	}
	return nil
}

// cachedReport returns the in-memory report, loading the persisted one on a miss.
func (o *Orchestrator) cachedReport(ctx context.Context) *engine.CapabilityReport {
	o.reportMu.Lock()
	defer o.reportMu.Unlock()
	if o.report == nil {
		r, err := o.store.GetCapabilityReport(ctx, o.prober.BaseURL())
		if err != nil {
			if !engine.IsNotFound(err) {
				o.logger.Warn().Err(err).Msg("Failed to load capability report")
			}
			return nil
		}
		o.report = r
	}
	r := *o.report
	return &r
}

func (o *Orchestrator) setReport(ctx context.Context, r *engine.CapabilityReport) {
	o.reportMu.Lock()
	cp := *r
	o.report = &cp
	o.reportMu.Unlock()

	if err := o.store.SaveCapabilityReport(context.WithoutCancel(ctx), o.prober.BaseURL(), r); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to persist capability report")
	}
}

// capabilities returns the cached report or probes once. Concurrent
// registrations on an empty cache share one probe.
func (o *Orchestrator) capabilities(ctx context.Context, target string) (*engine.CapabilityReport, error) {
	if r := o.cachedReport(ctx); r != nil {
		return r, nil
	}
	v, err, _ := o.probe.Do(o.prober.BaseURL(), func() (interface{}, error) {
		if r := o.cachedReport(ctx); r != nil {
			return r, nil
		}
		r, err := o.prober.Probe(ctx, target)
		if err != nil {
			return nil, err
		}
		o.setReport(ctx, r)
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	r := *v.(*engine.CapabilityReport)
	return &r, nil
}

// Report returns the cached capability report, or nil before the first probe.
func (o *Orchestrator) Report(ctx context.Context) *engine.CapabilityReport {
	return o.cachedReport(ctx)
}

// verifyArtifacts checks that everything a record claims is still in place.
func (o *Orchestrator) verifyArtifacts(ctx context.Context, rec *engine.AttemptRecord) bool {
	for _, a := range rec.Artifacts {
		switch a.Kind {
		case engine.ArtifactFile:
			if !o.files.VerifyOwned(ctx, a.Path) {
				return false
			}
		case engine.ArtifactSection:
			// An edit anywhere in the shared file moves its hash off our
			// fingerprint; the strategy then has to run and defer it.
			if !o.files.VerifyOwned(ctx, a.Path) {
				return false
			}
			content, err := o.files.FileSystem().ReadFile(ctx, a.Path)
			if err != nil || !filesafety.NewSection(a.Section, path.Base(a.Path)).Contains(string(content)) {
				return false
			}
		case engine.ArtifactRoute:
			if _, ok := o.routes.Lookup(a.Path); !ok {
				return false
			}
		case engine.ArtifactSuggestion:
			suggestions, err := o.store.ListSuggestions(ctx, rec.EndpointKey)
			if err != nil || !hasSuggestion(suggestions, a.Ref) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func hasSuggestion(list []*engine.Suggestion, id string) bool {
	for _, s := range list {
		if s.ID == id {
			return true
		}
	}
	return false
}

// teardown removes the artifacts in old that are not in keep. It never fails
// the caller: anything it cannot remove becomes a warning.
func (o *Orchestrator) teardown(ctx context.Context, key string, old, keep []engine.Artifact) []string {
	ctx = context.WithoutCancel(ctx)
	var warnings []string
	for _, a := range old {
		if containsArtifact(keep, a) {
			continue
		}
		if err := o.removeArtifact(ctx, a); err != nil {
			o.logger.Warn().Err(err).Str("path", key).Str("artifact", string(a.Kind)).Msg("Failed to remove artifact")
			warnings = append(warnings, fmt.Sprintf("%s %s: %v", a.Kind, a.Path, err))
			continue
		}
		o.logger.Debug().Str("path", key).Str("artifact", string(a.Kind)).Str("target", a.Path).Msg("Removed artifact")
	}
	return warnings
}

func (o *Orchestrator) removeArtifact(ctx context.Context, a engine.Artifact) error {
	switch a.Kind {
	case engine.ArtifactFile:
		if res := o.files.Delete(ctx, a.Path); !res.Success {
			return res.Err
		}
	case engine.ArtifactSection:
		if res := o.files.RemoveSection(ctx, a.Path, filesafety.NewSection(a.Section, path.Base(a.Path))); !res.Success {
			return res.Err
		}
	case engine.ArtifactRoute:
		o.routes.Remove(a.Path)
		o.routes.Flush()
	case engine.ArtifactSuggestion:
		if err := o.store.DeleteSuggestion(ctx, a.Ref); err != nil && !engine.IsNotFound(err) {
			return err
		}
	default:
		return fmt.Errorf("unknown artifact kind %q", a.Kind)
	}
	return nil
}

// containsArtifact matches routes by path alone: the table holds one route
// per path, whichever strategy installed it.
func containsArtifact(list []engine.Artifact, a engine.Artifact) bool {
	for _, b := range list {
		if a == b || (a.Kind == engine.ArtifactRoute && b.Kind == engine.ArtifactRoute && a.Path == b.Path) {
			return true
		}
	}
	return false
}

// Deactivate removes everything published for path and forgets it. Files the
// operator modified since we wrote them are left in place with a warning.
func (o *Orchestrator) Deactivate(ctx context.Context, p string) (*DeactivationResult, error) {
	key := engine.NormalizePath(p)
	if key == "" {
		return nil, engine.NewPermanentError("endpoint path is required", nil).WithCode(engine.ErrCodeValidation)
	}
	unlock := o.locks.Lock(key)
	defer unlock()

	rec, err := o.store.GetAttemptRecord(ctx, key)
	if err != nil {
		return nil, err
	}
	from := o.currentState(key, rec)
	if !from.CanTransitionTo(engine.StateDeactivated) {
		return nil, engine.NewConflictError(fmt.Sprintf("cannot deactivate endpoint in state %s", from), nil).
			WithCode(engine.ErrCodeConflict).WithPath(key)
	}

	result := &DeactivationResult{Key: key}
	// The route goes first so requests stop being answered before files vanish.
	if o.routes.Remove(key) {
		o.routes.Flush()
	}
	for _, a := range rec.Artifacts {
		if err := o.removeArtifact(context.WithoutCancel(ctx), a); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s %s: %v", a.Kind, a.Path, err))
			continue
		}
		result.Removed = append(result.Removed, a)
	}

	// Suggestions from failed attempts are not artifacts of the record.
	if stale, err := o.store.ListSuggestions(ctx, key); err == nil {
		for _, s := range stale {
			if err := o.store.DeleteSuggestion(ctx, s.ID); err != nil && !engine.IsNotFound(err) {
				result.Warnings = append(result.Warnings, fmt.Sprintf("suggestion %s: %v", s.ID, err))
			}
		}
	}

	if err := o.store.DeleteAttemptRecord(ctx, key); err != nil && !engine.IsNotFound(err) {
		return result, fmt.Errorf("failed to delete attempt record: %w", err)
	}
	o.dropDescriptor(key)
	if err := o.transition(ctx, key, from, engine.StateDeactivated, "deactivated by operator"); err != nil {
		return result, err
	}

	o.logger.Info().
		Str("path", key).
		Int("removed", len(result.Removed)).
		Int("warnings", len(result.Warnings)).
		Msg("Endpoint deactivated")
	return result, nil
}

// Refresh drops the cached capability report and re-registers every known
// descriptor against a fresh probe. Endpoints whose outcome would not change
// stay untouched.
func (o *Orchestrator) Refresh(ctx context.Context) ([]*RegistrationResult, error) {
	o.reportMu.Lock()
	o.report = nil
	o.reportMu.Unlock()
	if err := o.store.DeleteCapabilityReport(ctx, o.prober.BaseURL()); err != nil && !engine.IsNotFound(err) {
		return nil, fmt.Errorf("failed to drop capability report: %w", err)
	}
	o.logger.Info().Msg("Capability report invalidated")

	descs := o.Descriptors()
	if len(descs) == 0 {
		return nil, nil
	}
	// Probe up front so every re-registration compares against the new report.
	if _, err := o.capabilities(ctx, descs[0].Key()); err != nil {
		return nil, err
	}
	results := make([]*RegistrationResult, len(descs))

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.parallelism)
	for i, desc := range descs {
		g.Go(func() error {
			res, err := o.Register(gctx, desc)
			results[i] = res
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", desc.Key(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

// Restore rebuilds the routing table and report cache from persisted state,
// typically at process start. It executes no strategy and touches no file.
// A failed record that kept an earlier winner's route gets that route back,
// so a restart serves what was served before it.
func (o *Orchestrator) Restore(ctx context.Context, descs []*engine.EndpointDescriptor) error {
	if r := o.cachedReport(ctx); r != nil {
		o.logger.Debug().Str("site", r.BaseURL).Msg("Capability report restored")
	}

	restored := 0
	for _, desc := range descs {
		if err := desc.Validate(); err != nil {
			return err
		}
		key := desc.Key()
		o.setDescriptor(desc)

		rec, err := o.store.GetAttemptRecord(ctx, key)
		if engine.IsNotFound(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to load attempt record for %s: %w", key, err)
		}

		o.mu.Lock()
		o.states[key] = rec.State
		o.mu.Unlock()
		if o.recorder != nil {
			o.recorder.SetEndpointState(key, rec.State)
		}
		for _, a := range rec.Artifacts {
			if a.Kind != engine.ArtifactRoute {
				continue
			}
			installedBy := engine.StrategyID(a.Ref)
			if installedBy == "" {
				installedBy = rec.StrategyID
			}
			route := engine.Route{
				Descriptor:   desc,
				Passthrough:  installedBy == engine.StrategyRoutingPassthrough,
				RegisteredAt: rec.Timestamp,
			}
			if err := o.routes.Add(route); err != nil {
				return err
			}
			restored++
		}
	}
	o.routes.Flush()

	o.logger.Info().Int("descriptors", len(descs)).Int("routes", restored).Msg("State restored")
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
