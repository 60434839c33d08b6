package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/kismet-tech/aiready/pkg/engine"
)

// defaultDiagnosticsLimit bounds history and events in Diagnostics.
const defaultDiagnosticsLimit = 50

// EndpointStatus is the current state of one endpoint.
type EndpointStatus struct {
	Key        string                `json:"key"`
	State      engine.EndpointState  `json:"state"`
	Registered bool                  `json:"registered"`
	Kind       engine.EndpointKind   `json:"kind,omitempty"`
	Record     *engine.AttemptRecord `json:"record,omitempty"`
}

// Diagnostics is everything known about one endpoint.
type Diagnostics struct {
	Status      *EndpointStatus               `json:"status"`
	Report      *engine.CapabilityReport      `json:"report,omitempty"`
	History     []*engine.AttemptHistoryEntry `json:"history,omitempty"`
	Events      []*engine.EndpointEvent       `json:"events,omitempty"`
	Suggestions []*engine.Suggestion          `json:"suggestions,omitempty"`
	Conflicts   []*engine.FileConflict        `json:"conflicts,omitempty"`
}

// Status returns the state and attempt record of path.
func (o *Orchestrator) Status(ctx context.Context, p string) (*EndpointStatus, error) {
	key := engine.NormalizePath(p)
	if key == "" {
		return nil, engine.NewPermanentError("endpoint path is required", nil).WithCode(engine.ErrCodeValidation)
	}
	rec, err := o.store.GetAttemptRecord(ctx, key)
	if err != nil && !engine.IsNotFound(err) {
		return nil, fmt.Errorf("failed to load attempt record: %w", err)
	}
	if err != nil {
		rec = nil
	}

	st := &EndpointStatus{Key: key, State: o.currentState(key, rec), Record: rec}
	if desc, ok := o.Descriptor(key); ok {
		st.Registered = true
		st.Kind = desc.ResolvedKind()
	}
	if rec == nil && !st.Registered && st.State == engine.StateUnregistered {
		return nil, engine.NewNotFoundError("endpoint", key)
	}
	return st, nil
}

// List returns the status of every endpoint with a descriptor or a record.
func (o *Orchestrator) List(ctx context.Context) ([]*EndpointStatus, error) {
	records, err := o.store.ListAttemptRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempt records: %w", err)
	}
	byKey := make(map[string]*engine.AttemptRecord, len(records))
	for _, r := range records {
		byKey[r.EndpointKey] = r
	}

	o.mu.RLock()
	for k := range o.descriptors {
		if _, ok := byKey[k]; !ok {
			byKey[k] = nil
		}
	}
	o.mu.RUnlock()

	out := make([]*EndpointStatus, 0, len(byKey))
	for _, key := range sortedKeys(byKey) {
		rec := byKey[key]
		st := &EndpointStatus{Key: key, State: o.currentState(key, rec), Record: rec}
		if desc, ok := o.Descriptor(key); ok {
			st.Registered = true
			st.Kind = desc.ResolvedKind()
		}
		out = append(out, st)
	}
	return out, nil
}

// Diagnostics returns the status of path together with its attempt history,
// lifecycle events, suggestions and pending file conflicts.
func (o *Orchestrator) Diagnostics(ctx context.Context, p string) (*Diagnostics, error) {
	st, err := o.Status(ctx, p)
	if err != nil && !engine.IsNotFound(err) {
		return nil, err
	}
	key := engine.NormalizePath(p)
	if st == nil {
		st = &EndpointStatus{Key: key, State: engine.StateUnregistered}
	}

	d := &Diagnostics{Status: st, Report: o.cachedReport(ctx)}
	if d.History, err = o.store.ListAttemptHistory(ctx, key, defaultDiagnosticsLimit); err != nil {
		return nil, fmt.Errorf("failed to list attempt history: %w", err)
	}
	if d.Events, err = o.store.ListEvents(ctx, key, defaultDiagnosticsLimit); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	if d.Suggestions, err = o.store.ListSuggestions(ctx, key); err != nil {
		return nil, fmt.Errorf("failed to list suggestions: %w", err)
	}

	conflicts, err := o.files.ListConflicts(ctx, engine.ConflictPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	paths := map[string]bool{strings.TrimPrefix(key, "/"): true}
	if st.Record != nil {
		for _, a := range st.Record.Artifacts {
			paths[a.Path] = true
		}
	}
	for _, c := range conflicts {
		if paths[c.Path] {
			d.Conflicts = append(d.Conflicts, c)
		}
	}
	return d, nil
}
