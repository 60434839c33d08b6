package strategy

import (
	"context"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/kismet-tech/aiready/pkg/engine"
	"github.com/kismet-tech/aiready/pkg/filesafety"
)

// blockRun carries state between the blocks of one strategy execution.
type blockRun struct {
	strategy engine.Strategy
	desc     *engine.EndpointDescriptor
	report   *engine.CapabilityReport
	body     string

	// undo is set by a block that succeeded with something to compensate.
	undo      func(ctx context.Context) error
	artifacts []engine.Artifact
	conflicts []string
}

func (r *blockRun) fileName() string {
	return strings.TrimPrefix(r.desc.Key(), "/")
}

// fileOutcome converts a file safety result into a block outcome.
func (r *blockRun) fileOutcome(res *filesafety.Result, op string) (BlockOutcome, error) {
	out := BlockOutcome{Action: res.Action, Warnings: res.Warnings}
	if res.ConflictID != "" {
		r.conflicts = append(r.conflicts, res.ConflictID)
	}
	if res.Success {
		return out, nil
	}
	if res.Err != nil {
		return out, res.Err
	}
	return out, engine.NewPermanentError(op+" did not complete", nil).
		WithCode(engine.ErrCodeStrategyFailed).WithPath(res.Path)
}

// sectionPolicy picks the policy for splicing a managed section into a shared
// file. A file we wrote that was edited since is handed to the operator.
func (e *Executor) sectionPolicy(ctx context.Context, name string) (engine.OverwritePolicy, error) {
	ownership, err := e.files.Ownership(ctx, name)
	if err != nil {
		return "", err
	}
	if ownership == filesafety.OwnershipModified {
		return engine.PolicyDeferToOperator, nil
	}
	return engine.PolicyBackupThenOverwrite, nil
}

// createFile writes the generated body as a dedicated file.
func (e *Executor) createFile(ctx context.Context, run *blockRun) (BlockOutcome, error) {
	if run.desc.ResolvedKind() == engine.KindAppendOnlyPolicy {
		return BlockOutcome{}, engine.NewPermanentError("append-only documents are never written whole", nil).
			WithCode(engine.ErrCodePolicyDenied).WithPath(run.desc.Key())
	}

	res := e.files.Create(ctx, run.fileName(), []byte(run.body), e.policy)
	out, err := run.fileOutcome(res, "create-file")
	if err != nil {
		return out, err
	}
	run.undo = func(ctx context.Context) error { return e.files.Revert(ctx, res) }
	run.artifacts = append(run.artifacts, engine.Artifact{Kind: engine.ArtifactFile, Path: res.Path})
	return out, nil
}

// modifyExistingFile maintains our section inside a shared document.
func (e *Executor) modifyExistingFile(ctx context.Context, run *blockRun) (BlockOutcome, error) {
	name := run.fileName()
	policy, err := e.sectionPolicy(ctx, name)
	if err != nil {
		return BlockOutcome{}, err
	}

	section := filesafety.NewSection(run.desc.Key(), path.Base(name))
	res := e.files.UpdateSection(ctx, name, section, run.body, "", "", policy)
	out, err := run.fileOutcome(res, "modify-existing-file")
	if err != nil {
		return out, err
	}
	run.undo = func(ctx context.Context) error { return e.files.Revert(ctx, res) }
	run.artifacts = append(run.artifacts, engine.Artifact{Kind: engine.ArtifactSection, Path: res.Path, Section: section.ID})
	return out, nil
}

// addApplicationRoute installs the route and flushes the table cache. The
// compensation puts back whatever route the path had before.
func (e *Executor) addApplicationRoute(_ context.Context, run *blockRun) (BlockOutcome, error) {
	if e.routes == nil {
		return BlockOutcome{}, engine.NewPermanentError("no routing table configured", nil).
			WithCode(engine.ErrCodeStrategyFailed).WithPath(run.desc.Key())
	}

	key := run.desc.Key()
	previous, hadPrevious := e.routes.Lookup(key)
	route := engine.Route{
		Descriptor:   run.desc,
		Passthrough:  run.strategy.ID == engine.StrategyRoutingPassthrough,
		RegisteredAt: e.now(),
	}
	if err := e.routes.Add(route); err != nil {
		return BlockOutcome{}, err
	}
	e.routes.Flush()

	run.undo = func(context.Context) error {
		if hadPrevious {
			if err := e.routes.Add(previous); err != nil {
				return err
			}
		} else {
			e.routes.Remove(key)
		}
		e.routes.Flush()
		return nil
	}
	run.artifacts = append(run.artifacts, engine.Artifact{Kind: engine.ArtifactRoute, Path: key, Ref: string(run.strategy.ID)})
	return BlockOutcome{}, nil
}

// addServerConfig writes the headers block into the per-directory config of
// the detected server.
func (e *Executor) addServerConfig(ctx context.Context, run *blockRun) (BlockOutcome, error) {
	family := engine.ServerUnknown
	if run.report != nil {
		family = run.report.ServerFamily
	}
	name, anchor, skeleton, ok := ServerConfigTarget(family)
	if !ok {
		return BlockOutcome{}, engine.NewPermanentError("server family has no per-directory config", nil).
			WithCode(engine.ErrCodeStrategyFailed).WithPath(run.desc.Key()).WithDetail("server_family", family)
	}
	snippet, err := RenderServerConfig(family, run.desc)
	if err != nil {
		return BlockOutcome{}, err
	}
	policy, err := e.sectionPolicy(ctx, name)
	if err != nil {
		return BlockOutcome{}, err
	}

	section := filesafety.NewSection(run.desc.Key(), name)
	res := e.files.UpdateSection(ctx, name, section, snippet, anchor, skeleton, policy)
	out, err := run.fileOutcome(res, "add-auxiliary-server-config")
	if err != nil {
		return out, err
	}
	run.undo = func(ctx context.Context) error { return e.files.Revert(ctx, res) }
	run.artifacts = append(run.artifacts, engine.Artifact{Kind: engine.ArtifactSection, Path: res.Path, Section: section.ID})
	return out, nil
}

// suggestManualConfig records a snippet for the operator. It never mutates the host.
func (e *Executor) suggestManualConfig(ctx context.Context, run *blockRun) (BlockOutcome, error) {
	if e.suggestions == nil {
		return BlockOutcome{}, engine.NewPermanentError("no suggestion store configured", nil).
			WithCode(engine.ErrCodeStrategyFailed).WithPath(run.desc.Key())
	}

	family := engine.ServerUnknown
	if run.report != nil {
		family = run.report.ServerFamily
	}
	target, snippet := RenderSuggestion(family, run.desc)
	s := &engine.Suggestion{
		ID:           uuid.New().String(),
		EndpointKey:  run.desc.Key(),
		ServerFamily: family,
		Target:       target,
		Snippet:      snippet,
		CreatedAt:    e.now(),
	}
	if err := e.suggestions.SaveSuggestion(ctx, s); err != nil {
		return BlockOutcome{}, engine.NewTransientError("failed to record suggestion", err).
			WithCode(engine.ErrCodeInternal).WithPath(run.desc.Key())
	}
	e.logger.Info().Str("path", s.EndpointKey).Str("target", target).Msg("Manual server configuration suggested")

	run.undo = func(ctx context.Context) error { return e.suggestions.DeleteSuggestion(ctx, s.ID) }
	run.artifacts = append(run.artifacts, engine.Artifact{Kind: engine.ArtifactSuggestion, Path: s.EndpointKey, Ref: s.ID})
	return BlockOutcome{Warnings: []string{"headers need manual configuration in " + target}}, nil
}
