// Package filesafety performs conflict-aware writes into the document root.
package filesafety

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kismet-tech/aiready/pkg/engine"
	"github.com/kismet-tech/aiready/pkg/fsys"
	"github.com/rs/zerolog"
)

// Store is the persistence the manager needs.
type Store interface {
	engine.FingerprintStore
	engine.ConflictStore
	engine.BackupStore
}

// Recorder receives file operation outcomes, typically telemetry.Metrics.
type Recorder interface {
	RecordFileOperation(policy, action string)
}

// Ownership describes the relation between the engine and a file on disk.
type Ownership string

const (
	// OwnershipAbsent means the file does not exist.
	OwnershipAbsent Ownership = "absent"

	// OwnershipOurs means the on-disk hash equals our last fingerprint.
	OwnershipOurs Ownership = "ours"

	// OwnershipForeign means the engine never wrote the file.
	OwnershipForeign Ownership = "foreign"

	// OwnershipModified means we wrote the file but it changed since.
	OwnershipModified Ownership = "modified"
)

// Result is the outcome of a file safety operation.
type Result struct {
	// Success is true when the requested state was reached.
	Success bool `json:"success"`

	// Path is the root-relative file name.
	Path string `json:"path"`

	// Action is what was actually done.
	Action engine.FileAction `json:"action"`

	// Warnings are non-fatal observations for the operator.
	Warnings []string `json:"warnings,omitempty"`

	// Err is the structured failure, nil on success.
	Err error `json:"-"`

	// Verdict is set when content analysis ran.
	Verdict *Verdict `json:"verdict,omitempty"`

	// BackupID is set when a backup was taken.
	BackupID string `json:"backup_id,omitempty"`

	// ConflictID is set when the write was deferred to the operator.
	ConflictID string `json:"conflict_id,omitempty"`

	// Existed and Previous describe the file before the operation, for compensation.
	Existed  bool   `json:"existed"`
	Previous []byte `json:"-"`

	previousFingerprint *engine.FileFingerprint
}

// Errors returns the failure messages of the result.
func (r *Result) Errors() []string {
	if r.Err == nil {
		return nil
	}
	return []string{r.Err.Error()}
}

// Manager guards every write the engine makes into the document root.
type Manager struct {
	fs         engine.FileSystem
	store      Store
	classifier Classifier
	recorder   Recorder
	logger     zerolog.Logger
	now        func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClassifier replaces the default rule classifier.
func WithClassifier(c Classifier) Option {
	return func(m *Manager) { m.classifier = c }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l.With().Str("component", "file-safety").Logger() }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a file safety manager over a document root and store.
func NewManager(fileSystem engine.FileSystem, store Store, opts ...Option) *Manager {
	m := &Manager{
		fs:         fileSystem,
		store:      store,
		classifier: NewRuleClassifier(),
		logger:     zerolog.Nop(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FileSystem returns the backing document root.
func (m *Manager) FileSystem() engine.FileSystem {
	return m.fs
}

// Create writes content to name according to policy.
func (m *Manager) Create(ctx context.Context, name string, content []byte, policy engine.OverwritePolicy) *Result {
	res := m.create(ctx, name, content, policy)
	m.record(policy, res)
	return res
}

func (m *Manager) create(ctx context.Context, name string, content []byte, policy engine.OverwritePolicy) *Result {
	clean, err := fsys.CleanName(name)
	if err != nil {
		return failed(name, engine.NewPermanentError("invalid file name", err).WithCode(engine.ErrCodeValidation))
	}
	res := &Result{Path: clean}
	if err := policy.Validate(); err != nil {
		res.Action = engine.ActionFailed
		res.Err = engine.NewPermanentError("invalid overwrite policy", err).WithCode(engine.ErrCodeValidation).WithPath(clean)
		return res
	}

	existing, err := m.fs.ReadFile(ctx, clean)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return failed(clean, classifyIOError("failed to read existing file", clean, err))
	}
	if err != nil {
		return m.write(ctx, res, content, engine.ActionCreated)
	}

	res.Existed = true
	res.Previous = existing
	fp, err := m.fingerprint(ctx, clean)
	if err != nil {
		return failed(clean, err)
	}
	res.previousFingerprint = fp

	if bytes.Equal(existing, content) {
		res.Success = true
		res.Action = engine.ActionUnchanged
		if fp == nil || fp.ContentHash != engine.HashContent(content) {
			if err := m.saveFingerprint(ctx, clean, content, fp); err != nil {
				res.Warnings = append(res.Warnings, fmt.Sprintf("failed to record fingerprint: %v", err))
			} else {
				res.Warnings = append(res.Warnings, "adopted identical existing file")
			}
		}
		return res
	}

	ours := fp != nil && fp.ContentHash == engine.HashContent(existing)
	if ours {
		return m.write(ctx, res, content, engine.ActionUpdated)
	}

	switch policy {
	case engine.PolicyNeverOverwrite:
		res.Action = engine.ActionRefused
		res.Err = engine.NewConflictError("existing file was not written by this engine", nil).
			WithCode(engine.ErrCodeConflict).WithPath(clean).WithOperation("create")
		return res

	case engine.PolicyBackupThenOverwrite:
		backupID, err := m.backup(ctx, clean, existing)
		if err != nil {
			return failed(clean, err)
		}
		res.BackupID = backupID
		return m.write(ctx, res, content, engine.ActionOverwritten)

	case engine.PolicyContentAnalysis:
		verdict := m.classifier.Classify(KindFor(clean), existing)
		res.Verdict = &verdict
		if !verdict.Safe {
			res.Action = engine.ActionRefused
			res.Err = engine.NewConflictError("existing content is not safe to overwrite: "+verdict.Reason, nil).
				WithCode(engine.ErrCodeConflict).WithPath(clean).WithDetail("rule", verdict.Rule)
			return res
		}
		res.Warnings = append(res.Warnings, fmt.Sprintf("overwrote content classified safe by rule %s", verdict.Rule))
		return m.write(ctx, res, content, engine.ActionOverwritten)

	default:
		conflict := &engine.FileConflict{
			ID:              uuid.New().String(),
			Path:            clean,
			ProposedContent: string(content),
			ExistingContent: string(existing),
			Reason:          m.deferReason(fp),
			Status:          engine.ConflictPending,
			CreatedAt:       m.now(),
		}
		if err := m.store.SaveConflict(ctx, conflict); err != nil {
			return failed(clean, engine.NewPermanentError("failed to record conflict", err).WithPath(clean))
		}
		m.logger.Warn().
			Str("path", clean).
			Str("conflict_id", conflict.ID).
			Str("reason", conflict.Reason).
			Msg("Write deferred to operator")
		res.Action = engine.ActionDeferred
		res.ConflictID = conflict.ID
		res.Err = engine.NewConflictError("write deferred to operator: "+conflict.Reason, nil).
			WithCode(engine.ErrCodeDeferred).WithPath(clean).WithDetail("conflict_id", conflict.ID)
		return res
	}
}

func (m *Manager) deferReason(fp *engine.FileFingerprint) string {
	if fp != nil {
		return "file changed since it was last written by this engine"
	}
	return "file exists and was not written by this engine"
}

// Ownership reports how name relates to the fingerprint registry.
func (m *Manager) Ownership(ctx context.Context, name string) (Ownership, error) {
	clean, err := fsys.CleanName(name)
	if err != nil {
		return "", engine.NewPermanentError("invalid file name", err).WithCode(engine.ErrCodeValidation)
	}
	content, err := m.fs.ReadFile(ctx, clean)
	if errors.Is(err, fs.ErrNotExist) {
		return OwnershipAbsent, nil
	}
	if err != nil {
		return "", classifyIOError("failed to read file", clean, err)
	}
	fp, err := m.fingerprint(ctx, clean)
	if err != nil {
		return "", err
	}
	switch {
	case fp == nil:
		return OwnershipForeign, nil
	case fp.ContentHash == engine.HashContent(content):
		return OwnershipOurs, nil
	default:
		return OwnershipModified, nil
	}
}

// UpdateSection splices body into the delimited section of name, leaving all
// content outside the markers untouched. When anchor is set a new section is
// inserted before it. The write goes through Create with policy.
func (m *Manager) UpdateSection(ctx context.Context, name string, section Section, body, anchor, skeleton string, policy engine.OverwritePolicy) *Result {
	clean, err := fsys.CleanName(name)
	if err != nil {
		return failed(name, engine.NewPermanentError("invalid file name", err).WithCode(engine.ErrCodeValidation))
	}
	existing, err := m.fs.ReadFile(ctx, clean)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return failed(clean, classifyIOError("failed to read existing file", clean, err))
	}
	base := string(existing)
	if err != nil {
		base = skeleton
	}
	return m.Create(ctx, clean, []byte(section.UpsertBefore(base, body, anchor)), policy)
}

// RemoveSection splices the section out of name. A file left empty that the
// engine owns is deleted.
func (m *Manager) RemoveSection(ctx context.Context, name string, section Section) *Result {
	clean, err := fsys.CleanName(name)
	if err != nil {
		return failed(name, engine.NewPermanentError("invalid file name", err).WithCode(engine.ErrCodeValidation))
	}
	existing, err := m.fs.ReadFile(ctx, clean)
	if errors.Is(err, fs.ErrNotExist) {
		return &Result{Success: true, Path: clean, Action: engine.ActionUnchanged}
	}
	if err != nil {
		return failed(clean, classifyIOError("failed to read file", clean, err))
	}
	updated, found := section.Remove(string(existing))
	if !found {
		return &Result{Success: true, Path: clean, Action: engine.ActionUnchanged, Existed: true, Previous: existing}
	}

	fp, err := m.fingerprint(ctx, clean)
	if err != nil {
		return failed(clean, err)
	}
	if strings.TrimSpace(updated) == "" && fp != nil && fp.ContentHash == engine.HashContent(existing) {
		return m.Delete(ctx, clean)
	}
	res := &Result{Path: clean, Existed: true, Previous: existing, previousFingerprint: fp}
	out := m.write(ctx, res, []byte(updated), engine.ActionUpdated)
	m.record("remove_section", out)
	return out
}

// Delete removes name only when its on-disk hash matches the fingerprint.
func (m *Manager) Delete(ctx context.Context, name string) *Result {
	res := m.delete(ctx, name)
	m.record("delete", res)
	return res
}

func (m *Manager) delete(ctx context.Context, name string) *Result {
	clean, err := fsys.CleanName(name)
	if err != nil {
		return failed(name, engine.NewPermanentError("invalid file name", err).WithCode(engine.ErrCodeValidation))
	}
	fp, err := m.fingerprint(ctx, clean)
	if err != nil {
		return failed(clean, err)
	}
	res := &Result{Path: clean, previousFingerprint: fp}

	existing, err := m.fs.ReadFile(ctx, clean)
	if errors.Is(err, fs.ErrNotExist) {
		if fp != nil {
			if err := m.store.DeleteFingerprint(ctx, clean); err != nil && !engine.IsNotFound(err) {
				res.Warnings = append(res.Warnings, fmt.Sprintf("failed to drop fingerprint: %v", err))
			}
		}
		res.Success = true
		res.Action = engine.ActionUnchanged
		return res
	}
	if err != nil {
		return failed(clean, classifyIOError("failed to read file", clean, err))
	}
	res.Existed = true
	res.Previous = existing

	if fp == nil {
		res.Action = engine.ActionRefused
		res.Err = engine.NewConflictError("refusing to delete a file this engine never wrote", nil).
			WithCode(engine.ErrCodeConflict).WithPath(clean).WithOperation("delete")
		return res
	}
	if fp.ContentHash != engine.HashContent(existing) {
		res.Action = engine.ActionRefused
		res.Err = engine.NewConflictError("refusing to delete a file modified since it was written", nil).
			WithCode(engine.ErrCodeHashMismatch).WithPath(clean).WithOperation("delete")
		return res
	}

	if err := m.fs.Remove(ctx, clean); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return failed(clean, classifyIOError("failed to delete file", clean, err))
	}
	if err := m.store.DeleteFingerprint(ctx, clean); err != nil && !engine.IsNotFound(err) {
		res.Warnings = append(res.Warnings, fmt.Sprintf("failed to drop fingerprint: %v", err))
	}
	m.logger.Info().Str("path", clean).Msg("Deleted managed file")
	res.Success = true
	res.Action = engine.ActionDeleted
	return res
}

// Revert undoes a successful write described by res: created files are
// removed, overwritten files get their previous content and fingerprint back.
func (m *Manager) Revert(ctx context.Context, res *Result) error {
	if res == nil || !res.Action.IsMutation() {
		return nil
	}
	if !res.Existed {
		if err := m.fs.Remove(ctx, res.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return classifyIOError("failed to remove file during rollback", res.Path, err)
		}
		if err := m.store.DeleteFingerprint(ctx, res.Path); err != nil && !engine.IsNotFound(err) {
			return fmt.Errorf("failed to drop fingerprint during rollback: %w", err)
		}
		return nil
	}

	if err := m.fs.WriteFile(ctx, res.Path, res.Previous); err != nil {
		return classifyIOError("failed to restore file during rollback", res.Path, err)
	}
	if res.previousFingerprint != nil {
		return m.store.SaveFingerprint(ctx, res.previousFingerprint)
	}
	if err := m.store.DeleteFingerprint(ctx, res.Path); err != nil && !engine.IsNotFound(err) {
		return fmt.Errorf("failed to drop fingerprint during rollback: %w", err)
	}
	return nil
}

// VerifyOwned reports whether name exists with the hash of our last write.
func (m *Manager) VerifyOwned(ctx context.Context, name string) bool {
	o, err := m.Ownership(ctx, name)
	return err == nil && o == OwnershipOurs
}

// Restore copies a backup over its original path. The fingerprint is dropped
// since the file belongs to the operator again.
func (m *Manager) Restore(ctx context.Context, backupID string) *Result {
	b, err := m.store.GetBackup(ctx, backupID)
	if err != nil {
		return failed("", err)
	}
	content, err := m.fs.ReadFile(ctx, b.BackupPath)
	if err != nil {
		return failed(b.Path, classifyIOError("failed to read backup", b.BackupPath, err))
	}
	if engine.HashContent(content) != b.ContentHash {
		return failed(b.Path, engine.NewConflictError("backup content no longer matches its recorded hash", nil).
			WithCode(engine.ErrCodeHashMismatch).WithPath(b.BackupPath))
	}

	res := &Result{Path: b.Path}
	if prev, err := m.fs.ReadFile(ctx, b.Path); err == nil {
		res.Existed = true
		res.Previous = prev
	}
	if err := m.fs.WriteFile(ctx, b.Path, content); err != nil {
		return failed(b.Path, classifyIOError("failed to restore backup", b.Path, err))
	}
	if err := m.store.DeleteFingerprint(ctx, b.Path); err != nil && !engine.IsNotFound(err) {
		res.Warnings = append(res.Warnings, fmt.Sprintf("failed to drop fingerprint: %v", err))
	}
	m.logger.Info().Str("path", b.Path).Str("backup_id", b.ID).Msg("Restored backup")
	res.Success = true
	res.Action = engine.ActionRestored
	m.record("restore", res)
	return res
}

// ResolveConflict settles a pending conflict. Accepting writes the proposed
// content after backing up the current file; dismissing leaves the file alone.
func (m *Manager) ResolveConflict(ctx context.Context, id string, accept bool) *Result {
	c, err := m.store.GetConflict(ctx, id)
	if err != nil {
		return failed("", err)
	}
	if c.Status != engine.ConflictPending {
		return failed(c.Path, engine.NewPermanentError(fmt.Sprintf("conflict %s is already %s", id, c.Status), nil).
			WithCode(engine.ErrCodeValidation).WithPath(c.Path))
	}

	res := &Result{Success: true, Path: c.Path, Action: engine.ActionUnchanged}
	status := engine.ConflictDismissed
	if accept {
		res = m.Create(ctx, c.Path, []byte(c.ProposedContent), engine.PolicyBackupThenOverwrite)
		if !res.Success {
			return res
		}
		status = engine.ConflictResolved
	}
	if err := m.store.UpdateConflictStatus(ctx, id, status); err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("failed to update conflict status: %v", err))
	}
	return res
}

// ListConflicts returns conflicts with the given status, or all when empty.
func (m *Manager) ListConflicts(ctx context.Context, status engine.ConflictStatus) ([]*engine.FileConflict, error) {
	return m.store.ListConflicts(ctx, status)
}

// ListBackups returns backups of path, or all when empty.
func (m *Manager) ListBackups(ctx context.Context, path string) ([]*engine.Backup, error) {
	return m.store.ListBackups(ctx, path)
}

func (m *Manager) write(ctx context.Context, res *Result, content []byte, action engine.FileAction) *Result {
	if err := m.fs.WriteFile(ctx, res.Path, content); err != nil {
		res.Action = engine.ActionFailed
		res.Err = classifyIOError("failed to write file", res.Path, err)
		return res
	}
	if err := m.saveFingerprint(ctx, res.Path, content, res.previousFingerprint); err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("failed to record fingerprint: %v", err))
	}
	m.logger.Debug().Str("path", res.Path).Str("action", string(action)).Msg("File written")
	res.Success = true
	res.Action = action
	return res
}

func (m *Manager) backup(ctx context.Context, name string, content []byte) (string, error) {
	now := m.now()
	id := uuid.New().String()
	backupPath := fmt.Sprintf("%s.%s-backup-%s-%s", name, MarkerTag, now.Format("20060102T150405Z"), id[:8])
	if err := m.fs.WriteFile(ctx, backupPath, content); err != nil {
		return "", classifyIOError("failed to write backup", backupPath, err)
	}
	b := &engine.Backup{
		ID:          id,
		Path:        name,
		BackupPath:  backupPath,
		ContentHash: engine.HashContent(content),
		CreatedAt:   now,
	}
	if err := m.store.SaveBackup(ctx, b); err != nil {
		return "", engine.NewPermanentError("failed to record backup", err).WithPath(name)
	}
	m.logger.Info().Str("path", name).Str("backup", backupPath).Msg("Backed up existing file")
	return id, nil
}

func (m *Manager) fingerprint(ctx context.Context, name string) (*engine.FileFingerprint, error) {
	fp, err := m.store.GetFingerprint(ctx, name)
	if err != nil {
		if engine.IsNotFound(err) {
			return nil, nil
		}
		return nil, engine.NewPermanentError("failed to load fingerprint", err).WithPath(name)
	}
	return fp, nil
}

func (m *Manager) saveFingerprint(ctx context.Context, name string, content []byte, prev *engine.FileFingerprint) error {
	now := m.now()
	fp := &engine.FileFingerprint{
		Path:        name,
		ContentHash: engine.HashContent(content),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if prev != nil {
		fp.CreatedAt = prev.CreatedAt
	}
	return m.store.SaveFingerprint(ctx, fp)
}

func (m *Manager) record(policy engine.OverwritePolicy, res *Result) {
	if m.recorder != nil && res != nil {
		m.recorder.RecordFileOperation(string(policy), string(res.Action))
	}
}

func failed(path string, err error) *Result {
	return &Result{Path: path, Action: engine.ActionFailed, Err: err}
}

// classifyIOError maps filesystem failures to actionable engine errors.
func classifyIOError(msg, path string, err error) *engine.EngineError {
	switch {
	case errors.Is(err, fs.ErrPermission) || os.IsPermission(err):
		return engine.NewPermanentError(msg+": permission denied", err).
			WithCode(engine.ErrCodePermissionDenied).WithPath(path)
	case errors.Is(err, fsys.ErrOutsideRoot):
		return engine.NewPermanentError(msg, err).WithCode(engine.ErrCodeValidation).WithPath(path)
	default:
		return engine.NewPermanentError(msg, err).WithCode(engine.ErrCodeInternal).WithPath(path)
	}
}
