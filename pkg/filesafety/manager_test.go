package filesafety

import (
	"context"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/kismet-tech/aiready/pkg/engine"
	"github.com/kismet-tech/aiready/pkg/fsys"
	"github.com/kismet-tech/aiready/pkg/stores"
)

type countingRecorder struct {
	calls []string
}

func (r *countingRecorder) RecordFileOperation(policy, action string) {
	r.calls = append(r.calls, policy+":"+action)
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *fsys.Local, *stores.MemoryStore) {
	t.Helper()
	root, err := fsys.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create root: %v", err)
	}
	store := stores.NewMemoryStore()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	opts = append([]Option{WithClock(func() time.Time { return clock })}, opts...)
	return NewManager(root, store, opts...), root, store
}

func writeForeign(t *testing.T, root *fsys.Local, name, content string) {
	t.Helper()
	if err := root.WriteFile(context.Background(), name, []byte(content)); err != nil {
		t.Fatalf("failed to seed %s: %v", name, err)
	}
}

func readFile(t *testing.T, root *fsys.Local, name string) string {
	t.Helper()
	b, err := root.ReadFile(context.Background(), name)
	if err != nil {
		t.Fatalf("failed to read %s: %v", name, err)
	}
	return string(b)
}

func TestCreateNewFile(t *testing.T) {
	m, root, store := newTestManager(t)
	ctx := context.Background()

	res := m.Create(ctx, ".well-known/ai-plugin.json", []byte(`{"a":1}`), engine.PolicyNeverOverwrite)
	if !res.Success {
		t.Fatalf("Expected success, got %v", res.Err)
	}
	if res.Action != engine.ActionCreated {
		t.Errorf("Expected action created, got %s", res.Action)
	}
	if got := readFile(t, root, ".well-known/ai-plugin.json"); got != `{"a":1}` {
		t.Errorf("Expected written content, got %q", got)
	}
	fp, err := store.GetFingerprint(ctx, ".well-known/ai-plugin.json")
	if err != nil {
		t.Fatalf("Expected fingerprint, got %v", err)
	}
	if fp.ContentHash != engine.HashContent([]byte(`{"a":1}`)) {
		t.Error("Expected fingerprint of written content")
	}
}

func TestCreateUpdatesOwnedFile(t *testing.T) {
	m, root, _ := newTestManager(t)
	ctx := context.Background()

	m.Create(ctx, "llms.txt", []byte("v1"), engine.PolicyNeverOverwrite)
	res := m.Create(ctx, "llms.txt", []byte("v2"), engine.PolicyNeverOverwrite)
	if !res.Success || res.Action != engine.ActionUpdated {
		t.Fatalf("Expected updated, got %s (%v)", res.Action, res.Err)
	}
	if got := readFile(t, root, "llms.txt"); got != "v2" {
		t.Errorf("Expected v2, got %q", got)
	}
}

func TestCreateIdenticalContentIsAdopted(t *testing.T) {
	m, root, _ := newTestManager(t)
	ctx := context.Background()
	writeForeign(t, root, "robots.txt", "same")

	res := m.Create(ctx, "robots.txt", []byte("same"), engine.PolicyNeverOverwrite)
	if !res.Success || res.Action != engine.ActionUnchanged {
		t.Fatalf("Expected unchanged, got %s (%v)", res.Action, res.Err)
	}
	if !m.VerifyOwned(ctx, "robots.txt") {
		t.Error("Expected identical file to be adopted")
	}
}

func TestNeverOverwriteRefusesForeignFile(t *testing.T) {
	m, root, _ := newTestManager(t)
	ctx := context.Background()
	writeForeign(t, root, ".well-known/ai-plugin.json", `{"name":"theirs"}`)

	res := m.Create(ctx, ".well-known/ai-plugin.json", []byte(`{"name":"ours"}`), engine.PolicyNeverOverwrite)
	if res.Success {
		t.Fatal("Expected refusal")
	}
	if res.Action != engine.ActionRefused {
		t.Errorf("Expected action refused, got %s", res.Action)
	}
	if !engine.IsConflict(res.Err) {
		t.Errorf("Expected conflict error, got %v", res.Err)
	}
	if got := readFile(t, root, ".well-known/ai-plugin.json"); got != `{"name":"theirs"}` {
		t.Errorf("Expected foreign content untouched, got %q", got)
	}
}

func TestBackupThenOverwrite(t *testing.T) {
	m, root, store := newTestManager(t)
	ctx := context.Background()
	writeForeign(t, root, "robots.txt", "User-agent: *\nDisallow: /private\n")

	res := m.Create(ctx, "robots.txt", []byte("new"), engine.PolicyBackupThenOverwrite)
	if !res.Success || res.Action != engine.ActionOverwritten {
		t.Fatalf("Expected overwritten, got %s (%v)", res.Action, res.Err)
	}
	if res.BackupID == "" {
		t.Fatal("Expected backup id")
	}

	b, err := store.GetBackup(ctx, res.BackupID)
	if err != nil {
		t.Fatalf("Expected backup record, got %v", err)
	}
	if !strings.HasPrefix(b.BackupPath, "robots.txt.aiready-backup-20260301T120000Z-") {
		t.Errorf("Unexpected backup path %s", b.BackupPath)
	}
	if got := readFile(t, root, b.BackupPath); got != "User-agent: *\nDisallow: /private\n" {
		t.Errorf("Expected original content in backup, got %q", got)
	}

	restored := m.Restore(ctx, res.BackupID)
	if !restored.Success || restored.Action != engine.ActionRestored {
		t.Fatalf("Expected restore, got %s (%v)", restored.Action, restored.Err)
	}
	if got := readFile(t, root, "robots.txt"); got != "User-agent: *\nDisallow: /private\n" {
		t.Errorf("Expected restored content, got %q", got)
	}
	if o, _ := m.Ownership(ctx, "robots.txt"); o != OwnershipForeign {
		t.Errorf("Expected restored file to be foreign, got %s", o)
	}
}

func TestRestoreRejectsTamperedBackup(t *testing.T) {
	m, root, _ := newTestManager(t)
	ctx := context.Background()
	writeForeign(t, root, "llms.txt", "original")

	res := m.Create(ctx, "llms.txt", []byte("new"), engine.PolicyBackupThenOverwrite)
	backups, _ := m.ListBackups(ctx, "llms.txt")
	if len(backups) != 1 {
		t.Fatalf("Expected 1 backup, got %d", len(backups))
	}
	writeForeign(t, root, backups[0].BackupPath, "tampered")

	restored := m.Restore(ctx, res.BackupID)
	if restored.Success {
		t.Fatal("Expected restore to fail")
	}
	if engine.ErrorCode(restored.Err) != engine.ErrCodeHashMismatch {
		t.Errorf("Expected hash mismatch, got %v", restored.Err)
	}
}

func TestContentAnalysis(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		existing string
		wantOK   bool
	}{
		{"default robots", "robots.txt", "User-agent: *\nDisallow:\n", true},
		{"generated marker", "llms.txt", "# Generated by SomeTool\n", true},
		{"empty json", ".well-known/ai-plugin.json", "{}", true},
		{"user policy", "robots.txt", "User-agent: *\nDisallow: /secret\n", false},
		{"user paragraph", "llms.txt", "# Our company\n\nWe build things by hand.\n", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, root, _ := newTestManager(t)
			writeForeign(t, root, tt.file, tt.existing)

			res := m.Create(context.Background(), tt.file, []byte("generated"), engine.PolicyContentAnalysis)
			if res.Success != tt.wantOK {
				t.Fatalf("Expected success=%v, got %v (%v)", tt.wantOK, res.Success, res.Err)
			}
			if res.Verdict == nil {
				t.Fatal("Expected verdict")
			}
			if !tt.wantOK {
				if got := readFile(t, root, tt.file); got != tt.existing {
					t.Errorf("Expected content untouched, got %q", got)
				}
			}
		})
	}
}

func TestDeferToOperator(t *testing.T) {
	m, root, _ := newTestManager(t)
	ctx := context.Background()

	m.Create(ctx, "robots.txt", []byte("ours"), engine.PolicyNeverOverwrite)
	writeForeign(t, root, "robots.txt", "ours\nhand edit\n")

	res := m.Create(ctx, "robots.txt", []byte("ours v2"), engine.PolicyDeferToOperator)
	if res.Success {
		t.Fatal("Expected deferral")
	}
	if res.Action != engine.ActionDeferred {
		t.Errorf("Expected deferred, got %s", res.Action)
	}
	if engine.ErrorCode(res.Err) != engine.ErrCodeDeferred {
		t.Errorf("Expected deferred code, got %v", res.Err)
	}

	pending, _ := m.ListConflicts(ctx, engine.ConflictPending)
	if len(pending) != 1 || pending[0].ID != res.ConflictID {
		t.Fatalf("Expected 1 pending conflict, got %v", pending)
	}
	if pending[0].Reason != "file changed since it was last written by this engine" {
		t.Errorf("Unexpected reason %q", pending[0].Reason)
	}

	resolved := m.ResolveConflict(ctx, res.ConflictID, true)
	if !resolved.Success {
		t.Fatalf("Expected resolution to succeed, got %v", resolved.Err)
	}
	if got := readFile(t, root, "robots.txt"); got != "ours v2" {
		t.Errorf("Expected proposed content, got %q", got)
	}
	if resolved.BackupID == "" {
		t.Error("Expected hand edit to be backed up")
	}

	again := m.ResolveConflict(ctx, res.ConflictID, false)
	if again.Success {
		t.Error("Expected second resolution to fail")
	}
}

func TestDismissConflictLeavesFile(t *testing.T) {
	m, root, store := newTestManager(t)
	ctx := context.Background()
	writeForeign(t, root, "llms.txt", "theirs")

	res := m.Create(ctx, "llms.txt", []byte("ours"), engine.PolicyDeferToOperator)
	dismissed := m.ResolveConflict(ctx, res.ConflictID, false)
	if !dismissed.Success || dismissed.Action != engine.ActionUnchanged {
		t.Fatalf("Expected dismissal, got %s (%v)", dismissed.Action, dismissed.Err)
	}
	if got := readFile(t, root, "llms.txt"); got != "theirs" {
		t.Errorf("Expected file untouched, got %q", got)
	}
	c, _ := store.GetConflict(ctx, res.ConflictID)
	if c.Status != engine.ConflictDismissed {
		t.Errorf("Expected dismissed status, got %s", c.Status)
	}
}

func TestDelete(t *testing.T) {
	m, root, _ := newTestManager(t)
	ctx := context.Background()

	t.Run("foreign file refused", func(t *testing.T) {
		writeForeign(t, root, "foreign.txt", "x")
		res := m.Delete(ctx, "foreign.txt")
		if res.Success || engine.ErrorCode(res.Err) != engine.ErrCodeConflict {
			t.Errorf("Expected conflict refusal, got %v", res.Err)
		}
	})

	t.Run("modified file refused", func(t *testing.T) {
		m.Create(ctx, "mine.txt", []byte("v1"), engine.PolicyNeverOverwrite)
		writeForeign(t, root, "mine.txt", "edited")
		res := m.Delete(ctx, "mine.txt")
		if res.Success || engine.ErrorCode(res.Err) != engine.ErrCodeHashMismatch {
			t.Errorf("Expected hash mismatch, got %v", res.Err)
		}
		if got := readFile(t, root, "mine.txt"); got != "edited" {
			t.Errorf("Expected edited file kept, got %q", got)
		}
	})

	t.Run("owned file deleted", func(t *testing.T) {
		m.Create(ctx, "owned.txt", []byte("v1"), engine.PolicyNeverOverwrite)
		res := m.Delete(ctx, "owned.txt")
		if !res.Success || res.Action != engine.ActionDeleted {
			t.Fatalf("Expected deleted, got %s (%v)", res.Action, res.Err)
		}
		exists, _ := root.Exists(ctx, "owned.txt")
		if exists {
			t.Error("Expected file removed")
		}
	})

	t.Run("missing file is a no-op", func(t *testing.T) {
		res := m.Delete(ctx, "never.txt")
		if !res.Success || res.Action != engine.ActionUnchanged {
			t.Errorf("Expected unchanged, got %s", res.Action)
		}
	})
}

func TestRevert(t *testing.T) {
	m, root, _ := newTestManager(t)
	ctx := context.Background()

	created := m.Create(ctx, "new.txt", []byte("x"), engine.PolicyNeverOverwrite)
	if err := m.Revert(ctx, created); err != nil {
		t.Fatalf("failed to revert create: %v", err)
	}
	if exists, _ := root.Exists(ctx, "new.txt"); exists {
		t.Error("Expected created file removed on revert")
	}

	writeForeign(t, root, "robots.txt", "theirs")
	overwritten := m.Create(ctx, "robots.txt", []byte("ours"), engine.PolicyBackupThenOverwrite)
	if err := m.Revert(ctx, overwritten); err != nil {
		t.Fatalf("failed to revert overwrite: %v", err)
	}
	if got := readFile(t, root, "robots.txt"); got != "theirs" {
		t.Errorf("Expected previous content, got %q", got)
	}
	if o, _ := m.Ownership(ctx, "robots.txt"); o != OwnershipForeign {
		t.Errorf("Expected foreign after revert, got %s", o)
	}

	refused := m.Create(ctx, "robots.txt", []byte("ours"), engine.PolicyNeverOverwrite)
	if err := m.Revert(ctx, refused); err != nil {
		t.Errorf("Expected revert of refusal to be a no-op, got %v", err)
	}
}

func TestUpdateAndRemoveSection(t *testing.T) {
	m, root, _ := newTestManager(t)
	ctx := context.Background()
	operator := "User-agent: *\nDisallow: /admin\n"
	writeForeign(t, root, "robots.txt", operator)

	section := NewSection("/robots.txt", "robots.txt")
	res := m.UpdateSection(ctx, "robots.txt", section, "User-agent: GPTBot\nAllow: /", "", "", engine.PolicyBackupThenOverwrite)
	if !res.Success {
		t.Fatalf("Expected section insert, got %v", res.Err)
	}
	got := readFile(t, root, "robots.txt")
	if !strings.HasPrefix(got, operator) {
		t.Errorf("Expected operator content preserved, got %q", got)
	}
	if body, ok := section.Extract(got); !ok || body != "User-agent: GPTBot\nAllow: /" {
		t.Errorf("Expected section body, got %q", body)
	}

	removed := m.RemoveSection(ctx, "robots.txt", section)
	if !removed.Success {
		t.Fatalf("Expected removal, got %v", removed.Err)
	}
	if got := readFile(t, root, "robots.txt"); got != operator {
		t.Errorf("Expected operator content restored, got %q", got)
	}
}

func TestRemoveSectionDeletesEmptyOwnedFile(t *testing.T) {
	m, root, _ := newTestManager(t)
	ctx := context.Background()

	section := NewSection("/x", "web.config")
	skeleton := "<configuration>\n</configuration>\n"
	res := m.UpdateSection(ctx, ".htaccess", NewSection("/x", ".htaccess"), "Header set X 1", "", "", engine.PolicyBackupThenOverwrite)
	if !res.Success {
		t.Fatalf("Expected create, got %v", res.Err)
	}
	removed := m.RemoveSection(ctx, ".htaccess", NewSection("/x", ".htaccess"))
	if !removed.Success || removed.Action != engine.ActionDeleted {
		t.Errorf("Expected empty owned file deleted, got %s", removed.Action)
	}

	res = m.UpdateSection(ctx, "web.config", section, "<location/>", "</configuration>", skeleton, engine.PolicyBackupThenOverwrite)
	if !res.Success {
		t.Fatalf("Expected web.config create, got %v", res.Err)
	}
	got := readFile(t, root, "web.config")
	if !strings.HasSuffix(got, "</configuration>\n") || !strings.Contains(got, "<!-- BEGIN aiready /x -->") {
		t.Errorf("Expected section inside configuration, got %q", got)
	}
}

func TestRecorderReceivesOutcomes(t *testing.T) {
	rec := &countingRecorder{}
	m, _, _ := newTestManager(t, WithRecorder(rec))

	m.Create(context.Background(), "a.txt", []byte("x"), engine.PolicyNeverOverwrite)
	if len(rec.calls) != 1 || rec.calls[0] != "never_overwrite:created" {
		t.Errorf("Expected one recorded create, got %v", rec.calls)
	}
}

type deniedFS struct {
	engine.FileSystem
}

func (deniedFS) ReadFile(context.Context, string) ([]byte, error) {
	return nil, fs.ErrNotExist
}

func (deniedFS) WriteFile(context.Context, string, []byte) error {
	return &fs.PathError{Op: "open", Path: "x", Err: fs.ErrPermission}
}

func TestPermissionDenied(t *testing.T) {
	m := NewManager(deniedFS{}, stores.NewMemoryStore())

	res := m.Create(context.Background(), "robots.txt", []byte("x"), engine.PolicyNeverOverwrite)
	if res.Success {
		t.Fatal("Expected failure")
	}
	if engine.ErrorCode(res.Err) != engine.ErrCodePermissionDenied {
		t.Errorf("Expected permission denied, got %v", res.Err)
	}
}

func TestInvalidName(t *testing.T) {
	m, _, _ := newTestManager(t)
	res := m.Create(context.Background(), "../escape", []byte("x"), engine.PolicyNeverOverwrite)
	if res.Success || engine.ErrorCode(res.Err) != engine.ErrCodeValidation {
		t.Errorf("Expected validation error, got %v", res.Err)
	}
}
