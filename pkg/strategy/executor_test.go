package strategy

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kismet-tech/aiready/pkg/engine"
	"github.com/kismet-tech/aiready/pkg/filesafety"
	"github.com/kismet-tech/aiready/pkg/fsys"
	"github.com/kismet-tech/aiready/pkg/router"
	"github.com/kismet-tech/aiready/pkg/stores"
)

type fixture struct {
	root     *fsys.Local
	store    *stores.MemoryStore
	files    *filesafety.Manager
	routes   *router.Table
	executor *Executor
	recorder *fakeRecorder
}

type fakeRecorder struct {
	attempts []string
}

func (f *fakeRecorder) RecordStrategyAttempt(strategy string, success, rolledBack bool, _ time.Duration) {
	outcome := "failed"
	if success {
		outcome = "succeeded"
	}
	if rolledBack {
		outcome += "+rolled_back"
	}
	f.attempts = append(f.attempts, strategy+":"+outcome)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root, err := fsys.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create document root: %v", err)
	}
	store := stores.NewMemoryStore()
	files := filesafety.NewManager(root, store)
	routes := router.NewTable(router.WithFileSystem(root))
	rec := &fakeRecorder{}
	return &fixture{
		root:     root,
		store:    store,
		files:    files,
		routes:   routes,
		executor: NewExecutor(files, routes, store, WithRecorder(rec)),
		recorder: rec,
	}
}

func (f *fixture) read(t *testing.T, name string) string {
	t.Helper()
	data, err := f.root.ReadFile(context.Background(), name)
	if err != nil {
		t.Fatalf("failed to read %s: %v", name, err)
	}
	return string(data)
}

func (f *fixture) exists(t *testing.T, name string) bool {
	t.Helper()
	ok, err := f.root.Exists(context.Background(), name)
	if err != nil {
		t.Fatalf("failed to stat %s: %v", name, err)
	}
	return ok
}

var apacheReport = &engine.CapabilityReport{
	SupportsDirectFileServe:       true,
	SupportsApplicationRouting:    true,
	SupportsAuxiliaryServerConfig: true,
	CanWriteFilesystem:            true,
	ServerFamily:                  engine.ServerApache,
}

func TestExecuteDirectFileServeWithServerConfig(t *testing.T) {
	f := newFixture(t)
	desc := manifest(true)
	strategy := OrderedStrategies(desc, apacheReport, engine.Preferences{})[0]

	res := f.executor.Execute(context.Background(), strategy, desc, apacheReport)
	if !res.Success {
		t.Fatalf("Expected success, got %v", res.Err)
	}
	if got := f.read(t, ".well-known/ai-plugin.json"); got != "{}" {
		t.Errorf("Expected file body {}, got %q", got)
	}
	htaccess := f.read(t, ".htaccess")
	if !strings.Contains(htaccess, "# BEGIN aiready /.well-known/ai-plugin.json") {
		t.Errorf("Expected managed section in .htaccess, got %q", htaccess)
	}
	if len(res.Artifacts) != 2 {
		t.Fatalf("Expected 2 artifacts, got %d", len(res.Artifacts))
	}
	if res.Artifacts[0].Kind != engine.ArtifactFile || res.Artifacts[1].Kind != engine.ArtifactSection {
		t.Errorf("Expected file and section artifacts, got %+v", res.Artifacts)
	}
	if len(res.Blocks) != 2 || res.Blocks[0].Action != engine.ActionCreated {
		t.Errorf("Expected created file outcome, got %+v", res.Blocks)
	}
	if len(f.routes.Paths()) != 0 {
		t.Error("Expected no routes for direct file serve")
	}
}

func TestUndoRevertsSuccessfulRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.root.WriteFile(ctx, ".htaccess", []byte("Options -Indexes\n")); err != nil {
		t.Fatalf("failed to seed .htaccess: %v", err)
	}
	desc := manifest(true)
	strategy := OrderedStrategies(desc, apacheReport, engine.Preferences{})[0]

	res := f.executor.Execute(ctx, strategy, desc, apacheReport)
	if !res.Success {
		t.Fatalf("Expected success, got %v", res.Err)
	}
	if errs := f.executor.Undo(ctx, res); len(errs) != 0 {
		t.Fatalf("Undo failed: %v", errs)
	}
	if res.Success || !res.RolledBack || len(res.Artifacts) != 0 {
		t.Errorf("Expected an undone result, got %+v", res)
	}
	if f.exists(t, ".well-known/ai-plugin.json") {
		t.Error("Expected the created file to be removed")
	}
	if got := f.read(t, ".htaccess"); got != "Options -Indexes\n" {
		t.Errorf("Expected .htaccess restored, got %q", got)
	}
	if errs := f.executor.Undo(ctx, res); errs != nil {
		t.Errorf("Expected a second Undo to do nothing, got %v", errs)
	}
}

func TestExecutePanickingGenerator(t *testing.T) {
	f := newFixture(t)
	desc := manifest(false)
	desc.Generator = func(context.Context) (string, error) { panic("boom") }
	strategy := OrderedStrategies(desc, apacheReport, engine.Preferences{})[0]

	res := f.executor.Execute(context.Background(), strategy, desc, apacheReport)
	if res.Success {
		t.Fatal("Expected failure")
	}
	if engine.ErrorCode(res.Err) != engine.ErrCodeStrategyFailed {
		t.Errorf("Expected %s, got %v", engine.ErrCodeStrategyFailed, res.Err)
	}
	if f.exists(t, ".well-known/ai-plugin.json") {
		t.Error("Expected no file to be written")
	}
}

func TestExecuteRollsBackOnFailure(t *testing.T) {
	f := newFixture(t)
	desc := manifest(true)
	// The report claims aux support but names no server with per-directory config.
	report := &engine.CapabilityReport{
		SupportsDirectFileServe:       true,
		SupportsAuxiliaryServerConfig: true,
		CanWriteFilesystem:            true,
		ServerFamily:                  engine.ServerNginx,
	}
	strategy := engine.Strategy{
		ID:     engine.StrategyDirectFileServe,
		Blocks: []engine.BlockID{engine.BlockCreateFile, engine.BlockAddServerConfig},
	}

	res := f.executor.Execute(context.Background(), strategy, desc, report)
	if res.Success {
		t.Fatal("Expected failure")
	}
	if !res.RolledBack {
		t.Error("Expected rollback")
	}
	if len(res.RollbackErrors) != 0 {
		t.Errorf("Expected clean rollback, got %v", res.RollbackErrors)
	}
	if f.exists(t, ".well-known/ai-plugin.json") {
		t.Error("Expected created file to be removed by compensation")
	}
	if _, err := f.store.GetFingerprint(context.Background(), ".well-known/ai-plugin.json"); !engine.IsNotFound(err) {
		t.Errorf("Expected fingerprint to be dropped, got %v", err)
	}
	if len(res.Artifacts) != 0 {
		t.Errorf("Expected no artifacts after rollback, got %+v", res.Artifacts)
	}
	if len(f.recorder.attempts) != 1 || f.recorder.attempts[0] != "direct-file-serve:failed+rolled_back" {
		t.Errorf("Expected recorded rollback, got %v", f.recorder.attempts)
	}
}

func TestRouteCompensationRestoresPrevious(t *testing.T) {
	f := newFixture(t)
	desc := manifest(true)
	previous := engine.Route{Descriptor: manifest(false)}
	if err := f.routes.Add(previous); err != nil {
		t.Fatalf("failed to seed route: %v", err)
	}

	strategy := engine.Strategy{
		ID:     engine.StrategyApplicationRouting,
		Blocks: []engine.BlockID{engine.BlockAddApplicationRoute, engine.BlockAddServerConfig},
	}
	res := f.executor.Execute(context.Background(), strategy, desc, &engine.CapabilityReport{ServerFamily: engine.ServerUnknown})
	if res.Success {
		t.Fatal("Expected failure")
	}
	route, ok := f.routes.Lookup(desc.Path)
	if !ok {
		t.Fatal("Expected previous route to be restored")
	}
	if route.Descriptor.CORSRequired {
		t.Error("Expected the previous descriptor, got the new one")
	}
}

func TestSuggestionCompensation(t *testing.T) {
	f := newFixture(t)
	desc := manifest(true)
	strategy := engine.Strategy{
		ID:     engine.StrategyDirectFileServe,
		Blocks: []engine.BlockID{engine.BlockSuggestManualConfig, engine.BlockAddServerConfig},
	}
	report := &engine.CapabilityReport{ServerFamily: engine.ServerNginx}

	res := f.executor.Execute(context.Background(), strategy, desc, report)
	if res.Success {
		t.Fatal("Expected failure")
	}
	list, err := f.store.ListSuggestions(context.Background(), desc.Key())
	if err != nil {
		t.Fatalf("ListSuggestions failed: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("Expected suggestion to be removed, got %d", len(list))
	}
}

func TestSuggestManualConfig(t *testing.T) {
	f := newFixture(t)
	desc := manifest(true)
	report := &engine.CapabilityReport{
		SupportsDirectFileServe: true,
		CanWriteFilesystem:      true,
		ServerFamily:            engine.ServerNginx,
	}
	strategy := OrderedStrategies(desc, report, engine.Preferences{})[0]

	res := f.executor.Execute(context.Background(), strategy, desc, report)
	if !res.Success {
		t.Fatalf("Expected success, got %v", res.Err)
	}
	list, _ := f.store.ListSuggestions(context.Background(), desc.Key())
	if len(list) != 1 {
		t.Fatalf("Expected 1 suggestion, got %d", len(list))
	}
	if !strings.Contains(list[0].Snippet, "location = /.well-known/ai-plugin.json") {
		t.Errorf("Expected nginx snippet, got %q", list[0].Snippet)
	}
	if f.exists(t, ".htaccess") {
		t.Error("Expected no server config to be written")
	}
}

func TestModifyInPlacePreservesOperatorContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	operator := "User-agent: *\nDisallow: /admin\n"
	if err := f.root.WriteFile(ctx, "robots.txt", []byte(operator)); err != nil {
		t.Fatalf("failed to seed robots.txt: %v", err)
	}

	desc := robots()
	strategy := OrderedStrategies(desc, apacheReport, engine.Preferences{})[0]
	res := f.executor.Execute(ctx, strategy, desc, apacheReport)
	if !res.Success {
		t.Fatalf("Expected success, got %v", res.Err)
	}

	got := f.read(t, "robots.txt")
	if !strings.HasPrefix(got, operator) {
		t.Errorf("Expected operator content preserved, got %q", got)
	}
	if !strings.Contains(got, "User-agent: GPTBot") {
		t.Errorf("Expected managed section, got %q", got)
	}
	backups, _ := f.store.ListBackups(ctx, "robots.txt")
	if len(backups) != 1 {
		t.Errorf("Expected a backup of the operator file, got %d", len(backups))
	}

	// Registering again is a no-op on disk.
	res = f.executor.Execute(ctx, strategy, desc, apacheReport)
	if !res.Success || res.Blocks[0].Action != engine.ActionUnchanged {
		t.Errorf("Expected unchanged second run, got %+v", res.Blocks)
	}
}

func TestModifyInPlaceDefersAfterHandEdit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	desc := robots()
	strategy := OrderedStrategies(desc, apacheReport, engine.Preferences{})[0]

	if res := f.executor.Execute(ctx, strategy, desc, apacheReport); !res.Success {
		t.Fatalf("Expected first run to succeed, got %v", res.Err)
	}
	edited := f.read(t, "robots.txt") + "Disallow: /private\n"
	if err := f.root.WriteFile(ctx, "robots.txt", []byte(edited)); err != nil {
		t.Fatalf("failed to hand edit: %v", err)
	}

	desc.Generator = func(context.Context) (string, error) { return "User-agent: GPTBot\nDisallow: /", nil }
	res := f.executor.Execute(ctx, strategy, desc, apacheReport)
	if res.Success {
		t.Fatal("Expected deferral to fail the strategy")
	}
	if engine.ErrorCode(res.Err) != engine.ErrCodeDeferred {
		t.Errorf("Expected %s, got %s", engine.ErrCodeDeferred, engine.ErrorCode(res.Err))
	}
	if len(res.ConflictIDs) != 1 {
		t.Fatalf("Expected 1 conflict, got %v", res.ConflictIDs)
	}
	if got := f.read(t, "robots.txt"); got != edited {
		t.Errorf("Expected hand edit untouched, got %q", got)
	}
}

func TestCreateFileRefusedForAppendOnly(t *testing.T) {
	f := newFixture(t)
	strategy := engine.Strategy{ID: engine.StrategyFileWrite, Blocks: []engine.BlockID{engine.BlockCreateFile}}

	res := f.executor.Execute(context.Background(), strategy, robots(), apacheReport)
	if res.Success {
		t.Fatal("Expected create-file to be refused")
	}
	if engine.ErrorCode(res.Err) != engine.ErrCodePolicyDenied {
		t.Errorf("Expected %s, got %s", engine.ErrCodePolicyDenied, engine.ErrorCode(res.Err))
	}
	if f.exists(t, "robots.txt") {
		t.Error("Expected no file to be written")
	}
}

func TestCreateFileRefusesForeignContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	foreign := `{"schema_version":"v1","name_for_human":"Operator plugin","description_for_model":"hand written"}`
	if err := f.root.WriteFile(ctx, ".well-known/ai-plugin.json", []byte(foreign+strings.Repeat(" ", 600))); err != nil {
		t.Fatalf("failed to seed manifest: %v", err)
	}

	strategy := engine.Strategy{ID: engine.StrategyFileWrite, Blocks: []engine.BlockID{engine.BlockCreateFile}}
	res := f.executor.Execute(ctx, strategy, manifest(false), apacheReport)
	if res.Success {
		t.Fatal("Expected refusal")
	}
	if res.Blocks[0].Action != engine.ActionRefused {
		t.Errorf("Expected refused action, got %s", res.Blocks[0].Action)
	}
	if !engine.IsConflict(res.Err) {
		t.Errorf("Expected conflict error, got %v", res.Err)
	}
}

func TestApplicationRoutingNeverWritesFiles(t *testing.T) {
	f := newFixture(t)
	desc := manifest(true)
	report := &engine.CapabilityReport{SupportsApplicationRouting: true}
	list := OrderedStrategies(desc, report, engine.Preferences{})
	if len(list) != 1 {
		t.Fatalf("Expected routing as the only strategy, got %v", ids(list))
	}

	res := f.executor.Execute(context.Background(), list[0], desc, report)
	if !res.Success {
		t.Fatalf("Expected success, got %v", res.Err)
	}
	if f.exists(t, ".well-known/ai-plugin.json") {
		t.Error("Expected no file write")
	}
	fps, _ := f.store.ListFingerprints(context.Background())
	if len(fps) != 0 {
		t.Errorf("Expected no fingerprints, got %d", len(fps))
	}
	if _, ok := f.routes.Lookup(desc.Path); !ok {
		t.Error("Expected route to be installed")
	}
}

func TestExecuteGeneratorError(t *testing.T) {
	f := newFixture(t)
	desc := manifest(false)
	desc.Generator = func(context.Context) (string, error) { return "", errors.New("template missing") }

	res := f.executor.Execute(context.Background(), routingFallback(), desc, nil)
	if res.Success {
		t.Fatal("Expected failure")
	}
	if len(res.Blocks) != 0 {
		t.Errorf("Expected no blocks to run, got %d", len(res.Blocks))
	}
	if !strings.Contains(res.Err.Error(), "template missing") {
		t.Errorf("Expected generator error, got %v", res.Err)
	}
}

func TestExecuteUnknownBlock(t *testing.T) {
	f := newFixture(t)
	res := f.executor.Execute(context.Background(), engine.Strategy{ID: "custom", Blocks: []engine.BlockID{"teleport"}}, manifest(false), nil)
	if res.Success {
		t.Fatal("Expected failure for unknown block")
	}
	if attempt := res.Attempt(); attempt.Error == "" || attempt.Success {
		t.Errorf("Expected failed attempt summary, got %+v", attempt)
	}
}
