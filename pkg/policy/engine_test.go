package policy

import (
	"context"
	"strings"
	"testing"

	"github.com/kismet-tech/aiready/pkg/engine"
	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func manifestDescriptor() *engine.EndpointDescriptor {
	return &engine.EndpointDescriptor{
		Path:         "/.well-known/ai-plugin.json",
		ContentType:  "application/json",
		CORSRequired: true,
		Generator:    func(context.Context) (string, error) { return "{}", nil },
	}
}

var (
	directWithAux = engine.Strategy{
		ID:     engine.StrategyDirectFileServe,
		Blocks: []engine.BlockID{engine.BlockCreateFile, engine.BlockAddServerConfig},
	}
	fileWrite = engine.Strategy{
		ID:     engine.StrategyFileWrite,
		Blocks: []engine.BlockID{engine.BlockCreateFile},
	}
	routing = engine.Strategy{
		ID:     engine.StrategyApplicationRouting,
		Blocks: []engine.BlockID{engine.BlockAddApplicationRoute},
	}
)

var apacheReport = &engine.CapabilityReport{
	SupportsDirectFileServe:       true,
	SupportsApplicationRouting:    true,
	SupportsAuxiliaryServerConfig: true,
	CanWriteFilesystem:            true,
	ServerFamily:                  engine.ServerApache,
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	if len(policies) != 3 {
		t.Fatalf("Expected 3 built-in policies, got %d", len(policies))
	}
	for _, p := range policies {
		if p.Enabled {
			t.Errorf("Expected built-in policy %s to be disabled", p.Name)
		}
		if p.LoadedAt.IsZero() {
			t.Errorf("Expected LoadedAt to be set for %s", p.Name)
		}
	}
}

func TestAdmitWithoutEnabledPolicies(t *testing.T) {
	eng := newTestEngine(t)

	decisions, err := eng.Admit(context.Background(), manifestDescriptor(), apacheReport,
		[]engine.Strategy{directWithAux, fileWrite, routing})
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if len(decisions) != 3 {
		t.Fatalf("Expected 3 decisions, got %d", len(decisions))
	}
	for _, d := range decisions {
		if !d.Allowed {
			t.Errorf("Expected %s to be allowed", d.StrategyID)
		}
		if len(d.EvaluatedPolicies) != 0 {
			t.Errorf("Expected no evaluated policies, got %v", d.EvaluatedPolicies)
		}
	}
}

func TestBuiltinPolicies(t *testing.T) {
	tests := []struct {
		name    string
		policy  string
		allowed map[engine.StrategyID]bool
	}{
		{
			name:   "forbid server config",
			policy: ForbidServerConfig,
			allowed: map[engine.StrategyID]bool{
				engine.StrategyDirectFileServe:    false,
				engine.StrategyFileWrite:          true,
				engine.StrategyApplicationRouting: true,
			},
		},
		{
			name:   "forbid filesystem writes",
			policy: ForbidFilesystemWrites,
			allowed: map[engine.StrategyID]bool{
				engine.StrategyDirectFileServe:    false,
				engine.StrategyFileWrite:          false,
				engine.StrategyApplicationRouting: true,
			},
		},
		{
			name:   "warn uncached direct",
			policy: WarnUncachedDirect,
			allowed: map[engine.StrategyID]bool{
				engine.StrategyDirectFileServe:    true,
				engine.StrategyFileWrite:          true,
				engine.StrategyApplicationRouting: true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newTestEngine(t)
			if err := eng.EnablePolicy(tt.policy); err != nil {
				t.Fatalf("EnablePolicy failed: %v", err)
			}

			decisions, err := eng.Admit(context.Background(), manifestDescriptor(), apacheReport,
				[]engine.Strategy{directWithAux, fileWrite, routing})
			if err != nil {
				t.Fatalf("Admit failed: %v", err)
			}
			for _, d := range decisions {
				if d.Allowed != tt.allowed[d.StrategyID] {
					t.Errorf("Expected allowed=%t for %s, got %t (%s)",
						tt.allowed[d.StrategyID], d.StrategyID, d.Allowed, d.Reason())
				}
				if !d.Allowed && !strings.Contains(d.Reason(), tt.policy) {
					t.Errorf("Expected reason to name %s, got %q", tt.policy, d.Reason())
				}
			}
		})
	}
}

func TestWarningDoesNotBlock(t *testing.T) {
	eng := newTestEngine(t)
	if err := eng.EnablePolicy(WarnUncachedDirect); err != nil {
		t.Fatalf("EnablePolicy failed: %v", err)
	}

	decisions, err := eng.Admit(context.Background(), manifestDescriptor(), apacheReport, []engine.Strategy{fileWrite})
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	d := decisions[0]
	if !d.Allowed {
		t.Fatalf("Expected strategy to be allowed, got %s", d.Reason())
	}
	if len(d.Warnings) != 1 {
		t.Fatalf("Expected 1 warning, got %d", len(d.Warnings))
	}
	if d.Warnings[0].Severity != SeverityWarning {
		t.Errorf("Expected warning severity, got %s", d.Warnings[0].Severity)
	}

	cached := manifestDescriptor()
	cached.CacheControl = "max-age=60"
	decisions, err = eng.Admit(context.Background(), cached, apacheReport, []engine.Strategy{fileWrite})
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if len(decisions[0].Warnings) != 0 {
		t.Errorf("Expected no warning with Cache-Control set, got %v", decisions[0].Warnings)
	}
}

func TestAddPolicy(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	err := eng.AddPolicy(ctx, Policy{
		Name:    "no-llms-file",
		Enabled: true,
		Rego: `package custom.llms

import rego.v1

deny contains msg if {
	input.endpoint.path == "/llms.txt"
	input.strategy.writes_filesystem
	msg := "llms.txt must be routed"
}`,
	})
	if err != nil {
		t.Fatalf("AddPolicy failed: %v", err)
	}

	p, err := eng.GetPolicy("no-llms-file")
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	if p.Severity != SeverityError {
		t.Errorf("Expected default severity error, got %s", p.Severity)
	}

	llms := &engine.EndpointDescriptor{
		Path:        "/llms.txt",
		ContentType: "text/plain",
		Generator:   func(context.Context) (string, error) { return "# site", nil },
	}
	decisions, err := eng.Admit(ctx, llms, apacheReport, []engine.Strategy{fileWrite, routing})
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if decisions[0].Allowed {
		t.Error("Expected file-write to be denied")
	}
	if decisions[0].Reason() != "no-llms-file: llms.txt must be routed" {
		t.Errorf("Unexpected reason %q", decisions[0].Reason())
	}
	if !decisions[1].Allowed {
		t.Error("Expected routing to be allowed")
	}
}

func TestAddPolicyInvalid(t *testing.T) {
	eng := newTestEngine(t)

	err := eng.AddPolicy(context.Background(), Policy{Name: "broken", Rego: "package broken\n\ndeny contains"})
	if err == nil {
		t.Fatal("Expected compile error")
	}
	if engine.ErrorCode(err) != engine.ErrCodeValidation {
		t.Errorf("Expected %s, got %s", engine.ErrCodeValidation, engine.ErrorCode(err))
	}

	if err := eng.AddPolicy(context.Background(), Policy{Rego: "package x"}); err == nil {
		t.Error("Expected error for missing name")
	}
}

func TestEnableDisableUnknown(t *testing.T) {
	eng := newTestEngine(t)
	if err := eng.EnablePolicy("missing"); !engine.IsNotFound(err) {
		t.Errorf("Expected not found, got %v", err)
	}
	if _, err := eng.GetPolicy("missing"); !engine.IsNotFound(err) {
		t.Errorf("Expected not found, got %v", err)
	}

	if err := eng.EnablePolicy(ForbidServerConfig); err != nil {
		t.Fatalf("EnablePolicy failed: %v", err)
	}
	if err := eng.DisablePolicy(ForbidServerConfig); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}
	p, _ := eng.GetPolicy(ForbidServerConfig)
	if p.Enabled {
		t.Error("Expected policy to be disabled")
	}
}

func TestReplaceLoadedKeepsBuiltins(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	loaded := []Policy{{
		Name:     "from-file",
		Rego:     "package custom.one\n\nimport rego.v1\n\ndeny contains \"x\" if { false }",
		Severity: SeverityError,
		Enabled:  true,
		Source:   "/etc/aiready/policies/from-file.rego",
	}}
	if err := eng.ReplaceLoaded(ctx, loaded); err != nil {
		t.Fatalf("ReplaceLoaded failed: %v", err)
	}
	if len(eng.ListPolicies()) != 4 {
		t.Fatalf("Expected 4 policies, got %d", len(eng.ListPolicies()))
	}

	if err := eng.ReplaceLoaded(ctx, nil); err != nil {
		t.Fatalf("ReplaceLoaded failed: %v", err)
	}
	if len(eng.ListPolicies()) != 3 {
		t.Errorf("Expected only built-ins to remain, got %d", len(eng.ListPolicies()))
	}
}

func TestNewInput(t *testing.T) {
	robots := &engine.EndpointDescriptor{
		Path:                     "robots.txt",
		ContentType:              "text/plain",
		AllowInPlaceModification: true,
	}
	s := engine.Strategy{ID: engine.StrategyModifyInPlace, Blocks: []engine.BlockID{engine.BlockModifyExistingFile}}

	in := NewInput(robots, s, nil, "production")
	if in.Endpoint.Path != "/robots.txt" {
		t.Errorf("Expected normalized path, got %s", in.Endpoint.Path)
	}
	if in.Endpoint.Kind != string(engine.KindAppendOnlyPolicy) {
		t.Errorf("Expected append-only kind, got %s", in.Endpoint.Kind)
	}
	if !in.Strategy.WritesFilesystem || in.Strategy.RoutesApplication {
		t.Errorf("Unexpected strategy flags: %+v", in.Strategy)
	}
	if in.Report != nil {
		t.Error("Expected no report input")
	}
	if in.Context.Environment != "production" {
		t.Errorf("Expected environment production, got %s", in.Context.Environment)
	}
}

func TestExtractPackageName(t *testing.T) {
	tests := []struct {
		rego string
		want string
	}{
		{"package a.b.c\n\ndeny := []", "a.b.c"},
		{"# comment\n  package spaced\n", "spaced"},
		{"deny := []", defaultPackage},
	}
	for _, tt := range tests {
		if got := extractPackageName(tt.rego); got != tt.want {
			t.Errorf("Expected %s, got %s", tt.want, got)
		}
	}
}
