package filesafety

import "testing"

func TestKindFor(t *testing.T) {
	tests := map[string]ContentKind{
		".well-known/ai-plugin.json": ContentAIPlugin,
		".well-known/mcp.json":       ContentMCP,
		"robots.txt":                 ContentRobots,
		"LLMS.TXT":                   ContentLLMs,
		".htaccess":                  ContentHtaccess,
		"web.config":                 ContentWebConfig,
		"index.html":                 ContentGeneric,
	}
	for name, want := range tests {
		if got := KindFor(name); got != want {
			t.Errorf("KindFor(%q): expected %s, got %s", name, want, got)
		}
	}
}

func TestRuleClassifier(t *testing.T) {
	c := NewRuleClassifier()

	tests := []struct {
		name     string
		kind     ContentKind
		content  string
		wantSafe bool
		wantRule string
	}{
		{"empty file", ContentRobots, "  \n", true, "empty"},
		{"allow all robots", ContentRobots, "User-agent: *\nAllow: /\n", true, "canonical-default"},
		{"commented default robots", ContentRobots, "# default\nuser-agent:*\ndisallow:\n", true, "canonical-default"},
		{"managed section only", ContentRobots, "# BEGIN aiready /robots.txt\nAllow: /\n# END aiready /robots.txt\n", true, "managed-section-only"},
		{"generated marker", ContentLLMs, "<!-- auto-generated -->\n# Site\n", true, "generated-marker"},
		{"empty json document", ContentMCP, "[]", true, "canonical-default"},
		{"small generated json", ContentAIPlugin, `{"schema_version":"v1","name_for_model":"x"}`, true, "small-generated"},
		{"hand written manifest", ContentAIPlugin, `{"name_for_human":"Ours","description_for_human":"Hand written"}`, false, "unrecognised"},
		{"operator robots policy", ContentRobots, "User-agent: *\nDisallow: /checkout\n", false, "unrecognised"},
		{"user paragraph", ContentLLMs, "# Acme\n\nAcme has made anvils since 1949.\n", false, "unrecognised"},
		{"robots default outside robots", ContentLLMs, "User-agent: *\nAllow: /\n", false, "unrecognised"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := c.Classify(tt.kind, []byte(tt.content))
			if v.Safe != tt.wantSafe {
				t.Errorf("Expected safe=%v, got %v (%s)", tt.wantSafe, v.Safe, v.Reason)
			}
			if v.Rule != tt.wantRule {
				t.Errorf("Expected rule %s, got %s", tt.wantRule, v.Rule)
			}
		})
	}
}

func TestCustomRules(t *testing.T) {
	c := NewRuleClassifier(Rule{
		Name:  "always",
		Kinds: []ContentKind{ContentGeneric},
		Match: func([]byte) bool { return true },
	})

	if v := c.Classify(ContentGeneric, []byte("anything")); !v.Safe || v.Rule != "always" {
		t.Errorf("Expected custom rule to match, got %+v", v)
	}
	if v := c.Classify(ContentRobots, []byte("")); v.Safe {
		t.Error("Expected rule to be limited to its kinds")
	}
}
