package filesafety

import (
	"bytes"
	"encoding/json"
	"path"
	"strings"
)

// ContentKind is the document family a file belongs to, derived from its name.
type ContentKind string

const (
	ContentAIPlugin  ContentKind = "ai-plugin"
	ContentMCP       ContentKind = "mcp"
	ContentRobots    ContentKind = "robots"
	ContentLLMs      ContentKind = "llms"
	ContentHtaccess  ContentKind = "htaccess"
	ContentWebConfig ContentKind = "web-config"
	ContentGeneric   ContentKind = "generic"
)

// KindFor returns the content kind of a file name.
func KindFor(name string) ContentKind {
	switch strings.ToLower(path.Base(name)) {
	case "ai-plugin.json":
		return ContentAIPlugin
	case "mcp.json", "mcp-servers.json":
		return ContentMCP
	case "robots.txt":
		return ContentRobots
	case "llms.txt", "llms-full.txt":
		return ContentLLMs
	case ".htaccess":
		return ContentHtaccess
	case "web.config":
		return ContentWebConfig
	default:
		return ContentGeneric
	}
}

// Verdict is the structured outcome of classifying existing content.
type Verdict struct {
	// Safe is true when the content may be overwritten.
	Safe bool `json:"safe"`

	// Rule names the rule that decided.
	Rule string `json:"rule"`

	// Reason explains the decision to the operator.
	Reason string `json:"reason"`
}

// Classifier decides whether existing content may be replaced.
type Classifier interface {
	Classify(kind ContentKind, content []byte) Verdict
}

// Rule is one named entry of a classification table.
type Rule struct {
	// Name identifies the rule in verdicts.
	Name string

	// Kinds limits the rule to some content kinds. Empty applies to all.
	Kinds []ContentKind

	// Reason is reported when the rule matches.
	Reason string

	// Match reports whether the rule applies to content.
	Match func(content []byte) bool
}

func (r Rule) appliesTo(kind ContentKind) bool {
	if len(r.Kinds) == 0 {
		return true
	}
	for _, k := range r.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// RuleClassifier evaluates safe rules in order. Content matching no rule is
// unsafe, so unknown content is never overwritten.
type RuleClassifier struct {
	rules []Rule
}

// NewRuleClassifier creates a classifier over rules. With no rules it uses DefaultRules.
func NewRuleClassifier(rules ...Rule) *RuleClassifier {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &RuleClassifier{rules: rules}
}

// Classify implements Classifier.
func (c *RuleClassifier) Classify(kind ContentKind, content []byte) Verdict {
	for _, r := range c.rules {
		if r.appliesTo(kind) && r.Match(content) {
			return Verdict{Safe: true, Rule: r.Name, Reason: r.Reason}
		}
	}
	return Verdict{
		Safe:   false,
		Rule:   "unrecognised",
		Reason: "existing content does not match any known generated or default form",
	}
}

// generatedMarkers are phrases tools put in files they produce.
var generatedMarkers = []string{
	"generated by",
	"auto-generated",
	"autogenerated",
	"do not edit",
	"managed by " + MarkerTag,
}

// robotsDefaults are canonical default robots.txt bodies, normalised.
var robotsDefaults = [][]string{
	{"user-agent: *", "disallow:"},
	{"user-agent: *", "allow: /"},
	{"user-agent: *", "disallow: /wp-admin/", "allow: /wp-admin/admin-ajax.php"},
}

// DefaultRules returns the built-in classification table.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:   "empty",
			Reason: "file is empty",
			Match: func(content []byte) bool {
				return len(bytes.TrimSpace(content)) == 0
			},
		},
		{
			Name:   "managed-section-only",
			Reason: "file only holds a section previously inserted by this engine",
			Match: func(content []byte) bool {
				s := string(content)
				return strings.Contains(s, "BEGIN "+MarkerTag) &&
					strings.TrimSpace(StripSections(s)) == ""
			},
		},
		{
			Name:   "generated-marker",
			Reason: "file carries a machine-generated marker",
			Match: func(content []byte) bool {
				lower := strings.ToLower(string(content))
				for _, m := range generatedMarkers {
					if strings.Contains(lower, m) {
						return true
					}
				}
				return false
			},
		},
		{
			Name:   "canonical-default",
			Kinds:  []ContentKind{ContentRobots},
			Reason: "file matches a canonical default robots policy",
			Match: func(content []byte) bool {
				lines := normaliseDirectives(string(content))
				for _, d := range robotsDefaults {
					if equalLines(lines, d) {
						return true
					}
				}
				return false
			},
		},
		{
			Name:   "canonical-default",
			Kinds:  []ContentKind{ContentAIPlugin, ContentMCP},
			Reason: "file is an empty JSON document",
			Match: func(content []byte) bool {
				t := string(bytes.TrimSpace(content))
				return t == "{}" || t == "[]" || t == "null"
			},
		},
		{
			Name:   "small-generated",
			Kinds:  []ContentKind{ContentAIPlugin, ContentMCP, ContentGeneric},
			Reason: "small JSON document carrying a generator or schema version field",
			Match: func(content []byte) bool {
				if len(content) >= 512 {
					return false
				}
				var doc map[string]interface{}
				if err := json.Unmarshal(content, &doc); err != nil {
					return false
				}
				_, gen := doc["generator"]
				_, schema := doc["schema_version"]
				return gen || schema
			},
		},
	}
}

// normaliseDirectives lowercases lines and drops blanks and comments.
func normaliseDirectives(content string) []string {
	var out []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.ToLower(strings.TrimSpace(line))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.Index(line, ":"); i >= 0 {
			line = strings.TrimSpace(line[:i]) + ": " + strings.TrimSpace(line[i+1:])
			line = strings.TrimSpace(line)
		}
		out = append(out, line)
	}
	return out
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
