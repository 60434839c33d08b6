package policy

import (
	"strings"
	"time"

	"github.com/kismet-tech/aiready/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but never blocks a strategy.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the strategy.
	SeverityError Severity = "error"

	// SeverityCritical blocks the strategy.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity denies a strategy.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego admission rule. Its package must define a `deny` set whose
// members are strings or objects with "message" and optional "severity".
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`

	// LoadedAt is when the policy was compiled.
	LoadedAt time.Time `json:"loaded_at"`
}

// Violation is a single deny result.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Decision is the admission outcome for one candidate strategy.
type Decision struct {
	// StrategyID is the strategy that was evaluated.
	StrategyID engine.StrategyID `json:"strategy_id"`

	// Allowed is false when any blocking violation was raised.
	Allowed bool `json:"allowed"`

	// Violations are the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings are non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the policies that ran.
	EvaluatedPolicies []string `json:"evaluated_policies,omitempty"`
}

// Reason joins the blocking violation messages.
func (d Decision) Reason() string {
	msgs := make([]string, 0, len(d.Violations))
	for _, v := range d.Violations {
		msgs = append(msgs, v.Policy+": "+v.Message)
	}
	return strings.Join(msgs, "; ")
}

// Input is the document a policy sees as `input`.
type Input struct {
	Endpoint EndpointInput `json:"endpoint"`
	Strategy StrategyInput `json:"strategy"`
	Report   *ReportInput  `json:"report,omitempty"`
	Context  ContextInput  `json:"context"`
}

// EndpointInput describes the endpoint being registered.
type EndpointInput struct {
	Path                     string `json:"path"`
	Kind                     string `json:"kind"`
	ContentType              string `json:"content_type"`
	CORSRequired             bool   `json:"cors_required"`
	CacheControl             string `json:"cache_control,omitempty"`
	AllowInPlaceModification bool   `json:"allow_in_place_modification"`
}

// StrategyInput describes the candidate strategy.
type StrategyInput struct {
	ID                string   `json:"id"`
	Blocks            []string `json:"blocks"`
	WritesFilesystem  bool     `json:"writes_filesystem"`
	RoutesApplication bool     `json:"routes_application"`
}

// ReportInput mirrors the capability report.
type ReportInput struct {
	DirectFileServe       bool   `json:"direct_file_serve"`
	ApplicationRouting    bool   `json:"application_routing"`
	AuxiliaryServerConfig bool   `json:"auxiliary_server_config"`
	CanWriteFilesystem    bool   `json:"can_write_filesystem"`
	ServerFamily          string `json:"server_family"`
}

// ContextInput carries evaluation context.
type ContextInput struct {
	Environment string    `json:"environment,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewInput builds the policy input for one candidate strategy.
func NewInput(desc *engine.EndpointDescriptor, strategy engine.Strategy, report *engine.CapabilityReport, environment string) *Input {
	in := &Input{
		Endpoint: EndpointInput{
			Path:                     desc.Key(),
			Kind:                     string(desc.ResolvedKind()),
			ContentType:              desc.ContentType,
			CORSRequired:             desc.CORSRequired,
			CacheControl:             desc.CacheControl,
			AllowInPlaceModification: desc.AllowInPlaceModification,
		},
		Strategy: StrategyInput{
			ID:                string(strategy.ID),
			Blocks:            make([]string, 0, len(strategy.Blocks)),
			RoutesApplication: strategy.ID.IsRouting(),
		},
		Context: ContextInput{Environment: environment, Timestamp: time.Now().UTC()},
	}
	for _, b := range strategy.Blocks {
		in.Strategy.Blocks = append(in.Strategy.Blocks, string(b))
		if b.IsFileMutation() {
			in.Strategy.WritesFilesystem = true
		}
	}
	if report != nil {
		in.Report = &ReportInput{
			DirectFileServe:       report.SupportsDirectFileServe,
			ApplicationRouting:    report.SupportsApplicationRouting,
			AuxiliaryServerConfig: report.SupportsAuxiliaryServerConfig,
			CanWriteFilesystem:    report.CanWriteFilesystem,
			ServerFamily:          string(report.ServerFamily),
		}
	}
	return in
}
