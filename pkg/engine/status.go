package engine

import (
	"encoding/json"
	"fmt"
)

// EndpointState represents where an endpoint is in its registration lifecycle.
type EndpointState string

const (
	// StateUnregistered indicates the endpoint has never been registered.
	StateUnregistered EndpointState = "unregistered"

	// StateProbing indicates capabilities are being determined or re-evaluated.
	StateProbing EndpointState = "probing"

	// StateStrategyActive indicates a strategy succeeded and the endpoint is reachable.
	StateStrategyActive EndpointState = "strategy_active"

	// StateAllStrategiesFailed indicates every candidate strategy failed.
	StateAllStrategiesFailed EndpointState = "all_strategies_failed"

	// StateDeactivated indicates the endpoint was removed by the operator.
	StateDeactivated EndpointState = "deactivated"
)

// stateTransitions lists the legal successor states of each state.
var stateTransitions = map[EndpointState][]EndpointState{
	StateUnregistered:        {StateProbing},
	StateProbing:             {StateStrategyActive, StateAllStrategiesFailed},
	StateStrategyActive:      {StateProbing, StateDeactivated},
	StateAllStrategiesFailed: {StateProbing, StateDeactivated},
	StateDeactivated:         {StateProbing},
}

// AllEndpointStates returns every lifecycle state in declaration order.
func AllEndpointStates() []EndpointState {
	return []EndpointState{
		StateUnregistered,
		StateProbing,
		StateStrategyActive,
		StateAllStrategiesFailed,
		StateDeactivated,
	}
}

// Validate checks if the endpoint state is valid.
func (s EndpointState) Validate() error {
	if _, ok := stateTransitions[s]; ok {
		return nil
	}
	return fmt.Errorf("invalid endpoint state: %s", s)
}

// IsTerminal returns true if no registration is in flight for this state.
func (s EndpointState) IsTerminal() bool {
	return s == StateStrategyActive || s == StateAllStrategiesFailed || s == StateDeactivated
}

// CanTransitionTo reports whether moving from s to next is a legal transition.
func (s EndpointState) CanTransitionTo(next EndpointState) bool {
	for _, allowed := range stateTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s EndpointState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *EndpointState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = EndpointState(str)
	return s.Validate()
}

// EndpointKind groups endpoints by how their content may be published.
type EndpointKind string

const (
	// KindStaticManifest is a pure static document that may be written as a file.
	KindStaticManifest EndpointKind = "static-manifest"

	// KindAppendOnlyPolicy is a shared policy document (robots.txt) whose
	// pre-existing operator content must be preserved.
	KindAppendOnlyPolicy EndpointKind = "append-only-policy"

	// KindProxy is a dynamic endpoint with no static equivalent.
	KindProxy EndpointKind = "proxy"
)

// Validate checks if the endpoint kind is valid.
func (k EndpointKind) Validate() error {
	switch k {
	case KindStaticManifest, KindAppendOnlyPolicy, KindProxy:
		return nil
	default:
		return fmt.Errorf("invalid endpoint kind: %s", k)
	}
}

// ServerFamily identifies the fronting web server.
type ServerFamily string

const (
	ServerApache  ServerFamily = "apache"
	ServerNginx   ServerFamily = "nginx"
	ServerIIS     ServerFamily = "iis"
	ServerUnknown ServerFamily = "unknown"
)

// HasDirectoryConfig returns true if the server reads per-directory config
// files (.htaccess, web.config) that can be edited without server access.
func (f ServerFamily) HasDirectoryConfig() bool {
	return f == ServerApache || f == ServerIIS
}

// StrategyID names a strategy produced by the catalog.
type StrategyID string

const (
	// StrategyDirectFileServe writes the file and, where possible, server headers config.
	StrategyDirectFileServe StrategyID = "direct-file-serve"

	// StrategyFileWrite writes the file without any server config.
	StrategyFileWrite StrategyID = "file-write"

	// StrategyModifyInPlace maintains a managed section in an existing file.
	StrategyModifyInPlace StrategyID = "modify-in-place"

	// StrategyApplicationRouting serves the endpoint from the routing table.
	StrategyApplicationRouting StrategyID = "application-routing"

	// StrategyRoutingPassthrough serves the physical file merged with our managed section.
	StrategyRoutingPassthrough StrategyID = "application-routing-passthrough"
)

// IsRouting returns true for strategies that serve through the application.
func (s StrategyID) IsRouting() bool {
	return s == StrategyApplicationRouting || s == StrategyRoutingPassthrough
}

// BlockID names an atomic building block.
type BlockID string

const (
	BlockCreateFile          BlockID = "create-file"
	BlockModifyExistingFile  BlockID = "modify-existing-file"
	BlockAddApplicationRoute BlockID = "add-application-route"
	BlockAddServerConfig     BlockID = "add-auxiliary-server-config"
	BlockSuggestManualConfig BlockID = "suggest-manual-config"
)

// IsFileMutation returns true if the block writes to the filesystem.
func (b BlockID) IsFileMutation() bool {
	return b == BlockCreateFile || b == BlockModifyExistingFile || b == BlockAddServerConfig
}

// OverwritePolicy controls how the file safety manager treats existing files.
type OverwritePolicy string

const (
	PolicyNeverOverwrite      OverwritePolicy = "never_overwrite"
	PolicyBackupThenOverwrite OverwritePolicy = "backup_then_overwrite"
	PolicyContentAnalysis     OverwritePolicy = "content_analysis"
	PolicyDeferToOperator     OverwritePolicy = "defer_to_operator"
)

// Validate checks if the overwrite policy is valid.
func (p OverwritePolicy) Validate() error {
	switch p {
	case PolicyNeverOverwrite, PolicyBackupThenOverwrite, PolicyContentAnalysis, PolicyDeferToOperator:
		return nil
	default:
		return fmt.Errorf("invalid overwrite policy: %s", p)
	}
}

// FileAction is the action a file safety operation actually took.
type FileAction string

const (
	ActionCreated     FileAction = "created"
	ActionUnchanged   FileAction = "unchanged"
	ActionUpdated     FileAction = "updated"
	ActionOverwritten FileAction = "overwritten"
	ActionRefused     FileAction = "refused"
	ActionDeferred    FileAction = "deferred"
	ActionDeleted     FileAction = "deleted"
	ActionRestored    FileAction = "restored"
	ActionFailed      FileAction = "failed"
)

// IsMutation returns true if the action changed the file on disk.
func (a FileAction) IsMutation() bool {
	switch a {
	case ActionCreated, ActionUpdated, ActionOverwritten, ActionDeleted, ActionRestored:
		return true
	default:
		return false
	}
}

// ConflictStatus is the lifecycle of a file conflict.
type ConflictStatus string

const (
	ConflictPending   ConflictStatus = "pending"
	ConflictResolved  ConflictStatus = "resolved"
	ConflictDismissed ConflictStatus = "dismissed"
)

// ArtifactKind identifies something a strategy left behind.
type ArtifactKind string

const (
	// ArtifactFile is a dedicated file owned by the endpoint.
	ArtifactFile ArtifactKind = "file"

	// ArtifactSection is a managed section inside a shared file.
	ArtifactSection ArtifactKind = "section"

	// ArtifactRoute is a routing table entry.
	ArtifactRoute ArtifactKind = "route"

	// ArtifactSuggestion is a recorded manual-config suggestion.
	ArtifactSuggestion ArtifactKind = "suggestion"
)

// RecommendationMode is the outcome of a serving-mode recommendation.
type RecommendationMode string

const (
	ModeDirectFileServe RecommendationMode = "direct-file-serve"
	ModeApplication     RecommendationMode = "application-routing"
	ModeCannotProceed   RecommendationMode = "cannot-proceed"
)
