package engine

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"
)

// ContentGenerator produces the body of an endpoint. It must be pure: the same
// inputs always yield the same body, so hashes of its output are stable.
type ContentGenerator func(ctx context.Context) (string, error)

// EndpointDescriptor declares a logical path the engine must make reachable.
// A descriptor is immutable once registered; re-registration replaces it.
type EndpointDescriptor struct {
	// Path is the absolute request path, e.g. "/.well-known/ai-plugin.json".
	Path string `json:"path"`

	// Kind selects the catalog rules. Empty means derive from AllowInPlaceModification.
	Kind EndpointKind `json:"kind,omitempty"`

	// Generator produces the body. Required unless Handler is set.
	Generator ContentGenerator `json:"-"`

	// ContentType is the declared Content-Type header.
	ContentType string `json:"content_type"`

	// CORSRequired makes the endpoint answer cross-origin requests and preflights.
	CORSRequired bool `json:"cors_required"`

	// CacheControl is the declared Cache-Control header, empty for none.
	CacheControl string `json:"cache_control,omitempty"`

	// AllowInPlaceModification marks append-only policy files whose existing
	// operator content must be preserved.
	AllowInPlaceModification bool `json:"allow_in_place_modification"`

	// Methods lists accepted methods for proxy endpoints. Defaults to GET and HEAD.
	Methods []string `json:"methods,omitempty"`

	// Handler answers proxy endpoints. The engine only handles CORS around it.
	Handler http.Handler `json:"-"`
}

// Key returns the endpoint key used for persistence.
func (d *EndpointDescriptor) Key() string {
	return NormalizePath(d.Path)
}

// ResolvedKind returns the effective endpoint kind.
func (d *EndpointDescriptor) ResolvedKind() EndpointKind {
	if d.Kind != "" {
		return d.Kind
	}
	if d.AllowInPlaceModification {
		return KindAppendOnlyPolicy
	}
	return KindStaticManifest
}

// AllowedMethods returns the accepted request methods.
func (d *EndpointDescriptor) AllowedMethods() []string {
	if len(d.Methods) == 0 {
		return []string{http.MethodGet, http.MethodHead}
	}
	return d.Methods
}

// NeedsHeaders reports whether serving the file directly needs server config
// to reproduce the declared headers.
func (d *EndpointDescriptor) NeedsHeaders() bool {
	return d.CORSRequired || d.CacheControl != ""
}

// Validate checks that the descriptor is internally consistent.
func (d *EndpointDescriptor) Validate() error {
	if d == nil {
		return NewPermanentError("endpoint descriptor is nil", nil).WithCode(ErrCodeValidation)
	}
	if !strings.HasPrefix(d.Path, "/") || strings.HasSuffix(d.Path, "/") {
		return NewPermanentError("endpoint path must be absolute and name a document", nil).
			WithCode(ErrCodeValidation).WithPath(d.Path)
	}
	for _, seg := range strings.Split(d.Path, "/") {
		if seg == ".." {
			return NewPermanentError("endpoint path must not contain '..'", nil).
				WithCode(ErrCodeValidation).WithPath(d.Path)
		}
	}
	kind := d.ResolvedKind()
	if err := kind.Validate(); err != nil {
		return NewPermanentError("invalid endpoint kind", err).WithCode(ErrCodeValidation).WithPath(d.Path)
	}
	if d.AllowInPlaceModification && kind != KindAppendOnlyPolicy {
		return NewPermanentError("in-place modification is only valid for append-only policy endpoints", nil).
			WithCode(ErrCodeValidation).WithPath(d.Path)
	}
	if kind == KindProxy {
		if d.Handler == nil {
			return NewPermanentError("proxy endpoint requires a handler", nil).
				WithCode(ErrCodeValidation).WithPath(d.Path)
		}
		return nil
	}
	if d.Generator == nil {
		return NewPermanentError("endpoint requires a content generator", nil).
			WithCode(ErrCodeValidation).WithPath(d.Path)
	}
	if d.ContentType == "" {
		return NewPermanentError("endpoint requires a content type", nil).
			WithCode(ErrCodeValidation).WithPath(d.Path)
	}
	return nil
}

// Generate runs the content generator. A panicking generator is reported as
// a strategy failure for this endpoint instead of unwinding the caller.
func (d *EndpointDescriptor) Generate(ctx context.Context) (body string, err error) {
	if d.Generator == nil {
		return "", NewPermanentError("endpoint has no content generator", nil).
			WithCode(ErrCodeValidation).WithPath(d.Path)
	}
	defer func() {
		if r := recover(); r != nil {
			body = ""
			err = NewPermanentError(fmt.Sprintf("content generator panicked: %v", r), nil).
				WithCode(ErrCodeStrategyFailed).WithPath(d.Key())
		}
	}()
	return d.Generator(ctx)
}

// Fingerprint hashes the declared attributes together with a generated body.
// Two registrations with equal fingerprints publish byte-identical endpoints.
func (d *EndpointDescriptor) Fingerprint(body string) string {
	methods := append([]string(nil), d.AllowedMethods()...)
	sort.Strings(methods)
	parts := []string{
		d.Key(),
		string(d.ResolvedKind()),
		d.ContentType,
		fmt.Sprintf("cors=%t", d.CORSRequired),
		d.CacheControl,
		fmt.Sprintf("inplace=%t", d.AllowInPlaceModification),
		strings.Join(methods, ","),
		HashContent([]byte(body)),
	}
	return HashContent([]byte(strings.Join(parts, "\x00")))
}

// NormalizePath cleans an endpoint path for use as a key.
func NormalizePath(p string) string {
	if p == "" {
		return ""
	}
	return path.Clean("/" + strings.TrimPrefix(p, "/"))
}

// HashContent returns the hex sha256 of content.
func HashContent(content []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(content))
}

// CapabilityReport describes what the hosting environment supports.
type CapabilityReport struct {
	// SupportsDirectFileServe is true when files in the document root are
	// served without reaching the application.
	SupportsDirectFileServe bool `json:"supports_direct_file_serve"`

	// SupportsApplicationRouting is true when the application answers
	// requests for routes it registers.
	SupportsApplicationRouting bool `json:"supports_application_routing"`

	// SupportsAuxiliaryServerConfig is true when per-directory server config
	// (.htaccess, web.config) can be written.
	SupportsAuxiliaryServerConfig bool `json:"supports_auxiliary_server_config"`

	// CanWriteFilesystem is true when the document root accepted a write.
	CanWriteFilesystem bool `json:"can_write_filesystem"`

	// ServerFamily is the detected fronting server.
	ServerFamily ServerFamily `json:"server_family"`

	// BaseURL is the site URL the probes were issued against.
	BaseURL string `json:"base_url,omitempty"`

	// DirectErrors collects failures from the direct file serve test.
	DirectErrors []string `json:"direct_errors,omitempty"`

	// RoutingErrors collects failures from the application routing test.
	RoutingErrors []string `json:"routing_errors,omitempty"`

	// ProbedAt is when the report was produced.
	ProbedAt time.Time `json:"probed_at"`
}

// Hash returns a digest of the capability flags. Error text and timestamps are
// excluded so that re-probing an unchanged environment yields the same hash.
func (r *CapabilityReport) Hash() string {
	if r == nil {
		return ""
	}
	s := fmt.Sprintf("direct=%t;routing=%t;aux=%t;write=%t;family=%s",
		r.SupportsDirectFileServe, r.SupportsApplicationRouting,
		r.SupportsAuxiliaryServerConfig, r.CanWriteFilesystem, r.ServerFamily)
	return HashContent([]byte(s))
}

// Preferences carries operator choices that influence strategy ordering.
type Preferences struct {
	// PreferAnalytics routes static documents through the application so
	// every access can be recorded.
	PreferAnalytics bool `json:"prefer_analytics"`
}

// Strategy is an ordered plan of building blocks for one endpoint.
type Strategy struct {
	// ID names the strategy.
	ID StrategyID `json:"id"`

	// Blocks are executed in order.
	Blocks []BlockID `json:"blocks"`
}

// Recommendation is the preferred serving mode for a capability report.
type Recommendation struct {
	Mode          RecommendationMode `json:"mode"`
	Reason        string             `json:"reason"`
	DirectErrors  []string           `json:"direct_errors,omitempty"`
	RoutingErrors []string           `json:"routing_errors,omitempty"`
}

// Artifact is one piece of state a successful strategy left behind.
type Artifact struct {
	// Kind is the artifact type.
	Kind ArtifactKind `json:"kind"`

	// Path is the file path (relative to the document root) or route path.
	Path string `json:"path"`

	// Section is the managed section id for section artifacts.
	Section string `json:"section,omitempty"`

	// Ref is an opaque reference: the suggestion id for suggestions, the
	// installing strategy for routes.
	Ref string `json:"ref,omitempty"`
}

// StrategyAttempt is the outcome of trying one strategy.
type StrategyAttempt struct {
	StrategyID StrategyID    `json:"strategy_id"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
	RolledBack bool          `json:"rolled_back"`
	Duration   time.Duration `json:"duration"`
}

// AttemptRecord is the persisted outcome of the latest registration of an endpoint.
// There is exactly one per endpoint; re-registration overwrites it.
type AttemptRecord struct {
	// EndpointKey is the normalized endpoint path.
	EndpointKey string `json:"endpoint_key"`

	// StrategyID is the winning strategy, empty when all failed.
	StrategyID StrategyID `json:"strategy_id,omitempty"`

	// Success is true when a strategy succeeded.
	Success bool `json:"success"`

	// LastError is the final error when no strategy succeeded.
	LastError string `json:"last_error,omitempty"`

	// State is the endpoint lifecycle state.
	State EndpointState `json:"state"`

	// DescriptorHash is the descriptor fingerprint at registration time.
	DescriptorHash string `json:"descriptor_hash"`

	// ReportHash is the capability report hash at registration time.
	ReportHash string `json:"report_hash"`

	// Artifacts are what the winning strategy produced.
	Artifacts []Artifact `json:"artifacts,omitempty"`

	// Attempts lists every strategy tried in this registration.
	Attempts []StrategyAttempt `json:"attempts,omitempty"`

	// Timestamp is when the registration finished.
	Timestamp time.Time `json:"timestamp"`
}

// AttemptHistoryEntry is an append-only diagnostics row for one strategy attempt.
type AttemptHistoryEntry struct {
	ID          int64      `json:"id"`
	EndpointKey string     `json:"endpoint_key"`
	StrategyID  StrategyID `json:"strategy_id"`
	Success     bool       `json:"success"`
	Error       string     `json:"error,omitempty"`
	RolledBack  bool       `json:"rolled_back"`
	ReportHash  string     `json:"report_hash"`
	Timestamp   time.Time  `json:"timestamp"`
}

// FileFingerprint records the hash of a file the engine wrote.
type FileFingerprint struct {
	Path        string    `json:"path"`
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// FileConflict is created when a policy defers a write to the operator.
type FileConflict struct {
	ID              string         `json:"id"`
	Path            string         `json:"path"`
	ProposedContent string         `json:"proposed_content"`
	ExistingContent string         `json:"existing_content"`
	Reason          string         `json:"reason"`
	Status          ConflictStatus `json:"status"`
	CreatedAt       time.Time      `json:"created_at"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
}

// Backup is a copy of a file taken before it was overwritten.
type Backup struct {
	ID          string    `json:"id"`
	Path        string    `json:"path"`
	BackupPath  string    `json:"backup_path"`
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// Suggestion is a ready-to-apply server configuration snippet for the operator.
type Suggestion struct {
	ID           string       `json:"id"`
	EndpointKey  string       `json:"endpoint_key"`
	ServerFamily ServerFamily `json:"server_family"`
	Target       string       `json:"target"`
	Snippet      string       `json:"snippet"`
	CreatedAt    time.Time    `json:"created_at"`
}

// EndpointEvent records a lifecycle transition.
type EndpointEvent struct {
	ID          string        `json:"id"`
	EndpointKey string        `json:"endpoint_key"`
	From        EndpointState `json:"from"`
	To          EndpointState `json:"to"`
	Message     string        `json:"message,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}
