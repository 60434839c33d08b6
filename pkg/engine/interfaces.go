package engine

import (
	"context"
	"net/http"
	"time"
)

// FileSystem is the document root the engine publishes files into. Names are
// slash-separated and relative to the root. Missing files must produce errors
// matching fs.ErrNotExist.
type FileSystem interface {
	// ReadFile returns the content of the named file.
	ReadFile(ctx context.Context, name string) ([]byte, error)

	// WriteFile replaces the named file, creating parent directories as needed.
	WriteFile(ctx context.Context, name string, data []byte) error

	// Remove deletes the named file.
	Remove(ctx context.Context, name string) error

	// Exists reports whether the named file exists.
	Exists(ctx context.Context, name string) (bool, error)

	// MkdirAll creates the named directory and any missing parents.
	MkdirAll(ctx context.Context, name string) error

	// Root describes the backing location for logs and diagnostics.
	Root() string
}

// HTTPDoer is the blocking HTTP client used for probes.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RouteHeader is set on every response produced by the routing table, so a
// probe can tell application answers from files served by the web server.
const RouteHeader = "X-Aiready-Route"

// Route is an application-level mapping from a logical path to an endpoint.
type Route struct {
	// Descriptor is the endpoint served by this route.
	Descriptor *EndpointDescriptor

	// Passthrough merges the physical file outside our managed section into the response.
	Passthrough bool

	// Temporary marks probe routes.
	Temporary bool

	// RegisteredAt is when the route was added.
	RegisteredAt time.Time
}

// RouteTable is the per-request routing table the orchestrator populates.
type RouteTable interface {
	// Add installs or replaces the route for its descriptor path.
	Add(route Route) error

	// Remove deletes the route for path and reports whether one existed.
	Remove(path string) bool

	// Lookup returns the route for a request path.
	Lookup(path string) (Route, bool)

	// Paths lists all registered paths.
	Paths() []string

	// Flush invalidates any cached routing state so changes apply to the next request.
	Flush()
}

// Prober discovers host capabilities.
type Prober interface {
	// Probe tests serving behaviour through temporary paths derived from path.
	Probe(ctx context.Context, path string) (*CapabilityReport, error)

	// IsRouteActive issues a single GET against the real path and reports a 200.
	IsRouteActive(ctx context.Context, path string) bool
}

// CapabilityStore persists capability reports keyed by site base URL.
type CapabilityStore interface {
	GetCapabilityReport(ctx context.Context, site string) (*CapabilityReport, error)
	SaveCapabilityReport(ctx context.Context, site string, report *CapabilityReport) error
	DeleteCapabilityReport(ctx context.Context, site string) error
}

// AttemptStore persists attempt records and the attempt history.
type AttemptStore interface {
	// GetAttemptRecord returns the record for an endpoint key.
	GetAttemptRecord(ctx context.Context, key string) (*AttemptRecord, error)

	// SaveAttemptRecord creates or overwrites the record for its endpoint key.
	SaveAttemptRecord(ctx context.Context, record *AttemptRecord) error

	// DeleteAttemptRecord removes the record for an endpoint key.
	DeleteAttemptRecord(ctx context.Context, key string) error

	// ListAttemptRecords returns all records ordered by key.
	ListAttemptRecords(ctx context.Context) ([]*AttemptRecord, error)

	// AppendAttemptHistory appends diagnostics rows.
	AppendAttemptHistory(ctx context.Context, entries []*AttemptHistoryEntry) error

	// ListAttemptHistory returns the newest rows for an endpoint key, newest first.
	ListAttemptHistory(ctx context.Context, key string, limit int) ([]*AttemptHistoryEntry, error)
}

// FingerprintStore persists hashes of files the engine wrote.
type FingerprintStore interface {
	GetFingerprint(ctx context.Context, path string) (*FileFingerprint, error)
	SaveFingerprint(ctx context.Context, fp *FileFingerprint) error
	DeleteFingerprint(ctx context.Context, path string) error
	ListFingerprints(ctx context.Context) ([]*FileFingerprint, error)
}

// ConflictStore persists deferred writes.
type ConflictStore interface {
	SaveConflict(ctx context.Context, conflict *FileConflict) error
	GetConflict(ctx context.Context, id string) (*FileConflict, error)
	// ListConflicts filters by status; an empty status lists all.
	ListConflicts(ctx context.Context, status ConflictStatus) ([]*FileConflict, error)
	UpdateConflictStatus(ctx context.Context, id string, status ConflictStatus) error
}

// BackupStore persists backup metadata.
type BackupStore interface {
	SaveBackup(ctx context.Context, backup *Backup) error
	GetBackup(ctx context.Context, id string) (*Backup, error)
	// ListBackups filters by original path; an empty path lists all.
	ListBackups(ctx context.Context, path string) ([]*Backup, error)
}

// SuggestionStore persists manual-config suggestions.
type SuggestionStore interface {
	SaveSuggestion(ctx context.Context, s *Suggestion) error
	DeleteSuggestion(ctx context.Context, id string) error
	// ListSuggestions filters by endpoint key; an empty key lists all.
	ListSuggestions(ctx context.Context, key string) ([]*Suggestion, error)
}

// EventStore persists endpoint lifecycle transitions.
type EventStore interface {
	AppendEvent(ctx context.Context, event *EndpointEvent) error
	ListEvents(ctx context.Context, key string, limit int) ([]*EndpointEvent, error)
}
