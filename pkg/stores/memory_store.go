package stores

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kismet-tech/aiready/pkg/engine"
)

// MemoryStore implements Store in process memory. It is used by tests and by
// dry runs where nothing should outlive the process.
type MemoryStore struct {
	mu           sync.RWMutex
	reports      map[string]engine.CapabilityReport
	records      map[string]engine.AttemptRecord
	history      []engine.AttemptHistoryEntry
	fingerprints map[string]engine.FileFingerprint
	conflicts    map[string]engine.FileConflict
	backups      []engine.Backup
	suggestions  []engine.Suggestion
	events       []engine.EndpointEvent
	nextID       int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reports:      make(map[string]engine.CapabilityReport),
		records:      make(map[string]engine.AttemptRecord),
		fingerprints: make(map[string]engine.FileFingerprint),
		conflicts:    make(map[string]engine.FileConflict),
	}
}

// Init is a no-op.
func (s *MemoryStore) Init(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Migrate is a no-op.
func (s *MemoryStore) Migrate(context.Context) error { return nil }

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// GetCapabilityReport returns the report for a site.
func (s *MemoryStore) GetCapabilityReport(_ context.Context, site string) (*engine.CapabilityReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[site]
	if !ok {
		return nil, engine.NewNotFoundError("capability report", site)
	}
	r.DirectErrors = append([]string(nil), r.DirectErrors...)
	r.RoutingErrors = append([]string(nil), r.RoutingErrors...)
	return &r, nil
}

// SaveCapabilityReport stores the report for a site.
func (s *MemoryStore) SaveCapabilityReport(_ context.Context, site string, report *engine.CapabilityReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := *report
	r.DirectErrors = append([]string(nil), report.DirectErrors...)
	r.RoutingErrors = append([]string(nil), report.RoutingErrors...)
	s.reports[site] = r
	return nil
}

// DeleteCapabilityReport removes the report for a site.
func (s *MemoryStore) DeleteCapabilityReport(_ context.Context, site string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reports, site)
	return nil
}

// GetAttemptRecord returns the record for an endpoint key.
func (s *MemoryStore) GetAttemptRecord(_ context.Context, key string) (*engine.AttemptRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[key]
	if !ok {
		return nil, engine.NewNotFoundError("attempt record", key)
	}
	return copyRecord(r), nil
}

// SaveAttemptRecord creates or overwrites the record for its endpoint key.
func (s *MemoryStore) SaveAttemptRecord(_ context.Context, record *engine.AttemptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.EndpointKey] = *copyRecord(*record)
	return nil
}

// DeleteAttemptRecord removes the record for an endpoint key.
func (s *MemoryStore) DeleteAttemptRecord(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[key]; !ok {
		return engine.NewNotFoundError("attempt record", key)
	}
	delete(s.records, key)
	return nil
}

// ListAttemptRecords returns all records ordered by key.
func (s *MemoryStore) ListAttemptRecords(context.Context) ([]*engine.AttemptRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*engine.AttemptRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, copyRecord(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndpointKey < out[j].EndpointKey })
	return out, nil
}

// AppendAttemptHistory appends diagnostics rows and assigns their ids.
func (s *MemoryStore) AppendAttemptHistory(_ context.Context, entries []*engine.AttemptHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.nextID++
		e.ID = s.nextID
		s.history = append(s.history, *e)
	}
	return nil
}

// ListAttemptHistory returns the newest rows for a key, newest first.
func (s *MemoryStore) ListAttemptHistory(_ context.Context, key string, limit int) ([]*engine.AttemptHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit = effectiveLimit(limit)
	var out []*engine.AttemptHistoryEntry
	for i := len(s.history) - 1; i >= 0 && len(out) < limit; i-- {
		if key == "" || s.history[i].EndpointKey == key {
			e := s.history[i]
			out = append(out, &e)
		}
	}
	return out, nil
}

// GetFingerprint returns the fingerprint of a path.
func (s *MemoryStore) GetFingerprint(_ context.Context, path string) (*engine.FileFingerprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fp, ok := s.fingerprints[path]
	if !ok {
		return nil, engine.NewNotFoundError("fingerprint", path)
	}
	return &fp, nil
}

// SaveFingerprint creates or updates a fingerprint.
func (s *MemoryStore) SaveFingerprint(_ context.Context, fp *engine.FileFingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.fingerprints[fp.Path]; ok && !prev.CreatedAt.IsZero() {
		next := *fp
		next.CreatedAt = prev.CreatedAt
		s.fingerprints[fp.Path] = next
		return nil
	}
	s.fingerprints[fp.Path] = *fp
	return nil
}

// DeleteFingerprint removes the fingerprint of a path.
func (s *MemoryStore) DeleteFingerprint(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.fingerprints[path]; !ok {
		return engine.NewNotFoundError("fingerprint", path)
	}
	delete(s.fingerprints, path)
	return nil
}

// ListFingerprints returns all fingerprints ordered by path.
func (s *MemoryStore) ListFingerprints(context.Context) ([]*engine.FileFingerprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*engine.FileFingerprint, 0, len(s.fingerprints))
	for _, fp := range s.fingerprints {
		fp := fp
		out = append(out, &fp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// SaveConflict stores a conflict.
func (s *MemoryStore) SaveConflict(_ context.Context, c *engine.FileConflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts[c.ID] = *c
	return nil
}

// GetConflict returns a conflict by id.
func (s *MemoryStore) GetConflict(_ context.Context, id string) (*engine.FileConflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conflicts[id]
	if !ok {
		return nil, engine.NewNotFoundError("conflict", id)
	}
	return &c, nil
}

// ListConflicts returns conflicts with status, or all when empty, oldest first.
func (s *MemoryStore) ListConflicts(_ context.Context, status engine.ConflictStatus) ([]*engine.FileConflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*engine.FileConflict
	for _, c := range s.conflicts {
		if status == "" || c.Status == status {
			c := c
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateConflictStatus changes the status of a conflict.
func (s *MemoryStore) UpdateConflictStatus(_ context.Context, id string, status engine.ConflictStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conflicts[id]
	if !ok {
		return engine.NewNotFoundError("conflict", id)
	}
	c.Status = status
	if status != engine.ConflictPending {
		now := time.Now().UTC()
		c.ResolvedAt = &now
	}
	s.conflicts[id] = c
	return nil
}

// SaveBackup stores backup metadata.
func (s *MemoryStore) SaveBackup(_ context.Context, b *engine.Backup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backups = append(s.backups, *b)
	return nil
}

// GetBackup returns a backup by id.
func (s *MemoryStore) GetBackup(_ context.Context, id string) (*engine.Backup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.backups {
		if b.ID == id {
			b := b
			return &b, nil
		}
	}
	return nil, engine.NewNotFoundError("backup", id)
}

// ListBackups returns backups of path, or all when empty, newest first.
func (s *MemoryStore) ListBackups(_ context.Context, path string) ([]*engine.Backup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*engine.Backup
	for i := len(s.backups) - 1; i >= 0; i-- {
		if path == "" || s.backups[i].Path == path {
			b := s.backups[i]
			out = append(out, &b)
		}
	}
	return out, nil
}

// SaveSuggestion stores a suggestion.
func (s *MemoryStore) SaveSuggestion(_ context.Context, sg *engine.Suggestion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.suggestions {
		if s.suggestions[i].ID == sg.ID {
			s.suggestions[i] = *sg
			return nil
		}
	}
	s.suggestions = append(s.suggestions, *sg)
	return nil
}

// DeleteSuggestion removes a suggestion.
func (s *MemoryStore) DeleteSuggestion(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.suggestions {
		if s.suggestions[i].ID == id {
			s.suggestions = append(s.suggestions[:i], s.suggestions[i+1:]...)
			return nil
		}
	}
	return engine.NewNotFoundError("suggestion", id)
}

// ListSuggestions returns suggestions for a key, or all when empty.
func (s *MemoryStore) ListSuggestions(_ context.Context, key string) ([]*engine.Suggestion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*engine.Suggestion
	for _, sg := range s.suggestions {
		if key == "" || sg.EndpointKey == key {
			sg := sg
			out = append(out, &sg)
		}
	}
	return out, nil
}

// AppendEvent stores a lifecycle event.
func (s *MemoryStore) AppendEvent(_ context.Context, e *engine.EndpointEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *e)
	return nil
}

// ListEvents returns the newest events for a key, newest first.
func (s *MemoryStore) ListEvents(_ context.Context, key string, limit int) ([]*engine.EndpointEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit = effectiveLimit(limit)
	var out []*engine.EndpointEvent
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if key == "" || s.events[i].EndpointKey == key {
			e := s.events[i]
			out = append(out, &e)
		}
	}
	return out, nil
}

func copyRecord(r engine.AttemptRecord) *engine.AttemptRecord {
	r.Artifacts = append([]engine.Artifact(nil), r.Artifacts...)
	r.Attempts = append([]engine.StrategyAttempt(nil), r.Attempts...)
	return &r
}
