package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kismet-tech/aiready/pkg/engine"
	"github.com/kismet-tech/aiready/pkg/filesafety"
	"github.com/kismet-tech/aiready/pkg/orchestrator"
)

const maxRequestBodySize = 64 << 10

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type resolveRequest struct {
	Accept bool `json:"accept"`
}

type registerAllResponse struct {
	Results []*orchestrator.RegistrationResult `json:"results"`
	Errors  []string                           `json:"errors,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeEngineError maps a classified error onto an HTTP status.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	resp := errorResponse{Error: err.Error()}

	var ee *engine.EngineError
	if errors.As(err, &ee) {
		resp.Code = ee.Code
	}
	switch {
	case engine.IsNotFound(err):
		status = http.StatusNotFound
	case resp.Code == engine.ErrCodeValidation:
		status = http.StatusBadRequest
	case engine.IsConflict(err):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("Admin request failed")
	}
	writeJSON(w, status, resp)
}

// writeResult renders a file safety result, 409 when it did not succeed.
func (s *Server) writeResult(w http.ResponseWriter, res *filesafety.Result) {
	if res.Success {
		writeJSON(w, http.StatusOK, res)
		return
	}
	status := http.StatusConflict
	if engine.IsNotFound(res.Err) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, struct {
		*filesafety.Result
		Errors []string `json:"errors,omitempty"`
	}{res, res.Errors()})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	report := s.engine.Report(r.Context())
	if report == nil {
		writeError(w, http.StatusNotFound, "no capability report yet")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	results, err := s.engine.Refresh(r.Context())
	resp := registerAllResponse{Results: results}
	if err != nil {
		if results == nil {
			s.writeEngineError(w, err)
			return
		}
		resp.Errors = []string{err.Error()}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.List(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleEndpointStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status(r.Context(), endpointParam(r))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	d, err := s.engine.Diagnostics(r.Context(), endpointParam(r))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// lookup finds the descriptor for key, preferring the configured one.
func (s *Server) lookup(key string) (*engine.EndpointDescriptor, error) {
	if s.descriptors != nil {
		descs, err := s.descriptors()
		if err != nil {
			return nil, err
		}
		for _, d := range descs {
			if d.Key() == key {
				return d, nil
			}
		}
	}
	if d, ok := s.engine.Descriptor(key); ok {
		return d, nil
	}
	return nil, engine.NewNotFoundError("endpoint", key)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	desc, err := s.lookup(endpointParam(r))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	res, err := s.engine.Register(r.Context(), desc)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	status := http.StatusOK
	if !res.Success() {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, res)
}

func (s *Server) handleRegisterAll(w http.ResponseWriter, r *http.Request) {
	if s.descriptors == nil {
		writeError(w, http.StatusNotImplemented, "no descriptor source configured")
		return
	}
	descs, err := s.descriptors()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	resp := registerAllResponse{Results: make([]*orchestrator.RegistrationResult, 0, len(descs))}
	for _, d := range descs {
		res, err := s.engine.Register(r.Context(), d)
		if err != nil {
			resp.Errors = append(resp.Errors, d.Key()+": "+err.Error())
			continue
		}
		resp.Results = append(resp.Results, res)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Deactivate(r.Context(), endpointParam(r))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	status := engine.ConflictStatus(r.URL.Query().Get("status"))
	switch status {
	case "":
		status = engine.ConflictPending
	case "all":
		status = ""
	}
	conflicts, err := s.files.ListConflicts(r.Context(), status)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []*engine.FileConflict{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.writeResult(w, s.files.ResolveConflict(r.Context(), chi.URLParam(r, "conflictID"), req.Accept))
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	backups, err := s.files.ListBackups(r.Context(), r.URL.Query().Get("path"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if backups == nil {
		backups = []*engine.Backup{}
	}
	writeJSON(w, http.StatusOK, backups)
}

func (s *Server) handleRestoreBackup(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.files.Restore(r.Context(), chi.URLParam(r, "backupID")))
}

func (s *Server) handleListSuggestions(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("path")
	if key != "" {
		key = engine.NormalizePath(key)
	}
	suggestions, err := s.suggestions.ListSuggestions(r.Context(), key)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if suggestions == nil {
		suggestions = []*engine.Suggestion{}
	}
	writeJSON(w, http.StatusOK, suggestions)
}
