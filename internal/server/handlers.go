package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/michaelbrown/restorebox/internal/storage"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// writeStoreError maps a store lookup failure to 404 or 500.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case strings.Contains(err.Error(), "not found"):
		writeError(w, http.StatusNotFound, "run not found")
	case strings.Contains(err.Error(), "ambiguous"):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// --- Run handlers ---

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	opts := storage.RunListOptions{}

	if status := r.URL.Query().Get("status"); status != "" {
		opts.Status = storage.RunStatus(status)
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			opts.Limit = n
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			opts.Offset = n
		}
	}

	runs, err := s.store.ListRuns(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if runs == nil {
		runs = []storage.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

type createRunRequest struct {
	Dump string `json:"dump"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Dump) == "" {
		writeError(w, http.StatusBadRequest, "dump is required")
		return
	}

	run := &storage.Run{
		ID:     uuid.New().String(),
		Source: storage.SourceAPI,
	}

	ctx, cancel := context.WithCancel(context.Background())
	active, err := s.runs.Begin(run.ID, cancel)
	if err != nil {
		cancel()
		if errors.Is(err, ErrBusy) {
			writeError(w, http.StatusConflict, err.Error())
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	if err := s.store.CreateRun(r.Context(), run); err != nil {
		cancel()
		s.runs.Finish(run.ID)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sv := s.solver
	sv.Store = s.store
	sv.Logger = s.logger
	sv.OnEvent = active.Publish

	// The goroutine owns its own copy; the response gets a snapshot.
	snapshot := *run
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.runs.Finish(run.ID)
		defer cancel()
		if _, err := sv.Run(ctx, run, req.Dump); err != nil {
			s.logger.Debug("api run failed", "run", run.ID, "err", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, &snapshot)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	// Stop an active run first and wait for its sandbox to be released.
	if active, ok := s.runs.Get(run.ID); ok {
		s.runs.Cancel(run.ID)
		select {
		case <-active.Done():
		case <-r.Context().Done():
			writeError(w, http.StatusServiceUnavailable, "run is still releasing")
			return
		}
	}

	if err := s.store.DeleteRun(r.Context(), run.ID); err != nil {
		writeStoreError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	events, err := s.store.LoadEvents(r.Context(), run.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if events == nil {
		events = []storage.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}
