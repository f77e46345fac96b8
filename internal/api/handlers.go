package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"komorebi/internal/bulk"
	"komorebi/internal/storage"
	"komorebi/pkg/types"
)

func (s *Server) handleCaptureChunk(w http.ResponseWriter, r *http.Request) {
	var draft types.ChunkDraft
	if err := decodeBody(r, &draft); err != nil {
		s.writeError(w, r, err)
		return
	}

	chunk, err := s.capture.Capture(r.Context(), &draft)
	if err != nil {
		// The chunk may be durable even when the queue pushed back;
		// the 503 carries it so the caller does not re-submit.
		if chunk != nil {
			w.Header().Set("Retry-After", "1")
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"error": err.Error(),
				"chunk": chunk,
			})
			return
		}
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, chunk)
}

func (s *Server) handleListChunks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))

	// A q parameter switches from plain listing to substring search.
	if q := query.Get("q"); q != "" || query.Get("entity_type") != "" || query.Get("entity_value") != "" {
		search := &storage.SearchQuery{Query: q, Limit: limit, Offset: offset}
		if status := query.Get("status"); status != "" {
			st := types.ChunkStatus(status)
			search.Status = &st
		}
		if project := query.Get("project_id"); project != "" {
			search.ProjectID = &project
		}
		if entityType := query.Get("entity_type"); entityType != "" {
			et := types.EntityType(entityType)
			search.EntityType = &et
		}
		if entityValue := query.Get("entity_value"); entityValue != "" {
			search.EntityValue = &entityValue
		}
		if err := applyTimeBounds(query.Get("created_after"), query.Get("created_before"),
			&search.CreatedAfter, &search.CreatedBefore); err != nil {
			s.writeError(w, r, err)
			return
		}

		chunks, total, err := s.store.SearchChunks(r.Context(), search)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"items": chunks, "total": total})
		return
	}

	filter := &storage.ChunkFilter{}
	if status := query.Get("status"); status != "" {
		st := types.ChunkStatus(status)
		if !st.Valid() {
			s.writeError(w, r, fmt.Errorf("%w: unknown status %q", types.ErrValidation, status))
			return
		}
		filter.Status = &st
	}
	if project := query.Get("project_id"); project != "" {
		filter.ProjectID = &project
	}
	if tag := query.Get("tag"); tag != "" {
		filter.Tag = &tag
	}
	if err := applyTimeBounds(query.Get("created_after"), query.Get("created_before"),
		&filter.CreatedAfter, &filter.CreatedBefore); err != nil {
		s.writeError(w, r, err)
		return
	}

	chunks, total, err := s.store.ListChunks(r.Context(), filter, limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"items": chunks, "total": total})
}

func applyTimeBounds(after, before string, afterDst, beforeDst **time.Time) error {
	parse := func(raw string, dst **time.Time) error {
		if raw == "" {
			return nil
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return fmt.Errorf("%w: invalid timestamp %q", types.ErrValidation, raw)
		}
		*dst = &t
		return nil
	}
	if err := parse(after, afterDst); err != nil {
		return err
	}
	return parse(before, beforeDst)
}

func (s *Server) handleGetChunk(w http.ResponseWriter, r *http.Request) {
	chunk, err := s.store.GetChunk(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	entities, err := s.store.ListEntitiesByChunk(r.Context(), chunk.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"chunk": chunk, "entities": entities})
}

func (s *Server) handleRelatedChunks(w http.ResponseWriter, r *http.Request) {
	topK, _ := strconv.Atoi(r.URL.Query().Get("top_k"))

	matches, err := s.finder.FindRelated(r.Context(), chi.URLParam(r, "id"), topK)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"related": matches})
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	project := types.NewProject(body.Name, body.Description)
	if err := project.Validate(); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.store.CreateProject(r.Context(), project); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	projects, total, err := s.store.ListProjects(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"items": projects, "total": total})
}

func (s *Server) handleCompactProject(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")

	if err := s.compactor.CompactProject(r.Context(), projectID); err != nil {
		s.writeError(w, r, err)
		return
	}

	project, err := s.store.GetProject(r.Context(), projectID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleProjectEntities(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := &storage.EntityFilter{}
	filter.Limit, _ = strconv.Atoi(query.Get("limit"))
	filter.Offset, _ = strconv.Atoi(query.Get("offset"))
	if entityType := query.Get("type"); entityType != "" {
		et := types.EntityType(entityType)
		filter.Type = &et
	}
	if raw := query.Get("min_confidence"); raw != "" {
		min, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: invalid min_confidence %q", types.ErrValidation, raw))
			return
		}
		filter.MinConfidence = &min
	}

	entities, total, err := s.store.ListEntitiesByProject(r.Context(), chi.URLParam(r, "id"), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"items": entities, "total": total})
}

func (s *Server) handleBulkExecute(w http.ResponseWriter, r *http.Request) {
	var req bulk.Request
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	action, err := s.bulk.Execute(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, action)
}

func (s *Server) handleBulkUndo(w http.ResponseWriter, r *http.Request) {
	action, err := s.bulk.Undo(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, action)
}

func (s *Server) handleMCPTools(w http.ResponseWriter, r *http.Request) {
	if s.mcp == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"tools": []any{}})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tools": s.mcp.ListTools()})
}

func (s *Server) handleMCPCall(w http.ResponseWriter, r *http.Request) {
	if s.mcp == nil {
		s.writeError(w, r, fmt.Errorf("%w: no mcp servers configured", types.ErrServerNotReady))
		return
	}

	var body struct {
		Server    string         `json:"server"`
		Tool      string         `json:"tool"`
		Arguments map[string]any `json:"arguments"`
		Capture   bool           `json:"capture"`
		ProjectID *string        `json:"project_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Server == "" || body.Tool == "" {
		s.writeError(w, r, fmt.Errorf("%w: server and tool are required", types.ErrValidation))
		return
	}

	result, err := s.mcp.CallTool(r.Context(), body.Server, body.Tool, body.Arguments, body.Capture, body.ProjectID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}
