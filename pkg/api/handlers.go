package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/connexus-ai/entityrag/pkg/agent"
	"github.com/connexus-ai/entityrag/pkg/log"
	"github.com/connexus-ai/entityrag/pkg/manager"
	"github.com/connexus-ai/entityrag/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxUploadBytes caps multipart uploads at 100 MiB.
const maxUploadBytes = 100 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, manager.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, manager.ErrDuplicateEntity):
		status = http.StatusConflict
	case errors.Is(err, manager.ErrValidation):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, manager.ErrEntityDeleted):
		status = http.StatusGone
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", manager.ErrValidation, err)
	}
	return nil
}

func (s *Server) handleCreateEntity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID          string         `json:"id"`
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Metadata    map[string]any `json:"metadata"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	entity, err := s.mgr.CreateEntity(req.ID, req.Name, req.Description, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entity)
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	entities, err := s.mgr.ListEntities()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": entities})
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	includeDeleted := r.URL.Query().Get("include_deleted") == "true"
	entity, err := s.mgr.GetEntity(chi.URLParam(r, "id"), includeDeleted)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

func (s *Server) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.DeleteEntity(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "id")
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, fmt.Errorf("%w: multipart parse: %v", manager.ErrValidation, err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, fmt.Errorf("%w: file field is required", manager.ErrValidation))
		return
	}
	defer file.Close()

	// Land the upload in the transient uploads dir; the worker removes it.
	dst := filepath.Join(s.cfg.UploadsDir(), fmt.Sprintf("%s_%s", uuid.NewString(), filepath.Base(header.Filename)))
	out, err := os.Create(dst)
	if err != nil {
		writeError(w, fmt.Errorf("failed to stage upload: %w", err))
		return
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		_ = os.Remove(dst)
		writeError(w, fmt.Errorf("failed to stage upload: %w", err))
		return
	}
	out.Close()

	task, err := s.mgr.UploadFile(entityID, dst, header.Filename)
	if err != nil {
		_ = os.Remove(dst)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": task.TaskID,
		"status":  string(task.Status),
	})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	docs, err := s.mgr.ListEntityFiles(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": docs})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.DeleteDocument(chi.URLParam(r, "id"), chi.URLParam(r, "docID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleIngestChunks(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "id")
	var req struct {
		Chunks []types.Chunk `json:"chunks"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.mgr.IngestChunks(entityID, req.Chunks)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.mgr.GetTask(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]any{"task": task}
	if services := s.mgr.TaskServices(task); services != nil {
		resp["services_used"] = services
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.mgr.ListTasks(r.URL.Query().Get("entity_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EntityID string         `json:"entity_id"`
		Name     string         `json:"name"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.mgr.CreateChatSession(req.EntityID, req.Name, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.mgr.ListSessions(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.DeleteChatSession(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.mgr.GetSessionMessages(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		Message   string `json:"message"`
		Stream    bool   `json:"stream"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.SessionID == "" || req.Message == "" {
		writeError(w, fmt.Errorf("%w: session_id and message are required", manager.ErrValidation))
		return
	}

	if !req.Stream {
		result, err := s.mgr.ConverseSync(r.Context(), req.SessionID, req.Message)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	stream, task, err := s.mgr.Converse(r.Context(), req.SessionID, req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	s.streamSSE(w, r, task.TaskID, stream)
}

// streamSSE relays agent events as server-sent events.
func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, taskID string, stream <-chan agent.ResponseEvent) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		// Fall back to draining the turn so persistence still happens.
		logger := log.WithComponent("api")
		logger.Warn().Msg("response writer does not support streaming")
		for range stream {
		}
		writeError(w, errors.New("streaming unsupported by transport"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: start\ndata: {\"task_id\":%q,\"ts\":%q}\n\n", taskID, time.Now().UTC().Format(time.RFC3339))
	flusher.Flush()

	for ev := range stream {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, payload)
		flusher.Flush()
	}
}

// handleEvents streams lifecycle events as server-sent events until the
// client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	broker := s.mgr.EventBroker()
	if broker == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event stream unavailable"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errors.New("streaming unsupported by transport"))
		return
	}

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Tell the client the subscription is live before any event arrives.
	fmt.Fprintf(w, "event: ready\ndata: {\"ts\":%q}\n\n", time.Now().UTC().Format(time.RFC3339))
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
		}
	}
}

// parseEntityIDs splits a comma-separated entity_ids query parameter.
func parseEntityIDs(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) handleKnowledgeGraph(w http.ResponseWriter, r *http.Request) {
	entityIDs := parseEntityIDs(r.URL.Query().Get("entity_ids"))
	if len(entityIDs) == 0 {
		writeError(w, fmt.Errorf("%w: entity_ids query parameter is required", manager.ErrValidation))
		return
	}
	graph, err := s.mgr.GetKnowledgeGraph(entityIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, graph)
}
