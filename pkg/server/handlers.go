package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sagekb/sage/pkg/agent"
	"github.com/sagekb/sage/pkg/conversation"
	"github.com/sagekb/sage/pkg/ingest"
	"github.com/sagekb/sage/pkg/llms"
	"github.com/sagekb/sage/pkg/retriever"
	"github.com/sagekb/sage/pkg/session"
	"github.com/sagekb/sage/pkg/tools"
)

// maxUploadBytes bounds the multipart form kept in memory; larger files
// spill to disk.
const maxUploadBytes = 32 << 20

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps domain errors onto HTTP statuses. Anything unrecognised is
// a 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, retriever.ErrIndexUnavailable):
		return http.StatusConflict
	case errors.Is(err, ingest.ErrBuildRunning):
		return http.StatusConflict
	case errors.Is(err, conversation.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	if _, ok := llms.AsProviderError(err); ok {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// decodeQueryRequest parses and validates the shared query body. defaultMode
// fills in the endpoint's mode when the client left it out.
func decodeQueryRequest(r *http.Request, defaultMode string) (*session.Request, error) {
	var req session.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if req.Mode == "" {
		req.Mode = defaultMode
	}
	if strings.TrimSpace(req.Question) == "" {
		return nil, errors.New("question must not be empty")
	}
	if req.Mode != "" && !agent.ValidMode(req.Mode) {
		return nil, errors.New("unknown mode: " + req.Mode)
	}
	if req.Method != "" && req.Method != retriever.MethodVector && req.Method != retriever.MethodHybrid {
		return nil, errors.New("unknown search method: " + req.Method)
	}
	if req.TopK < 0 {
		return nil, errors.New("top_k must not be negative")
	}
	return &req, nil
}

func (s *Server) handleQuery(defaultMode string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeQueryRequest(r, defaultMode)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Timeouts.Request)
		defer cancel()

		answer, err := s.orch.Query(ctx, req)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, answer)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{
		"vector_store_loaded": s.retr.Ready(),
		"backend":             s.cfg.Retrieval.VectorBackend,
		"chunk_count":         s.retr.Count(),
		"document_count":      len(s.retr.Sources()),
		"build_running":       s.builder.Running(),
	}
	if s.watcher != nil {
		status["documents_stale"] = s.watcher.Stale()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing form field: file")
		return
	}
	defer file.Close()

	path, size, err := ingest.SaveUpload(s.cfg.Ingest.DocumentsPath, header.Filename, file)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.log.Info("document uploaded", "file", header.Filename, "bytes", size)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"filename": header.Filename,
		"size":     size,
		"path":     path,
	})
}

func (s *Server) handleBuildStart(w http.ResponseWriter, r *http.Request) {
	// The build outlives the triggering request.
	if err := s.builder.Start(context.WithoutCancel(r.Context())); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": ingest.StatusRunning})
}

func (s *Server) handleBuildProgress(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.builder.Progress())
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, _ *http.Request) {
	infos := s.tools.Infos()
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"modes":          []string{agent.ModeRAG, agent.ModeSmart, agent.ModeFull, agent.ModeResearch, agent.ModeManager},
		"tools":          names,
		"max_iterations": s.cfg.Agent.MaxIterations,
		"reflection":     s.cfg.Agent.EnableReflection,
		"planning":       s.cfg.Agent.EnablePlanning,
	})
}

func (s *Server) handleAgentTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.tools.Infos()})
}

// handleExecuteTool runs a single tool directly, bypassing the agent loop.
// Meant for debugging and tool development, not for answering questions.
func (s *Server) handleExecuteTool(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tool  string `json:"tool"`
		Input string `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Tool) == "" {
		writeError(w, http.StatusBadRequest, "tool must not be empty")
		return
	}

	result, err := s.tools.ExecuteTool(r.Context(), req.Tool, req.Input)
	if err != nil {
		var unknown *tools.ErrUnknownTool
		if errors.As(err, &unknown) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"tool":    req.Tool,
		"content": result.Content,
		"data":    result.Data,
	})
}

func (s *Server) handleConversationCreate(w http.ResponseWriter, _ *http.Request) {
	conv, err := s.store.Create()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conv.ID,
		"created_at":      conv.CreatedAt,
	})
}

func (s *Server) handleConversationList(w http.ResponseWriter, _ *http.Request) {
	summaries, err := s.store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": summaries})
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	conv, err := s.store.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleConversationDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(chi.URLParam(r, "id")); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleConversationClear(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Clear(chi.URLParam(r, "id")); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
