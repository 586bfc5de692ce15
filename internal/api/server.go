// Package api implements the HTTP API: the streaming /agent endpoint
// plus project data management and introspection routes.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scribe-agent/scribe/internal/agent"
	"github.com/scribe-agent/scribe/internal/buildinfo"
	"github.com/scribe-agent/scribe/internal/convlog"
	"github.com/scribe-agent/scribe/internal/email"
	"github.com/scribe-agent/scribe/internal/ingest"
	"github.com/scribe-agent/scribe/internal/llm"
	"github.com/scribe-agent/scribe/internal/project"
	"github.com/scribe-agent/scribe/internal/recall"
	"github.com/scribe-agent/scribe/internal/search"
	"github.com/scribe-agent/scribe/internal/tools"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Deps are the collaborators the server needs. Projects and Loop are
// required; the rest enable optional routes and tool capabilities.
type Deps struct {
	Loop     *agent.Loop
	LLM      llm.Client
	Model    string
	Projects *project.Store
	Convlog  *convlog.Store
	Recall   *recall.Store
	Search   *search.Manager
	Email    email.SMTPConfig
	Embedder ingest.Embedder

	GeneralStepLimit int
	DeepStepLimit    int
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	deps    Deps
	logger  *slog.Logger
	server  *http.Server
	stats   *ToolStats
}

// ToolStats tracks per-tool call counts for the process lifetime.
type ToolStats struct {
	mu       sync.Mutex
	requests int64
	calls    map[string]int64
}

// Record notes one call of the named tool.
func (t *ToolStats) Record(tool string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.calls == nil {
		t.calls = make(map[string]int64)
	}
	t.calls[tool]++
}

// RecordRequest notes one /agent request.
func (t *ToolStats) RecordRequest() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests++
}

// Snapshot returns a copy-safe view of the counters.
func (t *ToolStats) Snapshot() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	calls := make(map[string]int64, len(t.calls))
	var total int64
	for name, n := range t.calls {
		calls[name] = n
		total += n
	}
	return map[string]any{
		"requests":    t.requests,
		"tool_calls":  total,
		"calls":       calls,
		"uptime_secs": int64(buildinfo.Uptime().Seconds()),
	}
}

// NewServer creates a new API server.
func NewServer(address string, port int, deps Deps, logger *slog.Logger) *Server {
	return &Server{
		address: address,
		port:    port,
		deps:    deps,
		logger:  logger,
		stats:   &ToolStats{},
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	// Orchestration endpoint
	mux.HandleFunc("POST /agent", s.handleAgent)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	// Project data endpoints
	mux.HandleFunc("POST /v1/projects", s.handleProjectCreate)
	mux.HandleFunc("GET /v1/projects/{id}/items", s.handleItemList)
	mux.HandleFunc("POST /v1/projects/{id}/items", s.handleItemAdd)
	mux.HandleFunc("POST /v1/projects/{id}/ingest", s.handleIngest)

	// History and introspection endpoints
	mux.HandleFunc("GET /v1/conversations/{session}", s.handleConversationGet)
	mux.HandleFunc("GET /v1/conversations/{session}/stats", s.handleConversationStats)
	mux.HandleFunc("GET /v1/tools/stats", s.handleToolStats)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // Long for streaming responses
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Scribe",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

// ChatMessage is one prior message in the /agent conversation history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AgentRequest is the /agent request body. Clients send the full
// message history; the last user message is the current query. The
// enable flags admit optional tools into the turn's registry, subject
// to server-side configuration.
type AgentRequest struct {
	Messages        []ChatMessage `json:"messages"`
	ProjectID       string        `json:"projectId"`
	SessionID       string        `json:"sessionId,omitempty"`
	AnalysisDepth   agent.Depth   `json:"analysisDepth,omitempty"`
	SelectedDataIDs []string      `json:"selectedDataIds,omitempty"`
	EnableWebSearch bool          `json:"enableWebSearch,omitempty"`
	EnableEmail     bool          `json:"enableEmail,omitempty"`
	EnableMemory    bool          `json:"enableMemory,omitempty"`

	// Query is a shorthand for a single-message conversation, for
	// clients that do not track history.
	Query string `json:"query,omitempty"`
}

// splitConversation returns the current user query and the preceding
// history. The query is the last user-role message; everything before
// it is history.
func (r *AgentRequest) splitConversation() (string, []llm.Message) {
	if len(r.Messages) == 0 {
		return r.Query, nil
	}

	last := -1
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			last = i
			break
		}
	}
	if last == -1 {
		return r.Query, nil
	}

	history := make([]llm.Message, 0, last)
	for _, m := range r.Messages[:last] {
		history = append(history, llm.Message{Role: m.Role, Content: m.Content})
	}
	return r.Messages[last].Content, history
}

// handleAgent runs one orchestration turn, streaming frames as the turn
// progresses. Validation failures before streaming starts use normal
// status codes; anything after the first frame arrives as an e: frame.
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	var req AgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Missing project is a client mistake, reported plainly so simple
	// clients can surface it without parsing JSON.
	if req.ProjectID == "" {
		http.Error(w, "projectId is required", http.StatusBadRequest)
		return
	}
	query, history := req.splitConversation()
	if query == "" {
		http.Error(w, "a user message is required", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		id, _ := uuid.NewV7()
		req.SessionID = id.String()
	}

	s.stats.RecordRequest()

	turn := agent.NewTurnContext(req.ProjectID, req.SessionID, query, req.AnalysisDepth,
		s.deps.GeneralStepLimit, s.deps.DeepStepLimit)
	turn.History = history
	turn.SelectedDataIDs = req.SelectedDataIDs

	registry, err := s.buildRegistry(turn, &req)
	if err != nil {
		s.logger.Error("tool registry build failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
		return
	}

	stream, err := newStreamWriter(w, s.logger)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	callback := func(event llm.StreamEvent) {
		switch event.Kind {
		case llm.KindToken:
			stream.Text(event.Token)
		case llm.KindToolCallStart:
			var args map[string]any
			if event.ToolCall != nil {
				args = event.ToolCall.Function.Arguments
			}
			s.stats.Record(event.ToolName)
			stream.ToolCall(event.ToolCallID, event.ToolName, args)
		case llm.KindToolCallDone:
			stream.ToolResult(event.ToolCallID, event.ToolName, event.ToolResult)
		}
	}

	if _, err := s.deps.Loop.Run(r.Context(), turn, registry, callback); err != nil {
		s.logger.Error("agent turn failed", "session", req.SessionID, "error", err)
		stream.Error(err.Error())
	}
}

// buildRegistry assembles the per-turn tool set. Base tools are always
// present; web search, email, and memory join only when the request
// asks for them and the server has them configured.
func (s *Server) buildRegistry(turn *agent.TurnContext, req *AgentRequest) (*tools.Registry, error) {
	proj, err := s.deps.Projects.GetProject(turn.ProjectID)
	if err != nil {
		proj = nil // Unknown project still gets tools; lookups scope by ID
	}

	b := tools.NewBuilder().
		Base(
			agent.NewPlanTool(turn),
			project.NewSearchDataTool(s.deps.Projects, turn.ProjectID),
			project.NewSimilarItemsTool(s.deps.Projects, turn.ProjectID),
			project.NewDataAnalysisTool(s.deps.Projects, turn.ProjectID),
			project.NewAnalyzeImageTool(s.deps.Projects, project.VisionConfig{
				Client:    s.deps.LLM,
				Model:     s.deps.Model,
				ProjectID: turn.ProjectID,
				Project:   proj,
				UserQuery: turn.UserQuery,
				Logger:    s.logger,
			}),
		)

	caps := tools.Capabilities{
		WebSearch: req.EnableWebSearch && s.deps.Search != nil && s.deps.Search.Configured(),
		Email:     req.EnableEmail && s.deps.Email.Configured(),
		Memory:    req.EnableMemory && s.deps.Recall != nil,
	}

	if caps.WebSearch {
		b.WebSearch(search.NewWebSearchTool(s.deps.Search))
	}
	if caps.Email {
		b.Email(email.NewSendTool(s.deps.Email))
	}
	if caps.Memory {
		b.Memory(recall.NewRememberTool(s.deps.Recall), recall.NewRecallTool(s.deps.Recall))
	}

	return b.Build(caps)
}

func (s *Server) handleProjectCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		s.errorResponse(w, http.StatusBadRequest, "name is required")
		return
	}

	proj, err := s.deps.Projects.CreateProject(req.Name, req.Description)
	if err != nil {
		s.logger.Error("project create failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "create project failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, proj, s.logger)
}

func (s *Server) handleItemList(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Projects.ListItems(r.PathValue("id"))
	if err != nil {
		s.logger.Error("item list failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "list items failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"items": items, "count": len(items)}, s.logger)
}

func (s *Server) handleItemAdd(w http.ResponseWriter, r *http.Request) {
	var item project.Item
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	item.ProjectID = r.PathValue("id")

	if item.Type == "" {
		item.Type = project.TypeDocument
	}
	if err := s.deps.Projects.AddItem(&item); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	// Embed description and filename for semantic search. Failure is
	// tolerable; the item remains reachable via keyword fallback.
	if s.deps.Embedder != nil {
		embText := item.Filename + " " + item.Description
		if emb, err := s.deps.Embedder.Generate(r.Context(), embText); err == nil {
			if err := s.deps.Projects.SetItemEmbedding(item.ID, emb); err != nil {
				s.logger.Warn("item embedding store failed", "item", item.ID, "error", err)
			}
		}
	}

	item.Content = "" // Do not echo payloads back
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, &item, s.logger)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Filename string `json:"filename"`
		Content  string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Content == "" {
		s.errorResponse(w, http.StatusBadRequest, "content is required")
		return
	}
	if req.Filename == "" {
		req.Filename = "document.md"
	}

	ingester := ingest.NewMarkdownIngester(s.deps.Projects, s.deps.Embedder, r.PathValue("id"))
	count, err := ingester.IngestString(r.Context(), req.Filename, req.Content)
	if err != nil {
		s.logger.Error("markdown ingest failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "ingest failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"items_created": count}, s.logger)
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	if s.deps.Convlog == nil {
		s.errorResponse(w, http.StatusNotFound, "conversation log disabled")
		return
	}

	turns, err := s.deps.Convlog.Turns(r.PathValue("session"))
	if err != nil {
		s.logger.Error("conversation read failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "read conversation failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"turns": turns, "count": len(turns)}, s.logger)
}

func (s *Server) handleConversationStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Convlog == nil {
		s.errorResponse(w, http.StatusNotFound, "conversation log disabled")
		return
	}

	stats, err := s.deps.Convlog.Stats(r.PathValue("session"))
	if err != nil {
		s.logger.Error("conversation stats failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "stats failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, stats, s.logger)
}

func (s *Server) handleToolStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.stats.Snapshot(), s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]string{"error": message}, s.logger)
}
