// ABOUTME: HTTP JSON API for operators and agents
// ABOUTME: Registration, command issue/poll/result, file ingestion, agent views and stats

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/command"
	"github.com/2389/coven-relay/internal/files"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/wire"
)

const (
	defaultHistoryLimit = 50
	maxJSONBody         = 1 << 20
	multipartMemory     = 32 << 20

	// multipartOverhead allows for form fields and part headers on top of the file.
	multipartOverhead = 64 << 10
)

// RegisterRequest is the JSON body for POST /api/register.
type RegisterRequest struct {
	Name      string   `json:"name"`
	OS        string   `json:"os"`
	Username  string   `json:"username"`
	Hostname  string   `json:"hostname"`
	IPAddress string   `json:"ip_address"`
	Tags      []string `json:"tags,omitempty"`
}

// IssueCommandRequest is the JSON body for POST /api/commands.
type IssueCommandRequest struct {
	AgentID string `json:"agent_id"`
	Command string `json:"command"`
}

// IssueCommandResponse is returned by POST /api/commands.
// Delivered reports whether the push announcement reached the agent.
type IssueCommandResponse struct {
	Command   wire.CommandView `json:"command"`
	Delivered bool             `json:"delivered"`
}

// SubmitResultRequest is the JSON body for POST /api/commands/{id}/result.
// Result may be any JSON value; strings are stored unquoted, anything else as JSON text.
type SubmitResultRequest struct {
	Result json.RawMessage `json:"result"`
	Status string          `json:"status"`
}

// IngestFileRequest is the JSON body for POST /api/files, used when the
// bytes were stored by something other than the relay.
type IngestFileRequest struct {
	AgentID    string `json:"agent_id"`
	Filename   string `json:"filename"`
	Category   string `json:"category"`
	SizeBytes  int64  `json:"size_bytes"`
	StoredPath string `json:"stored_path"`
	Digest     string `json:"digest,omitempty"`
}

// AgentDetailResponse is the JSON response for GET /api/agents/{id}.
type AgentDetailResponse struct {
	Agent    wire.AgentView     `json:"agent"`
	Commands []wire.CommandView `json:"commands"`
	Files    []wire.FileView    `json:"files"`
}

// StatsResponse is the JSON response for GET /api/stats.
type StatsResponse struct {
	TotalAgents       int                 `json:"total_agents"`
	OnlineAgents      int                 `json:"online_agents"`
	TotalCommands     int                 `json:"total_commands"`
	PendingCommands   int                 `json:"pending_commands"`
	TotalFiles        int                 `json:"total_files"`
	TotalStorageBytes int64               `json:"total_storage_bytes"`
	TotalStorageMB    float64             `json:"total_storage_mb"`
	AgentChannels     int                 `json:"agent_channels"`
	ObserverChannels  int                 `json:"observer_channels"`
	EventsPublished   uint64              `json:"events_published"`
	Delivery          agent.DeliveryStats `json:"delivery"`
}

// routes builds the HTTP mux for every relay endpoint.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	// Agent-facing
	mux.HandleFunc("POST /api/register", g.handleRegister)
	mux.HandleFunc("GET /api/agents/{id}/pending", g.handlePollPending)
	mux.HandleFunc("POST /api/commands/{id}/result", g.handleSubmitResult)
	mux.HandleFunc("POST /api/upload", g.handleUpload)
	mux.HandleFunc("POST /api/files", g.handleIngestFile)
	mux.HandleFunc("GET /ws/agent/{id}", g.handleAgentSocket)

	// Operator-facing
	mux.HandleFunc("GET /api/agents", g.handleListAgents)
	mux.HandleFunc("GET /api/agents/{id}", g.handleGetAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", g.handleDeleteAgent)
	mux.HandleFunc("GET /api/agents/{id}/commands", g.handleCommandHistory)
	mux.HandleFunc("GET /api/agents/{id}/files", g.handleListFiles)
	mux.HandleFunc("POST /api/commands", g.handleIssueCommand)
	mux.HandleFunc("GET /api/commands/{id}", g.handleGetCommand)
	mux.HandleFunc("GET /api/stats", g.handleStats)
	mux.HandleFunc("GET /api/events", g.handleEvents)
	mux.HandleFunc("GET /ws/observer", g.handleObserverSocket)

	mux.Handle("GET /uploads/", http.StripPrefix("/uploads/", http.FileServer(http.Dir(g.storage.Root()))))

	return mux
}

// handleRegister handles POST /api/register. The new agent is touched right
// away, so it is reported online from its first contact.
func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	meta := store.AgentMetadata{
		Name:      req.Name,
		OS:        req.OS,
		Username:  req.Username,
		Hostname:  req.Hostname,
		IPAddress: req.IPAddress,
		Tags:      req.Tags,
	}
	if meta.IPAddress == "" {
		meta.IPAddress = remoteHost(r)
	}

	a, err := g.registry.Register(r.Context(), meta)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	if err := g.registry.Touch(r.Context(), a.ID); err != nil {
		g.logger.Warn("touch after register failed", "agent_id", a.ID, "error", err)
	} else {
		a.Online = true
	}

	g.writeJSON(w, http.StatusCreated, wire.NewAgentView(a))
}

// handleListAgents handles GET /api/agents, most recently contacted first.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := g.registry.List(r.Context())
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, wire.NewAgentViews(agents))
}

// handleGetAgent handles GET /api/agents/{id} with recent commands and files.
func (g *Gateway) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	a, err := g.registry.Get(ctx, id)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	cmds, err := g.commands.History(ctx, id, g.config.Relay.RecentCommands)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	recs, err := g.ingestor.List(ctx, id)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}

	g.writeJSON(w, http.StatusOK, AgentDetailResponse{
		Agent:    wire.NewAgentView(a),
		Commands: wire.NewCommandViews(cmds),
		Files:    wire.NewFileViews(recs),
	})
}

// handleDeleteAgent handles DELETE /api/agents/{id}. Idempotent.
// Any attached push channel is detached and its transport closed.
func (g *Gateway) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := g.registry.Delete(r.Context(), id); err != nil {
		g.sendServiceError(w, err)
		return
	}
	if conn := g.connections.Detach(id, agent.RoleAgent); conn != nil {
		g.logger.Info("closed push channel of deleted agent", "agent_id", id)
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "agent_id": id})
}

// handleIssueCommand handles POST /api/commands.
func (g *Gateway) handleIssueCommand(w http.ResponseWriter, r *http.Request) {
	var req IssueCommandRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.AgentID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	cmd, delivered, err := g.commands.Issue(r.Context(), req.AgentID, req.Command)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, IssueCommandResponse{
		Command:   wire.NewCommandView(cmd),
		Delivered: delivered,
	})
}

// handleGetCommand handles GET /api/commands/{id}.
func (g *Gateway) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := g.commands.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, wire.NewCommandView(cmd))
}

// handlePollPending handles GET /api/agents/{id}/pending?limit=N.
func (g *Gateway) handlePollPending(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 0)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	cmds, err := g.commands.PollPending(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, wire.NewCommandViews(cmds))
}

// handleCommandHistory handles GET /api/agents/{id}/commands?limit=N.
func (g *Gateway) handleCommandHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultHistoryLimit)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	cmds, err := g.commands.History(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, wire.NewCommandViews(cmds))
}

// handleSubmitResult handles POST /api/commands/{id}/result.
// A missing status means completed.
func (g *Gateway) handleSubmitResult(w http.ResponseWriter, r *http.Request) {
	var req SubmitResultRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := store.CommandStatus(req.Status)
	if status == "" {
		status = store.CommandCompleted
	}

	cmd, err := g.commands.SubmitResult(r.Context(), r.PathValue("id"), resultText(req.Result), status)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, wire.NewCommandView(cmd))
}

// handleUpload handles POST /api/upload (multipart: file, agent_id, category).
// Bytes are stored first; the record is only created once the size is known.
func (g *Gateway) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if limit := g.config.Uploads.MaxBytes; limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			g.sendServiceError(w, files.ErrTooLarge)
			return
		}
		g.sendJSONError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	agentID := r.FormValue("agent_id")
	category := store.NormalizeCategory(r.FormValue("category"))

	if ok, err := g.registry.Exists(ctx, agentID); err != nil {
		g.sendServiceError(w, err)
		return
	} else if !ok {
		g.sendServiceError(w, agent.ErrAgentNotFound)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	stored, err := g.storage.Save(ctx, category, header.Filename, file)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}

	rec, err := g.ingestor.Record(ctx, files.Upload{
		AgentID:    agentID,
		Filename:   header.Filename,
		Category:   string(category),
		SizeBytes:  stored.Size,
		StoredPath: stored.Path,
		Digest:     stored.Digest,
	})
	if err != nil {
		if rmErr := g.storage.Remove(stored.Path); rmErr != nil {
			g.logger.Warn("removing orphaned upload", "path", stored.Path, "error", rmErr)
		}
		g.sendServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, wire.NewFileView(rec))
}

// handleIngestFile handles POST /api/files for bytes stored elsewhere.
func (g *Gateway) handleIngestFile(w http.ResponseWriter, r *http.Request) {
	var req IngestFileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := g.ingestor.Record(r.Context(), files.Upload{
		AgentID:    req.AgentID,
		Filename:   req.Filename,
		Category:   req.Category,
		SizeBytes:  req.SizeBytes,
		StoredPath: req.StoredPath,
		Digest:     req.Digest,
	})
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, wire.NewFileView(rec))
}

// handleListFiles handles GET /api/agents/{id}/files.
func (g *Gateway) handleListFiles(w http.ResponseWriter, r *http.Request) {
	recs, err := g.ingestor.List(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, wire.NewFileViews(recs))
}

// handleStats handles GET /api/stats.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := g.store.Stats(r.Context())
	if err != nil {
		g.sendServiceError(w, store.Unavailable(err))
		return
	}
	agents, observers := g.connections.Counts()

	g.writeJSON(w, http.StatusOK, StatsResponse{
		TotalAgents:       st.TotalAgents,
		OnlineAgents:      st.OnlineAgents,
		TotalCommands:     st.TotalCommands,
		PendingCommands:   st.PendingCommands,
		TotalFiles:        st.TotalFiles,
		TotalStorageBytes: st.TotalBytes,
		TotalStorageMB:    bytesToMB(st.TotalBytes),
		AgentChannels:     agents,
		ObserverChannels:  observers,
		EventsPublished:   g.notifier.Seq(),
		Delivery:          g.connections.Stats(),
	})
}

// statusForError maps a service error to its HTTP status.
func statusForError(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, command.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, command.ErrInvalidStatus),
		errors.Is(err, command.ErrEmptyCommand),
		errors.Is(err, files.ErrInvalidUpload):
		return http.StatusBadRequest
	case errors.Is(err, files.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sendServiceError writes err with the status it maps to. Server-side
// failures are logged and their detail is not echoed to the client.
func (g *Gateway) sendServiceError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	msg := err.Error()
	switch status {
	case http.StatusServiceUnavailable:
		g.logger.Error("store unavailable", "error", err)
		msg = "store unavailable"
	case http.StatusInternalServerError:
		g.logger.Error("request failed", "error", err)
		msg = "internal server error"
	}
	g.sendJSONError(w, status, msg)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}

// writeJSON writes v as the JSON response body.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response", "error", err)
	}
}

// decodeJSON decodes a bounded JSON request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return errors.New("invalid JSON body")
	}
	return nil
}

// parseLimit reads ?limit=N. Absent means def; negative or non-numeric is an error.
func parseLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return n, nil
}

// resultText turns a submitted JSON result into the stored opaque string.
func resultText(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return trimmed
}

// remoteHost returns the host part of the request's remote address.
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// bytesToMB converts bytes to megabytes rounded to two decimals.
func bytesToMB(n int64) float64 {
	return math.Round(float64(n)/(1024*1024)*100) / 100
}
