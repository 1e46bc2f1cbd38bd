// Package httpapi implements the REST surface around threads, their
// config overrides, durable message history, and the Download Endpoint,
// plus an aggregated health check.
//
// Grounded on backend/app/api.py for thread CRUD (create/list/get/archive/
// unarchive/delete-under-lock/patch-title) and config get/update semantics,
// and backend/artifacts/api.py for the download/head handlers' exact
// status-code sequencing (400 invalid or expired token, 403 artifact/token
// mismatch, 404 missing row, 410 missing blob, inline-vs-attachment
// Content-Disposition by MIME whitelist).
package httpapi

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"

	"goa.design/clue/health"

	"github.com/corvidai/assistant-backend/internal/apperr"
	"github.com/corvidai/assistant-backend/internal/artifacts"
	"github.com/corvidai/assistant-backend/internal/config"
	"github.com/corvidai/assistant-backend/internal/store"
	"github.com/corvidai/assistant-backend/internal/threadlock"
	"github.com/corvidai/assistant-backend/internal/tokens"
)

// inlineMIMEs mirrors backend/artifacts/api.py's inline_mimes: these are
// displayed in-browser; everything else downloads as an attachment.
var inlineMIMEs = map[string]bool{
	"text/html":     true,
	"image/png":     true,
	"image/jpeg":    true,
	"image/jpg":     true,
	"image/gif":     true,
	"image/webp":    true,
	"image/svg+xml": true,
}

// API wires the relational Thread/Config store, the Artifact Registry, the
// download token service, and the per-thread lock table behind an
// http.ServeMux-compatible set of handlers.
type API struct {
	store     *store.Store
	artifacts *artifacts.Registry
	tokens    *tokens.Service
	locks     *threadlock.Table
	defaults  config.Config
	pingers   map[string]health.Pinger
}

// New returns an API. pingers is the set of dependencies /healthz reports on.
func New(st *store.Store, reg *artifacts.Registry, tok *tokens.Service, locks *threadlock.Table, defaults config.Config, pingers map[string]health.Pinger) *API {
	return &API{store: st, artifacts: reg, tokens: tok, locks: locks, defaults: defaults, pingers: pingers}
}

// Register attaches every handler to mux, using Go 1.22+ method+pattern
// routing.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /threads", a.createThread)
	mux.HandleFunc("GET /threads", a.listThreads)
	mux.HandleFunc("GET /threads/{id}", a.getThread)
	mux.HandleFunc("PATCH /threads/{id}/title", a.updateTitle)
	mux.HandleFunc("POST /threads/{id}/archive", a.archiveThread)
	mux.HandleFunc("POST /threads/{id}/unarchive", a.unarchiveThread)
	mux.HandleFunc("DELETE /threads/{id}", a.deleteThread)
	mux.HandleFunc("GET /threads/{id}/messages", a.listMessages)
	mux.HandleFunc("GET /threads/{id}/config", a.getConfig)
	mux.HandleFunc("POST /threads/{id}/config", a.updateConfig)
	mux.HandleFunc("GET /config/defaults", a.defaultsHandler)
	mux.HandleFunc("GET /artifacts/{id}", a.downloadArtifact)
	mux.HandleFunc("GET /artifacts/{id}/head", a.headArtifact)
	mux.HandleFunc("GET /healthz", a.healthz)
}

type threadOut struct {
	ID         string  `json:"id"`
	UserID     string  `json:"user_id"`
	Title      string  `json:"title"`
	ArchivedAt *string `json:"archived_at,omitempty"`
	CreatedAt  string  `json:"created_at"`
	UpdatedAt  string  `json:"updated_at"`
}

func toThreadOut(t *store.Thread) threadOut {
	out := threadOut{ID: t.ID, UserID: t.UserID, Title: t.Title, CreatedAt: t.CreatedAt.Format(timeFormat), UpdatedAt: t.UpdatedAt.Format(timeFormat)}
	if t.ArchivedAt != nil {
		s := t.ArchivedAt.Format(timeFormat)
		out.ArchivedAt = &s
	}
	return out
}

const timeFormat = "2006-01-02T15:04:05.999999Z07:00"

func (a *API) createThread(w http.ResponseWriter, r *http.Request) {
	var in struct {
		UserID string `json:"user_id"`
		Title  string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, apperr.BadRequest("invalid request body: %v", err))
		return
	}
	if in.UserID == "" {
		writeError(w, apperr.BadRequest("user_id is required"))
		return
	}
	t, err := a.store.CreateThread(r.Context(), in.UserID, in.Title)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toThreadOut(t))
}

func (a *API) listThreads(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, apperr.BadRequest("user_id query parameter is required"))
		return
	}
	includeArchived := r.URL.Query().Get("include_archived") == "true"
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	threads, err := a.store.ListThreads(r.Context(), userID, includeArchived, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]threadOut, len(threads))
	for i := range threads {
		out[i] = toThreadOut(&threads[i])
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) getThread(w http.ResponseWriter, r *http.Request) {
	t, err := a.store.GetThread(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toThreadOut(t))
}

func (a *API) updateTitle(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, apperr.BadRequest("invalid request body: %v", err))
		return
	}
	id := r.PathValue("id")
	if err := a.store.UpdateTitle(r.Context(), id, in.Title); err != nil {
		writeError(w, err)
		return
	}
	t, err := a.store.GetThread(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toThreadOut(t))
}

func (a *API) archiveThread(w http.ResponseWriter, r *http.Request) {
	a.setArchived(w, r, true)
}

func (a *API) unarchiveThread(w http.ResponseWriter, r *http.Request) {
	a.setArchived(w, r, false)
}

func (a *API) setArchived(w http.ResponseWriter, r *http.Request, archived bool) {
	id := r.PathValue("id")
	if _, err := a.store.GetThread(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if err := a.store.SetArchived(r.Context(), id, archived); err != nil {
		writeError(w, err)
		return
	}
	t, err := a.store.GetThread(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toThreadOut(t))
}

// deleteThread acquires the thread's lock before deleting it so a delete
// cannot race an in-flight streamed run, per backend/app/api.py's
// delete_thread. A missing thread is a no-op, returning 204 either way.
func (a *API) deleteThread(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	release := a.locks.Acquire(id)
	defer release()

	if err := a.store.DeleteThread(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type messageOut struct {
	ID         int64           `json:"id"`
	ThreadID   string          `json:"thread_id"`
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	ToolOutput json.RawMessage `json:"tool_output,omitempty"`
	CreatedAt  string          `json:"created_at"`
}

func (a *API) listMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	msgs, err := a.store.ListMessages(r.Context(), id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]messageOut, len(msgs))
	for i, m := range msgs {
		out[i] = messageOut{
			ID: m.ID, ThreadID: m.ThreadID, Role: m.Role,
			Content: nonEmpty(m.Content), ToolName: m.ToolName,
			ToolInput: nonEmpty(m.ToolInput), ToolOutput: nonEmpty(m.ToolOutput),
			CreatedAt: m.CreatedAt.Format(timeFormat),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func nonEmpty(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}

type configOut struct {
	Model         string  `json:"model"`
	Temperature   float64 `json:"temperature"`
	SystemPrompt  string  `json:"system_prompt,omitempty"`
	ContextWindow int     `json:"context_window"`
}

// getConfig returns the thread's overrides merged over process defaults,
// matching backend/app/api.py's get_thread_config fallback behavior for a
// thread with no Config row yet.
func (a *API) getConfig(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.store.GetThread(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	row, err := a.store.GetConfig(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mergeConfig(row, a.defaults))
}

func (a *API) updateConfig(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.store.GetThread(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	var in store.ConfigUpdate
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, apperr.BadRequest("invalid request body: %v", err))
		return
	}
	row, err := a.store.UpsertConfig(r.Context(), id, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mergeConfig(row, a.defaults))
}

func (a *API) defaultsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, configOut{
		Model:         a.defaults.DefaultModel,
		Temperature:   a.defaults.DefaultTemperature,
		ContextWindow: a.defaults.ContextWindow,
	})
}

func mergeConfig(row *store.Config, defaults config.Config) configOut {
	out := configOut{Model: defaults.DefaultModel, Temperature: defaults.DefaultTemperature, ContextWindow: defaults.ContextWindow}
	if row == nil {
		return out
	}
	if row.Model != nil {
		out.Model = *row.Model
	}
	if row.Temperature != nil {
		out.Temperature = *row.Temperature
	}
	if row.SystemPrompt != nil {
		out.SystemPrompt = *row.SystemPrompt
	}
	if row.ContextWindow != nil {
		out.ContextWindow = *row.ContextWindow
	}
	return out
}

// downloadArtifact streams an artifact's bytes, following
// backend/artifacts/api.py's status-code sequencing: invalid/expired token,
// then token/path artifact_id mismatch, then missing row, then missing
// blob.
func (a *API) downloadArtifact(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	art, err := a.verifyAndLoad(r, id)
	if err != nil {
		writeError(w, err)
		return
	}

	path := a.artifacts.BlobPath(art)
	f, err := os.Open(path)
	if err != nil {
		writeError(w, apperr.Gone("blob missing (pruned?)"))
		return
	}
	defer f.Close()

	mimeType := art.MIME
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mimeType)
	baseMIME, _, _ := strings.Cut(mimeType, ";")
	if inlineMIMEs[strings.TrimSpace(baseMIME)] {
		w.Header().Set("Content-Disposition", "inline")
	} else {
		name := art.Filename
		if name == "" {
			name = art.ID
		}
		w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	}
	http.ServeContent(w, r, art.Filename, art.CreatedAt, f)
}

func (a *API) headArtifact(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	art, err := a.verifyAndLoad(r, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":           art.ID,
		"sha256":       art.Fingerprint,
		"mime":         art.MIME,
		"filename":     art.Filename,
		"size":         art.Size,
		"created_at":   art.CreatedAt.Format(timeFormat),
		"thread_id":    art.ThreadID,
		"session_id":   art.SessionID,
		"run_id":       art.RunID,
		"tool_call_id": art.ToolCallID,
	})
}

// verifyAndLoad implements the two download handlers' shared prelude:
// verify the token, confirm it matches the requested artifact, then look
// the artifact up.
func (a *API) verifyAndLoad(r *http.Request, artifactID string) (*artifacts.Artifact, error) {
	token := r.URL.Query().Get("token")
	boundID, err := a.tokens.Verify(token)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBadRequest, "invalid or expired token", err)
	}
	if boundID != artifactID {
		return nil, apperr.Forbidden("token does not match artifact")
	}
	return a.artifacts.GetByID(r.Context(), artifactID)
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := http.StatusOK
	results := make(map[string]string, len(a.pingers))
	for name, p := range a.pingers {
		if err := p.Ping(ctx); err != nil {
			results[name] = "down: " + err.Error()
			status = http.StatusServiceUnavailable
		} else {
			results[name] = "up"
		}
	}
	writeJSON(w, status, map[string]any{"status": results})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperr.StatusCode(err), map[string]string{"error": err.Error()})
}
