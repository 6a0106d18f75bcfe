// internal/api/server.go
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/user/resumechat/internal/conversation"
	"github.com/user/resumechat/internal/dispatch"
	"github.com/user/resumechat/internal/reconcile"
	"github.com/user/resumechat/internal/report"
	"github.com/user/resumechat/internal/state"
	"github.com/user/resumechat/internal/types"
	"github.com/user/resumechat/pkg/backend"
)

// Server is the local HTTP facade UI layers drive the conversation store
// through.
type Server struct {
	store      *conversation.Store
	dispatcher *dispatch.Dispatcher
	reports    types.ReportStore
	jobs       *state.JobStore
	useAgent   bool
	mux        *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithReports keeps a copy of every report served.
func WithReports(reports types.ReportStore) Option {
	return func(s *Server) { s.reports = reports }
}

// WithJobs enables POST /webhook/{name} for the named jobs in jobs.
func WithJobs(jobs *state.JobStore) Option {
	return func(s *Server) { s.jobs = jobs }
}

// WithAgentDefault sets the agent mode used when a send does not say.
func WithAgentDefault(useAgent bool) Option {
	return func(s *Server) { s.useAgent = useAgent }
}

// NewServer creates a Server over store. Sends go through dispatcher.
func NewServer(store *conversation.Store, dispatcher *dispatch.Dispatcher, opts ...Option) *Server {
	s := &Server{
		store:      store,
		dispatcher: dispatcher,
		mux:        http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/conversations", s.handleList)
	s.mux.HandleFunc("POST /api/conversations", s.handleCreate)
	s.mux.HandleFunc("GET /api/conversations/{id}", s.handleGet)
	s.mux.HandleFunc("DELETE /api/conversations/{id}", s.handleDelete)
	s.mux.HandleFunc("POST /api/conversations/{id}/select", s.handleSelect)
	s.mux.HandleFunc("POST /api/conversations/{id}/star", s.handleStar)
	s.mux.HandleFunc("POST /api/conversations/{id}/messages", s.handleSend)
	s.mux.HandleFunc("POST /api/conversations/{id}/cancel", s.handleCancel)
	s.mux.HandleFunc("GET /api/conversations/{id}/report", s.handleReport)
	s.mux.HandleFunc("GET /api/error", s.handleGetError)
	s.mux.HandleFunc("DELETE /api/error", s.handleDismissError)
	s.mux.HandleFunc("POST /webhook/{name}", s.handleNamedJob)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusOf maps store errors onto HTTP statuses.
func statusOf(err error) int {
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, conversation.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, conversation.ErrSendInFlight):
		return http.StatusConflict
	case errors.Is(err, backend.ErrUnauthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type listResponse struct {
	Conversations []types.Conversation `json:"conversations"`
	Active        types.ConversationID `json:"active,omitempty"`
	Error         string               `json:"error,omitempty"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	convs, err := s.store.ListConversations(r.Context())
	resp := listResponse{Conversations: convs, Active: s.store.Active()}
	if resp.Conversations == nil {
		resp.Conversations = []types.Conversation{}
	}
	if err != nil {
		slog.Warn("list conversations failed", "error", err)
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

type createRequest struct {
	Title    string `json:"title"`
	ResumeID string `json:"resume_id"`
}

type conversationResponse struct {
	types.Conversation
	Messages         []types.Message `json:"messages"`
	IsSending        bool            `json:"is_sending"`
	GeneratingReport bool            `json:"generating_report"`
}

func (s *Server) conversationResponse(conv types.Conversation) conversationResponse {
	msgs := conv.Messages
	if msgs == nil {
		msgs = []types.Message{}
	}
	return conversationResponse{
		Conversation:     conv,
		Messages:         msgs,
		IsSending:        s.store.IsSending(conv.ID),
		GeneratingReport: s.store.IsGeneratingReport(conv.ID),
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	conv, err := s.store.CreateConversation(r.Context(), req.Title, req.ResumeID)
	if err != nil {
		slog.Error("create conversation failed", "error", err)
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, s.conversationResponse(conv))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	conv, err := s.store.Conversation(r.Context(), types.ConversationID(r.PathValue("id")))
	if err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.conversationResponse(conv))
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	id := types.ConversationID(r.PathValue("id"))
	if err := s.store.SelectConversation(r.Context(), id); err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	conv, err := s.store.Conversation(r.Context(), id)
	if err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.conversationResponse(conv))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := types.ConversationID(r.PathValue("id"))
	if err := s.store.DeleteConversation(r.Context(), id); err != nil {
		slog.Error("delete conversation failed", "conversation_id", id, "error", err)
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "active": s.store.Active()})
}

func (s *Server) handleStar(w http.ResponseWriter, r *http.Request) {
	starred, err := s.store.ToggleStar(types.ConversationID(r.PathValue("id")))
	if err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"is_starred": starred})
}

type sendRequest struct {
	Content  string `json:"content"`
	UseAgent *bool  `json:"use_agent"`
	Wait     bool   `json:"wait"`
}

type sendResponse struct {
	JobID   types.JobID    `json:"job_id"`
	Status  string         `json:"status"`
	Outcome string         `json:"outcome,omitempty"`
	Reply   *types.Message `json:"reply,omitempty"`
	Reason  string         `json:"reason,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	id := types.ConversationID(r.PathValue("id"))
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	useAgent := s.useAgent
	if req.UseAgent != nil {
		useAgent = *req.UseAgent
	}

	if !req.Wait {
		job, err := s.dispatcher.Submit(id, req.Content, useAgent, dispatch.WithSource("http"))
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, sendResponse{JobID: job.ID, Status: string(job.Status)})
		return
	}

	job, err := s.dispatcher.SendAndWait(r.Context(), id, req.Content, useAgent, dispatch.WithSource("http"))
	if job == nil {
		status := http.StatusServiceUnavailable
		if r.Context().Err() != nil {
			status = http.StatusGatewayTimeout
		}
		writeError(w, status, err.Error())
		return
	}
	if err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	resp := sendResponse{JobID: job.ID, Status: string(job.Status), Outcome: job.Outcome.Status.String()}
	if job.Outcome.Status != reconcile.Cancelled {
		reply := job.Outcome.Reply
		resp.Reply = &reply
	}
	if job.Outcome.Reason != nil {
		resp.Reason = job.Outcome.Reason.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	cancelled := s.store.CancelSend(types.ConversationID(r.PathValue("id")))
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	id := types.ConversationID(r.PathValue("id"))
	conv, err := s.store.Conversation(r.Context(), id)
	if err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	format := r.URL.Query().Get("format")
	body, _, err := report.Export(r.Context(), s.reports, conv, format, time.Now())
	switch {
	case errors.Is(err, report.ErrNoAnalysis):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil && body == nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		slog.Warn("store report failed", "conversation_id", id, "error", err)
	}
	w.Header().Set("Content-Type", report.ContentType(format))
	w.Write(body)
}

func (s *Server) handleGetError(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"error": s.store.Err()})
}

func (s *Server) handleDismissError(w http.ResponseWriter, r *http.Request) {
	s.store.DismissError()
	w.WriteHeader(http.StatusNoContent)
}

// namedJobRequest is the optional JSON body for POST /webhook/{name}.
type namedJobRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleNamedJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "jobs not configured")
		return
	}
	name := r.PathValue("name")
	job, err := s.jobs.Get(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if !job.Enabled {
		writeError(w, http.StatusForbidden, "job is disabled")
		return
	}

	if job.Kind == state.JobSync {
		convs, err := s.store.ListConversations(r.Context())
		if err != nil {
			slog.Error("webhook sync failed", "job", name, "error", err)
			writeError(w, statusOf(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"conversations": len(convs)})
		return
	}

	prompt := job.Prompt
	// Allow body to override the prompt
	var body namedJobRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Prompt != "" {
		prompt = body.Prompt
	}
	queued, err := s.dispatcher.Submit(types.ConversationID(job.ConversationID), prompt, job.UseAgent, dispatch.WithSource("webhook"))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, sendResponse{JobID: queued.ID, Status: string(queued.Status)})
}
