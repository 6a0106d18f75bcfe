package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/user/resumechat/internal/conversation"
	"github.com/user/resumechat/internal/dispatch"
	"github.com/user/resumechat/internal/reconcile"
	"github.com/user/resumechat/internal/retry"
	"github.com/user/resumechat/internal/state"
	"github.com/user/resumechat/pkg/backend"
	"github.com/user/resumechat/pkg/backend/backendtest"
)

type fixture struct {
	srv   *Server
	store *conversation.Store
	fake  *backendtest.Fake
	jobs  *state.JobStore
	dir   string
}

func setupServer(t *testing.T, fake *backendtest.Fake) *fixture {
	t.Helper()
	dir := t.TempDir()
	store := conversation.New(fake, state.NewFileCache(dir, 0),
		conversation.WithIndex(state.NewConversationIndex(dir)),
		conversation.WithRetryPolicy(&retry.Policy{MaxAttempts: 1}),
		conversation.WithReconciler(reconcile.New(reconcile.WithTimeout(time.Second))),
	)
	d := dispatch.New(store, 2)
	d.Start(context.Background())
	t.Cleanup(func() {
		d.Stop()
		store.Close()
	})
	jobs := state.NewJobStore(filepath.Join(dir, "jobs.json"))
	srv := NewServer(store, d,
		WithReports(state.NewReportStore(dir)),
		WithJobs(jobs),
		WithAgentDefault(true),
	)
	return &fixture{srv: srv, store: store, fake: fake, jobs: jobs, dir: dir}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.srv.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func TestHealthEndpoint(t *testing.T) {
	f := setupServer(t, &backendtest.Fake{})

	w := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ok", decode[map[string]string](t, w)["status"])
}

func TestCreateAndGetConversation(t *testing.T) {
	f := setupServer(t, &backendtest.Fake{})

	w := f.do(t, http.MethodPost, "/api/conversations", `{"title":"Alice","resume_id":"r-1"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode[map[string]any](t, w)
	id := created["id"].(string)
	require.Equal(t, "Alice", created["title"])
	require.Len(t, created["messages"], 1)

	w = f.do(t, http.MethodGet, "/api/conversations/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[map[string]any](t, w)
	require.Equal(t, "r-1", got["resume_id"])
	require.Equal(t, false, got["is_sending"])

	w = f.do(t, http.MethodGet, "/api/conversations", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[listResponse](t, w)
	require.Len(t, list.Conversations, 1)
	require.Equal(t, id, string(list.Active))
}

func TestGetUnknownConversation(t *testing.T) {
	f := setupServer(t, &backendtest.Fake{})
	w := f.do(t, http.MethodGet, "/api/conversations/missing", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestListFailureReportsError(t *testing.T) {
	fake := &backendtest.Fake{ErrList: errors.New("connection refused")}
	f := setupServer(t, fake)

	w := f.do(t, http.MethodGet, "/api/conversations", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[listResponse](t, w)
	require.Empty(t, list.Conversations)
	require.Contains(t, list.Error, "connection refused")

	w = f.do(t, http.MethodGet, "/api/error", "")
	require.NotEmpty(t, decode[map[string]string](t, w)["error"])

	w = f.do(t, http.MethodDelete, "/api/error", "")
	require.Equal(t, http.StatusNoContent, w.Code)
	w = f.do(t, http.MethodGet, "/api/error", "")
	require.Empty(t, decode[map[string]string](t, w)["error"])
}

func TestSendAndWait(t *testing.T) {
	f := setupServer(t, &backendtest.Fake{})
	conv, err := f.store.CreateConversation(context.Background(), "", "")
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/api/conversations/"+string(conv.ID)+"/messages", `{"content":"hello","wait":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[sendResponse](t, w)
	require.Equal(t, "completed", resp.Outcome)
	require.Equal(t, "ok", resp.Reply.Content)
	require.True(t, f.fake.StreamRequest[0].UseAgent, "agent default applies")
}

func TestSendQueued(t *testing.T) {
	f := setupServer(t, &backendtest.Fake{})
	conv, err := f.store.CreateConversation(context.Background(), "", "")
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/api/conversations/"+string(conv.ID)+"/messages", `{"content":"hello","use_agent":false}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.NotEmpty(t, decode[sendResponse](t, w).JobID)

	require.Eventually(t, func() bool { return f.fake.Calls() == 1 && !f.store.IsSending(conv.ID) }, 2*time.Second, 10*time.Millisecond)
	require.False(t, f.fake.StreamRequest[0].UseAgent)
}

func TestSendValidation(t *testing.T) {
	f := setupServer(t, &backendtest.Fake{})

	w := f.do(t, http.MethodPost, "/api/conversations/c/messages", `{"content":""}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/conversations/c/messages", `not json`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStarAndDelete(t *testing.T) {
	f := setupServer(t, &backendtest.Fake{})
	ctx := context.Background()
	conv, err := f.store.CreateConversation(ctx, "Alice", "")
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/api/conversations/"+string(conv.ID)+"/star", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, decode[map[string]bool](t, w)["is_starred"])

	w = f.do(t, http.MethodDelete, "/api/conversations/"+string(conv.ID), "")
	require.Equal(t, http.StatusOK, w.Code)
	_, err = f.store.Conversation(ctx, conv.ID)
	require.ErrorIs(t, err, conversation.ErrNotFound)
}

func TestDeleteFailureKeepsConversation(t *testing.T) {
	fake := &backendtest.Fake{ErrDelete: errors.New("boom")}
	f := setupServer(t, fake)
	ctx := context.Background()
	conv, err := f.store.CreateConversation(ctx, "", "")
	require.NoError(t, err)

	w := f.do(t, http.MethodDelete, "/api/conversations/"+string(conv.ID), "")
	require.Equal(t, http.StatusBadGateway, w.Code)
	_, err = f.store.Conversation(ctx, conv.ID)
	require.NoError(t, err)
}

func TestReport(t *testing.T) {
	fake := &backendtest.Fake{Reply: backendtest.Script(
		&backend.HiddenData{Payload: `{"overall_score": 91, "skills": {"score": 88}}`},
		&backend.Token{Delta: "Analysis ready", Accumulated: "Analysis ready"},
		&backend.Done{},
	)}
	f := setupServer(t, fake)
	ctx := context.Background()
	conv, err := f.store.CreateConversation(ctx, "Alice", "r-1")
	require.NoError(t, err)

	path := "/api/conversations/" + string(conv.ID) + "/report"
	w := f.do(t, http.MethodGet, path, "")
	require.Equal(t, http.StatusNotFound, w.Code)

	_, err = f.store.SendMessage(ctx, conv.ID, "analyse", true)
	require.NoError(t, err)

	w = f.do(t, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[map[string]any](t, w)
	require.Equal(t, 91.0, got["overall_score"])
	require.Equal(t, "A", got["grade"])

	w = f.do(t, http.MethodGet, path+"?format=html", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Header().Get("Content-Type"), "text/html")
	require.Contains(t, w.Body.String(), "<strong>91</strong>")

	w = f.do(t, http.MethodGet, path+"?format=pdf", "")
	require.Equal(t, http.StatusBadRequest, w.Code)

	reports, err := state.NewReportStore(f.dir).List(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, reports, 2)
}

func TestNamedJobWebhook(t *testing.T) {
	f := setupServer(t, &backendtest.Fake{})
	conv, err := f.store.CreateConversation(context.Background(), "", "")
	require.NoError(t, err)

	require.NoError(t, f.jobs.Add(&state.Job{
		Name: "nudge", Kind: state.JobSend, Schedule: "@daily",
		ConversationID: string(conv.ID), Prompt: "any updates?", Enabled: true,
	}))
	require.NoError(t, f.jobs.Add(&state.Job{Name: "off", Kind: state.JobSync, Schedule: "@daily"}))

	w := f.do(t, http.MethodPost, "/webhook/nudge", `{"prompt":"override"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Eventually(t, func() bool { return f.fake.Calls() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "override", f.fake.StreamRequest[0].Content)

	w = f.do(t, http.MethodPost, "/webhook/off", "")
	require.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodPost, "/webhook/missing", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}
