// ABOUTME: Tests for the HTTP JSON API
// ABOUTME: Drives registration, command round trips, uploads, deletion and stats through httptest

package gateway

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/command"
	"github.com/2389/coven-relay/internal/files"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/wire"
)

func TestHandleRegister(t *testing.T) {
	_, srv := newTestGateway(t)

	var view wire.AgentView
	status := doJSON(t, http.MethodPost, srv.URL+"/api/register", RegisterRequest{
		Name:     "lab-1",
		OS:       "linux",
		Username: "ops",
		Hostname: "lab-1.local",
		Tags:     []string{"lab"},
	}, &view)

	require.Equal(t, http.StatusCreated, status)
	assert.NotEmpty(t, view.ID)
	assert.Equal(t, "lab-1", view.Name)
	assert.Equal(t, "127.0.0.1", view.IPAddress, "address falls back to the remote address")
	assert.Equal(t, []string{"lab"}, view.Tags)
	assert.True(t, view.Online, "registration counts as contact")
}

func TestHandleRegister_InvalidJSON(t *testing.T) {
	_, srv := newTestGateway(t)

	resp, err := http.Post(srv.URL+"/api/register", "application/json", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleListAgents(t *testing.T) {
	_, srv := newTestGateway(t)

	var empty []wire.AgentView
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/api/agents", nil, &empty))
	assert.Empty(t, empty)

	first := registerAgent(t, srv, "first")
	second := registerAgent(t, srv, "second")

	var agents []wire.AgentView
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/api/agents", nil, &agents))
	require.Len(t, agents, 2)
	assert.Equal(t, second, agents[0].ID, "most recently contacted first")
	assert.Equal(t, first, agents[1].ID)
}

func TestCommandRoundTrip(t *testing.T) {
	_, srv := newTestGateway(t)
	agentID := registerAgent(t, srv, "lab-1")

	var issued IssueCommandResponse
	status := doJSON(t, http.MethodPost, srv.URL+"/api/commands", IssueCommandRequest{AgentID: agentID, Command: "ls"}, &issued)
	require.Equal(t, http.StatusCreated, status)
	assert.False(t, issued.Delivered, "no push channel attached")
	assert.Equal(t, "pending", issued.Command.Status)
	assert.Nil(t, issued.Command.Result)
	assert.Nil(t, issued.Command.CompletedAt)

	var pending []wire.CommandView
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/api/agents/"+agentID+"/pending?limit=10", nil, &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, issued.Command.ID, pending[0].ID)
	assert.Equal(t, "ls", pending[0].Text)
	assert.Equal(t, "pending", pending[0].Status)

	var done wire.CommandView
	status = doJSON(t, http.MethodPost, srv.URL+"/api/commands/"+issued.Command.ID+"/result", map[string]any{
		"result": map[string]string{"output": "a.txt"},
		"status": "completed",
	}, &done)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "completed", done.Status)
	require.NotNil(t, done.Result)
	assert.JSONEq(t, `{"output":"a.txt"}`, *done.Result)
	assert.NotNil(t, done.CompletedAt)

	pending = nil
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/api/agents/"+agentID+"/pending", nil, &pending))
	assert.Empty(t, pending)

	var detail AgentDetailResponse
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/api/agents/"+agentID, nil, &detail))
	require.Len(t, detail.Commands, 1)
	assert.Equal(t, "completed", detail.Commands[0].Status)
	assert.JSONEq(t, `{"output":"a.txt"}`, *detail.Commands[0].Result)

	// A second submission is rejected and changes nothing.
	var errBody map[string]string
	status = doJSON(t, http.MethodPost, srv.URL+"/api/commands/"+issued.Command.ID+"/result", map[string]any{
		"result": "other", "status": "failed",
	}, &errBody)
	assert.Equal(t, http.StatusConflict, status)
	assert.NotEmpty(t, errBody["error"])

	var again wire.CommandView
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/api/commands/"+issued.Command.ID, nil, &again))
	assert.Equal(t, "completed", again.Status)
	assert.JSONEq(t, `{"output":"a.txt"}`, *again.Result)
}

func TestHandleSubmitResult_StringResultAndDefaultStatus(t *testing.T) {
	_, srv := newTestGateway(t)
	agentID := registerAgent(t, srv, "lab-1")

	var issued IssueCommandResponse
	doJSON(t, http.MethodPost, srv.URL+"/api/commands", IssueCommandRequest{AgentID: agentID, Command: "whoami"}, &issued)

	var done wire.CommandView
	status := doJSON(t, http.MethodPost, srv.URL+"/api/commands/"+issued.Command.ID+"/result", map[string]any{"result": "root\n"}, &done)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "completed", done.Status)
	assert.Equal(t, "root\n", *done.Result)
}

func TestHandleIssueCommand_Errors(t *testing.T) {
	_, srv := newTestGateway(t)
	agentID := registerAgent(t, srv, "lab-1")

	tests := []struct {
		name string
		body any
		want int
	}{
		{"unknown agent", IssueCommandRequest{AgentID: "nope", Command: "ls"}, http.StatusNotFound},
		{"missing agent", IssueCommandRequest{Command: "ls"}, http.StatusBadRequest},
		{"empty command", IssueCommandRequest{AgentID: agentID, Command: "  "}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var errBody map[string]string
			assert.Equal(t, tt.want, doJSON(t, http.MethodPost, srv.URL+"/api/commands", tt.body, &errBody))
			assert.NotEmpty(t, errBody["error"])
		})
	}

	var history []wire.CommandView
	doJSON(t, http.MethodGet, srv.URL+"/api/agents/"+agentID+"/commands", nil, &history)
	assert.Empty(t, history, "rejected issues create nothing")
}

func TestHandleSubmitResult_Errors(t *testing.T) {
	_, srv := newTestGateway(t)
	agentID := registerAgent(t, srv, "lab-1")

	var issued IssueCommandResponse
	doJSON(t, http.MethodPost, srv.URL+"/api/commands", IssueCommandRequest{AgentID: agentID, Command: "ls"}, &issued)

	status := doJSON(t, http.MethodPost, srv.URL+"/api/commands/"+issued.Command.ID+"/result", map[string]any{"result": "x", "status": "pending"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status = doJSON(t, http.MethodPost, srv.URL+"/api/commands/missing/result", map[string]any{"result": "x"}, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestHandlePollPending_Errors(t *testing.T) {
	_, srv := newTestGateway(t)
	agentID := registerAgent(t, srv, "lab-1")

	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodGet, srv.URL+"/api/agents/nope/pending", nil, nil))
	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodGet, srv.URL+"/api/agents/"+agentID+"/pending?limit=abc", nil, nil))
	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodGet, srv.URL+"/api/agents/"+agentID+"/pending?limit=-1", nil, nil))
}

func TestHandlePollPending_LimitAndOrder(t *testing.T) {
	_, srv := newTestGateway(t)
	agentID := registerAgent(t, srv, "lab-1")

	var ids []string
	for i := range 3 {
		var issued IssueCommandResponse
		doJSON(t, http.MethodPost, srv.URL+"/api/commands", IssueCommandRequest{AgentID: agentID, Command: fmt.Sprintf("cmd-%d", i)}, &issued)
		ids = append(ids, issued.Command.ID)
	}

	var pending []wire.CommandView
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/api/agents/"+agentID+"/pending?limit=2", nil, &pending))
	require.Len(t, pending, 2)
	assert.Equal(t, ids[2], pending[0].ID, "newest first")
	assert.Equal(t, ids[1], pending[1].ID)
}

func TestHandleDeleteAgent(t *testing.T) {
	gw, srv := newTestGateway(t)
	agentID := registerAgent(t, srv, "lab-1")
	other := registerAgent(t, srv, "lab-2")

	var issued IssueCommandResponse
	doJSON(t, http.MethodPost, srv.URL+"/api/commands", IssueCommandRequest{AgentID: agentID, Command: "ls"}, &issued)

	gw.connections.Attach(agentID, agent.RoleAgent, agent.ChannelFunc(func(context.Context, *wire.Envelope) error { return nil }))
	require.True(t, gw.connections.IsAgentConnected(agentID))

	require.Equal(t, http.StatusOK, doJSON(t, http.MethodDelete, srv.URL+"/api/agents/"+agentID, nil, nil))
	assert.False(t, gw.connections.IsAgentConnected(agentID), "push channel dropped with the agent")

	var agents []wire.AgentView
	doJSON(t, http.MethodGet, srv.URL+"/api/agents", nil, &agents)
	require.Len(t, agents, 1)
	assert.Equal(t, other, agents[0].ID)

	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodGet, srv.URL+"/api/agents/"+agentID+"/pending", nil, nil))
	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodGet, srv.URL+"/api/agents/"+agentID, nil, nil))
	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodGet, srv.URL+"/api/commands/"+issued.Command.ID, nil, nil))

	// Deleting again is not an error.
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodDelete, srv.URL+"/api/agents/"+agentID, nil, nil))
}

// uploadFile posts a multipart upload and returns the status and decoded file view.
func uploadFile(t *testing.T, srv *httptest.Server, agentID, category, filename string, data []byte) (int, wire.FileView) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("agent_id", agentID))
	require.NoError(t, mw.WriteField("category", category))
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(srv.URL+"/api/upload", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()

	var view wire.FileView
	if resp.StatusCode == http.StatusCreated {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	}
	return resp.StatusCode, view
}

func TestHandleUpload(t *testing.T) {
	_, srv := newTestGateway(t)
	agentID := registerAgent(t, srv, "lab-1")
	data := []byte("not really a png")

	status, view := uploadFile(t, srv, agentID, "screenshot", "shot.png", data)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "shot.png", view.Filename)
	assert.Equal(t, "screenshot", view.Category)
	assert.Equal(t, int64(len(data)), view.SizeBytes)
	assert.Contains(t, view.StoredPath, "screenshots/")

	sum := blake3.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), view.Digest)

	resp, err := http.Get(srv.URL + "/uploads/" + view.StoredPath)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, data, body)

	var recs []wire.FileView
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/api/agents/"+agentID+"/files", nil, &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, view.ID, recs[0].ID)
}

func TestHandleUpload_Errors(t *testing.T) {
	_, srv := newTestGateway(t)
	agentID := registerAgent(t, srv, "lab-1")

	status, _ := uploadFile(t, srv, "nope", "document", "a.txt", []byte("x"))
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = uploadFile(t, srv, agentID, "video", "big.mp4", make([]byte, 2<<20))
	assert.Equal(t, http.StatusRequestEntityTooLarge, status)

	var recs []wire.FileView
	doJSON(t, http.MethodGet, srv.URL+"/api/agents/"+agentID+"/files", nil, &recs)
	assert.Empty(t, recs)
}

// countingReader counts the bytes the handler pulled from the request body.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func TestHandleUpload_StopsReadingOversizedBody(t *testing.T) {
	gw, srv := newTestGateway(t)
	agentID := registerAgent(t, srv, "lab-1")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("agent_id", agentID))
	require.NoError(t, mw.WriteField("category", "video"))
	fw, err := mw.CreateFormFile("file", "huge.mp4")
	require.NoError(t, err)
	_, err = fw.Write(make([]byte, 8<<20))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	body := &countingReader{r: &buf}
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.LessOrEqual(t, body.n, gw.config.Uploads.MaxBytes+multipartOverhead+1, "body is cut off at the upload limit")
}

func TestHandleIngestFile(t *testing.T) {
	_, srv := newTestGateway(t)
	agentID := registerAgent(t, srv, "lab-1")

	var view wire.FileView
	status := doJSON(t, http.MethodPost, srv.URL+"/api/files", IngestFileRequest{
		AgentID:    agentID,
		Filename:   "payload.exe",
		Category:   "exe",
		SizeBytes:  1024,
		StoredPath: "/store/x",
	}, &view)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "other", view.Category)
	assert.Equal(t, int64(1024), view.SizeBytes)

	status = doJSON(t, http.MethodPost, srv.URL+"/api/files", IngestFileRequest{AgentID: agentID, Filename: "x", SizeBytes: -1, StoredPath: "/x"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestHandleStats(t *testing.T) {
	gw, srv := newTestGateway(t)
	agentID := registerAgent(t, srv, "lab-1")
	registerAgent(t, srv, "lab-2")

	doJSON(t, http.MethodPost, srv.URL+"/api/commands", IssueCommandRequest{AgentID: agentID, Command: "ls"}, nil)
	status, _ := uploadFile(t, srv, agentID, "document", "notes.txt", []byte("hello"))
	require.Equal(t, http.StatusCreated, status)

	gw.connections.Attach("obs", agent.RoleObserver, agent.ChannelFunc(func(context.Context, *wire.Envelope) error { return nil }))

	var st StatsResponse
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/api/stats", nil, &st))
	assert.Equal(t, 2, st.TotalAgents)
	assert.Equal(t, 2, st.OnlineAgents)
	assert.Equal(t, 1, st.TotalCommands)
	assert.Equal(t, 1, st.PendingCommands)
	assert.Equal(t, 1, st.TotalFiles)
	assert.Equal(t, int64(5), st.TotalStorageBytes)
	assert.Equal(t, 1, st.ObserverChannels)
	assert.Equal(t, 0, st.AgentChannels)
	assert.NotZero(t, st.EventsPublished)
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{agent.ErrAgentNotFound, http.StatusNotFound},
		{command.ErrCommandNotFound, http.StatusNotFound},
		{command.ErrInvalidTransition, http.StatusConflict},
		{command.ErrInvalidStatus, http.StatusBadRequest},
		{command.ErrEmptyCommand, http.StatusBadRequest},
		{files.ErrInvalidUpload, http.StatusBadRequest},
		{fmt.Errorf("saving: %w", files.ErrTooLarge), http.StatusRequestEntityTooLarge},
		{store.Unavailable(errors.New("disk I/O error")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusForError(tt.err), tt.err.Error())
	}
}

func TestResultText(t *testing.T) {
	assert.Equal(t, "", resultText(nil))
	assert.Equal(t, "", resultText([]byte("null")))
	assert.Equal(t, "plain", resultText([]byte(`"plain"`)))
	assert.Equal(t, `{"output":"a.txt"}`, resultText([]byte(` {"output":"a.txt"} `)))
	assert.Equal(t, "42", resultText([]byte("42")))
}

func TestBytesToMB(t *testing.T) {
	assert.Equal(t, 0.0, bytesToMB(0))
	assert.Equal(t, 1.0, bytesToMB(1<<20))
	assert.Equal(t, 1.5, bytesToMB(3<<19))
	assert.Equal(t, 0.01, bytesToMB(10_000))
}
