package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"market-agent/internal/orchestrator"
)

type stubOrchestrator struct {
	items      []orchestrator.Item
	status     orchestrator.Status
	prompt     orchestrator.Prompt
	params     orchestrator.Params
	statusID   string
	processed  bool
	statusSeen bool
}

func (s *stubOrchestrator) ProcessPrompt(_ context.Context, prompt orchestrator.Prompt, params orchestrator.Params) <-chan orchestrator.Item {
	s.processed = true
	s.prompt = prompt
	s.params = params
	out := make(chan orchestrator.Item, len(s.items))
	for _, item := range s.items {
		out <- item
	}
	close(out)
	return out
}

func (s *stubOrchestrator) RequestStatus(requestID string) orchestrator.Status {
	s.statusSeen = true
	s.statusID = requestID
	return s.status
}

func makeEvent(path, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       path,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil, nil)
	require.Error(t, err)
}

func TestHandle_PromptHappyPath(t *testing.T) {
	orc := &stubOrchestrator{items: []orchestrator.Item{
		{Response: map[string]any{"summary": map[string]any{"text": "hi"}}, RequestID: "r1", ConversationID: "c1", Status: "completed"},
	}}
	h, err := NewHandler(orc, nil)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent("/prompt", `{
		"prompt": {"text": "How is AAPL?"},
		"parameters": {"user_id": "u1", "conversation_id": "c1"}
	}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, orc.processed)
	require.Equal(t, "How is AAPL?", orc.prompt.Text)
	require.Equal(t, "u1", orc.params.UserID)

	out := parseBody[promptResponse](t, resp.Body)
	require.Equal(t, "r1", out.RequestID)
	require.Equal(t, "c1", out.ConversationID)
	require.Len(t, out.Items, 1)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
}

func TestHandle_DefaultsStoreAndHistoryFlags(t *testing.T) {
	orc := &stubOrchestrator{}
	h, err := NewHandler(orc, nil)
	require.NoError(t, err)

	_, err = h.Handle(context.Background(), makeEvent("/prompt", `{"prompt":{"text":"hi"},"parameters":{}}`))
	require.NoError(t, err)
	require.True(t, orc.params.StoreConversation)
	require.True(t, orc.params.IncludeHistory)

	_, err = h.Handle(context.Background(), makeEvent("/prompt", `{
		"prompt": {"text": "hi"},
		"parameters": {"store_conv": false, "include_conversation_history": false}
	}`))
	require.NoError(t, err)
	require.False(t, orc.params.StoreConversation)
	require.False(t, orc.params.IncludeHistory)
}

func TestHandle_PassesWorkflowMap(t *testing.T) {
	orc := &stubOrchestrator{}
	h, err := NewHandler(orc, nil)
	require.NoError(t, err)

	_, err = h.Handle(context.Background(), makeEvent("/prompt", `{
		"prompt": {"text": "hi"},
		"parameters": {"workflow_map": {"primary": "direct_query", "parallel": ["news_query"]}}
	}`))
	require.NoError(t, err)
	require.NotNil(t, orc.params.WorkflowMap)
	require.Equal(t, "direct_query", orc.params.WorkflowMap.Primary)
	require.Equal(t, []string{"news_query"}, orc.params.WorkflowMap.Parallel)
}

func TestHandle_InvalidBody(t *testing.T) {
	h, err := NewHandler(&stubOrchestrator{}, nil)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent("/prompt", `not-json`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, "INVALID_INPUT", out.Error)
}

func TestHandle_MissingPrompt(t *testing.T) {
	h, err := NewHandler(&stubOrchestrator{}, nil)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent("/prompt", `{"parameters":{}}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandle_StatusLookup(t *testing.T) {
	orc := &stubOrchestrator{status: orchestrator.Status{RequestID: "r1", Status: "completed"}}
	h, err := NewHandler(orc, nil)
	require.NoError(t, err)

	event := makeEvent("/status", "")
	event.QueryStringParameters = map[string]string{"request_id": "r1"}
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, orc.statusSeen)
	require.Equal(t, "r1", orc.statusID)

	out := parseBody[orchestrator.Status](t, resp.Body)
	require.Equal(t, "completed", out.Status)
}

func TestHandle_StatusFromBody(t *testing.T) {
	orc := &stubOrchestrator{status: orchestrator.Status{RequestID: "r2", Status: "not_found"}}
	h, err := NewHandler(orc, nil)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent("/status", `{"request_id":"r2"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "r2", orc.statusID)
}

func TestHandle_StatusMissingID(t *testing.T) {
	h, err := NewHandler(&stubOrchestrator{}, nil)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent("/status", `{}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	orc := &stubOrchestrator{}
	h, err := NewHandler(orc, nil)
	require.NoError(t, err)

	event := makeEvent("/prompt", `{"prompt":{"text":"hi"}}`)
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}
