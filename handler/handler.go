// Package handler exposes the orchestrator behind an AWS Lambda proxy
// endpoint, aggregating the item stream into one JSON response.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"market-agent/internal/logic"
	"market-agent/internal/orchestrator"
)

const correlationHeader = "X-Correlation-Id"

// orchestratorAPI is the slice of the orchestrator the handler depends on.
type orchestratorAPI interface {
	ProcessPrompt(ctx context.Context, prompt orchestrator.Prompt, params orchestrator.Params) <-chan orchestrator.Item
	RequestStatus(requestID string) orchestrator.Status
}

type Handler struct {
	orc    orchestratorAPI
	logger *zap.Logger
}

func NewHandler(orc orchestratorAPI, logger *zap.Logger) (*Handler, error) {
	if orc == nil {
		return nil, errors.New("handler: orchestrator must not be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{orc: orc, logger: logger}, nil
}

type promptDoc struct {
	ID      string `json:"id,omitempty"`
	Version string `json:"version,omitempty"`
	Text    string `json:"text,omitempty"`
}

type workflowMapDoc struct {
	Primary  string   `json:"primary"`
	Parallel []string `json:"parallel,omitempty"`
}

// parametersDoc mirrors the wire shape of request parameters. Flags that
// default to true are pointers so an absent field keeps the default.
type parametersDoc struct {
	UserID          string          `json:"user_id,omitempty"`
	ConversationID  string          `json:"conversation_id,omitempty"`
	SessionID       string          `json:"session_id,omitempty"`
	Stream          bool            `json:"stream,omitempty"`
	StoreConv       *bool           `json:"store_conv,omitempty"`
	IncludeHistory  *bool           `json:"include_conversation_history,omitempty"`
	HistoryLimit    int             `json:"history_limit,omitempty"`
	SystemPrompt    *promptDoc      `json:"system_prompt,omitempty"`
	Workflow        string          `json:"workflow,omitempty"`
	WorkflowMap     *workflowMapDoc `json:"workflow_map,omitempty"`
	WorkflowExclude []string        `json:"workflow_exclude,omitempty"`
	Ext             map[string]any  `json:"ext,omitempty"`
}

type promptRequest struct {
	Prompt     *promptDoc    `json:"prompt"`
	Parameters parametersDoc `json:"parameters"`
	RequestID  string        `json:"request_id,omitempty"`
}

type promptResponse struct {
	RequestID      string              `json:"request_id"`
	ConversationID string              `json:"conversation_id"`
	Items          []orchestrator.Item `json:"items"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(event.Headers)

	switch event.Path {
	case "/status":
		return h.handleStatus(event, corrID), nil
	default:
		return h.handlePrompt(ctx, event, corrID), nil
	}
}

func (h *Handler) handlePrompt(ctx context.Context, event events.APIGatewayProxyRequest, corrID string) events.APIGatewayProxyResponse {
	var req promptRequest
	if err := json.Unmarshal([]byte(event.Body), &req); err != nil {
		return respond(http.StatusBadRequest, corrID, errorResponse{Error: "INVALID_INPUT", Message: "request body is not valid JSON"})
	}
	if req.Prompt == nil || (strings.TrimSpace(req.Prompt.Text) == "" && strings.TrimSpace(req.Prompt.ID) == "") {
		return respond(http.StatusBadRequest, corrID, errorResponse{Error: "INVALID_INPUT", Message: "prompt must carry text or an id"})
	}

	prompt := orchestrator.Prompt{ID: req.Prompt.ID, Version: req.Prompt.Version, Text: req.Prompt.Text}
	params := toParams(req.Parameters)

	h.logger.Info("processing prompt",
		zap.String("correlation_id", corrID),
		zap.String("user_id", params.UserID),
		zap.Bool("stream", params.Stream))

	var items []orchestrator.Item
	for item := range h.orc.ProcessPrompt(ctx, prompt, params) {
		items = append(items, item)
	}

	out := promptResponse{Items: items}
	if len(items) > 0 {
		out.RequestID = items[0].RequestID
		out.ConversationID = items[0].ConversationID
	}
	return respond(http.StatusOK, corrID, out)
}

func (h *Handler) handleStatus(event events.APIGatewayProxyRequest, corrID string) events.APIGatewayProxyResponse {
	requestID := strings.TrimSpace(event.QueryStringParameters["request_id"])
	if requestID == "" {
		var req promptRequest
		if err := json.Unmarshal([]byte(event.Body), &req); err == nil {
			requestID = strings.TrimSpace(req.RequestID)
		}
	}
	if requestID == "" {
		return respond(http.StatusBadRequest, corrID, errorResponse{Error: "INVALID_INPUT", Message: "request_id is required"})
	}
	return respond(http.StatusOK, corrID, h.orc.RequestStatus(requestID))
}

func toParams(p parametersDoc) orchestrator.Params {
	params := orchestrator.Params{
		UserID:            p.UserID,
		ConversationID:    p.ConversationID,
		SessionID:         p.SessionID,
		Stream:            p.Stream,
		StoreConversation: true,
		IncludeHistory:    true,
		HistoryLimit:      p.HistoryLimit,
		Workflow:          p.Workflow,
		WorkflowExclude:   p.WorkflowExclude,
		Ext:               p.Ext,
	}
	if p.StoreConv != nil {
		params.StoreConversation = *p.StoreConv
	}
	if p.IncludeHistory != nil {
		params.IncludeHistory = *p.IncludeHistory
	}
	if p.SystemPrompt != nil {
		params.SystemPrompt = &orchestrator.Prompt{ID: p.SystemPrompt.ID, Version: p.SystemPrompt.Version, Text: p.SystemPrompt.Text}
	}
	if p.WorkflowMap != nil {
		params.WorkflowMap = &logic.Map{Primary: p.WorkflowMap.Primary, Parallel: p.WorkflowMap.Parallel}
	}
	return params
}

func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return uuid.NewString()
}

func respond(status int, corrID string, body any) events.APIGatewayProxyResponse {
	buf, err := json.Marshal(body)
	if err != nil {
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusInternalServerError,
			Headers:    map[string]string{"Content-Type": "application/json", correlationHeader: corrID},
			Body:       `{"error":"INTERNAL_ERROR"}`,
		}
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json", correlationHeader: corrID},
		Body:       string(buf),
	}
}
