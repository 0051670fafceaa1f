// Package orchestrator drives the request lifecycle: prompt resolution,
// workflow selection and execution, incremental persistence of produced
// turns, and in-memory request bookkeeping.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"market-agent/internal/conversation"
	"market-agent/internal/logic"
	"market-agent/internal/workflow"
)

const (
	statusProcessing = "processing"
	statusCompleted  = "completed"
	statusFailed     = "failed"
	statusNotFound   = "not_found"

	defaultHistoryLimit = 10
	defaultStreamPace   = time.Second

	defaultSystemPrompt = "You are a helpful assistant."

	// follow-up suggestions ride along in responses but are never persisted
	// as conversation turns.
	reservedFollowUpsKey = "follow_up_questions"
)

// Prompt identifies prompt text either inline (Text set) or as an (ID,
// Version) pair resolved through the prompt resolver.
type Prompt struct {
	ID      string
	Version string
	Text    string
}

// Params carry the recognized per-request knobs. Ext is an open pass-through
// handed to workflows untouched.
type Params struct {
	UserID            string
	ConversationID    string
	SessionID         string
	Stream            bool
	StoreConversation bool
	IncludeHistory    bool
	HistoryLimit      int
	SystemPrompt      *Prompt
	Workflow          string
	WorkflowMap       *logic.Map
	WorkflowExclude   []string
	Ext               map[string]any
}

// Item is one output document handed to the caller. Failures arrive as a
// single well-formed Item with Error set, never as a dropped stream.
type Item struct {
	Response       any    `json:"response"`
	RequestID      string `json:"request_id"`
	ConversationID string `json:"conversation_id"`
	Workflow       string `json:"workflow,omitempty"`
	Status         string `json:"status,omitempty"`
	Data           any    `json:"data,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Status is the tracked request document. Requests live in memory only and
// disappear on process restart.
type Status struct {
	RequestID      string    `json:"request_id"`
	Prompt         string    `json:"prompt"`
	Status         string    `json:"status"`
	Workflow       string    `json:"workflow,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// conversationStore is the slice of the conversation store the orchestrator
// depends on.
type conversationStore interface {
	CreateConversation(ctx context.Context, userID, conversationID, title string, metadata map[string]any) error
	AddMessage(ctx context.Context, payload string, p conversation.MessageParams) error
	AddLLMMessage(ctx context.Context, userID, conversationID string, data map[string]any) error
	FetchLLMConversations(ctx context.Context, userID, conversationID string, limit int, cursor map[string]types.AttributeValue) conversation.FetchResult
}

// promptResolver resolves referenced prompts; inline prompts never touch it.
type promptResolver interface {
	GetPrompt(ctx context.Context, id, version string) (string, error)
	GetPrompts(ctx context.Context, sysID, sysVersion, userID, userVersion string) (string, string, error)
}

// Orchestrator owns the request map and the wiring between prompt resolution,
// business-logic routing, workflow execution, and conversation persistence.
type Orchestrator struct {
	store     conversationStore
	resolver  promptResolver
	workflows *workflow.Registry
	logic     *logic.Router
	logger    *zap.Logger

	mu       sync.Mutex
	requests map[string]*Status

	now   func() time.Time
	newID func() string
	pace  time.Duration
}

// New creates an Orchestrator. The resolver may be nil, in which case only
// inline prompts are accepted.
func New(store conversationStore, resolver promptResolver, registry *workflow.Registry, router *logic.Router, logger *zap.Logger) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("orchestrator: conversation store must not be nil")
	}
	if registry == nil {
		return nil, errors.New("orchestrator: workflow registry must not be nil")
	}
	if router == nil {
		return nil, errors.New("orchestrator: logic router must not be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:     store,
		resolver:  resolver,
		workflows: registry,
		logic:     router,
		logger:    logger,
		requests:  map[string]*Status{},
		now:       time.Now,
		newID:     uuid.NewString,
		pace:      defaultStreamPace,
	}, nil
}

// ProcessPrompt runs the full lifecycle for one prompt and returns the output
// stream. The channel is closed when the request ends; every item carries the
// resolved conversation id.
func (o *Orchestrator) ProcessPrompt(ctx context.Context, prompt Prompt, params Params) <-chan Item {
	out := make(chan Item)
	requestID := o.newID()
	conversationID := strings.TrimSpace(params.ConversationID)
	if conversationID == "" {
		conversationID = o.newID()
	}

	go func() {
		defer close(out)

		userText, systemText, err := o.resolvePrompts(ctx, prompt, params)
		o.track(requestID, userText, conversationID)
		if err != nil {
			o.fail(ctx, out, requestID, conversationID, err)
			return
		}

		var history []map[string]any
		if params.IncludeHistory {
			limit := params.HistoryLimit
			if limit <= 0 {
				limit = defaultHistoryLimit
			}
			res := o.store.FetchLLMConversations(ctx, params.UserID, conversationID, limit, nil)
			if res.Failed() {
				o.logger.Warn("history fetch failed",
					zap.String("request_id", requestID),
					zap.String("error", res.ErrorMessage))
			} else {
				history = res.History
			}
		}

		wfMap := o.logic.WorkflowMap(userText, logic.Options{
			Workflow: params.Workflow,
			Map:      params.WorkflowMap,
			Exclude:  params.WorkflowExclude,
		})
		o.setWorkflow(requestID, wfMap.Primary)

		req := workflow.Request{
			UserPrompt:   userText,
			SystemPrompt: systemText,
			History:      history,
			Params:       params.Ext,
		}

		if len(wfMap.Parallel) > 0 {
			o.runParallel(ctx, out, requestID, conversationID, wfMap, req, params)
			return
		}
		o.runSingle(ctx, out, requestID, conversationID, wfMap.Primary, req, params)
	}()
	return out
}

// RequestStatus returns the tracked request document, or a "not_found"
// sentinel. Read-only.
func (o *Orchestrator) RequestStatus(requestID string) Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	if st, ok := o.requests[requestID]; ok {
		return *st
	}
	return Status{RequestID: requestID, Status: statusNotFound}
}

func (o *Orchestrator) resolvePrompts(ctx context.Context, prompt Prompt, params Params) (string, string, error) {
	if text := strings.TrimSpace(prompt.Text); text != "" {
		systemText := defaultSystemPrompt
		if sp := params.SystemPrompt; sp != nil && strings.TrimSpace(sp.Text) != "" {
			systemText = sp.Text
		}
		return text, systemText, nil
	}

	if strings.TrimSpace(prompt.ID) == "" {
		return "", "", errors.New("orchestrator: prompt must carry text or an id")
	}
	sp := params.SystemPrompt
	if sp == nil || strings.TrimSpace(sp.ID) == "" {
		return "", "", errors.New("orchestrator: system prompt must carry an id")
	}
	if o.resolver == nil {
		return "", "", errors.New("orchestrator: no prompt resolver configured")
	}
	systemText, userText, err := o.resolver.GetPrompts(ctx, sp.ID, sp.Version, prompt.ID, prompt.Version)
	if err != nil {
		return "", "", fmt.Errorf("orchestrator: resolve prompts: %w", err)
	}
	return userText, systemText, nil
}

func (o *Orchestrator) runSingle(ctx context.Context, out chan<- Item, requestID, conversationID, workflowID string, req workflow.Request, params Params) {
	wf, err := o.workflows.Resolve(workflowID)
	if err != nil {
		o.fail(ctx, out, requestID, conversationID, err)
		return
	}
	stream, err := wf.Execute(ctx, req)
	if err != nil {
		o.fail(ctx, out, requestID, conversationID, err)
		return
	}

	storeConv := params.StoreConversation && strings.TrimSpace(params.UserID) != ""
	conversationCreated := false
	for res := range stream {
		if res.Err != nil {
			o.fail(ctx, out, requestID, conversationID, res.Err)
			return
		}
		if storeConv {
			if !conversationCreated {
				o.persistQuestion(ctx, requestID, conversationID, req.UserPrompt, params)
				conversationCreated = true
			}
			o.persistResponse(ctx, requestID, conversationID, params, res.Response)
		}

		status := res.Status
		if status == "" {
			status = statusCompleted
		}
		o.complete(requestID)
		sent := send(ctx, out, Item{
			Response:       res.Response,
			RequestID:      requestID,
			ConversationID: conversationID,
			Workflow:       workflowID,
			Status:         status,
			Data:           res.Data,
		})
		if !sent {
			return
		}
		if params.Stream {
			if !o.sleep(ctx) {
				return
			}
		}
	}
}

// runParallel fans the request out to the primary and parallel workflows,
// waits for all of them, and emits one aggregate item. Individual failures
// are captured per workflow and never abort siblings.
func (o *Orchestrator) runParallel(ctx context.Context, out chan<- Item, requestID, conversationID string, m logic.Map, req workflow.Request, params Params) {
	ids := append([]string{m.Primary}, m.Parallel...)
	outcomes := make([]map[string]any, len(ids))

	var g errgroup.Group
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			doc, err := o.executeToCompletion(ctx, id, req)
			if err != nil {
				o.logger.Error("workflow failed",
					zap.String("request_id", requestID),
					zap.String("workflow", id),
					zap.Error(err))
				outcomes[i] = map[string]any{"status": statusFailed, "error": err.Error()}
				return nil
			}
			outcomes[i] = doc
			return nil
		})
	}
	_ = g.Wait()

	aggregate := make(map[string]any, len(ids))
	for i, id := range ids {
		aggregate[id] = outcomes[i]
	}

	var primaryResponse map[string]any
	if resp, ok := outcomes[0]["response"].(map[string]any); ok {
		primaryResponse = resp
	}

	if params.StoreConversation && strings.TrimSpace(params.UserID) != "" && primaryResponse != nil {
		o.persistQuestion(ctx, requestID, conversationID, req.UserPrompt, params)
		o.persistResponse(ctx, requestID, conversationID, params, primaryResponse)
	}

	o.complete(requestID)
	send(ctx, out, Item{
		Response:       primaryResponse,
		RequestID:      requestID,
		ConversationID: conversationID,
		Workflow:       m.Primary,
		Status:         statusCompleted,
		Data:           aggregate,
	})
}

// executeToCompletion drains one workflow's stream and returns its final
// document.
func (o *Orchestrator) executeToCompletion(ctx context.Context, workflowID string, req workflow.Request) (map[string]any, error) {
	wf, err := o.workflows.Resolve(workflowID)
	if err != nil {
		return nil, err
	}
	stream, err := wf.Execute(ctx, req)
	if err != nil {
		return nil, err
	}

	var last *workflow.Result
	for res := range stream {
		res := res
		last = &res
	}
	if last == nil {
		return nil, fmt.Errorf("orchestrator: workflow %q produced no result", workflowID)
	}
	if last.Err != nil {
		return nil, last.Err
	}
	status := last.Status
	if status == "" {
		status = statusCompleted
	}
	doc := map[string]any{
		"workflow": workflowID,
		"status":   status,
		"response": last.Response,
	}
	if last.Data != nil {
		doc["data"] = last.Data
	}
	return doc, nil
}

// persistQuestion records the conversation row and the original user question
// as both a user-message and an llm-message. Persistence failures are logged
// and never interrupt the output stream.
func (o *Orchestrator) persistQuestion(ctx context.Context, requestID, conversationID, userText string, params Params) {
	if err := o.store.CreateConversation(ctx, params.UserID, conversationID, userText, nil); err != nil {
		o.logger.Error("create conversation failed",
			zap.String("request_id", requestID),
			zap.String("conversation_id", conversationID),
			zap.Error(err))
	}

	turn := map[string]any{
		"role":       "user",
		"content":    userText,
		"name":       "User",
		"type":       "text",
		"message_id": requestID,
	}
	if err := o.store.AddLLMMessage(ctx, params.UserID, conversationID, turn); err != nil {
		o.logger.Error("store user turn failed",
			zap.String("request_id", requestID),
			zap.Error(err))
	}

	err := o.store.AddMessage(ctx, userText, conversation.MessageParams{
		UserID:         params.UserID,
		ConversationID: conversationID,
		SessionID:      params.SessionID,
		RequestID:      requestID,
		QueryType:      "user_question",
	})
	if err != nil {
		o.logger.Error("store user question failed",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}

// persistResponse stores each named sub-payload of a produced response as a
// user-message plus llm-message pair. Sub-payloads are visited in sorted key
// order so composite item ids are deterministic.
func (o *Orchestrator) persistResponse(ctx context.Context, requestID, conversationID string, params Params, response map[string]any) {
	keys := make([]string, 0, len(response))
	for k := range response {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, queryType := range keys {
		if queryType == reservedFollowUpsKey {
			continue
		}
		sub, ok := response[queryType].(map[string]any)
		if !ok {
			continue
		}

		payload := make(map[string]any, len(sub))
		for k, v := range sub {
			payload[k] = v
		}

		mp := conversation.MessageParams{
			UserID:         params.UserID,
			ConversationID: conversationID,
			SessionID:      params.SessionID,
			RequestID:      requestID,
			QueryType:      queryType,
		}
		turn := map[string]any{"role": "assistant", "name": "Assistant"}
		if mid, ok := payload["message_id"].(string); ok {
			mp.MessageID = mid
			turn["message_id"] = mid
			delete(payload, "message_id")
		}
		if v, ok := payload["rds_data"]; ok {
			mp.RDSData = v
			mp.HasRDSData = true
			delete(payload, "rds_data")
		}
		if v, ok := payload["rds_columns"]; ok {
			mp.RDSColumns = v
			mp.HasRDSColumns = true
			delete(payload, "rds_columns")
		}
		if v, ok := payload["rds_column_definitions"]; ok {
			mp.RDSColumnDefinitions = v
			mp.HasRDSColumnDefs = true
			delete(payload, "rds_column_definitions")
		}

		buf, err := json.Marshal(payload)
		if err != nil {
			o.logger.Error("marshal sub-payload failed",
				zap.String("request_id", requestID),
				zap.String("query_type", queryType),
				zap.Error(err))
			continue
		}
		if err := o.store.AddMessage(ctx, string(buf), mp); err != nil {
			o.logger.Error("store sub-payload failed",
				zap.String("request_id", requestID),
				zap.String("query_type", queryType),
				zap.Error(err))
		}

		turn["content"] = payload
		if queryType == "stock_data" {
			turn["type"] = "data_frame"
		} else {
			turn["type"] = "text"
		}
		if err := o.store.AddLLMMessage(ctx, params.UserID, conversationID, turn); err != nil {
			o.logger.Error("store assistant turn failed",
				zap.String("request_id", requestID),
				zap.String("query_type", queryType),
				zap.Error(err))
		}
	}
}

// fail flips the request to failed and emits the single terminal error item.
func (o *Orchestrator) fail(ctx context.Context, out chan<- Item, requestID, conversationID string, err error) {
	msg := err.Error()
	o.logger.Error("prompt processing failed",
		zap.String("request_id", requestID),
		zap.Error(err))

	o.mu.Lock()
	if st := o.requests[requestID]; st != nil {
		st.Status = statusFailed
		st.Error = msg
	}
	o.mu.Unlock()

	send(ctx, out, Item{
		Response:       "Error processing prompt: " + msg,
		RequestID:      requestID,
		ConversationID: conversationID,
		Error:          msg,
	})
}

func (o *Orchestrator) track(requestID, prompt, conversationID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests[requestID] = &Status{
		RequestID:      requestID,
		Prompt:         prompt,
		Status:         statusProcessing,
		ConversationID: conversationID,
		StartedAt:      o.now(),
	}
}

func (o *Orchestrator) setWorkflow(requestID, workflowID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if st := o.requests[requestID]; st != nil {
		st.Workflow = workflowID
	}
}

// complete is forward-only; a failed request never reverts to completed.
func (o *Orchestrator) complete(requestID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if st := o.requests[requestID]; st != nil && st.Status == statusProcessing {
		st.Status = statusCompleted
	}
}

func (o *Orchestrator) sleep(ctx context.Context) bool {
	if o.pace <= 0 {
		return true
	}
	select {
	case <-time.After(o.pace):
		return true
	case <-ctx.Done():
		return false
	}
}

func send(ctx context.Context, out chan<- Item, item Item) bool {
	select {
	case out <- item:
		return true
	case <-ctx.Done():
		return false
	}
}
