package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"market-agent/internal/attr"
	"market-agent/internal/plugin"
)

const (
	kvPluginName = "dynamodb"
	ttlDuration  = 30 * 24 * time.Hour // 30-day TTL
	searchMinLen = 3
)

// ErrInvalidInput marks write-path validation failures (empty required ids,
// empty payloads). Read paths report validation failures through
// FetchResult.ErrorMessage instead.
var ErrInvalidInput = errors.New("conversation: invalid input")

// router is the slice of the plugin router the store depends on.
type router interface {
	Execute(ctx context.Context, query string, p plugin.Params) plugin.Result
}

// Tables names the three backend tables and their user-keyed indexes.
type Tables struct {
	Conversation     string
	ConversationIdx  string
	UserMessage      string
	UserMessageIdx   string
	LLMMessage       string
	LLMMessageIdx    string
}

// MessageParams carries the recognized fields of a user-authored message.
// Optional fields are stored only when present and non-empty.
type MessageParams struct {
	UserID               string
	ConversationID       string
	SessionID            string
	RequestID            string
	MessageID            string
	QueryType            string
	Metadata             map[string]any
	RDSData              any
	RDSColumns           any
	RDSColumnDefinitions any
	HasRDSData           bool
	HasRDSColumns        bool
	HasRDSColumnDefs     bool
}

// FetchResult is the uniform read-path outcome: the normalized tree, the
// flattened history (fetch_llm only), the pagination cursor forwarded from
// the backend, and a validation/backend error as data.
type FetchResult struct {
	Tree             Tree
	History          []map[string]any
	LastEvaluatedKey map[string]types.AttributeValue
	ErrorMessage     string
}

// Failed reports whether the fetch carries an error.
func (r FetchResult) Failed() bool { return r.ErrorMessage != "" }

// Store implements conversation persistence over the plugin router. It is
// stateless apart from its handles; the backend is the system of record.
type Store struct {
	router router
	tables Tables
	logger *zap.Logger
	now    func() time.Time
}

// NewStore creates a Store.
func NewStore(r router, tables Tables, logger *zap.Logger) (*Store, error) {
	if r == nil {
		return nil, errors.New("conversation: router must not be nil")
	}
	for _, name := range []string{tables.Conversation, tables.UserMessage, tables.LLMMessage} {
		if strings.TrimSpace(name) == "" {
			return nil, errors.New("conversation: table names must not be empty")
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{router: r, tables: tables, logger: logger, now: time.Now}, nil
}

func isValid(s string) bool {
	return strings.TrimSpace(s) != ""
}

// createItemID builds the composite item id from whichever identifiers are
// present and non-empty, in a fixed order.
func createItemID(conversationID, sessionID, requestID, messageID string) string {
	var b strings.Builder
	for _, part := range []string{conversationID, sessionID, requestID, messageID} {
		if isValid(part) {
			b.WriteString(part)
		}
	}
	return b.String()
}

func (s *Store) timekeeping(item map[string]types.AttributeValue) {
	now := s.now()
	item["created_at"] = attr.Encode(now.Format(time.RFC3339))
	item["last_updated"] = attr.Encode(int(now.Unix())) // sort key for recency ordering
	item["ttl"] = attr.Encode(int(now.Add(ttlDuration).Unix()))
}

// CreateConversation inserts the conversation row if absent; when it already
// exists the call degrades to bumping last_updated, making creation
// idempotent. Store failures are escalated to errors since a silent write
// failure would corrupt conversation history.
func (s *Store) CreateConversation(ctx context.Context, userID, conversationID, title string, metadata map[string]any) error {
	if !isValid(userID) {
		return fmt.Errorf("%w: user id", ErrInvalidInput)
	}
	if !isValid(conversationID) {
		return fmt.Errorf("%w: conversation id", ErrInvalidInput)
	}
	if !isValid(title) {
		return fmt.Errorf("%w: conversation title", ErrInvalidInput)
	}

	existing := s.router.Execute(ctx, "", plugin.Params{
		Plugin:         kvPluginName,
		FetchData:      true,
		TableName:      s.tables.Conversation,
		IndexName:      s.tables.ConversationIdx,
		PrimaryKeyName: "user_id",
		Filters:        map[string]any{"user_id": userID, "conversation_id": conversationID},
	})

	if existing.Failed() || len(existing.Data) == 0 {
		item := map[string]types.AttributeValue{
			"user_id":            attr.Encode(userID),
			"conversation_id":    attr.Encode(conversationID),
			"conversation_title": attr.Encode(title),
		}
		s.timekeeping(item)
		if len(metadata) > 0 {
			item["metadata"] = attr.Encode(metadata)
		}
		res := s.router.Execute(ctx, "", plugin.Params{
			Plugin:    kvPluginName,
			StoreData: true,
			TableName: s.tables.Conversation,
			PutItem:   item,
		})
		if res.Failed() {
			return fmt.Errorf("conversation: failed to create conversation: %s", res.ErrorMessage)
		}
		return nil
	}

	res := s.router.Execute(ctx, "", plugin.Params{
		Plugin:         kvPluginName,
		UpdateData:     true,
		TableName:      s.tables.Conversation,
		PrimaryKeyName: "user_id",
		SortKeyName:    "conversation_id",
		Updates: map[string]any{
			"user_id":         userID,
			"conversation_id": conversationID,
			"last_updated":    int(s.now().Unix()),
		},
	})
	if res.Failed() {
		return fmt.Errorf("conversation: failed to update conversation: %s", res.ErrorMessage)
	}
	return nil
}

// AddMessage persists a user-authored message. A lower-cased copy of the
// payload is always stored under search_data to support substring search.
func (s *Store) AddMessage(ctx context.Context, payload string, p MessageParams) error {
	if !isValid(payload) {
		return fmt.Errorf("%w: payload", ErrInvalidInput)
	}
	if !isValid(p.UserID) {
		return fmt.Errorf("%w: user id", ErrInvalidInput)
	}
	if !isValid(p.ConversationID) {
		return fmt.Errorf("%w: conversation id", ErrInvalidInput)
	}

	item := map[string]types.AttributeValue{
		"user_id":         attr.Encode(p.UserID),
		"item_id":         attr.Encode(createItemID(p.ConversationID, p.SessionID, p.RequestID, p.MessageID)),
		"conversation_id": attr.Encode(p.ConversationID),
		"query_data":      attr.Encode(payload),
		"search_data":     attr.Encode(strings.ToLower(payload)),
	}
	s.timekeeping(item)
	for field, value := range map[string]string{
		"session_id": p.SessionID,
		"request_id": p.RequestID,
		"query_type": p.QueryType,
		"message_id": p.MessageID,
	} {
		if isValid(value) {
			item[field] = attr.Encode(value)
		}
	}
	if len(p.Metadata) > 0 {
		item["metadata"] = attr.Encode(p.Metadata)
	}
	if p.HasRDSData {
		item["rds_data"] = attr.Encode(p.RDSData)
	}
	if p.HasRDSColumns {
		item["rds_columns"] = attr.Encode(p.RDSColumns)
	}
	if p.HasRDSColumnDefs {
		item["rds_column_definitions"] = attr.Encode(p.RDSColumnDefinitions)
	}

	res := s.router.Execute(ctx, "", plugin.Params{
		Plugin:    kvPluginName,
		StoreData: true,
		TableName: s.tables.UserMessage,
		PutItem:   item,
	})
	if res.Failed() {
		return fmt.Errorf("conversation: failed to add message: %s", res.ErrorMessage)
	}
	return nil
}

// AddLLMMessage persists one produced LLM turn. Every non-nil field of data is
// stored verbatim; the item id is the conversation id concatenated with the
// message id and role when present.
func (s *Store) AddLLMMessage(ctx context.Context, userID, conversationID string, data map[string]any) error {
	if !isValid(userID) {
		return fmt.Errorf("%w: user id", ErrInvalidInput)
	}
	if !isValid(conversationID) {
		return fmt.Errorf("%w: conversation id", ErrInvalidInput)
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: data", ErrInvalidInput)
	}

	item := map[string]types.AttributeValue{
		"user_id":         attr.Encode(userID),
		"conversation_id": attr.Encode(conversationID),
	}
	s.timekeeping(item)

	itemID := conversationID
	for _, k := range []string{"message_id", "role"} {
		if v, ok := data[k].(string); ok && isValid(v) {
			itemID += v
		}
	}
	for k, v := range data {
		if v == nil {
			continue
		}
		item[k] = attr.Encode(v)
	}
	item["item_id"] = attr.Encode(itemID)

	res := s.router.Execute(ctx, "", plugin.Params{
		Plugin:    kvPluginName,
		StoreData: true,
		TableName: s.tables.LLMMessage,
		PutItem:   item,
	})
	if res.Failed() {
		return fmt.Errorf("conversation: failed to add llm message: %s", res.ErrorMessage)
	}
	return nil
}

// conversationDetails fetches the dedicated conversation record; feeds the
// normalizer's title fallback.
func (s *Store) conversationDetails(ctx context.Context, userID, conversationID string) []map[string]any {
	if !isValid(userID) || !isValid(conversationID) {
		return nil
	}
	res := s.router.Execute(ctx, "", plugin.Params{
		Plugin:         kvPluginName,
		FetchData:      true,
		TableName:      s.tables.Conversation,
		IndexName:      s.tables.ConversationIdx,
		PrimaryKeyName: "user_id",
		Filters:        map[string]any{"user_id": userID, "conversation_id": conversationID},
	})
	if res.Failed() || len(res.Data) == 0 {
		return nil
	}
	records := NormalizeRecords(res.Data, false)
	// Details records keep their identity fields for matching.
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		copyRec := make(map[string]any, len(rec)+2)
		for k, v := range rec {
			copyRec[k] = v
		}
		if _, ok := copyRec["user_id"]; !ok {
			copyRec["user_id"] = userID
		}
		if _, ok := copyRec["conversation_id"]; !ok {
			copyRec["conversation_id"] = conversationID
		}
		out = append(out, copyRec)
	}
	return out
}

// FetchLLMConversations returns the ascending-ordered LLM turns for a
// conversation flattened into a plain history list with identity and
// timekeeping fields stripped. This history feeds prompt construction.
func (s *Store) FetchLLMConversations(ctx context.Context, userID, conversationID string, limit int, cursor map[string]types.AttributeValue) FetchResult {
	if !isValid(userID) {
		return FetchResult{ErrorMessage: "Invalid user id provided for fetching conversation."}
	}

	filters := map[string]any{"user_id": userID}
	if isValid(conversationID) {
		filters["conversation_id"] = conversationID
	}
	res := s.router.Execute(ctx, "", plugin.Params{
		Plugin:           kvPluginName,
		FetchData:        true,
		TableName:        s.tables.LLMMessage,
		IndexName:        s.tables.LLMMessageIdx,
		PrimaryKeyName:   "user_id",
		Filters:          filters,
		Limit:            limit,
		SortAscending:    true,
		LastEvaluatedKey: cursor,
	})
	if res.Failed() {
		return FetchResult{ErrorMessage: res.ErrorMessage}
	}

	records := NormalizeRecords(res.Data, true)
	tree := BuildTree(userID, records, TreeOptions{
		Details: func(u, c string) []map[string]any { return s.conversationDetails(ctx, u, c) },
	})

	var history []map[string]any
	for _, u := range tree.Users {
		if u.UserID != userID {
			continue
		}
		for _, c := range u.Conversations {
			if isValid(conversationID) && c.ConversationID != conversationID {
				continue
			}
			for _, m := range c.Messages {
				entry := make(map[string]any, len(m))
				for k, v := range m {
					if k == "created_at" || k == "last_updated" || k == "ttl" || k == "item_id" {
						continue
					}
					entry[k] = v
				}
				history = append(history, entry)
			}
		}
	}

	return FetchResult{Tree: tree, History: history, LastEvaluatedKey: res.LastEvaluatedKey}
}

// GetConversationsForUser lists conversations. With an empty conversation id
// it reads the conversation table (summary listing); with one it reads the
// user-message table and drops single-message conversations, since a real
// conversation has at least two turns.
func (s *Store) GetConversationsForUser(ctx context.Context, userID, conversationID string, limit int, cursor map[string]types.AttributeValue) FetchResult {
	if !isValid(userID) {
		return FetchResult{ErrorMessage: "Invalid user id provided for fetching conversation."}
	}

	p := plugin.Params{
		Plugin:           kvPluginName,
		FetchData:        true,
		PrimaryKeyName:   "user_id",
		Limit:            limit,
		LastEvaluatedKey: cursor,
	}
	onlyConversations := !isValid(conversationID)
	if onlyConversations {
		p.TableName = s.tables.Conversation
		p.IndexName = s.tables.ConversationIdx
		p.Filters = map[string]any{"user_id": userID}
	} else {
		p.TableName = s.tables.UserMessage
		p.IndexName = s.tables.UserMessageIdx
		p.Filters = map[string]any{"user_id": userID, "conversation_id": conversationID}
	}

	res := s.router.Execute(ctx, "", p)
	if res.Failed() {
		return FetchResult{ErrorMessage: res.ErrorMessage}
	}

	records := NormalizeRecords(res.Data, false)
	tree := BuildTree(userID, records, TreeOptions{
		IgnoreSingleMessages: !onlyConversations,
		Details:              func(u, c string) []map[string]any { return s.conversationDetails(ctx, u, c) },
	})
	return FetchResult{Tree: tree, LastEvaluatedKey: res.LastEvaluatedKey}
}

// SearchConversations runs a substring search over the lower-cased search
// field. Queries shorter than three trimmed characters are rejected before
// any I/O. Results are always sorted by recency descending.
func (s *Store) SearchConversations(ctx context.Context, userID, query, conversationID string, limit int, cursor map[string]types.AttributeValue) FetchResult {
	if !isValid(userID) {
		return FetchResult{ErrorMessage: "Invalid user id provided for searching conversation."}
	}
	if !isValid(query) {
		return FetchResult{ErrorMessage: "Invalid search query provided for searching conversation."}
	}
	if len(strings.TrimSpace(query)) < searchMinLen {
		return FetchResult{ErrorMessage: "Search query too small to search anything."}
	}

	filters := map[string]any{"user_id": userID}
	if isValid(conversationID) {
		filters["conversation_id"] = conversationID
	}
	res := s.router.Execute(ctx, strings.ToLower(query), plugin.Params{
		Plugin:           kvPluginName,
		FetchData:        true,
		TableName:        s.tables.UserMessage,
		IndexName:        s.tables.UserMessageIdx,
		PrimaryKeyName:   "user_id",
		Filters:          filters,
		SearchField:      "search_data",
		Limit:            limit,
		LastEvaluatedKey: cursor,
	})
	if res.Failed() {
		return FetchResult{ErrorMessage: res.ErrorMessage}
	}

	records := NormalizeRecords(res.Data, false)
	tree := BuildTree(userID, records, TreeOptions{
		Details: func(u, c string) []map[string]any { return s.conversationDetails(ctx, u, c) },
	})
	return FetchResult{Tree: tree, LastEvaluatedKey: res.LastEvaluatedKey}
}

// DeleteConversation removes the conversation's rows from all three tables.
// The deletes are not atomic: a failure in any table short-circuits and the
// remaining tables are left untouched (fail-fast, see DESIGN.md).
func (s *Store) DeleteConversation(ctx context.Context, userID, conversationID string) bool {
	if !isValid(userID) || !isValid(conversationID) {
		return false
	}
	for _, table := range []string{s.tables.UserMessage, s.tables.Conversation, s.tables.LLMMessage} {
		res := s.router.Execute(ctx, "", plugin.Params{
			Plugin:         kvPluginName,
			DeleteData:     true,
			TableName:      table,
			PrimaryKeyName: "user_id",
			Filters:        map[string]any{"user_id": userID, "conversation_id": conversationID},
		})
		if res.Failed() {
			s.logger.Error("delete conversation failed",
				zap.String("table", table),
				zap.String("conversation_id", conversationID),
				zap.String("error", res.ErrorMessage))
			return false
		}
	}
	return true
}

// CleanupExpired deletes conversations whose last_updated is older than the
// cutoff and returns the number successfully removed. Partial failures are
// skipped, best-effort.
func (s *Store) CleanupExpired(ctx context.Context, maxAgeMinutes int) int {
	cutoff := int(s.now().Add(-time.Duration(maxAgeMinutes) * time.Minute).Unix())

	res := s.router.Execute(ctx, "", plugin.Params{
		Plugin:        kvPluginName,
		FetchData:     true,
		TableName:     s.tables.Conversation,
		OlderThanField: "last_updated",
		OlderThan:      cutoff,
	})
	if res.Failed() {
		s.logger.Error("cleanup scan failed", zap.String("error", res.ErrorMessage))
		return 0
	}

	deleted := 0
	for _, item := range res.Data {
		rec := attr.DecodeItem(item)
		userID, _ := rec["user_id"].(string)
		conversationID, _ := rec["conversation_id"].(string)
		if !isValid(userID) || !isValid(conversationID) {
			continue
		}
		if s.DeleteConversation(ctx, userID, conversationID) {
			deleted++
		}
	}
	return deleted
}
