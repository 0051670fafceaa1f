// Package conversation maps the flat, attribute-typed rows of the key-value
// backend onto a nested user -> conversation -> ordered messages document
// model, and implements the durable conversation store on top of it.
package conversation

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"market-agent/internal/attr"
)

// conversationIDNA is the sentinel bucket for records that carry no
// conversation id.
const conversationIDNA = "conversation-id-NA"

// genericKeys are the timekeeping fields every row carries. A record whose
// only keys are generic is not a real message.
var genericKeys = map[string]bool{
	"created_at":   true,
	"last_updated": true,
	"ttl":          true,
}

// jsonFields are stored as JSON strings and re-parsed on the way out.
var jsonFields = []string{"query_data", "rds_data", "rds_column_definitions"}

// conversationFields are conversation metadata accidentally co-stored with
// messages; they are hoisted onto the conversation once and removed from the
// per-message records.
var conversationFields = []string{"conversation_title", "created_at", "last_updated"}

// Tree is the normalized nested document.
type Tree struct {
	Users []User `json:"users"`
}

// User groups the conversations belonging to one user id.
type User struct {
	UserID        string         `json:"user_id"`
	Conversations []Conversation `json:"conversations"`
}

// Conversation is one thread: hoisted metadata plus its ordered messages.
type Conversation struct {
	ConversationID string           `json:"conversation_id"`
	Meta           map[string]any   `json:"meta,omitempty"`
	Messages       []map[string]any `json:"messages"`
}

// DetailsFunc fetches the dedicated conversation record for a (user,
// conversation) pair; used as a fallback when no message carried a title.
type DetailsFunc func(userID, conversationID string) []map[string]any

// TreeOptions tune BuildTree.
type TreeOptions struct {
	// IgnoreSingleMessages drops conversations with fewer than two real
	// messages; used when listing multi-turn conversations.
	IgnoreSingleMessages bool
	// Details, when set, resolves conversation metadata for buckets whose
	// messages carried no title.
	Details DetailsFunc
}

// NormalizeRecords decodes raw attribute items and sorts them by last_updated
// in the requested direction. Ties keep the stable order of the underlying
// scan.
func NormalizeRecords(items []map[string]types.AttributeValue, sortAscending bool) []map[string]any {
	records := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if len(item) == 0 {
			continue
		}
		records = append(records, attr.DecodeItem(item))
	}
	sort.SliceStable(records, func(i, j int) bool {
		a := numericValue(records[i]["last_updated"])
		b := numericValue(records[j]["last_updated"])
		if sortAscending {
			return a < b
		}
		return a > b
	})
	return records
}

// BuildTree groups decoded records into the nested document model. Records
// missing a user id fall back to fallbackUserID; records missing a
// conversation id land in the "conversation-id-NA" bucket.
func BuildTree(fallbackUserID string, records []map[string]any, opts TreeOptions) Tree {
	type bucketKey struct{ user, conversation string }
	var order []bucketKey
	buckets := map[bucketKey][]map[string]any{}

	for _, rec := range records {
		userID := fallbackUserID
		if v, ok := rec["user_id"].(string); ok {
			userID = v
			delete(rec, "user_id")
		}
		conversationID := conversationIDNA
		if v, ok := rec["conversation_id"].(string); ok {
			conversationID = v
			delete(rec, "conversation_id")
		}
		// search_data exists purely to support substring search.
		delete(rec, "search_data")
		for _, field := range jsonFields {
			if raw, ok := rec[field].(string); ok {
				if parsed, ok := tolerantParse(raw); ok {
					rec[field] = parsed
				}
			}
		}
		key := bucketKey{userID, conversationID}
		if _, seen := buckets[key]; !seen {
			order = append(order, key)
		}
		buckets[key] = append(buckets[key], rec)
	}

	var userOrder []string
	userConvs := map[string][]bucketKey{}
	for _, key := range order {
		if _, seen := userConvs[key.user]; !seen {
			userOrder = append(userOrder, key.user)
		}
		userConvs[key.user] = append(userConvs[key.user], key)
	}

	tree := Tree{}
	for _, userID := range userOrder {
		user := User{UserID: userID, Conversations: []Conversation{}}
		for _, key := range userConvs[userID] {
			conv := buildConversation(key.conversation, userID, buckets[key], opts)
			if conv == nil {
				continue
			}
			user.Conversations = append(user.Conversations, *conv)
		}
		tree.Users = append(tree.Users, user)
	}
	return tree
}

func buildConversation(conversationID, userID string, records []map[string]any, opts TreeOptions) *Conversation {
	conv := Conversation{ConversationID: conversationID, Meta: map[string]any{}}

	// Hoist first-seen conversation metadata out of the messages.
	for _, rec := range records {
		for _, field := range conversationFields {
			if v, ok := rec[field]; ok {
				if _, hoisted := conv.Meta[field]; !hoisted && v != nil {
					conv.Meta[field] = v
				}
				delete(rec, field)
			}
		}
	}

	if _, ok := conv.Meta["conversation_title"]; !ok && opts.Details != nil {
		for _, detail := range opts.Details(userID, conversationID) {
			detailUser, _ := detail["user_id"].(string)
			if strings.TrimSpace(detailUser) == "" || detailUser != userID {
				continue
			}
			detailConv, _ := detail["conversation_id"].(string)
			if strings.TrimSpace(detailConv) == "" || detailConv != conversationID {
				continue
			}
			for k, v := range detail {
				if k == "user_id" || k == "conversation_id" {
					continue
				}
				conv.Meta[k] = v
			}
		}
	}

	conv.Messages = []map[string]any{}
	for _, rec := range records {
		if countRealKeys(rec) > 0 {
			conv.Messages = append(conv.Messages, rec)
		}
	}
	if opts.IgnoreSingleMessages && len(conv.Messages) < 2 {
		return nil
	}
	return &conv
}

func countRealKeys(rec map[string]any) int {
	n := 0
	for k := range rec {
		if !genericKeys[k] {
			n++
		}
	}
	return n
}

// tolerantParse attempts a JSON parse and reports whether it succeeded; the
// caller leaves the value as-is on failure.
func tolerantParse(raw string) (any, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, false
	}
	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return nil, false
	}
	return parsed, true
}

func numericValue(v any) float64 {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case float64:
		return val
	default:
		return 0
	}
}
