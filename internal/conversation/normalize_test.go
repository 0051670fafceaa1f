package conversation

import (
	"strconv"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"
)

func rawItem(fields map[string]any) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			out[k] = &types.AttributeValueMemberS{Value: val}
		case int:
			out[k] = &types.AttributeValueMemberN{Value: strconv.Itoa(val)}
		}
	}
	return out
}

func TestNormalizeRecords_SortsByLastUpdated(t *testing.T) {
	items := []map[string]types.AttributeValue{
		rawItem(map[string]any{"query_data": "second", "last_updated": 200}),
		rawItem(map[string]any{"query_data": "first", "last_updated": 100}),
		rawItem(map[string]any{"query_data": "third", "last_updated": 300}),
	}

	asc := NormalizeRecords(items, true)
	require.Equal(t, "first", asc[0]["query_data"])
	require.Equal(t, "third", asc[2]["query_data"])

	desc := NormalizeRecords(items, false)
	require.Equal(t, "third", desc[0]["query_data"])
	require.Equal(t, "first", desc[2]["query_data"])
}

func TestBuildTree_GroupsByUserAndConversation(t *testing.T) {
	records := []map[string]any{
		{"user_id": "u1", "conversation_id": "c1", "query_data": "hello", "last_updated": 1},
		{"user_id": "u1", "conversation_id": "c2", "query_data": "other", "last_updated": 2},
		{"user_id": "u2", "conversation_id": "c3", "query_data": "theirs", "last_updated": 3},
	}
	tree := BuildTree("fallback", records, TreeOptions{})
	require.Len(t, tree.Users, 2)
	require.Equal(t, "u1", tree.Users[0].UserID)
	require.Len(t, tree.Users[0].Conversations, 2)
	require.Equal(t, "c1", tree.Users[0].Conversations[0].ConversationID)
	require.Equal(t, "u2", tree.Users[1].UserID)
}

func TestBuildTree_FallbackIDs(t *testing.T) {
	records := []map[string]any{
		{"query_data": "orphan", "last_updated": 1},
	}
	tree := BuildTree("fallback-user", records, TreeOptions{})
	require.Len(t, tree.Users, 1)
	require.Equal(t, "fallback-user", tree.Users[0].UserID)
	require.Equal(t, "conversation-id-NA", tree.Users[0].Conversations[0].ConversationID)
}

func TestBuildTree_HoistsConversationMetadataOnce(t *testing.T) {
	records := []map[string]any{
		{"user_id": "u1", "conversation_id": "c1", "conversation_title": "First title", "created_at": "2026-01-01T00:00:00Z", "last_updated": 1, "query_data": "q1"},
		{"user_id": "u1", "conversation_id": "c1", "conversation_title": "Second title", "last_updated": 2, "query_data": "q2"},
	}
	tree := BuildTree("u1", records, TreeOptions{})
	conv := tree.Users[0].Conversations[0]
	require.Equal(t, "First title", conv.Meta["conversation_title"])
	require.Equal(t, "2026-01-01T00:00:00Z", conv.Meta["created_at"])
	for _, m := range conv.Messages {
		require.NotContains(t, m, "conversation_title")
		require.NotContains(t, m, "created_at")
		require.NotContains(t, m, "last_updated")
	}
}

func TestBuildTree_TitleFallbackToDetails(t *testing.T) {
	records := []map[string]any{
		{"user_id": "u1", "conversation_id": "c1", "query_data": "q1", "last_updated": 1},
	}
	details := func(userID, conversationID string) []map[string]any {
		return []map[string]any{
			{"user_id": "u1", "conversation_id": "c1", "conversation_title": "From details", "extra": "kept"},
			{"user_id": "other", "conversation_id": "c1", "conversation_title": "Wrong user"},
		}
	}
	tree := BuildTree("u1", records, TreeOptions{Details: details})
	conv := tree.Users[0].Conversations[0]
	require.Equal(t, "From details", conv.Meta["conversation_title"])
	require.Equal(t, "kept", conv.Meta["extra"])
	require.NotContains(t, conv.Meta, "user_id")
	require.NotContains(t, conv.Meta, "conversation_id")
}

func TestBuildTree_DropsTimekeepingOnlyRecords(t *testing.T) {
	records := []map[string]any{
		{"user_id": "u1", "conversation_id": "c1", "created_at": "2026-01-01T00:00:00Z", "last_updated": 1, "ttl": 99},
		{"user_id": "u1", "conversation_id": "c1", "query_data": "real", "last_updated": 2},
	}
	tree := BuildTree("u1", records, TreeOptions{})
	conv := tree.Users[0].Conversations[0]
	require.Len(t, conv.Messages, 1)
	require.Equal(t, "real", conv.Messages[0]["query_data"])
}

func TestBuildTree_StripsSearchData(t *testing.T) {
	records := []map[string]any{
		{"user_id": "u1", "conversation_id": "c1", "query_data": "Hello", "search_data": "hello", "last_updated": 1},
	}
	tree := BuildTree("u1", records, TreeOptions{})
	require.NotContains(t, tree.Users[0].Conversations[0].Messages[0], "search_data")
}

func TestBuildTree_TolerantJSONParse(t *testing.T) {
	records := []map[string]any{
		{
			"user_id":         "u1",
			"conversation_id": "c1",
			"query_data":      `{"answer":"yes"}`,
			"rds_data":        "not json at all",
			"last_updated":    1,
		},
	}
	tree := BuildTree("u1", records, TreeOptions{})
	msg := tree.Users[0].Conversations[0].Messages[0]
	require.Equal(t, map[string]any{"answer": "yes"}, msg["query_data"])
	require.Equal(t, "not json at all", msg["rds_data"])
}

func TestBuildTree_IgnoreSingleMessages(t *testing.T) {
	records := []map[string]any{
		{"user_id": "u1", "conversation_id": "short", "query_data": "only one", "last_updated": 1},
		{"user_id": "u1", "conversation_id": "long", "query_data": "one", "last_updated": 2},
		{"user_id": "u1", "conversation_id": "long", "query_data": "two", "last_updated": 3},
	}
	tree := BuildTree("u1", records, TreeOptions{IgnoreSingleMessages: true})
	require.Len(t, tree.Users[0].Conversations, 1)
	require.Equal(t, "long", tree.Users[0].Conversations[0].ConversationID)
}
