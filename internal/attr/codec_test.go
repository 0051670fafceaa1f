package attr

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"
)

func TestEncode_Scalars(t *testing.T) {
	require.Equal(t, &types.AttributeValueMemberS{Value: "hello"}, Encode("hello"))
	require.Equal(t, &types.AttributeValueMemberBOOL{Value: true}, Encode(true))
	require.Equal(t, &types.AttributeValueMemberN{Value: "42"}, Encode(42))
	require.Equal(t, &types.AttributeValueMemberN{Value: "42"}, Encode(int64(42)))
	require.Equal(t, &types.AttributeValueMemberN{Value: "2.5"}, Encode(2.5))
	require.Equal(t, &types.AttributeValueMemberSS{Value: []string{"a", "b"}}, Encode([]string{"a", "b"}))
}

func TestEncode_NestedMap(t *testing.T) {
	av := Encode(map[string]any{"ticker": "AAPL", "price": 189.5})
	m, ok := av.(*types.AttributeValueMemberM)
	require.True(t, ok)
	require.Equal(t, &types.AttributeValueMemberS{Value: "AAPL"}, m.Value["ticker"])
	require.Equal(t, &types.AttributeValueMemberN{Value: "189.5"}, m.Value["price"])
}

func TestEncode_FallbackJSON(t *testing.T) {
	av := Encode([]int{1, 2, 3})
	s, ok := av.(*types.AttributeValueMemberS)
	require.True(t, ok)
	require.JSONEq(t, "[1,2,3]", s.Value)
}

func TestEncode_PassThroughAlreadyEncoded(t *testing.T) {
	in := &types.AttributeValueMemberS{Value: "x"}
	require.Same(t, in, Encode(in).(*types.AttributeValueMemberS))
}

func TestDecode_RoundTripScalars(t *testing.T) {
	cases := []any{"hello", true, false, 42, 2.5, []string{"x", "y"}}
	for _, c := range cases {
		require.Equal(t, c, Decode(Encode(c)))
	}
}

func TestDecode_NumberRule(t *testing.T) {
	// All-digits decodes as int, anything else as float64.
	require.Equal(t, 7, Decode(&types.AttributeValueMemberN{Value: "7"}))
	require.Equal(t, 3.14, Decode(&types.AttributeValueMemberN{Value: "3.14"}))
	require.Equal(t, -2.0, Decode(&types.AttributeValueMemberN{Value: "-2"}))
	require.Equal(t, 5.0, Decode(&types.AttributeValueMemberN{Value: "5.0"}))
}

func TestDecode_NestedMap(t *testing.T) {
	av := &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
		"name": &types.AttributeValueMemberS{Value: "agent"},
		"meta": &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"count": &types.AttributeValueMemberN{Value: "3"},
		}},
	}}
	decoded := Decode(av).(map[string]any)
	require.Equal(t, "agent", decoded["name"])
	require.Equal(t, map[string]any{"count": 3}, decoded["meta"])
}

func TestDecode_UnrecognizedPassesThrough(t *testing.T) {
	av := &types.AttributeValueMemberB{Value: []byte{0x1}}
	require.Same(t, av, Decode(av).(*types.AttributeValueMemberB))
}

func TestDecodeItem(t *testing.T) {
	item := map[string]types.AttributeValue{
		"user_id":      &types.AttributeValueMemberS{Value: "u1"},
		"last_updated": &types.AttributeValueMemberN{Value: "1700000000"},
	}
	out := DecodeItem(item)
	require.Equal(t, "u1", out["user_id"])
	require.Equal(t, 1700000000, out["last_updated"])
}
