// Package attr converts between native Go values and the tagged DynamoDB
// attribute representation used by the key-value backend.
//
// The codec is deliberately tolerant: table schemas evolve, so decoding an
// attribute of an unrecognized type returns the attribute unchanged rather
// than failing the whole item.
package attr

import (
	"encoding/json"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Encode maps a native value to its tagged attribute form.
//
// string -> S, bool -> BOOL, integers and floats -> N (stringified),
// []string -> SS, map[string]any -> M (recursively encoded). Anything else is
// stored as a JSON string under S; consumers that need the structure back must
// re-parse it themselves.
func Encode(v any) types.AttributeValue {
	switch val := v.(type) {
	case string:
		return &types.AttributeValueMemberS{Value: val}
	case bool:
		return &types.AttributeValueMemberBOOL{Value: val}
	case int:
		return &types.AttributeValueMemberN{Value: strconv.Itoa(val)}
	case int32:
		return &types.AttributeValueMemberN{Value: strconv.FormatInt(int64(val), 10)}
	case int64:
		return &types.AttributeValueMemberN{Value: strconv.FormatInt(val, 10)}
	case float32:
		return &types.AttributeValueMemberN{Value: strconv.FormatFloat(float64(val), 'f', -1, 32)}
	case float64:
		return &types.AttributeValueMemberN{Value: strconv.FormatFloat(val, 'f', -1, 64)}
	case []string:
		return &types.AttributeValueMemberSS{Value: val}
	case map[string]any:
		return &types.AttributeValueMemberM{Value: EncodeMap(val)}
	case types.AttributeValue:
		// Already encoded; pass through untouched.
		return val
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return &types.AttributeValueMemberS{Value: ""}
		}
		return &types.AttributeValueMemberS{Value: string(raw)}
	}
}

// EncodeMap encodes every entry of a native map.
func EncodeMap(m map[string]any) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(m))
	for k, v := range m {
		out[k] = Encode(v)
	}
	return out
}

// Decode maps a tagged attribute back to a native value.
//
// An N attribute that is all digits decodes as int, otherwise float64; this is
// a fixed rule, not a guess. Attributes of any other member type are returned
// unchanged so callers can still inspect them.
func Decode(av types.AttributeValue) any {
	switch val := av.(type) {
	case *types.AttributeValueMemberS:
		return val.Value
	case *types.AttributeValueMemberN:
		return decodeNumber(val.Value)
	case *types.AttributeValueMemberBOOL:
		return val.Value
	case *types.AttributeValueMemberSS:
		return val.Value
	case *types.AttributeValueMemberM:
		out := make(map[string]any, len(val.Value))
		for k, v := range val.Value {
			out[k] = Decode(v)
		}
		return out
	default:
		return av
	}
}

// DecodeItem decodes a whole stored item into a native map.
func DecodeItem(item map[string]types.AttributeValue) map[string]any {
	out := make(map[string]any, len(item))
	for k, v := range item {
		out[k] = Decode(v)
	}
	return out
}

func decodeNumber(n string) any {
	if isAllDigits(n) {
		parsed, err := strconv.Atoi(n)
		if err == nil {
			return parsed
		}
	}
	f, err := strconv.ParseFloat(n, 64)
	if err != nil {
		return n
	}
	return f
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
