// Package plugin defines the uniform query-processing contract shared by all
// data backends and the router that dispatches to them.
package plugin

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Params carries the recognized knobs for a backend operation. Exactly one of
// the four operation flags should be set for key-value backends; other
// backends are free to ignore fields that do not apply to them.
type Params struct {
	// Plugin selects a registered backend by name. When empty the router
	// picks the first backend whose Validate accepts the query.
	Plugin string

	FetchData  bool
	StoreData  bool
	UpdateData bool
	DeleteData bool

	TableName      string
	IndexName      string
	PrimaryKeyName string
	SortKeyName    string

	// Filters constrain fetch and delete operations. The primary key value,
	// when present among the filters, becomes the key condition.
	Filters map[string]any
	// Updates holds the fields written by an update operation, keyed by
	// attribute name. Key fields are used for addressing, not written.
	Updates map[string]any
	// PutItem is the fully encoded item stored by a store operation.
	PutItem map[string]types.AttributeValue

	// SearchField names the attribute a contains() text match runs against.
	SearchField string

	// OlderThanField/OlderThan add a "field < value" condition to a fetch;
	// used by expiry sweeps.
	OlderThanField string
	OlderThan      any

	Limit         int
	SortAscending bool
	// ItemID addresses a single row for deletion.
	ItemID string

	// LastEvaluatedKey is the opaque pagination cursor from a previous page,
	// forwarded to the backend verbatim.
	LastEvaluatedKey map[string]types.AttributeValue

	// Ext is an open pass-through for backend-specific parameters that have
	// no typed field.
	Ext map[string]any
}

// Result is the uniform outcome shape every backend returns. Failures are
// reported through ErrorMessage rather than a Go error so callers can
// pattern-match without unwrapping.
type Result struct {
	Status  string
	Message string
	Query   string

	Data             []map[string]types.AttributeValue
	RowsData         [][]any
	Columns          []string
	ErrorMessage     string
	LastEvaluatedKey map[string]types.AttributeValue
}

// Failed reports whether the result carries a backend failure.
func (r Result) Failed() bool {
	return r.ErrorMessage != "" || r.Status == "error"
}

// Plugin is a named backend adapter. Implementations must never panic across
// this boundary; failures are reported through Result.ErrorMessage.
type Plugin interface {
	Process(ctx context.Context, query string, p Params) Result
	Validate(query string, p Params) bool
	Capabilities() map[string]string
}
