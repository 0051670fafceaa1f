// Package dynamo implements the key-value backend plugin on DynamoDB.
package dynamo

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"market-agent/internal/attr"
	"market-agent/internal/plugin"
)

// dynamodbAPI is the minimal DynamoDB interface required by Plugin.
// Defined here for testability.
type dynamodbAPI interface {
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Plugin routes the generic fetch/store/update/delete operation flags onto
// DynamoDB calls. Failures are always reported through Result.ErrorMessage,
// never as panics or Go errors across the plugin boundary.
type Plugin struct {
	api    dynamodbAPI
	logger *zap.Logger
}

// New creates the DynamoDB plugin.
func New(api dynamodbAPI, logger *zap.Logger) (*Plugin, error) {
	if api == nil {
		return nil, fmt.Errorf("dynamo: api must not be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Plugin{api: api, logger: logger}, nil
}

func (d *Plugin) Process(ctx context.Context, query string, p plugin.Params) plugin.Result {
	switch {
	case p.StoreData:
		return d.storeData(ctx, p)
	case p.UpdateData:
		return d.updateData(ctx, p)
	case p.FetchData:
		return d.fetchData(ctx, query, p)
	case p.DeleteData:
		return d.deleteData(ctx, query, p)
	default:
		return plugin.Result{ErrorMessage: "Query type not provided."}
	}
}

// Validate accepts any query that names a table; the dynamo plugin is
// addressed explicitly in practice.
func (d *Plugin) Validate(_ string, p plugin.Params) bool {
	return strings.TrimSpace(p.TableName) != ""
}

func (d *Plugin) Capabilities() map[string]string {
	return map[string]string{
		"store_data":  "Inserts data into DynamoDB",
		"update_data": "Updates an existing item in DynamoDB",
		"fetch_data":  "Fetches data from DynamoDB by filters, optionally with text search",
		"delete_data": "Deletes data from DynamoDB",
	}
}

func (d *Plugin) storeData(ctx context.Context, p plugin.Params) plugin.Result {
	if strings.TrimSpace(p.TableName) == "" {
		return plugin.Result{ErrorMessage: "Invalid table name provided"}
	}
	if len(p.PutItem) == 0 {
		return plugin.Result{ErrorMessage: "Invalid put item details"}
	}
	_, err := d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(p.TableName),
		Item:      p.PutItem,
	})
	if err != nil {
		return plugin.Result{ErrorMessage: "Got error while storing data: " + err.Error()}
	}
	return plugin.Result{}
}

func (d *Plugin) updateData(ctx context.Context, p plugin.Params) plugin.Result {
	if strings.TrimSpace(p.TableName) == "" {
		return plugin.Result{ErrorMessage: "Invalid table name provided"}
	}
	if len(p.Updates) == 0 {
		return plugin.Result{ErrorMessage: "Nothing to update"}
	}

	updates := make(map[string]any, len(p.Updates))
	for k, v := range p.Updates {
		updates[k] = v
	}
	key := map[string]types.AttributeValue{}
	if p.PrimaryKeyName != "" {
		pkVal, ok := updates[p.PrimaryKeyName]
		if !ok {
			return plugin.Result{ErrorMessage: "Key conditions not specified"}
		}
		key[p.PrimaryKeyName] = attr.Encode(pkVal)
		delete(updates, p.PrimaryKeyName)
	}
	if p.SortKeyName != "" {
		if skVal, ok := updates[p.SortKeyName]; ok {
			key[p.SortKeyName] = attr.Encode(skVal)
			delete(updates, p.SortKeyName)
		}
	}
	if len(key) == 0 {
		return plugin.Result{ErrorMessage: "Key conditions not specified"}
	}
	if len(updates) == 0 {
		return plugin.Result{ErrorMessage: "Nothing to update"}
	}

	names := map[string]string{}
	values := map[string]types.AttributeValue{}
	var sets []string
	for i, k := range sortedKeys(updates) {
		nameAlias := fmt.Sprintf("#m%d", i+1)
		valueAlias := fmt.Sprintf(":v%d", i+1)
		names[nameAlias] = k
		values[valueAlias] = attr.Encode(updates[k])
		sets = append(sets, nameAlias+" = "+valueAlias)
	}

	_, err := d.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(p.TableName),
		Key:                       key,
		UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ")),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return plugin.Result{ErrorMessage: "Got error while updating data: " + err.Error()}
	}
	return plugin.Result{}
}

func (d *Plugin) fetchData(ctx context.Context, query string, p plugin.Params) plugin.Result {
	if strings.TrimSpace(query) == "" || strings.TrimSpace(p.SearchField) == "" {
		return d.fetchByMetadata(ctx, p, nil, nil)
	}
	values := map[string]types.AttributeValue{":t": attr.Encode(query)}
	conditions := []string{"contains(" + p.SearchField + ", :t)"}
	return d.fetchByMetadata(ctx, p, values, conditions)
}

// fetchByMetadata runs a Query when the primary key value is present among the
// filters and a Scan otherwise. When the backend returns a pagination cursor
// with an empty or under-limit page, it loops with the cursor fed back in so
// callers never observe an artificially short page.
func (d *Plugin) fetchByMetadata(ctx context.Context, p plugin.Params, extraValues map[string]types.AttributeValue, extraConditions []string) plugin.Result {
	if strings.TrimSpace(p.TableName) == "" {
		return plugin.Result{ErrorMessage: "Invalid table name provided"}
	}
	if len(p.Filters) == 0 && len(extraConditions) == 0 && p.OlderThanField == "" {
		return plugin.Result{ErrorMessage: "No search criteria provided."}
	}

	filters := make(map[string]any, len(p.Filters))
	for k, v := range p.Filters {
		filters[k] = v
	}
	var pkVal, skVal any
	var hasPK, hasSK bool
	if p.PrimaryKeyName != "" {
		if pkVal, hasPK = filters[p.PrimaryKeyName]; hasPK {
			delete(filters, p.PrimaryKeyName)
		}
	}
	if p.SortKeyName != "" {
		if skVal, hasSK = filters[p.SortKeyName]; hasSK {
			delete(filters, p.SortKeyName)
		}
	}

	names := map[string]string{}
	values := map[string]types.AttributeValue{}
	for k, v := range extraValues {
		values[k] = v
	}
	conditions := append([]string(nil), extraConditions...)
	for i, k := range sortedKeys(filters) {
		nameAlias := fmt.Sprintf("#m%d", i+1)
		valueAlias := fmt.Sprintf(":v%d", i+1)
		names[nameAlias] = k
		values[valueAlias] = attr.Encode(filters[k])
		conditions = append(conditions, nameAlias+" = "+valueAlias)
	}
	if p.OlderThanField != "" && p.OlderThan != nil {
		names["#cut"] = p.OlderThanField
		values[":cut"] = attr.Encode(p.OlderThan)
		conditions = append(conditions, "#cut < :cut")
	}
	filterExpression := strings.Join(conditions, " AND ")

	var collected []map[string]types.AttributeValue
	cursor := p.LastEvaluatedKey
	for {
		var (
			items []map[string]types.AttributeValue
			next  map[string]types.AttributeValue
			err   error
		)
		if hasPK {
			items, next, err = d.queryPage(ctx, p, pkVal, skVal, hasSK, filterExpression, names, values, cursor)
		} else {
			items, next, err = d.scanPage(ctx, p, filterExpression, names, values, cursor)
		}
		if err != nil {
			return plugin.Result{ErrorMessage: "Got error while fetching data: " + err.Error()}
		}
		collected = append(collected, items...)
		cursor = next
		if cursor == nil {
			break
		}
		// Keep paging only while the caller would otherwise see a short page.
		if len(collected) > 0 && (p.Limit <= 0 || len(collected) >= p.Limit) {
			break
		}
		d.logger.Info("fetching next page", zap.Int("collected", len(collected)))
	}

	return plugin.Result{Data: collected, LastEvaluatedKey: cursor}
}

func (d *Plugin) queryPage(ctx context.Context, p plugin.Params, pkVal, skVal any, hasSK bool, filterExpression string, names map[string]string, values map[string]types.AttributeValue, cursor map[string]types.AttributeValue) ([]map[string]types.AttributeValue, map[string]types.AttributeValue, error) {
	keyCondition := p.PrimaryKeyName + " = :pkval"
	exprValues := map[string]types.AttributeValue{":pkval": attr.Encode(pkVal)}
	if hasSK {
		keyCondition += " AND " + p.SortKeyName + " = :skval"
		exprValues[":skval"] = attr.Encode(skVal)
	}
	for k, v := range values {
		exprValues[k] = v
	}

	in := &dynamodb.QueryInput{
		TableName:                 aws.String(p.TableName),
		KeyConditionExpression:    aws.String(keyCondition),
		ExpressionAttributeValues: exprValues,
		ScanIndexForward:          aws.Bool(p.SortAscending),
	}
	if filterExpression != "" {
		in.FilterExpression = aws.String(filterExpression)
	}
	if len(names) > 0 {
		in.ExpressionAttributeNames = names
	}
	if p.IndexName != "" {
		in.IndexName = aws.String(p.IndexName)
	}
	if p.Limit > 0 {
		in.Limit = aws.Int32(int32(p.Limit))
	}
	if cursor != nil {
		in.ExclusiveStartKey = cursor
	}

	out, err := d.api.Query(ctx, in)
	if err != nil {
		return nil, nil, err
	}
	return out.Items, out.LastEvaluatedKey, nil
}

func (d *Plugin) scanPage(ctx context.Context, p plugin.Params, filterExpression string, names map[string]string, values map[string]types.AttributeValue, cursor map[string]types.AttributeValue) ([]map[string]types.AttributeValue, map[string]types.AttributeValue, error) {
	in := &dynamodb.ScanInput{
		TableName: aws.String(p.TableName),
	}
	if filterExpression != "" {
		in.FilterExpression = aws.String(filterExpression)
	}
	if len(names) > 0 {
		in.ExpressionAttributeNames = names
	}
	if len(values) > 0 {
		in.ExpressionAttributeValues = values
	}
	if p.IndexName != "" {
		in.IndexName = aws.String(p.IndexName)
	}
	if p.Limit > 0 {
		in.Limit = aws.Int32(int32(p.Limit))
	}
	if cursor != nil {
		in.ExclusiveStartKey = cursor
	}

	out, err := d.api.Scan(ctx, in)
	if err != nil {
		return nil, nil, err
	}
	return out.Items, out.LastEvaluatedKey, nil
}

// deleteData removes rows either by an explicit item id or by fetching every
// row matching the filters and deleting each by (primary key, item_id).
func (d *Plugin) deleteData(ctx context.Context, query string, p plugin.Params) plugin.Result {
	if strings.TrimSpace(p.TableName) == "" {
		return plugin.Result{ErrorMessage: "Invalid table name provided"}
	}

	if strings.TrimSpace(p.ItemID) != "" {
		var pkVal any
		if p.PrimaryKeyName != "" {
			pkVal = p.Filters[p.PrimaryKeyName]
		}
		if err := d.deleteItem(ctx, p.TableName, p.ItemID, p.PrimaryKeyName, pkVal); err != nil {
			return plugin.Result{ErrorMessage: "Unable to delete data due to: " + err.Error()}
		}
		return plugin.Result{}
	}

	fetchParams := p
	fetchParams.DeleteData = false
	fetchParams.FetchData = true
	fetched := d.fetchData(ctx, query, fetchParams)
	if fetched.Failed() {
		return fetched
	}
	for _, item := range fetched.Data {
		decoded := attr.DecodeItem(item)
		itemID, _ := decoded["item_id"].(string)
		if strings.TrimSpace(itemID) == "" {
			continue
		}
		var pkVal any
		if p.PrimaryKeyName != "" {
			pkVal = decoded[p.PrimaryKeyName]
		}
		if err := d.deleteItem(ctx, p.TableName, itemID, p.PrimaryKeyName, pkVal); err != nil {
			return plugin.Result{ErrorMessage: "Unable to delete data due to: " + err.Error()}
		}
	}
	return plugin.Result{}
}

func (d *Plugin) deleteItem(ctx context.Context, tableName, itemID, primaryKeyName string, primaryKeyVal any) error {
	key := map[string]types.AttributeValue{
		"item_id": attr.Encode(itemID),
	}
	if primaryKeyName != "" && primaryKeyVal != nil {
		key[primaryKeyName] = attr.Encode(primaryKeyVal)
	}
	_, err := d.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(tableName),
		Key:       key,
	})
	return err
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
