// Package ddbfake is an in-memory DynamoDB client for tests. It covers the
// API surface the lineage stores use: tables with a hash key and an optional
// range key, global secondary indexes, condition, filter and update
// expressions, transactions and batch operations. Items never expire. Index
// reads are immediately consistent unless LagIndexes is in effect.
package ddbfake

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const maxTransactItems = 100

type keySchema struct {
	hash string
	rng  string
}

type table struct {
	key     keySchema
	indexes map[string]keySchema
	items   map[string]item

	// indexed is what index reads see while indexes lag. Nil means they see
	// items.
	indexed map[string]item
}

// indexItems returns the items visible to index reads.
func (t *table) indexItems() map[string]item {
	if t.indexed != nil {
		return t.indexed
	}
	return t.items
}

// Client is an in-memory DynamoDB. It is safe for concurrent use.
type Client struct {
	mu     sync.Mutex
	tables map[string]*table
	calls  map[string]int
}

// New returns an empty Client.
func New() *Client {
	return &Client{
		tables: make(map[string]*table),
		calls:  make(map[string]int),
	}
}

// Calls returns how many times the operation was invoked.
func (c *Client) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// LagIndexes freezes the global secondary indexes of every table at their
// current contents. Writes made afterwards are visible to base table reads
// but not to index reads until SyncIndexes.
func (c *Client) LagIndexes() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.tables {
		t.indexed = make(map[string]item, len(t.items))
		for k, it := range t.items {
			t.indexed[k] = it
		}
	}
}

// SyncIndexes propagates every write to the indexes and ends LagIndexes.
func (c *Client) SyncIndexes() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.tables {
		t.indexed = nil
	}
}

// Items returns a copy of every item of table ordered by key.
func (c *Client) Items(tableName string) []map[string]types.AttributeValue {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tables[tableName]
	if !ok {
		return nil
	}
	return t.sorted(t.items, t.key, func(item) bool { return true })
}

func (c *Client) table(name *string) (*table, error) {
	t, ok := c.tables[aws.ToString(name)]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("Requested resource not found: " + aws.ToString(name))}
	}
	return t, nil
}

func (c *Client) CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["CreateTable"]++

	name := aws.ToString(in.TableName)
	if _, ok := c.tables[name]; ok {
		return nil, &types.ResourceInUseException{Message: aws.String("Table already exists: " + name)}
	}
	t := &table{
		key:     schemaOf(in.KeySchema),
		indexes: make(map[string]keySchema),
		items:   make(map[string]item),
	}
	for _, gsi := range in.GlobalSecondaryIndexes {
		t.indexes[aws.ToString(gsi.IndexName)] = schemaOf(gsi.KeySchema)
	}
	c.tables[name] = t
	return &dynamodb.CreateTableOutput{
		TableDescription: &types.TableDescription{TableName: in.TableName, TableStatus: types.TableStatusActive},
	}, nil
}

func schemaOf(elems []types.KeySchemaElement) keySchema {
	var k keySchema
	for _, e := range elems {
		if e.KeyType == types.KeyTypeHash {
			k.hash = aws.ToString(e.AttributeName)
		} else {
			k.rng = aws.ToString(e.AttributeName)
		}
	}
	return k
}

func encode(av types.AttributeValue) string {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return "S:" + v.Value
	case *types.AttributeValueMemberN:
		return "N:" + v.Value
	case *types.AttributeValueMemberB:
		return fmt.Sprintf("B:%x", v.Value)
	}
	return fmt.Sprintf("?:%v", av)
}

// keyOf returns the storage key of an item or key map.
func (t *table) keyOf(key item) (string, error) {
	h, ok := key[t.key.hash]
	if !ok {
		return "", fmt.Errorf("ddbfake: missing hash key %q", t.key.hash)
	}
	k := encode(h)
	if t.key.rng != "" {
		r, ok := key[t.key.rng]
		if !ok {
			return "", fmt.Errorf("ddbfake: missing range key %q", t.key.rng)
		}
		k += "|" + encode(r)
	}
	return k, nil
}

// sorted returns copies of the items of src indexed by ks that satisfy keep,
// ordered by hash then range key.
func (t *table) sorted(src map[string]item, ks keySchema, keep func(item) bool) []item {
	var out []item
	for _, it := range src {
		if _, ok := it[ks.hash]; !ok {
			continue
		}
		if ks.rng != "" {
			if _, ok := it[ks.rng]; !ok {
				continue
			}
		}
		if keep(it) {
			out = append(out, clone(it))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if c := cmpAttr(a[ks.hash], b[ks.hash]); c != 0 {
			return c < 0
		}
		if ks.rng != "" {
			if c := cmpAttr(a[ks.rng], b[ks.rng]); c != 0 {
				return c < 0
			}
		}
		ta, _ := t.keyOf(a)
		tb, _ := t.keyOf(b)
		return ta < tb
	})
	return out
}

func cmpAttr(a, b types.AttributeValue) int {
	if an, ok := a.(*types.AttributeValueMemberN); ok {
		if bn, ok := b.(*types.AttributeValueMemberN); ok {
			return numberCmp(an.Value, bn.Value)
		}
	}
	return strings.Compare(encode(a), encode(b))
}

func clone(it item) item {
	if it == nil {
		return nil
	}
	out := make(item, len(it))
	for k, v := range it {
		out[k] = v
	}
	return out
}

func project(it item, expr *string, names map[string]string) (item, error) {
	if expr == nil || *expr == "" {
		return it, nil
	}
	env := exprEnv{names: names}
	out := make(item)
	for _, part := range strings.Split(*expr, ",") {
		name, err := env.name(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		if v, ok := it[name]; ok {
			out[name] = v
		}
	}
	return out, nil
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
}

func (c *Client) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["GetItem"]++

	t, err := c.table(in.TableName)
	if err != nil {
		return nil, err
	}
	k, err := t.keyOf(in.Key)
	if err != nil {
		return nil, err
	}
	it, err := project(clone(t.items[k]), in.ProjectionExpression, in.ExpressionAttributeNames)
	if err != nil {
		return nil, err
	}
	return &dynamodb.GetItemOutput{Item: it}, nil
}

func (c *Client) BatchGetItem(ctx context.Context, in *dynamodb.BatchGetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["BatchGetItem"]++

	out := &dynamodb.BatchGetItemOutput{Responses: make(map[string][]map[string]types.AttributeValue)}
	n := 0
	for name, req := range in.RequestItems {
		t, err := c.table(aws.String(name))
		if err != nil {
			return nil, err
		}
		for _, key := range req.Keys {
			n++
			k, err := t.keyOf(key)
			if err != nil {
				return nil, err
			}
			if it, ok := t.items[k]; ok {
				out.Responses[name] = append(out.Responses[name], clone(it))
			}
		}
	}
	if n > 100 {
		return nil, fmt.Errorf("ddbfake: too many items requested for the BatchGetItem call")
	}
	return out, nil
}

func (c *Client) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["PutItem"]++

	t, err := c.table(in.TableName)
	if err != nil {
		return nil, err
	}
	k, err := t.keyOf(in.Item)
	if err != nil {
		return nil, err
	}
	env := exprEnv{names: in.ExpressionAttributeNames, values: in.ExpressionAttributeValues}
	ok, err := evalCondition(aws.ToString(in.ConditionExpression), env, t.items[k])
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionFailed()
	}
	t.items[k] = clone(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (c *Client) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["DeleteItem"]++

	t, err := c.table(in.TableName)
	if err != nil {
		return nil, err
	}
	k, err := t.keyOf(in.Key)
	if err != nil {
		return nil, err
	}
	env := exprEnv{names: in.ExpressionAttributeNames, values: in.ExpressionAttributeValues}
	ok, err := evalCondition(aws.ToString(in.ConditionExpression), env, t.items[k])
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionFailed()
	}
	delete(t.items, k)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (c *Client) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["UpdateItem"]++

	t, err := c.table(in.TableName)
	if err != nil {
		return nil, err
	}
	k, err := t.keyOf(in.Key)
	if err != nil {
		return nil, err
	}
	env := exprEnv{names: in.ExpressionAttributeNames, values: in.ExpressionAttributeValues}
	updated, err := c.update(t, k, in.Key, aws.ToString(in.ConditionExpression), aws.ToString(in.UpdateExpression), env)
	if err != nil {
		return nil, err
	}
	return &dynamodb.UpdateItemOutput{Attributes: clone(updated)}, nil
}

// update evaluates the condition, applies the update expression and stores
// the result. A missing item is created from its key.
func (c *Client) update(t *table, k string, key item, cond, expr string, env exprEnv) (item, error) {
	current := t.items[k]
	ok, err := evalCondition(cond, env, current)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionFailed()
	}
	next := clone(current)
	if next == nil {
		next = clone(key)
	}
	if err := applyUpdate(expr, env, next); err != nil {
		return nil, err
	}
	t.items[k] = next
	return next, nil
}

func (c *Client) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["Query"]++

	t, err := c.table(in.TableName)
	if err != nil {
		return nil, err
	}
	ks, src := t.key, t.items
	if in.IndexName != nil {
		idx, ok := t.indexes[*in.IndexName]
		if !ok {
			return nil, fmt.Errorf("ddbfake: table %s has no index %s", aws.ToString(in.TableName), *in.IndexName)
		}
		if aws.ToBool(in.ConsistentRead) {
			return nil, fmt.Errorf("ddbfake: consistent reads are not supported on global secondary indexes")
		}
		ks, src = idx, t.indexItems()
	}

	env := exprEnv{names: in.ExpressionAttributeNames, values: in.ExpressionAttributeValues}
	var evalErr error
	matched := t.sorted(src, ks, func(it item) bool {
		ok, err := evalCondition(aws.ToString(in.KeyConditionExpression), env, it)
		if err != nil {
			evalErr = err
		}
		return ok
	})
	if evalErr != nil {
		return nil, evalErr
	}
	if in.ScanIndexForward != nil && !*in.ScanIndexForward {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}

	items, err := filter(matched, in.FilterExpression, in.ProjectionExpression, env)
	if err != nil {
		return nil, err
	}
	return &dynamodb.QueryOutput{
		Items:        items,
		Count:        int32(len(items)),
		ScannedCount: int32(len(matched)),
	}, nil
}

func (c *Client) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["Scan"]++

	t, err := c.table(in.TableName)
	if err != nil {
		return nil, err
	}
	ks, src := t.key, t.items
	if in.IndexName != nil {
		idx, ok := t.indexes[*in.IndexName]
		if !ok {
			return nil, fmt.Errorf("ddbfake: table %s has no index %s", aws.ToString(in.TableName), *in.IndexName)
		}
		ks, src = idx, t.indexItems()
	}
	all := t.sorted(src, ks, func(item) bool { return true })
	env := exprEnv{names: in.ExpressionAttributeNames, values: in.ExpressionAttributeValues}
	items, err := filter(all, in.FilterExpression, in.ProjectionExpression, env)
	if err != nil {
		return nil, err
	}
	return &dynamodb.ScanOutput{
		Items:        items,
		Count:        int32(len(items)),
		ScannedCount: int32(len(all)),
	}, nil
}

func filter(items []item, cond, projection *string, env exprEnv) ([]map[string]types.AttributeValue, error) {
	out := make([]map[string]types.AttributeValue, 0, len(items))
	for _, it := range items {
		ok, err := evalCondition(aws.ToString(cond), env, it)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		p, err := project(it, projection, env.names)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (c *Client) BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["BatchWriteItem"]++

	n := 0
	for name, reqs := range in.RequestItems {
		t, err := c.table(aws.String(name))
		if err != nil {
			return nil, err
		}
		for _, r := range reqs {
			n++
			switch {
			case r.PutRequest != nil:
				k, err := t.keyOf(r.PutRequest.Item)
				if err != nil {
					return nil, err
				}
				t.items[k] = clone(r.PutRequest.Item)
			case r.DeleteRequest != nil:
				if len(r.DeleteRequest.Key) != keyLen(t.key) {
					return nil, fmt.Errorf("ddbfake: the provided key element does not match the schema")
				}
				k, err := t.keyOf(r.DeleteRequest.Key)
				if err != nil {
					return nil, err
				}
				delete(t.items, k)
			}
		}
	}
	if n > 25 {
		return nil, fmt.Errorf("ddbfake: too many items in the BatchWriteItem call")
	}
	return &dynamodb.BatchWriteItemOutput{UnprocessedItems: map[string][]types.WriteRequest{}}, nil
}

func keyLen(k keySchema) int {
	if k.rng == "" {
		return 1
	}
	return 2
}

// txTarget is one item touched by a transaction.
type txTarget struct {
	t    *table
	k    string
	key  item
	cond string
	env  exprEnv
	put  item
	expr string
	del  bool
}

func (c *Client) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["TransactWriteItems"]++

	if len(in.TransactItems) > maxTransactItems {
		return nil, fmt.Errorf("ddbfake: transaction has %d items, the limit is %d", len(in.TransactItems), maxTransactItems)
	}

	targets := make([]txTarget, len(in.TransactItems))
	seen := make(map[string]bool, len(in.TransactItems))
	for i, ti := range in.TransactItems {
		var (
			name *string
			tg   txTarget
		)
		switch {
		case ti.ConditionCheck != nil:
			cc := ti.ConditionCheck
			name, tg.key, tg.cond = cc.TableName, cc.Key, aws.ToString(cc.ConditionExpression)
			tg.env = exprEnv{names: cc.ExpressionAttributeNames, values: cc.ExpressionAttributeValues}
		case ti.Put != nil:
			p := ti.Put
			name, tg.key, tg.put, tg.cond = p.TableName, p.Item, p.Item, aws.ToString(p.ConditionExpression)
			tg.env = exprEnv{names: p.ExpressionAttributeNames, values: p.ExpressionAttributeValues}
		case ti.Update != nil:
			u := ti.Update
			name, tg.key, tg.expr, tg.cond = u.TableName, u.Key, aws.ToString(u.UpdateExpression), aws.ToString(u.ConditionExpression)
			tg.env = exprEnv{names: u.ExpressionAttributeNames, values: u.ExpressionAttributeValues}
		case ti.Delete != nil:
			d := ti.Delete
			name, tg.key, tg.del, tg.cond = d.TableName, d.Key, true, aws.ToString(d.ConditionExpression)
			tg.env = exprEnv{names: d.ExpressionAttributeNames, values: d.ExpressionAttributeValues}
		default:
			return nil, fmt.Errorf("ddbfake: empty transact item %d", i)
		}

		t, err := c.table(name)
		if err != nil {
			return nil, err
		}
		k, err := t.keyOf(tg.key)
		if err != nil {
			return nil, err
		}
		id := aws.ToString(name) + "/" + k
		if seen[id] {
			return nil, fmt.Errorf("ddbfake: transaction request cannot include multiple operations on one item (%s)", id)
		}
		seen[id] = true
		tg.t, tg.k = t, k
		targets[i] = tg
	}

	reasons := make([]types.CancellationReason, len(targets))
	failed := false
	for i, tg := range targets {
		ok, err := evalCondition(tg.cond, tg.env, tg.t.items[tg.k])
		if err != nil {
			return nil, err
		}
		if ok {
			reasons[i] = types.CancellationReason{Code: aws.String("None")}
			continue
		}
		failed = true
		reasons[i] = types.CancellationReason{
			Code:    aws.String("ConditionalCheckFailed"),
			Message: aws.String("The conditional request failed"),
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("Transaction cancelled, please refer cancellation reasons for specific reasons"),
			CancellationReasons: reasons,
		}
	}

	// Validate updates before applying anything.
	updated := make([]item, len(targets))
	for i, tg := range targets {
		if tg.expr == "" {
			continue
		}
		next := clone(tg.t.items[tg.k])
		if next == nil {
			next = clone(tg.key)
		}
		if err := applyUpdate(tg.expr, tg.env, next); err != nil {
			return nil, err
		}
		updated[i] = next
	}
	for i, tg := range targets {
		switch {
		case tg.put != nil:
			tg.t.items[tg.k] = clone(tg.put)
		case tg.expr != "":
			tg.t.items[tg.k] = updated[i]
		case tg.del:
			delete(tg.t.items, tg.k)
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}
