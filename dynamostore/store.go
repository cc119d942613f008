package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jacentio/lineage/hierarchy"
	"github.com/jacentio/lineage/internal/shard"
)

const (
	batchGetSize   = 100
	batchWriteSize = 25
	fanOutLimit    = 16
)

// Store maintains one hierarchy in DynamoDB: an entity table, and a bridge
// table holding every closure row in both directions.
type Store struct {
	client   Client
	config   Config
	registry *hierarchy.Registry
	h        *hierarchy.Hierarchy
	logger   *slog.Logger
}

// New creates a Store for the hierarchy registered as name.
func New(client Client, config Config, registry *hierarchy.Registry, name string) (*Store, error) {
	h, ok := registry.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("lineage: %q is not a registered hierarchy", name)
	}
	config.validate()
	return &Store{
		client:   client,
		config:   config,
		registry: registry,
		h:        h,
		logger:   registry.Logger(),
	}, nil
}

// Hierarchy returns the hierarchy maintained by the store.
func (s *Store) Hierarchy() *hierarchy.Hierarchy {
	return s.h
}

func (s *Store) ref(id string) string {
	return shard.Ref(s.h.Name(), id)
}

func (s *Store) entityKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{s.h.Config().PrimaryKey: stringAttr(id)}
}

func (s *Store) closureKey(descendant, ancestor string) map[string]types.AttributeValue {
	c := s.h.Config()
	return map[string]types.AttributeValue{
		c.ThroughKey:        stringAttr(descendant),
		c.ThroughForeignKey: stringAttr(ancestor),
	}
}

// mirrorKey is the key of the descending copy of a bridge row: partitioned
// by the ancestor shard, sorted by descendant.
func (s *Store) mirrorKey(descendant, ancestor string) map[string]types.AttributeValue {
	c := s.h.Config()
	return map[string]types.AttributeValue{
		c.ThroughKey:        stringAttr(s.ancestorShard(descendant, ancestor)),
		c.ThroughForeignKey: stringAttr(descendant),
	}
}

// mirrorItem marks the descending copy with its ancestor, and with the direct
// flag when ancestor is the parent of descendant.
func (s *Store) mirrorItem(descendant, ancestor string, direct bool) map[string]types.AttributeValue {
	item := s.mirrorKey(descendant, ancestor)
	item[attrDescendsFrom] = stringAttr(ancestor)
	if direct {
		item[attrDirect] = &types.AttributeValueMemberBOOL{Value: true}
	}
	return item
}

// ancestorShard is the bridge partition holding the descending copy of a row.
func (s *Store) ancestorShard(descendant, ancestor string) string {
	return shard.AncestorPK(s.ref(ancestor), s.ref(descendant), s.config.NumShards)
}

// isMirror reports whether a bridge item is a descending copy.
func isMirror(item map[string]types.AttributeValue) bool {
	_, ok := item[attrDescendsFrom]
	return ok
}

// Create inserts item as a new entity and returns its key. An item without
// a primary key is assigned a random UUID. The item's level attribute is set
// from its parent, which must exist.
func (s *Store) Create(ctx context.Context, item Item) (string, error) {
	ids, err := s.BulkCreate(ctx, []Item{item})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// BulkCreate inserts items in order. Items may name earlier items of the
// batch as their parent.
func (s *Store) BulkCreate(ctx context.Context, items []Item) ([]string, error) {
	c := s.h.Config()
	tx := s.Begin()

	ids := make([]string, len(items))
	recs := make([]*itemRecord, len(items))
	batch := make([]hierarchy.Record, len(items))
	for i, item := range items {
		id, ok := stringValue(item[c.PrimaryKey])
		if !ok {
			if _, present := item[c.PrimaryKey]; present {
				return nil, fmt.Errorf("item %d: %w", i, ErrMissingKey)
			}
			id = uuid.NewString()
			item[c.PrimaryKey] = stringAttr(id)
		}
		if _, ok := stringValue(item[c.ForeignKey]); !ok {
			delete(item, c.ForeignKey)
		}
		ids[i] = id
		recs[i] = &itemRecord{item: item}
		batch[i] = recs[i]
	}

	if err := s.h.BeforeBulkInsert(ctx, tx, batch, nil); err != nil {
		return nil, err
	}
	for i, rec := range recs {
		if rec.err != nil {
			return nil, fmt.Errorf("item %d: %w", i, rec.err)
		}
		tx.put(ids[i], rec.item)
	}
	if err := s.h.AfterBulkInsert(ctx, tx, batch, nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Move makes parent the parent of id. An empty parent makes id a root.
func (s *Store) Move(ctx context.Context, id, parent string) error {
	c := s.h.Config()
	tx := s.Begin()
	n, err := tx.load(ctx, id)
	if err != nil {
		return err
	}
	if n == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	row := hierarchy.NewRow(map[string]any{
		c.PrimaryKey: id,
		c.ForeignKey: parentID(parent),
	})
	prev := &hierarchy.Previous{ParentID: parentID(n.parent), Level: n.level, Known: true}
	opts := &hierarchy.WriteOptions{Fields: []string{c.ForeignKey}}
	if err := s.h.BeforeUpdate(ctx, tx, row, prev, opts); err != nil {
		return err
	}
	if level, ok := row.Get(c.LevelField).(int); ok {
		tx.setLevel(id, level)
	}
	tx.setParent(id, parent)
	return tx.Commit(ctx)
}

// BulkMove makes parent the parent of every id and returns the new level of
// each moved id. Missing ids are skipped.
func (s *Store) BulkMove(ctx context.Context, ids []string, parent string) (map[string]int, error) {
	tx := s.Begin()
	raw := make([]hierarchy.ID, len(ids))
	for i, id := range ids {
		raw[i] = id
	}
	levels, err := s.h.BeforeBulkUpdate(ctx, tx, raw, parentID(parent), nil)
	if err != nil {
		return nil, err
	}

	out := make(map[string]int, len(levels))
	for id, level := range levels {
		key, ok := idString(id)
		if !ok {
			continue
		}
		tx.setParent(key, parent)
		out[key] = level
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete marks id for deletion by setting its TTL. Under RESTRICT the delete
// fails with ErrHasChildren while active children exist. Under CASCADE the
// stream handler propagates the TTL to the subtree.
func (s *Store) Delete(ctx context.Context, id string) error {
	item, err := s.getItem(ctx, id)
	if err != nil {
		return err
	}
	if item == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if s.h.Config().OnDelete == hierarchy.OnDeleteRestrict {
		hasChildren, err := s.HasActiveChildren(ctx, id)
		if err != nil {
			return err
		}
		if hasChildren {
			return fmt.Errorf("%w: %s", ErrHasChildren, id)
		}
	}

	err = s.setTTL(ctx, id, time.Now().Unix())
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return fmt.Errorf("%w: %s", ErrAlreadyDeleted, id)
	}
	return err
}

// Rebuild recomputes every level and bridge row from the parent attributes.
// The bridge table is truncated first and the rows are written in as many
// transactions as needed.
func (s *Store) Rebuild(ctx context.Context) error {
	tx := s.Begin()
	tx.partial = true
	if _, err := s.h.Rebuild(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Get retrieves an entity by key, returning ErrNotFound if deleted or missing.
func (s *Store) Get(ctx context.Context, id string) (Item, error) {
	item, err := s.getItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return item, nil
}

// Ancestors returns the live ancestors of id, root first.
func (s *Store) Ancestors(ctx context.Context, id string) ([]*hierarchy.Row, error) {
	ids, err := s.ancestorIDs(ctx, id, true)
	if err != nil {
		return nil, err
	}
	return s.rows(ctx, ids)
}

// Descendants returns the live descendants of id ordered by level. With tree
// set it returns the direct children of id with their descendants nested
// under the children association.
func (s *Store) Descendants(ctx context.Context, id string, tree bool) ([]*hierarchy.Row, error) {
	self, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ids, err := s.descendantIDs(ctx, id, true)
	if err != nil {
		return nil, err
	}
	rows, err := s.rows(ctx, ids)
	if err != nil || !tree {
		return rows, err
	}

	parent, err := toRow(self)
	if err != nil {
		return nil, err
	}
	parent.SetAssociation(s.h.Config().DescendantsAs, rows)
	return s.registry.Assemble(rows, &hierarchy.FindOptions{Hierarchy: true}, s.h.Name(), parent)
}

// rows loads the live entities ids ordered by level, then key.
func (s *Store) rows(ctx context.Context, ids []string) ([]*hierarchy.Row, error) {
	items, err := s.batchGet(ctx, ids)
	if err != nil {
		return nil, err
	}
	type ranked struct {
		n   *node
		row *hierarchy.Row
	}
	list := make([]ranked, 0, len(items))
	for _, item := range items {
		n := s.nodeOf(item)
		if n == nil {
			continue
		}
		row, err := toRow(item)
		if err != nil {
			return nil, err
		}
		list = append(list, ranked{n, row})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].n.level != list[j].n.level {
			return list[i].n.level < list[j].n.level
		}
		return list[i].n.id < list[j].n.id
	})
	out := make([]*hierarchy.Row, len(list))
	for i, r := range list {
		out[i] = r.row
	}
	return out, nil
}

// HasActiveChildren checks if an entity has any active (non-deleted) children.
func (s *Store) HasActiveChildren(ctx context.Context, id string) (bool, error) {
	ids, err := s.childIDs(ctx, id, true)
	if err != nil || len(ids) == 0 {
		return false, err
	}
	items, err := s.batchGet(ctx, ids)
	if err != nil {
		return false, err
	}
	for _, item := range items {
		if n := s.nodeOf(item); n != nil && n.parent == id {
			return true, nil
		}
	}
	return false, nil
}

// QueryAllChildren returns the keys of all children of id, including
// deleted ones. It is used by cascade delete to propagate the TTL.
func (s *Store) QueryAllChildren(ctx context.Context, id string) ([]string, error) {
	return s.childIDs(ctx, id, false)
}

// SetTTLByID sets TTL on an entity unless it already has one.
// Used by cascade delete to propagate TTL to children.
func (s *Store) SetTTLByID(ctx context.Context, id string, ttl int64) error {
	err := s.setTTL(ctx, id, ttl)

	// Ignore condition failure - already has TTL
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return nil
	}
	return err
}

// setTTL marks an entity for deletion. This also increments the version to
// fail concurrent updates.
func (s *Store) setTTL(ctx context.Context, id string, ttl int64) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.h.Config().Table),
		Key:                 s.entityKey(id),
		UpdateExpression:    aws.String("SET #ttl = :ttl, #version = #version + :one"),
		ConditionExpression: aws.String("attribute_exists(#pk) AND attribute_not_exists(#ttl)"),
		ExpressionAttributeNames: map[string]string{
			"#pk":      s.h.Config().PrimaryKey,
			"#ttl":     attrTTL,
			"#version": attrVersion,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ttl": numberAttr(ttl),
			":one": numberAttr(1),
		},
	})
	return err
}

// ExpireClosure sets TTL on every bridge row naming id as descendant or
// ancestor, and on their descending copies.
func (s *Store) ExpireClosure(ctx context.Context, id string, ttl int64) error {
	ancestors, err := s.ancestorIDs(ctx, id, false)
	if err != nil {
		return err
	}
	descendants, err := s.descendantIDs(ctx, id, false)
	if err != nil {
		return err
	}

	var errs []error
	for _, a := range ancestors {
		errs = append(errs, s.expireRow(ctx, id, a, ttl))
	}
	for _, d := range descendants {
		errs = append(errs, s.expireRow(ctx, d, id, ttl))
	}
	return errors.Join(errs...)
}

func (s *Store) expireRow(ctx context.Context, descendant, ancestor string, ttl int64) error {
	return errors.Join(
		s.expireKey(ctx, s.closureKey(descendant, ancestor), ttl),
		s.expireKey(ctx, s.mirrorKey(descendant, ancestor), ttl),
	)
}

func (s *Store) expireKey(ctx context.Context, key map[string]types.AttributeValue, ttl int64) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.h.Config().ThroughTable),
		Key:                 key,
		UpdateExpression:    aws.String("SET #ttl = :ttl"),
		ConditionExpression: aws.String("attribute_exists(#d) AND attribute_not_exists(#ttl)"),
		ExpressionAttributeNames: map[string]string{
			"#d":   s.h.Config().ThroughKey,
			"#ttl": attrTTL,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ttl": numberAttr(ttl),
		},
	})

	// Ignore condition failure - already has TTL
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return nil
	}
	return err
}

// getItem reads a live entity with a consistent read. It returns nil for
// missing or deleted entities.
func (s *Store) getItem(ctx context.Context, id string) (Item, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.h.Config().Table),
		Key:            s.entityKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if result.Item == nil || IsDeleted(result.Item) {
		return nil, nil
	}
	return result.Item, nil
}

// batchGet reads the live entities ids with consistent reads.
func (s *Store) batchGet(ctx context.Context, ids []string) ([]Item, error) {
	table := s.h.Config().Table
	seen := make(map[string]bool, len(ids))
	var out []Item
	for start := 0; start < len(ids); start += batchGetSize {
		end := start + batchGetSize
		if end > len(ids) {
			end = len(ids)
		}
		keys := make([]map[string]types.AttributeValue, 0, end-start)
		for _, id := range ids[start:end] {
			if !seen[id] {
				seen[id] = true
				keys = append(keys, s.entityKey(id))
			}
		}

		request := map[string]types.KeysAndAttributes{
			table: {Keys: keys, ConsistentRead: aws.Bool(true)},
		}
		for attempt := 0; len(request) > 0 && len(request[table].Keys) > 0; attempt++ {
			if err := backoff(ctx, attempt); err != nil {
				return nil, err
			}
			result, err := s.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{RequestItems: request})
			if err != nil {
				return nil, err
			}
			for _, item := range result.Responses[table] {
				if !IsDeleted(item) {
					out = append(out, item)
				}
			}
			request = result.UnprocessedKeys
		}
	}
	return out, nil
}

// backoff sleeps before retrying unprocessed batch items.
func backoff(ctx context.Context, attempt int) error {
	if attempt == 0 {
		return nil
	}
	if attempt > 8 {
		attempt = 8
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(1<<attempt) * 10 * time.Millisecond):
		return nil
	}
}

// ancestorIDs queries the ascending bridge rows of descendant id.
func (s *Store) ancestorIDs(ctx context.Context, id string, live bool) ([]string, error) {
	c := s.h.Config()
	input := &dynamodb.QueryInput{
		TableName:                 aws.String(c.ThroughTable),
		KeyConditionExpression:    aws.String("#d = :d"),
		ExpressionAttributeNames:  map[string]string{"#d": c.ThroughKey},
		ExpressionAttributeValues: map[string]types.AttributeValue{":d": stringAttr(id)},
		ConsistentRead:            aws.Bool(true),
	}
	if live {
		withTTLFilter(input)
	}

	var ids []string
	paginator := dynamodb.NewQueryPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			if isMirror(item) {
				continue
			}
			if a, ok := stringValue(item[c.ThroughForeignKey]); ok {
				ids = append(ids, a)
			}
		}
	}
	return ids, nil
}

// descendantIDs reads the descending copies under id from its shards with
// consistent reads.
func (s *Store) descendantIDs(ctx context.Context, id string, live bool) ([]string, error) {
	return s.mirrorIDs(ctx, id, live, false)
}

// childIDs reads the descending copies flagged direct under id.
func (s *Store) childIDs(ctx context.Context, id string, live bool) ([]string, error) {
	return s.mirrorIDs(ctx, id, live, true)
}

func (s *Store) mirrorIDs(ctx context.Context, id string, live, direct bool) ([]string, error) {
	c := s.h.Config()
	ref := s.ref(id)

	conds := []string{"#from = :from"}
	names := map[string]string{"#shard": c.ThroughKey, "#from": attrDescendsFrom}
	values := map[string]types.AttributeValue{":from": stringAttr(id)}
	if direct {
		conds = append(conds, "attribute_exists(#direct)")
		names["#direct"] = attrDirect
	}
	if live {
		conds = append(conds, TTLFilterExpr())
		names = mergeExprNames(names, TTLFilterNames())
		values = mergeExprValues(values, TTLFilterValues())
	}

	var mu sync.Mutex
	var ids []string
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOutLimit)
	for shardNum := 0; shardNum < s.config.NumShards; shardNum++ {
		shardPK := shard.ShardPK(ref, shardNum)
		g.Go(func() error {
			input := &dynamodb.QueryInput{
				TableName:                 aws.String(c.ThroughTable),
				KeyConditionExpression:    aws.String("#shard = :shard"),
				FilterExpression:          aws.String(strings.Join(conds, " AND ")),
				ExpressionAttributeNames:  names,
				ExpressionAttributeValues: mergeExprValues(values, map[string]types.AttributeValue{":shard": stringAttr(shardPK)}),
				ConsistentRead:            aws.Bool(true),
			}

			var found []string
			paginator := dynamodb.NewQueryPaginator(s.client, input)
			for paginator.HasMorePages() {
				page, err := paginator.NextPage(ctx)
				if err != nil {
					return fmt.Errorf("shard %s: %w", shardPK, err)
				}
				for _, item := range page.Items {
					if d, ok := stringValue(item[c.ThroughForeignKey]); ok {
						found = append(found, d)
					}
				}
			}

			mu.Lock()
			ids = append(ids, found...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// hasClosureRow reads one live bridge row with a consistent read.
func (s *Store) hasClosureRow(ctx context.Context, descendant, ancestor string) (bool, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.h.Config().ThroughTable),
		Key:            s.closureKey(descendant, ancestor),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, err
	}
	return result.Item != nil && !IsDeleted(result.Item), nil
}

// scanLive scans the entity table for live items with a consistent read.
func (s *Store) scanLive(ctx context.Context) ([]Item, error) {
	var items []Item
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:                 aws.String(s.h.Config().Table),
		FilterExpression:          aws.String(TTLFilterExpr()),
		ExpressionAttributeNames:  TTLFilterNames(),
		ExpressionAttributeValues: TTLFilterValues(),
		ConsistentRead:            aws.Bool(true),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
	}
	return items, nil
}

// truncateClosure deletes every bridge item, ascending rows and descending
// copies alike. It is not transactional.
func (s *Store) truncateClosure(ctx context.Context) (int, error) {
	c := s.h.Config()
	var keys []map[string]types.AttributeValue
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:                aws.String(c.ThroughTable),
		ProjectionExpression:     aws.String("#d, #a"),
		ExpressionAttributeNames: map[string]string{"#d": c.ThroughKey, "#a": c.ThroughForeignKey},
		ConsistentRead:           aws.Bool(true),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, err
		}
		keys = append(keys, page.Items...)
	}

	for start := 0; start < len(keys); start += batchWriteSize {
		end := start + batchWriteSize
		if end > len(keys) {
			end = len(keys)
		}
		requests := make([]types.WriteRequest, 0, end-start)
		for _, key := range keys[start:end] {
			requests = append(requests, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: key}})
		}
		pending := map[string][]types.WriteRequest{c.ThroughTable: requests}
		for attempt := 0; len(pending[c.ThroughTable]) > 0; attempt++ {
			if err := backoff(ctx, attempt); err != nil {
				return 0, err
			}
			result, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
			if err != nil {
				return 0, err
			}
			pending = result.UnprocessedItems
		}
	}
	return len(keys), nil
}

// withTTLFilter restricts a query to items that are not deleted.
func withTTLFilter(input *dynamodb.QueryInput) {
	input.FilterExpression = aws.String(TTLFilterExpr())
	input.ExpressionAttributeNames = mergeExprNames(input.ExpressionAttributeNames, TTLFilterNames())
	input.ExpressionAttributeValues = mergeExprValues(input.ExpressionAttributeValues, TTLFilterValues())
}
