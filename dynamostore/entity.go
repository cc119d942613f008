package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/lineage/hierarchy"
)

// Client is the subset of the DynamoDB API the Store uses.
// *dynamodb.Client satisfies it.
type Client interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	BatchGetItem(ctx context.Context, params *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// TableCreator creates tables. *dynamodb.Client satisfies it.
type TableCreator interface {
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

var (
	_ Client       = (*dynamodb.Client)(nil)
	_ TableCreator = (*dynamodb.Client)(nil)
)

// Item is a raw DynamoDB entity item.
type Item = map[string]types.AttributeValue

// node is the hierarchy projection of an entity item.
type node struct {
	id      string
	parent  string // empty for roots
	level   int
	version int64
}

func (n *node) hierarchyNode() *hierarchy.Node {
	hn := &hierarchy.Node{ID: n.id, Level: n.level}
	if n.parent != "" {
		hn.ParentID = n.parent
	}
	return hn
}

// nodeOf reads the hierarchy attributes of an entity item. It returns nil if
// the item has no string key.
func (s *Store) nodeOf(item Item) *node {
	c := s.h.Config()
	id, ok := stringValue(item[c.PrimaryKey])
	if !ok {
		return nil
	}
	n := &node{id: id}
	n.parent, _ = stringValue(item[c.ForeignKey])
	n.level = int(numberValue(item[c.LevelField]))
	n.version = numberValue(item[attrVersion])
	return n
}

// itemRecord exposes an entity item to the hierarchy hooks.
type itemRecord struct {
	item Item
	err  error
}

var _ hierarchy.Record = (*itemRecord)(nil)

func (r *itemRecord) Get(field string) any {
	return attrValue(r.item[field])
}

func (r *itemRecord) Set(field string, value any) {
	av, err := attributevalue.Marshal(value)
	if err != nil {
		r.err = errors.Join(r.err, fmt.Errorf("marshal %s: %w", field, err))
		return
	}
	r.item[field] = av
}

// attrValue converts the scalar attribute types to plain Go values.
// Numbers become int64 when integral.
func attrValue(av types.AttributeValue) any {
	switch v := av.(type) {
	case nil:
		return nil
	case *types.AttributeValueMemberNULL:
		return nil
	case *types.AttributeValueMemberS:
		return v.Value
	case *types.AttributeValueMemberN:
		if n, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
			return n
		}
		f, _ := strconv.ParseFloat(v.Value, 64)
		return f
	case *types.AttributeValueMemberBOOL:
		return v.Value
	}
	var out any
	if err := attributevalue.Unmarshal(av, &out); err != nil {
		return nil
	}
	return out
}

func stringValue(av types.AttributeValue) (string, bool) {
	v, ok := av.(*types.AttributeValueMemberS)
	if !ok || v.Value == "" {
		return "", false
	}
	return v.Value, true
}

func numberValue(av types.AttributeValue) int64 {
	v, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(v.Value, 10, 64)
	if err != nil {
		f, _ := strconv.ParseFloat(v.Value, 64)
		return int64(f)
	}
	return n
}

// idString renders a key value as the string stored in DynamoDB.
func idString(id hierarchy.ID) (string, bool) {
	id = hierarchy.NormalizeID(id)
	switch v := id.(type) {
	case nil:
		return "", false
	case string:
		return v, v != ""
	}
	return fmt.Sprint(id), true
}

// parentID is the hierarchy view of a stored parent attribute.
func parentID(parent string) hierarchy.ID {
	if parent == "" {
		return nil
	}
	return parent
}

// toRow converts an item into a fetched row. Numbers decode as float64.
func toRow(item Item) (*hierarchy.Row, error) {
	values := map[string]any{}
	if err := attributevalue.UnmarshalMap(item, &values); err != nil {
		return nil, err
	}
	return &hierarchy.Row{Values: values}, nil
}
