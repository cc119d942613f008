// Package stream provides DynamoDB Streams handlers for cascade deletes.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/lineage/dynamostore"
	"github.com/jacentio/lineage/hierarchy"
)

// Handler processes entity table stream events. Setting the TTL of an entity
// expires its bridge rows and, under CASCADE, propagates the TTL to its
// children, whose own stream events continue down the subtree.
type Handler struct {
	stores map[string]*dynamostore.Store // by entity table
	logger *slog.Logger
}

// NewHandler creates a new stream handler for the given stores.
func NewHandler(stores []*dynamostore.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		stores: make(map[string]*dynamostore.Store, len(stores)),
		logger: logger,
	}
	for _, s := range stores {
		h.stores[s.Hierarchy().Config().Table] = s
	}
	return h
}

// HandleCascadeDelete processes DynamoDB stream events to propagate TTL to children.
// This function is designed to be used as an AWS Lambda handler.
func (h *Handler) HandleCascadeDelete(ctx context.Context, event events.DynamoDBEvent) error {
	for i := range event.Records {
		record := &event.Records[i]
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.Error("failed to process record",
				"eventID", record.EventID,
				"error", err,
			)
			return err // Will retry, eventually DLQ
		}
	}
	return nil
}

// processRecord processes a single DynamoDB stream record.
func (h *Handler) processRecord(ctx context.Context, record *events.DynamoDBEventRecord) error {
	// Only process MODIFY events where TTL was added
	if record.EventName != "MODIFY" {
		return nil
	}

	oldTTL := getNumberAttr(record.Change.OldImage, "ttl")
	newTTL := getNumberAttr(record.Change.NewImage, "ttl")

	// Only process when TTL is newly set (was absent/0, now present)
	if oldTTL != 0 || newTTL == 0 {
		return nil
	}

	st, err := h.storeFor(record.EventSourceArn)
	if err != nil {
		return err
	}
	c := st.Hierarchy().Config()

	id := keyString(ConvertStreamKey(record.Change.Keys), c.PrimaryKey)
	if id == "" {
		id = getStringAttr(record.Change.NewImage, c.PrimaryKey)
	}
	if id == "" {
		return fmt.Errorf("record %s has no %s key", record.EventID, c.PrimaryKey)
	}

	h.logger.Info("processing cascade delete",
		"type", c.Name,
		"id", id,
		"parent", getStringAttr(record.Change.NewImage, c.ForeignKey),
		"ttl", newTTL,
	)

	// 1. Query all children (including already-deleted ones - idempotent)
	children, err := st.QueryAllChildren(ctx, id)
	if err != nil {
		return fmt.Errorf("query children: %w", err)
	}

	switch c.OnDelete {
	case hierarchy.OnDeleteCascade:
		// 2. Set same TTL on all children (triggers their cascade via stream)
		for _, child := range children {
			if err := st.SetTTLByID(ctx, child, newTTL); err != nil {
				h.logger.Warn("failed to set TTL on child",
					"child", child,
					"error", err,
				)
				// Continue - idempotent, will retry
			}
		}
	default:
		active, err := st.HasActiveChildren(ctx, id)
		if err != nil {
			return fmt.Errorf("check children: %w", err)
		}
		if active {
			h.logger.Warn("deleted entity still has active children",
				"type", c.Name,
				"id", id,
			)
		}
	}

	// 3. Expire the bridge rows naming this entity
	if err := st.ExpireClosure(ctx, id, newTTL); err != nil {
		h.logger.Warn("failed to expire bridge rows",
			"id", id,
			"error", err,
		)
	}

	h.logger.Info("cascade delete completed",
		"type", c.Name,
		"id", id,
		"childrenProcessed", len(children),
	)
	return nil
}

// storeFor picks the store of the table named in a stream ARN
// ("arn:aws:dynamodb:region:account:table/NAME/stream/LABEL"). A handler
// with a single store uses it for every record.
func (h *Handler) storeFor(arn string) (*dynamostore.Store, error) {
	parts := strings.Split(arn, "/")
	if len(parts) >= 2 {
		if s, ok := h.stores[parts[1]]; ok {
			return s, nil
		}
	}
	if len(h.stores) == 1 {
		for _, s := range h.stores {
			return s, nil
		}
	}
	return nil, fmt.Errorf("no store for stream %q", arn)
}

// getStringAttr extracts a string attribute from a DynamoDB stream image.
func getStringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	if v, ok := image[key]; ok && v.DataType() == events.DataTypeString {
		return v.String()
	}
	return ""
}

// getNumberAttr extracts a number attribute from a DynamoDB stream image.
func getNumberAttr(image map[string]events.DynamoDBAttributeValue, key string) int64 {
	if v, ok := image[key]; ok {
		if v.DataType() == events.DataTypeNumber {
			n, _ := strconv.ParseInt(v.Number(), 10, 64)
			return n
		}
	}
	return 0
}

func keyString(key dynamostore.Item, name string) string {
	if v, ok := key[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

// ConvertStreamKey converts a DynamoDB stream key to SDK attribute values.
// Use this when you need to convert keys from stream records to store operations.
func ConvertStreamKey(streamKey map[string]events.DynamoDBAttributeValue) dynamostore.Item {
	result := make(dynamostore.Item)
	for k, v := range streamKey {
		switch v.DataType() {
		case events.DataTypeString:
			result[k] = &types.AttributeValueMemberS{Value: v.String()}
		case events.DataTypeNumber:
			result[k] = &types.AttributeValueMemberN{Value: v.Number()}
		case events.DataTypeBinary:
			result[k] = &types.AttributeValueMemberB{Value: v.Binary()}
		}
	}
	return result
}
