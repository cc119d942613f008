package dynamostore

import (
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Reserved attribute names on entity and bridge items.
const (
	attrTTL          = "ttl"
	attrVersion      = "version"
	attrCreatedAt    = "created_at"
	attrUpdatedAt    = "updated_at"
	attrDescendsFrom = "descends_from"
	attrDirect       = "direct"
)

// IsDeleted checks if an item has an expired TTL (is marked for deletion).
func IsDeleted(item map[string]types.AttributeValue) bool {
	ttlAttr, exists := item[attrTTL]
	if !exists {
		return false // No TTL = active
	}
	ttlNum, ok := ttlAttr.(*types.AttributeValueMemberN)
	if !ok {
		return false
	}
	ttl, err := strconv.ParseInt(ttlNum.Value, 10, 64)
	if err != nil {
		return false
	}
	return ttl <= time.Now().Unix()
}

// TTLFilterExpr returns the filter expression to exclude deleted items.
// Use this when building custom queries that need TTL filtering.
func TTLFilterExpr() string {
	return "(attribute_not_exists(#ttl) OR #ttl > :now)"
}

// TTLFilterNames returns expression attribute names for TTL filter.
func TTLFilterNames() map[string]string {
	return map[string]string{"#ttl": attrTTL}
}

// TTLFilterValues returns expression attribute values for TTL filter.
func TTLFilterValues() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{":now": unixNow()}
}

// LiveCondition returns the condition expression for an existing, not
// deleted entity. #pk must be bound to the primary key attribute.
func LiveCondition() string {
	return "attribute_exists(#pk) AND " + TTLFilterExpr()
}

func unixNow() types.AttributeValue {
	return numberAttr(time.Now().Unix())
}

func numberAttr(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func stringAttr(s string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: s}
}

// mergeExprNames merges multiple expression attribute name maps.
func mergeExprNames(maps ...map[string]string) map[string]string {
	result := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			result[k] = v
		}
	}
	return result
}

// mergeExprValues merges multiple expression attribute value maps.
func mergeExprValues(maps ...map[string]types.AttributeValue) map[string]types.AttributeValue {
	result := make(map[string]types.AttributeValue)
	for _, m := range maps {
		for k, v := range m {
			result[k] = v
		}
	}
	return result
}
