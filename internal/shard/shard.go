// Package shard provides shard key generation for distributed DynamoDB tables.
package shard

import (
	"fmt"
	"hash/fnv"
)

// MaxShards is the largest supported shard count.
const MaxShards = 256

// Ref returns the type-qualified reference of an entity (e.g., "folder#uuid").
func Ref(entityType, id string) string {
	return entityType + "#" + id
}

// AncestorPK computes the sharded partition key under which a bridge row is
// indexed by its ancestor. With numShards=1 every row of an ancestor goes to
// shard "00"; with more shards rows are spread by a hash of the descendant.
func AncestorPK(ancestorRef, descendantRef string, numShards int) string {
	if numShards <= 1 {
		return ShardPK(ancestorRef, 0)
	}
	if numShards > MaxShards {
		numShards = MaxShards
	}
	h := fnv.New32a()
	h.Write([]byte(descendantRef))
	return ShardPK(ancestorRef, int(h.Sum32()%uint32(numShards)))
}

// ShardPK returns the partition key of one shard of ref. Readers fan out
// over ShardPK(ref, 0) .. ShardPK(ref, numShards-1).
func ShardPK(ref string, shard int) string {
	return fmt.Sprintf("%s#%02x", ref, shard)
}
