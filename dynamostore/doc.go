// Package dynamostore maintains hierarchies in DynamoDB.
//
// Each hierarchy uses two tables named by its hierarchy.Config: the entity
// table, keyed by the primary key attribute, and the bridge table, keyed by
// (ThroughKey, ThroughForeignKey). Keys are strings.
//
// # Key Features
//
//   - Levels and bridge rows written atomically with the entity change
//   - Parent validation on create and move (condition checks)
//   - Cycle rejection through the hierarchy cycle guard
//   - Orphan protection under RESTRICT, cascading deletes via Streams + TTL under CASCADE
//   - Optimistic locking with version field
//   - Configurable descendant sharding for busy ancestors
//
// # Layout
//
// Neither table has a secondary index. Every bridge row is stored twice in
// the bridge table, in the same transaction: once under its descendant, and
// once as a descending copy under a shard of its ancestor, sorted by
// descendant. The copy carries a "descends_from" attribute naming the
// ancestor and a "direct" flag when the ancestor is the parent. Descendants
// of an entity are found by querying its shards:
//
//	folder#<ancestor>#00 .. folder#<ancestor>#<NumShards-1>
//
// All reads are consistent, so a move or a RESTRICT delete sees every child
// written before it.
//
// # Usage
//
//	reg := hierarchy.NewRegistry()
//	reg.MustRegister(hierarchy.Config{Name: "folder", OnDelete: hierarchy.OnDeleteCascade})
//
//	st, err := dynamostore.New(dynamodb.NewFromConfig(awsCfg), dynamostore.DefaultConfig(), reg, "folder")
//	if err != nil {
//	    return err
//	}
//	root, err := st.Create(ctx, dynamostore.Item{"name": &types.AttributeValueMemberS{Value: "root"}})
//	child, err := st.Create(ctx, dynamostore.Item{
//	    "name":      &types.AttributeValueMemberS{Value: "child"},
//	    "parent_id": &types.AttributeValueMemberS{Value: root},
//	})
//	err = st.Move(ctx, child, "")
//
// Host code that needs more control uses [Store.Begin] and drives the
// hierarchy hooks against the returned [Tx] before calling [Tx.Commit].
//
// # Errors
//
//   - [ErrNotFound] - entity doesn't exist or is deleted
//   - [ErrAlreadyExists] - entity with ID already exists
//   - [ErrHasChildren] - cannot delete entity with children under RESTRICT
//   - [ErrConcurrentModification] - optimistic lock failed
//   - [ErrAlreadyDeleted] - entity already carries a TTL
//   - [ErrTransactionTooLarge] - commit needs more than MaxTransactItems writes
//   - hierarchy errors (hierarchy.ErrParentNotFound, hierarchy.ErrCycle, ...) for rejected writes
package dynamostore
