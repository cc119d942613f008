package dynamostore

import "errors"

var (
	// ErrNotFound is returned when an entity doesn't exist or is deleted (has TTL <= now).
	ErrNotFound = errors.New("lineage: entity not found")

	// ErrAlreadyExists is returned when attempting to create an entity with an existing ID.
	ErrAlreadyExists = errors.New("lineage: entity already exists")

	// ErrHasChildren is returned when deleting an entity with active children
	// under the RESTRICT policy.
	ErrHasChildren = errors.New("lineage: entity has active children")

	// ErrConcurrentModification is returned when optimistic lock fails (version mismatch).
	ErrConcurrentModification = errors.New("lineage: entity was modified concurrently")

	// ErrAlreadyDeleted is returned when attempting to delete an already-deleted entity.
	ErrAlreadyDeleted = errors.New("lineage: entity is already deleted")

	// ErrMissingKey is returned when an item has no string primary key.
	ErrMissingKey = errors.New("lineage: item has no string primary key")

	// ErrTransactionTooLarge is returned when a commit needs more than
	// MaxTransactItems writes and partial commits are not allowed.
	ErrTransactionTooLarge = errors.New("lineage: commit exceeds the transaction item limit")
)
