package sqlstore

import "errors"

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("lineage: entity not found")

	// ErrUnsupportedDialect is returned for a driver without a known dialect.
	ErrUnsupportedDialect = errors.New("lineage: unsupported SQL dialect")

	// ErrUnsupportedInclude is returned when a fetch includes an association
	// the repository cannot load.
	ErrUnsupportedInclude = errors.New("lineage: unsupported include")

	// ErrNoValues is returned for an insert or update without any column.
	ErrNoValues = errors.New("lineage: no values to write")
)
