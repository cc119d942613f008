package dynamostore

import "github.com/jacentio/lineage/internal/shard"

// Config holds DynamoDB layout settings for a Store. Table and attribute
// names come from the hierarchy Config: Table and ThroughTable name the
// entity and bridge tables, PrimaryKey/ForeignKey/LevelField the entity
// attributes, ThroughKey/ThroughForeignKey the bridge key attributes.
type Config struct {
	// NumShards is the number of descendant partitions per ancestor in the
	// bridge table. Higher values spread writes under a busy ancestor across
	// partitions but require more parallel queries when listing descendants.
	// Default: 1 (no sharding, single query)
	// Max: 256
	NumShards int

	// MaxTransactItems bounds the items written per TransactWriteItems call.
	// Default: 100
	MaxTransactItems int

	// AllowPartialCommits lets a commit larger than MaxTransactItems run as
	// several transactions that apply in order. A failure in a later
	// transaction leaves the earlier ones applied. When false such commits
	// fail with ErrTransactionTooLarge before anything is written.
	// Rebuild always commits in parts.
	AllowPartialCommits bool
}

// DefaultConfig returns sensible defaults for small datasets.
func DefaultConfig() Config {
	return Config{
		NumShards:        1,
		MaxTransactItems: 100,
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.NumShards < 1 {
		c.NumShards = 1
	}
	if c.NumShards > shard.MaxShards {
		c.NumShards = shard.MaxShards
	}
	if c.MaxTransactItems < 1 || c.MaxTransactItems > 100 {
		c.MaxTransactItems = 100
	}
}
