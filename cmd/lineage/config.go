package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jacentio/lineage/hierarchy"
)

const (
	driverSQLite   = "sqlite"
	driverPostgres = "postgres"
	driverDynamoDB = "dynamodb"

	defaultDSN = "lineage.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
)

// Config is the lineage.yaml file.
type Config struct {
	// Driver selects the backend: sqlite, postgres or dynamodb.
	Driver string `yaml:"driver"`

	// DSN is the database/sql data source for sqlite and postgres.
	DSN string `yaml:"dsn"`

	DynamoDB DynamoDBConfig `yaml:"dynamodb"`

	Hierarchies []HierarchyConfig `yaml:"hierarchies"`
}

// DynamoDBConfig configures the dynamodb driver. Region, profile and
// credentials fall back to the AWS SDK defaults.
type DynamoDBConfig struct {
	Region              string `yaml:"region"`
	Profile             string `yaml:"profile"`
	Endpoint            string `yaml:"endpoint"`
	NumShards           int    `yaml:"num_shards"`
	MaxTransactItems    int    `yaml:"max_transact_items"`
	AllowPartialCommits bool   `yaml:"allow_partial_commits"`
}

// HierarchyConfig declares one hierarchical entity type. Empty fields take
// the hierarchy defaults.
type HierarchyConfig struct {
	Name              string         `yaml:"name"`
	Schema            string         `yaml:"schema"`
	Table             string         `yaml:"table"`
	PrimaryKey        string         `yaml:"primary_key"`
	KeyType           string         `yaml:"key_type"`
	ForeignKey        string         `yaml:"foreign_key"`
	LevelField        string         `yaml:"level_field"`
	ThroughTable      string         `yaml:"through_table"`
	ThroughKey        string         `yaml:"through_key"`
	ThroughForeignKey string         `yaml:"through_foreign_key"`
	OnDelete          string         `yaml:"on_delete"`
	AlwaysCheckCycles bool           `yaml:"always_check_cycles"`
	Columns           []ColumnConfig `yaml:"columns"`
}

// ColumnConfig is an extra entity-table column created by migrate.
type ColumnConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// loadConfig reads, defaults and validates the config file at path.
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	c.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	if c.Driver == "" {
		c.Driver = driverSQLite
	}
	if c.Driver == "postgresql" || c.Driver == "pgx" {
		c.Driver = driverPostgres
	}
	if c.Driver == driverSQLite && c.DSN == "" {
		c.DSN = defaultDSN
	}
}

func (c *Config) validate() error {
	var errs []error
	switch c.Driver {
	case driverSQLite, driverDynamoDB:
	case driverPostgres:
		if c.DSN == "" {
			errs = append(errs, errors.New("dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown driver %q (want sqlite, postgres or dynamodb)", c.Driver))
	}
	if len(c.Hierarchies) == 0 {
		errs = append(errs, errors.New("at least one hierarchy is required"))
	}
	seen := make(map[string]bool, len(c.Hierarchies))
	for i, h := range c.Hierarchies {
		if h.Name == "" {
			errs = append(errs, fmt.Errorf("hierarchies[%d]: name is required", i))
			continue
		}
		if seen[h.Name] {
			errs = append(errs, fmt.Errorf("hierarchies[%d]: duplicate name %q", i, h.Name))
		}
		seen[h.Name] = true
		for j, col := range h.Columns {
			if col.Name == "" || col.Type == "" {
				errs = append(errs, fmt.Errorf("hierarchies[%d].columns[%d]: name and type are required", i, j))
			}
		}
	}
	return errors.Join(errs...)
}

func (h HierarchyConfig) hierarchy() hierarchy.Config {
	return hierarchy.Config{
		Name:              h.Name,
		Schema:            h.Schema,
		Table:             h.Table,
		PrimaryKey:        h.PrimaryKey,
		KeyType:           h.KeyType,
		ForeignKey:        h.ForeignKey,
		LevelField:        h.LevelField,
		ThroughTable:      h.ThroughTable,
		ThroughKey:        h.ThroughKey,
		ThroughForeignKey: h.ThroughForeignKey,
		OnDelete:          h.OnDelete,
		AlwaysCheckCycles: h.AlwaysCheckCycles,
	}
}

// registry registers every configured hierarchy.
func (c *Config) registry(logger *slog.Logger) (*hierarchy.Registry, error) {
	reg := hierarchy.NewRegistry()
	reg.SetLogger(logger)
	for _, h := range c.Hierarchies {
		if _, err := reg.Register(h.hierarchy()); err != nil {
			return nil, fmt.Errorf("hierarchy %s: %w", h.Name, err)
		}
	}
	return reg, nil
}
