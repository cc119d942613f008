package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/jacentio/lineage/dynamostore"
	"github.com/jacentio/lineage/hierarchy"
	"github.com/jacentio/lineage/sqlstore"
)

// backend runs the CLI commands against one storage driver.
type backend interface {
	Migrate(ctx context.Context, h *hierarchy.Hierarchy) error
	Rebuild(ctx context.Context, h *hierarchy.Hierarchy) error

	// Tree returns id with its descendants nested under the children
	// association, or the whole forest when id is empty.
	Tree(ctx context.Context, h *hierarchy.Hierarchy, id string) ([]*hierarchy.Row, error)

	Close() error
}

func openBackend(ctx context.Context, cfg *Config, reg *hierarchy.Registry) (backend, error) {
	switch cfg.Driver {
	case driverSQLite, driverPostgres:
		driver := "sqlite"
		if cfg.Driver == driverPostgres {
			driver = "pgx"
		}
		db, err := sql.Open(driver, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
		}
		if cfg.Driver == driverSQLite {
			db.SetMaxOpenConns(1)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("connect %s: %w", cfg.Driver, err)
		}
		d, err := sqlstore.DialectFor(driver)
		if err != nil {
			db.Close()
			return nil, err
		}
		return newSQLBackend(db, d, reg, cfg), nil

	case driverDynamoDB:
		return openDynamoDB(ctx, cfg, reg)
	}
	return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
}

// --- SQL ---

type sqlBackend struct {
	db      *sql.DB
	dialect sqlstore.Dialect
	reg     *hierarchy.Registry
	columns map[string][]sqlstore.Column
}

func newSQLBackend(db *sql.DB, d sqlstore.Dialect, reg *hierarchy.Registry, cfg *Config) *sqlBackend {
	b := &sqlBackend{db: db, dialect: d, reg: reg, columns: make(map[string][]sqlstore.Column)}
	for _, h := range cfg.Hierarchies {
		for _, col := range h.Columns {
			b.columns[h.Name] = append(b.columns[h.Name], sqlstore.Column{Name: col.Name, Type: col.Type})
		}
	}
	return b
}

func (b *sqlBackend) repository(h *hierarchy.Hierarchy) (*sqlstore.Repository, error) {
	return sqlstore.NewRepository(b.db, b.dialect, b.reg, h.Name())
}

func (b *sqlBackend) Migrate(ctx context.Context, h *hierarchy.Hierarchy) error {
	return sqlstore.EnsureSchema(ctx, b.db, b.dialect, h, b.columns[h.Name()]...)
}

func (b *sqlBackend) Rebuild(ctx context.Context, h *hierarchy.Hierarchy) error {
	repo, err := b.repository(h)
	if err != nil {
		return err
	}
	return repo.Rebuild(ctx)
}

func (b *sqlBackend) Tree(ctx context.Context, h *hierarchy.Hierarchy, id string) ([]*hierarchy.Row, error) {
	repo, err := b.repository(h)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return repo.Find(ctx, &hierarchy.FindOptions{Hierarchy: true}, "")
	}

	key := parseKey(id)
	root, err := repo.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	children, err := repo.Descendants(ctx, key, true)
	if err != nil {
		return nil, err
	}
	root.SetAssociation(h.Config().ChildrenAs, children)
	return []*hierarchy.Row{root}, nil
}

func (b *sqlBackend) Close() error {
	return b.db.Close()
}

// parseKey passes numeric keys as integers so they match INTEGER key
// columns on every driver.
func parseKey(s string) hierarchy.ID {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return s
}

// --- DynamoDB ---

type dynamoBackend struct {
	client *dynamodb.Client
	stores map[string]*dynamostore.Store
	logger *slog.Logger
}

func openDynamoDB(ctx context.Context, cfg *Config, reg *hierarchy.Registry) (*dynamoBackend, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.DynamoDB.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.DynamoDB.Region))
	}
	if cfg.DynamoDB.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.DynamoDB.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.DynamoDB.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DynamoDB.Endpoint)
		}
	})

	dcfg := dynamostore.DefaultConfig()
	if cfg.DynamoDB.NumShards > 0 {
		dcfg.NumShards = cfg.DynamoDB.NumShards
	}
	if cfg.DynamoDB.MaxTransactItems > 0 {
		dcfg.MaxTransactItems = cfg.DynamoDB.MaxTransactItems
	}
	dcfg.AllowPartialCommits = cfg.DynamoDB.AllowPartialCommits

	b := &dynamoBackend{client: client, stores: make(map[string]*dynamostore.Store), logger: reg.Logger()}
	for _, h := range reg.All() {
		s, err := dynamostore.New(client, dcfg, reg, h.Name())
		if err != nil {
			return nil, err
		}
		b.stores[h.Name()] = s
	}
	return b, nil
}

// Migrate creates the tables, waits for them to become active and enables
// TTL on both.
func (b *dynamoBackend) Migrate(ctx context.Context, h *hierarchy.Hierarchy) error {
	s := b.stores[h.Name()]
	if err := s.CreateTables(ctx, b.client); err != nil {
		return err
	}
	for _, input := range s.TableInputs() {
		waiter := dynamodb.NewTableExistsWaiter(b.client)
		if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{
			TableName: input.TableName,
		}, 2*time.Minute); err != nil {
			return fmt.Errorf("wait for table %s: %w", aws.ToString(input.TableName), err)
		}
		if err := b.enableTTL(ctx, aws.ToString(input.TableName)); err != nil {
			return err
		}
	}
	return nil
}

func (b *dynamoBackend) enableTTL(ctx context.Context, table string) error {
	desc, err := b.client.DescribeTimeToLive(ctx, &dynamodb.DescribeTimeToLiveInput{TableName: aws.String(table)})
	if err != nil {
		return fmt.Errorf("describe TTL of %s: %w", table, err)
	}
	if d := desc.TimeToLiveDescription; d != nil &&
		(d.TimeToLiveStatus == types.TimeToLiveStatusEnabled || d.TimeToLiveStatus == types.TimeToLiveStatusEnabling) {
		return nil
	}
	_, err = b.client.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: aws.String(table),
		TimeToLiveSpecification: &types.TimeToLiveSpecification{
			AttributeName: aws.String("ttl"),
			Enabled:       aws.Bool(true),
		},
	})
	if err != nil {
		return fmt.Errorf("enable TTL on %s: %w", table, err)
	}
	b.logger.InfoContext(ctx, "enabled TTL", "table", table)
	return nil
}

func (b *dynamoBackend) Rebuild(ctx context.Context, h *hierarchy.Hierarchy) error {
	return b.stores[h.Name()].Rebuild(ctx)
}

func (b *dynamoBackend) Tree(ctx context.Context, h *hierarchy.Hierarchy, id string) ([]*hierarchy.Row, error) {
	if id == "" {
		return nil, errors.New("the dynamodb driver needs a root id to print a tree")
	}
	s := b.stores[h.Name()]
	item, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var values map[string]any
	if err := attributevalue.UnmarshalMap(item, &values); err != nil {
		return nil, fmt.Errorf("decode %s: %w", id, err)
	}
	children, err := s.Descendants(ctx, id, true)
	if err != nil {
		return nil, err
	}
	root := hierarchy.NewRow(values)
	root.SetAssociation(h.Config().ChildrenAs, children)
	return []*hierarchy.Row{root}, nil
}

func (b *dynamoBackend) Close() error {
	return nil
}
