package dynamostore

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// CreateTables creates the entity and bridge tables.
// Tables that already exist are left alone. The entity table streams new and
// old images for the cascade handler. TTL must be enabled on the "ttl"
// attribute separately.
func (s *Store) CreateTables(ctx context.Context, creator TableCreator) error {
	for _, input := range s.TableInputs() {
		_, err := creator.CreateTable(ctx, input)
		var inUse *types.ResourceInUseException
		if errors.As(err, &inUse) {
			s.logger.DebugContext(ctx, "table already exists", "table", aws.ToString(input.TableName))
			continue
		}
		if err != nil {
			return fmt.Errorf("create table %s: %w", aws.ToString(input.TableName), err)
		}
		s.logger.InfoContext(ctx, "created table", "table", aws.ToString(input.TableName))
	}
	return nil
}

// TableInputs returns the CreateTable requests for the entity and bridge tables.
func (s *Store) TableInputs() []*dynamodb.CreateTableInput {
	c := s.h.Config()
	return []*dynamodb.CreateTableInput{
		{
			TableName: aws.String(c.Table),
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String(c.PrimaryKey), AttributeType: types.ScalarAttributeTypeS},
			},
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String(c.PrimaryKey), KeyType: types.KeyTypeHash},
			},
			BillingMode: types.BillingModePayPerRequest,
			StreamSpecification: &types.StreamSpecification{
				StreamEnabled:  aws.Bool(true),
				StreamViewType: types.StreamViewTypeNewAndOldImages,
			},
		},
		{
			TableName: aws.String(c.ThroughTable),
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String(c.ThroughKey), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: aws.String(c.ThroughForeignKey), AttributeType: types.ScalarAttributeTypeS},
			},
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String(c.ThroughKey), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String(c.ThroughForeignKey), KeyType: types.KeyTypeRange},
			},
			BillingMode: types.BillingModePayPerRequest,
		},
	}
}
