package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDB schema constants for single-table design
const (
	// Table attributes
	AttrPK         = "PK"
	AttrSK         = "SK"
	AttrGSI1PK     = "GSI1PK"
	AttrGSI1SK     = "GSI1SK"
	AttrGSI2PK     = "GSI2PK"
	AttrGSI2SK     = "GSI2SK"
	AttrEntityType = "entity_type"
	AttrLeaseUntil = "lease_until_ms"

	// Run attributes referenced in expressions
	attrVersion      = "version"
	attrStatus       = "status"
	attrLeaseOwner   = "lease_owner"
	attrLeaseExpires = "lease_expires_at"
	attrUpdatedAt    = "updated_at"

	// Entity types
	EntityTypeEvent         = "Event"
	EntityTypeWorkflowRun   = "WorkflowRun"
	EntityTypeStepExecution = "StepExecution"

	// Index names
	IndexDefinitionIndex = "GSI1"
	IndexStatusIndex     = "GSI2"
)

// Key builders for single-table design

// Event keys: PK=EVENT#{eventID}, SK=META
func eventPK(eventID string) string {
	return fmt.Sprintf("EVENT#%s", eventID)
}

// WorkflowRun keys: PK=RUN#{runID}, SK=META
func workflowRunPK(runID string) string {
	return fmt.Sprintf("RUN#%s", runID)
}

func metaSK() string {
	return "META"
}

// GSI1 lists runs per definition, newest last
func workflowRunGSI1PK(definitionID string) string {
	return fmt.Sprintf("DEF#%s", definitionID)
}

// GSI2 lists runs per status; the scheduler reads it to find claimable work
func workflowRunGSI2PK(status string) string {
	return fmt.Sprintf("STATUS#%s", status)
}

// Run sort keys: {createdAt}#{runID}, so equal timestamps stay distinct
func workflowRunGSISK(createdAt, runID string) string {
	return fmt.Sprintf("%s#%s", createdAt, runID)
}

// StepExecution keys: PK=RUN#{runID}, SK=STEP#{index}#{attempt}.
// Zero padding keeps a query over the prefix ordered by index then attempt.
func stepExecutionSK(stepIndex, attempt int) string {
	return fmt.Sprintf("STEP#%06d#%06d", stepIndex, attempt)
}

// Prefix for range queries
func stepPrefix() string {
	return "STEP#"
}

// CreateTableInput describes the single table and its two indexes
func CreateTableInput(tableName string) *dynamodb.CreateTableInput {
	stringKey := func(name string) types.AttributeDefinition {
		return types.AttributeDefinition{AttributeName: aws.String(name), AttributeType: types.ScalarAttributeTypeS}
	}
	index := func(name, pk, sk string) types.GlobalSecondaryIndex {
		return types.GlobalSecondaryIndex{
			IndexName: aws.String(name),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String(pk), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String(sk), KeyType: types.KeyTypeRange},
			},
			Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
		}
	}

	return &dynamodb.CreateTableInput{
		TableName: aws.String(tableName),
		AttributeDefinitions: []types.AttributeDefinition{
			stringKey(AttrPK), stringKey(AttrSK),
			stringKey(AttrGSI1PK), stringKey(AttrGSI1SK),
			stringKey(AttrGSI2PK), stringKey(AttrGSI2SK),
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(AttrPK), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(AttrSK), KeyType: types.KeyTypeRange},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			index(IndexDefinitionIndex, AttrGSI1PK, AttrGSI1SK),
			index(IndexStatusIndex, AttrGSI2PK, AttrGSI2SK),
		},
		BillingMode: types.BillingModePayPerRequest,
	}
}

// EnsureTable creates the table when it does not exist and waits for it to become active
func EnsureTable(ctx context.Context, client *dynamodb.Client, tableName string) error {
	_, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(tableName)})
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("failed to describe table %s: %w", tableName, err)
	}

	if _, err := client.CreateTable(ctx, CreateTableInput(tableName)); err != nil {
		return fmt.Errorf("failed to create table %s: %w", tableName, err)
	}

	waiter := dynamodb.NewTableExistsWaiter(client)
	return waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(tableName)}, 2*time.Minute)
}
