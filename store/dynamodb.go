package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sicko7947/hubflow"
)

// Fixed-width UTC layout so GSI sort keys order lexically by time
const sortableTimeLayout = "2006-01-02T15:04:05.000000000Z"

// DynamoDBStore implements hubflow.Store using AWS DynamoDB
type DynamoDBStore struct {
	client    DynamoDBClient
	tableName string
}

// NewDynamoDBStore creates a new DynamoDB-backed store
func NewDynamoDBStore(client DynamoDBClient, tableName string) *DynamoDBStore {
	return &DynamoDBStore{
		client:    client,
		tableName: tableName,
	}
}

var _ hubflow.Store = (*DynamoDBStore)(nil)

// Ping checks that the table is reachable
func (s *DynamoDBStore) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	if err != nil {
		return unavailable("describe table", err)
	}
	return nil
}

func unavailable(operation string, err error) error {
	return hubflow.NewPersistenceError(hubflow.KindStorageUnavailable, "failed to "+operation, err)
}

func stringAttr(v string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: v}
}

func numberAttr(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func metaKey(pk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		AttrPK: stringAttr(pk),
		AttrSK: stringAttr(metaSK()),
	}
}

// Values for "NOT #status IN (:succeeded, :failed, :cancelled)"
func terminalStatusValues(values map[string]types.AttributeValue) {
	values[":succeeded"] = stringAttr(string(hubflow.RunStatusSucceeded))
	values[":failed"] = stringAttr(string(hubflow.RunStatusFailed))
	values[":cancelled"] = stringAttr(string(hubflow.RunStatusCancelled))
}

const notTerminalCondition = "NOT #status IN (:succeeded, :failed, :cancelled)"

// Event operations

func (s *DynamoDBStore) CreateEvent(ctx context.Context, event *hubflow.Event) error {
	item, err := attributevalue.MarshalMap(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	item[AttrPK] = stringAttr(eventPK(event.ID))
	item[AttrSK] = stringAttr(metaSK())
	item[AttrEntityType] = stringAttr(EntityTypeEvent)

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.tableName),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(#pk)"),
		ExpressionAttributeNames: map[string]string{"#pk": AttrPK},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return hubflow.NewPersistenceError(hubflow.KindAlreadyExists, fmt.Sprintf("event %s already exists", event.ID), nil)
		}
		return unavailable("create event", err)
	}

	return nil
}

func (s *DynamoDBStore) GetEvent(ctx context.Context, eventID string) (*hubflow.Event, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            metaKey(eventPK(eventID)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, unavailable("get event", err)
	}

	if result.Item == nil {
		return nil, notFound("event", eventID)
	}

	var event hubflow.Event
	if err := attributevalue.UnmarshalMap(result.Item, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	return &event, nil
}

// Workflow run operations

// runItem marshals a run with its table and index keys
func runItem(run *hubflow.WorkflowRun) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(run)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal workflow run: %w", err)
	}

	createdAt := run.CreatedAt.UTC().Format(sortableTimeLayout)

	item[AttrPK] = stringAttr(workflowRunPK(run.RunID))
	item[AttrSK] = stringAttr(metaSK())
	item[AttrEntityType] = stringAttr(EntityTypeWorkflowRun)
	item[AttrGSI1PK] = stringAttr(workflowRunGSI1PK(run.DefinitionID))
	item[AttrGSI1SK] = stringAttr(workflowRunGSISK(createdAt, run.RunID))
	item[AttrGSI2PK] = stringAttr(workflowRunGSI2PK(string(run.Status)))
	item[AttrGSI2SK] = stringAttr(workflowRunGSISK(createdAt, run.RunID))

	if run.LeaseOwner != "" && run.LeaseExpiresAt != nil {
		item[AttrLeaseUntil] = numberAttr(run.LeaseExpiresAt.UnixMilli())
	}

	return item, nil
}

func (s *DynamoDBStore) CreateRun(ctx context.Context, run *hubflow.WorkflowRun) error {
	item, err := runItem(run)
	if err != nil {
		return err
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.tableName),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(#pk)"),
		ExpressionAttributeNames: map[string]string{"#pk": AttrPK},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return hubflow.NewPersistenceError(hubflow.KindAlreadyExists, fmt.Sprintf("workflow run %s already exists", run.RunID), nil)
		}
		return unavailable("create workflow run", err)
	}

	return nil
}

func (s *DynamoDBStore) GetRun(ctx context.Context, runID string) (*hubflow.WorkflowRun, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            metaKey(workflowRunPK(runID)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, unavailable("get workflow run", err)
	}

	if result.Item == nil {
		return nil, notFound("workflow run", runID)
	}

	var run hubflow.WorkflowRun
	if err := attributevalue.UnmarshalMap(result.Item, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow run: %w", err)
	}

	return &run, nil
}

func (s *DynamoDBStore) UpdateRun(ctx context.Context, run *hubflow.WorkflowRun) error {
	expected := run.Version

	next := run.Clone()
	next.Version = expected + 1

	item, err := runItem(next)
	if err != nil {
		return err
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_exists(#pk) AND #version = :expected"),
		ExpressionAttributeNames: map[string]string{
			"#pk":      AttrPK,
			"#version": attrVersion,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": numberAttr(expected),
		},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			if ccf.Item == nil {
				return notFound("workflow run", run.RunID)
			}
			return hubflow.NewPersistenceError(hubflow.KindConcurrentUpdate,
				fmt.Sprintf("workflow run %s: expected version %d", run.RunID, expected), nil)
		}
		return unavailable("update workflow run", err)
	}

	run.Version = next.Version
	return nil
}

func (s *DynamoDBStore) ListRuns(ctx context.Context, filter hubflow.RunFilter) ([]*hubflow.WorkflowRun, error) {
	var (
		runs []*hubflow.WorkflowRun
		err  error
	)

	switch {
	case filter.DefinitionID != "":
		runs, err = s.queryRunIndex(ctx, IndexDefinitionIndex, AttrGSI1PK, workflowRunGSI1PK(filter.DefinitionID))
	case filter.Status != nil:
		runs, err = s.queryRunIndex(ctx, IndexStatusIndex, AttrGSI2PK, workflowRunGSI2PK(string(*filter.Status)))
	default:
		runs, err = s.scanRuns(ctx)
	}
	if err != nil {
		return nil, err
	}

	matched := make([]*hubflow.WorkflowRun, 0, len(runs))
	for _, run := range runs {
		if filter.Matches(run) {
			matched = append(matched, run)
		}
	}

	sortRuns(matched)
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	return matched, nil
}

func (s *DynamoDBStore) queryRunIndex(ctx context.Context, index, keyAttr, key string) ([]*hubflow.WorkflowRun, error) {
	var runs []*hubflow.WorkflowRun
	var lastEvaluatedKey map[string]types.AttributeValue

	// Paginate through all results
	for {
		queryInput := &dynamodb.QueryInput{
			TableName:                aws.String(s.tableName),
			IndexName:                aws.String(index),
			KeyConditionExpression:   aws.String("#gsipk = :pk"),
			ExpressionAttributeNames: map[string]string{"#gsipk": keyAttr},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": stringAttr(key),
			},
		}

		if lastEvaluatedKey != nil {
			queryInput.ExclusiveStartKey = lastEvaluatedKey
		}

		result, err := s.client.Query(ctx, queryInput)
		if err != nil {
			return nil, unavailable("query workflow runs", err)
		}

		for _, item := range result.Items {
			var run hubflow.WorkflowRun
			if err := attributevalue.UnmarshalMap(item, &run); err != nil {
				return nil, fmt.Errorf("failed to unmarshal workflow run: %w", err)
			}
			runs = append(runs, &run)
		}

		if result.LastEvaluatedKey == nil {
			break
		}
		lastEvaluatedKey = result.LastEvaluatedKey
	}

	return runs, nil
}

func (s *DynamoDBStore) scanRuns(ctx context.Context) ([]*hubflow.WorkflowRun, error) {
	var runs []*hubflow.WorkflowRun
	var lastEvaluatedKey map[string]types.AttributeValue

	for {
		scanInput := &dynamodb.ScanInput{
			TableName:                aws.String(s.tableName),
			FilterExpression:         aws.String("#et = :et"),
			ExpressionAttributeNames: map[string]string{"#et": AttrEntityType},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":et": stringAttr(EntityTypeWorkflowRun),
			},
		}

		if lastEvaluatedKey != nil {
			scanInput.ExclusiveStartKey = lastEvaluatedKey
		}

		result, err := s.client.Scan(ctx, scanInput)
		if err != nil {
			return nil, unavailable("scan workflow runs", err)
		}

		for _, item := range result.Items {
			var run hubflow.WorkflowRun
			if err := attributevalue.UnmarshalMap(item, &run); err != nil {
				return nil, fmt.Errorf("failed to unmarshal workflow run: %w", err)
			}
			runs = append(runs, &run)
		}

		if result.LastEvaluatedKey == nil {
			break
		}
		lastEvaluatedKey = result.LastEvaluatedKey
	}

	return runs, nil
}

func (s *DynamoDBStore) DeleteRun(ctx context.Context, runID string) error {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return err
	}

	var keys []map[string]types.AttributeValue
	var lastEvaluatedKey map[string]types.AttributeValue

	for {
		queryInput := &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :sk)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": stringAttr(workflowRunPK(runID)),
				":sk": stringAttr(stepPrefix()),
			},
			ProjectionExpression: aws.String("PK, SK"),
		}

		if lastEvaluatedKey != nil {
			queryInput.ExclusiveStartKey = lastEvaluatedKey
		}

		result, err := s.client.Query(ctx, queryInput)
		if err != nil {
			return unavailable("list run items", err)
		}
		for _, item := range result.Items {
			keys = append(keys, map[string]types.AttributeValue{
				AttrPK: item[AttrPK],
				AttrSK: item[AttrSK],
			})
		}

		if result.LastEvaluatedKey == nil {
			break
		}
		lastEvaluatedKey = result.LastEvaluatedKey
	}

	// Run metadata goes last so a partial delete stays visible to the next sweep
	keys = append(keys, metaKey(workflowRunPK(runID)))

	for _, key := range keys {
		_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.tableName),
			Key:       key,
		})
		if err != nil {
			return unavailable("delete workflow run", err)
		}
	}

	return nil
}

// Step execution operations

func (s *DynamoDBStore) AppendStepExecution(ctx context.Context, exec *hubflow.StepExecution) error {
	item, err := attributevalue.MarshalMap(exec)
	if err != nil {
		return fmt.Errorf("failed to marshal step execution: %w", err)
	}

	item[AttrPK] = stringAttr(workflowRunPK(exec.RunID))
	item[AttrSK] = stringAttr(stepExecutionSK(exec.StepIndex, exec.Attempt))
	item[AttrEntityType] = stringAttr(EntityTypeStepExecution)

	runValues := map[string]types.AttributeValue{}
	terminalStatusValues(runValues)

	// The run check and the append commit together
	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				ConditionCheck: &types.ConditionCheck{
					TableName:           aws.String(s.tableName),
					Key:                 metaKey(workflowRunPK(exec.RunID)),
					ConditionExpression: aws.String("attribute_exists(#pk) AND " + notTerminalCondition),
					ExpressionAttributeNames: map[string]string{
						"#pk":     AttrPK,
						"#status": attrStatus,
					},
					ExpressionAttributeValues:           runValues,
					ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
				},
			},
			{
				Put: &types.Put{
					TableName:                           aws.String(s.tableName),
					Item:                                item,
					ConditionExpression:                 aws.String("attribute_not_exists(#pk)"),
					ExpressionAttributeNames:            map[string]string{"#pk": AttrPK},
					ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
				},
			},
		},
	})
	if err == nil {
		return nil
	}

	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return unavailable("append step execution", err)
	}

	reasons := tce.CancellationReasons
	if len(reasons) > 1 && isConditionFailure(reasons[1]) {
		return s.compareExisting(ctx, exec, reasons[1].Item)
	}
	if len(reasons) > 0 && isConditionFailure(reasons[0]) {
		if reasons[0].Item == nil {
			return notFound("workflow run", exec.RunID)
		}
		return hubflow.NewPersistenceError(hubflow.KindRunTerminal, fmt.Sprintf("workflow run %s is terminal", exec.RunID), nil)
	}

	return unavailable("append step execution", err)
}

func isConditionFailure(reason types.CancellationReason) bool {
	return reason.Code != nil && *reason.Code == "ConditionalCheckFailed"
}

// compareExisting resolves a clash on (run, step, attempt): identical records are a no-op
func (s *DynamoDBStore) compareExisting(ctx context.Context, exec *hubflow.StepExecution, item map[string]types.AttributeValue) error {
	if item == nil {
		result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(s.tableName),
			Key: map[string]types.AttributeValue{
				AttrPK: stringAttr(workflowRunPK(exec.RunID)),
				AttrSK: stringAttr(stepExecutionSK(exec.StepIndex, exec.Attempt)),
			},
			ConsistentRead: aws.Bool(true),
		})
		if err != nil {
			return unavailable("get step execution", err)
		}
		item = result.Item
	}

	var existing hubflow.StepExecution
	if err := attributevalue.UnmarshalMap(item, &existing); err != nil {
		return fmt.Errorf("failed to unmarshal step execution: %w", err)
	}

	if existing.SameRecord(exec) {
		return nil
	}
	return hubflow.NewPersistenceError(hubflow.KindDuplicateAttempt,
		fmt.Sprintf("step execution %s/%s attempt %d already recorded", exec.RunID, exec.StepID, exec.Attempt), nil)
}

func (s *DynamoDBStore) ListStepExecutions(ctx context.Context, runID string) ([]*hubflow.StepExecution, error) {
	executions := make([]*hubflow.StepExecution, 0)
	var lastEvaluatedKey map[string]types.AttributeValue

	// Paginate through all results
	for {
		queryInput := &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :sk)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": stringAttr(workflowRunPK(runID)),
				":sk": stringAttr(stepPrefix()),
			},
			ConsistentRead: aws.Bool(true),
		}

		if lastEvaluatedKey != nil {
			queryInput.ExclusiveStartKey = lastEvaluatedKey
		}

		result, err := s.client.Query(ctx, queryInput)
		if err != nil {
			return nil, unavailable("list step executions", err)
		}

		for _, item := range result.Items {
			var exec hubflow.StepExecution
			if err := attributevalue.UnmarshalMap(item, &exec); err != nil {
				return nil, fmt.Errorf("failed to unmarshal step execution: %w", err)
			}
			executions = append(executions, &exec)
		}

		// Check if there are more results
		if result.LastEvaluatedKey == nil {
			break
		}
		lastEvaluatedKey = result.LastEvaluatedKey
	}

	sortExecutions(executions)
	return executions, nil
}

// Lease operations

func (s *DynamoDBStore) AcquireLease(ctx context.Context, runID, owner string, ttl time.Duration, now time.Time) (*hubflow.WorkflowRun, error) {
	expires := now.Add(ttl)

	expiresAttr, err := attributevalue.Marshal(expires)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lease expiry: %w", err)
	}
	nowAttr, err := attributevalue.Marshal(now)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lease time: %w", err)
	}

	values := map[string]types.AttributeValue{
		":owner":   stringAttr(owner),
		":expires": expiresAttr,
		":until":   numberAttr(expires.UnixMilli()),
		":now":     nowAttr,
		":nowms":   numberAttr(now.UnixMilli()),
		":one":     numberAttr(1),
	}
	terminalStatusValues(values)

	result, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.tableName),
		Key:              metaKey(workflowRunPK(runID)),
		UpdateExpression: aws.String("SET #lo = :owner, #le = :expires, #lu = :until, #ua = :now, #version = #version + :one"),
		ConditionExpression: aws.String("attribute_exists(#pk) AND " + notTerminalCondition +
			" AND (attribute_not_exists(#lo) OR #lo = :owner OR #lu <= :nowms)"),
		ExpressionAttributeNames: map[string]string{
			"#pk":      AttrPK,
			"#status":  attrStatus,
			"#lo":      attrLeaseOwner,
			"#le":      attrLeaseExpires,
			"#lu":      AttrLeaseUntil,
			"#ua":      attrUpdatedAt,
			"#version": attrVersion,
		},
		ExpressionAttributeValues:           values,
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if !errors.As(err, &ccf) {
			return nil, unavailable("acquire lease", err)
		}
		if ccf.Item == nil {
			return nil, notFound("workflow run", runID)
		}
		var current hubflow.WorkflowRun
		if err := attributevalue.UnmarshalMap(ccf.Item, &current); err != nil {
			return nil, fmt.Errorf("failed to unmarshal workflow run: %w", err)
		}
		if current.Status.IsTerminal() {
			return nil, hubflow.NewPersistenceError(hubflow.KindRunTerminal, fmt.Sprintf("workflow run %s is %s", runID, current.Status), nil)
		}
		return nil, hubflow.NewPersistenceError(hubflow.KindLeaseConflict,
			fmt.Sprintf("workflow run %s leased by %s", runID, current.LeaseOwner), nil)
	}

	var run hubflow.WorkflowRun
	if err := attributevalue.UnmarshalMap(result.Attributes, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow run: %w", err)
	}

	return &run, nil
}

func (s *DynamoDBStore) ListClaimable(ctx context.Context, now time.Time, limit int) ([]*hubflow.WorkflowRun, error) {
	// Running runs are included so expired leases of crashed workers are picked up
	statuses := []hubflow.RunStatus{
		hubflow.RunStatusPending,
		hubflow.RunStatusWaitingRetry,
		hubflow.RunStatusRunning,
	}

	claimable := make([]*hubflow.WorkflowRun, 0)
	for _, status := range statuses {
		runs, err := s.queryRunIndex(ctx, IndexStatusIndex, AttrGSI2PK, workflowRunGSI2PK(string(status)))
		if err != nil {
			return nil, err
		}
		for _, run := range runs {
			if run.Claimable(now) {
				claimable = append(claimable, run)
			}
		}
	}

	sortRunsOldestFirst(claimable)
	if limit > 0 && len(claimable) > limit {
		claimable = claimable[:limit]
	}

	return claimable, nil
}
