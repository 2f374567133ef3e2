package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/domain"
	pkgconfig "github.com/cloud-wave-best-zizon/inventory-sync-service/pkg/config"
)

const (
	tenantIndex  = "tenant-index"
	barcodeIndex = "barcode-index"

	// SKU and barcode uniqueness is kept with marker items in the products table. They
	// carry no tenant_id, so they stay out of the tenant index and the change stream relay.
	markerPrefix = "unique#"
)

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

type Tables struct {
	Products  string
	Movements string
	Scans     string
}

// DynamoStore writes each product change and its movement in one TransactWriteItems call,
// conditioned on the version that was read.
type DynamoStore struct {
	client DynamoAPI
	tables Tables
}

func NewDynamoDBClient(ctx context.Context, cfg *pkgconfig.Config) (*dynamodb.Client, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.AWSRegion),
	}
	if cfg.DynamoDBEndpoint != "" {
		// DynamoDB Local accepts any static credentials
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("local", "local", ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.DynamoDBEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DynamoDBEndpoint)
		}
	}), nil
}

func NewDynamoStore(client DynamoAPI, tables Tables) *DynamoStore {
	return &DynamoStore{
		client: client,
		tables: tables,
	}
}

func productKey(productID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"product_id": &types.AttributeValueMemberS{Value: productID},
	}
}

func skuMarker(tenantID, sku string) string {
	return markerPrefix + "sku#" + tenantID + "#" + sku
}

func barcodeMarker(tenantID, barcode string) string {
	return markerPrefix + "barcode#" + tenantID + "#" + barcode
}

func (r *DynamoStore) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	if productID == "" || strings.HasPrefix(productID, markerPrefix) {
		return nil, ErrProductNotFound
	}

	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tables.Products),
		Key:            productKey(productID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}

	if result.Item == nil {
		return nil, ErrProductNotFound
	}

	var product domain.Product
	if err := attributevalue.UnmarshalMap(result.Item, &product); err != nil {
		return nil, fmt.Errorf("failed to unmarshal product: %w", err)
	}

	return &product, nil
}

func (r *DynamoStore) GetProductByBarcode(ctx context.Context, tenantID, barcode string) (*domain.Product, error) {
	keyCond := expression.Key("barcode").Equal(expression.Value(barcode))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, err
	}

	products, err := r.queryProducts(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(r.tables.Products),
		IndexName:                 aws.String(barcodeIndex),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return nil, err
	}

	for _, p := range products {
		if p.TenantID == tenantID {
			// the index is eventually consistent; return the authoritative row
			return r.GetProduct(ctx, p.ProductID)
		}
	}
	return nil, ErrProductNotFound
}

func (r *DynamoStore) ListProducts(ctx context.Context, tenantID string, filter domain.ProductFilter) ([]*domain.Product, error) {
	keyCond := expression.Key("tenant_id").Equal(expression.Value(tenantID))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, err
	}

	products, err := r.queryProducts(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(r.tables.Products),
		IndexName:                 aws.String(tenantIndex),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return nil, err
	}

	out := products[:0]
	for _, p := range products {
		if filter.Matches(p) {
			out = append(out, p)
		}
	}
	sortProducts(out)
	return out, nil
}

func (r *DynamoStore) queryProducts(ctx context.Context, input *dynamodb.QueryInput) ([]*domain.Product, error) {
	var products []*domain.Product
	paginator := dynamodb.NewQueryPaginator(r.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to query products: %w", err)
		}
		var batch []*domain.Product
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("failed to unmarshal products: %w", err)
		}
		products = append(products, batch...)
	}
	return products, nil
}

func (r *DynamoStore) putMarker(id, ownerID string) (types.TransactWriteItem, error) {
	cond := expression.AttributeNotExists(expression.Name("product_id"))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return types.TransactWriteItem{}, err
	}
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName: aws.String(r.tables.Products),
			Item: map[string]types.AttributeValue{
				"product_id": &types.AttributeValueMemberS{Value: id},
				"owner_id":   &types.AttributeValueMemberS{Value: ownerID},
			},
			ConditionExpression:       expr.Condition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		},
	}, nil
}

func (r *DynamoStore) deleteMarker(id string) types.TransactWriteItem {
	return types.TransactWriteItem{
		Delete: &types.Delete{
			TableName: aws.String(r.tables.Products),
			Key:       productKey(id),
		},
	}
}

func (r *DynamoStore) putMovement(m *domain.StockMovement) (types.TransactWriteItem, error) {
	av, err := attributevalue.MarshalMap(m)
	if err != nil {
		return types.TransactWriteItem{}, fmt.Errorf("failed to marshal movement: %w", err)
	}
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName: aws.String(r.tables.Movements),
			Item:      av,
		},
	}, nil
}

// markerChanges returns the marker writes needed to move uniqueness from before to after.
func (r *DynamoStore) markerChanges(before, after *domain.Product) ([]types.TransactWriteItem, error) {
	var items []types.TransactWriteItem
	add := func(oldID, newID string) error {
		if oldID == newID {
			return nil
		}
		if oldID != "" {
			items = append(items, r.deleteMarker(oldID))
		}
		if newID != "" {
			item, err := r.putMarker(newID, after.ProductID)
			if err != nil {
				return err
			}
			items = append(items, item)
		}
		return nil
	}

	var oldSKU, oldBarcode, newSKU, newBarcode string
	if before != nil {
		oldSKU = skuMarker(before.TenantID, before.SKU)
		if b := before.BarcodeValue(); b != "" {
			oldBarcode = barcodeMarker(before.TenantID, b)
		}
	}
	if after != nil {
		newSKU = skuMarker(after.TenantID, after.SKU)
		if b := after.BarcodeValue(); b != "" {
			newBarcode = barcodeMarker(after.TenantID, b)
		}
	}
	if err := add(oldSKU, newSKU); err != nil {
		return nil, err
	}
	if err := add(oldBarcode, newBarcode); err != nil {
		return nil, err
	}
	return items, nil
}

func (r *DynamoStore) CreateProduct(ctx context.Context, product *domain.Product, m *domain.StockMovement) error {
	av, err := attributevalue.MarshalMap(product)
	if err != nil {
		return fmt.Errorf("failed to marshal product: %w", err)
	}

	expr, err := expression.NewBuilder().
		WithCondition(expression.AttributeNotExists(expression.Name("product_id"))).
		Build()
	if err != nil {
		return err
	}

	items := []types.TransactWriteItem{{
		Put: &types.Put{
			TableName:                 aws.String(r.tables.Products),
			Item:                      av,
			ConditionExpression:       expr.Condition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		},
	}}
	markers, err := r.markerChanges(nil, product)
	if err != nil {
		return err
	}
	items = append(items, markers...)
	if m != nil {
		item, err := r.putMovement(m)
		if err != nil {
			return err
		}
		items = append(items, item)
	}

	return r.transact(ctx, items, ErrDuplicate)
}

func (r *DynamoStore) UpdateProduct(ctx context.Context, product *domain.Product, expectedVersion int, m *domain.StockMovement) error {
	current, err := r.GetProduct(ctx, product.ProductID)
	if err != nil {
		return err
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}

	av, err := attributevalue.MarshalMap(product)
	if err != nil {
		return fmt.Errorf("failed to marshal product: %w", err)
	}

	// 읽은 버전 그대로일 때만 덮어쓴다 (compare-and-swap)
	cond := expression.Name("version").Equal(expression.Value(expectedVersion))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return err
	}

	items := []types.TransactWriteItem{{
		Put: &types.Put{
			TableName:                 aws.String(r.tables.Products),
			Item:                      av,
			ConditionExpression:       expr.Condition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		},
	}}
	markers, err := r.markerChanges(current, product)
	if err != nil {
		return err
	}
	items = append(items, markers...)
	if m != nil {
		item, err := r.putMovement(m)
		if err != nil {
			return err
		}
		items = append(items, item)
	}

	return r.transact(ctx, items, ErrVersionConflict)
}

func (r *DynamoStore) DeleteProduct(ctx context.Context, product *domain.Product, expectedVersion int, m *domain.StockMovement) error {
	current, err := r.GetProduct(ctx, product.ProductID)
	if err != nil {
		return err
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}

	cond := expression.Name("version").Equal(expression.Value(expectedVersion))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return err
	}

	items := []types.TransactWriteItem{{
		Delete: &types.Delete{
			TableName:                 aws.String(r.tables.Products),
			Key:                       productKey(product.ProductID),
			ConditionExpression:       expr.Condition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		},
	}}
	items = append(items, r.deleteMarker(skuMarker(current.TenantID, current.SKU)))
	if b := current.BarcodeValue(); b != "" {
		items = append(items, r.deleteMarker(barcodeMarker(current.TenantID, b)))
	}
	if m != nil {
		item, err := r.putMovement(m)
		if err != nil {
			return err
		}
		items = append(items, item)
	}

	return r.transact(ctx, items, ErrVersionConflict)
}

// transact maps a failed condition on the first item to firstErr and on any marker to
// ErrDuplicate.
func (r *DynamoStore) transact(ctx context.Context, items []types.TransactWriteItem, firstErr error) error {
	_, err := r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err == nil {
		return nil
	}

	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		for i, reason := range tce.CancellationReasons {
			if aws.ToString(reason.Code) != "ConditionalCheckFailed" {
				continue
			}
			if i == 0 {
				return firstErr
			}
			return ErrDuplicate
		}
		for _, reason := range tce.CancellationReasons {
			if aws.ToString(reason.Code) == "TransactionConflict" {
				return ErrVersionConflict
			}
		}
	}
	return fmt.Errorf("failed to write transaction: %w", err)
}

func (r *DynamoStore) ListMovements(ctx context.Context, tenantID, productID string, limit int) ([]*domain.StockMovement, error) {
	input := &dynamodb.QueryInput{
		TableName:        aws.String(r.tables.Movements),
		ScanIndexForward: aws.Bool(false),
	}
	var keyCond expression.KeyConditionBuilder
	if productID != "" {
		keyCond = expression.Key("subject_id").Equal(expression.Value(productID))
	} else {
		keyCond = expression.Key("tenant_id").Equal(expression.Value(tenantID))
		input.IndexName = aws.String(tenantIndex)
	}
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, err
	}
	input.KeyConditionExpression = expr.KeyCondition()
	input.ExpressionAttributeNames = expr.Names()
	input.ExpressionAttributeValues = expr.Values()
	if limit > 0 {
		input.Limit = aws.Int32(int32(limit))
	}

	result, err := r.client.Query(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to query movements: %w", err)
	}

	var movements []*domain.StockMovement
	if err := attributevalue.UnmarshalListOfMaps(result.Items, &movements); err != nil {
		return nil, fmt.Errorf("failed to unmarshal movements: %w", err)
	}

	out := movements[:0]
	for _, m := range movements {
		if m.TenantID == tenantID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *DynamoStore) RecordScan(ctx context.Context, s *domain.ScanEvent) error {
	av, err := attributevalue.MarshalMap(s)
	if err != nil {
		return fmt.Errorf("failed to marshal scan: %w", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tables.Scans),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("failed to put scan: %w", err)
	}
	return nil
}

func (r *DynamoStore) RecentScans(ctx context.Context, tenantID string, limit int) ([]*domain.ScanEvent, error) {
	keyCond := expression.Key("tenant_id").Equal(expression.Value(tenantID))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, err
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(r.tables.Scans),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          aws.Bool(false),
	}
	if limit > 0 {
		input.Limit = aws.Int32(int32(limit))
	}

	result, err := r.client.Query(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to query scans: %w", err)
	}

	var scans []*domain.ScanEvent
	if err := attributevalue.UnmarshalListOfMaps(result.Items, &scans); err != nil {
		return nil, fmt.Errorf("failed to unmarshal scans: %w", err)
	}
	return scans, nil
}
