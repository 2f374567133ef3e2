package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	streamtypes "github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"
	"go.uber.org/zap"

	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/domain"
)

// StreamsAPI is the subset of the DynamoDB Streams client the relay uses.
type StreamsAPI interface {
	DescribeStream(ctx context.Context, in *dynamodbstreams.DescribeStreamInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.DescribeStreamOutput, error)
	GetShardIterator(ctx context.Context, in *dynamodbstreams.GetShardIteratorInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetShardIteratorOutput, error)
	GetRecords(ctx context.Context, in *dynamodbstreams.GetRecordsInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetRecordsOutput, error)
}

// StreamRelay tails the DynamoDB table streams and forwards every row change to a Sender.
// Streams keep per-item order within a shard, children of a split are read only after
// their parent is drained, and the sender keys by row id, so per-row commit order
// survives the hop.
type StreamRelay struct {
	client  StreamsAPI
	streams map[string]string // stream ARN -> logical table
	out     Sender
	poll    time.Duration
	refresh time.Duration
	logger  *zap.Logger

	mu     sync.Mutex
	shards map[string]*shardState // stream ARN + shard id
}

type shardState struct {
	running bool
	drained chan struct{}
}

func (s *shardState) isDrained() bool {
	select {
	case <-s.drained:
		return true
	default:
		return false
	}
}

func NewStreamRelay(client StreamsAPI, streams map[string]string, out Sender, logger *zap.Logger) *StreamRelay {
	return &StreamRelay{
		client:  client,
		streams: streams,
		out:     out,
		poll:    time.Second,
		refresh: time.Minute,
		logger:  logger,
		shards:  make(map[string]*shardState),
	}
}

func (r *StreamRelay) Run(ctx context.Context) error {
	if len(r.streams) == 0 {
		return errors.New("no streams configured")
	}
	var wg sync.WaitGroup
	for arn, table := range r.streams {
		wg.Add(1)
		go func(arn, table string) {
			defer wg.Done()
			r.watchStream(ctx, arn, table)
		}(arn, table)
	}
	wg.Wait()
	return nil
}

func (r *StreamRelay) watchStream(ctx context.Context, arn, table string) {
	var wg sync.WaitGroup
	defer wg.Wait()

	first := true
	ticker := time.NewTicker(r.refresh)
	defer ticker.Stop()
	for {
		shards, err := r.listShards(ctx, arn)
		if err != nil {
			r.logger.Error("Failed to describe stream", zap.String("stream_arn", arn), zap.Error(err))
		}
		for _, shard := range shards {
			closed := shard.SequenceNumberRange != nil && shard.SequenceNumberRange.EndingSequenceNumber != nil
			r.register(shardKey(arn, aws.ToString(shard.ShardId)), first && closed)
		}
		for _, shard := range shards {
			id := aws.ToString(shard.ShardId)
			st, ok := r.claim(shardKey(arn, id))
			if !ok {
				continue
			}
			// Shards open at startup are tailed from now; shards that appear later are
			// children of a split and must be read from their start.
			iterType := streamtypes.ShardIteratorTypeTrimHorizon
			if first {
				iterType = streamtypes.ShardIteratorTypeLatest
			}
			var parentDrained <-chan struct{}
			if parent := aws.ToString(shard.ParentShardId); parent != "" {
				parentDrained = r.drainSignal(shardKey(arn, parent))
			}
			wg.Add(1)
			go func(shardID string, iterType streamtypes.ShardIteratorType) {
				defer wg.Done()
				if parentDrained != nil {
					select {
					case <-parentDrained:
					case <-ctx.Done():
						r.release(st, false)
						return
					}
				}
				err := r.readShard(ctx, arn, table, shardID, iterType)
				if err != nil && ctx.Err() == nil {
					r.logger.Error("Shard reader stopped", zap.String("shard_id", shardID), zap.Error(err))
				}
				r.release(st, err == nil)
			}(id, iterType)
		}
		if err == nil {
			first = false
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func shardKey(arn, shardID string) string {
	return arn + "/" + shardID
}

// register records a listed shard. Shards already closed at startup count as drained,
// so their children start without waiting.
func (r *StreamRelay) register(key string, drained bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.shards[key]
	if !ok {
		st = &shardState{drained: make(chan struct{})}
		r.shards[key] = st
	}
	if drained && !st.running && !st.isDrained() {
		close(st.drained)
	}
}

// claim marks the shard as being read. It fails while a reader is active or once the
// shard has been drained.
func (r *StreamRelay) claim(key string) (*shardState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.shards[key]
	if !ok || st.running || st.isDrained() {
		return nil, false
	}
	st.running = true
	return st, true
}

// release ends a reader. A shard that was not drained is picked up again on the next refresh.
func (r *StreamRelay) release(st *shardState, drained bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st.running = false
	if drained && !st.isDrained() {
		close(st.drained)
	}
}

// drainSignal is nil for a parent that is no longer listed; its records have expired.
func (r *StreamRelay) drainSignal(key string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.shards[key]
	if !ok {
		return nil
	}
	return st.drained
}

func (r *StreamRelay) listShards(ctx context.Context, arn string) ([]streamtypes.Shard, error) {
	var shards []streamtypes.Shard
	var start *string
	for {
		out, err := r.client.DescribeStream(ctx, &dynamodbstreams.DescribeStreamInput{
			StreamArn:             aws.String(arn),
			ExclusiveStartShardId: start,
		})
		if err != nil {
			return nil, err
		}
		if out.StreamDescription == nil {
			return shards, nil
		}
		shards = append(shards, out.StreamDescription.Shards...)
		start = out.StreamDescription.LastEvaluatedShardId
		if start == nil {
			return shards, nil
		}
	}
}

func (r *StreamRelay) readShard(ctx context.Context, arn, table, shardID string, iterType streamtypes.ShardIteratorType) error {
	it, err := r.client.GetShardIterator(ctx, &dynamodbstreams.GetShardIteratorInput{
		StreamArn:         aws.String(arn),
		ShardId:           aws.String(shardID),
		ShardIteratorType: iterType,
	})
	if err != nil {
		return fmt.Errorf("get shard iterator: %w", err)
	}

	iterator := it.ShardIterator
	for iterator != nil {
		out, err := r.client.GetRecords(ctx, &dynamodbstreams.GetRecordsInput{ShardIterator: iterator})
		if err != nil {
			return fmt.Errorf("get records: %w", err)
		}
		for _, rec := range out.Records {
			ev, ok, err := ConvertStreamRecord(table, rec)
			if err != nil {
				r.logger.Error("Failed to convert stream record", zap.String("table", table), zap.Error(err))
				continue
			}
			if !ok {
				continue
			}
			if err := r.send(ctx, ev); err != nil {
				return err
			}
		}
		iterator = out.NextShardIterator
		if len(out.Records) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.poll):
			}
		}
	}
	r.logger.Info("Shard closed", zap.String("shard_id", shardID))
	return nil
}

// send retries until the transport accepts the change; skipping one would break
// per-row ordering downstream.
func (r *StreamRelay) send(ctx context.Context, ev Event) error {
	backoff := 200 * time.Millisecond
	for {
		err := r.out.Send(ctx, ev)
		if err == nil {
			return nil
		}
		r.logger.Warn("Relay send failed, retrying", zap.String("key", ev.RowKey()), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 10*time.Second {
			backoff *= 2
		}
	}
}

// ConvertStreamRecord maps a stream record to a change event. ok is false for items
// that are not domain rows, such as uniqueness markers.
func ConvertStreamRecord(table string, rec streamtypes.Record) (ev Event, ok bool, err error) {
	if rec.Dynamodb == nil {
		return Event{}, false, nil
	}

	var typ EventType
	switch rec.EventName {
	case streamtypes.OperationTypeInsert:
		typ = EventInsert
	case streamtypes.OperationTypeModify:
		typ = EventUpdate
	case streamtypes.OperationTypeRemove:
		typ = EventDelete
	default:
		return Event{}, false, fmt.Errorf("unknown stream operation %q", rec.EventName)
	}

	at := time.Now().UTC()
	if rec.Dynamodb.ApproximateCreationDateTime != nil {
		at = rec.Dynamodb.ApproximateCreationDateTime.UTC()
	}

	before, err := decodeImage(table, rec.Dynamodb.OldImage)
	if err != nil {
		return Event{}, false, fmt.Errorf("old image: %w", err)
	}
	after, err := decodeImage(table, rec.Dynamodb.NewImage)
	if err != nil {
		return Event{}, false, fmt.Errorf("new image: %w", err)
	}
	if before == nil && after == nil {
		return Event{}, false, nil
	}

	key := ""
	if after != nil {
		key = after.key
	} else {
		key = before.key
	}
	var o, n any
	if before != nil {
		o = before.row
	}
	if after != nil {
		n = after.row
	}
	ev, err = NewEvent(table, typ, key, o, n, at)
	return ev, err == nil, err
}

type image struct {
	key string
	row any
}

func decodeImage(table string, raw map[string]streamtypes.AttributeValue) (*image, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	item, err := attributevalue.FromDynamoDBStreamsMap(raw)
	if err != nil {
		return nil, err
	}

	switch table {
	case TableProducts:
		var p domain.Product
		if err := attributevalue.UnmarshalMap(item, &p); err != nil {
			return nil, err
		}
		if p.TenantID == "" {
			return nil, nil
		}
		return &image{key: p.ProductID, row: &p}, nil
	case TableMovements:
		var m domain.StockMovement
		if err := attributevalue.UnmarshalMap(item, &m); err != nil {
			return nil, err
		}
		return &image{key: m.MovementID, row: &m}, nil
	case TableScans:
		var s domain.ScanEvent
		if err := attributevalue.UnmarshalMap(item, &s); err != nil {
			return nil, err
		}
		return &image{key: s.ScanID, row: &s}, nil
	default:
		return nil, fmt.Errorf("unknown table %q", table)
	}
}
