package feed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	streamtypes "github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func productImage(id string, qty, version string) map[string]streamtypes.AttributeValue {
	return map[string]streamtypes.AttributeValue{
		"product_id": &streamtypes.AttributeValueMemberS{Value: id},
		"tenant_id":  &streamtypes.AttributeValueMemberS{Value: "t1"},
		"name":       &streamtypes.AttributeValueMemberS{Value: "Widget"},
		"sku":        &streamtypes.AttributeValueMemberS{Value: "W-1"},
		"price":      &streamtypes.AttributeValueMemberN{Value: "9.90"},
		"cost":       &streamtypes.AttributeValueMemberN{Value: "4"},
		"quantity":   &streamtypes.AttributeValueMemberN{Value: qty},
		"threshold":  &streamtypes.AttributeValueMemberN{Value: "20"},
		"version":    &streamtypes.AttributeValueMemberN{Value: version},
	}
}

func TestConvertStreamRecordModify(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rec := streamtypes.Record{
		EventName: streamtypes.OperationTypeModify,
		Dynamodb: &streamtypes.StreamRecord{
			ApproximateCreationDateTime: aws.Time(at),
			OldImage:                    productImage("p1", "45", "3"),
			NewImage:                    productImage("p1", "15", "4"),
		},
	}

	ev, ok, err := ConvertStreamRecord(TableProducts, rec)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, EventUpdate, ev.Type)
	assert.Equal(t, "p1", ev.Key)
	assert.Equal(t, at, ev.CommitTime)

	before, after, err := ev.Products()
	require.NoError(t, err)
	assert.Equal(t, 45, before.Quantity)
	assert.Equal(t, 15, after.Quantity)
	assert.Equal(t, 4, after.Version)
	assert.Equal(t, "9.9", after.Price.String())
}

func TestConvertStreamRecordSkipsMarkers(t *testing.T) {
	rec := streamtypes.Record{
		EventName: streamtypes.OperationTypeInsert,
		Dynamodb: &streamtypes.StreamRecord{
			NewImage: map[string]streamtypes.AttributeValue{
				"product_id": &streamtypes.AttributeValueMemberS{Value: "unique#t1#sku#W-1"},
			},
		},
	}
	_, ok, err := ConvertStreamRecord(TableProducts, rec)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConvertStreamRecordRemove(t *testing.T) {
	rec := streamtypes.Record{
		EventName: streamtypes.OperationTypeRemove,
		Dynamodb:  &streamtypes.StreamRecord{OldImage: productImage("p2", "0", "7")},
	}
	ev, ok, err := ConvertStreamRecord(TableProducts, rec)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, EventDelete, ev.Type)
	assert.Equal(t, "p2", ev.RowKey())
	assert.Empty(t, ev.New)
}

type fakeStreams struct {
	mu      sync.Mutex
	records []streamtypes.Record
	served  bool
}

func (f *fakeStreams) DescribeStream(_ context.Context, in *dynamodbstreams.DescribeStreamInput, _ ...func(*dynamodbstreams.Options)) (*dynamodbstreams.DescribeStreamOutput, error) {
	return &dynamodbstreams.DescribeStreamOutput{
		StreamDescription: &streamtypes.StreamDescription{
			StreamArn: in.StreamArn,
			Shards:    []streamtypes.Shard{{ShardId: aws.String("shard-1")}},
		},
	}, nil
}

func (f *fakeStreams) GetShardIterator(_ context.Context, in *dynamodbstreams.GetShardIteratorInput, _ ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetShardIteratorOutput, error) {
	return &dynamodbstreams.GetShardIteratorOutput{ShardIterator: aws.String("it-0")}, nil
}

func (f *fakeStreams) GetRecords(_ context.Context, _ *dynamodbstreams.GetRecordsInput, _ ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetRecordsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.served {
		// shard closed
		return &dynamodbstreams.GetRecordsOutput{}, nil
	}
	f.served = true
	return &dynamodbstreams.GetRecordsOutput{Records: f.records, NextShardIterator: aws.String("it-1")}, nil
}

type flakySender struct {
	mu    sync.Mutex
	fails int
	got   chan Event
}

func (s *flakySender) Send(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fails > 0 {
		s.fails--
		return errors.New("broker unavailable")
	}
	s.got <- ev
	return nil
}

func TestStreamRelayForwardsInOrderAndRetries(t *testing.T) {
	streams := &fakeStreams{records: []streamtypes.Record{
		{EventName: streamtypes.OperationTypeInsert, Dynamodb: &streamtypes.StreamRecord{NewImage: productImage("p1", "10", "1")}},
		{EventName: streamtypes.OperationTypeModify, Dynamodb: &streamtypes.StreamRecord{
			OldImage: productImage("p1", "10", "1"),
			NewImage: productImage("p1", "4", "2"),
		}},
	}}
	sender := &flakySender{fails: 1, got: make(chan Event, 4)}

	ctx, cancel := context.WithCancel(context.Background())
	relay := NewStreamRelay(streams, map[string]string{"arn:products": TableProducts}, sender, zap.NewNop())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	var types []EventType
	for range 2 {
		select {
		case ev := <-sender.got:
			types = append(types, ev.Type)
		case <-time.After(3 * time.Second):
			t.Fatal("relay did not forward records")
		}
	}
	assert.Equal(t, []EventType{EventInsert, EventUpdate}, types)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("relay did not stop")
	}
}

// splitStreams lists shard-1 first and its child shard-2 from the second describe on.
// shard-1 holds its last record until release is closed.
type splitStreams struct {
	describes atomic.Int32
	release   chan struct{}

	mu    sync.Mutex
	reads map[string]int
}

func (f *splitStreams) DescribeStream(_ context.Context, in *dynamodbstreams.DescribeStreamInput, _ ...func(*dynamodbstreams.Options)) (*dynamodbstreams.DescribeStreamOutput, error) {
	shards := []streamtypes.Shard{{ShardId: aws.String("shard-1")}}
	if f.describes.Add(1) > 1 {
		shards = append(shards, streamtypes.Shard{ShardId: aws.String("shard-2"), ParentShardId: aws.String("shard-1")})
	}
	return &dynamodbstreams.DescribeStreamOutput{
		StreamDescription: &streamtypes.StreamDescription{StreamArn: in.StreamArn, Shards: shards},
	}, nil
}

func (f *splitStreams) GetShardIterator(_ context.Context, in *dynamodbstreams.GetShardIteratorInput, _ ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetShardIteratorOutput, error) {
	return &dynamodbstreams.GetShardIteratorOutput{ShardIterator: in.ShardId}, nil
}

func (f *splitStreams) GetRecords(ctx context.Context, in *dynamodbstreams.GetRecordsInput, _ ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetRecordsOutput, error) {
	shard := aws.ToString(in.ShardIterator)
	f.mu.Lock()
	n := f.reads[shard]
	f.reads[shard]++
	f.mu.Unlock()

	modify := func(from, to, fromVersion, toVersion string) []streamtypes.Record {
		return []streamtypes.Record{{EventName: streamtypes.OperationTypeModify, Dynamodb: &streamtypes.StreamRecord{
			OldImage: productImage("p1", from, fromVersion),
			NewImage: productImage("p1", to, toVersion),
		}}}
	}
	switch {
	case shard == "shard-1" && n == 0:
		return &dynamodbstreams.GetRecordsOutput{Records: modify("10", "8", "1", "2"), NextShardIterator: in.ShardIterator}, nil
	case shard == "shard-1":
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &dynamodbstreams.GetRecordsOutput{Records: modify("8", "5", "2", "3")}, nil
	case n == 0:
		return &dynamodbstreams.GetRecordsOutput{Records: modify("5", "1", "3", "4"), NextShardIterator: in.ShardIterator}, nil
	default:
		return &dynamodbstreams.GetRecordsOutput{}, nil
	}
}

func TestStreamRelayReadsChildShardAfterParent(t *testing.T) {
	streams := &splitStreams{release: make(chan struct{}), reads: make(map[string]int)}
	sender := &flakySender{got: make(chan Event, 4)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	relay := NewStreamRelay(streams, map[string]string{"arn:products": TableProducts}, sender, zap.NewNop())
	relay.refresh = 10 * time.Millisecond
	relay.poll = 10 * time.Millisecond
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	next := func() int {
		t.Helper()
		select {
		case ev := <-sender.got:
			_, after, err := ev.Products()
			require.NoError(t, err)
			return after.Version
		case <-time.After(3 * time.Second):
			t.Fatal("relay did not forward records")
			return 0
		}
	}

	assert.Equal(t, 2, next())
	require.Eventually(t, func() bool { return streams.describes.Load() > 2 }, 2*time.Second, 5*time.Millisecond)
	select {
	case ev := <-sender.got:
		t.Fatalf("child shard read before its parent was drained: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	close(streams.release)
	assert.Equal(t, 3, next())
	assert.Equal(t, 4, next())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("relay did not stop")
	}
}
