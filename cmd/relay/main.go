// Command relay forwards DynamoDB Streams row changes to the change topic that every
// inventory-sync instance consumes.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	"go.uber.org/zap"

	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/feed"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/pkg/config"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/pkg/logger"
)

func main() {
	cfg, err := config.LoadRelay()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	zapLogger, err := logger.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		log.Fatal("Failed to create logger:", err)
	}
	defer zapLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWSRegion)}
	if cfg.DynamoDBEndpoint != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("local", "local", ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		zapLogger.Fatal("Failed to load AWS config", zap.Error(err))
	}
	client := dynamodbstreams.NewFromConfig(awsCfg, func(o *dynamodbstreams.Options) {
		if cfg.DynamoDBEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DynamoDBEndpoint)
		}
	})

	streams := map[string]string{cfg.ProductsStreamARN: feed.TableProducts}
	if cfg.MovementsStreamARN != "" {
		streams[cfg.MovementsStreamARN] = feed.TableMovements
	}

	publisher := feed.NewKafkaPublisher(cfg.KafkaBrokers, cfg.ChangeTopic, zapLogger.Named("publisher"))
	defer publisher.Close()

	relay := feed.NewStreamRelay(client, streams, publisher, zapLogger.Named("relay"))
	zapLogger.Info("Starting stream relay",
		zap.Int("streams", len(streams)),
		zap.String("topic", cfg.ChangeTopic))
	if err := relay.Run(ctx); err != nil {
		zapLogger.Fatal("Relay stopped", zap.Error(err))
	}
	zapLogger.Info("Relay exited")
}
