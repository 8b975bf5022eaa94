package database

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	c "github.com/life-stream-dev/life-stream-go-chsk-broker/internal/config"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/utils"
)

// Store 遥测事件的 MongoDB 存储
type Store struct {
	client           *mongo.Client
	events           *mongo.Collection
	operationTimeout time.Duration
}

func buildDatabaseURL(config c.DatabaseConfig) string {
	encodedUser := url.QueryEscape(config.Username)
	encodedPass := url.QueryEscape(config.Password)
	if encodedUser == "" {
		return fmt.Sprintf("mongodb://%s:%d/", config.Host, config.Port)
	}
	return fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
		encodedUser, encodedPass,
		config.Host,
		config.Port,
	)
}

func clientOptions(config c.DatabaseConfig, appName string) *options.ClientOptions {
	clientOptions := options.Client().ApplyURI(buildDatabaseURL(config)).SetAppName(appName)
	clientOptions.SetMinPoolSize(config.MinPoolSize)
	clientOptions.SetMaxPoolSize(config.MaxPoolSize)
	clientOptions.SetMaxConnIdleTime(utils.ParseStringTimeOr(config.ConnectIdleTimeout, 5*time.Minute))
	clientOptions.SetConnectTimeout(utils.ParseStringTimeOr(config.ConnectTimeout, 10*time.Second))
	clientOptions.SetSocketTimeout(utils.ParseStringTimeOr(config.SocketTimeout, 10*time.Second))
	clientOptions.SetHeartbeatInterval(utils.ParseStringTimeOr(config.Heartbeat, 10*time.Second))
	if config.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %s", evt.Address)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %s (%s)", evt.Address, evt.Reason)
			}
		},
	})
	return clientOptions
}

// ConnectDatabase 连接并验证数据库，创建遥测集合索引
func ConnectDatabase(ctx context.Context, config c.DatabaseConfig, appName string) (*Store, error) {
	logger.DebugF("Connecting to database...")

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions(config, appName))
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}
	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	collection := config.Collection
	if collection == "" {
		collection = EventCollectionName
	}
	store := &Store{
		client:           client,
		events:           client.Database(config.Database).Collection(collection),
		operationTimeout: utils.ParseStringTimeOr(config.OperationTimeout, 5*time.Second),
	}
	if err := store.ensureIndexes(ctx, utils.ParseStringTimeOr(config.EventTTL, 7*24*time.Hour)); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	logger.InfoF("Database connected, telemetry collection %s.%s", config.Database, collection)
	return store, nil
}

func (s *Store) ensureIndexes(ctx context.Context, ttl time.Duration) error {
	_, err := s.events.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "event", Value: 1}, {Key: "timestamp", Value: -1}},
			Options: options.Index().SetName("telemetry_event_timestamp"),
		},
		{
			Keys:    bson.D{{Key: "timestamp", Value: 1}},
			Options: options.Index().SetName("telemetry_ttl").SetExpireAfterSeconds(int32(ttl / time.Second)),
		},
	})
	if err != nil {
		return fmt.Errorf("error occured while creating database indexes: %w", err)
	}
	return nil
}

// Invoke 断开数据库连接，注册到 cleaner 中
func (s *Store) Invoke(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	ctx, cancel := context.WithTimeout(ctx, s.operationTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}
