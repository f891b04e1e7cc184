// Package database journals device status snapshots and delivered captures,
// in MongoDB or in memory.
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

	"github.com/life-stream-dev/life-stream-go-device-hub/internal/config"
	"github.com/life-stream-dev/life-stream-go-device-hub/internal/logger"
	"github.com/life-stream-dev/life-stream-go-device-hub/internal/utils"
)

const DefaultOperationTimeout = 5 * time.Second

type DBCloseCallback struct {
	client  *mongo.Client
	timeout time.Duration
}

func NewDBCloseCallback(client *mongo.Client, timeout time.Duration) *DBCloseCallback {
	return &DBCloseCallback{client: client, timeout: timeout}
}

func (dc *DBCloseCallback) Invoke(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	ctx, cancel := context.WithTimeout(ctx, dc.timeout)
	defer cancel()
	return dc.client.Disconnect(ctx)
}

func databaseURL(cfg config.DatabaseConfig) string {
	if cfg.Username == "" {
		return fmt.Sprintf("mongodb://%s:%d/", cfg.Host, cfg.Port)
	}
	// Credentials may contain reserved characters.
	encodedUser := url.QueryEscape(cfg.Username)
	encodedPass := url.QueryEscape(cfg.Password)
	return fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
		encodedUser, encodedPass,
		cfg.Host,
		cfg.Port,
	)
}

func clientOptions(cfg config.Config) *options.ClientOptions {
	db := cfg.Database
	clientOptions := options.Client().ApplyURI(databaseURL(db)).SetAppName(cfg.AppName)
	clientOptions.SetMinPoolSize(db.MinPoolSize)
	clientOptions.SetMaxPoolSize(db.MaxPoolSize)
	clientOptions.SetMaxConnIdleTime(utils.ParseStringTime(db.ConnectIdleTimeout))
	clientOptions.SetConnectTimeout(utils.ParseStringTime(db.ConnectTimeout))
	clientOptions.SetSocketTimeout(utils.ParseStringTime(db.SocketTimeout))
	clientOptions.SetHeartbeatInterval(utils.ParseStringTime(db.Heartbeat))
	if db.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %+v", evt)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %+v", evt)
			}
		},
	})
	return clientOptions
}

// ConnectDatabase dials MongoDB, verifies the connection and makes sure the
// journal indexes exist. The returned callback disconnects the client.
func ConnectDatabase(ctx context.Context, cfg config.Config) (*DBStore, *DBCloseCallback, error) {
	logger.DebugF("Connecting to database...")
	operationTimeout := utils.ParseStringTimeOr(cfg.Database.OperationTimeout, DefaultOperationTimeout)

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOptions(cfg))
	if err != nil {
		return nil, nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}

	if err = client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	db := client.Database(cfg.Database.Database)
	for _, name := range collectionsList {
		_, err = db.Collection(name).Indexes().CreateOne(connectCtx, mongo.IndexModel{
			Keys:    bson.D{{Key: "recorded_at", Value: -1}},
			Options: options.Index().SetName(name + "_recorded_at"),
		})
		if err != nil {
			_ = client.Disconnect(connectCtx)
			return nil, nil, fmt.Errorf("error occured while creating database indexes: %w", err)
		}
	}

	logger.InfoF("Connected to database %s on %s:%d", cfg.Database.Database, cfg.Database.Host, cfg.Database.Port)
	return NewDatabaseStore(db, operationTimeout), NewDBCloseCallback(client, operationTimeout), nil
}
