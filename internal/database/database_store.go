package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/life-stream-dev/life-stream-go-device-hub/internal/logger"
)

type DBStore struct {
	db               *mongo.Database
	operationTimeout time.Duration
}

func NewDatabaseStore(db *mongo.Database, operationTimeout time.Duration) *DBStore {
	return &DBStore{db: db, operationTimeout: operationTimeout}
}

func wrapDatabaseError(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("unique key conflicts: %w", err)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("document does not exist: %w", err)
	}
	return fmt.Errorf("database operation failed: %w", err)
}

func (ds *DBStore) insert(ctx context.Context, collection string, document any) error {
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	result, err := ds.db.Collection(collection).InsertOne(ctx, document)
	if err != nil {
		return wrapDatabaseError(err)
	}
	logger.DebugF("Document saved: collection=%s, id=%v", collection, result.InsertedID)
	return nil
}

func recent[T any](ctx context.Context, ds *DBStore, collection string, limit int) ([]T, error) {
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "recorded_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	startTime := time.Now()
	cursor, err := ds.db.Collection(collection).Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, wrapDatabaseError(err)
	}
	out := make([]T, 0)
	if err := cursor.All(ctx, &out); err != nil {
		return nil, wrapDatabaseError(err)
	}
	logger.DebugF("%s query cost: %v", collection, time.Since(startTime))
	return out, nil
}

func (ds *DBStore) SaveSnapshot(ctx context.Context, snapshot *StatusSnapshot) error {
	if snapshot == nil {
		return ErrEmptyRecord
	}
	return ds.insert(ctx, StatusCollectionName, snapshot)
}

func (ds *DBStore) RecentSnapshots(ctx context.Context, limit int) ([]StatusSnapshot, error) {
	return recent[StatusSnapshot](ctx, ds, StatusCollectionName, limit)
}

func (ds *DBStore) SaveCapture(ctx context.Context, record *CaptureRecord) error {
	if record == nil {
		return ErrEmptyRecord
	}
	return ds.insert(ctx, CaptureCollectionName, record)
}

func (ds *DBStore) RecentCaptures(ctx context.Context, limit int) ([]CaptureRecord, error) {
	return recent[CaptureRecord](ctx, ds, CaptureCollectionName, limit)
}

var _ Store = (*DBStore)(nil)
