package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/logger"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore 以路径为唯一键的节点集合, 读取经过 LRU 缓存
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	timeout    time.Duration
	cache      *expirable.LRU[string, *NodeRecord]
}

func handleErr(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("unique key conflicts: %w", err)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	if errors.Is(err, mongo.ErrClientDisconnected) {
		return ErrStoreClosed
	}
	return fmt.Errorf("database operation failed: %w", err)
}

func (ds *MongoStore) Get(path string) (*NodeRecord, error) {
	if path == "" {
		return nil, ErrPathEmpty
	}
	if record, ok := ds.cache.Get(path); ok {
		return record.Clone(), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), ds.timeout)
	defer cancel()

	filter := bson.D{{Key: "path", Value: path}}
	var record NodeRecord

	startTime := time.Now()
	err := ds.collection.FindOne(ctx, filter).Decode(&record)
	logger.DebugF("node record query cost: %v", time.Since(startTime))

	if err != nil {
		return nil, handleErr(err)
	}
	ds.cache.Add(path, &record)
	return record.Clone(), nil
}

func (ds *MongoStore) Save(record *NodeRecord) error {
	if record.Path == "" {
		return ErrPathEmpty
	}
	ds.cache.Remove(record.Path)

	ctx, cancel := context.WithTimeout(context.Background(), ds.timeout)
	defer cancel()

	saved := record.Clone()
	saved.UpdatedAt = time.Now()
	filter := bson.D{{Key: "path", Value: record.Path}}
	opts := options.Replace().SetUpsert(true)

	result, err := ds.collection.ReplaceOne(ctx, filter, saved, opts)
	if err != nil {
		return handleErr(err)
	}

	logger.DebugF("Node saved: path=%s, matched=%d, modified=%d, upserted=%v",
		record.Path,
		result.MatchedCount,
		result.ModifiedCount,
		result.UpsertedID != nil,
	)
	return nil
}

func (ds *MongoStore) Delete(path string) error {
	if path == "" {
		return ErrPathEmpty
	}
	ds.cache.Remove(path)

	ctx, cancel := context.WithTimeout(context.Background(), ds.timeout)
	defer cancel()

	result, err := ds.collection.DeleteOne(ctx, bson.D{{Key: "path", Value: path}})
	if err != nil {
		return handleErr(err)
	}
	logger.DebugF("Node deleted: path=%s, deleted=%d", path, result.DeletedCount)
	return nil
}

func (ds *MongoStore) List() ([]*NodeRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ds.timeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "path", Value: 1}})
	cursor, err := ds.collection.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, handleErr(err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var records []*NodeRecord
	if err = cursor.All(ctx, &records); err != nil {
		return nil, handleErr(err)
	}
	for _, r := range records {
		ds.cache.Add(r.Path, r.Clone())
	}
	return records, nil
}

func (ds *MongoStore) Close(ctx context.Context) error {
	ds.cache.Purge()
	return ds.client.Disconnect(ctx)
}
