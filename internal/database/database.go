// Package database 持久化节点的值、属性与配置
package database

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	c "github.com/life-stream-dev/life-stream-go-dsa-link/internal/config"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/logger"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/utils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	defaultCacheSize = 256
	defaultCacheTTL  = time.Hour
)

// DBCloseCallback 在清理阶段断开数据库连接
type DBCloseCallback struct {
	store *MongoStore
}

func NewDBCloseCallback(store *MongoStore) *DBCloseCallback {
	return &DBCloseCallback{store: store}
}

func (dc *DBCloseCallback) Invoke(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	return dc.store.Close(ctx)
}

// DatabaseURL 拼接连接串, 用户名与密码会被转义
func DatabaseURL(config c.Config) string {
	// 编码特殊字符
	encodedUser := url.QueryEscape(config.Database.Username)
	encodedPass := url.QueryEscape(config.Database.Password)
	if encodedUser == "" {
		return fmt.Sprintf("mongodb://%s:%d/", config.Database.Host, config.Database.Port)
	}
	return fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
		encodedUser, encodedPass,
		config.Database.Host,
		config.Database.Port,
	)
}

// ConnectDatabase 连接 MongoDB 并建立节点集合的唯一索引
func ConnectDatabase(ctx context.Context, config c.Config) (*MongoStore, error) {
	logger.DebugF("Connecting to database...")

	operationTimeout := utils.ParseStringTimeOr(config.Database.OperationTimeout, 5*time.Second)

	clientOptions := options.Client().ApplyURI(DatabaseURL(config)).SetAppName(config.AppName)
	// 连接池配置
	clientOptions.SetMinPoolSize(config.Database.MinPoolSize) // 最小连接数
	clientOptions.SetMaxPoolSize(config.Database.MaxPoolSize) // 最大连接数
	clientOptions.SetMaxConnIdleTime(utils.ParseStringTime(config.Database.ConnectIdleTimeout))
	// 超时限制
	clientOptions.SetConnectTimeout(utils.ParseStringTime(config.Database.ConnectTimeout))
	clientOptions.SetSocketTimeout(utils.ParseStringTime(config.Database.SocketTimeout))
	// 心跳包
	clientOptions.SetHeartbeatInterval(utils.ParseStringTime(config.Database.Heartbeat))
	if config.Database.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{InsecureSkipVerify: false})
	}
	// 连接池监控
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

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}

	// 验证连接
	if err = client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	collectionName := config.Database.Collection
	if collectionName == "" {
		collectionName = NodeCollectionName
	}
	collection := client.Database(config.Database.Database).Collection(collectionName)

	_, err = collection.Indexes().CreateOne(
		connectCtx,
		mongo.IndexModel{
			Keys:    bson.D{{Key: "path", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("nodes_path_unique"),
		},
	)
	if err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, fmt.Errorf("error occured while creating database indexes: %w", err)
	}

	logger.InfoF("Database connected, collection=%s.%s", config.Database.Database, collectionName)
	return &MongoStore{
		client:     client,
		collection: collection,
		timeout:    operationTimeout,
		cache:      expirable.NewLRU[string, *NodeRecord](defaultCacheSize, nil, defaultCacheTTL),
	}, nil
}

// OpenStore 按配置选择存储, 未启用数据库时返回内存存储
func OpenStore(ctx context.Context, config c.Config) (NodeStore, *DBCloseCallback, error) {
	if !config.Database.Enabled {
		return NewMemoryStore(), nil, nil
	}
	store, err := ConnectDatabase(ctx, config)
	if err != nil {
		return nil, nil, err
	}
	return store, NewDBCloseCallback(store), nil
}
