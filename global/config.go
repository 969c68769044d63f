// Package global 进程启动时按配置初始化各基础组件；可选组件未配置时返回 nil，调用方降级为单机模式。
package global

import (
	"context"
	"hash/crc32"

	"PSync/data/database/mgo/mongoutil"
	"PSync/global/config"
	"PSync/logger"
	"PSync/module/update/store"
	"PSync/module/update/store/pgstore"
	"PSync/module/update/store/sqlitestore"
	"PSync/service/kafka"
	mgoSrv "PSync/service/mgo"
	"PSync/service/natsx"
	redisx "PSync/service/storage/redis"
	"PSync/tools/ids"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NodeNumber 节点名映射到雪花节点号（0~1023）
func NodeNumber(nodeID string) int64 {
	return int64(crc32.ChecksumIEEE([]byte(nodeID)) % 1024)
}

func ConfigIds(cfg config.AppConfig) {
	ids.SetNodeID(NodeNumber(cfg.Node.ID))
}

// ConfigStore 更新日志存储：postgres 或 sqlite
func ConfigStore(ctx context.Context, cfg config.AppConfig) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		return pgstore.Open(ctx, pgstore.Config{
			DSN:         cfg.Store.PostgresDSN,
			MaxConns:    cfg.Store.MaxConns,
			LockTimeout: cfg.Store.LockTimeout,
		})
	default:
		return sqlitestore.Open(cfg.Store.SQLitePath)
	}
}

// ConfigRedis 未配置地址返回 nil
func ConfigRedis(ctx context.Context, cfg config.AppConfig) (*redis.Client, error) {
	if cfg.Redis.Addr == "" {
		return nil, nil
	}
	return redisx.NewClient(ctx, redisx.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
}

// ConfigNats 未配置 servers 返回 nil
func ConfigNats(cfg config.AppConfig) (*natsx.NatsxClient, error) {
	if len(cfg.Nats.Servers) == 0 {
		return nil, nil
	}
	return natsx.NewNatsxClient(natsx.NatsxConfig{
		Servers:       cfg.Nats.Servers,
		Name:          cfg.Nats.Name + "-" + cfg.Node.ID,
		ReconnectWait: cfg.Nats.ReconnectWait,
		Timeout:       cfg.Nats.Timeout,
	})
}

// ConfigKafka 未启用返回 nil
func ConfigKafka(cfg config.AppConfig) (*kafka.Exporter, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	kc := kafka.Cfg
	kc.Brokers = cfg.Kafka.Brokers
	kc.Topic = cfg.Kafka.Topic
	if cfg.Kafka.Version != "" {
		kc.Version = cfg.Kafka.Version
	}
	return kafka.NewExporterFromConfig(kc)
}

// ConfigMgo 后台连接 Mongo，不阻塞启动；未配置 URI 返回 nil
func ConfigMgo(ctx context.Context, cfg config.AppConfig) *mgoSrv.Manager {
	if cfg.Mongo.URI == "" {
		return nil
	}
	m := mgoSrv.NewManager()
	m.StartAsync(ctx, &mongoutil.Config{
		Uri:         cfg.Mongo.URI,
		Database:    cfg.Mongo.Database,
		Username:    cfg.Mongo.Username,
		Password:    cfg.Mongo.Password,
		MaxPoolSize: 20,
	})
	logger.Info("mongo connecting in background", zap.String("database", cfg.Mongo.Database))
	return m
}
