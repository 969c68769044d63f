// Package config 进程级配置：默认值 + YAML 文件 + PSYNC_* 环境变量覆盖。
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"PSync/tools/decode"
	"PSync/tools/errs"

	"gopkg.in/yaml.v3"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type AppConfig struct {
	Node   NodeConfig   `json:"node"`
	Store  StoreConfig  `json:"store"`
	Redis  RedisConfig  `json:"redis"`
	Nats   NatsConfig   `json:"nats"`
	Kafka  KafkaConfig  `json:"kafka"`
	Mongo  MongoConfig  `json:"mongo"`
	JWT    JWTConfig    `json:"jwt"`
	Fanout FanoutConfig `json:"fanout"`
	Conn   ConnConfig   `json:"conn"`
	Log    LogConfig    `json:"log"`
}

type NodeConfig struct {
	ID     string `json:"id"`     // 节点ID，跨节点推送的 subject 用它
	Listen string `json:"listen"` // http/ws 监听地址
}

type StoreConfig struct {
	Driver      string        `json:"driver"` // postgres | sqlite
	PostgresDSN string        `json:"postgres_dsn"`
	SQLitePath  string        `json:"sqlite_path"`
	MaxConns    int32         `json:"max_conns"`
	PageCap     int           `json:"page_cap"` // reader 分页大小，上限 50
	TotalCap    int           `json:"total_cap"`
	LockTimeout time.Duration `json:"lock_timeout"`
	MaxRetry    int           `json:"max_retry"`
	// 发现查询回看窗口
	DiscoveryLookback time.Duration `json:"discovery_lookback"`
}

type RedisConfig struct {
	Addr     string `json:"addr"` // 为空则不启用（单机模式）
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type NatsConfig struct {
	Servers       []string      `json:"servers"` // 为空则不启用跨节点推送
	Name          string        `json:"name"`
	ReconnectWait time.Duration `json:"reconnect_wait"`
	Timeout       time.Duration `json:"timeout"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled"`
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
	Version string   `json:"version"`
}

type MongoConfig struct {
	URI        string `json:"uri"` // 为空则不展开消息实体
	Database   string `json:"database"`
	Collection string `json:"collection"`
	Username   string `json:"username"`
	Password   string `json:"password"`
}

type JWTConfig struct {
	Secret string        `json:"secret"`
	Alg    string        `json:"alg"`
	TTL    time.Duration `json:"ttl"`
	// DevLogin 开启 POST /v1/login 按 user_id 直接签发令牌，仅限开发环境
	DevLogin bool `json:"dev_login"`
}

type FanoutConfig struct {
	Workers   int `json:"workers"`
	QueueSize int `json:"queue_size"`
	ConnQueue int `json:"conn_queue"` // 每连接发送队列
}

type ConnConfig struct {
	UnauthTTL  time.Duration `json:"unauth_ttl"`
	AuthTTL    time.Duration `json:"auth_ttl"`
	SweepEvery time.Duration `json:"sweep_every"`
	MaxPerUser int           `json:"max_per_user"`
	RPCRate    float64       `json:"rpc_rate"`
	RPCBurst   int           `json:"rpc_burst"`
}

type LogConfig struct {
	Level string `json:"level"`
}

var Global = AppConfig{
	Node: NodeConfig{ID: "node_1", Listen: ":8080"},
	Store: StoreConfig{
		Driver:            DriverSQLite,
		SQLitePath:        "psync.db",
		MaxConns:          20,
		PageCap:           50,
		TotalCap:          1000,
		LockTimeout:       2 * time.Second,
		MaxRetry:          3,
		DiscoveryLookback: 30 * time.Second,
	},
	Redis: RedisConfig{PoolSize: 20},
	Nats:  NatsConfig{Name: "psync", ReconnectWait: 2 * time.Second, Timeout: 5 * time.Second},
	Kafka: KafkaConfig{Topic: "psync_updates", Version: "2.8.0"},
	Mongo: MongoConfig{Database: "psync", Collection: "messages"},
	JWT:   JWTConfig{Alg: "HS256", TTL: 2 * time.Hour},
	Fanout: FanoutConfig{
		Workers:   8,
		QueueSize: 4096,
		ConnQueue: 256,
	},
	Conn: ConnConfig{
		UnauthTTL:  10 * time.Second,
		AuthTTL:    90 * time.Second,
		SweepEvery: 5 * time.Second,
		MaxPerUser: 5,
		RPCRate:    20,
		RPCBurst:   40,
	},
	Log: LogConfig{Level: "info"},
}

// Load 以 Global 为默认值读取 YAML，再应用环境变量；path 为空只应用环境变量
func Load(path string) (AppConfig, error) {
	cfg := Global
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, errs.WrapMsg(err, "read config", "path", path)
		}
		m := map[string]any{}
		if err := yaml.Unmarshal(raw, &m); err != nil {
			return cfg, errs.ErrBadRequest.WrapMsg("parse yaml", "path", path, "err", err)
		}
		if err := decode.Into(m, &cfg, decode.Options{WeaklyTypedInput: true, ErrorUnused: true}); err != nil {
			return cfg, errs.ErrBadRequest.WrapMsg("decode config", "path", path, "err", err)
		}
	}
	ApplyEnv(&cfg, os.LookupEnv)
	return cfg, cfg.Validate()
}

// ApplyEnv PSYNC_* 覆盖；lookup 便于测试注入
func ApplyEnv(c *AppConfig, lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = splitList(v)
		}
	}
	str("PSYNC_NODE_ID", &c.Node.ID)
	str("PSYNC_LISTEN", &c.Node.Listen)
	str("PSYNC_STORE_DRIVER", &c.Store.Driver)
	str("PSYNC_PG_DSN", &c.Store.PostgresDSN)
	str("PSYNC_SQLITE_PATH", &c.Store.SQLitePath)
	str("PSYNC_REDIS_ADDR", &c.Redis.Addr)
	str("PSYNC_REDIS_PASSWORD", &c.Redis.Password)
	list("PSYNC_NATS_SERVERS", &c.Nats.Servers)
	list("PSYNC_KAFKA_BROKERS", &c.Kafka.Brokers)
	str("PSYNC_MONGO_URI", &c.Mongo.URI)
	str("PSYNC_JWT_SECRET", &c.JWT.Secret)
	str("PSYNC_LOG_LEVEL", &c.Log.Level)
	if v, ok := lookup("PSYNC_KAFKA_ENABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Kafka.Enabled = b
		}
	}
}

func (c AppConfig) Validate() error {
	switch c.Store.Driver {
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			return errs.ErrBadRequest.WrapMsg("postgres driver needs postgres_dsn")
		}
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return errs.ErrBadRequest.WrapMsg("sqlite driver needs sqlite_path")
		}
	default:
		return errs.ErrBadRequest.WrapMsg("unknown store driver", "driver", c.Store.Driver)
	}
	if c.Node.ID == "" {
		return errs.ErrBadRequest.WrapMsg("node id is required")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errs.ErrBadRequest.WrapMsg("kafka enabled without brokers")
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
