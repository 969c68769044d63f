// Package kafka 已提交更新导出到 Kafka，供离线分析/审计等下游消费。
package kafka

import (
	"strings"
	"time"

	"PSync/tools/errs"

	"github.com/Shopify/sarama"
)

type AppConfig struct {
	Brokers             []string
	Topic               string
	PartitionsPerTopic  int32 // Demo: 8；生产：按 bucket 数量规划
	ReplicationFactor   int16 // 单机=1；生产=3
	ProducerRetries     int
	ProducerCompression string // none/snappy/lz4/zstd
	Version             string // 例如 "2.8.0"
	RetentionHours      int    // <=0 用 broker 默认
}

// 默认配置
var Cfg = AppConfig{
	Brokers:             []string{"127.0.0.1:9092"},
	Topic:               "psync_updates",
	PartitionsPerTopic:  8,
	ReplicationFactor:   1,
	ProducerRetries:     5,
	ProducerCompression: "snappy",
	Version:             "2.8.0",
	RetentionHours:      72,
}

// BuildBaseConfig 异步生产者配置。
// Key 走哈希分区，同一 bucket 的更新落同一分区，保持 seq 顺序。
func BuildBaseConfig(appCfg AppConfig) (*sarama.Config, error) {
	cfg := sarama.NewConfig()

	// Kafka 版本（给个兜底，避免零值触发 sarama 校验失败）
	cfg.Version = sarama.V2_8_0_0
	if appCfg.Version != "" {
		v, err := sarama.ParseKafkaVersion(appCfg.Version)
		if err != nil {
			return nil, errs.ErrBadRequest.WrapMsg("bad kafka version", "version", appCfg.Version)
		}
		cfg.Version = v
	}

	cfg.Producer.Return.Successes = false
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	// 同分区内重试不乱序
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1

	retries := appCfg.ProducerRetries
	if retries <= 0 {
		retries = 1
	}
	cfg.Producer.Retry.Max = retries
	cfg.Producer.Retry.Backoff = 200 * time.Millisecond

	// ★ 关键：Key 控制分区
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	switch strings.ToLower(appCfg.ProducerCompression) {
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		cfg.Producer.Compression = sarama.CompressionZSTD
	default:
		cfg.Producer.Compression = sarama.CompressionNone
	}

	cfg.Producer.Flush.Frequency = 50 * time.Millisecond
	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 10 * time.Second
	cfg.Net.WriteTimeout = 10 * time.Second
	cfg.ClientID = "psync-exporter"

	if err := cfg.Validate(); err != nil {
		return nil, errs.ErrBadRequest.WrapMsg("invalid kafka config", "err", err)
	}
	return cfg, nil
}
