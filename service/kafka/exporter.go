package kafka

import (
	"strconv"
	"sync"
	"sync/atomic"

	"PSync/logger"
	"PSync/module/update/model"
	"PSync/module/update/wire"
	"PSync/tools/codec"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

// Exporter 提交后 Sink：每条更新一条 Kafka 消息。
// Key = bucket，Value = CBOR UpdateFrame（共享视角），Header 带 kind/seq。
type Exporter struct {
	producer sarama.AsyncProducer
	topic    string
	log      *zap.Logger

	dropped atomic.Int64
	failed  atomic.Int64
	wg      sync.WaitGroup
	closed  atomic.Bool
}

func NewExporter(p sarama.AsyncProducer, topic string) *Exporter {
	e := &Exporter{producer: p, topic: topic, log: logger.Named("kafka.exporter")}
	e.wg.Add(1)
	go e.drain()
	return e
}

// NewExporterFromConfig 连接 broker，确保 topic，启动异步生产者
func NewExporterFromConfig(appCfg AppConfig) (*Exporter, error) {
	cfg, err := BuildBaseConfig(appCfg)
	if err != nil {
		return nil, err
	}
	client, err := sarama.NewClient(appCfg.Brokers, cfg)
	if err != nil {
		return nil, err
	}
	admin, err := sarama.NewClusterAdminFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := EnsureExportTopic(admin, appCfg); err != nil {
		_ = client.Close()
		return nil, err
	}
	p, err := sarama.NewAsyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return NewExporter(p, appCfg.Topic), nil
}

func (e *Exporter) drain() {
	defer e.wg.Done()
	for err := range e.producer.Errors() {
		e.failed.Add(1)
		e.log.Warn("export failed", zap.String("topic", err.Msg.Topic), zap.Error(err.Err))
	}
}

// Publish 不阻塞写路径：producer 输入缓冲满时丢弃并计数
func (e *Exporter) Publish(u model.Update) {
	if e.closed.Load() {
		return
	}
	f, err := wire.FrameOf(u, model.DefaultPeer(u.Bucket), nil)
	if err != nil {
		e.log.Warn("frame encode failed", zap.Stringer("bucket", u.Bucket), zap.Error(err))
		return
	}
	val, err := codec.Marshal(f)
	if err != nil {
		e.log.Warn("cbor encode failed", zap.Stringer("bucket", u.Bucket), zap.Error(err))
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: e.topic,
		Key:   sarama.StringEncoder(u.Bucket.String()),
		Value: sarama.ByteEncoder(val),
		Headers: []sarama.RecordHeader{
			{Key: []byte("kind"), Value: []byte(f.Kind)},
			{Key: []byte("seq"), Value: []byte(strconv.FormatInt(u.Seq, 10))},
		},
	}
	select {
	case e.producer.Input() <- msg:
	default:
		e.dropped.Add(1)
		e.log.Warn("export queue full, dropped", zap.Stringer("bucket", u.Bucket), zap.Int64("seq", u.Seq))
	}
}

func (e *Exporter) Dropped() int64 { return e.dropped.Load() }
func (e *Exporter) Failed() int64  { return e.failed.Load() }

// Close 刷出缓冲并等待错误通道排空
func (e *Exporter) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.producer.AsyncClose()
	e.wg.Wait()
	return nil
}
