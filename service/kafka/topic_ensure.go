package kafka

import (
	"errors"
	"strconv"

	"PSync/logger"
	"PSync/tools/errs"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

// exportTopicDetail 导出 topic 的建表参数。
// key 是 bucket，不能用 compact（同 bucket 只会留下最后一条）
func exportTopicDetail(appCfg AppConfig) *sarama.TopicDetail {
	minISR := "1"
	if appCfg.ReplicationFactor >= 3 {
		minISR = "2"
	}
	entries := map[string]*string{
		"cleanup.policy":                 strPtr("delete"),
		"min.insync.replicas":            strPtr(minISR),
		"unclean.leader.election.enable": strPtr("false"),
	}
	if appCfg.RetentionHours > 0 {
		entries["retention.ms"] = strPtr(strconv.FormatInt(int64(appCfg.RetentionHours)*3600*1000, 10))
	}
	return &sarama.TopicDetail{
		NumPartitions:     appCfg.PartitionsPerTopic,
		ReplicationFactor: appCfg.ReplicationFactor,
		ConfigEntries:     entries,
	}
}

// EnsureExportTopic 没有就建；分区数不足就扩（分区只增不减，已有 bucket 的分区映射会变，
// 下游按 header 里的 seq 排序即可）
func EnsureExportTopic(admin sarama.ClusterAdmin, appCfg AppConfig) error {
	log := logger.Named("kafka.topic")
	topic := appCfg.Topic
	descs, err := admin.DescribeTopics([]string{topic})
	if err != nil {
		return errs.WrapMsg(err, "describe topic", "topic", topic)
	}
	if len(descs) == 1 && descs[0].Err == sarama.ErrNoError {
		cur := int32(len(descs[0].Partitions))
		if appCfg.PartitionsPerTopic <= cur {
			return nil
		}
		if err := admin.CreatePartitions(topic, appCfg.PartitionsPerTopic, nil, false); err != nil {
			return errs.WrapMsg(err, "expand partitions", "topic", topic, "from", cur, "to", appCfg.PartitionsPerTopic)
		}
		log.Info("export topic expanded", zap.String("topic", topic), zap.Int32("from", cur), zap.Int32("to", appCfg.PartitionsPerTopic))
		return nil
	}

	err = admin.CreateTopic(topic, exportTopicDetail(appCfg), false)
	var te *sarama.TopicError
	switch {
	case err == nil:
		log.Info("export topic created", zap.String("topic", topic),
			zap.Int32("partitions", appCfg.PartitionsPerTopic), zap.Int16("rf", appCfg.ReplicationFactor))
		return nil
	case errors.Is(err, sarama.ErrTopicAlreadyExists), errors.As(err, &te) && te.Err == sarama.ErrTopicAlreadyExists:
		// 另一个节点抢先建好了
		return nil
	default:
		return errs.WrapMsg(err, "create topic", "topic", topic)
	}
}

func strPtr(s string) *string { return &s }
