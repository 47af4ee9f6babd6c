package result

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"prhealth/internal/common"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageWriter kafka.Writer 的最小接口
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink 以项目名为 key 发布结果事件
type KafkaSink struct {
	writer MessageWriter
	topic  string
	logger *zap.Logger
}

// NewKafkaSink 根据配置创建 Kafka 输出
func NewKafkaSink(cfg common.KafkaConfig) *KafkaSink {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	return NewKafkaSinkWithWriter(writer, cfg.Topic)
}

// NewKafkaSinkWithWriter 使用给定的写入器创建 Kafka 输出
func NewKafkaSinkWithWriter(writer MessageWriter, topic string) *KafkaSink {
	return &KafkaSink{
		writer: writer,
		topic:  topic,
		logger: common.ComponentLogger("result-kafka"),
	}
}

// Write 发布一条结果事件
func (ks *KafkaSink) Write(ctx context.Context, entry Entry) error {
	value, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(entry.Project),
		Value: value,
		Time:  entry.UpdatedAt,
	}
	if err := ks.writer.WriteMessages(ctx, msg); err != nil {
		ks.logger.Error("Failed to publish result",
			zap.String("topic", ks.topic),
			zap.String("project", entry.Project),
			zap.Error(err))
		return fmt.Errorf("publish result for %s: %w", entry.Project, err)
	}

	ks.logger.Debug("Published result",
		zap.String("topic", ks.topic),
		zap.String("project", entry.Project),
		zap.Bool("final", entry.Final))
	return nil
}

// Close 关闭写入器
func (ks *KafkaSink) Close() error {
	return ks.writer.Close()
}
