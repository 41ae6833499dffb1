package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shamexln/hl7parse/internal/models"
	rediscommon "github.com/shamexln/hl7parse/owl-common/redis"

	"go.uber.org/zap"
)

// DefaultStreamMaxLen 告警 stream 的近似长度上限
const DefaultStreamMaxLen = 10000

// DeviceIDPlaceholder MQTT 主题模板中的设备占位符
const DeviceIDPlaceholder = "{device_id}"

// Notifier 下游告警发布
type Notifier interface {
	Notify(ctx context.Context, n *models.AlarmNotification) error
}

// StreamNotifier 发布到 Redis Stream
type StreamNotifier struct {
	client *rediscommon.Client
	stream string
	opts   rediscommon.StreamOptions
	logger *zap.Logger
}

// NewStreamNotifier 创建 Redis Stream 发布器；maxLen <= 0 时使用 DefaultStreamMaxLen
func NewStreamNotifier(client *rediscommon.Client, stream string, maxLen int64, logger *zap.Logger) *StreamNotifier {
	if maxLen <= 0 {
		maxLen = DefaultStreamMaxLen
	}
	return &StreamNotifier{
		client: client,
		stream: stream,
		opts:   rediscommon.StreamOptions{MaxLen: maxLen},
		logger: logger,
	}
}

// Notify 发布一条告警
func (s *StreamNotifier) Notify(ctx context.Context, n *models.AlarmNotification) error {
	id, err := rediscommon.PublishJSONToStream(ctx, s.client, s.stream, n, s.opts)
	if err != nil {
		return fmt.Errorf("failed to publish to stream %s: %w", s.stream, err)
	}
	s.logger.Debug("Alarm published to stream",
		zap.String("stream", s.stream),
		zap.String("message_id", id),
		zap.Int64("record_id", n.RecordID),
	)
	return nil
}

// Publisher MQTT 发布接口（owl-common/mqtt.Client 实现）
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// MQTTNotifier 发布到 MQTT 主题
type MQTTNotifier struct {
	publisher Publisher
	topic     string
	qos       byte
	logger    *zap.Logger
}

// NewMQTTNotifier 创建 MQTT 发布器；topic 中的 {device_id} 按记录替换
func NewMQTTNotifier(publisher Publisher, topic string, qos byte, logger *zap.Logger) *MQTTNotifier {
	return &MQTTNotifier{
		publisher: publisher,
		topic:     topic,
		qos:       qos,
		logger:    logger,
	}
}

// Topic 记录对应的主题
func (m *MQTTNotifier) Topic(record *models.AlarmRecord) string {
	return strings.ReplaceAll(m.topic, DeviceIDPlaceholder, record.DeviceKey())
}

// Notify 发布一条告警
func (m *MQTTNotifier) Notify(_ context.Context, n *models.AlarmNotification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	topic := m.Topic(n.Record)
	if err := m.publisher.Publish(topic, m.qos, false, payload); err != nil {
		return err
	}
	m.logger.Debug("Alarm published to MQTT", zap.String("topic", topic), zap.Int64("record_id", n.RecordID))
	return nil
}

// Multi 依次调用所有发布器；单个失败只记录警告，不影响其它发布器
type Multi struct {
	notifiers []Notifier
	logger    *zap.Logger
}

// NewMulti 组合多个发布器
func NewMulti(logger *zap.Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, logger: logger}
}

// Len 发布器数量
func (m *Multi) Len() int {
	return len(m.notifiers)
}

// Notify 发布到全部下游，返回合并后的错误
func (m *Multi) Notify(ctx context.Context, n *models.AlarmNotification) error {
	var errs []error
	for _, nt := range m.notifiers {
		if err := nt.Notify(ctx, n); err != nil {
			m.logger.Warn("Failed to notify downstream",
				zap.Int64("record_id", n.RecordID),
				zap.String("device_id", n.Record.DeviceKey()),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
