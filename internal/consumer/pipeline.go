package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/shamexln/hl7parse/internal/hl7"
	"github.com/shamexln/hl7parse/internal/metrics"
	"github.com/shamexln/hl7parse/internal/mllp"
	"github.com/shamexln/hl7parse/internal/models"
	"github.com/shamexln/hl7parse/internal/notifier"
	"github.com/shamexln/hl7parse/internal/transformer"

	"go.uber.org/zap"
)

// Sink 告警记录写入目标
type Sink interface {
	Insert(ctx context.Context, record *models.AlarmRecord) (int64, error)
}

// Result 一帧的处理结果
type Result struct {
	Outcome    string
	Header     mllp.AckHeader
	RecordID   int64
	SkipReason transformer.SkipReason
}

// Pipeline 解码 -> 组装 -> 写入 -> 通知
type Pipeline struct {
	decoder   *hl7.Decoder
	assembler *transformer.Assembler
	sink      Sink
	notifier  notifier.Notifier
	msgType   string
	event     string
	logger    *zap.Logger
	now       func() time.Time
}

// NewPipeline 创建处理管线；notifier 可为 nil
func NewPipeline(
	decoder *hl7.Decoder,
	assembler *transformer.Assembler,
	sink Sink,
	n notifier.Notifier,
	msgType, event string,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		decoder:   decoder,
		assembler: assembler,
		sink:      sink,
		notifier:  n,
		msgType:   msgType,
		event:     event,
		logger:    logger,
		now:       time.Now,
	}
}

// Process 处理一帧负载
// 解码失败和写入失败返回错误（否定应答）；类型不匹配与缺少必需段不是错误。
func (p *Pipeline) Process(ctx context.Context, payload []byte) (Result, error) {
	msg, err := p.decoder.Decode(payload)
	if err != nil {
		return Result{Outcome: metrics.OutcomeFailed}, fmt.Errorf("failed to decode message: %w", err)
	}

	res := Result{Header: ackHeader(msg)}
	if !msg.Matches(p.msgType, p.event) {
		p.logger.Debug("Ignoring message",
			zap.String("type", msg.Type()),
			zap.String("trigger_event", msg.TriggerEvent()),
			zap.String("control_id", msg.ControlID()),
		)
		res.Outcome = metrics.OutcomeIgnored
		return res, nil
	}

	record, reason := p.assembler.Assemble(msg)
	if record == nil {
		res.Outcome = metrics.OutcomeSkipped
		res.SkipReason = reason
		return res, nil
	}

	id, err := p.sink.Insert(ctx, record)
	if err != nil {
		p.logger.Error("Failed to save alarm record",
			zap.String("control_id", msg.ControlID()),
			zap.Error(err),
		)
		res.Outcome = metrics.OutcomeFailed
		return res, err
	}
	res.RecordID = id
	res.Outcome = metrics.OutcomeStored

	if p.notifier != nil {
		if err := p.notifier.Notify(ctx, models.NewAlarmNotification(id, record, p.now())); err != nil {
			p.logger.Warn("Alarm stored but downstream notification failed", zap.Int64("id", id), zap.Error(err))
		}
	}
	return res, nil
}

func ackHeader(msg *hl7.Message) mllp.AckHeader {
	h, ok := msg.Header()
	if !ok {
		return mllp.AckHeader{}
	}
	return mllp.AckHeader{
		SendingApplication: h.FieldString(3),
		SendingFacility:    h.FieldString(4),
		ControlID:          msg.ControlID(),
		TriggerEvent:       msg.TriggerEvent(),
		Version:            h.FieldString(12),
	}
}
