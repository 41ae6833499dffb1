package transformer

import (
	"github.com/shamexln/hl7parse/internal/evaluator"
	"github.com/shamexln/hl7parse/internal/hl7"
	"github.com/shamexln/hl7parse/internal/models"

	"go.uber.org/zap"
)

// SkipReason 未生成记录的原因；空串表示已生成
type SkipReason string

const (
	SkipNone           SkipReason = ""
	SkipMissingHeader  SkipReason = "missing MSH segment"
	SkipMissingVisit   SkipReason = "missing PV1 segment"
	SkipMissingPatient SkipReason = "missing PID segment"
	SkipMissingOrder   SkipReason = "missing OBR segment"
)

// SourceChannelResolver 按 subid 查询 source/channel
type SourceChannelResolver interface {
	ResolveSourceChannel(mapping, encode, subID string) (string, bool)
}

// Assembler 将解码后的 ORU 消息组装为 AlarmRecord
type Assembler struct {
	extractor *hl7.Extractor
	evaluator *evaluator.Evaluator
	channels  SourceChannelResolver
	mapping   string
	logger    *zap.Logger
}

// NewAssembler 创建组装器；mapping 为空时使用默认字典
func NewAssembler(
	extractor *hl7.Extractor,
	eval *evaluator.Evaluator,
	channels SourceChannelResolver,
	mapping string,
	logger *zap.Logger,
) *Assembler {
	return &Assembler{
		extractor: extractor,
		evaluator: eval,
		channels:  channels,
		mapping:   mapping,
		logger:    logger,
	}
}

// Assemble 组装记录
// 缺少 MSH/PV1/PID/OBR 任一必需段时返回 nil 和原因，不生成部分记录。
func (a *Assembler) Assemble(msg *hl7.Message) (*models.AlarmRecord, SkipReason) {
	if reason := requiredSegments(msg); reason != SkipNone {
		a.logger.Warn("Skipping message", zap.String("reason", string(reason)), zap.String("control_id", msg.ControlID()))
		return nil, reason
	}

	ts := a.extractor.HeaderTime(msg)
	visit := a.extractor.Visit(msg)

	numeric := a.extractor.LastObservation(hl7.CollectByValueType(msg, hl7.ValueTypeNumeric), hl7.ValueTypeNumeric)
	coded := a.extractor.LastObservation(hl7.CollectByValueType(msg, hl7.ValueTypeCoded), hl7.ValueTypeCoded)

	rawPriority, _ := hl7.FindByIdentifier(msg, evaluator.IdentifierAlarmPriority, 0)
	rawState, _ := hl7.FindByIdentifier(msg, evaluator.IdentifierAlarmState, 0)
	rawEvent, _ := hl7.FindByIdentifier(msg, evaluator.IdentifierAlarmEvent, 0)

	priority := a.evaluator.Priority(rawPriority)
	message := a.evaluator.AlarmMessage(rawEvent, numeric)

	record := &models.AlarmRecord{
		DeviceID:            a.extractor.DeviceGUID(msg),
		LocalTime:           ts.LocalTime,
		Date:                ts.Date,
		Time:                ts.Time,
		Hour:                ts.Hour,
		BedLabel:            visit.BedLabel,
		PatientID:           a.extractor.PatientID(msg),
		CareUnit:            visit.CareUnit,
		AlarmGrade:          &priority,
		AlarmState:          nonEmpty(rawState),
		AlarmMessage:        &message,
		LimitViolationType:  evaluator.LimitViolationType(coded),
		LimitViolationValue: evaluator.LimitViolationValue(numeric, coded),
		RawMessage:          msg.Raw(),
	}

	if numeric != nil {
		record.ParamID = nonEmpty(numeric.ObservationCode)
		record.ParamDescription = nonEmpty(numeric.ObservationName)
		record.ParamValue = nonEmpty(numeric.ObservationValue)
		record.ParamUOM = a.evaluator.UnitDescription(numeric)
		record.ParamUpperLim = nonEmpty(numeric.UpperLim)
		record.ParamLowerLim = nonEmpty(numeric.LowLim)
		record.SubID = nonEmpty(numeric.SubID)
		if numeric.SubID != "" {
			if sc, ok := a.channels.ResolveSourceChannel(a.mapping, numeric.ObservationCode, numeric.SubID); ok {
				record.SourceChannel = &sc
			}
		}
	}

	a.logger.Debug("Alarm record assembled",
		zap.Stringp("device_id", record.DeviceID),
		zap.String("alarm_grade", priority),
		zap.String("alarm_message", message),
		zap.Stringp("param_id", record.ParamID),
	)
	return record, SkipNone
}

func requiredSegments(msg *hl7.Message) SkipReason {
	if _, ok := msg.Header(); !ok {
		return SkipMissingHeader
	}
	if _, ok := msg.Segment(hl7.SegmentPV1); !ok {
		return SkipMissingVisit
	}
	if _, ok := msg.Segment(hl7.SegmentPID); !ok {
		return SkipMissingPatient
	}
	if _, ok := msg.Segment(hl7.SegmentOBR); !ok {
		return SkipMissingOrder
	}
	return SkipNone
}

func nonEmpty(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
