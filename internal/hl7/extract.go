package hl7

import (
	"strings"

	"go.uber.org/zap"
)

// OBX 值类型
const (
	ValueTypeNumeric = "NM"
	ValueTypeCoded   = "CWE"
)

// 字段位置（HL7 序号 + 0 起始组件下标）
const (
	mshDateTime       = 7
	pv1Location       = 3
	pidIdentifier     = 3
	obrEquipment      = 13
	obxSetID          = 1
	obxValueType      = 2
	obxIdentifier     = 3
	obxSubID          = 4
	obxValue          = 5
	obxUnits          = 6
	obxReferenceRange = 7
	obxAbnormalFlags  = 8

	locationCareUnit = 0
	locationBed      = 2
)

// ObservationRecord 一个 OBX 段的派生视图
type ObservationRecord struct {
	SetID            string `json:"set_id"`
	ValueType        string `json:"value_type"`
	ObservationCode  string `json:"observation_code"`
	ObservationName  string `json:"observation_name"`
	SubID            string `json:"sub_id"`
	ObservationValue string `json:"observation_value"`
	UnitCode         string `json:"unit_code"`
	UnitName         string `json:"unit_name"`
	LowLim           string `json:"low_lim"`
	UpperLim         string `json:"upper_lim"`
	LimViolation     string `json:"lim_violation"`
}

// Visit PV1-3 位置
type Visit struct {
	CareUnit *string
	BedLabel *string
}

// Extractor 字段提取器
type Extractor struct {
	logger *zap.Logger
}

// NewExtractor 创建字段提取器
func NewExtractor(logger *zap.Logger) *Extractor {
	return &Extractor{logger: logger}
}

// HeaderTime MSH-7 换算；缺失或格式错误时返回空字段并记录警告
func (e *Extractor) HeaderTime(msg *Message) TimeFields {
	h, ok := msg.Header()
	if !ok {
		e.logger.Warn("No MSH segment, timestamp unavailable")
		return TimeFields{}
	}
	raw, _ := h.Component(mshDateTime, 0)
	fields, err := ConvertTimestamp(raw)
	if err != nil {
		e.logger.Warn("Malformed message timestamp",
			zap.String("value", raw),
			zap.Error(err),
		)
		return TimeFields{}
	}
	return fields
}

// Visit PV1-3.1 护理单元，PV1-3.3 床位
func (e *Extractor) Visit(msg *Message) Visit {
	pv1, ok := msg.Segment(SegmentPV1)
	if !ok {
		return Visit{}
	}
	return Visit{
		CareUnit: optional(pv1.Component(pv1Location, locationCareUnit)),
		BedLabel: optional(pv1.Component(pv1Location, locationBed)),
	}
}

// PatientID PID-3.1
func (e *Extractor) PatientID(msg *Message) *string {
	pid, ok := msg.Segment(SegmentPID)
	if !ok {
		return nil
	}
	return optional(pid.Component(pidIdentifier, 0))
}

// DeviceGUID OBR-13 的最后一个组件
func (e *Extractor) DeviceGUID(msg *Message) *string {
	obr, ok := msg.Segment(SegmentOBR)
	if !ok {
		return nil
	}
	return optional(obr.Component(obrEquipment, -1))
}

// FindByIdentifier 返回第一个 OBX-3 含 identifier 的段的 OBX-5 第 component 个组件
func FindByIdentifier(msg *Message, identifier string, component int) (string, bool) {
	for _, obx := range msg.Segments(SegmentOBX) {
		if !strings.Contains(obx.FieldString(obxIdentifier), identifier) {
			continue
		}
		return obx.Component(obxValue, component)
	}
	return "", false
}

// CollectByValueType 按文档顺序收集 OBX-2 等于 valueType 的观察
func CollectByValueType(msg *Message, valueType string) []ObservationRecord {
	var out []ObservationRecord
	for _, obx := range msg.Segments(SegmentOBX) {
		if obx.FieldString(obxValueType) != valueType {
			continue
		}
		out = append(out, observationFrom(obx))
	}
	return out
}

// LastObservation 约定每类参数每条消息最多一个有效值：文档顺序最后一个胜出，
// 之前的匹配记录日志后丢弃
func (e *Extractor) LastObservation(records []ObservationRecord, label string) *ObservationRecord {
	if len(records) == 0 {
		e.logger.Debug("No OBX found for value type", zap.String("value_type", label))
		return nil
	}
	for i, r := range records {
		fields := []zap.Field{
			zap.String("value_type", label),
			zap.Int("index", i+1),
			zap.String("set_id", r.SetID),
			zap.String("observation_code", r.ObservationCode),
			zap.String("observation_name", r.ObservationName),
			zap.String("observation_value", r.ObservationValue),
		}
		if i < len(records)-1 {
			e.logger.Warn("Discarding earlier OBX match", fields...)
			continue
		}
		e.logger.Debug("Selected OBX", fields...)
	}
	last := records[len(records)-1]
	return &last
}

func observationFrom(obx *Segment) ObservationRecord {
	rec := ObservationRecord{
		SetID:        obx.FieldString(obxSetID),
		ValueType:    obx.FieldString(obxValueType),
		SubID:        obx.FieldString(obxSubID),
		LimViolation: obx.FieldString(obxAbnormalFlags),
	}
	rec.ObservationCode, _ = obx.Component(obxIdentifier, 0)
	rec.ObservationName, _ = obx.Component(obxIdentifier, 1)
	rec.ObservationValue, _ = obx.Component(obxValue, 0)
	rec.UnitCode, _ = obx.Component(obxUnits, 0)
	rec.UnitName, _ = obx.Component(obxUnits, 1)
	rec.LowLim, rec.UpperLim = splitRange(obx.FieldString(obxReferenceRange))
	return rec
}

// splitRange 拆分 "low-high"；首字符的负号属于下限
func splitRange(value string) (string, string) {
	if value == "" {
		return "", ""
	}
	i := strings.IndexByte(value[1:], '-')
	if i < 0 {
		return value, ""
	}
	i++
	return value[:i], value[i+1:]
}

func optional(v string, ok bool) *string {
	if !ok || v == "" {
		return nil
	}
	return &v
}
