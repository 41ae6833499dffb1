package evaluator

import (
	"strings"

	"github.com/shamexln/hl7parse/internal/hl7"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OBX-3 中的告警标识
const (
	IdentifierAlarmPriority = "MDC_ATTR_ALARM_PRIORITY"
	IdentifierAlarmState    = "MDC_ATTR_ALARM_STATE"
	IdentifierAlarmEvent    = "MDC_EVT_ALARM"
)

// 需要合成告警文本的事件编码
const (
	CodeLowLimit  = "196674" // <name> < <low>
	CodeHighLimit = "196652" // <name> > <high>
)

const (
	DefaultPriority = "Normal"
	UnknownAlarm    = "Unknown"
)

var priorityTable = map[string]string{
	"PH": "High",
	"H":  "High",
	"PM": "Medium",
	"M":  "Medium",
	"PL": "Low",
	"L":  "Low",
	"PN": "Normal",
	"N":  "Normal",
}

var limitTypeTable = map[string]string{
	"":   "None",
	"N":  "None",
	"L":  "Low",
	"H":  "High",
	"LL": "Low Critical",
	"HH": "High Critical",
	"<":  "Below Low Scale",
	">":  "Above High Scale",
	"A":  "Abnormal",
	"AA": "Critical Abnormal",
}

// Resolver 编码字典查询
type Resolver interface {
	ResolveDescription(mapping, encode, subID string) (string, bool)
	ResolveObservationType(mapping, encode, subID string) (string, bool)
}

// Evaluator 告警语义推导
type Evaluator struct {
	resolver Resolver
	mapping  string // 为空时使用注册表的默认字典
	logger   *zap.Logger
}

// NewEvaluator 创建评估器
func NewEvaluator(resolver Resolver, mapping string, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		resolver: resolver,
		mapping:  mapping,
		logger:   logger,
	}
}

// Priority 优先级代码转换；空值默认 Normal，未知代码原样返回
func (e *Evaluator) Priority(raw string) string {
	code := strings.TrimSpace(raw)
	if code == "" {
		e.logger.Warn("Alarm priority is empty, using default", zap.String("default", DefaultPriority))
		return DefaultPriority
	}
	if p, ok := priorityTable[strings.ToUpper(code)]; ok {
		return p
	}
	return code
}

// AlarmMessage 告警文本
//
// 限值类事件用数值观察合成 "<name> < <low>" / "<name> > <high>"；
// 其他编码为 description + observationType（直接拼接）。
func (e *Evaluator) AlarmMessage(code string, numeric *hl7.ObservationRecord) string {
	code = strings.TrimSpace(code)
	if code == "" {
		e.logger.Warn("Alarm event code is empty")
		return UnknownAlarm
	}

	switch code {
	case CodeLowLimit:
		if numeric == nil || numeric.LowLim == "" {
			e.logger.Warn("Low limit unavailable for alarm event", zap.String("code", code), zap.Bool("numeric_present", numeric != nil))
			return code
		}
		return numeric.ObservationName + " < " + numeric.LowLim
	case CodeHighLimit:
		if numeric == nil || numeric.UpperLim == "" {
			e.logger.Warn("High limit unavailable for alarm event", zap.String("code", code), zap.Bool("numeric_present", numeric != nil))
			return code
		}
		return numeric.ObservationName + " > " + numeric.UpperLim
	}

	desc, okDesc := e.resolver.ResolveDescription(e.mapping, code, "")
	obsType, okType := e.resolver.ResolveObservationType(e.mapping, code, "")
	if !okDesc && !okType {
		e.logger.Warn("Alarm event code not in code system", zap.String("code", code))
		return code
	}
	return desc + obsType
}

// UnitDescription 单位代码经字典转换；字典无记录时使用 OBX-6 的单位名
func (e *Evaluator) UnitDescription(numeric *hl7.ObservationRecord) *string {
	if numeric == nil {
		return nil
	}
	if numeric.UnitCode != "" {
		if desc, ok := e.resolver.ResolveDescription(e.mapping, numeric.UnitCode, ""); ok {
			return &desc
		}
	}
	if numeric.UnitName == "" {
		return nil
	}
	name := numeric.UnitName
	return &name
}

// LimitViolationType CWE 观察的异常标志转换；没有 CWE 观察时为 nil
func LimitViolationType(coded *hl7.ObservationRecord) *string {
	if coded == nil {
		return nil
	}
	flag := strings.TrimSpace(coded.LimViolation)
	if t, ok := limitTypeTable[flag]; ok {
		return &t
	}
	return &flag
}

// LimitViolationValue 越限量
//
// 标志 L/LL/< 时为 value - low，H/HH/> 时为 value - high；
// 其他标志、缺少任一观察或数值无法解析时为 nil。
func LimitViolationValue(numeric, coded *hl7.ObservationRecord) *string {
	if numeric == nil || coded == nil {
		return nil
	}

	var bound string
	switch strings.TrimSpace(coded.LimViolation) {
	case "L", "LL", "<":
		bound = numeric.LowLim
	case "H", "HH", ">":
		bound = numeric.UpperLim
	default:
		return nil
	}

	value, err := decimal.NewFromString(strings.TrimSpace(numeric.ObservationValue))
	if err != nil {
		return nil
	}
	limit, err := decimal.NewFromString(strings.TrimSpace(bound))
	if err != nil {
		return nil
	}
	s := value.Sub(limit).String()
	return &s
}
