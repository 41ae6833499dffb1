package mllp

import (
	"fmt"
	"strings"
	"time"
)

// AckMode 应答格式
type AckMode string

const (
	// AckModeSimple 返回 "ok" / "AE|Error processing message"
	AckModeSimple AckMode = "simple"
	// AckModeHL7 返回标准 ACK 消息（MSH + MSA）
	AckModeHL7 AckMode = "hl7"
)

// 简单模式应答负载
const (
	SimpleAckOK    = "ok"
	SimpleAckError = "AE|Error processing message"
)

// MSA-1 应答码
const (
	AckAccept = "AA"
	AckError  = "AE"
)

// AckHeader 生成 HL7 ACK 所需的原消息头字段
type AckHeader struct {
	SendingApplication string
	SendingFacility    string
	ControlID          string
	TriggerEvent       string
	Version            string
}

// Acknowledger 按模式生成已加帧的应答
type Acknowledger struct {
	mode        AckMode
	application string
	facility    string
	now         func() time.Time
}

// NewAcknowledger 创建应答生成器；application/facility 作为 ACK 的发送方
func NewAcknowledger(mode AckMode, application, facility string) *Acknowledger {
	if mode != AckModeHL7 {
		mode = AckModeSimple
	}
	return &Acknowledger{
		mode:        mode,
		application: application,
		facility:    facility,
		now:         time.Now,
	}
}

// Mode 当前应答模式
func (a *Acknowledger) Mode() AckMode {
	return a.mode
}

// Accept 成功处理的应答帧
func (a *Acknowledger) Accept(h AckHeader) []byte {
	if a.mode == AckModeSimple {
		return Wrap([]byte(SimpleAckOK))
	}
	return Wrap([]byte(a.build(h, AckAccept, "")))
}

// Reject 处理失败的应答帧
func (a *Acknowledger) Reject(h AckHeader, reason string) []byte {
	if a.mode == AckModeSimple {
		return Wrap([]byte(SimpleAckError))
	}
	return Wrap([]byte(a.build(h, AckError, reason)))
}

func (a *Acknowledger) build(h AckHeader, code, reason string) string {
	now := a.now()
	controlID := h.ControlID
	if controlID == "" {
		controlID = fmt.Sprintf("ACK%d", now.Unix())
	}
	version := h.Version
	if version == "" {
		version = "2.6"
	}
	msgType := "ACK"
	if h.TriggerEvent != "" {
		msgType += "^" + h.TriggerEvent + "^ACK"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MSH|^~\\&|%s|%s|%s|%s|%s||%s|%s|P|%s\r",
		a.application, a.facility,
		h.SendingApplication, h.SendingFacility,
		now.UTC().Format("20060102150405"),
		msgType, controlID, version)
	fmt.Fprintf(&b, "MSA|%s|%s", code, h.ControlID)
	if reason != "" {
		b.WriteString("|" + sanitize(reason))
	}
	b.WriteString("\r")
	return b.String()
}

// sanitize 去掉会破坏段结构的分隔符
func sanitize(s string) string {
	return strings.NewReplacer("|", " ", "\r", " ", "\n", " ", "^", " ").Replace(s)
}
