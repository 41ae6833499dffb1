package models

import (
	"time"
)

// AlarmRecord 一条已接受的告警消息（对应 hl7_patients 表）
// 构建后不再修改；空值以 nil 表示，写入为 NULL
type AlarmRecord struct {
	DeviceID            *string `json:"device_id" db:"device_id"`
	LocalTime           *string `json:"local_time" db:"local_time"`
	Date                *string `json:"date" db:"Date"`
	Time                *string `json:"time" db:"Time"`
	Hour                *string `json:"hour" db:"Hour"`
	BedLabel            *string `json:"bed_label" db:"bed_label"`
	PatientID           *string `json:"pat_id" db:"pat_ID"`
	MonUnit             *string `json:"mon_unit" db:"mon_unit"`
	CareUnit            *string `json:"care_unit" db:"care_unit"`
	AlarmGrade          *string `json:"alarm_grade" db:"alarm_grade"`
	AlarmState          *string `json:"alarm_state" db:"alarm_state"`
	AlarmGrade2         *string `json:"alarm_grade_2" db:"Alarm_Grade_2"`
	AlarmMessage        *string `json:"alarm_message" db:"alarm_message"`
	ParamID             *string `json:"param_id" db:"param_id"`
	ParamDescription    *string `json:"param_description" db:"param_description"`
	ParamValue          *string `json:"param_value" db:"param_value"`
	ParamUOM            *string `json:"param_uom" db:"param_uom"`
	ParamUpperLim       *string `json:"param_upper_lim" db:"param_upper_lim"`
	ParamLowerLim       *string `json:"param_lower_lim" db:"param_lower_lim"`
	LimitViolationType  *string `json:"limit_violation_type" db:"Limit_Violation_Type"`
	LimitViolationValue *string `json:"limit_violation_value" db:"Limit_Violation_Value"`
	SubID               *string `json:"subid" db:"subid"`
	SourceChannel       *string `json:"sourcechannel" db:"sourcechannel"`
	OnsetTick           *string `json:"onset_tick" db:"onset_tick"`
	AlarmDuration       *string `json:"alarm_duration" db:"alarm_duration"`
	ChangeTimeUTC       *string `json:"change_time_utc" db:"change_time_UTC"`
	ChangeTick          *string `json:"change_tick" db:"change_tick"`
	Aborted             *string `json:"aborted" db:"aborted"`
	RawMessage          string  `json:"raw_message" db:"raw_message"`
}

// AlarmNotification 下游发布的告警（Redis Stream / MQTT 载荷）
type AlarmNotification struct {
	RecordID   int64        `json:"record_id"`
	ReceivedAt time.Time    `json:"received_at"`
	Record     *AlarmRecord `json:"record"`
}

// NewAlarmNotification 由已写入的记录构建通知
func NewAlarmNotification(id int64, record *AlarmRecord, receivedAt time.Time) *AlarmNotification {
	return &AlarmNotification{
		RecordID:   id,
		ReceivedAt: receivedAt.UTC(),
		Record:     record,
	}
}

// DeviceKey 主题/键使用的设备标识；无设备 ID 时为 "unknown"
func (r *AlarmRecord) DeviceKey() string {
	if r == nil || r.DeviceID == nil || *r.DeviceID == "" {
		return "unknown"
	}
	return *r.DeviceID
}
