package repository

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/shamexln/hl7parse/internal/models"

	"go.uber.org/zap"
)

// DefaultAlarmTable 默认告警表
const DefaultAlarmTable = "hl7_patients"

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ValidIdentifier 表名是否为合法 SQL 标识符（可带 schema 前缀）
func ValidIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

// alarmColumns 写入列（received_at 由表默认值填充）
var alarmColumns = []string{
	"device_id",
	"local_time",
	`"date"`,
	`"time"`,
	`"hour"`,
	"bed_label",
	"pat_id",
	"mon_unit",
	"care_unit",
	"alarm_grade",
	"alarm_state",
	"alarm_grade_2",
	"alarm_message",
	"param_id",
	"param_description",
	"param_value",
	"param_uom",
	"param_upper_lim",
	"param_lower_lim",
	"limit_violation_type",
	"limit_violation_value",
	"subid",
	"sourcechannel",
	"onset_tick",
	"alarm_duration",
	"change_time_utc",
	"change_tick",
	"aborted",
	"raw_message",
}

// AlarmRepository 告警记录仓库（仅追加）
type AlarmRepository struct {
	db          *sql.DB
	table       string
	insertQuery string
	logger      *zap.Logger
}

// NewAlarmRepository 创建告警记录仓库
func NewAlarmRepository(db *sql.DB, table string, logger *zap.Logger) (*AlarmRepository, error) {
	if table == "" {
		table = DefaultAlarmTable
	}
	if !ValidIdentifier(table) {
		return nil, fmt.Errorf("invalid table name: %q", table)
	}

	placeholders := make([]string, len(alarmColumns))
	for i := range alarmColumns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) RETURNING id",
		table,
		strings.Join(alarmColumns, ", "),
		strings.Join(placeholders, ", "),
	)

	return &AlarmRepository{
		db:          db,
		table:       table,
		insertQuery: query,
		logger:      logger,
	}, nil
}

// Table 目标表名
func (r *AlarmRepository) Table() string {
	return r.table
}

// Insert 写入一条记录，返回行 ID
func (r *AlarmRepository) Insert(ctx context.Context, record *models.AlarmRecord) (int64, error) {
	if record == nil {
		return 0, fmt.Errorf("record is required")
	}

	var id int64
	err := r.db.QueryRowContext(ctx, r.insertQuery,
		record.DeviceID,
		record.LocalTime,
		record.Date,
		record.Time,
		record.Hour,
		record.BedLabel,
		record.PatientID,
		record.MonUnit,
		record.CareUnit,
		record.AlarmGrade,
		record.AlarmState,
		record.AlarmGrade2,
		record.AlarmMessage,
		record.ParamID,
		record.ParamDescription,
		record.ParamValue,
		record.ParamUOM,
		record.ParamUpperLim,
		record.ParamLowerLim,
		record.LimitViolationType,
		record.LimitViolationValue,
		record.SubID,
		record.SourceChannel,
		record.OnsetTick,
		record.AlarmDuration,
		record.ChangeTimeUTC,
		record.ChangeTick,
		record.Aborted,
		record.RawMessage,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert alarm record: %w", err)
	}

	r.logger.Info("Alarm record saved",
		zap.Int64("id", id),
		zap.Stringp("device_id", record.DeviceID),
		zap.Stringp("alarm_message", record.AlarmMessage),
	)
	return id, nil
}
