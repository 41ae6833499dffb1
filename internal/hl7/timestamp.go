package hl7

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// 输出格式
const (
	DateTimeLayout = "2006-01-02 15:04:05"
	DateLayout     = "2006-01-02"
	TimeLayout     = "15:04"
	HourLayout     = "15"
)

// TimeFields MSH-7 换算后的 UTC 字段；解析失败时全部为 nil
type TimeFields struct {
	LocalTime *string
	Date      *string
	Time      *string
	Hour      *string
}

// Valid 是否解析成功
func (t TimeFields) Valid() bool {
	return t.LocalTime != nil
}

// ParseTimestamp 解析 YYYYMMDD[HH[MM[SS[.S...]]]][+/-ZZZZ]
// 缺省的时分秒为 0；无时区偏移时按 UTC 处理，有偏移时换算为 UTC。
func ParseTimestamp(value string) (time.Time, error) {
	s := strings.TrimSpace(value)
	offset := 0
	if i := strings.IndexAny(s, "+-"); i >= 0 {
		zone := s[i:]
		s = s[:i]
		if len(zone) != 5 {
			return time.Time{}, fmt.Errorf("invalid timezone offset %q", zone)
		}
		hh, err1 := strconv.Atoi(zone[1:3])
		mm, err2 := strconv.Atoi(zone[3:5])
		if err1 != nil || err2 != nil || hh > 14 || mm > 59 {
			return time.Time{}, fmt.Errorf("invalid timezone offset %q", zone)
		}
		offset = hh*3600 + mm*60
		if zone[0] == '-' {
			offset = -offset
		}
	}

	frac := 0
	if i := strings.IndexByte(s, '.'); i >= 0 {
		digits := s[i+1:]
		s = s[:i]
		if digits == "" || len(digits) > 4 || !isDigits(digits) {
			return time.Time{}, fmt.Errorf("invalid fractional seconds %q", digits)
		}
		n, _ := strconv.Atoi(digits)
		for k := len(digits); k < 9; k++ {
			n *= 10
		}
		frac = n
	}

	if !isDigits(s) {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", value)
	}
	switch len(s) {
	case 8, 10, 12, 14:
	default:
		return time.Time{}, fmt.Errorf("invalid timestamp length %d: %q", len(s), value)
	}
	padded := s + strings.Repeat("0", 14-len(s))

	t, err := time.ParseInLocation("20060102150405", padded, time.FixedZone("", offset))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", value, err)
	}
	return t.Add(time.Duration(frac)).UTC(), nil
}

// ConvertTimestamp 换算为记录所需的 UTC 字段
func ConvertTimestamp(value string) (TimeFields, error) {
	t, err := ParseTimestamp(value)
	if err != nil {
		return TimeFields{}, err
	}
	return FieldsFromTime(t), nil
}

// FieldsFromTime 按输出格式生成字段
func FieldsFromTime(t time.Time) TimeFields {
	t = t.UTC()
	local := t.Format(DateTimeLayout)
	date := t.Format(DateLayout)
	clock := t.Format(TimeLayout)
	hour := t.Format(HourLayout)
	return TimeFields{LocalTime: &local, Date: &date, Time: &clock, Hour: &hour}
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}
