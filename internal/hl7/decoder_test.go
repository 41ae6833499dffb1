package hl7

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var sampleSegments = []string{
	`MSH|^~\&|MONITOR|ICU|||20240115093000||ORU^R40^ORU_R40|MSG001|P|2.6`,
	`PID|||PAT123^^^HOSP||DOE^JOHN`,
	`PV1||I|ICU1^^BED07`,
	`OBR|1|||196616^MDC_EVT_ALARM^MDC|||20240115093000||||||MON^^^DEV-GUID-001`,
	`OBX|1|ST|196616^MDC_EVT_ALARM^MDC|1.0.0.1|196674^MDC_EVT_LO^MDC||||||F`,
	`OBX|2|ST|68484^MDC_ATTR_ALARM_PRIORITY^MDC|1.0.0.2|PH||||||F`,
	`OBX|3|ST|68485^MDC_ATTR_ALARM_STATE^MDC|1.0.0.3|active||||||F`,
	`OBX|4|NM|150456^MDC_PULS_OXIM_SAT_O2^MDC|1.0.1.1|95|262688^%^MDC|90-100|N|||F`,
	`OBX|5|NM|147842^HR^MDC|1.0.1.2|45|264864^/min^MDC|50-120|L|||F`,
	`OBX|6|CWE|68480^MDC_ATTR_ALARM_SOURCE^MDC|1.0.1.3|147842^HR^MDC|||L|||F`,
}

func sampleMessage() string {
	return strings.Join(sampleSegments, "\r") + "\r"
}

func decodeSample(t *testing.T) *Message {
	t.Helper()
	msg, err := NewDecoder().Decode([]byte(sampleMessage()))
	require.NoError(t, err)
	return msg
}

// ============================================
// 解码
// ============================================

func TestDecode_Structure(t *testing.T) {
	msg := decodeSample(t)

	assert.Len(t, msg.AllSegments(), len(sampleSegments))
	assert.Len(t, msg.Segments(SegmentOBX), 6)
	assert.Equal(t, sampleMessage(), msg.Raw())

	h, ok := msg.Header()
	require.True(t, ok)
	assert.Equal(t, "|", h.FieldString(1))
	assert.Equal(t, `^~\&`, h.FieldString(2))
	assert.Equal(t, "MONITOR", h.FieldString(3))
	assert.Equal(t, "20240115093000", h.FieldString(7))
	assert.Equal(t, "MSG001", msg.ControlID())
}

func TestDecode_TypeAndTrigger(t *testing.T) {
	msg := decodeSample(t)

	assert.Equal(t, "ORU", msg.Type())
	assert.Equal(t, "R40", msg.TriggerEvent())
	assert.True(t, msg.Matches("ORU", "R40"))
	assert.False(t, msg.Matches("ADT", "A01"))
}

func TestDecode_FieldAccessors(t *testing.T) {
	msg := decodeSample(t)
	pv1, ok := msg.Segment(SegmentPV1)
	require.True(t, ok)

	loc, ok := pv1.Field(3)
	require.True(t, ok)
	assert.True(t, loc.IsComposite())
	assert.Equal(t, []string{"ICU1", "", "BED07"}, loc.Components())

	v, ok := loc.Component(2)
	assert.True(t, ok)
	assert.Equal(t, "BED07", v)

	v, ok = loc.Component(-1)
	assert.True(t, ok)
	assert.Equal(t, "BED07", v)

	_, ok = loc.Component(3)
	assert.False(t, ok)

	_, ok = pv1.Field(40)
	assert.False(t, ok)
	_, ok = pv1.Field(0)
	assert.False(t, ok)

	simple, ok := pv1.Field(2)
	require.True(t, ok)
	assert.False(t, simple.IsComposite())
	v, ok = simple.Component(0)
	assert.True(t, ok)
	assert.Equal(t, "I", v)
}

func TestDecode_AbsentSegment(t *testing.T) {
	msg := decodeSample(t)

	seg, ok := msg.Segment("NTE")
	assert.False(t, ok)
	assert.Nil(t, seg)
	assert.Empty(t, msg.Segments("NTE"))

	// nil 段的访问器不会 panic
	_, ok = seg.Field(1)
	assert.False(t, ok)
}

func TestDecode_LineEndingsNormalized(t *testing.T) {
	payload := strings.Join(sampleSegments[:3], "\r\n")

	msg, err := NewDecoder().Decode([]byte(payload))

	require.NoError(t, err)
	assert.Len(t, msg.AllSegments(), 3)
	pid, ok := msg.Segment(SegmentPID)
	require.True(t, ok)
	v, _ := pid.Component(3, 0)
	assert.Equal(t, "PAT123", v)
}

func TestDecode_DelimitersFromHeader(t *testing.T) {
	payload := "MSH#*~\\&#APP#FAC#####ORU*R40#1#P#2.6\rPV1##I#ICU9**BED3"

	msg, err := NewDecoder().Decode([]byte(payload))

	require.NoError(t, err)
	assert.Equal(t, byte('#'), msg.Delimiters().Field)
	assert.Equal(t, byte('*'), msg.Delimiters().Component)
	assert.True(t, msg.Matches("ORU", "R40"))
	pv1, _ := msg.Segment(SegmentPV1)
	v, _ := pv1.Component(3, 2)
	assert.Equal(t, "BED3", v)
}

func TestDecode_ConfiguredDelimitersWithoutHeaderDerivation(t *testing.T) {
	d := DefaultDelimiters
	d.Segment = '\n'
	dec := NewDecoder(WithDelimiters(d), WithHeaderDelimiters(false))

	msg, err := dec.Decode([]byte("MSH|^~\\&|A\nPID|||X^Y"))

	require.NoError(t, err)
	assert.Len(t, msg.AllSegments(), 2)
}

func TestDecode_WithoutHeader(t *testing.T) {
	msg, err := NewDecoder().Decode([]byte("PID|||P1\rPV1||I|U^^B"))

	require.NoError(t, err)
	_, ok := msg.Header()
	assert.False(t, ok)
	assert.Equal(t, "", msg.Type())
	assert.False(t, msg.Matches("ORU", "R40"))
}

func TestDecode_Errors(t *testing.T) {
	_, err := NewDecoder().Decode([]byte("\r\r"))
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = NewDecoder().Decode([]byte("MSH|^~\\&|A\rTOOLONG|x"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "segment 2")
}

// ============================================
// 字段提取
// ============================================

func TestExtractor_RequiredFields(t *testing.T) {
	msg := decodeSample(t)
	e := NewExtractor(zap.NewNop())

	visit := e.Visit(msg)
	require.NotNil(t, visit.CareUnit)
	require.NotNil(t, visit.BedLabel)
	assert.Equal(t, "ICU1", *visit.CareUnit)
	assert.Equal(t, "BED07", *visit.BedLabel)

	require.NotNil(t, e.PatientID(msg))
	assert.Equal(t, "PAT123", *e.PatientID(msg))

	require.NotNil(t, e.DeviceGUID(msg))
	assert.Equal(t, "DEV-GUID-001", *e.DeviceGUID(msg))

	tf := e.HeaderTime(msg)
	require.True(t, tf.Valid())
	assert.Equal(t, "2024-01-15 09:30:00", *tf.LocalTime)
	assert.Equal(t, "2024-01-15", *tf.Date)
	assert.Equal(t, "09:30", *tf.Time)
	assert.Equal(t, "09", *tf.Hour)
}

func TestExtractor_MissingSegmentsYieldNil(t *testing.T) {
	msg, err := NewDecoder().Decode([]byte("MSH|^~\\&|A|B|||bad||ORU^R40|1|P|2.6"))
	require.NoError(t, err)
	e := NewExtractor(zap.NewNop())

	assert.Equal(t, Visit{}, e.Visit(msg))
	assert.Nil(t, e.PatientID(msg))
	assert.Nil(t, e.DeviceGUID(msg))
	assert.False(t, e.HeaderTime(msg).Valid())
}

func TestFindByIdentifier(t *testing.T) {
	msg := decodeSample(t)

	v, ok := FindByIdentifier(msg, "MDC_ATTR_ALARM_PRIORITY", 0)
	assert.True(t, ok)
	assert.Equal(t, "PH", v)

	v, ok = FindByIdentifier(msg, "MDC_EVT_ALARM", 0)
	assert.True(t, ok)
	assert.Equal(t, "196674", v)

	v, ok = FindByIdentifier(msg, "MDC_EVT_ALARM", 1)
	assert.True(t, ok)
	assert.Equal(t, "MDC_EVT_LO", v)

	_, ok = FindByIdentifier(msg, "MDC_NOT_THERE", 0)
	assert.False(t, ok)
}

func TestFindByIdentifier_FirstMatchWins(t *testing.T) {
	payload := "MSH|^~\\&|A\rOBX|1|ST|68484^MDC_ATTR_ALARM_PRIORITY|0|PL\rOBX|2|ST|68484^MDC_ATTR_ALARM_PRIORITY|0|PH"
	msg, err := NewDecoder().Decode([]byte(payload))
	require.NoError(t, err)

	v, _ := FindByIdentifier(msg, "MDC_ATTR_ALARM_PRIORITY", 0)
	assert.Equal(t, "PL", v)
}

func TestCollectByValueType(t *testing.T) {
	msg := decodeSample(t)

	nm := CollectByValueType(msg, ValueTypeNumeric)
	require.Len(t, nm, 2)
	assert.Equal(t, "150456", nm[0].ObservationCode)
	assert.Equal(t, ObservationRecord{
		SetID:            "5",
		ValueType:        "NM",
		ObservationCode:  "147842",
		ObservationName:  "HR",
		SubID:            "1.0.1.2",
		ObservationValue: "45",
		UnitCode:         "264864",
		UnitName:         "/min",
		LowLim:           "50",
		UpperLim:         "120",
		LimViolation:     "L",
	}, nm[1])

	cwe := CollectByValueType(msg, ValueTypeCoded)
	require.Len(t, cwe, 1)
	assert.Equal(t, "L", cwe[0].LimViolation)

	assert.Empty(t, CollectByValueType(msg, "TX"))
}

func TestExtractor_LastObservationWins(t *testing.T) {
	msg := decodeSample(t)
	e := NewExtractor(zap.NewNop())

	last := e.LastObservation(CollectByValueType(msg, ValueTypeNumeric), "NM")

	require.NotNil(t, last)
	assert.Equal(t, "HR", last.ObservationName)
	assert.Nil(t, e.LastObservation(nil, "NM"))
}

func TestSplitRange(t *testing.T) {
	tests := []struct {
		in, low, high string
	}{
		{"50-120", "50", "120"},
		{"-5-10", "-5", "10"},
		{"-10--2", "-10", "-2"},
		{"90", "90", ""},
		{"", "", ""},
		{"-", "-", ""},
	}
	for _, tt := range tests {
		low, high := splitRange(tt.in)
		assert.Equal(t, tt.low, low, tt.in)
		assert.Equal(t, tt.high, high, tt.in)
	}
}
