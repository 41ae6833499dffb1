package mllp

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMsg = "MSH|^~\\&|DEV|ICU|||20240115093000||ORU^R40|1|P|2.6\rPV1||I|ICU^^BED1\r"

func feedAll(t *testing.T, r *Reassembler, chunks ...[]byte) [][]byte {
	t.Helper()
	var out [][]byte
	for _, c := range chunks {
		got, err := r.Feed(c)
		require.NoError(t, err)
		out = append(out, got...)
	}
	return out
}

// ============================================
// 帧重组
// ============================================

func TestReassembler_SingleFrame(t *testing.T) {
	r := NewReassembler(0, nil)

	got := feedAll(t, r, Wrap([]byte(sampleMsg)))

	require.Len(t, got, 1)
	assert.Equal(t, sampleMsg, string(got[0]))
	assert.Equal(t, 0, r.Buffered())
}

func TestReassembler_EverySplitPointMatchesWholeFeed(t *testing.T) {
	framed := Wrap([]byte(sampleMsg))

	for i := 0; i <= len(framed); i++ {
		r := NewReassembler(0, nil)
		got := feedAll(t, r, framed[:i], framed[i:])
		require.Len(t, got, 1, "split at %d", i)
		assert.Equal(t, sampleMsg, string(got[0]), "split at %d", i)
	}
}

func TestReassembler_ByteByByte(t *testing.T) {
	framed := append(Wrap([]byte("A|1")), Wrap([]byte("B|2"))...)
	r := NewReassembler(0, nil)

	var chunks [][]byte
	for i := range framed {
		chunks = append(chunks, framed[i:i+1])
	}
	got := feedAll(t, r, chunks...)

	require.Len(t, got, 2)
	assert.Equal(t, "A|1", string(got[0]))
	assert.Equal(t, "B|2", string(got[1]))
}

func TestReassembler_BackToBackFramesAnySplit(t *testing.T) {
	framed := append(Wrap([]byte("first")), Wrap([]byte("second"))...)

	for i := 0; i <= len(framed); i++ {
		for j := i; j <= len(framed); j++ {
			r := NewReassembler(0, nil)
			got := feedAll(t, r, framed[:i], framed[i:j], framed[j:])
			require.Len(t, got, 2, "split at %d/%d", i, j)
			assert.Equal(t, "first", string(got[0]))
			assert.Equal(t, "second", string(got[1]))
		}
	}
}

func TestReassembler_IncompleteFrameRetained(t *testing.T) {
	r := NewReassembler(0, nil)

	got := feedAll(t, r, []byte{StartBlock}, []byte("MSH|partial"))

	assert.Empty(t, got)
	assert.Equal(t, len("MSH|partial")+1, r.Buffered())

	got = feedAll(t, r, []byte{EndBlock, CarriageReturn})
	require.Len(t, got, 1)
	assert.Equal(t, "MSH|partial", string(got[0]))
}

func TestReassembler_LoneEndBlockIsNotTerminator(t *testing.T) {
	r := NewReassembler(0, nil)

	got := feedAll(t, r, []byte{StartBlock, 'a', EndBlock, 'b', EndBlock, CarriageReturn})

	require.Len(t, got, 1)
	assert.Equal(t, []byte{'a', EndBlock, 'b'}, got[0])
}

func TestReassembler_NoStartMarkerDiscarded(t *testing.T) {
	discarded := 0
	r := NewReassembler(0, func(n int) { discarded += n })

	got := feedAll(t, r, []byte("garbage without marker"))

	assert.Empty(t, got)
	assert.Equal(t, len("garbage without marker"), discarded)
	assert.Equal(t, 0, r.Buffered())

	// 丢弃后可以继续接收正常帧
	got = feedAll(t, r, Wrap([]byte("next")))
	require.Len(t, got, 1)
	assert.Equal(t, "next", string(got[0]))
}

func TestReassembler_PrefixBeforeStartMarkerDropped(t *testing.T) {
	var discards []int
	r := NewReassembler(0, func(n int) { discards = append(discards, n) })

	got := feedAll(t, r, append([]byte("\r\n"), Wrap([]byte("msg"))...))

	require.Len(t, got, 1)
	assert.Equal(t, "msg", string(got[0]))
	assert.Equal(t, []int{2}, discards)

	// 半帧之前的前缀同样上报
	got = feedAll(t, r, []byte{'x', 'y', 'z', StartBlock, 'p'})
	assert.Empty(t, got)
	assert.Equal(t, []int{2, 3}, discards)
	assert.Equal(t, 2, r.Buffered())

	got = feedAll(t, r, []byte{EndBlock, CarriageReturn})
	require.Len(t, got, 1)
	assert.Equal(t, "p", string(got[0]))
	assert.Equal(t, []int{2, 3}, discards)
}

func TestReassembler_EmptyPayload(t *testing.T) {
	r := NewReassembler(0, nil)

	got := feedAll(t, r, Wrap(nil))

	require.Len(t, got, 1)
	assert.Empty(t, got[0])
}

func TestReassembler_FrameTooLarge(t *testing.T) {
	r := NewReassembler(16, nil)

	got, err := r.Feed(append(Wrap([]byte("ok")), append([]byte{StartBlock}, strings.Repeat("x", 32)...)...))

	assert.ErrorIs(t, err, ErrFrameTooLarge)
	require.Len(t, got, 1)
	assert.Equal(t, "ok", string(got[0]))
	assert.Equal(t, 0, r.Buffered())
}

func TestReassembler_PayloadIsCopied(t *testing.T) {
	r := NewReassembler(0, nil)
	input := Wrap([]byte("abc"))

	got := feedAll(t, r, input)
	input[1] = 'z'

	assert.Equal(t, "abc", string(got[0]))
}

// ============================================
// 应答
// ============================================

func TestAcknowledger_SimpleMode(t *testing.T) {
	a := NewAcknowledger(AckModeSimple, "HL7", "WISEFIDO")

	assert.Equal(t, Wrap([]byte("ok")), a.Accept(AckHeader{}))
	assert.Equal(t, Wrap([]byte("AE|Error processing message")), a.Reject(AckHeader{}, "boom"))
}

func TestAcknowledger_UnknownModeFallsBackToSimple(t *testing.T) {
	a := NewAcknowledger("xml", "HL7", "WISEFIDO")

	assert.Equal(t, AckModeSimple, a.Mode())
}

func TestAcknowledger_HL7Mode(t *testing.T) {
	a := NewAcknowledger(AckModeHL7, "HL7", "WISEFIDO")
	a.now = func() time.Time { return time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC) }
	h := AckHeader{
		SendingApplication: "MON",
		SendingFacility:    "ICU",
		ControlID:          "42",
		TriggerEvent:       "R40",
		Version:            "2.6",
	}

	ack := string(a.Accept(h))
	assert.Equal(t,
		"\x0bMSH|^~\\&|HL7|WISEFIDO|MON|ICU|20240115093000||ACK^R40^ACK|42|P|2.6\rMSA|AA|42\r\x1c\x0d",
		ack)

	nack := string(a.Reject(h, "db|down"))
	assert.Contains(t, nack, "MSA|AE|42|db down\r")
}
