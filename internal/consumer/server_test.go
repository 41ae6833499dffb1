package consumer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/shamexln/hl7parse/internal/metrics"
	"github.com/shamexln/hl7parse/internal/mllp"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingProcessor struct {
	mu       sync.Mutex
	payloads []string
	delay    time.Duration
}

func (p *recordingProcessor) Process(_ context.Context, payload []byte) (Result, error) {
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	p.mu.Lock()
	p.payloads = append(p.payloads, string(payload))
	p.mu.Unlock()
	if string(payload) == "FAIL" {
		return Result{Header: mllp.AckHeader{ControlID: "F1"}}, errors.New("db down")
	}
	return Result{Outcome: metrics.OutcomeStored, Header: mllp.AckHeader{ControlID: string(payload)}}, nil
}

func (p *recordingProcessor) seen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.payloads...)
}

func startTestServer(t *testing.T, cfg ServerConfig, proc Processor, mode mllp.AckMode) *Server {
	t.Helper()
	cfg.Addr = "127.0.0.1:0"
	s := NewServer(cfg, proc, mllp.NewAcknowledger(mode, "HL7", "WISEFIDO"), zap.NewNop())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func dial(t *testing.T, s *Server) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", s.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readAck 读取一个完整的应答帧并返回负载
func readAck(t *testing.T, r *bufio.Reader, conn net.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	b, err := r.ReadBytes(mllp.CarriageReturn)
	require.NoError(t, err)
	for !bytes.HasSuffix(b, []byte{mllp.EndBlock, mllp.CarriageReturn}) {
		more, err := r.ReadBytes(mllp.CarriageReturn)
		require.NoError(t, err)
		b = append(b, more...)
	}
	require.Equal(t, byte(mllp.StartBlock), b[0])
	return string(b[1 : len(b)-2])
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 10*time.Millisecond)
}

// ============================================
// 应答
// ============================================

func TestServer_SimpleAckInOrder(t *testing.T) {
	proc := &recordingProcessor{delay: 5 * time.Millisecond}
	s := startTestServer(t, ServerConfig{}, proc, mllp.AckModeSimple)
	conn := dial(t, s)
	r := bufio.NewReader(conn)

	var stream []byte
	for _, p := range []string{"one", "FAIL", "three"} {
		stream = append(stream, mllp.Wrap([]byte(p))...)
	}
	_, err := conn.Write(stream)
	require.NoError(t, err)

	assert.Equal(t, mllp.SimpleAckOK, readAck(t, r, conn))
	assert.Equal(t, mllp.SimpleAckError, readAck(t, r, conn))
	assert.Equal(t, mllp.SimpleAckOK, readAck(t, r, conn))
	assert.Equal(t, []string{"one", "FAIL", "three"}, proc.seen())
}

func TestServer_SplitFrameAcrossWrites(t *testing.T) {
	proc := &recordingProcessor{}
	s := startTestServer(t, ServerConfig{}, proc, mllp.AckModeSimple)
	conn := dial(t, s)
	r := bufio.NewReader(conn)

	frame := mllp.Wrap([]byte("MSH|^~\\&|split"))
	for _, chunk := range [][]byte{frame[:3], frame[3:9], frame[9:]} {
		_, err := conn.Write(chunk)
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
	}

	assert.Equal(t, mllp.SimpleAckOK, readAck(t, r, conn))
	assert.Equal(t, []string{"MSH|^~\\&|split"}, proc.seen())
}

func TestServer_HL7AckMode(t *testing.T) {
	proc := &recordingProcessor{}
	s := startTestServer(t, ServerConfig{}, proc, mllp.AckModeHL7)
	conn := dial(t, s)
	r := bufio.NewReader(conn)

	_, err := conn.Write(append(mllp.Wrap([]byte("CTRL7")), mllp.Wrap([]byte("FAIL"))...))
	require.NoError(t, err)

	ok := readAck(t, r, conn)
	assert.Contains(t, ok, "MSA|AA|CTRL7\r")
	fail := readAck(t, r, conn)
	assert.Contains(t, fail, "MSA|AE|F1|db down\r")
}

func TestServer_GarbageWithoutStartBlockIsDropped(t *testing.T) {
	proc := &recordingProcessor{}
	s := startTestServer(t, ServerConfig{}, proc, mllp.AckModeSimple)
	conn := dial(t, s)
	r := bufio.NewReader(conn)

	_, err := conn.Write([]byte("noise without markers"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = conn.Write(mllp.Wrap([]byte("after")))
	require.NoError(t, err)

	assert.Equal(t, mllp.SimpleAckOK, readAck(t, r, conn))
	assert.Equal(t, []string{"after"}, proc.seen())
}

// ============================================
// 资源上限
// ============================================

func TestServer_OversizedFrameClosesConnection(t *testing.T) {
	proc := &recordingProcessor{}
	s := startTestServer(t, ServerConfig{MaxFrameSize: 64}, proc, mllp.AckModeSimple)
	conn := dial(t, s)

	_, err := conn.Write(append([]byte{mllp.StartBlock}, bytes.Repeat([]byte("x"), 200)...))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = conn.Read(make([]byte, 16))
	assert.Error(t, err)
	assert.Empty(t, proc.seen())
}

func TestServer_IdleTimeout(t *testing.T) {
	s := startTestServer(t, ServerConfig{IdleTimeout: 50 * time.Millisecond}, &recordingProcessor{}, mllp.AckModeSimple)
	conn := dial(t, s)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err := conn.Read(make([]byte, 16))
	assert.ErrorIs(t, err, io.EOF)
	waitFor(t, func() bool { return s.Stats().ActiveConnections == 0 })
}

// ============================================
// 统计与关闭
// ============================================

func TestServer_StatsAndClientInfo(t *testing.T) {
	proc := &recordingProcessor{}
	s := startTestServer(t, ServerConfig{}, proc, mllp.AckModeSimple)
	conn := dial(t, s)
	r := bufio.NewReader(conn)

	_, err := conn.Write(append(mllp.Wrap([]byte("a")), mllp.Wrap([]byte("FAIL"))...))
	require.NoError(t, err)
	readAck(t, r, conn)
	readAck(t, r, conn)

	stats := s.Stats()
	require.Equal(t, 1, stats.ActiveConnections)
	assert.Equal(t, int64(1), stats.TotalConnections)
	assert.Equal(t, int64(2), stats.Messages)
	assert.Equal(t, int64(1), stats.Errors)
	assert.False(t, stats.StartedAt.IsZero())

	require.Len(t, stats.Clients, 1)
	info, ok := s.ClientInfo(stats.Clients[0].ClientID)
	require.True(t, ok)
	assert.Equal(t, conn.LocalAddr().String(), info.RemoteAddr)
	assert.Equal(t, int64(2), info.Messages)
	assert.Equal(t, int64(1), info.Errors)

	_, ok = s.ClientInfo("missing")
	assert.False(t, ok)

	conn.Close()
	waitFor(t, func() bool { return s.Stats().ActiveConnections == 0 })
	assert.Equal(t, int64(1), s.Stats().TotalConnections)
}

func TestServer_StopClosesConnections(t *testing.T) {
	s := startTestServer(t, ServerConfig{}, &recordingProcessor{}, mllp.AckModeSimple)
	conn := dial(t, s)
	waitFor(t, func() bool { return s.Stats().ActiveConnections == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err := conn.Read(make([]byte, 16))
	assert.Error(t, err)

	_, err = net.DialTimeout("tcp", s.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err)

	// 重复调用无副作用
	assert.NoError(t, s.Stop(ctx))
}

func TestServer_ConnectionsAreIndependent(t *testing.T) {
	proc := &recordingProcessor{}
	s := startTestServer(t, ServerConfig{}, proc, mllp.AckModeSimple)
	a, b := dial(t, s), dial(t, s)
	ra, rb := bufio.NewReader(a), bufio.NewReader(b)

	// a 的半帧不影响 b
	_, err := a.Write([]byte{mllp.StartBlock, 'h', 'a', 'l', 'f'})
	require.NoError(t, err)
	_, err = b.Write(mllp.Wrap([]byte("b1")))
	require.NoError(t, err)
	assert.Equal(t, mllp.SimpleAckOK, readAck(t, rb, b))

	_, err = a.Write([]byte{mllp.EndBlock, mllp.CarriageReturn})
	require.NoError(t, err)
	assert.Equal(t, mllp.SimpleAckOK, readAck(t, ra, a))

	assert.ElementsMatch(t, []string{"b1", "half"}, proc.seen())
}
