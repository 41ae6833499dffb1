package consumer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shamexln/hl7parse/internal/metrics"
	"github.com/shamexln/hl7parse/internal/mllp"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	readBufferSize = 32 * 1024
	writeTimeout   = 10 * time.Second
)

// Processor 单帧处理
type Processor interface {
	Process(ctx context.Context, payload []byte) (Result, error)
}

// ServerConfig TCP 监听配置
type ServerConfig struct {
	Addr         string
	IdleTimeout  time.Duration // 0 表示不超时
	MaxFrameSize int
}

// ClientInfo 单个连接的统计
type ClientInfo struct {
	ClientID     string    `json:"clientId"`
	RemoteAddr   string    `json:"remoteAddress"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	Messages     int64     `json:"messageCount"`
	Errors       int64     `json:"errorCount"`
}

// Stats 服务统计
type Stats struct {
	ActiveConnections int          `json:"activeConnections"`
	TotalConnections  int64        `json:"totalConnections"`
	Messages          int64        `json:"totalMessages"`
	Errors            int64        `json:"totalErrors"`
	StartedAt         time.Time    `json:"startedAt"`
	Clients           []ClientInfo `json:"clients"`
}

type client struct {
	id          string
	conn        net.Conn
	remote      string
	connectedAt time.Time

	lastActivity atomic.Int64 // unix nano
	messages     atomic.Int64
	errors       atomic.Int64
}

func (c *client) info() ClientInfo {
	return ClientInfo{
		ClientID:     c.id,
		RemoteAddr:   c.remote,
		ConnectedAt:  c.connectedAt,
		LastActivity: time.Unix(0, c.lastActivity.Load()).UTC(),
		Messages:     c.messages.Load(),
		Errors:       c.errors.Load(),
	}
}

// Server MLLP TCP 服务
// 每个连接一个 goroutine 和独立的重组缓冲；同一连接内的帧按到达顺序处理并应答。
type Server struct {
	cfg       ServerConfig
	processor Processor
	ack       *mllp.Acknowledger
	logger    *zap.Logger

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	closing  atomic.Bool

	mu      sync.Mutex
	clients map[string]*client

	startedAt        time.Time
	totalConnections atomic.Int64
	messages         atomic.Int64
	errors           atomic.Int64
}

// NewServer 创建 TCP 服务
func NewServer(cfg ServerConfig, processor Processor, ack *mllp.Acknowledger, logger *zap.Logger) *Server {
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = mllp.DefaultMaxFrameSize
	}
	return &Server{
		cfg:       cfg,
		processor: processor,
		ack:       ack,
		logger:    logger,
		clients:   make(map[string]*client),
	}
}

// Start 开始监听并在后台接受连接
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.startedAt = time.Now().UTC()

	s.logger.Info("HL7 TCP server listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("ack_mode", string(s.ack.Mode())),
		zap.Duration("idle_timeout", s.cfg.IdleTimeout),
		zap.Int("max_frame_size", s.cfg.MaxFrameSize),
	)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr 实际监听地址
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop 关闭监听和所有连接，等待处理 goroutine 退出
func (s *Server) Stop(ctx context.Context) error {
	if s.listener == nil || !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	s.listener.Close()

	s.mu.Lock()
	for _, c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		s.logger.Info("HL7 TCP server stopped")
		return nil
	case <-ctx.Done():
		s.cancel()
		return fmt.Errorf("failed to stop HL7 TCP server: %w", ctx.Err())
	}
}

// Stats 当前统计
func (s *Server) Stats() Stats {
	s.mu.Lock()
	clients := make([]ClientInfo, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c.info())
	}
	s.mu.Unlock()

	sort.Slice(clients, func(i, j int) bool {
		return clients[i].ConnectedAt.Before(clients[j].ConnectedAt)
	})

	return Stats{
		ActiveConnections: len(clients),
		TotalConnections:  s.totalConnections.Load(),
		Messages:          s.messages.Load(),
		Errors:            s.errors.Load(),
		StartedAt:         s.startedAt,
		Clients:           clients,
	}
}

// ClientInfo 按 ID 查询连接
func (s *Server) ClientInfo(id string) (ClientInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return ClientInfo{}, false
	}
	return c.info(), true
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closing.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.logger.Error("Failed to accept connection", zap.Error(err))
			time.Sleep(100 * time.Millisecond)
			continue
		}

		c := &client{
			id:          uuid.New().String(),
			conn:        conn,
			remote:      conn.RemoteAddr().String(),
			connectedAt: time.Now().UTC(),
		}
		c.lastActivity.Store(c.connectedAt.UnixNano())

		s.mu.Lock()
		if s.closing.Load() {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.clients[c.id] = c
		s.wg.Add(1)
		s.mu.Unlock()

		s.totalConnections.Add(1)
		metrics.ConnectionOpened()
		go s.handle(c)
	}
}

func (s *Server) handle(c *client) {
	defer s.wg.Done()
	defer func() {
		c.conn.Close()
		s.mu.Lock()
		delete(s.clients, c.id)
		s.mu.Unlock()
		metrics.ConnectionClosed()
	}()

	logger := s.logger.With(
		zap.String("client_id", c.id),
		zap.String("remote_addr", c.remote),
	)
	logger.Info("Client connected")

	reassembler := mllp.NewReassembler(s.cfg.MaxFrameSize, func(n int) {
		logger.Warn("Discarding bytes without start block", zap.Int("bytes", n))
	})

	buf := make([]byte, readBufferSize)
	for {
		if s.cfg.IdleTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.lastActivity.Store(time.Now().UnixNano())
			payloads, ferr := reassembler.Feed(buf[:n])
			for _, payload := range payloads {
				if !s.processFrame(c, logger, payload) {
					return
				}
			}
			if ferr != nil {
				logger.Warn("Unterminated frame exceeds limit, closing connection",
					zap.Int("max_frame_size", s.cfg.MaxFrameSize),
					zap.Error(ferr),
				)
				return
			}
		}
		if err != nil {
			s.logDisconnect(logger, err)
			return
		}
	}
}

// processFrame 处理一帧并写回应答；写失败时返回 false
func (s *Server) processFrame(c *client, logger *zap.Logger, payload []byte) bool {
	start := time.Now()
	metrics.RecordFrame()
	c.messages.Add(1)
	s.messages.Add(1)

	res, err := s.processor.Process(s.ctx, payload)
	var reply []byte
	if err != nil {
		c.errors.Add(1)
		s.errors.Add(1)
		res.Outcome = metrics.OutcomeFailed
		logger.Error("Failed to process message", zap.String("control_id", res.Header.ControlID), zap.Error(err))
		reply = s.ack.Reject(res.Header, err.Error())
	} else {
		if res.SkipReason != "" {
			logger.Warn("Message acknowledged without record", zap.String("reason", string(res.SkipReason)))
		}
		reply = s.ack.Accept(res.Header)
	}
	metrics.RecordMessage(res.Outcome, time.Since(start))

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.conn.Write(reply); err != nil {
		logger.Warn("Failed to write acknowledgment", zap.Error(err))
		return false
	}
	return true
}

func (s *Server) logDisconnect(logger *zap.Logger, err error) {
	var ne net.Error
	switch {
	case errors.Is(err, io.EOF):
		logger.Info("Client disconnected")
	case s.closing.Load() || errors.Is(err, net.ErrClosed):
		logger.Info("Connection closed by server")
	case errors.As(err, &ne) && ne.Timeout():
		logger.Info("Closing idle connection", zap.Duration("idle_timeout", s.cfg.IdleTimeout))
	default:
		logger.Warn("Connection read error", zap.Error(err))
	}
}
