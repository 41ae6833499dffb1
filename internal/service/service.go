package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/shamexln/hl7parse/internal/codesystem"
	"github.com/shamexln/hl7parse/internal/config"
	"github.com/shamexln/hl7parse/internal/consumer"
	"github.com/shamexln/hl7parse/internal/evaluator"
	"github.com/shamexln/hl7parse/internal/hl7"
	httpapi "github.com/shamexln/hl7parse/internal/http"
	"github.com/shamexln/hl7parse/internal/metrics"
	"github.com/shamexln/hl7parse/internal/mllp"
	"github.com/shamexln/hl7parse/internal/notifier"
	"github.com/shamexln/hl7parse/internal/repository"
	"github.com/shamexln/hl7parse/internal/transformer"
	"github.com/shamexln/hl7parse/owl-common/database"
	mqttcommon "github.com/shamexln/hl7parse/owl-common/mqtt"
	rediscommon "github.com/shamexln/hl7parse/owl-common/redis"

	"go.uber.org/zap"
)

// Deps 外部连接；由 New 建立或由调用方注入
type Deps struct {
	DB    *sql.DB
	Redis *rediscommon.Client // 为 nil 时不发布到 Redis Stream
	MQTT  notifier.Publisher  // 为 nil 时不发布到 MQTT
}

// HL7Service HL7 告警接入服务
type HL7Service struct {
	config   *config.Config
	logger   *zap.Logger
	deps     Deps
	mqtt     *mqttcommon.Client
	registry *codesystem.Registry
	pipeline *consumer.Pipeline
	tcp      *consumer.Server
	http     *Server
}

// New 建立数据库、Redis、MQTT 连接并组装服务
func New(cfg *config.Config, logger *zap.Logger) (*HL7Service, error) {
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	deps := Deps{DB: db}

	if cfg.Notify.RedisEnabled {
		client := rediscommon.NewRedisClient(&cfg.Redis)
		if err := rediscommon.Ping(context.Background(), client); err != nil {
			// 通知是尽力而为，Redis 恢复后客户端自动重连
			logger.Warn("Redis not reachable at startup", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		deps.Redis = client
	}

	var mqttClient *mqttcommon.Client
	if cfg.Notify.MQTTEnabled {
		mqttClient, err = mqttcommon.NewClient(&cfg.MQTT, logger)
		if err != nil {
			closeDeps(deps, logger)
			return nil, fmt.Errorf("failed to create mqtt notifier: %w", err)
		}
		deps.MQTT = mqttClient
	}

	s, err := NewWithDeps(cfg, deps, logger)
	if err != nil {
		if mqttClient != nil {
			mqttClient.Disconnect()
		}
		closeDeps(deps, logger)
		return nil, err
	}
	s.mqtt = mqttClient
	return s, nil
}

// NewWithDeps 使用已建立的连接组装服务
func NewWithDeps(cfg *config.Config, deps Deps, logger *zap.Logger) (*HL7Service, error) {
	if deps.DB == nil {
		return nil, errors.New("database is required")
	}
	metrics.Register()

	alarms, err := repository.NewAlarmRepository(deps.DB, cfg.HL7.Table, logger)
	if err != nil {
		return nil, err
	}

	registry, err := newRegistry(context.Background(), cfg, deps.DB, logger)
	if err != nil {
		return nil, err
	}

	assembler := transformer.NewAssembler(
		hl7.NewExtractor(logger),
		evaluator.NewEvaluator(registry, "", logger),
		registry,
		"",
		logger,
	)

	var notifiers []notifier.Notifier
	if deps.Redis != nil {
		notifiers = append(notifiers, notifier.NewStreamNotifier(deps.Redis, cfg.Notify.RedisStream, cfg.Notify.StreamMaxLen, logger))
	}
	if deps.MQTT != nil {
		notifiers = append(notifiers, notifier.NewMQTTNotifier(deps.MQTT, cfg.Notify.MQTTTopic, cfg.MQTT.QoS, logger))
	}
	var downstream notifier.Notifier
	if len(notifiers) > 0 {
		downstream = notifier.NewMulti(logger, notifiers...)
	}

	pipeline := consumer.NewPipeline(hl7.NewDecoder(), assembler, alarms, downstream,
		cfg.HL7.MessageType, cfg.HL7.TriggerEvent, logger)

	tcp := consumer.NewServer(
		consumer.ServerConfig{
			Addr:         cfg.TCP.Addr,
			IdleTimeout:  cfg.TCP.IdleTimeout,
			MaxFrameSize: cfg.TCP.MaxFrameBytes,
		},
		pipeline,
		mllp.NewAcknowledger(mllp.AckMode(cfg.TCP.AckMode), cfg.HL7.Application, cfg.HL7.Facility),
		logger,
	)

	router := httpapi.NewRouter(
		httpapi.RouterConfig{AllowedOrigins: cfg.HTTP.CORSOrigins, EnableMetrics: cfg.HTTP.Metrics},
		httpapi.NewCodeSystemHandler(registry, logger),
		httpapi.NewConnectionHandler(tcp),
		logger,
	)

	return &HL7Service{
		config:   cfg,
		logger:   logger,
		deps:     deps,
		registry: registry,
		pipeline: pipeline,
		tcp:      tcp,
		http:     NewServer(cfg.HTTP.Addr, router, logger),
	}, nil
}

// newRegistry 加载默认字典和已持久化的自定义字典
func newRegistry(ctx context.Context, cfg *config.Config, db *sql.DB, logger *zap.Logger) (*codesystem.Registry, error) {
	var stores []codesystem.Store
	if cfg.UsesFileStore() {
		stores = append(stores, codesystem.NewFileStore(filepath.Join(cfg.CodeSystem.Dir, cfg.CodeSystem.CustomFile)))
	}
	if cfg.UsesSQLStore() {
		stores = append(stores, repository.NewCodeSystemTagRepository(db, logger))
	}
	var store codesystem.Store
	if len(stores) == 1 {
		store = stores[0]
	} else {
		store = codesystem.NewMultiStore(stores...)
	}

	registry := codesystem.NewRegistry(codesystem.Options{
		Store:       store,
		Dir:         cfg.CodeSystem.Dir,
		DefaultName: cfg.CodeSystem.DefaultName,
	}, logger)

	if cfg.CodeSystem.DefaultFile != "" {
		path := cfg.CodeSystem.DefaultFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.CodeSystem.Dir, path)
		}
		// 默认字典缺失时仍可接收消息，描述类字段为空
		if err := registry.LoadDefault(path, cfg.CodeSystem.DefaultName); err != nil {
			logger.Error("Failed to load default code system", zap.String("path", path), zap.Error(err))
		}
	}

	// 自定义字典读取失败时只用默认字典继续接收
	n, err := registry.LoadPersisted(ctx)
	if err != nil {
		logger.Error("Failed to load custom code systems, continuing with default", zap.Error(err))
	}
	logger.Info("Code systems ready",
		zap.String("default", registry.DefaultName()),
		zap.Strings("loaded", registry.LoadedNames()),
		zap.Int("custom", n),
		zap.String("store", cfg.CodeSystem.Store),
	)
	return registry, nil
}

// Start 启动 TCP 与 HTTP 服务
func (s *HL7Service) Start(ctx context.Context) error {
	s.logger.Info("Starting HL7 service components")

	if err := s.tcp.Start(ctx); err != nil {
		return fmt.Errorf("failed to start tcp server: %w", err)
	}
	if err := s.http.Start(); err != nil {
		_ = s.tcp.Stop(ctx)
		return fmt.Errorf("failed to start http server: %w", err)
	}

	s.logger.Info("HL7 service started successfully")
	return nil
}

// Stop 停止服务并释放连接
func (s *HL7Service) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HL7 service")

	var errs []error
	if err := s.http.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.tcp.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.mqtt != nil {
		s.mqtt.Disconnect()
	}
	closeDeps(s.deps, s.logger)

	s.logger.Info("HL7 service stopped")
	return errors.Join(errs...)
}

// TCPAddr MLLP 实际监听地址
func (s *HL7Service) TCPAddr() string {
	if a := s.tcp.Addr(); a != nil {
		return a.String()
	}
	return ""
}

// HTTPAddr 管理接口实际监听地址
func (s *HL7Service) HTTPAddr() string {
	if a := s.http.Addr(); a != nil {
		return a.String()
	}
	return ""
}

// Registry 编码字典注册表
func (s *HL7Service) Registry() *codesystem.Registry {
	return s.registry
}

func closeDeps(deps Deps, logger *zap.Logger) {
	if deps.Redis != nil {
		if err := rediscommon.Close(deps.Redis); err != nil {
			logger.Error("Error closing Redis client", zap.Error(err))
		}
	}
	if deps.DB != nil {
		if err := database.Close(deps.DB); err != nil {
			logger.Error("Error closing database connection", zap.Error(err))
		}
	}
}
