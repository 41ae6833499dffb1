package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shamexln/hl7parse/internal/config"
	"github.com/shamexln/hl7parse/internal/service"
	"github.com/shamexln/hl7parse/owl-common/logger"

	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化Logger
	zlog, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "wisefido-hl7")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zlog.Sync()

	zlog.Info("Starting wisefido-hl7 service",
		zap.String("tcp_addr", cfg.TCP.Addr),
		zap.String("http_addr", cfg.HTTP.Addr),
		zap.String("ack_mode", cfg.TCP.AckMode),
		zap.String("table", cfg.HL7.Table),
		zap.String("codesystem_store", cfg.CodeSystem.Store),
	)

	// 创建服务
	hl7Service, err := service.New(cfg, zlog)
	if err != nil {
		zlog.Fatal("Failed to create hl7 service", zap.Error(err))
	}

	// 启动服务
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := hl7Service.Start(ctx); err != nil {
		zlog.Fatal("Failed to start hl7 service", zap.Error(err))
	}

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	zlog.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	// 优雅关闭
	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := hl7Service.Stop(stopCtx); err != nil {
		zlog.Error("Error during shutdown", zap.Error(err))
	}
	cancel()

	zlog.Info("Service stopped")
}
