package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"safenest-geofence/internal/common/logger"
	"safenest-geofence/internal/config"
	"safenest-geofence/internal/service"

	"go.uber.org/zap"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "safenest-geofence")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	// 3. 创建服务
	geofenceService, err := service.NewGeofenceService(cfg, log)
	if err != nil {
		log.Fatal("Failed to create geofence service",
			zap.Error(err),
		)
	}

	// 4. 创建上下文（支持优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 5. 启动服务
	if err := geofenceService.Start(ctx); err != nil {
		log.Fatal("Failed to start geofence service",
			zap.Error(err),
		)
	}

	// 6. 等待信号（优雅关闭）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info("Received signal, shutting down",
		zap.String("signal", sig.String()),
	)

	// 先排空在途事件再取消上下文（defer cancel）
	if err := geofenceService.Stop(); err != nil {
		log.Error("Failed to stop geofence service",
			zap.Error(err),
		)
	}
}
