// memoryd 记忆子系统守护进程
// 加载配置, 启动记忆管理器与周期维护任务, 可选暴露 Prometheus 指标
package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"agentmemory/internal/config"
	"agentmemory/internal/logger"
	"agentmemory/internal/memory"
)

func main() {
	// .env 不存在时忽略, 环境变量可以来自部署平台
	_ = godotenv.Load()

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "dev"
	}

	cfg, err := config.Load(env, os.Getenv("APP_CONFIG_PATH"))
	if err != nil {
		panic("加载配置失败: " + err.Error())
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath); err != nil {
		panic("初始化日志失败: " + err.Error())
	}
	defer logger.Sync()

	manager, err := memory.NewMemoryManager(&cfg.Memory, &cfg.Redis)
	if err != nil {
		logger.Fatal("启动记忆管理器失败", zap.Error(err))
	}

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Addr)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go maintenanceLoop(manager, cfg.Memory.MaintenanceIntervalDuration(), stop, done)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("收到退出信号", zap.String("signal", sig.String()))

	close(stop)
	<-done

	if err := manager.Shutdown(); err != nil {
		logger.Error("关闭记忆管理器失败", zap.Error(err))
	}
	logger.Info("进程退出")
}

// maintenanceLoop 周期执行记忆维护
func maintenanceLoop(manager *memory.MemoryManager, interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("维护任务已启动", zap.Duration("interval", interval))
	for {
		select {
		case <-ticker.C:
			manager.RunMaintenance()
		case <-stop:
			return
		}
	}
}

// serveMetrics 暴露 Prometheus 指标端点
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	logger.Info("指标端点已启动", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("指标端点退出", zap.Error(err))
	}
}
