package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clubapoints/internal/config"
	"clubapoints/internal/handler"
	"clubapoints/internal/infrastructure/cache"
	"clubapoints/internal/infrastructure/database"
	"clubapoints/internal/infrastructure/mq"
	"clubapoints/internal/infrastructure/stripeapi"
	"clubapoints/internal/job"

	"github.com/go-redis/redis/v8"
)

func main() {
	// 加载配置
	cfg := config.LoadConfig("config/config.yaml")

	// 初始化 MySQL
	db := database.InitMySQL(&cfg.MySQL)

	// 初始化 Redis（未配置则跳过，事件锁退化为直接入账）
	var redisClient *redis.Client
	if cfg.Redis.Host != "" {
		var err error
		redisClient, err = cache.InitRedis(&cfg.Redis)
		if err != nil {
			log.Fatalf("初始化 Redis 失败: %v", err)
		}
		log.Println("Redis 连接成功")
	} else {
		log.Println("Redis 未配置，webhook 事件锁关闭")
	}

	// Stripe 客户端
	stripeClient := stripeapi.NewStripeClient(cfg.Stripe.SecretKey)

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Kafka 与 outbox 发送任务（未配置 broker 则不启用）
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := mq.NewProducer(&cfg.Kafka)
		if err != nil {
			log.Fatalf("初始化 Kafka 失败: %v", err)
		}
		defer producer.Close()

		outboxSender := job.NewOutboxSender(db, cfg, producer)
		go outboxSender.Start(ctx)
	} else {
		log.Println("Kafka 未配置，outbox 发送任务关闭")
	}

	// 对账任务
	reconcileJob := job.NewReconcileJob(db, cfg)
	if err := reconcileJob.Start(); err != nil {
		log.Fatalf("注册对账任务失败: %v", err)
	}
	defer reconcileJob.Stop()

	// 设置路由
	router := handler.SetupRouter(cfg, db, redisClient, stripeClient)

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// 在 goroutine 中启动服务器
	go func() {
		log.Printf("服务启动，监听端口: %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("服务启动失败: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("正在关闭服务...")

	// 取消上下文，停止后台任务
	cancel()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("服务关闭异常: %v", err)
	}

	log.Println("服务已关闭")
}
