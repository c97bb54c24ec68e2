package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"wallet-txengine/internal/event"
	"wallet-txengine/internal/service/mq"
	"wallet-txengine/pkg/cache"
	"wallet-txengine/pkg/config"
	"wallet-txengine/pkg/database"
	"wallet-txengine/pkg/logger"
)

// 独立运行的事件消费者, 订阅交易状态变化
func main() {
	// 1. 初始化配置与日志
	config.Init()
	cfg := config.Global
	logger.InitWithOptions(logger.Options{
		Env:     cfg.App.Env,
		Service: "tx-event-worker",
		Level:   cfg.Log.Level,
	})
	defer logger.Sync()

	logger.Info("启动交易事件消费者...", zap.String("env", cfg.App.Env))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. 去重缓存, 有 Redis 时多实例共享
	var rdb *redis.Client
	var seen cache.Cache = cache.NewMemoryCache(dedupeTTL, 10*time.Minute)
	if cfg.Redis.Addr != "" {
		var err error
		rdb, err = database.ConnectRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("Redis 连接失败", zap.Error(err))
		}
		defer rdb.Close()
		seen = cache.NewMultiLevelCache(seen, cache.NewRedisCache(rdb, "txengine:"), time.Minute)
	}

	// 3. 初始化 MQ Consumer
	var consumer mq.Consumer
	switch cfg.Redis.MQType {
	case "kafka":
		logger.Info("MQ Mode: Kafka Consumer", zap.Strings("brokers", cfg.Kafka.Brokers))
		consumer = mq.NewKafkaConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID)
	case "redis":
		if rdb == nil {
			logger.Fatal("mq_type=redis 需要配置 redis.addr")
		}
		host, _ := os.Hostname()
		logger.Info("MQ Mode: Redis Consumer")
		consumer = mq.NewRedisConsumer(rdb, cfg.Kafka.GroupID, "worker-"+host)
	default:
		logger.Fatal("未配置消息队列", zap.String("mq_type", cfg.Redis.MQType))
	}

	h := NewTxEventHandler(seen)

	// 4. 订阅
	go func() {
		logger.Info("开始监听交易事件", zap.String("topic", event.TopicTxStatus))
		if err := consumer.Subscribe(ctx, event.TopicTxStatus, h.Handle); err != nil && ctx.Err() == nil {
			logger.Fatal("订阅失败", zap.Error(err))
		}
	}()

	// 5. 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("正在停止事件消费者...")
	cancel()
	_ = consumer.Close()
	logger.Info("事件消费者已停止")
}
