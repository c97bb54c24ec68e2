package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"wallet-txengine/internal/chain"
	"wallet-txengine/internal/handler"
	"wallet-txengine/internal/model"
	"wallet-txengine/internal/server"
	"wallet-txengine/internal/service"
	"wallet-txengine/internal/service/controller"
	"wallet-txengine/internal/service/gasfee"
	"wallet-txengine/internal/service/mq"
	"wallet-txengine/internal/service/nonce"
	"wallet-txengine/internal/service/observer"
	"wallet-txengine/internal/service/queue"
	"wallet-txengine/internal/service/relay"
	"wallet-txengine/internal/service/store"
	"wallet-txengine/internal/service/upgrade"
	"wallet-txengine/pkg/cache"
	"wallet-txengine/pkg/config"
	"wallet-txengine/pkg/database"
	"wallet-txengine/pkg/kms"
	"wallet-txengine/pkg/logger"
	"wallet-txengine/pkg/monitor"
	"wallet-txengine/pkg/utils/lock"
	"wallet-txengine/pkg/validator"
)

func main() {
	// 0. 初始化 Config
	config.Init()
	cfg := config.Global

	// 初始化 Validator
	validator.Init()

	// 1. 初始化 Logger
	logger.InitWithOptions(logger.Options{
		Env:        cfg.App.Env,
		Service:    cfg.App.Name,
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer logger.Sync()

	// 业务指标在 router 之前就要使用
	monitor.Init()

	ctx := context.Background()

	// 2. 连接数据库
	db, err := database.Open(cfg.DB, cfg.App.Env != "production")
	if err != nil {
		logger.Fatal("数据库连接失败", zap.Error(err))
	}
	if cfg.DB.Driver == "sqlite" {
		if err := db.AutoMigrate(model.AllModels()...); err != nil {
			logger.Fatal("AutoMigrate 失败", zap.Error(err))
		}
	}

	// 3. 连接 Redis, 地址为空时单机运行
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb, err = database.ConnectRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("Redis 连接失败", zap.Error(err))
		}
	}

	// 4. 缓存. L1: Memory, L2: Redis
	var txCache cache.Cache = cache.NewMemoryCache(time.Minute, 5*time.Minute)
	if rdb != nil {
		txCache = cache.NewMultiLevelCache(txCache, cache.NewRedisCache(rdb, "txengine:"), 30*time.Second)
	}

	// 5. 链客户端
	registry, err := chain.Dial(ctx, cfg.Chains)
	if err != nil {
		logger.Fatal("连接链节点失败", zap.Error(err))
	}

	// 6. 本地签名
	if cfg.Keyring.Password == "" {
		logger.Fatal("启动失败: 未提供 keyring 密码 (环境变量 KEYRING_PASSWORD)")
	}
	keyring, err := kms.LoadLocalKMS(cfg.Keyring.KeystorePath, cfg.Keyring.Password)
	if err != nil {
		logger.Fatal("加载 keyring 失败", zap.Error(err))
	}
	if len(keyring.Accounts()) == 0 {
		logger.Warn("keyring 为空, 请先运行 'txengine-cli keystore import'", zap.String("path", cfg.Keyring.KeystorePath))
	}

	// 7. 核心组件
	txStore := store.NewGormStore(db)
	tracker := nonce.NewTracker(registry, store.NewGormNonceStore(db), monitor.Business)
	estimator := gasfee.NewEstimator(registry, txCache, cfg.Fee)
	upgrades := upgrade.NewManager(registry, store.NewGormConsentStore(db), txCache)

	deps := controller.Deps{
		Store:    txStore,
		Chains:   registry,
		Nonces:   tracker,
		Fees:     estimator,
		Upgrades: upgrades,
		Queue:    queue.New(),
		Keyring:  keyring,
		Metrics:  monitor.Business,
	}
	if cfg.Relay.Enabled {
		logger.Info("启用中继提交", zap.String("provider", cfg.Relay.Provider), zap.String("base_url", cfg.Relay.BaseURL))
		deps.Relay = relay.NewClient(cfg.Relay, txCache)
	}
	ctrl := controller.New(deps, controller.Options{Fee: cfg.Fee, Relay: cfg.Relay, Poll: cfg.Poll})

	// 8. 恢复上次退出时未完成的交易
	bootCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	res, err := ctrl.Boot(bootCtx)
	cancel()
	if err != nil {
		logger.Fatal("恢复交易失败", zap.Error(err))
	}
	logger.Info("交易恢复完成",
		zap.Int("failed", res.Failed),
		zap.Int("promoted", res.Promoted),
		zap.Int("tracked", res.Tracked),
		zap.Int("requeued", res.Requeued),
		zap.Int("relay_armed", res.RelayArmed))

	// 9. 消息队列
	var producer mq.Producer
	switch cfg.Redis.MQType {
	case "kafka":
		logger.Info("使用 Kafka 作为消息队列...")
		kp := mq.NewKafkaProducer(cfg.Kafka.Brokers)
		defer kp.Close()
		producer = kp
	case "redis":
		if rdb == nil {
			logger.Fatal("mq_type=redis 需要配置 redis.addr")
		}
		logger.Info("使用 Redis Streams 作为消息队列...")
		producer = mq.NewRedisProducer(rdb, 100000)
	case "memory":
		// 仅限开发环境, 事件不离开进程
		producer = mq.NewMemoryProducer()
	default:
		logger.Warn("未配置消息队列, 事件只保留在 outbox 表中", zap.String("mq_type", cfg.Redis.MQType))
	}

	// 10. 后台任务
	var workers []server.Worker
	var outbox *service.OutboxRelay
	if producer != nil {
		outbox = service.NewOutboxRelay(db, producer)
		workers = append(workers, server.WorkerFunc{WorkerName: "outbox-relay", Fn: func(ctx context.Context) error {
			outbox.Start(ctx)
			return nil
		}})
	}

	targets := make([]observer.Target, 0, len(cfg.Chains))
	for _, ch := range cfg.Chains {
		targets = append(targets, observer.Target{ChainID: ch.ChainID, Interval: ch.PollInterval})
	}
	watcher := observer.NewHeadWatcher(ctrl, targets, cfg.Poll.Workers)
	workers = append(workers, server.WorkerFunc{WorkerName: "head-watcher", Fn: func(ctx context.Context) error {
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return watcher.Stop()
	}})

	var locker lock.DistributedLock = lock.NewLocalLock()
	if rdb != nil {
		locker = lock.NewRedisLock(rdb)
	}
	housekeeping := service.HousekeepingDeps{
		Nonces:   tracker,
		Store:    txStore,
		ChainIDs: registry.ChainIDs,
		Locker:   locker,
		Metrics:  monitor.Business,
	}
	if outbox != nil {
		housekeeping.Outbox = outbox
	}
	cronService := service.NewCronService(housekeeping, cfg.Poll.HousekeepingSpec, cfg.Poll.LockTTL)
	workers = append(workers, server.WorkerFunc{WorkerName: "housekeeping", Fn: func(ctx context.Context) error {
		if err := cronService.Start(); err != nil {
			return err
		}
		<-ctx.Done()
		cronService.Stop()
		return nil
	}})

	// 11. HTTP Router
	r := server.NewHTTPRouter(server.Handlers{
		Tx:      handler.NewTxHandler(ctrl),
		Queue:   handler.NewQueueHandler(ctrl),
		Account: handler.NewAccountHandler(ctrl),
		Chain:   handler.NewChainHandler(estimator, registry, ctrl),
	})

	// 12. 运行 (阻塞)
	app := server.New(server.Config{HttpPort: cfg.App.HttpPort, ShutdownTimeout: 10 * time.Second}, r, workers...)
	app.Run()

	// 13. 退出后资源清理
	logger.Info("正在关闭连接...")
	registry.Close()
	database.Close(db)
	if rdb != nil {
		rdb.Close()
	}
	logger.Info("系统已退出")
}
