package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"AgentPay-Chain/internal/api"
	"AgentPay-Chain/internal/chain"
	"AgentPay-Chain/internal/config"
	"AgentPay-Chain/internal/credential"
	"AgentPay-Chain/internal/custody"
	"AgentPay-Chain/internal/issuance"
	"AgentPay-Chain/internal/journal"
	"AgentPay-Chain/internal/market"
	"AgentPay-Chain/internal/recovery"
	"AgentPay-Chain/pkg/logger"
)

// main 是 AgentPay 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("agentpayd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTPAY_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agentpay.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditEnabled,
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	// 钱包缺失不是启动错误，创建端点随时可以补上。
	var wallet custody.Signer
	if loaded, err := custody.Load(cfg.Wallet.Path); err == nil {
		wallet = loaded
		logger.L().Info("钱包已加载", "address", loaded.Address())
	} else {
		logger.L().Warn("钱包未加载", "path", cfg.Wallet.Path, "error", err)
	}

	store := credential.NewStore(cfg.Credential.StorePath)
	resolver := credential.NewResolver(store, cfg.Credential.EnvVar)

	defs, err := chain.LoadClusterDefinitions(cfg.RPC.DefinitionsFile)
	if err != nil {
		return err
	}
	endpoint := cfg.RPC.Endpoint
	if endpoint == "" {
		endpoint = defs.ResolveEndpoint(cfg.RPC.Cluster)
	}
	chainClient := chain.NewClient(chain.Config{
		Endpoint:       endpoint,
		Timeout:        time.Duration(cfg.RPC.TimeoutSeconds) * time.Second,
		ConfirmTimeout: time.Duration(cfg.RPC.ConfirmTimeoutSeconds) * time.Second,
		PollInterval:   time.Duration(cfg.RPC.ConfirmPollMillis) * time.Millisecond,
		SkipPreflight:  cfg.RPC.SkipPreflightBroadcast,
	})

	var jnl journal.Journal
	switch cfg.Journal.Driver {
	case "", "memory":
		jnl, err = journal.NewMemoryJournal(filepath.Join(cfg.Runtime.DataDir, "journal.jsonl"))
		if err != nil {
			return err
		}
	case "mysql":
		jnl, err = journal.NewMySQLJournal(journal.MySQLConfig{
			DSN:             cfg.Journal.DSN,
			MaxOpenConns:    cfg.Journal.MaxOpenConns,
			MaxIdleConns:    cfg.Journal.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Journal.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Journal.ConnMaxIdleTimeSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("未知的日志驱动: %s", cfg.Journal.Driver)
	}
	defer func() {
		_ = jnl.Close()
	}()

	issuerClient, err := issuance.NewClient(issuance.Config{
		BaseURL: cfg.Issuer.BaseURL,
		Timeout: time.Duration(cfg.Issuer.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return err
	}
	protocol := issuance.NewProtocol(issuerClient, chainClient, jnl, resolver)

	marketClient, err := market.NewClient(market.Config{
		BaseURL: cfg.Market.BaseURL,
		Timeout: time.Duration(cfg.Market.TimeoutSeconds) * time.Second,
	}, resolver)
	if err != nil {
		return err
	}

	var queue recovery.Queue
	switch cfg.Recovery.Driver {
	case "", "memory":
		queue = recovery.NewMemoryQueue(1024)
	case "redis":
		queue, err = recovery.NewRedisQueue(recovery.RedisQueueConfig{
			Address:   cfg.Recovery.Redis.Address,
			Password:  cfg.Recovery.Redis.Password,
			DB:        cfg.Recovery.Redis.DB,
			Queue:     cfg.Recovery.Redis.Queue,
			BlockWait: time.Duration(cfg.Recovery.Redis.BlockWait) * time.Second,
		})
		if err != nil {
			return err
		}
	case "rabbitmq":
		queue, err = recovery.NewRabbitMQQueue(recovery.RabbitMQConfig{
			URL:        cfg.Recovery.RabbitMQ.URL,
			Queue:      cfg.Recovery.RabbitMQ.Queue,
			Prefetch:   cfg.Recovery.RabbitMQ.Prefetch,
			Durable:    cfg.Recovery.RabbitMQ.Durable,
			AutoDelete: cfg.Recovery.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("未知的恢复队列驱动: %s", cfg.Recovery.Driver)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.L().Warn("关闭恢复队列失败", "error", err)
		}
	}()

	worker := recovery.NewWorker(jnl, protocol, queue, cfg.Recovery.Workers)

	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()
	go func() {
		if err := worker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("恢复队列异常退出", "error", err)
		}
	}()

	server := api.NewServer(api.Options{
		Addr:       cfg.Server.Address,
		Resolver:   resolver,
		Protocol:   protocol,
		Chain:      chainClient,
		Market:     marketClient,
		Wallet:     wallet,
		WalletPath: cfg.Wallet.Path,
		Keygen: custody.KeygenConfig{
			Command: cfg.Wallet.KeygenCommand,
			Args:    cfg.Wallet.KeygenArgs,
		},
		EnqueueClaim: worker.Enqueue,
	})

	logger.L().Info("agentpayd 启动", "address", cfg.Server.Address, "rpc", endpoint)
	return server.Start(ctx)
}
