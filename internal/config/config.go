package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 agentpayd 在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig     `json:"server"`
	Wallet     WalletConfig     `json:"wallet"`
	Credential CredentialConfig `json:"credential"`
	Issuer     IssuerConfig     `json:"issuer"`
	Market     MarketConfig     `json:"market"`
	RPC        RPCConfig        `json:"rpc"`
	Journal    JournalConfig    `json:"journal"`
	Recovery   RecoveryConfig   `json:"recovery"`
	Logging    LoggingConfig    `json:"logging"`
	Runtime    RuntimeConfig    `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// WalletConfig 描述本地签名钱包文件与外部密钥生成工具。
type WalletConfig struct {
	Path          string   `json:"path"`
	KeygenCommand string   `json:"keygen_command"`
	KeygenArgs    []string `json:"keygen_args"`
}

// CredentialConfig 描述 API 凭证的持久化位置与环境变量回退。
type CredentialConfig struct {
	StorePath string `json:"store_path"`
	EnvVar    string `json:"env_var"`
}

// IssuerConfig 描述付费发放 API Key 的远端服务。
type IssuerConfig struct {
	BaseURL        string `json:"base_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// MarketConfig 描述行情/兑换服务。留空时复用发钥服务的地址，
// 两组端点通常由同一服务提供。
type MarketConfig struct {
	BaseURL        string `json:"base_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// RPCConfig 包含访问链节点所需的参数。
type RPCConfig struct {
	Endpoint               string `json:"endpoint"`
	Cluster                string `json:"cluster"`
	DefinitionsFile        string `json:"definitions_file"`
	TimeoutSeconds         int    `json:"timeout_seconds"`
	ConfirmTimeoutSeconds  int    `json:"confirm_timeout_seconds"`
	ConfirmPollMillis      int    `json:"confirm_poll_millis"`
	SkipPreflightBroadcast bool   `json:"skip_preflight_broadcast"`
}

// JournalConfig 描述支付流水的持久化后端。
type JournalConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// RecoveryConfig 描述领取补偿队列的驱动与工作协程数量。
type RecoveryConfig struct {
	Driver   string        `json:"driver"`
	Workers  int           `json:"workers"`
	Redis    RedisQueue    `json:"redis"`
	RabbitMQ RabbitMQQueue `json:"rabbitmq"`
}

// RedisQueue 描述 Redis 队列连接参数。
type RedisQueue struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQQueue 描述 RabbitMQ 队列连接参数。
type RabbitMQQueue struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// LoggingConfig 控制日志输出与凭证审计日志。
type LoggingConfig struct {
	Level        string   `json:"level"`
	Format       string   `json:"format"`
	OutputPaths  []string `json:"output_paths"`
	AuditEnabled bool     `json:"audit_enabled"`
	AuditPath    string   `json:"audit_path"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Wallet.Path == "" {
		c.Wallet.Path = filepath.Join(c.Runtime.DataDir, "wallet.json")
	} else if !filepath.IsAbs(c.Wallet.Path) {
		c.Wallet.Path = filepath.Join(baseDir, c.Wallet.Path)
	}
	if c.Wallet.KeygenCommand == "" {
		c.Wallet.KeygenCommand = "solana-keygen"
	}

	if c.Credential.StorePath == "" {
		c.Credential.StorePath = filepath.Join(c.Runtime.DataDir, "credential.json")
	} else if !filepath.IsAbs(c.Credential.StorePath) {
		c.Credential.StorePath = filepath.Join(baseDir, c.Credential.StorePath)
	}
	if c.Credential.EnvVar == "" {
		c.Credential.EnvVar = "AGENTPAY_API_KEY"
	}

	if c.Issuer.TimeoutSeconds <= 0 {
		c.Issuer.TimeoutSeconds = 30
	}

	if c.Market.BaseURL == "" {
		c.Market.BaseURL = c.Issuer.BaseURL
	}
	if c.Market.TimeoutSeconds <= 0 {
		c.Market.TimeoutSeconds = 30
	}

	if c.RPC.TimeoutSeconds <= 0 {
		c.RPC.TimeoutSeconds = 30
	}
	if c.RPC.ConfirmTimeoutSeconds <= 0 {
		c.RPC.ConfirmTimeoutSeconds = 90
	}
	if c.RPC.ConfirmPollMillis <= 0 {
		c.RPC.ConfirmPollMillis = 2000
	}

	if c.Journal.Driver == "" {
		c.Journal.Driver = "memory"
	}

	if c.Recovery.Driver == "" {
		c.Recovery.Driver = "memory"
	}
	if c.Recovery.Workers <= 0 {
		c.Recovery.Workers = 1
	}

	if c.Logging.AuditEnabled && c.Logging.AuditPath == "" {
		c.Logging.AuditPath = filepath.Join(c.Runtime.DataDir, "logs", "credential-audit.log")
	}
}
