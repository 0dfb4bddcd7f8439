package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"Mosaic-Protocol/pkg/logger"
)

// Config 描述了 Mosaic 守护进程在启动阶段需要加载的全部配置。
type Config struct {
	Server      ServerConfig      `json:"server" yaml:"server"`
	Coordinator CoordinatorConfig `json:"coordinator" yaml:"coordinator"`
	Collusion   CollusionConfig   `json:"collusion" yaml:"collusion"`
	Payment     PaymentConfig     `json:"payment" yaml:"payment"`
	Storage     StorageConfig     `json:"storage" yaml:"storage"`
	Queue       QueueConfig       `json:"queue" yaml:"queue"`
	Events      EventsConfig      `json:"events" yaml:"events"`
	Discovery   DiscoveryConfig   `json:"discovery" yaml:"discovery"`
	LLM         LLMConfig         `json:"llm" yaml:"llm"`
	Knowledge   KnowledgeConfig   `json:"knowledge" yaml:"knowledge"`
	Web3        Web3Config        `json:"web3" yaml:"web3"`
	Alerting    AlertingConfig    `json:"alerting" yaml:"alerting"`
	Log         logger.Config     `json:"log" yaml:"log"`
	Runtime     RuntimeConfig     `json:"runtime" yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address     string `json:"address" yaml:"address"`
	MetricsAddr string `json:"metrics_address" yaml:"metrics_address"`
	// Token 非空时 API 请求需要携带 Bearer Token。
	Token string `json:"token" yaml:"token"`
}

// CoordinatorConfig 描述协调器自身的身份与运行策略。
type CoordinatorConfig struct {
	Name           string   `json:"name" yaml:"name"`
	TokenID        uint64   `json:"token_id" yaml:"token_id"`
	Wallet         string   `json:"wallet" yaml:"wallet"`
	Owner          string   `json:"owner" yaml:"owner"`
	Funding        string   `json:"funding" yaml:"funding"`
	ZKVerification bool     `json:"zk_verification" yaml:"zk_verification"`
	Fallback       bool     `json:"fallback" yaml:"fallback"`
	MaxDepth       int      `json:"max_depth" yaml:"max_depth"`
	AutonomyBudget string   `json:"autonomy_budget" yaml:"autonomy_budget"`
	AgentTimeout   Duration `json:"agent_timeout" yaml:"agent_timeout"`
	TokensPerChunk int      `json:"tokens_per_chunk" yaml:"tokens_per_chunk"`
	MaxChunks      int      `json:"max_chunks" yaml:"max_chunks"`
	// VerifierKey 是验证签名私钥（十六进制），为空时使用临时密钥。
	VerifierKey string `json:"verifier_key" yaml:"verifier_key"`
}

// CollusionConfig 控制合谋检测阈值与历史存储。
type CollusionConfig struct {
	Store             string  `json:"store" yaml:"store"`
	Window            int     `json:"window" yaml:"window"`
	MaxSameOwnerHires int     `json:"max_same_owner_hires" yaml:"max_same_owner_hires"`
	MaxPairHires      int     `json:"max_pair_hires" yaml:"max_pair_hires"`
	MinPriceSamples   int     `json:"min_price_samples" yaml:"min_price_samples"`
	EscalationFactor  float64 `json:"escalation_factor" yaml:"escalation_factor"`
}

// PaymentConfig 描述资金结算方式。
type PaymentConfig struct {
	// Settler 可选 simulated 或 erc20。
	Settler string `json:"settler" yaml:"settler"`
	Strict  bool   `json:"strict" yaml:"strict"`
	Chain   string `json:"chain" yaml:"chain"`
	Token   string `json:"token" yaml:"token"`
	// PrivateKey 是付款钱包私钥，建议通过 MOSAIC_PAYMENT_PRIVATE_KEY 注入。
	PrivateKey   string `json:"private_key" yaml:"private_key"`
	EscrowHolder string `json:"escrow_holder" yaml:"escrow_holder"`
	// Faucet 为模拟结算器中的钱包预置余额。
	Faucet map[string]string `json:"faucet" yaml:"faucet"`
}

// StorageConfig 统一描述 MySQL、Redis 等后端的连接信息。
type StorageConfig struct {
	TaskStore TaskStoreConfig `json:"task_store" yaml:"task_store"`
	Ledger    TaskStoreConfig `json:"ledger" yaml:"ledger"`
	Redis     RedisConfig     `json:"redis" yaml:"redis"`
}

// TaskStoreConfig 选择 memory 或 mysql 实现。
type TaskStoreConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
	// MaxOpenConns 与 MaxIdleConns 仅对 mysql 生效。
	MaxOpenConns int `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns int `json:"max_idle_conns" yaml:"max_idle_conns"`
}

// RedisConfig 是共享的 Redis 连接。
type RedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

// QueueConfig 描述任务队列与处理器。
type QueueConfig struct {
	Driver     string         `json:"driver" yaml:"driver"`
	Workers    int            `json:"workers" yaml:"workers"`
	MaxRetries int            `json:"max_retries" yaml:"max_retries"`
	Buffer     int            `json:"buffer" yaml:"buffer"`
	RedisKey   string         `json:"redis_key" yaml:"redis_key"`
	RabbitMQ   RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RabbitMQConfig 描述 AMQP 连接。
type RabbitMQConfig struct {
	URL      string `json:"url" yaml:"url"`
	Queue    string `json:"queue" yaml:"queue"`
	Exchange string `json:"exchange" yaml:"exchange"`
}

// EventsConfig 选择进度事件的投递通道。
type EventsConfig struct {
	Sinks        []string       `json:"sinks" yaml:"sinks"`
	Buffer       int            `json:"buffer" yaml:"buffer"`
	DropAfter    Duration       `json:"drop_after" yaml:"drop_after"`
	RedisChannel string         `json:"redis_channel" yaml:"redis_channel"`
	RabbitMQ     RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
	NATSURL      string         `json:"nats_url" yaml:"nats_url"`
	NATSPrefix   string         `json:"nats_prefix" yaml:"nats_prefix"`
}

// DiscoveryConfig 描述代理注册表与缓存。
type DiscoveryConfig struct {
	RegistryFile string   `json:"registry_file" yaml:"registry_file"`
	CacheTTL     Duration `json:"cache_ttl" yaml:"cache_ttl"`
	// Reputation 可选 memory 或 redis。
	Reputation string `json:"reputation" yaml:"reputation"`
}

// LLMConfig 用于配置规划器与内置代理的大模型。
type LLMConfig struct {
	Provider  string             `json:"provider" yaml:"provider"`
	OpenAI    ProviderConfig     `json:"openai" yaml:"openai"`
	Anthropic ProviderConfig     `json:"anthropic" yaml:"anthropic"`
	Python    PythonBridgeConfig `json:"python_bridge" yaml:"python_bridge"`
	Timeout   Duration           `json:"timeout" yaml:"timeout"`
}

// ProviderConfig 是托管模型服务的连接参数。
type ProviderConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	BaseURL string `json:"base_url" yaml:"base_url"`
	Model   string `json:"model" yaml:"model"`
}

// PythonBridgeConfig 描述通过 Python 脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `json:"python_executable" yaml:"python_executable"`
	ScriptPath       string `json:"script_path" yaml:"script_path"`
	WorkingDir       string `json:"working_dir" yaml:"working_dir"`
}

// KnowledgeConfig 指定静态知识库。
type KnowledgeConfig struct {
	Path       string `json:"path" yaml:"path"`
	MaxResults int    `json:"max_results" yaml:"max_results"`
}

// Web3Config 包含访问区块链节点所需的信息。
type Web3Config struct {
	ChainsFile string `json:"chains_file" yaml:"chains_file"`
	RPCURL     string `json:"rpc_url" yaml:"rpc_url"`
}

// AlertingConfig 指定告警渠道。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
}

// Duration 允许在配置中书写 "30s"、"2m" 这类时长。
type Duration time.Duration

// Std 返回标准库时长。
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalJSON 接受字符串时长或纳秒整数。
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return d.parse(s)
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("无效的时长: %s", string(b))
	}
	*d = Duration(n)
	return nil
}

// UnmarshalYAML 接受字符串时长。
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.parse(node.Value)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("无效的时长 %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Load 负责解析指定路径的配置文件，.yaml/.yml 按 YAML 解析，其余按 JSON 解析。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	default:
		err = json.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回不依赖配置文件的默认配置，路径相对 baseDir 解析。
func Default(baseDir string) *Config {
	var cfg Config
	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults(baseDir)
	return &cfg
}

// applyEnv 用 MOSAIC_* 环境变量覆盖配置，主要用于注入密钥。
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("MOSAIC_SERVER_ADDRESS", &c.Server.Address)
	str("MOSAIC_API_TOKEN", &c.Server.Token)
	str("MOSAIC_COORDINATOR_WALLET", &c.Coordinator.Wallet)
	str("MOSAIC_FUNDING", &c.Coordinator.Funding)
	str("MOSAIC_VERIFIER_KEY", &c.Coordinator.VerifierKey)
	str("MOSAIC_PAYMENT_PRIVATE_KEY", &c.Payment.PrivateKey)
	str("MOSAIC_MYSQL_DSN", &c.Storage.TaskStore.DSN)
	str("MOSAIC_REDIS_ADDRESS", &c.Storage.Redis.Address)
	str("MOSAIC_REDIS_PASSWORD", &c.Storage.Redis.Password)
	str("MOSAIC_RABBITMQ_URL", &c.Queue.RabbitMQ.URL)
	str("MOSAIC_NATS_URL", &c.Events.NATSURL)
	str("MOSAIC_OPENAI_API_KEY", &c.LLM.OpenAI.APIKey)
	str("MOSAIC_ANTHROPIC_API_KEY", &c.LLM.Anthropic.APIKey)
	str("MOSAIC_LLM_PROVIDER", &c.LLM.Provider)
	str("MOSAIC_WEB3_RPC_URL", &c.Web3.RPCURL)
	str("MOSAIC_ALERT_WEBHOOK", &c.Alerting.WebhookURL)
	str("MOSAIC_LOG_LEVEL", &c.Log.Level)

	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	flag("MOSAIC_ZK_VERIFICATION", &c.Coordinator.ZKVerification)
	flag("MOSAIC_FALLBACK", &c.Coordinator.Fallback)
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Coordinator.Name == "" {
		c.Coordinator.Name = "coordinator"
	}
	if c.Coordinator.Funding == "" {
		c.Coordinator.Funding = "streaming"
	}
	if c.Coordinator.MaxDepth <= 0 {
		c.Coordinator.MaxDepth = 3
	}
	if c.Coordinator.AutonomyBudget == "" {
		c.Coordinator.AutonomyBudget = "1"
	}
	if c.Coordinator.AgentTimeout == 0 {
		c.Coordinator.AgentTimeout = Duration(2 * time.Minute)
	}
	if c.Coordinator.TokensPerChunk <= 0 {
		c.Coordinator.TokensPerChunk = 500
	}
	if c.Coordinator.MaxChunks <= 0 {
		c.Coordinator.MaxChunks = 10
	}

	if c.Collusion.Store == "" {
		c.Collusion.Store = "memory"
	}
	if c.Collusion.Window <= 0 {
		c.Collusion.Window = 50
	}

	if c.Payment.Settler == "" {
		c.Payment.Settler = "simulated"
	}

	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}
	if c.Storage.Ledger.Driver == "" {
		c.Storage.Ledger.Driver = c.Storage.TaskStore.Driver
	}
	if c.Storage.Ledger.DSN == "" {
		c.Storage.Ledger.DSN = c.Storage.TaskStore.DSN
	}
	if c.Storage.Redis.Prefix == "" {
		c.Storage.Redis.Prefix = "mosaic"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 2
	}
	if c.Queue.MaxRetries <= 0 {
		c.Queue.MaxRetries = 3
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 128
	}
	if c.Queue.RedisKey == "" {
		c.Queue.RedisKey = "mosaic:tasks"
	}
	if c.Queue.RabbitMQ.Queue == "" {
		c.Queue.RabbitMQ.Queue = "mosaic.tasks"
	}

	if len(c.Events.Sinks) == 0 {
		c.Events.Sinks = []string{"log", "websocket"}
	}
	if c.Events.Buffer <= 0 {
		c.Events.Buffer = 256
	}
	if c.Events.DropAfter == 0 {
		c.Events.DropAfter = Duration(50 * time.Millisecond)
	}
	if c.Events.RedisChannel == "" {
		c.Events.RedisChannel = "mosaic:events"
	}
	if c.Events.RabbitMQ.Exchange == "" {
		c.Events.RabbitMQ.Exchange = "mosaic.events"
	}
	if c.Events.NATSPrefix == "" {
		c.Events.NATSPrefix = "mosaic.events"
	}

	if c.Discovery.CacheTTL == 0 {
		c.Discovery.CacheTTL = Duration(30 * time.Second)
	}
	if c.Discovery.Reputation == "" {
		c.Discovery.Reputation = "memory"
	}
	c.Discovery.RegistryFile = resolve(baseDir, c.Discovery.RegistryFile)

	if c.LLM.Provider == "" {
		c.LLM.Provider = "keyword"
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = Duration(45 * time.Second)
	}
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	if c.LLM.Python.WorkingDir == "" {
		c.LLM.Python.WorkingDir = baseDir
	} else {
		c.LLM.Python.WorkingDir = resolve(baseDir, c.LLM.Python.WorkingDir)
	}

	if c.Knowledge.MaxResults <= 0 {
		c.Knowledge.MaxResults = 3
	}
	c.Knowledge.Path = resolve(baseDir, c.Knowledge.Path)
	c.Web3.ChainsFile = resolve(baseDir, c.Web3.ChainsFile)

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Audit.Enabled && c.Log.Audit.Path == "" {
		c.Log.Audit.Path = "audit.log"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir)
	}
	if c.Log.Audit.Path != "" && !filepath.IsAbs(c.Log.Audit.Path) {
		c.Log.Audit.Path = filepath.Join(c.Runtime.DataDir, c.Log.Audit.Path)
	}
}

// Validate 检查互相依赖的配置项。
func (c *Config) Validate() error {
	switch c.Coordinator.Funding {
	case "streaming", "upfront":
	default:
		return fmt.Errorf("未知的资金模式: %s", c.Coordinator.Funding)
	}
	needsMySQL := c.Storage.TaskStore.Driver == "mysql" || c.Storage.Ledger.Driver == "mysql"
	if needsMySQL && c.Storage.TaskStore.DSN == "" && c.Storage.Ledger.DSN == "" {
		return errors.New("使用 mysql 存储时必须配置 dsn")
	}
	needsRedis := c.Queue.Driver == "redis" || c.Collusion.Store == "redis" || c.Discovery.Reputation == "redis"
	for _, s := range c.Events.Sinks {
		if s == "redis" {
			needsRedis = true
		}
	}
	if needsRedis && c.Storage.Redis.Address == "" {
		return errors.New("使用 redis 时必须配置 storage.redis.address")
	}
	if c.Queue.Driver == "rabbitmq" && c.Queue.RabbitMQ.URL == "" {
		return errors.New("使用 rabbitmq 队列时必须配置 queue.rabbitmq.url")
	}
	if c.Payment.Settler == "erc20" && (c.Payment.Token == "" || c.Payment.PrivateKey == "") {
		return errors.New("erc20 结算需要配置 token 与 private_key")
	}
	return nil
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
