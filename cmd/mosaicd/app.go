package main

import (
	"context"
	"crypto/ecdsa"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	goredis "github.com/redis/go-redis/v9"

	"Mosaic-Protocol/internal/auction"
	"Mosaic-Protocol/internal/collusion"
	"Mosaic-Protocol/internal/config"
	"Mosaic-Protocol/internal/coordinator"
	"Mosaic-Protocol/internal/discovery"
	xerrors "Mosaic-Protocol/internal/errors"
	"Mosaic-Protocol/internal/events"
	"Mosaic-Protocol/internal/executor"
	"Mosaic-Protocol/internal/knowledge"
	"Mosaic-Protocol/internal/llm"
	"Mosaic-Protocol/internal/llm/anthropic"
	"Mosaic-Protocol/internal/llm/openai"
	"Mosaic-Protocol/internal/llm/pythonbridge"
	"Mosaic-Protocol/internal/market"
	"Mosaic-Protocol/internal/observability/alerting"
	"Mosaic-Protocol/internal/payment"
	"Mosaic-Protocol/internal/planner"
	"Mosaic-Protocol/internal/protocol"
	"Mosaic-Protocol/internal/storage/mysql"
	redisstore "Mosaic-Protocol/internal/storage/redis"
	"Mosaic-Protocol/internal/task"
	"Mosaic-Protocol/internal/verification"
	"Mosaic-Protocol/internal/web3/provider"
	"Mosaic-Protocol/pkg/logger"
)

// app 持有守护进程的全部组件，close 按创建的逆序释放资源。
type app struct {
	cfg *config.Config
	log *slog.Logger

	redis   *goredis.Client
	dbs     map[string]*sql.DB
	chains  *provider.Registry
	hubSink events.Sink
	alerts  alerting.Dispatcher

	settler payment.Settler
	escrow  *payment.LedgerEscrow
	runner  *escrowRunner

	closers []func()
}

// buildApp 根据配置组装编排器及其依赖。hub 非空时作为 websocket 事件通道接入。
func buildApp(ctx context.Context, cfg *config.Config, hub events.Sink) (_ *app, err error) {
	a := &app{cfg: cfg, log: logger.Named("mosaicd"), dbs: make(map[string]*sql.DB), hubSink: hub}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if a.needsRedis() {
		client, err := redisstore.Open(ctx, redisstore.Config{
			Address:  cfg.Storage.Redis.Address,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
			Prefix:   cfg.Storage.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		a.redis = client
		a.onClose(func() { _ = client.Close() })
	}

	sink, err := a.buildEvents(ctx)
	if err != nil {
		return nil, err
	}
	a.alerts = buildAlerts(cfg.Alerting)

	identity, err := a.identity()
	if err != nil {
		return nil, err
	}

	if err := a.buildSettler(ctx, &identity); err != nil {
		return nil, err
	}
	ledger, err := a.buildLedger(ctx)
	if err != nil {
		return nil, err
	}
	payments := payment.NewService(a.settler, payment.WithLedger(ledger), payment.WithEvents(sink))

	holder := identity.Wallet
	if h := strings.TrimSpace(cfg.Payment.EscrowHolder); h != "" {
		if !common.IsHexAddress(h) {
			return nil, fmt.Errorf("托管钱包地址无效: %s", h)
		}
		holder = common.HexToAddress(h)
	}
	a.escrow = payment.NewLedgerEscrow(a.settler, ledger, holder, identity.Wallet, sink)

	registry, reputation, agents, err := a.buildDiscovery()
	if err != nil {
		return nil, err
	}

	detector, err := a.buildCollusion()
	if err != nil {
		return nil, err
	}

	var know knowledge.Provider
	if cfg.Knowledge.Path != "" {
		kp, err := knowledge.LoadStaticProvider(cfg.Knowledge.Path, cfg.Knowledge.MaxResults)
		if err != nil {
			return nil, err
		}
		know = kp
	}

	model, err := createLLMClient(cfg)
	if err != nil {
		return nil, err
	}
	plan := buildPlanner(cfg, model, know, registry)

	verifier, err := a.buildVerifier(sink)
	if err != nil {
		return nil, err
	}

	execs := executor.NewRegistry(executor.Deps{
		Payments:       payments,
		Verifier:       verifier,
		Events:         sink,
		TokensPerChunk: cfg.Coordinator.TokensPerChunk,
		MaxChunks:      cfg.Coordinator.MaxChunks,
		Timeout:        cfg.Coordinator.AgentTimeout.Std(),
	})
	workerModel := model
	if workerModel == nil {
		workerModel = offlineModel()
	}
	for _, capability := range capabilities(registry) {
		execs.RegisterWorker(executor.NewLLMWorker(capability, workerModel,
			executor.WithKnowledge(know),
			executor.WithHiring(model != nil)))
	}

	budget, err := market.ParseUSDC(cfg.Coordinator.AutonomyBudget)
	if err != nil {
		return nil, fmt.Errorf("autonomy_budget 无效: %w", err)
	}
	coord, err := coordinator.New(coordinator.Config{
		Identity:       identity,
		Funding:        payment.ParseMode(cfg.Coordinator.Funding),
		ZKVerification: cfg.Coordinator.ZKVerification,
		Fallback:       cfg.Coordinator.Fallback,
		MaxDepth:       cfg.Coordinator.MaxDepth,
		AutonomyBudget: budget,
		AgentTimeout:   cfg.Coordinator.AgentTimeout.Std(),
	}, coordinator.Deps{
		Planner:    plan,
		Auction:    auction.NewHouse(agents, auction.WithEvents(sink)),
		Collusion:  detector,
		Payments:   payments,
		Executors:  execs,
		Reputation: reputation,
		Escrow:     a.escrow,
		Events:     sink,
		Alerts:     a.alerts,
		Dispatcher: protocol.NewDispatcher(protocol.DefaultContracts(), protocol.WithDefaultTimeout(cfg.Coordinator.AgentTimeout.Std())),
	})
	if err != nil {
		return nil, err
	}
	a.runner = &escrowRunner{Coordinator: coord, escrow: a.escrow, log: a.log}
	a.onClose(coord.Wait)

	a.log.Info("编排器已就绪",
		slog.String("coordinator", identity.Name),
		slog.String("wallet", identity.Wallet.Hex()),
		slog.String("funding", cfg.Coordinator.Funding),
		slog.String("settler", cfg.Payment.Settler),
		slog.String("llm", cfg.LLM.Provider),
		slog.Int("capabilities", len(execs.Capabilities())),
	)
	return a, nil
}

func (a *app) onClose(fn func()) { a.closers = append(a.closers, fn) }

// close 释放资源，可重复调用。
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) needsRedis() bool {
	cfg := a.cfg
	if cfg.Queue.Driver == "redis" || cfg.Collusion.Store == "redis" || cfg.Discovery.Reputation == "redis" {
		return true
	}
	for _, s := range cfg.Events.Sinks {
		if strings.EqualFold(s, "redis") {
			return true
		}
	}
	return false
}

// buildEvents 组装事件通道，并统一套一层异步缓冲，保证投递不阻塞编排。
func (a *app) buildEvents(ctx context.Context) (events.Sink, error) {
	cfg := a.cfg.Events
	var sinks events.Fanout
	for _, name := range cfg.Sinks {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "log":
			sinks = append(sinks, events.NewLogSink())
		case "websocket":
			if a.hubSink != nil {
				sinks = append(sinks, a.hubSink)
			}
		case "redis":
			sinks = append(sinks, events.NewRedisSink(a.redis, cfg.RedisChannel))
		case "rabbitmq":
			url := cfg.RabbitMQ.URL
			if url == "" {
				url = a.cfg.Queue.RabbitMQ.URL
			}
			sink, err := events.NewRabbitMQSink(url, cfg.RabbitMQ.Exchange)
			if err != nil {
				return nil, err
			}
			a.onClose(func() { _ = sink.Close() })
			sinks = append(sinks, sink)
		case "nats":
			sink, err := events.NewNATSSink(ctx, cfg.NATSURL, cfg.NATSPrefix)
			if err != nil {
				return nil, err
			}
			a.onClose(func() { _ = sink.Close() })
			sinks = append(sinks, sink)
		case "", "none":
		default:
			return nil, fmt.Errorf("未知的事件通道: %s", name)
		}
	}
	async := events.NewAsync(sinks, cfg.Buffer, cfg.DropAfter.Std())
	a.onClose(func() {
		async.Close()
		if dropped := async.Dropped(); dropped > 0 {
			a.log.Warn("事件通道丢弃了部分事件", slog.Int64("dropped", dropped))
		}
	})
	return async, nil
}

func buildAlerts(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if url := strings.TrimSpace(cfg.WebhookURL); url != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: url})
	}
	return alerting.NewFanout(notifiers...)
}

func (a *app) identity() (market.AgentOption, error) {
	cfg := a.cfg.Coordinator
	identity := market.AgentOption{TokenID: cfg.TokenID, Name: cfg.Name, Capability: "coordination", IsActive: true}
	if w := strings.TrimSpace(cfg.Wallet); w != "" {
		if !common.IsHexAddress(w) {
			return identity, fmt.Errorf("协调器钱包地址无效: %s", w)
		}
		identity.Wallet = common.HexToAddress(w)
	} else if a.cfg.Payment.Settler != "erc20" {
		// 模拟结算下未配置钱包时按名称派生一个稳定地址。
		identity.Wallet = common.BytesToAddress(crypto.Keccak256([]byte("mosaic:" + cfg.Name)))
	}
	identity.Owner = identity.Wallet
	if o := strings.TrimSpace(cfg.Owner); o != "" {
		if !common.IsHexAddress(o) {
			return identity, fmt.Errorf("协调器所有者地址无效: %s", o)
		}
		identity.Owner = common.HexToAddress(o)
	}
	return identity, nil
}

// buildSettler 选择模拟或链上结算；链上模式下协调器钱包默认取签名账户。
func (a *app) buildSettler(ctx context.Context, identity *market.AgentOption) error {
	cfg := a.cfg.Payment
	switch strings.ToLower(cfg.Settler) {
	case "", "simulated":
		sim := payment.NewSimulatedSettler(cfg.Strict)
		for addr, amount := range cfg.Faucet {
			if !common.IsHexAddress(addr) {
				return fmt.Errorf("faucet 地址无效: %s", addr)
			}
			value, err := market.ParseUSDC(amount)
			if err != nil {
				return fmt.Errorf("faucet 金额无效 %s: %w", addr, err)
			}
			sim.Fund(common.HexToAddress(addr), value)
		}
		a.settler = sim
	case "erc20":
		chains, err := provider.NewRegistry(ctx, a.cfg.Web3, cfg.Chain, cfg.PrivateKey)
		if err != nil {
			return err
		}
		a.chains = chains
		a.onClose(chains.Close)

		client, err := chains.DefaultClient()
		if err != nil {
			return err
		}
		token, err := chains.TokenAddress(chains.DefaultChain(), cfg.Token)
		if err != nil {
			return err
		}
		if identity.Wallet == (common.Address{}) {
			identity.Wallet = client.Address()
			if identity.Owner == (common.Address{}) {
				identity.Owner = identity.Wallet
			}
		}
		a.settler = payment.NewChainSettler(client, token)
		a.log.Info("使用链上结算",
			slog.String("chain", chains.DefaultChain()),
			slog.String("token", token.Hex()),
			slog.String("payer", client.Address().Hex()))
	default:
		return fmt.Errorf("未知的结算方式: %s", cfg.Settler)
	}
	return nil
}

func (a *app) buildLedger(ctx context.Context) (payment.Ledger, error) {
	cfg := a.cfg.Storage.Ledger
	switch cfg.Driver {
	case "", "memory":
		return payment.NewMemoryLedger(), nil
	case "mysql":
		db, err := a.openDB(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return mysql.NewLedgerRepository(db), nil
	default:
		return nil, fmt.Errorf("未知的账本驱动: %s", cfg.Driver)
	}
}

// openDB 按 DSN 复用连接池，任务存储与账本通常共用一个库。
func (a *app) openDB(ctx context.Context, cfg config.TaskStoreConfig) (*sql.DB, error) {
	if db, ok := a.dbs[cfg.DSN]; ok {
		return db, nil
	}
	db, err := mysql.Open(ctx, mysql.Config{
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	})
	if err != nil {
		return nil, err
	}
	a.dbs[cfg.DSN] = db
	a.onClose(func() { _ = db.Close() })
	return db, nil
}

func (a *app) buildDiscovery() (*discovery.StaticRegistry, discovery.Reputation, discovery.Registry, error) {
	cfg := a.cfg.Discovery
	registry := discovery.DefaultRegistry()
	if cfg.RegistryFile != "" {
		loaded, err := discovery.LoadStaticRegistry(cfg.RegistryFile)
		if err != nil {
			return nil, nil, nil, err
		}
		registry = loaded
	}
	cached, err := discovery.NewCachedRegistry(registry, 256, cfg.CacheTTL.Std())
	if err != nil {
		return nil, nil, nil, err
	}
	a.onClose(cached.Close)

	reputation := discovery.ReputationFanout{cached}
	if cfg.Reputation == "redis" {
		reputation = append(reputation, discovery.NewRedisReputation(a.redis, a.cfg.Storage.Redis.Prefix))
	}
	return registry, reputation, cached, nil
}

func (a *app) buildCollusion() (*collusion.Detector, error) {
	cfg := a.cfg.Collusion
	var store collusion.Store
	switch cfg.Store {
	case "", "memory":
		store = collusion.NewMemoryStore(cfg.Window)
	case "redis":
		store = collusion.NewRedisStore(a.redis, a.cfg.Storage.Redis.Prefix, cfg.Window)
	default:
		return nil, fmt.Errorf("未知的合谋历史存储: %s", cfg.Store)
	}
	return collusion.NewDetector(store, collusion.WithThresholds(collusion.Thresholds{
		MaxSameOwnerHires: cfg.MaxSameOwnerHires,
		MaxPairHires:      cfg.MaxPairHires,
		MinPriceSamples:   cfg.MinPriceSamples,
		EscalationFactor:  cfg.EscalationFactor,
	})), nil
}

func (a *app) buildVerifier(sink events.Sink) (verification.Verifier, error) {
	var (
		key *ecdsa.PrivateKey
		err error
	)
	if raw := strings.TrimPrefix(strings.TrimSpace(a.cfg.Coordinator.VerifierKey), "0x"); raw != "" {
		key, err = crypto.HexToECDSA(raw)
		if err != nil {
			return nil, fmt.Errorf("解析验证私钥失败: %w", err)
		}
	} else {
		key, err = crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		a.log.Debug("未配置验证私钥，使用临时密钥")
	}
	return verification.NewSigner(key, verification.WithEvents(sink))
}

// newTaskBackend 根据配置创建任务存储与队列。
func (a *app) newTaskBackend(ctx context.Context) (task.Store, task.Queue, error) {
	var store task.Store
	switch a.cfg.Storage.TaskStore.Driver {
	case "", "memory":
		store = task.NewMemoryStore()
	case "mysql":
		db, err := a.openDB(ctx, a.cfg.Storage.TaskStore)
		if err != nil {
			return nil, nil, err
		}
		mysqlStore, err := task.NewMySQLStore(db)
		if err != nil {
			return nil, nil, err
		}
		store = mysqlStore
	default:
		return nil, nil, xerrors.Newf(xerrors.CodeInvalidArgument, "未知的任务存储驱动: %s", a.cfg.Storage.TaskStore.Driver)
	}

	cfg := a.cfg.Queue
	var queue task.Queue
	switch cfg.Driver {
	case "", "memory":
		queue = task.NewMemoryQueue(cfg.Buffer)
	case "redis":
		q, err := task.NewRedisQueue(a.redis, cfg.RedisKey, 5*time.Second)
		if err != nil {
			return nil, nil, err
		}
		queue = q
	case "rabbitmq":
		q, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:     cfg.RabbitMQ.URL,
			Queue:   cfg.RabbitMQ.Queue,
			Durable: true,
		})
		if err != nil {
			return nil, nil, err
		}
		queue = q
	default:
		return nil, nil, xerrors.Newf(xerrors.CodeInvalidArgument, "未知的队列驱动: %s", cfg.Driver)
	}
	return store, queue, nil
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", "keyword":
		return nil, nil
	case "python_bridge":
		scriptPath := pythonbridge.ResolveScriptPath(cfg.LLM.Python.WorkingDir, cfg.LLM.Python.ScriptPath)
		return pythonbridge.NewClient(cfg.LLM.Python.PythonExecutable, scriptPath, cfg.LLM.Python.WorkingDir)
	case "openai":
		return openai.NewClient(openai.Config{
			APIKey:  cfg.LLM.OpenAI.APIKey,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
			Model:   cfg.LLM.OpenAI.Model,
			Timeout: cfg.LLM.Timeout.Std(),
		})
	case "anthropic":
		return anthropic.NewClient(anthropic.Config{
			APIKey:  cfg.LLM.Anthropic.APIKey,
			BaseURL: cfg.LLM.Anthropic.BaseURL,
			Model:   cfg.LLM.Anthropic.Model,
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

// buildPlanner 在有模型时使用 LLM 规划器并以关键词规划器兜底。
func buildPlanner(cfg *config.Config, model llm.Client, know knowledge.Provider, registry *discovery.StaticRegistry) planner.Planner {
	keyword := planner.NewKeywordPlanner(nil)
	if model == nil {
		return keyword
	}
	return planner.New(model,
		planner.WithKnowledgeProvider(know),
		planner.WithLLMTimeout(cfg.LLM.Timeout.Std()),
		planner.WithCapabilities(capabilities(registry)),
		planner.WithFallback(keyword),
	)
}

// capabilities 返回注册表中可雇佣代理覆盖的能力，协调能力除外。
func capabilities(registry *discovery.StaticRegistry) []string {
	seen := make(map[string]bool)
	var out []string
	for _, agent := range registry.Agents() {
		if !agent.IsActive || agent.Capability == "coordination" || seen[agent.Capability] {
			continue
		}
		seen[agent.Capability] = true
		out = append(out, agent.Capability)
	}
	return out
}

// escrowRunner 在执行报价前登记用户已转入托管钱包的资金。
type escrowRunner struct {
	*coordinator.Coordinator
	escrow *payment.LedgerEscrow
	log    *slog.Logger
}

// ExecuteTaskWithQuote 实现 task.Runner。
func (r *escrowRunner) ExecuteTaskWithQuote(ctx context.Context, quote *market.Quote, opts ...coordinator.RunOption) *market.TaskExecutionResult {
	if quote.EscrowTaskID != "" && quote.PayerWallet != nil && r.escrow != nil {
		err := r.escrow.Deposit(ctx, quote.EscrowTaskID, *quote.PayerWallet, quote.TotalPrice)
		if err != nil && !xerrors.HasCode(err, xerrors.CodeConflict) {
			r.log.Warn("登记托管资金失败", slog.String("escrow_id", quote.EscrowTaskID), slog.Any("error", err))
		}
	}
	return r.Coordinator.ExecuteTaskWithQuote(ctx, quote, opts...)
}

var _ task.Runner = (*escrowRunner)(nil)
