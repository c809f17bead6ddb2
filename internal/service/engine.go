package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"aeroledger-engine/internal/cache"
	"aeroledger-engine/internal/config"
	"aeroledger-engine/internal/consumer"
	"aeroledger-engine/internal/decision"
	"aeroledger-engine/internal/domain"
	"aeroledger-engine/internal/fault"
	"aeroledger-engine/internal/ingest"
	"aeroledger-engine/internal/ledger"
	"aeroledger-engine/internal/oracle"
	"aeroledger-engine/internal/override"
	"aeroledger-engine/internal/registry"
	"aeroledger-engine/internal/repository"
	"aeroledger-engine/internal/supervisor"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	_ "github.com/lib/pq"
)

// DirectivePublisher 指令下发出口（由 consumer.ControlPublisher 实现）
type DirectivePublisher interface {
	PublishDirective(directive domain.ControlDirective) error
}

// EngineService 决策与自愈引擎服务（整合各层）
type EngineService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger

	// 各层组件
	registry     *registry.DeviceRegistry
	detector     *fault.Detector
	gate         *ingest.Gate
	overrides    *override.Registry
	supervisor   *supervisor.Supervisor
	engine       *decision.Engine
	auditLedger  *ledger.Ledger
	cacheManager *cache.CacheManager
	publisher    DirectivePublisher

	mqttClient *consumer.Client

	// 设备级流水线互斥：同一设备的读数严格串行处理，不同设备并行
	deviceMuMu sync.Mutex
	deviceMu   map[string]*sync.Mutex
}

// NewEngineService 创建引擎服务
func NewEngineService(cfg *config.Config, logger *zap.Logger) (*EngineService, error) {
	// 1. 账本后端：postgres 或内存
	var db *sql.DB
	var backend ledger.Backend
	if cfg.Engine.Ledger.Backend == "postgres" {
		var err error
		db, err = sql.Open("postgres", cfg.Database.GetDSN())
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(cfg.Database.MaxConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdle)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		backend = repository.NewLedgerRepository(db, logger)
	} else {
		backend = ledger.NewMemoryBackend()
	}

	// 2. 连接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return newEngineService(cfg, logger, db, redisClient, backend)
}

// newEngineService 装配各层组件并接好事件通路
func newEngineService(cfg *config.Config, logger *zap.Logger, db *sql.DB, redisClient *redis.Client, backend ledger.Backend) (*EngineService, error) {
	auditLedger, err := ledger.NewLedger(context.Background(), cfg, backend, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger: %w", err)
	}

	deviceRegistry := registry.NewDeviceRegistry(cfg, logger)
	detector := fault.NewDetector(cfg, logger)
	gate := ingest.NewGate(cfg, deviceRegistry, detector, logger)
	overrides := override.NewRegistry(deviceRegistry, logger)
	sup := supervisor.NewSupervisor(cfg, logger)

	var oracleClient oracle.Client
	if cfg.Oracle.Enabled {
		oracleClient = oracle.NewHTTPClient(cfg.Oracle.BaseURL, cfg.Oracle.Timeout, logger)
	}
	engine := decision.NewEngine(cfg, overrides, detector, oracleClient, logger)

	cacheManager := cache.NewCacheManager(cfg, redisClient, logger)

	s := &EngineService{
		config:       cfg,
		db:           db,
		redisClient:  redisClient,
		logger:       logger,
		registry:     deviceRegistry,
		detector:     detector,
		gate:         gate,
		overrides:    overrides,
		supervisor:   sup,
		engine:       engine,
		auditLedger:  auditLedger,
		cacheManager: cacheManager,
		deviceMu:     make(map[string]*sync.Mutex),
	}

	// 事件通路：故障事件同时进监督器与账本，接管事件进账本
	sink := &ledgerSink{ledger: auditLedger, logger: logger}
	detector.AddSink(sup)
	detector.AddSink(sink)
	overrides.AddSink(sink)

	return s, nil
}

// Start 启动服务：恢复持久化状态，接入 MQTT，启动周期巡检
func (s *EngineService) Start(ctx context.Context) error {
	if err := s.restoreState(ctx); err != nil {
		return fmt.Errorf("failed to restore engine state: %w", err)
	}

	mqttClient, err := consumer.NewClient(&s.config.MQTT, s.logger)
	if err != nil {
		return fmt.Errorf("failed to connect mqtt: %w", err)
	}
	s.mqttClient = mqttClient
	s.publisher = consumer.NewControlPublisher(mqttClient, s.logger)

	readingConsumer := consumer.NewReadingConsumer(mqttClient, s, s.logger)
	if err := readingConsumer.Start(); err != nil {
		return err
	}

	go s.sweepLoop(ctx)

	s.logger.Info("Engine service started",
		zap.String("ledger_backend", s.config.Engine.Ledger.Backend),
		zap.Bool("oracle_enabled", s.config.Oracle.Enabled),
	)
	return nil
}

// Stop 停止服务
func (s *EngineService) Stop() error {
	s.logger.Info("Stopping engine service")

	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("Failed to close database",
				zap.Error(err),
			)
		}
	}
	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Failed to close redis",
			zap.Error(err),
		)
	}
	return nil
}

// HandleReading 处理一条设备读数：入口校验 -> 监督评估 -> 决策 -> 记账 -> 缓存 -> 下发
// 账本停止接受事件时拒绝产出新决策（审计完整性优先于可用性）
func (s *EngineService) HandleReading(ctx context.Context, reading domain.SensorReading) error {
	mu := s.lockDevice(reading.DeviceID)
	mu.Lock()
	defer mu.Unlock()

	if s.auditLedger.Halted() {
		s.logger.Error("Refusing decision, ledger halted",
			zap.String("device_id", reading.DeviceID),
		)
		return ledger.ErrLedgerHalted
	}

	if err := s.gate.Ingest(reading); err != nil {
		return err
	}

	state := s.supervisor.Evaluate(reading.DeviceID)
	directive := s.engine.Decide(ctx, reading.DeviceID, state)

	if _, err := s.auditLedger.Append(ctx, ledger.Event{
		Kind:     domain.EventDirective,
		DeviceID: reading.DeviceID,
		Payload:  directive,
	}); err != nil {
		return fmt.Errorf("failed to record directive: %w", err)
	}

	s.publishState(ctx, reading.DeviceID, directive)

	if s.publisher != nil {
		if err := s.publisher.PublishDirective(directive); err != nil {
			// 指令已定稿且已记账；下发失败只记录，下一条读数会产出新指令
			s.logger.Error("Failed to publish directive",
				zap.String("device_id", reading.DeviceID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// SetOverride 设置人工接管
func (s *EngineService) SetOverride(deviceID string, fanOn bool, intensity int, emergency bool, ttl time.Duration) (domain.OverrideEntry, error) {
	return s.overrides.Set(deviceID, fanOn, intensity, emergency, ttl)
}

// ClearOverride 清除人工接管
func (s *EngineService) ClearOverride(deviceID string) {
	s.overrides.Clear(deviceID)
}

// CurrentDirective 设备当前指令（来自实时缓存）
func (s *EngineService) CurrentDirective(ctx context.Context, deviceID string) (*domain.ControlDirective, error) {
	return s.cacheManager.GetDirective(ctx, deviceID)
}

// SupervisorState 设备监督状态
func (s *EngineService) SupervisorState(deviceID string) supervisor.State {
	return s.supervisor.StateOf(deviceID)
}

// OpenFaults 设备未解决故障
func (s *EngineService) OpenFaults(deviceID string) []domain.FaultRecord {
	return s.supervisor.OpenFaults(deviceID)
}

// Devices 已知设备列表
func (s *EngineService) Devices() []domain.Device {
	return s.registry.List()
}

// LedgerRange 按序号区间读取账本
func (s *EngineService) LedgerRange(ctx context.Context, from, to uint64) ([]domain.LedgerEntry, error) {
	return s.auditLedger.Read(ctx, from, to)
}

// DeviceHistory 设备最近的账本事件（指令、故障、接管），新的在前
func (s *EngineService) DeviceHistory(ctx context.Context, deviceID string, limit int) ([]domain.LedgerEntry, error) {
	return s.auditLedger.ReadByDevice(ctx, deviceID, limit)
}

// VerifyLedger 校验账本哈希链完整性；-1 表示完整
func (s *EngineService) VerifyLedger(ctx context.Context) (int64, error) {
	return s.auditLedger.VerifyChain(ctx)
}

// restoreState 从 Redis 恢复序号水位与设备在线状态（进程重启后续接）
func (s *EngineService) restoreState(ctx context.Context) error {
	states, err := s.cacheManager.LoadDeviceStates(ctx)
	if err != nil {
		return err
	}
	for _, state := range states {
		s.registry.Restore(state)
		s.gate.RestoreLastSeq(state.DeviceID, state.LastSeq)
		s.detector.RestoreDevice(state.DeviceID, state.LastSeen)
	}
	if len(states) > 0 {
		s.logger.Info("Restored device states",
			zap.Int("count", len(states)),
		)
	}
	return nil
}

// sweepLoop 周期巡检：STALE 检测、在线状态降级、账本补写
func (s *EngineService) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.Engine.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx, time.Now())
		}
	}
}

// Sweep 执行一轮巡检
func (s *EngineService) Sweep(ctx context.Context, now time.Time) {
	s.detector.SweepStale(now)

	for _, device := range s.registry.SweepLiveness(now) {
		if err := s.cacheManager.SaveDeviceState(ctx, domain.DeviceState{
			DeviceID: device.DeviceID,
			LastSeq:  s.gate.LastSeq(device.DeviceID),
			LastSeen: device.LastSeen,
			Liveness: device.Liveness,
		}); err != nil {
			s.logger.Error("Failed to persist device state",
				zap.String("device_id", device.DeviceID),
				zap.Error(err),
			)
		}
	}

	if err := s.auditLedger.Flush(ctx); err != nil {
		s.logger.Warn("Ledger flush incomplete",
			zap.Int("pending", s.auditLedger.PendingCount()),
			zap.Error(err),
		)
	}
}

// publishState 刷新实时缓存并持久化设备状态；缓存失败不影响决策结果
func (s *EngineService) publishState(ctx context.Context, deviceID string, directive domain.ControlDirective) {
	if err := s.cacheManager.SetDirective(ctx, directive); err != nil {
		s.logger.Error("Failed to cache directive",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
	}
	if err := s.cacheManager.SetSupervisorState(ctx, deviceID, s.supervisor.StateOf(deviceID)); err != nil {
		s.logger.Error("Failed to cache supervisor state",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
	}
	if err := s.cacheManager.SetOpenFaults(ctx, deviceID, s.supervisor.OpenFaults(deviceID)); err != nil {
		s.logger.Error("Failed to cache open faults",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
	}

	if device, ok := s.registry.Get(deviceID); ok {
		if err := s.cacheManager.SaveDeviceState(ctx, domain.DeviceState{
			DeviceID: deviceID,
			LastSeq:  s.gate.LastSeq(deviceID),
			LastSeen: device.LastSeen,
			Liveness: device.Liveness,
		}); err != nil {
			s.logger.Error("Failed to persist device state",
				zap.String("device_id", deviceID),
				zap.Error(err),
			)
		}
	}
}

func (s *EngineService) lockDevice(deviceID string) *sync.Mutex {
	s.deviceMuMu.Lock()
	defer s.deviceMuMu.Unlock()
	mu, ok := s.deviceMu[deviceID]
	if !ok {
		mu = &sync.Mutex{}
		s.deviceMu[deviceID] = mu
	}
	return mu
}

// ledgerSink 把故障与接管事件落到账本
// 账本暂时不可用时事件进入待写队列，这里只需处理硬停止的情况
type ledgerSink struct {
	ledger *ledger.Ledger
	logger *zap.Logger
}

func (s *ledgerSink) FaultOpened(rec domain.FaultRecord) {
	s.append(domain.EventFaultOpened, rec.DeviceID, rec)
}

func (s *ledgerSink) FaultResolved(rec domain.FaultRecord) {
	s.append(domain.EventFaultResolved, rec.DeviceID, rec)
}

func (s *ledgerSink) OverrideSet(entry domain.OverrideEntry) {
	s.append(domain.EventOverrideSet, entry.DeviceID, entry)
}

func (s *ledgerSink) OverrideCleared(deviceID string) {
	s.append(domain.EventOverrideCleared, deviceID, map[string]string{"device_id": deviceID})
}

func (s *ledgerSink) append(kind domain.EventKind, deviceID string, payload any) {
	if _, err := s.ledger.Append(context.Background(), ledger.Event{
		Kind:     kind,
		DeviceID: deviceID,
		Payload:  payload,
	}); err != nil {
		s.logger.Error("Failed to record event",
			zap.String("kind", string(kind)),
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
	}
}
