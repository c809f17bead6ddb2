package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"aeroledger-engine/internal/config"
	"aeroledger-engine/internal/domain"
	"aeroledger-engine/internal/supervisor"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// CacheManager Redis 缓存管理器
// 两类键：
//   - 实时看板缓存（当前指令 / 监督状态 / 未解决故障），带 TTL
//   - 持久化引擎状态（序号水位、在线状态），无 TTL，进程重启时恢复
type CacheManager struct {
	cfg         *config.Config
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewCacheManager 创建缓存管理器
func NewCacheManager(cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) *CacheManager {
	return &CacheManager{
		cfg:         cfg,
		redisClient: redisClient,
		logger:      logger,
	}
}

func (c *CacheManager) realtimeKey(deviceID, suffix string) string {
	return fmt.Sprintf("%s%s%s", c.cfg.Cache.DevicePrefix, deviceID, suffix)
}

func (c *CacheManager) stateKey(deviceID string) string {
	return c.cfg.Cache.StatePrefix + deviceID
}

func (c *CacheManager) realtimeTTL() time.Duration {
	return time.Duration(c.cfg.Cache.RealtimeTTL) * time.Second
}

// SetDirective 写入设备当前指令
func (c *CacheManager) SetDirective(ctx context.Context, directive domain.ControlDirective) error {
	jsonData, err := json.Marshal(directive)
	if err != nil {
		return fmt.Errorf("failed to marshal directive: %w", err)
	}

	key := c.realtimeKey(directive.DeviceID, c.cfg.Cache.DirectiveSuffix)
	if err := c.redisClient.Set(ctx, key, jsonData, c.realtimeTTL()).Err(); err != nil {
		return fmt.Errorf("failed to set directive cache: %w", err)
	}
	return nil
}

// GetDirective 读取设备当前指令；不存在返回 nil
func (c *CacheManager) GetDirective(ctx context.Context, deviceID string) (*domain.ControlDirective, error) {
	key := c.realtimeKey(deviceID, c.cfg.Cache.DirectiveSuffix)
	val, err := c.redisClient.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get directive cache: %w", err)
	}

	var directive domain.ControlDirective
	if err := json.Unmarshal([]byte(val), &directive); err != nil {
		return nil, fmt.Errorf("failed to unmarshal directive: %w", err)
	}
	return &directive, nil
}

// SetSupervisorState 写入设备监督状态
func (c *CacheManager) SetSupervisorState(ctx context.Context, deviceID string, state supervisor.State) error {
	key := c.realtimeKey(deviceID, c.cfg.Cache.SupervisorSuffix)
	if err := c.redisClient.Set(ctx, key, string(state), c.realtimeTTL()).Err(); err != nil {
		return fmt.Errorf("failed to set supervisor state cache: %w", err)
	}
	return nil
}

// SetOpenFaults 写入设备未解决故障列表
func (c *CacheManager) SetOpenFaults(ctx context.Context, deviceID string, faults []domain.FaultRecord) error {
	jsonData, err := json.Marshal(faults)
	if err != nil {
		return fmt.Errorf("failed to marshal faults: %w", err)
	}

	key := c.realtimeKey(deviceID, c.cfg.Cache.FaultsSuffix)
	if err := c.redisClient.Set(ctx, key, jsonData, c.realtimeTTL()).Err(); err != nil {
		return fmt.Errorf("failed to set faults cache: %w", err)
	}
	return nil
}

// SaveDeviceState 持久化设备引擎状态（无 TTL）
func (c *CacheManager) SaveDeviceState(ctx context.Context, state domain.DeviceState) error {
	jsonData, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal device state: %w", err)
	}

	if err := c.redisClient.Set(ctx, c.stateKey(state.DeviceID), jsonData, 0).Err(); err != nil {
		return fmt.Errorf("failed to save device state: %w", err)
	}
	return nil
}

// LoadDeviceStates 扫描全部持久化设备状态（进程启动时恢复序号水位与在线状态）
func (c *CacheManager) LoadDeviceStates(ctx context.Context) ([]domain.DeviceState, error) {
	pattern := c.cfg.Cache.StatePrefix + "*"

	var states []domain.DeviceState
	iter := c.redisClient.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		val, err := c.redisClient.Get(ctx, iter.Val()).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, fmt.Errorf("failed to load device state: %w", err)
		}

		var state domain.DeviceState
		if err := json.Unmarshal([]byte(val), &state); err != nil {
			c.logger.Warn("Skipping corrupt device state entry",
				zap.String("key", iter.Val()),
				zap.Error(err),
			)
			continue
		}
		states = append(states, state)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan device states: %w", err)
	}
	return states, nil
}
