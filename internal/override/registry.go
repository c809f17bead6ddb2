package override

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"aeroledger-engine/internal/domain"

	"go.uber.org/zap"
)

var (
	ErrInvalidIntensity = errors.New("intensity must be between 0 and 100")
	ErrInvalidTTL       = errors.New("ttl must be positive")
	ErrUnknownDevice    = errors.New("unknown device")
)

// DeviceChecker 设备已知性校验（由 DeviceRegistry 实现）
type DeviceChecker interface {
	Has(deviceID string) bool
}

// EventSink 接管事件接收方（账本）
type EventSink interface {
	OverrideSet(entry domain.OverrideEntry)
	OverrideCleared(deviceID string)
}

// Registry 人工接管注册表
// 每设备最多一条条目；过期在读取时惰性判断，过期条目绝不作为生效条目返回
type Registry struct {
	devices DeviceChecker
	logger  *zap.Logger

	mu      sync.Mutex
	entries map[string]domain.OverrideEntry
	sinks   []EventSink
}

// NewRegistry 创建接管注册表
func NewRegistry(devices DeviceChecker, logger *zap.Logger) *Registry {
	return &Registry{
		devices: devices,
		logger:  logger,
		entries: make(map[string]domain.OverrideEntry),
	}
}

// AddSink 注册事件接收方
func (r *Registry) AddSink(sink EventSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, sink)
}

// Set 设置接管条目；替换既有条目是原子的
func (r *Registry) Set(deviceID string, fanOn bool, intensity int, emergency bool, ttl time.Duration) (domain.OverrideEntry, error) {
	if intensity < 0 || intensity > 100 {
		return domain.OverrideEntry{}, fmt.Errorf("%w: got %d", ErrInvalidIntensity, intensity)
	}
	if ttl <= 0 {
		return domain.OverrideEntry{}, fmt.Errorf("%w: got %s", ErrInvalidTTL, ttl)
	}
	if !r.devices.Has(deviceID) {
		return domain.OverrideEntry{}, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}

	now := time.Now()
	entry := domain.OverrideEntry{
		DeviceID:  deviceID,
		FanOn:     fanOn,
		Intensity: intensity,
		Emergency: emergency,
		SetAt:     now,
		ExpiresAt: now.Add(ttl),
	}

	r.mu.Lock()
	r.entries[deviceID] = entry
	sinks := r.sinks
	r.mu.Unlock()

	r.logger.Info("Override set",
		zap.String("device_id", deviceID),
		zap.Bool("fan_on", fanOn),
		zap.Int("intensity", intensity),
		zap.Bool("emergency", emergency),
		zap.Duration("ttl", ttl),
	)
	for _, sink := range sinks {
		sink.OverrideSet(entry)
	}
	return entry, nil
}

// Clear 清除接管条目
func (r *Registry) Clear(deviceID string) {
	r.mu.Lock()
	_, existed := r.entries[deviceID]
	delete(r.entries, deviceID)
	sinks := r.sinks
	r.mu.Unlock()

	if !existed {
		return
	}
	r.logger.Info("Override cleared",
		zap.String("device_id", deviceID),
	)
	for _, sink := range sinks {
		sink.OverrideCleared(deviceID)
	}
}

// Get 获取生效的接管条目；过期或不存在返回 nil
func (r *Registry) Get(deviceID string) *domain.OverrideEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[deviceID]
	if !ok {
		return nil
	}
	if !entry.Active(time.Now()) {
		// 惰性清理：过期条目逻辑上不存在
		delete(r.entries, deviceID)
		return nil
	}
	return &entry
}
