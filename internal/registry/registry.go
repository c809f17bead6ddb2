package registry

import (
	"sync"
	"time"

	"aeroledger-engine/internal/config"
	"aeroledger-engine/internal/domain"

	"go.uber.org/zap"
)

// DeviceRegistry 设备注册表
// 跟踪已知设备及最近一次读数时间；在线状态仅由到达间隔推导
type DeviceRegistry struct {
	cfg    *config.Config
	logger *zap.Logger

	mu      sync.RWMutex
	devices map[string]*domain.Device
}

// NewDeviceRegistry 创建设备注册表
func NewDeviceRegistry(cfg *config.Config, logger *zap.Logger) *DeviceRegistry {
	return &DeviceRegistry{
		cfg:     cfg,
		logger:  logger,
		devices: make(map[string]*domain.Device),
	}
}

// Touch 记录一次已接受的读数到达；设备不存在则登记，任何到达都使其 ONLINE
func (r *DeviceRegistry) Touch(deviceID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[deviceID]
	if !ok {
		dev = &domain.Device{DeviceID: deviceID}
		r.devices[deviceID] = dev
		r.logger.Info("Device registered",
			zap.String("device_id", deviceID),
		)
	}
	dev.LastSeen = at
	dev.Liveness = domain.LivenessOnline
}

// Restore 从持久化状态恢复设备（进程启动时调用，不改变已存在的设备）
func (r *DeviceRegistry) Restore(state domain.DeviceState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[state.DeviceID]; ok {
		return
	}
	r.devices[state.DeviceID] = &domain.Device{
		DeviceID: state.DeviceID,
		LastSeen: state.LastSeen,
		Liveness: state.Liveness,
	}
}

// Get 获取设备
func (r *DeviceRegistry) Get(deviceID string) (domain.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dev, ok := r.devices[deviceID]
	if !ok {
		return domain.Device{}, false
	}
	return *dev, true
}

// Has 设备是否已知
func (r *DeviceRegistry) Has(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.devices[deviceID]
	return ok
}

// List 列出全部设备
func (r *DeviceRegistry) List() []domain.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	devices := make([]domain.Device, 0, len(r.devices))
	for _, dev := range r.devices {
		devices = append(devices, *dev)
	}
	return devices
}

// SweepLiveness 周期巡检在线状态，返回状态发生变化的设备
func (r *DeviceRegistry) SweepLiveness(now time.Time) []domain.Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changed []domain.Device
	for _, dev := range r.devices {
		silence := now.Sub(dev.LastSeen)

		next := domain.LivenessOnline
		switch {
		case silence > r.cfg.Engine.Registry.OfflineAfter:
			next = domain.LivenessOffline
		case silence > r.cfg.Engine.Registry.StaleAfter:
			next = domain.LivenessStale
		}

		if next != dev.Liveness {
			dev.Liveness = next
			changed = append(changed, *dev)
			r.logger.Warn("Device liveness changed",
				zap.String("device_id", dev.DeviceID),
				zap.String("liveness", string(next)),
				zap.Duration("silence", silence),
			)
		}
	}
	return changed
}
