package registry

import (
	"testing"
	"time"

	"aeroledger-engine/internal/config"
	"aeroledger-engine/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRegistry(t *testing.T) *DeviceRegistry {
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Engine.Registry.StaleAfter = 2 * time.Minute
	cfg.Engine.Registry.OfflineAfter = 5 * time.Minute

	return NewDeviceRegistry(cfg, zap.NewNop())
}

func TestTouch_RegistersAndGoesOnline(t *testing.T) {
	reg := newTestRegistry(t)
	now := time.Now()

	assert.False(t, reg.Has("ESP32_001"))

	reg.Touch("ESP32_001", now)

	dev, ok := reg.Get("ESP32_001")
	require.True(t, ok)
	assert.Equal(t, domain.LivenessOnline, dev.Liveness)
	assert.Equal(t, now, dev.LastSeen)
}

func TestSweepLiveness_Transitions(t *testing.T) {
	reg := newTestRegistry(t)
	now := time.Now()

	reg.Touch("ESP32_001", now)
	reg.Touch("ESP32_002", now)

	// 3分钟静默 -> STALE
	changed := reg.SweepLiveness(now.Add(3 * time.Minute))
	require.Len(t, changed, 2)
	for _, dev := range changed {
		assert.Equal(t, domain.LivenessStale, dev.Liveness)
	}

	// 6分钟静默 -> OFFLINE
	changed = reg.SweepLiveness(now.Add(6 * time.Minute))
	require.Len(t, changed, 2)
	for _, dev := range changed {
		assert.Equal(t, domain.LivenessOffline, dev.Liveness)
	}

	// 无变化时不重复上报
	changed = reg.SweepLiveness(now.Add(7 * time.Minute))
	assert.Empty(t, changed)

	// 新读数到达恢复 ONLINE
	reg.Touch("ESP32_001", now.Add(8*time.Minute))
	dev, ok := reg.Get("ESP32_001")
	require.True(t, ok)
	assert.Equal(t, domain.LivenessOnline, dev.Liveness)
}

func TestRestore_DoesNotOverwriteLiveDevice(t *testing.T) {
	reg := newTestRegistry(t)
	now := time.Now()

	reg.Touch("ESP32_001", now)
	reg.Restore(domain.DeviceState{
		DeviceID: "ESP32_001",
		LastSeen: now.Add(-time.Hour),
		Liveness: domain.LivenessOffline,
	})

	dev, ok := reg.Get("ESP32_001")
	require.True(t, ok)
	assert.Equal(t, domain.LivenessOnline, dev.Liveness)

	// 未知设备可恢复
	reg.Restore(domain.DeviceState{
		DeviceID: "ESP32_002",
		LastSeen: now.Add(-time.Hour),
		Liveness: domain.LivenessOffline,
	})
	dev, ok = reg.Get("ESP32_002")
	require.True(t, ok)
	assert.Equal(t, domain.LivenessOffline, dev.Liveness)
}
