package ingest

import (
	"testing"
	"time"

	"aeroledger-engine/internal/config"
	"aeroledger-engine/internal/domain"
	"aeroledger-engine/internal/fault"
	"aeroledger-engine/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestGate(t *testing.T) (*Gate, *registry.DeviceRegistry, *fault.Detector) {
	cfg, err := config.Load()
	require.NoError(t, err)

	logger := zap.NewNop()
	reg := registry.NewDeviceRegistry(cfg, logger)
	detector := fault.NewDetector(cfg, logger)
	return NewGate(cfg, reg, detector, logger), reg, detector
}

func testReading(seq uint64) domain.SensorReading {
	return domain.SensorReading{
		DeviceID:  "ESP32_001",
		Seq:       seq,
		Timestamp: time.Now(),
		PM25:      45.2,
		CO2:       850,
		CO:        12.5,
		VOC:       120,
	}
}

func TestIngest_AcceptsStrictlyIncreasingSequence(t *testing.T) {
	gate, reg, detector := newTestGate(t)

	require.NoError(t, gate.Ingest(testReading(1)))
	require.NoError(t, gate.Ingest(testReading(2)))
	require.NoError(t, gate.Ingest(testReading(5))) // 允许跳号，只要求严格递增

	assert.Equal(t, uint64(5), gate.LastSeq("ESP32_001"))

	dev, ok := reg.Get("ESP32_001")
	require.True(t, ok)
	assert.Equal(t, domain.LivenessOnline, dev.Liveness)

	assert.Len(t, detector.Window("ESP32_001"), 3)
}

func TestIngest_RejectsStaleAndDuplicateSequence(t *testing.T) {
	gate, _, detector := newTestGate(t)

	require.NoError(t, gate.Ingest(testReading(5)))

	assert.ErrorIs(t, gate.Ingest(testReading(5)), ErrStaleSequence) // 重复
	assert.ErrorIs(t, gate.Ingest(testReading(3)), ErrStaleSequence) // 乱序

	assert.Equal(t, uint64(5), gate.LastSeq("ESP32_001"))
	assert.Len(t, detector.Window("ESP32_001"), 1)
}

func TestIngest_RejectsNegativeAndCeilingValues(t *testing.T) {
	gate, _, _ := newTestGate(t)

	r := testReading(1)
	r.CO = -1
	assert.ErrorIs(t, gate.Ingest(r), ErrNegativeValue)

	r = testReading(1)
	r.PM25 = 1500 // 入口硬上限 1000
	assert.ErrorIs(t, gate.Ingest(r), ErrOutOfCeiling)

	// 拒绝不更新序号水位
	assert.Equal(t, uint64(0), gate.LastSeq("ESP32_001"))
}

func TestIngest_RejectedReplayIsIdempotent(t *testing.T) {
	// 重放同一条已被拒绝的读数不得改变任何设备或故障状态
	gate, reg, detector := newTestGate(t)

	require.NoError(t, gate.Ingest(testReading(5)))
	devBefore, _ := reg.Get("ESP32_001")
	windowBefore := len(detector.Window("ESP32_001"))

	stale := testReading(3)
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, gate.Ingest(stale), ErrStaleSequence)
	}

	devAfter, _ := reg.Get("ESP32_001")
	assert.Equal(t, devBefore, devAfter)
	assert.Equal(t, windowBefore, len(detector.Window("ESP32_001")))
	assert.Empty(t, detector.OpenFaults("ESP32_001"))
}

func TestRestoreLastSeq(t *testing.T) {
	gate, _, _ := newTestGate(t)

	gate.RestoreLastSeq("ESP32_001", 42)
	assert.ErrorIs(t, gate.Ingest(testReading(42)), ErrStaleSequence)
	require.NoError(t, gate.Ingest(testReading(43)))

	// 恢复不回退已有水位
	gate.RestoreLastSeq("ESP32_001", 10)
	assert.Equal(t, uint64(43), gate.LastSeq("ESP32_001"))
}

func TestRestoreLastSeq_ZeroWatermark(t *testing.T) {
	gate, _, _ := newTestGate(t)

	// 唯一接受过的读数是 0 号：恢复后重启重放同样被拒
	gate.RestoreLastSeq("ESP32_001", 0)
	assert.ErrorIs(t, gate.Ingest(testReading(0)), ErrStaleSequence)
	require.NoError(t, gate.Ingest(testReading(1)))
}
