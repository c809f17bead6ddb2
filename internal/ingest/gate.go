package ingest

import (
	"errors"
	"fmt"
	"sync"

	"aeroledger-engine/internal/config"
	"aeroledger-engine/internal/domain"
	"aeroledger-engine/internal/fault"
	"aeroledger-engine/internal/registry"

	"go.uber.org/zap"
)

// 入口校验错误（上报给调用方，不重试、不重排）
var (
	ErrStaleSequence = errors.New("sequence number not greater than last accepted")
	ErrNegativeValue = errors.New("sensor value is negative")
	ErrOutOfCeiling  = errors.New("sensor value exceeds hard physical ceiling")
)

// Gate 传感器读数入口
// 校验并规范化读数；拒绝时不产生任何状态变更（重放已拒绝读数是幂等的）
type Gate struct {
	cfg      *config.Config
	registry *registry.DeviceRegistry
	detector *fault.Detector
	logger   *zap.Logger

	mu      sync.Mutex
	lastSeq map[string]uint64
}

// NewGate 创建入口
func NewGate(cfg *config.Config, reg *registry.DeviceRegistry, detector *fault.Detector, logger *zap.Logger) *Gate {
	return &Gate{
		cfg:      cfg,
		registry: reg,
		detector: detector,
		logger:   logger,
		lastSeq:  make(map[string]uint64),
	}
}

// RestoreLastSeq 从持久化状态恢复序号水位（启动时调用）
// 水位为 0 也要落表：校验以条目是否存在为准，0 号读数重启后同样不可重放
func (g *Gate) RestoreLastSeq(deviceID string, seq uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.lastSeq[deviceID]; !ok || seq > cur {
		g.lastSeq[deviceID] = seq
	}
}

// LastSeq 设备最近接受的序号
func (g *Gate) LastSeq(deviceID string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastSeq[deviceID]
}

// Ingest 处理一条读数
// 接受时：更新序号水位、刷新设备在线状态、转发给故障检测器
// 拒绝时：返回错误且不产生任何副作用
func (g *Gate) Ingest(reading domain.SensorReading) error {
	if err := g.validate(&reading); err != nil {
		g.logger.Warn("Reading rejected",
			zap.String("device_id", reading.DeviceID),
			zap.Uint64("seq", reading.Seq),
			zap.Error(err),
		)
		return err
	}

	g.mu.Lock()
	g.lastSeq[reading.DeviceID] = reading.Seq
	g.mu.Unlock()

	g.registry.Touch(reading.DeviceID, reading.Timestamp)
	g.detector.Observe(reading)

	g.logger.Debug("Reading accepted",
		zap.String("device_id", reading.DeviceID),
		zap.Uint64("seq", reading.Seq),
	)
	return nil
}

func (g *Gate) validate(reading *domain.SensorReading) error {
	g.mu.Lock()
	last, seen := g.lastSeq[reading.DeviceID]
	g.mu.Unlock()

	// 序号必须严格递增；乱序数据只拒绝，绝不重排
	if seen && reading.Seq <= last {
		return fmt.Errorf("%w: seq=%d last=%d", ErrStaleSequence, reading.Seq, last)
	}

	ceilings := map[domain.Channel]float64{
		domain.ChannelPM25: g.cfg.Engine.Ceilings.PM25,
		domain.ChannelCO2:  g.cfg.Engine.Ceilings.CO2,
		domain.ChannelCO:   g.cfg.Engine.Ceilings.CO,
		domain.ChannelVOC:  g.cfg.Engine.Ceilings.VOC,
	}
	for _, ch := range domain.Channels {
		v := reading.Value(ch)
		if v < 0 {
			return fmt.Errorf("%w: %s=%.2f", ErrNegativeValue, ch, v)
		}
		if v > ceilings[ch] {
			return fmt.Errorf("%w: %s=%.2f ceiling=%.0f", ErrOutOfCeiling, ch, v, ceilings[ch])
		}
	}
	return nil
}
