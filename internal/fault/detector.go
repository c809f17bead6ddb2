package fault

import (
	"fmt"
	"sync"
	"time"

	"aeroledger-engine/internal/config"
	"aeroledger-engine/internal/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventSink 故障事件接收方（监督器、账本）
type EventSink interface {
	FaultOpened(rec domain.FaultRecord)
	FaultResolved(rec domain.FaultRecord)
}

// finding 单条规则的一次命中
type finding struct {
	channel  domain.Channel
	severity domain.Severity
	details  string
}

// deviceWindow 单设备的检测状态
type deviceWindow struct {
	readings     []domain.SensorReading // 最近 K 条已接受读数
	lastAccepted time.Time
	open         map[domain.FaultKind]*domain.FaultRecord
	quiet        map[domain.FaultKind]int // 连续未命中次数（滞回计数）
}

// Detector 故障检测器
// 每设备维护有界滑动窗口；规则命中立即开故障，
// 连续 ResolveAfter 次评估不再命中才解除（滞回抑制边界震荡）
type Detector struct {
	cfg    *config.Config
	logger *zap.Logger

	mu      sync.Mutex
	devices map[string]*deviceWindow
	sinks   []EventSink
}

// NewDetector 创建故障检测器
func NewDetector(cfg *config.Config, logger *zap.Logger) *Detector {
	return &Detector{
		cfg:     cfg,
		logger:  logger,
		devices: make(map[string]*deviceWindow),
	}
}

// AddSink 注册故障事件接收方
func (d *Detector) AddSink(sink EventSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, sink)
}

// Observe 处理一条已接受的读数：入窗并评估入口驱动的规则
// （STALE 由周期巡检 SweepStale 评估，不在此处）
func (d *Detector) Observe(reading domain.SensorReading) {
	d.mu.Lock()

	dw := d.window(reading.DeviceID)
	dw.readings = append(dw.readings, reading)
	if len(dw.readings) > d.cfg.Engine.Fault.WindowSize {
		dw.readings = dw.readings[1:]
	}
	dw.lastAccepted = reading.Timestamp

	findings := map[domain.FaultKind]finding{}
	if f, ok := d.checkStuck(dw); ok {
		findings[domain.FaultStuck] = f
	}
	if f, ok := d.checkOutOfRange(&reading); ok {
		findings[domain.FaultOutOfRange] = f
	}
	if f, ok := d.checkCrossInconsistent(&reading); ok {
		findings[domain.FaultCrossInconsistent] = f
	}

	ingestKinds := []domain.FaultKind{domain.FaultStuck, domain.FaultOutOfRange, domain.FaultCrossInconsistent}
	events := d.apply(reading.DeviceID, dw, ingestKinds, findings, reading.Timestamp)

	d.mu.Unlock()
	d.emit(events)
}

// RestoreDevice 从持久化状态恢复设备的静默基线（启动时调用）
// 窗口为空但 lastAccepted 已知，重启后持续静默的设备照常进入 STALE
func (d *Detector) RestoreDevice(deviceID string, lastSeen time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dw := d.window(deviceID)
	if lastSeen.After(dw.lastAccepted) {
		dw.lastAccepted = lastSeen
	}
}

// SweepStale 周期巡检：检查每个设备是否超过静默窗口
func (d *Detector) SweepStale(now time.Time) {
	d.mu.Lock()

	var events []sinkEvent
	for deviceID, dw := range d.devices {
		findings := map[domain.FaultKind]finding{}
		silence := now.Sub(dw.lastAccepted)
		if silence > d.cfg.Engine.Fault.StaleSilence {
			severity := domain.SeverityMedium
			if silence > d.cfg.Engine.Fault.FailsafeSilence {
				severity = domain.SeverityHigh
			}
			findings[domain.FaultStale] = finding{
				severity: severity,
				details:  fmt.Sprintf("no accepted reading for %s", silence.Truncate(time.Second)),
			}
		}
		events = append(events, d.apply(deviceID, dw, []domain.FaultKind{domain.FaultStale}, findings, now)...)
	}

	d.mu.Unlock()
	d.emit(events)
}

// Latest 设备最近一条已接受读数
func (d *Detector) Latest(deviceID string) (domain.SensorReading, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dw, ok := d.devices[deviceID]
	if !ok || len(dw.readings) == 0 {
		return domain.SensorReading{}, false
	}
	return dw.readings[len(dw.readings)-1], true
}

// Window 设备当前窗口（旧到新）的副本
func (d *Detector) Window(deviceID string) []domain.SensorReading {
	d.mu.Lock()
	defer d.mu.Unlock()

	dw, ok := d.devices[deviceID]
	if !ok {
		return nil
	}
	out := make([]domain.SensorReading, len(dw.readings))
	copy(out, dw.readings)
	return out
}

// OpenFaults 设备当前未解决故障
func (d *Detector) OpenFaults(deviceID string) []domain.FaultRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	dw, ok := d.devices[deviceID]
	if !ok {
		return nil
	}
	var out []domain.FaultRecord
	for _, rec := range dw.open {
		out = append(out, *rec)
	}
	return out
}

func (d *Detector) window(deviceID string) *deviceWindow {
	dw, ok := d.devices[deviceID]
	if !ok {
		dw = &deviceWindow{
			open:  make(map[domain.FaultKind]*domain.FaultRecord),
			quiet: make(map[domain.FaultKind]int),
		}
		d.devices[deviceID] = dw
	}
	return dw
}

// checkStuck 某通道最近 StuckThreshold 条读数在容差内完全相同
func (d *Detector) checkStuck(dw *deviceWindow) (finding, bool) {
	n := d.cfg.Engine.Fault.StuckThreshold
	if len(dw.readings) < n {
		return finding{}, false
	}
	recent := dw.readings[len(dw.readings)-n:]
	eps := d.cfg.Engine.Fault.StuckEpsilon

	for _, ch := range domain.Channels {
		first := recent[0].Value(ch)
		stuck := true
		for _, r := range recent[1:] {
			if diff := r.Value(ch) - first; diff > eps || diff < -eps {
				stuck = false
				break
			}
		}
		if stuck {
			return finding{
				channel:  ch,
				severity: domain.SeverityMedium,
				details:  fmt.Sprintf("%s sensor stuck at %.2f for %d readings", ch, first, n),
			}, true
		}
	}
	return finding{}, false
}

// checkOutOfRange 值超出通道物理合理区间（已通过入口硬上限，但不合情理）
func (d *Detector) checkOutOfRange(r *domain.SensorReading) (finding, bool) {
	for _, ch := range domain.Channels {
		band, ok := d.cfg.Engine.Fault.Bands[string(ch)]
		if !ok {
			continue
		}
		v := r.Value(ch)
		if v < band.Min || v > band.Max {
			severity := domain.SeverityMedium
			if domain.PrimaryChannels[ch] {
				severity = domain.SeverityHigh
			}
			return finding{
				channel:  ch,
				severity: severity,
				details:  fmt.Sprintf("%s=%.2f outside plausible band [%.0f, %.0f]", ch, v, band.Min, band.Max),
			}, true
		}
	}
	return finding{}, false
}

// checkCrossInconsistent 跨通道物理一致性检查
func (d *Detector) checkCrossInconsistent(r *domain.SensorReading) (finding, bool) {
	// 高 PM2.5 但 CO 和 VOC 都极低：烟雾应伴随一定的 CO 或 VOC
	if r.PM25 > 200 && r.CO < 10 && r.VOC < 10 {
		return finding{
			channel:  domain.ChannelPM25,
			severity: domain.SeverityHigh,
			details:  fmt.Sprintf("high pm25 (%.2f) but very low co (%.2f) and voc (%.2f)", r.PM25, r.CO, r.VOC),
		}, true
	}
	// 高 CO 但 CO2 正常：燃烧会同时产生两者
	if r.CO > 100 && r.CO2 < 500 {
		return finding{
			channel:  domain.ChannelCO,
			severity: domain.SeverityHigh,
			details:  fmt.Sprintf("high co (%.2f) but normal co2 (%.2f)", r.CO, r.CO2),
		}, true
	}
	return finding{}, false
}

type sinkEvent struct {
	opened bool
	rec    domain.FaultRecord
}

// apply 对给定类型集合执行 开启/滞回解除 逻辑，返回待发布的事件
// 必须持有 d.mu 调用
func (d *Detector) apply(deviceID string, dw *deviceWindow, kinds []domain.FaultKind, findings map[domain.FaultKind]finding, at time.Time) []sinkEvent {
	var events []sinkEvent

	for _, kind := range kinds {
		f, fired := findings[kind]
		open := dw.open[kind]

		switch {
		case fired && open == nil:
			rec := &domain.FaultRecord{
				FaultID:    uuid.New().String(),
				DeviceID:   deviceID,
				Kind:       kind,
				Channel:    f.channel,
				Severity:   f.severity,
				Details:    f.details,
				DetectedAt: at,
			}
			dw.open[kind] = rec
			dw.quiet[kind] = 0
			events = append(events, sinkEvent{opened: true, rec: *rec})

		case fired && open != nil:
			dw.quiet[kind] = 0
			// 静默超过更硬阈值等场景下严重级别会升级；升级需要重新上报
			if f.severity == domain.SeverityHigh && open.Severity != domain.SeverityHigh {
				open.Severity = domain.SeverityHigh
				open.Details = f.details
				events = append(events, sinkEvent{opened: true, rec: *open})
			}

		case !fired && open != nil:
			dw.quiet[kind]++
			if dw.quiet[kind] >= d.cfg.Engine.Fault.ResolveAfter {
				resolvedAt := at
				open.ResolvedAt = &resolvedAt
				events = append(events, sinkEvent{opened: false, rec: *open})
				delete(dw.open, kind)
				dw.quiet[kind] = 0
			}
		}
	}
	return events
}

func (d *Detector) emit(events []sinkEvent) {
	d.mu.Lock()
	sinks := d.sinks
	d.mu.Unlock()

	for _, ev := range events {
		if ev.opened {
			d.logger.Warn("Fault opened",
				zap.String("device_id", ev.rec.DeviceID),
				zap.String("kind", string(ev.rec.Kind)),
				zap.String("severity", string(ev.rec.Severity)),
				zap.String("details", ev.rec.Details),
			)
		} else {
			d.logger.Info("Fault resolved",
				zap.String("device_id", ev.rec.DeviceID),
				zap.String("kind", string(ev.rec.Kind)),
			)
		}
		for _, sink := range sinks {
			if ev.opened {
				sink.FaultOpened(ev.rec)
			} else {
				sink.FaultResolved(ev.rec)
			}
		}
	}
}
