package decision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"aeroledger-engine/internal/config"
	"aeroledger-engine/internal/domain"
	"aeroledger-engine/internal/oracle"
	"aeroledger-engine/internal/supervisor"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OverrideSource 生效接管条目来源（由 override.Registry 实现）
type OverrideSource interface {
	Get(deviceID string) *domain.OverrideEntry
}

// WindowSource 设备最近读数窗口来源（由 fault.Detector 实现）
type WindowSource interface {
	Window(deviceID string) []domain.SensorReading
}

// Engine 决策引擎
// 每次调用产出一条全新指令，优先级固定：
// 人工接管 > 失效安全 > 阈值规则 + 预测服务
// 预测服务只会抬高强度，绝不降低阈值结果；超时或出错时退回阈值结果并标记降级
type Engine struct {
	cfg       *config.Config
	overrides OverrideSource
	windows   WindowSource
	oracle    oracle.Client
	logger    *zap.Logger
}

// NewEngine 创建决策引擎
func NewEngine(cfg *config.Config, overrides OverrideSource, windows WindowSource, oracleClient oracle.Client, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		overrides: overrides,
		windows:   windows,
		oracle:    oracleClient,
		logger:    logger,
	}
}

// Decide 为设备产出一条控制指令
// state 是监督器对当前故障形势的判定，由调用方在本次评估中取得
func (e *Engine) Decide(ctx context.Context, deviceID string, state supervisor.State) domain.ControlDirective {
	if entry := e.overrides.Get(deviceID); entry != nil {
		if state != supervisor.StateFailsafe {
			return e.overrideDirective(deviceID, entry, "manual override active")
		}
		if entry.Emergency && e.cfg.Engine.Override.AllowEmergencyInFailsafe {
			return e.overrideDirective(deviceID, entry, "emergency override honored during failsafe")
		}
		// 非紧急接管在失效安全期间被挂起（条目保留，不删除）
		e.logger.Warn("Override suspended during failsafe",
			zap.String("device_id", deviceID),
			zap.Bool("emergency", entry.Emergency),
		)
	}

	if state == supervisor.StateFailsafe {
		return e.directive(deviceID, true, e.cfg.Engine.Failsafe.Intensity,
			domain.SourceFailsafe, "critical fault present, holding safe intensity")
	}

	fanOn, intensity, rationale := e.thresholdDecision(deviceID)

	if state != supervisor.StateNormal {
		// DEGRADED / RECOVERING：跳过预测服务，只用阈值结果
		return e.directive(deviceID, fanOn, intensity, domain.SourceAutoDegraded, rationale)
	}
	if !e.cfg.Oracle.Enabled {
		return e.directive(deviceID, fanOn, intensity, domain.SourceAuto, rationale)
	}

	window := e.windows.Window(deviceID)
	if len(window) == 0 {
		return e.directive(deviceID, fanOn, intensity, domain.SourceAuto, rationale)
	}

	oracleCtx, cancel := context.WithTimeout(ctx, e.cfg.Oracle.Timeout)
	defer cancel()

	verdict, err := e.oracle.Predict(oracleCtx, deviceID, window)
	if err != nil {
		e.logger.Warn("Oracle unavailable, falling back to threshold decision",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		return e.directive(deviceID, fanOn, intensity, domain.SourceAutoDegraded, rationale)
	}

	if raised := domain.SnapIntensity(verdict.RiskScore * 100); raised > intensity {
		intensity = raised
		fanOn = true
		rationale = joinRationale(rationale,
			fmt.Sprintf("oracle raised intensity to %d (risk %.2f, %s)", raised, verdict.RiskScore, verdict.Classification))
	}

	d := e.directive(deviceID, fanOn || intensity > 0, intensity, domain.SourceAuto, rationale)
	risk := verdict.RiskScore
	d.RiskScore = &risk
	d.Classification = verdict.Classification
	return d
}

// thresholdDecision 阈值规则：取超限最严重通道的超限倍数换算强度
func (e *Engine) thresholdDecision(deviceID string) (bool, int, string) {
	window := e.windows.Window(deviceID)
	if len(window) == 0 {
		return false, 0, "no readings yet"
	}
	latest := window[len(window)-1]

	limits := map[domain.Channel]float64{
		domain.ChannelPM25: e.cfg.Engine.Limits.PM25,
		domain.ChannelCO2:  e.cfg.Engine.Limits.CO2,
		domain.ChannelCO:   e.cfg.Engine.Limits.CO,
		domain.ChannelVOC:  e.cfg.Engine.Limits.VOC,
	}

	worstRatio := 0.0
	var fired []string
	for _, ch := range domain.Channels {
		limit := limits[ch]
		if limit <= 0 {
			continue
		}
		value := latest.Value(ch)
		if value <= limit {
			continue
		}
		fired = append(fired, fmt.Sprintf("%s %.1f above limit %.1f", ch, value, limit))
		if ratio := value / limit; ratio > worstRatio {
			worstRatio = ratio
		}
	}

	if worstRatio == 0 {
		return false, 0, "all channels within limits"
	}

	// 超限即至少半速；超限倍数越高强度越高
	intensity := domain.SnapIntensity(worstRatio * 50)
	if intensity < 50 {
		intensity = 50
	}
	return true, intensity, strings.Join(fired, "; ")
}

func (e *Engine) overrideDirective(deviceID string, entry *domain.OverrideEntry, rationale string) domain.ControlDirective {
	return e.directive(deviceID, entry.FanOn, entry.Intensity, domain.SourceOverride, rationale)
}

func (e *Engine) directive(deviceID string, fanOn bool, intensity int, source domain.DirectiveSource, rationale string) domain.ControlDirective {
	return domain.ControlDirective{
		DirectiveID: uuid.New().String(),
		DeviceID:    deviceID,
		FanOn:       fanOn,
		Intensity:   intensity,
		Source:      source,
		Rationale:   rationale,
		DecidedAt:   time.Now().UTC(),
	}
}

func joinRationale(base, extra string) string {
	if base == "all channels within limits" {
		return extra
	}
	return base + "; " + extra
}
