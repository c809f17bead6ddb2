package decision

import (
	"context"
	"errors"
	"testing"
	"time"

	"aeroledger-engine/internal/config"
	"aeroledger-engine/internal/domain"
	"aeroledger-engine/internal/oracle"
	"aeroledger-engine/internal/supervisor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubOverrides struct {
	entry *domain.OverrideEntry
}

func (s *stubOverrides) Get(deviceID string) *domain.OverrideEntry {
	return s.entry
}

type stubWindows struct {
	readings []domain.SensorReading
}

func (s *stubWindows) Window(deviceID string) []domain.SensorReading {
	return s.readings
}

type stubOracle struct {
	verdict *oracle.Verdict
	err     error
	calls   int
}

func (s *stubOracle) Predict(ctx context.Context, deviceID string, window []domain.SensorReading) (*oracle.Verdict, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.verdict, nil
}

func testEngineConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Engine.Limits.PM25 = 35
	cfg.Engine.Limits.CO2 = 1000
	cfg.Engine.Limits.CO = 50
	cfg.Engine.Limits.VOC = 200
	cfg.Engine.Failsafe.Intensity = 50
	cfg.Engine.Override.AllowEmergencyInFailsafe = true
	cfg.Oracle.Enabled = true
	cfg.Oracle.Timeout = 2 * time.Second
	return cfg
}

func reading(pm25, co2, co, voc float64) domain.SensorReading {
	return domain.SensorReading{
		DeviceID:  "device-001",
		Seq:       1,
		Timestamp: time.Now().UTC(),
		PM25:      pm25,
		CO2:       co2,
		CO:        co,
		VOC:       voc,
	}
}

func newTestEngine(cfg *config.Config, ov *stubOverrides, w *stubWindows, oc *stubOracle) *Engine {
	return NewEngine(cfg, ov, w, oc, zap.NewNop())
}

func TestDecide_CleanReadingsFanOff(t *testing.T) {
	oc := &stubOracle{verdict: &oracle.Verdict{RiskScore: 0.05, Classification: "clean"}}
	engine := newTestEngine(testEngineConfig(), &stubOverrides{},
		&stubWindows{readings: []domain.SensorReading{reading(10, 450, 1, 30)}}, oc)

	d := engine.Decide(context.Background(), "device-001", supervisor.StateNormal)

	assert.Equal(t, domain.SourceAuto, d.Source)
	assert.False(t, d.FanOn)
	assert.Equal(t, 0, d.Intensity)
	require.NotNil(t, d.RiskScore)
	assert.InDelta(t, 0.05, *d.RiskScore, 1e-9)
	assert.Equal(t, "clean", d.Classification)
}

func TestDecide_PM25AboveLimitForcesFanOn(t *testing.T) {
	oc := &stubOracle{verdict: &oracle.Verdict{RiskScore: 0.1, Classification: "cooking"}}
	engine := newTestEngine(testEngineConfig(), &stubOverrides{},
		&stubWindows{readings: []domain.SensorReading{reading(150, 450, 1, 30)}}, oc)

	d := engine.Decide(context.Background(), "device-001", supervisor.StateNormal)

	assert.Equal(t, domain.SourceAuto, d.Source)
	assert.True(t, d.FanOn)
	// 150/35 ≈ 4.3 倍超限，强度顶到最高档
	assert.Equal(t, 100, d.Intensity)
	assert.Contains(t, d.Rationale, "pm25 150.0 above limit 35.0")
}

func TestDecide_ThresholdFiredAlwaysAtLeastHalfSpeed(t *testing.T) {
	oc := &stubOracle{verdict: &oracle.Verdict{RiskScore: 0.1, Classification: "unknown"}}
	engine := newTestEngine(testEngineConfig(), &stubOverrides{},
		&stubWindows{readings: []domain.SensorReading{reading(36, 450, 1, 30)}}, oc)

	d := engine.Decide(context.Background(), "device-001", supervisor.StateNormal)

	assert.True(t, d.FanOn)
	assert.Equal(t, 50, d.Intensity)
}

func TestDecide_OverrideTakesPrecedence(t *testing.T) {
	now := time.Now()
	ov := &stubOverrides{entry: &domain.OverrideEntry{
		DeviceID:  "device-001",
		FanOn:     false,
		Intensity: 0,
		SetAt:     now,
		ExpiresAt: now.Add(time.Hour),
	}}
	oc := &stubOracle{verdict: &oracle.Verdict{RiskScore: 0.9, Classification: "cigarette"}}
	engine := newTestEngine(testEngineConfig(), ov,
		&stubWindows{readings: []domain.SensorReading{reading(150, 450, 1, 30)}}, oc)

	d := engine.Decide(context.Background(), "device-001", supervisor.StateNormal)

	assert.Equal(t, domain.SourceOverride, d.Source)
	assert.False(t, d.FanOn)
	assert.Equal(t, 0, d.Intensity)
	assert.Equal(t, 0, oc.calls)
}

func TestDecide_OracleErrorFallsBackDegraded(t *testing.T) {
	oc := &stubOracle{err: errors.New("context deadline exceeded")}
	engine := newTestEngine(testEngineConfig(), &stubOverrides{},
		&stubWindows{readings: []domain.SensorReading{reading(150, 450, 1, 30)}}, oc)

	d := engine.Decide(context.Background(), "device-001", supervisor.StateNormal)

	assert.Equal(t, domain.SourceAutoDegraded, d.Source)
	assert.True(t, d.FanOn)
	assert.Equal(t, 100, d.Intensity)
	assert.Nil(t, d.RiskScore)
}

func TestDecide_DegradedStateSkipsOracle(t *testing.T) {
	oc := &stubOracle{verdict: &oracle.Verdict{RiskScore: 0.9, Classification: "chemical"}}
	engine := newTestEngine(testEngineConfig(), &stubOverrides{},
		&stubWindows{readings: []domain.SensorReading{reading(10, 450, 1, 30)}}, oc)

	d := engine.Decide(context.Background(), "device-001", supervisor.StateDegraded)

	assert.Equal(t, domain.SourceAutoDegraded, d.Source)
	assert.Equal(t, 0, oc.calls)
}

func TestDecide_FailsafeFixedDirective(t *testing.T) {
	oc := &stubOracle{verdict: &oracle.Verdict{RiskScore: 0.0, Classification: "clean"}}
	engine := newTestEngine(testEngineConfig(), &stubOverrides{},
		&stubWindows{readings: []domain.SensorReading{reading(10, 450, 1, 30)}}, oc)

	d := engine.Decide(context.Background(), "device-001", supervisor.StateFailsafe)

	assert.Equal(t, domain.SourceFailsafe, d.Source)
	assert.True(t, d.FanOn)
	assert.Equal(t, 50, d.Intensity)
	assert.Equal(t, 0, oc.calls)
}

func TestDecide_NonEmergencyOverrideSuspendedInFailsafe(t *testing.T) {
	now := time.Now()
	ov := &stubOverrides{entry: &domain.OverrideEntry{
		DeviceID:  "device-001",
		FanOn:     false,
		Intensity: 0,
		Emergency: false,
		SetAt:     now,
		ExpiresAt: now.Add(time.Hour),
	}}
	engine := newTestEngine(testEngineConfig(), ov,
		&stubWindows{readings: []domain.SensorReading{reading(10, 450, 1, 30)}}, &stubOracle{})

	d := engine.Decide(context.Background(), "device-001", supervisor.StateFailsafe)

	assert.Equal(t, domain.SourceFailsafe, d.Source)
	assert.True(t, d.FanOn)
}

func TestDecide_EmergencyOverrideInFailsafe(t *testing.T) {
	now := time.Now()
	entry := &domain.OverrideEntry{
		DeviceID:  "device-001",
		FanOn:     true,
		Intensity: 100,
		Emergency: true,
		SetAt:     now,
		ExpiresAt: now.Add(time.Hour),
	}
	windows := &stubWindows{readings: []domain.SensorReading{reading(10, 450, 1, 30)}}

	// 策略允许：紧急接管在失效安全期间生效
	cfg := testEngineConfig()
	engine := newTestEngine(cfg, &stubOverrides{entry: entry}, windows, &stubOracle{})
	d := engine.Decide(context.Background(), "device-001", supervisor.StateFailsafe)
	assert.Equal(t, domain.SourceOverride, d.Source)
	assert.Equal(t, 100, d.Intensity)

	// 策略禁止：紧急接管同样被挂起
	cfg = testEngineConfig()
	cfg.Engine.Override.AllowEmergencyInFailsafe = false
	engine = newTestEngine(cfg, &stubOverrides{entry: entry}, windows, &stubOracle{})
	d = engine.Decide(context.Background(), "device-001", supervisor.StateFailsafe)
	assert.Equal(t, domain.SourceFailsafe, d.Source)
	assert.Equal(t, 50, d.Intensity)
}

func TestDecide_OracleOnlyRaisesIntensity(t *testing.T) {
	// 阈值结果已达最高档，预测服务低风险不能压低它
	oc := &stubOracle{verdict: &oracle.Verdict{RiskScore: 0.2, Classification: "cooking"}}
	engine := newTestEngine(testEngineConfig(), &stubOverrides{},
		&stubWindows{readings: []domain.SensorReading{reading(150, 450, 1, 30)}}, oc)

	d := engine.Decide(context.Background(), "device-001", supervisor.StateNormal)

	assert.Equal(t, 100, d.Intensity)
	assert.Equal(t, domain.SourceAuto, d.Source)
}

func TestDecide_OracleRaisesCleanThresholds(t *testing.T) {
	oc := &stubOracle{verdict: &oracle.Verdict{RiskScore: 0.8, Classification: "cigarette", Rationale: "sharp voc rise"}}
	engine := newTestEngine(testEngineConfig(), &stubOverrides{},
		&stubWindows{readings: []domain.SensorReading{reading(20, 450, 1, 150)}}, oc)

	d := engine.Decide(context.Background(), "device-001", supervisor.StateNormal)

	assert.Equal(t, domain.SourceAuto, d.Source)
	assert.True(t, d.FanOn)
	assert.Equal(t, 75, d.Intensity)
	assert.Contains(t, d.Rationale, "oracle raised intensity to 75")
	require.NotNil(t, d.RiskScore)
	assert.InDelta(t, 0.8, *d.RiskScore, 1e-9)
	assert.Equal(t, "cigarette", d.Classification)
}

func TestDecide_OracleDisabledStaysAuto(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Oracle.Enabled = false
	oc := &stubOracle{}
	engine := newTestEngine(cfg, &stubOverrides{},
		&stubWindows{readings: []domain.SensorReading{reading(10, 450, 1, 30)}}, oc)

	d := engine.Decide(context.Background(), "device-001", supervisor.StateNormal)

	assert.Equal(t, domain.SourceAuto, d.Source)
	assert.Equal(t, 0, oc.calls)
}

func TestDecide_NoReadingsYet(t *testing.T) {
	engine := newTestEngine(testEngineConfig(), &stubOverrides{}, &stubWindows{}, &stubOracle{})

	d := engine.Decide(context.Background(), "device-001", supervisor.StateNormal)

	assert.False(t, d.FanOn)
	assert.Equal(t, 0, d.Intensity)
	assert.Equal(t, "no readings yet", d.Rationale)
}
