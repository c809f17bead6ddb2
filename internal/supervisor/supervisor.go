package supervisor

import (
	"sync"

	"aeroledger-engine/internal/config"
	"aeroledger-engine/internal/domain"

	"go.uber.org/zap"
)

// State 每设备自愈状态机状态（固定集合）
type State string

const (
	StateNormal     State = "NORMAL"     // 无未解决故障：完整决策（阈值 + 预测服务）
	StateDegraded   State = "DEGRADED"   // 有非严重故障：决策继续但跳过预测服务
	StateFailsafe   State = "FAILSAFE"   // 有严重故障：强制失效安全指令
	StateRecovering State = "RECOVERING" // 故障全部解除：稳定窗口后回到 NORMAL
)

// deviceState 单设备状态机
type deviceState struct {
	state       State
	open        map[domain.FaultKind]domain.FaultRecord
	cleanStreak int // RECOVERING 期间连续干净评估次数
}

// Supervisor 自愈监督器
// 状态转换仅由故障事件和稳定性评估驱动；事件重复投递是幂等的
type Supervisor struct {
	cfg    *config.Config
	logger *zap.Logger

	mu      sync.Mutex
	devices map[string]*deviceState
}

// NewSupervisor 创建监督器
func NewSupervisor(cfg *config.Config, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		logger:  logger,
		devices: make(map[string]*deviceState),
	}
}

// FaultOpened 实现 fault.EventSink
func (s *Supervisor) FaultOpened(rec domain.FaultRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ds := s.device(rec.DeviceID)
	// 同类型重复投递（含严重级别升级）只替换记录
	ds.open[rec.Kind] = rec
	ds.cleanStreak = 0

	next := StateDegraded
	if s.anyCritical(ds) {
		next = StateFailsafe
	}
	s.transition(rec.DeviceID, ds, next)
}

// FaultResolved 实现 fault.EventSink
func (s *Supervisor) FaultResolved(rec domain.FaultRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ds := s.device(rec.DeviceID)
	if _, ok := ds.open[rec.Kind]; !ok {
		// 重复投递：不得重复推进状态或稳定计数
		return
	}
	delete(ds.open, rec.Kind)

	switch {
	case len(ds.open) == 0:
		if ds.state == StateDegraded || ds.state == StateFailsafe {
			ds.cleanStreak = 0
			s.transition(rec.DeviceID, ds, StateRecovering)
		}
	case s.anyCritical(ds):
		s.transition(rec.DeviceID, ds, StateFailsafe)
	default:
		s.transition(rec.DeviceID, ds, StateDegraded)
	}
}

// Evaluate 流水线每轮调用一次：推进 RECOVERING 的稳定窗口，返回当前状态
func (s *Supervisor) Evaluate(deviceID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	ds := s.device(deviceID)
	if ds.state == StateRecovering && len(ds.open) == 0 {
		ds.cleanStreak++
		if ds.cleanStreak >= s.cfg.Engine.Supervisor.StabilityWindow {
			s.transition(deviceID, ds, StateNormal)
		}
	}
	return ds.state
}

// StateOf 设备当前状态（未知设备视为 NORMAL）
func (s *Supervisor) StateOf(deviceID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device(deviceID).state
}

// OpenFaults 监督器视角下的未解决故障
func (s *Supervisor) OpenFaults(deviceID string) []domain.FaultRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	ds := s.device(deviceID)
	out := make([]domain.FaultRecord, 0, len(ds.open))
	for _, rec := range ds.open {
		out = append(out, rec)
	}
	return out
}

func (s *Supervisor) device(deviceID string) *deviceState {
	ds, ok := s.devices[deviceID]
	if !ok {
		ds = &deviceState{
			state: StateNormal,
			open:  make(map[domain.FaultKind]domain.FaultRecord),
		}
		s.devices[deviceID] = ds
	}
	return ds
}

func (s *Supervisor) anyCritical(ds *deviceState) bool {
	for _, rec := range ds.open {
		if rec.Critical() {
			return true
		}
	}
	return false
}

// transition 必须持有 s.mu 调用
func (s *Supervisor) transition(deviceID string, ds *deviceState, next State) {
	if ds.state == next {
		return
	}
	prev := ds.state
	ds.state = next
	s.logger.Info("Supervisor state changed",
		zap.String("device_id", deviceID),
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
		zap.Int("open_faults", len(ds.open)),
	)
}
