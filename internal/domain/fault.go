package domain

import "time"

// FaultKind 故障类型（固定集合）
type FaultKind string

const (
	FaultStuck             FaultKind = "STUCK"
	FaultOutOfRange        FaultKind = "OUT_OF_RANGE"
	FaultStale             FaultKind = "STALE"
	FaultCrossInconsistent FaultKind = "CROSS_INCONSISTENT"
)

// FaultKinds 全部故障类型
var FaultKinds = []FaultKind{FaultStuck, FaultOutOfRange, FaultStale, FaultCrossInconsistent}

// Severity 故障严重级别
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// FaultRecord 故障记录
// 同一设备同一类型同时只能有一条未解决记录；不同类型可并存
type FaultRecord struct {
	FaultID    string     `json:"fault_id"`
	DeviceID   string     `json:"device_id"`
	Kind       FaultKind  `json:"kind"`
	Channel    Channel    `json:"channel,omitempty"` // 受影响通道（STALE 无通道）
	Severity   Severity   `json:"severity"`
	Details    string     `json:"details"`
	DetectedAt time.Time  `json:"detected_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"` // 未解决时为空
}

// Open 是否仍未解决
func (f *FaultRecord) Open() bool {
	return f.ResolvedAt == nil
}

// Critical 是否为严重故障（驱动 FAILSAFE）
func (f *FaultRecord) Critical() bool {
	return f.Severity == SeverityHigh
}
