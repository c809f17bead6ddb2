package domain

import "time"

// DirectiveSource 控制指令来源（固定集合）
type DirectiveSource string

const (
	SourceAuto         DirectiveSource = "AUTO"
	SourceAutoDegraded DirectiveSource = "AUTO_DEGRADED"
	SourceOverride     DirectiveSource = "OVERRIDE"
	SourceFailsafe     DirectiveSource = "FAILSAFE"
)

// IntensityLevels 允许的风扇强度档位
var IntensityLevels = []int{0, 25, 50, 75, 100}

// SnapIntensity 将任意强度值吸附到最近的允许档位
func SnapIntensity(raw float64) int {
	best := IntensityLevels[0]
	for _, level := range IntensityLevels[1:] {
		if abs(raw-float64(level)) < abs(raw-float64(best)) {
			best = level
		}
	}
	return best
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// ControlDirective 控制指令
// 创建后不可变；新指令取代旧指令，绝不原地修改
type ControlDirective struct {
	DirectiveID    string          `json:"directive_id"`
	DeviceID       string          `json:"device_id"`
	FanOn          bool            `json:"fan_on"`
	Intensity      int             `json:"intensity"` // 0-100
	Source         DirectiveSource `json:"source"`
	Rationale      string          `json:"rationale"`
	RiskScore      *float64        `json:"risk_score,omitempty"`     // 预测服务风险分（未咨询时为空）
	Classification string          `json:"classification,omitempty"` // 预测服务空气类型分类
	DecidedAt      time.Time       `json:"decided_at"`
}
