package domain

import "time"

// OverrideEntry 人工接管条目
// 每设备最多一条生效条目；过期条目逻辑上视为不存在（即使尚未清除）
type OverrideEntry struct {
	DeviceID  string    `json:"device_id"`
	FanOn     bool      `json:"fan_on"`
	Intensity int       `json:"intensity"` // 0-100
	Emergency bool      `json:"emergency"` // 紧急接管（FAILSAFE 期间是否仍然生效由策略决定）
	SetAt     time.Time `json:"set_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Active 在给定时刻是否生效
func (o *OverrideEntry) Active(now time.Time) bool {
	return now.Before(o.ExpiresAt)
}
