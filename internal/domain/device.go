package domain

import "time"

// Liveness 设备在线状态（仅由读数到达间隔推导）
type Liveness string

const (
	LivenessOnline  Liveness = "ONLINE"
	LivenessStale   Liveness = "STALE"
	LivenessOffline Liveness = "OFFLINE"
)

// Device 设备领域模型
type Device struct {
	DeviceID string    `json:"device_id"`
	LastSeen time.Time `json:"last_seen"`
	Liveness Liveness  `json:"liveness"`
}

// DeviceState 持久化的按设备引擎状态（Redis 状态缓存的值结构）
type DeviceState struct {
	DeviceID string    `json:"device_id"`
	LastSeq  uint64    `json:"last_seq"`
	LastSeen time.Time `json:"last_seen"`
	Liveness Liveness  `json:"liveness"`
}
