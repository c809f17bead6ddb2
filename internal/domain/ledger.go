package domain

import (
	"encoding/json"
	"time"
)

// EventKind 账本事件类型（固定集合）
type EventKind string

const (
	EventDirective       EventKind = "DIRECTIVE"
	EventFaultOpened     EventKind = "FAULT_OPENED"
	EventFaultResolved   EventKind = "FAULT_RESOLVED"
	EventOverrideSet     EventKind = "OVERRIDE_SET"
	EventOverrideCleared EventKind = "OVERRIDE_CLEARED"
)

// LedgerEntry 账本条目
// 链完整性约束：Hash = hex(SHA-256(PrevHash字节 ∥ 规范化Payload字节))；
// 0号条目的 PrevHash 为固定创世值。Seq 连续无空洞。
type LedgerEntry struct {
	Seq       uint64          `json:"seq"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
	Kind      EventKind       `json:"kind"`
	DeviceID  string          `json:"device_id"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}
