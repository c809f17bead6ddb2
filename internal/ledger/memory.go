package ledger

import (
	"context"
	"fmt"
	"sync"

	"aeroledger-engine/internal/domain"
)

// MemoryBackend 内存模拟账本后端（默认后端；真实分布式账本通过同一接口接入）
type MemoryBackend struct {
	mu      sync.Mutex
	entries []domain.LedgerEntry
}

// NewMemoryBackend 创建内存后端
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// AppendEntry 实现 Backend
func (b *MemoryBackend) AppendEntry(_ context.Context, entry domain.LedgerEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if uint64(len(b.entries)) != entry.Seq {
		return fmt.Errorf("sequence gap: expected %d, got %d", len(b.entries), entry.Seq)
	}
	b.entries = append(b.entries, entry)
	return nil
}

// ReadRange 实现 Backend
func (b *MemoryBackend) ReadRange(_ context.Context, from, to uint64) ([]domain.LedgerEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []domain.LedgerEntry
	for _, entry := range b.entries {
		if entry.Seq >= from && entry.Seq <= to {
			out = append(out, entry)
		}
	}
	return out, nil
}

// ReadByDevice 实现 DeviceReader：设备最近 limit 条事件，新的在前
func (b *MemoryBackend) ReadByDevice(_ context.Context, deviceID string, limit int) ([]domain.LedgerEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []domain.LedgerEntry
	for i := len(b.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if b.entries[i].DeviceID == deviceID {
			out = append(out, b.entries[i])
		}
	}
	return out, nil
}

// LastEntry 实现 Backend
func (b *MemoryBackend) LastEntry(_ context.Context) (*domain.LedgerEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) == 0 {
		return nil, nil
	}
	last := b.entries[len(b.entries)-1]
	return &last, nil
}

// Tamper 篡改指定条目的payload（仅用于链验证测试）
func (b *MemoryBackend) Tamper(seq uint64, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.entries {
		if b.entries[i].Seq == seq {
			b.entries[i].Payload = payload
			return
		}
	}
}
