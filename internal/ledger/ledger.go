package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"aeroledger-engine/internal/config"
	"aeroledger-engine/internal/domain"

	"go.uber.org/zap"
)

// ErrLedgerHalted 待写队列溢出后账本停止接受事件
// 这是需要运维介入的硬故障：宁可拒绝新决策也不丢失审计记录
var ErrLedgerHalted = errors.New("ledger halted: pending queue overflow")

// genesisSeed 创世前哈希的固定种子（账本验证工具依赖该值，不可更改）
const genesisSeed = "aeroledger-genesis"

// GenesisHash 0号条目的前哈希
func GenesisHash() string {
	h := sha256.Sum256([]byte(genesisSeed))
	return hex.EncodeToString(h[:])
}

// ComputeHash 链哈希规则：hex(SHA-256(前哈希字节 ∥ 规范化payload字节))
// 这是与任何账本验证工具兼容所必须逐位一致的唯一契约
func ComputeHash(prevHash string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Event 待记账事件
type Event struct {
	Kind     domain.EventKind
	DeviceID string
	Payload  any // 规范化字节为其 json.Marshal 结果；json.RawMessage 原样使用
}

// Backend 账本后端接口（内存模拟或真实分布式账本，核心对两者一视同仁）
type Backend interface {
	AppendEntry(ctx context.Context, entry domain.LedgerEntry) error
	ReadRange(ctx context.Context, from, to uint64) ([]domain.LedgerEntry, error)
	LastEntry(ctx context.Context) (*domain.LedgerEntry, error)
}

// DeviceReader 支持按设备查询历史的后端（内存与 Postgres 后端都实现）
type DeviceReader interface {
	ReadByDevice(ctx context.Context, deviceID string, limit int) ([]domain.LedgerEntry, error)
}

// Ledger 哈希链审计账本
// 序号与前哈希是全局共享状态，由单一互斥锁串行化（唯一的全局写序列化点）；
// 后端写失败的条目进入有界待写队列由 Flush 补写，溢出则停止接受新事件
type Ledger struct {
	cfg     *config.Config
	backend Backend
	logger  *zap.Logger

	mu       sync.Mutex
	nextSeq  uint64
	prevHash string
	pending  []domain.LedgerEntry
	halted   bool

	flushMu sync.Mutex // 补写串行化（保持后端总顺序）
}

// NewLedger 创建账本；从后端最后一条条目恢复序号与链头
func NewLedger(ctx context.Context, cfg *config.Config, backend Backend, logger *zap.Logger) (*Ledger, error) {
	last, err := backend.LastEntry(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read last ledger entry: %w", err)
	}

	l := &Ledger{
		cfg:      cfg,
		backend:  backend,
		logger:   logger,
		prevHash: GenesisHash(),
	}
	if last != nil {
		l.nextSeq = last.Seq + 1
		l.prevHash = last.Hash
	}
	return l, nil
}

// Append 追加一条事件，返回已定稿的账本条目
// 链在内存中立即推进（条目一经返回即不可变）；后端写失败时条目排队补写
func (l *Ledger) Append(ctx context.Context, event Event) (domain.LedgerEntry, error) {
	payload, err := canonicalPayload(event.Payload)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("failed to marshal ledger payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.halted {
		return domain.LedgerEntry{}, ErrLedgerHalted
	}

	entry := domain.LedgerEntry{
		Seq:       l.nextSeq,
		PrevHash:  l.prevHash,
		Hash:      ComputeHash(l.prevHash, payload),
		Kind:      event.Kind,
		DeviceID:  event.DeviceID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	// 快速路径：队列为空时直接尝试一次后端写（不重试，不拖住其他设备的流水线）
	if len(l.pending) == 0 {
		if err := l.backend.AppendEntry(ctx, entry); err == nil {
			l.advance(entry)
			return entry, nil
		} else {
			l.logger.Warn("Ledger backend append failed, queueing entry",
				zap.Uint64("seq", entry.Seq),
				zap.Error(err),
			)
		}
	}

	if len(l.pending) >= l.cfg.Engine.Ledger.QueueLimit {
		l.halted = true
		l.logger.Error("Ledger pending queue overflow, halting appends",
			zap.Int("queue_limit", l.cfg.Engine.Ledger.QueueLimit),
		)
		return domain.LedgerEntry{}, ErrLedgerHalted
	}

	l.pending = append(l.pending, entry)
	l.advance(entry)
	return entry, nil
}

// Flush 按序补写待写队列；每条最多 RetryMax 次退避重试，失败的条目留在队列等待下次补写
func (l *Ledger) Flush(ctx context.Context) error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	for {
		l.mu.Lock()
		if len(l.pending) == 0 {
			l.mu.Unlock()
			return nil
		}
		entry := l.pending[0]
		l.mu.Unlock()

		if err := l.appendWithRetry(ctx, entry); err != nil {
			return fmt.Errorf("failed to flush ledger entry %d: %w", entry.Seq, err)
		}

		l.mu.Lock()
		l.pending = l.pending[1:]
		l.mu.Unlock()

		l.logger.Info("Ledger entry flushed",
			zap.Uint64("seq", entry.Seq),
		)
	}
}

// Read 按序号区间读取（含已定稿但尚未落到后端的排队条目）
// 补写与读取并发时同一条目可能同时在后端和队列中，按序号去重
func (l *Ledger) Read(ctx context.Context, from, to uint64) ([]domain.LedgerEntry, error) {
	entries, err := l.backend.ReadRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger range: %w", err)
	}

	seen := make(map[uint64]bool, len(entries))
	for _, entry := range entries {
		seen[entry.Seq] = true
	}

	l.mu.Lock()
	for _, entry := range l.pending {
		if entry.Seq >= from && entry.Seq <= to && !seen[entry.Seq] {
			entries = append(entries, entry)
		}
	}
	l.mu.Unlock()

	return entries, nil
}

// ReadByDevice 设备最近 limit 条事件，新的在前；后端不支持按设备查询时返回空
func (l *Ledger) ReadByDevice(ctx context.Context, deviceID string, limit int) ([]domain.LedgerEntry, error) {
	reader, ok := l.backend.(DeviceReader)
	if !ok {
		return nil, nil
	}
	entries, err := reader.ReadByDevice(ctx, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read device history: %w", err)
	}
	return entries, nil
}

// VerifyChain 重算后端中每条条目的哈希并检查序号连续性
// 返回 -1 表示链完整，否则返回第一条损坏条目的序号
func (l *Ledger) VerifyChain(ctx context.Context) (int64, error) {
	entries, err := l.backend.ReadRange(ctx, 0, ^uint64(0))
	if err != nil {
		return 0, fmt.Errorf("failed to read ledger for verification: %w", err)
	}

	prevHash := GenesisHash()
	for i, entry := range entries {
		if entry.Seq != uint64(i) {
			return int64(i), nil
		}
		if entry.PrevHash != prevHash {
			return int64(i), nil
		}
		if ComputeHash(prevHash, entry.Payload) != entry.Hash {
			return int64(i), nil
		}
		prevHash = entry.Hash
	}
	return -1, nil
}

// Halted 账本是否已停止接受事件
func (l *Ledger) Halted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.halted
}

// PendingCount 待补写条目数
func (l *Ledger) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// advance 必须持有 l.mu 调用
func (l *Ledger) advance(entry domain.LedgerEntry) {
	l.nextSeq = entry.Seq + 1
	l.prevHash = entry.Hash
}

func (l *Ledger) appendWithRetry(ctx context.Context, entry domain.LedgerEntry) error {
	wait := l.cfg.Engine.Ledger.RetryWait
	var lastErr error

	for attempt := 0; attempt < l.cfg.Engine.Ledger.RetryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			wait *= 2
		}
		if lastErr = l.backend.AppendEntry(ctx, entry); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func canonicalPayload(payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return data, nil
}
