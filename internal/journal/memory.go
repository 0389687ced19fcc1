package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "AgentPay-Chain/internal/errors"
)

// MemoryJournal 把记录保存在内存里，可选地镜像到一个追加写的
// JSON 行文件。带文件时进程重启后会重放文件恢复状态。
type MemoryJournal struct {
	mu      sync.Mutex
	entries map[string]*Entry // quoteID -> entry
	file    *os.File
}

// NewMemoryJournal 创建内存日志。path 为空时不落盘。
func NewMemoryJournal(path string) (*MemoryJournal, error) {
	j := &MemoryJournal{
		entries: make(map[string]*Entry),
	}
	if path == "" {
		return j, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("创建日志目录失败: %w", err)
	}
	if err := j.replay(path); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("打开日志文件失败: %w", err)
	}
	j.file = file
	return j, nil
}

// replay 按写入顺序重放历史记录，后写的覆盖先写的。
func (j *MemoryJournal) replay(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("读取日志文件失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			// 尾部半行通常来自崩溃时的未完成写入，忽略即可。
			continue
		}
		copied := entry
		j.entries[entry.QuoteID] = &copied
	}
	return scanner.Err()
}

// append 把当前快照追加到文件。调用方必须持有锁。
func (j *MemoryJournal) append(entry *Entry) error {
	if j.file == nil {
		return nil
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	if _, err := j.file.Write(line); err != nil {
		return xerrors.Wrap(xerrors.CodeStoreUnavailable, err, "写入付款日志失败")
	}
	return j.file.Sync()
}

// RecordQuote 登记一条新报价。
func (j *MemoryJournal) RecordQuote(_ context.Context, entry Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if entry.QuoteID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "quote_id 不能为空")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	if entry.Status == "" {
		entry.Status = StatusQuoted
	}

	copied := entry
	j.entries[entry.QuoteID] = &copied
	return j.append(&copied)
}

// RecordPayment 记录付款签名并推进状态。
func (j *MemoryJournal) RecordPayment(_ context.Context, quoteID, paymentSignature string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry, ok := j.entries[quoteID]
	if !ok {
		return xerrors.New(xerrors.CodeInvalidArgument, "未找到对应的报价记录",
			xerrors.WithMetadata("quote_id", quoteID))
	}
	entry.PaymentSignature = paymentSignature
	entry.Status = StatusPaid
	entry.UpdatedAt = time.Now().UTC()
	return j.append(entry)
}

// MarkClaimed 标记领取完成。
func (j *MemoryJournal) MarkClaimed(_ context.Context, quoteID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry, ok := j.entries[quoteID]
	if !ok {
		return xerrors.New(xerrors.CodeInvalidArgument, "未找到对应的报价记录",
			xerrors.WithMetadata("quote_id", quoteID))
	}
	entry.Status = StatusClaimed
	entry.UpdatedAt = time.Now().UTC()
	return j.append(entry)
}

// PendingClaims 返回已付款未领取的记录。
func (j *MemoryJournal) PendingClaims(_ context.Context) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var pending []Entry
	for _, entry := range j.entries {
		if entry.Status == StatusPaid {
			pending = append(pending, *entry)
		}
	}
	return pending, nil
}

// Close 关闭镜像文件。
func (j *MemoryJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}
