// Package result delivers analysis output: a result file, an optional Kafka
// topic, and an in-memory view served over HTTP.
package result

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"prhealth/internal/common"

	"go.uber.org/zap"
)

// Entry 一次结果写入
type Entry struct {
	Project   string    `json:"project"`
	Content   string    `json:"content"`
	Final     bool      `json:"final"`
	PR        int       `json:"pr,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Sink 结果输出
type Sink interface {
	Write(ctx context.Context, entry Entry) error
	Close() error
}

// FileSink 每次写入都覆盖结果文件
type FileSink struct {
	mu     sync.Mutex
	path   string
	logger *zap.Logger
}

// NewFileSink 创建文件输出
func NewFileSink(path string) *FileSink {
	return &FileSink{
		path:   path,
		logger: common.ComponentLogger("result-file"),
	}
}

// Write 覆盖写入 "<project>:\n\n<content>\n"
func (fs *FileSink) Write(_ context.Context, entry Entry) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if dir := filepath.Dir(fs.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	// 先写临时文件再改名，读者不会看到半截内容
	tmp := fs.path + ".tmp"
	data := fmt.Sprintf("%s:\n\n%s\n", entry.Project, entry.Content)
	if err := os.WriteFile(tmp, []byte(data), 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		return err
	}

	fs.logger.Info("Overwrote results",
		zap.String("project", entry.Project),
		zap.String("file", fs.path),
		zap.Bool("final", entry.Final))
	return nil
}

// Close 无需释放资源
func (fs *FileSink) Close() error {
	return nil
}

// MemorySink 保存每个项目的最新结果
type MemorySink struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemorySink 创建内存输出
func NewMemorySink() *MemorySink {
	return &MemorySink{entries: make(map[string]Entry)}
}

// Write 记录最新结果
func (ms *MemorySink) Write(_ context.Context, entry Entry) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.entries[entry.Project] = entry
	return nil
}

// Get 获取项目最新结果
func (ms *MemorySink) Get(project string) (Entry, bool) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	entry, ok := ms.entries[project]
	return entry, ok
}

// List 按项目名排序返回全部结果
func (ms *MemorySink) List() []Entry {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	out := make([]Entry, 0, len(ms.entries))
	for _, entry := range ms.entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Project < out[j].Project })
	return out
}

// Close 无需释放资源
func (ms *MemorySink) Close() error {
	return nil
}

// Multi 将结果写入多个输出
type Multi []Sink

// Write 依次写入全部输出，汇总错误
func (m Multi) Write(ctx context.Context, entry Entry) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Write(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close 关闭全部输出
func (m Multi) Close() error {
	var errs []error
	for _, sink := range m {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
