package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"agentmemory/internal/logger"
	"agentmemory/internal/metrics"
	"go.uber.org/zap"
)

const fileStoreVersion = 1

// fileSnapshot 落盘格式
type fileSnapshot struct {
	Version int           `json:"version"`
	SavedAt float64       `json:"saved_at"`
	Items   []*MemoryItem `json:"items"`
}

// FileStore 文件持久化存储
// 内存表 + 脏标记, 后台定时刷盘; 写盘采用临时文件加重命名,
// 任何时刻磁盘上都不会出现写了一半的快照
type FileStore struct {
	mem  *InMemoryStore
	path string

	flushMu      sync.Mutex
	dirty        bool
	lastFlush    time.Time
	saveInterval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewFileStore 创建文件存储并加载既有快照
// 快照损坏按空库处理并告警, 不阻止启动
func NewFileStore(path string, maxSize int, saveInterval time.Duration) (*FileStore, error) {
	if saveInterval <= 0 {
		saveInterval = 30 * time.Second
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("创建存储目录失败: %w", err)
	}

	s := &FileStore{
		mem:          NewNamedInMemoryStore(maxSize, "file"),
		path:         path,
		lastFlush:    time.Now(),
		saveInterval: saveInterval,
		done:         make(chan struct{}),
	}

	if err := s.load(); err != nil {
		logger.Warn("加载记忆快照失败, 按空库启动", zap.String("path", path), zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.flushLoop(ctx)

	return s, nil
}

// Save 保存记忆项并标记脏
// 脏数据积压过久时同步刷盘, 避免崩溃丢失窗口无限扩大
func (s *FileStore) Save(item *MemoryItem) bool {
	if !s.mem.Save(item) {
		return false
	}
	s.markDirty()

	s.flushMu.Lock()
	overdue := time.Since(s.lastFlush) > 3*s.saveInterval
	s.flushMu.Unlock()
	if overdue {
		s.FlushIfDirty()
	}
	return true
}

// Get 按 ID 读取
func (s *FileStore) Get(id string) (*MemoryItem, bool) {
	item, ok := s.mem.Get(id)
	if ok {
		// 访问计数变化也需要落盘
		s.markDirty()
	}
	return item, ok
}

// Search 子串匹配检索
func (s *FileStore) Search(query string, limit int) []*MemoryItem {
	return s.mem.Search(query, limit)
}

// Delete 删除记忆项
func (s *FileStore) Delete(id string) bool {
	if s.mem.Delete(id) {
		s.markDirty()
		return true
	}
	return false
}

// Clear 清空存储
func (s *FileStore) Clear() {
	s.mem.Clear()
	s.markDirty()
}

// All 返回全部记忆项的快照
func (s *FileStore) All() []*MemoryItem {
	return s.mem.All()
}

// Size 当前条数
func (s *FileStore) Size() int {
	return s.mem.Size()
}

// Stats 统计信息
func (s *FileStore) Stats() map[string]any {
	stats := s.mem.Stats()
	stats["storage_type"] = "file"
	stats["path"] = s.path

	s.flushMu.Lock()
	stats["dirty"] = s.dirty
	stats["last_flush"] = s.lastFlush
	s.flushMu.Unlock()
	return stats
}

// FlushIfDirty 有脏数据时刷盘
func (s *FileStore) FlushIfDirty() bool {
	s.flushMu.Lock()
	if !s.dirty {
		s.flushMu.Unlock()
		return false
	}
	s.flushMu.Unlock()
	return s.Flush() == nil
}

// Flush 立即刷盘
func (s *FileStore) Flush() error {
	start := time.Now()

	snapshot := fileSnapshot{
		Version: fileStoreVersion,
		SavedAt: unixSeconds(time.Now()),
		Items:   s.mem.All(),
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化记忆快照失败: %w", err)
	}

	// 原子写: 先写临时文件再重命名覆盖
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("写入临时快照失败: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("替换快照文件失败: %w", err)
	}

	s.flushMu.Lock()
	s.dirty = false
	s.lastFlush = time.Now()
	s.flushMu.Unlock()

	metrics.FlushDuration.WithLabelValues("file").Observe(time.Since(start).Seconds())
	return nil
}

// Close 停止后台刷盘并落盘
func (s *FileStore) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return s.Flush()
}

// markDirty 标记有未持久化的变更
func (s *FileStore) markDirty() {
	s.flushMu.Lock()
	s.dirty = true
	s.flushMu.Unlock()
}

// flushLoop 后台定时刷盘
// 刷盘失败记录日志, 下个周期重试
func (s *FileStore) flushLoop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.saveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.flushMu.Lock()
			shouldFlush := s.dirty && time.Since(s.lastFlush) >= s.saveInterval
			s.flushMu.Unlock()
			if shouldFlush {
				if err := s.Flush(); err != nil {
					logger.Error("定时刷盘失败", zap.String("path", s.path), zap.Error(err))
					metrics.StorageErrorsTotal.WithLabelValues("file", "flush").Inc()
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// load 从磁盘加载快照
func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("读取快照文件失败: %w", err)
	}

	var snapshot fileSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("解析快照文件失败: %w", err)
	}

	for _, item := range snapshot.Items {
		if item.Metadata == nil {
			item.Metadata = make(map[string]string)
		}
		s.mem.Save(item)
	}

	logger.Info("加载记忆快照完成",
		zap.String("path", s.path),
		zap.Int("items", len(snapshot.Items)),
	)
	return nil
}
