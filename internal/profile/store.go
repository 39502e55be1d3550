package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"agentmemory/internal/logger"
	"agentmemory/internal/metrics"
)

const storeVersion = 1

// storeSnapshot 落盘格式
type storeSnapshot struct {
	Version  int                     `json:"version"`
	SavedAt  float64                 `json:"saved_at"`
	Profiles map[string]*UserProfile `json:"profiles"`
}

// Store 用户画像存储
// 全量驻留内存, 脏标记 + 定时刷盘, 写盘走临时文件加重命名;
// 画像从不硬删除
type Store struct {
	mu       sync.Mutex
	profiles map[string]*UserProfile
	path     string

	dirty        bool
	lastFlush    time.Time
	saveInterval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewStore 创建画像存储并加载既有快照
func NewStore(path string, saveInterval time.Duration) (*Store, error) {
	if saveInterval <= 0 {
		saveInterval = 30 * time.Second
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("创建存储目录失败: %w", err)
	}

	s := &Store{
		profiles:     make(map[string]*UserProfile),
		path:         path,
		lastFlush:    time.Now(),
		saveInterval: saveInterval,
		done:         make(chan struct{}),
	}

	if err := s.load(); err != nil {
		logger.Warn("加载画像快照失败, 按空库启动", zap.String("path", path), zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.flushLoop(ctx)

	return s, nil
}

// GetOrCreate 获取或创建画像, 以 user_id 幂等
func (s *Store) GetOrCreate(userID, userType string) *UserProfile {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.profiles[userID]; ok {
		return p.Clone()
	}

	p := NewUserProfile(userID, userType)
	s.profiles[userID] = p
	s.dirty = true
	return p.Clone()
}

// Get 按 user_id 读取
func (s *Store) Get(userID string) (*UserProfile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Update 持锁应用一次画像变更
// 画像不存在时不执行, 返回 false
func (s *Store) Update(userID string, fn func(*UserProfile)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[userID]
	if !ok {
		return false
	}

	fn(p)
	p.touch()
	s.dirty = true
	return true
}

// All 返回全部画像的拷贝
func (s *Store) All() []*UserProfile {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]*UserProfile, 0, len(s.profiles))
	for _, p := range s.profiles {
		results = append(results, p.Clone())
	}
	return results
}

// Size 当前画像数
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.profiles)
}

// SaveIfDirty 有脏数据时刷盘
func (s *Store) SaveIfDirty() bool {
	s.mu.Lock()
	dirty := s.dirty
	s.mu.Unlock()
	if !dirty {
		return false
	}
	return s.Flush() == nil
}

// Flush 立即刷盘
func (s *Store) Flush() error {
	start := time.Now()

	s.mu.Lock()
	snapshot := storeSnapshot{
		Version:  storeVersion,
		SavedAt:  unixSeconds(time.Now()),
		Profiles: make(map[string]*UserProfile, len(s.profiles)),
	}
	for id, p := range s.profiles {
		snapshot.Profiles[id] = p.Clone()
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化画像快照失败: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("写入临时快照失败: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("替换快照文件失败: %w", err)
	}

	s.mu.Lock()
	s.dirty = false
	s.lastFlush = time.Now()
	s.mu.Unlock()

	metrics.FlushDuration.WithLabelValues("profile").Observe(time.Since(start).Seconds())
	return nil
}

// Close 停止后台刷盘并落盘
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return s.Flush()
}

// flushLoop 后台定时刷盘, 失败下个周期重试
func (s *Store) flushLoop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.saveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			shouldFlush := s.dirty && time.Since(s.lastFlush) >= s.saveInterval
			s.mu.Unlock()
			if shouldFlush {
				if err := s.Flush(); err != nil {
					logger.Error("画像定时刷盘失败", zap.String("path", s.path), zap.Error(err))
					metrics.StorageErrorsTotal.WithLabelValues("profile", "flush").Inc()
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// load 从磁盘加载快照
func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("读取快照文件失败: %w", err)
	}

	var snapshot storeSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("解析快照文件失败: %w", err)
	}

	for id, p := range snapshot.Profiles {
		if p.Interests == nil {
			p.Interests = make(map[string]float64)
		}
		s.profiles[id] = p
	}

	logger.Info("加载画像快照完成",
		zap.String("path", s.path),
		zap.Int("profiles", len(snapshot.Profiles)),
	)
	return nil
}
