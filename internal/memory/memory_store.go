package memory

import (
	"strings"
	"sync"
	"time"

	"agentmemory/internal/metrics"
)

// 淘汰评分权重: 重要性 0.4 + 访问频率 0.3 + 新鲜度 0.3
const (
	evictWeightImportance = 0.4
	evictWeightAccess     = 0.3
	evictWeightFreshness  = 0.3

	// 访问次数达到 100 视为满分
	evictAccessFullScore = 100
	// 超过 7 天新鲜度降为 0
	evictFreshnessWindow = 7 * 24 * time.Hour
	// 每次淘汰只扫描最旧的 20% 条目, 以 O(k) 近似全局最低分
	evictScanRatio = 5
)

// InMemoryStore 内存存储实现
// 固定容量, 超出时按加权评分淘汰; 单把互斥锁覆盖整个操作,
// 在会话级调用量下足够。存储独占持有自己的条目拷贝:
// 写入时复制入库, 读出时复制出库, 锁外不存在对库内对象的别名
type InMemoryStore struct {
	mu      sync.Mutex
	items   map[string]*MemoryItem
	order   []string // 插入顺序, Get 命中会把条目移到末尾
	maxSize int
	name    string // 指标标签

	hits   int64
	misses int64
}

// NewInMemoryStore 创建内存存储
func NewInMemoryStore(maxSize int) *InMemoryStore {
	return NewNamedInMemoryStore(maxSize, "memory")
}

// NewNamedInMemoryStore 创建带指标标签的内存存储
func NewNamedInMemoryStore(maxSize int, name string) *InMemoryStore {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &InMemoryStore{
		items:   make(map[string]*MemoryItem),
		maxSize: maxSize,
		name:    name,
	}
}

// Save 保存记忆项, 入库的是拷贝
func (s *InMemoryStore) Save(item *MemoryItem) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := item.Clone()
	if _, exists := s.items[stored.ID]; exists {
		s.items[stored.ID] = stored
		s.promote(stored.ID)
		return true
	}

	if len(s.items) >= s.maxSize {
		s.evictOne(time.Now())
	}

	s.items[stored.ID] = stored
	s.order = append(s.order, stored.ID)

	metrics.MemorySavesTotal.WithLabelValues(s.name).Inc()
	metrics.MemoryItems.WithLabelValues(s.name).Set(float64(len(s.items)))
	return true
}

// Get 按 ID 读取并更新访问信息
// 只改写 access_count / last_access, 其余字段保持不变;
// 返回的是拷贝, 修改返回值不影响库内状态
func (s *InMemoryStore) Get(id string) (*MemoryItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		s.misses++
		metrics.MemoryMissesTotal.WithLabelValues(s.name).Inc()
		return nil, false
	}

	item.Touch(time.Now())
	s.promote(id)
	s.hits++
	metrics.MemoryHitsTotal.WithLabelValues(s.name).Inc()
	return item.Clone(), true
}

// Search 子串匹配检索
func (s *InMemoryStore) Search(query string, limit int) []*MemoryItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	queryLower := strings.ToLower(query)
	var results []*MemoryItem
	for _, item := range s.items {
		if strings.Contains(item.SearchText(), queryLower) {
			results = append(results, item.Clone())
		}
	}

	sortByRelevance(results)
	return limitItems(results, limit)
}

// Delete 删除记忆项
func (s *InMemoryStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(id)
}

// Clear 清空存储
func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]*MemoryItem)
	s.order = s.order[:0]
	metrics.MemoryItems.WithLabelValues(s.name).Set(0)
}

// All 返回全部记忆项的拷贝快照
func (s *InMemoryStore) All() []*MemoryItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]*MemoryItem, 0, len(s.items))
	for _, id := range s.order {
		if item, ok := s.items[id]; ok {
			results = append(results, item.Clone())
		}
	}
	return results
}

// Size 当前条数
func (s *InMemoryStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Stats 统计信息
func (s *InMemoryStore) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := s.hits + s.misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(s.hits) / float64(total)
	}

	return map[string]any{
		"storage_type": "memory",
		"size":         len(s.items),
		"max_size":     s.maxSize,
		"hits":         s.hits,
		"misses":       s.misses,
		"hit_rate":     hitRate,
	}
}

// Close 无外部资源可释放
func (s *InMemoryStore) Close() error {
	return nil
}

// deleteLocked 持锁删除
func (s *InMemoryStore) deleteLocked(id string) bool {
	if _, ok := s.items[id]; !ok {
		return false
	}
	delete(s.items, id)
	s.removeFromOrder(id)
	metrics.MemoryItems.WithLabelValues(s.name).Set(float64(len(s.items)))
	return true
}

// evictOne 淘汰加权评分最低的条目
// 只扫描插入顺序最旧的约 20%, 用 O(k) 换取高写入量下的确定开销
func (s *InMemoryStore) evictOne(now time.Time) {
	if len(s.order) == 0 {
		return
	}

	scan := len(s.order) / evictScanRatio
	if scan < 1 {
		scan = 1
	}

	victimID := ""
	victimScore := 0.0
	seen := 0
	for _, id := range s.order {
		item, ok := s.items[id]
		if !ok {
			continue
		}
		score := evictionScore(item, now)
		if victimID == "" || score < victimScore {
			victimID = id
			victimScore = score
		}
		seen++
		if seen >= scan {
			break
		}
	}

	if victimID != "" {
		s.deleteLocked(victimID)
		metrics.MemoryEvictionsTotal.WithLabelValues(s.name).Inc()
	}
}

// evictionScore 淘汰评分, 分数越低越先被淘汰
func evictionScore(item *MemoryItem, now time.Time) float64 {
	accessScore := float64(item.AccessCount) / evictAccessFullScore
	if accessScore > 1 {
		accessScore = 1
	}

	age := unixSeconds(now) - item.Timestamp
	freshness := 1 - age/evictFreshnessWindow.Seconds()
	if freshness < 0 {
		freshness = 0
	}

	return item.Importance*evictWeightImportance +
		accessScore*evictWeightAccess +
		freshness*evictWeightFreshness
}

// promote 将条目移到插入顺序末尾(最近使用)
func (s *InMemoryStore) promote(id string) {
	s.removeFromOrder(id)
	s.order = append(s.order, id)
}

func (s *InMemoryStore) removeFromOrder(id string) {
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}
