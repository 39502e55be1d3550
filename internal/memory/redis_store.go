package memory

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"agentmemory/internal/logger"
	"agentmemory/internal/metrics"
)

const (
	redisStoreName = "redis"

	// redisItemTTL 镜像条目的固定存活时间
	redisItemTTL = 7 * 24 * time.Hour
)

// RedisMemoryStore 外部 KV 镜像存储
// 每个记忆项存为一个 hash, 固定 7 天 TTL;
// 镜像不在核心推理的延迟关键路径上, 内部操作使用后台上下文
type RedisMemoryStore struct {
	client redis.UniversalClient
	prefix string

	statsMu sync.RWMutex
	hits    int64
	misses  int64
}

// NewRedisMemoryStore 创建 Redis 镜像存储
// 构建时 ping 一次, 不可达由工厂层降级处理
func NewRedisMemoryStore(client redis.UniversalClient, prefix string) (*RedisMemoryStore, error) {
	if prefix == "" {
		prefix = "agentmem:"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisMemoryStore{client: client, prefix: prefix}, nil
}

func (s *RedisMemoryStore) itemKey(id string) string {
	return s.prefix + "item:" + id
}

func (s *RedisMemoryStore) indexKey() string {
	return s.prefix + "ids"
}

// Save 保存记忆项
func (s *RedisMemoryStore) Save(item *MemoryItem) bool {
	ctx := context.Background()

	contentJSON, err := json.Marshal(item.Content)
	if err != nil {
		logger.Error("序列化记忆内容失败", zap.String("id", item.ID), zap.Error(err))
		return false
	}
	metadataJSON, err := json.Marshal(item.Metadata)
	if err != nil {
		logger.Error("序列化记忆元数据失败", zap.String("id", item.ID), zap.Error(err))
		return false
	}

	key := s.itemKey(item.ID)
	fields := map[string]any{
		"content":      string(contentJSON),
		"memory_type":  string(item.MemoryType),
		"importance":   item.Importance,
		"timestamp":    item.Timestamp,
		"access_count": item.AccessCount,
		"last_access":  item.LastAccess,
		"metadata":     string(metadataJSON),
	}

	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		logger.Error("写入记忆镜像失败", zap.String("id", item.ID), zap.Error(err))
		metrics.StorageErrorsTotal.WithLabelValues(redisStoreName, "save").Inc()
		return false
	}
	s.client.Expire(ctx, key, redisItemTTL)

	// 加入全量索引, 读取时剔除已过期引用
	if err := s.client.SAdd(ctx, s.indexKey(), item.ID).Err(); err != nil {
		logger.Warn("更新记忆索引失败", zap.Error(err))
	}

	metrics.MemorySavesTotal.WithLabelValues(redisStoreName).Inc()
	return true
}

// Get 按 ID 读取并更新访问信息
func (s *RedisMemoryStore) Get(id string) (*MemoryItem, bool) {
	ctx := context.Background()

	fields, err := s.client.HGetAll(ctx, s.itemKey(id)).Result()
	if err != nil {
		logger.Error("读取记忆镜像失败", zap.String("id", id), zap.Error(err))
		metrics.StorageErrorsTotal.WithLabelValues(redisStoreName, "get").Inc()
		return nil, false
	}
	if len(fields) == 0 {
		s.statsMu.Lock()
		s.misses++
		s.statsMu.Unlock()
		metrics.MemoryMissesTotal.WithLabelValues(redisStoreName).Inc()
		return nil, false
	}

	item, err := itemFromHash(id, fields)
	if err != nil {
		logger.Error("解析记忆镜像失败", zap.String("id", id), zap.Error(err))
		return nil, false
	}

	now := unixSeconds(time.Now())
	s.client.HIncrBy(ctx, s.itemKey(id), "access_count", 1)
	s.client.HSet(ctx, s.itemKey(id), "last_access", now)
	item.AccessCount++
	item.LastAccess = now

	s.statsMu.Lock()
	s.hits++
	s.statsMu.Unlock()
	metrics.MemoryHitsTotal.WithLabelValues(redisStoreName).Inc()
	return item, true
}

// Search 子串匹配检索
// 遍历索引集合逐条比对, 镜像存储的检索不要求低延迟
func (s *RedisMemoryStore) Search(query string, limit int) []*MemoryItem {
	queryLower := strings.ToLower(query)
	var results []*MemoryItem
	for _, item := range s.All() {
		if strings.Contains(item.SearchText(), queryLower) {
			results = append(results, item)
		}
	}
	sortByRelevance(results)
	return limitItems(results, limit)
}

// Delete 删除记忆项
func (s *RedisMemoryStore) Delete(id string) bool {
	ctx := context.Background()

	deleted, err := s.client.Del(ctx, s.itemKey(id)).Result()
	if err != nil {
		logger.Error("删除记忆镜像失败", zap.String("id", id), zap.Error(err))
		metrics.StorageErrorsTotal.WithLabelValues(redisStoreName, "delete").Inc()
		return false
	}
	s.client.SRem(ctx, s.indexKey(), id)
	return deleted > 0
}

// Clear 清空存储
func (s *RedisMemoryStore) Clear() {
	ctx := context.Background()

	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		logger.Error("清空记忆镜像失败", zap.Error(err))
		return
	}
	for _, id := range ids {
		s.client.Del(ctx, s.itemKey(id))
	}
	s.client.Del(ctx, s.indexKey())
}

// All 返回全部记忆项, 顺带清理索引中已过期的引用
func (s *RedisMemoryStore) All() []*MemoryItem {
	ctx := context.Background()

	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		logger.Error("读取记忆索引失败", zap.Error(err))
		metrics.StorageErrorsTotal.WithLabelValues(redisStoreName, "all").Inc()
		return nil
	}

	var results []*MemoryItem
	for _, id := range ids {
		fields, err := s.client.HGetAll(ctx, s.itemKey(id)).Result()
		if err != nil {
			continue
		}
		if len(fields) == 0 {
			// TTL 已过期, 剔除索引引用
			s.client.SRem(ctx, s.indexKey(), id)
			continue
		}
		item, err := itemFromHash(id, fields)
		if err != nil {
			logger.Warn("解析记忆镜像失败", zap.String("id", id), zap.Error(err))
			continue
		}
		results = append(results, item)
	}
	return results
}

// Size 当前条数
func (s *RedisMemoryStore) Size() int {
	ctx := context.Background()
	n, err := s.client.SCard(ctx, s.indexKey()).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

// Stats 统计信息
func (s *RedisMemoryStore) Stats() map[string]any {
	s.statsMu.RLock()
	hits := s.hits
	misses := s.misses
	s.statsMu.RUnlock()

	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return map[string]any{
		"storage_type": "redis",
		"size":         s.Size(),
		"ttl_seconds":  int(redisItemTTL.Seconds()),
		"hits":         hits,
		"misses":       misses,
		"hit_rate":     hitRate,
	}
}

// Close 关闭客户端连接
func (s *RedisMemoryStore) Close() error {
	return s.client.Close()
}

// itemFromHash 从 hash 字段还原记忆项
func itemFromHash(id string, fields map[string]string) (*MemoryItem, error) {
	item := &MemoryItem{
		ID:         id,
		MemoryType: MemoryType(fields["memory_type"]),
		Metadata:   make(map[string]string),
	}

	if err := json.Unmarshal([]byte(fields["content"]), &item.Content); err != nil {
		return nil, err
	}
	if raw := fields["metadata"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &item.Metadata); err != nil {
			return nil, err
		}
	}

	item.Importance, _ = strconv.ParseFloat(fields["importance"], 64)
	item.Timestamp, _ = strconv.ParseFloat(fields["timestamp"], 64)
	item.LastAccess, _ = strconv.ParseFloat(fields["last_access"], 64)
	item.AccessCount, _ = strconv.Atoi(fields["access_count"])
	return item, nil
}
