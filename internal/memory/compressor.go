package memory

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"agentmemory/internal/metrics"
)

const (
	// 会话压缩摘录上限
	compressMaxKeyPoints = 5
	// 单条摘录截断长度
	compressExcerptLen = 200
	// 标签提取上限
	compressMaxEntities = 20

	// 遗忘曲线的访问加成: 访问 10 次封顶, 最多 +0.2
	forgetAccessFullScore = 10
	forgetAccessBonus     = 0.2

	// 合并时每多一个重复成员, 重要性上浮 10%
	mergeImportanceBoost = 0.10
)

// retentionBucket 按龄遗忘率
type retentionBucket struct {
	maxAgeDays float64
	rate       float64
}

// 阶梯式遗忘曲线, 首个满足 age <= maxAgeDays 的桶生效
var retentionBuckets = []retentionBucket{
	{1, 0.90},
	{2, 0.75},
	{7, 0.50},
	{14, 0.35},
	{30, 0.20},
	{60, 0.10},
}

// 超出最后一个桶的保留率
const retentionFloor = 0.05

// CompressionResult 会话压缩结果
type CompressionResult struct {
	Summary          string   `json:"summary"`
	KeyPoints        []string `json:"key_points"`
	Entities         []string `json:"entities"`
	CompressionRatio float64  `json:"compression_ratio"`
	RetainedCount    int      `json:"retained_count"`
}

// MemoryCompressor 记忆压缩器
// 纯函数集合, 不持有任何状态
type MemoryCompressor struct{}

// NewMemoryCompressor 创建压缩器
func NewMemoryCompressor() *MemoryCompressor {
	return &MemoryCompressor{}
}

// CompressSession 压缩一批会话记忆
// 按重要性降序保留前 maxItems 条, 同序输入产出确定结果;
// 返回保留集与压缩报告
func (c *MemoryCompressor) CompressSession(items []*MemoryItem, maxItems int) ([]*MemoryItem, *CompressionResult) {
	if maxItems <= 0 {
		maxItems = 10
	}

	sorted := make([]*MemoryItem, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Importance > sorted[j].Importance
	})

	retained := sorted
	if len(retained) > maxItems {
		retained = retained[:maxItems]
	}

	var keyPoints []string
	for _, item := range retained {
		if len(keyPoints) >= compressMaxKeyPoints {
			break
		}
		text := item.Content.String()
		if text == "" {
			continue
		}
		keyPoints = append(keyPoints, truncateRunes(text, compressExcerptLen))
	}

	entities := collectTags(retained, compressMaxEntities)

	ratio := 1.0
	if len(items) > 0 {
		ratio = float64(len(retained)) / float64(len(items))
	}

	result := &CompressionResult{
		Summary:          fmt.Sprintf("会话压缩: 共 %d 条记忆, 保留 %d 条重要内容", len(items), len(retained)),
		KeyPoints:        keyPoints,
		Entities:         entities,
		CompressionRatio: ratio,
		RetainedCount:    len(retained),
	}
	return retained, result
}

// RetentionRate 按龄查遗忘曲线
func (c *MemoryCompressor) RetentionRate(ageDays float64) float64 {
	for _, b := range retentionBuckets {
		if ageDays <= b.maxAgeDays {
			return b.rate
		}
	}
	return retentionFloor
}

// ApplyForgettingCurve 对一批记忆应用遗忘曲线
// adjusted = importance*retention + min(1, access/10)*0.2;
// 低于阈值的条目被淘汰, 保留条目的 importance 被调整值覆盖,
// 首次调整前在 original_importance 留底
func (c *MemoryCompressor) ApplyForgettingCurve(items []*MemoryItem, now time.Time, threshold float64) (retained, pruned []*MemoryItem) {
	for _, item := range items {
		rate := c.RetentionRate(item.AgeDays(now))

		accessBonus := float64(item.AccessCount) / forgetAccessFullScore
		if accessBonus > 1 {
			accessBonus = 1
		}

		adjusted := item.Importance*rate + accessBonus*forgetAccessBonus
		if adjusted < threshold {
			pruned = append(pruned, item)
			continue
		}

		if item.OriginalImportance == nil {
			original := item.Importance
			item.OriginalImportance = &original
		}
		item.Importance = adjusted
		retained = append(retained, item)
	}

	metrics.ForgettingPrunedTotal.Add(float64(len(pruned)))
	return retained, pruned
}

// MergeMemories 合并内容相似的记忆
// 两两计算 Jaccard 相似度聚簇, 每簇保留重要性最高的成员,
// 访问次数求和, last_access 取最大, 重要性按成员数上浮并封顶 1.0
func (c *MemoryCompressor) MergeMemories(items []*MemoryItem, similarityThreshold float64) []*MemoryItem {
	if len(items) < 2 {
		return items
	}

	tokens := make([]map[string]struct{}, len(items))
	for i, item := range items {
		tokens[i] = tokenize(item.Content.String())
	}

	merged := make([]bool, len(items))
	var results []*MemoryItem

	for i := range items {
		if merged[i] {
			continue
		}

		cluster := []*MemoryItem{items[i]}
		merged[i] = true
		for j := i + 1; j < len(items); j++ {
			if merged[j] {
				continue
			}
			if jaccard(tokens[i], tokens[j]) >= similarityThreshold {
				cluster = append(cluster, items[j])
				merged[j] = true
			}
		}

		results = append(results, collapseCluster(cluster))
	}

	return results
}

// collapseCluster 将一簇相似记忆合并为一条
func collapseCluster(cluster []*MemoryItem) *MemoryItem {
	if len(cluster) == 1 {
		return cluster[0]
	}

	best := cluster[0]
	totalAccess := 0
	maxLastAccess := 0.0
	for _, item := range cluster {
		if item.Importance > best.Importance {
			best = item
		}
		totalAccess += item.AccessCount
		if item.LastAccess > maxLastAccess {
			maxLastAccess = item.LastAccess
		}
	}

	result := best.Clone()
	result.AccessCount = totalAccess
	result.LastAccess = maxLastAccess
	result.Importance = clamp01(best.Importance * (1 + mergeImportanceBoost*float64(len(cluster)-1)))

	metrics.MergedMemoriesTotal.Add(float64(len(cluster) - 1))
	return result
}

// tokenize 小写分词, 词袋不去词干
func tokenize(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		set[tok] = struct{}{}
	}
	return set
}

// jaccard 两个词袋的交并比
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}

	intersection := 0
	for tok := range small {
		if _, ok := large[tok]; ok {
			intersection++
		}
	}

	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// collectTags 汇总元数据标签, 去重保序
func collectTags(items []*MemoryItem, limit int) []string {
	seen := make(map[string]struct{})
	var tags []string
	for _, item := range items {
		raw, ok := item.Metadata["tags"]
		if !ok || raw == "" {
			continue
		}
		for _, tag := range strings.Split(raw, ",") {
			tag = strings.TrimSpace(tag)
			if tag == "" {
				continue
			}
			if _, dup := seen[tag]; dup {
				continue
			}
			seen[tag] = struct{}{}
			tags = append(tags, tag)
			if len(tags) >= limit {
				return tags
			}
		}
	}
	return tags
}

// truncateRunes 按字符数截断, 多字节安全
func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
