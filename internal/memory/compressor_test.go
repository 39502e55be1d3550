package memory

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetentionRateBuckets(t *testing.T) {
	c := NewMemoryCompressor()

	tests := []struct {
		name    string
		ageDays float64
		rate    float64
	}{
		{"一天内", 0.5, 0.90},
		{"两天内", 1.5, 0.75},
		{"一周内", 5, 0.50},
		{"两周内", 10, 0.35},
		{"一月内", 20, 0.20},
		{"两月内", 45, 0.10},
		{"超过两月", 90, 0.05},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.rate, c.RetentionRate(tt.ageDays))
		})
	}
}

func TestRetentionRateNonIncreasing(t *testing.T) {
	c := NewMemoryCompressor()
	rng := rand.New(rand.NewSource(42))

	ages := make([]float64, 200)
	for i := range ages {
		ages[i] = rng.Float64() * 120
	}

	for _, a := range ages {
		for _, b := range ages {
			if a <= b {
				assert.GreaterOrEqual(t, c.RetentionRate(a), c.RetentionRate(b),
					"保留率必须随年龄单调不增: age %f vs %f", a, b)
			}
		}
	}
}

func TestApplyForgettingCurvePrunes(t *testing.T) {
	c := NewMemoryCompressor()
	now := time.Now()

	// 10 天前, 重要性 0.5, 零访问: 0.5*0.35 = 0.175 < 0.3, 应被清理
	stale := NewMemoryItem("lt_1", TextContent("过期记忆"), MemoryTypeLongTerm, 0.5)
	stale.Timestamp = unixSeconds(now) - 10*86400

	retained, pruned := c.ApplyForgettingCurve([]*MemoryItem{stale}, now, 0.3)
	assert.Empty(t, retained)
	require.Len(t, pruned, 1)
	assert.Equal(t, "lt_1", pruned[0].ID)
}

func TestApplyForgettingCurveAccessBonus(t *testing.T) {
	c := NewMemoryCompressor()
	now := time.Now()

	// 同样 10 天前, 但高频访问: 0.5*0.35 + 1.0*0.2 = 0.375 >= 0.3, 保留
	active := NewMemoryItem("lt_2", TextContent("常用记忆"), MemoryTypeLongTerm, 0.5)
	active.Timestamp = unixSeconds(now) - 10*86400
	active.AccessCount = 15

	retained, pruned := c.ApplyForgettingCurve([]*MemoryItem{active}, now, 0.3)
	assert.Empty(t, pruned)
	require.Len(t, retained, 1)
	assert.InDelta(t, 0.375, retained[0].Importance, 0.0001, "重要性应被调整值覆盖")

	// 调整前的基线留底
	require.NotNil(t, retained[0].OriginalImportance)
	assert.Equal(t, 0.5, *retained[0].OriginalImportance)

	// 二次衰减不覆盖基线
	c.ApplyForgettingCurve(retained, now, 0.1)
	assert.Equal(t, 0.5, *retained[0].OriginalImportance)
}

func TestCompressSession(t *testing.T) {
	c := NewMemoryCompressor()

	var items []*MemoryItem
	for i := 0; i < 12; i++ {
		item := NewMemoryItem(fmt.Sprintf("st_%d", i), TextContent(fmt.Sprintf("对话内容 %d", i)), MemoryTypeShortTerm, float64(i)/12)
		item.Metadata["tags"] = fmt.Sprintf("标签%d", i%3)
		items = append(items, item)
	}

	retained, result := c.CompressSession(items, 10)

	assert.Len(t, retained, 10)
	assert.Equal(t, 10, result.RetainedCount)
	assert.InDelta(t, 0.833, result.CompressionRatio, 0.001)
	assert.LessOrEqual(t, len(result.KeyPoints), 5)
	assert.LessOrEqual(t, len(result.Entities), 20)
	assert.NotEmpty(t, result.Summary)

	// 保留的是重要性最高的条目
	for _, item := range retained {
		assert.GreaterOrEqual(t, item.Importance, 2.0/12-0.0001)
	}
}

func TestCompressSessionTruncatesExcerpts(t *testing.T) {
	c := NewMemoryCompressor()

	long := make([]rune, 500)
	for i := range long {
		long[i] = '长'
	}
	items := []*MemoryItem{
		NewMemoryItem("st_1", TextContent(string(long)), MemoryTypeShortTerm, 0.9),
	}

	_, result := c.CompressSession(items, 10)
	require.Len(t, result.KeyPoints, 1)
	assert.LessOrEqual(t, len([]rune(result.KeyPoints[0])), 203, "摘录应截断到 200 字符加省略号")
}

func TestMergeMemories(t *testing.T) {
	c := NewMemoryCompressor()

	a := NewMemoryItem("a", TextContent("用户 喜欢 北欧 风格 的 家具"), MemoryTypeLongTerm, 0.8)
	a.AccessCount = 3
	a.LastAccess = 100
	b := NewMemoryItem("b", TextContent("用户 喜欢 北欧 风格 的 家具"), MemoryTypeLongTerm, 0.5)
	b.AccessCount = 2
	b.LastAccess = 200
	other := NewMemoryItem("c", TextContent("预算 上限 二十万 元整"), MemoryTypeLongTerm, 0.6)

	merged := c.MergeMemories([]*MemoryItem{a, b, other}, 0.8)
	require.Len(t, merged, 2)

	var cluster *MemoryItem
	for _, item := range merged {
		if item.ID == "a" {
			cluster = item
		}
	}
	require.NotNil(t, cluster, "簇应保留重要性最高成员的身份")
	assert.Equal(t, 5, cluster.AccessCount, "访问次数应求和")
	assert.Equal(t, 200.0, cluster.LastAccess, "最后访问取最大值")
	assert.InDelta(t, 0.8*1.1, cluster.Importance, 0.0001, "每个多余成员上浮 10%")
}

func TestMergeMemoriesIdempotent(t *testing.T) {
	c := NewMemoryCompressor()

	items := []*MemoryItem{
		NewMemoryItem("a", TextContent("客厅 沙发 颜色 选择"), MemoryTypeLongTerm, 0.7),
		NewMemoryItem("b", TextContent("客厅 沙发 颜色 选择"), MemoryTypeLongTerm, 0.4),
		NewMemoryItem("c", TextContent("厨房 台面 材质 对比"), MemoryTypeLongTerm, 0.6),
	}

	once := c.MergeMemories(items, 0.8)
	twice := c.MergeMemories(once, 0.8)

	require.Equal(t, len(once), len(twice))
	for i := range once {
		assert.Equal(t, once[i].ID, twice[i].ID)
		assert.Equal(t, once[i].Importance, twice[i].Importance)
		assert.Equal(t, once[i].AccessCount, twice[i].AccessCount)
	}
}

func TestMergeMemoriesImportanceCap(t *testing.T) {
	c := NewMemoryCompressor()

	var items []*MemoryItem
	for i := 0; i < 6; i++ {
		items = append(items, NewMemoryItem(fmt.Sprintf("m_%d", i), TextContent("完全 相同 的 内容"), MemoryTypeLongTerm, 0.9))
	}

	merged := c.MergeMemories(items, 0.8)
	require.Len(t, merged, 1)
	assert.Equal(t, 1.0, merged[0].Importance, "重要性封顶 1.0")
}

func TestMergeMemoriesBelowThreshold(t *testing.T) {
	c := NewMemoryCompressor()

	items := []*MemoryItem{
		NewMemoryItem("a", TextContent("完全 不同 的 话题 一"), MemoryTypeLongTerm, 0.5),
		NewMemoryItem("b", TextContent("毫无 关联 内容 乙 方向"), MemoryTypeLongTerm, 0.5),
	}

	merged := c.MergeMemories(items, 0.8)
	assert.Len(t, merged, 2, "低于阈值不应合并")
}
