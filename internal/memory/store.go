package memory

import (
	"sort"
)

// MemoryStore 记忆存储接口
// 约定: 存储层内部捕获并记录 I/O 错误, 对调用方表现为 false/空结果,
// 单次读写失败不中断上层对话流程。
// 所有权约定: 存储独占持有库内条目, Get/Search/All 返回的都是拷贝,
// 调用方修改返回值不影响库内状态, 持有旧返回值也不会被后续操作改写
type MemoryStore interface {
	// Save 保存记忆项, 容量不足时内部淘汰
	Save(item *MemoryItem) bool
	// Get 按 ID 读取, 命中时更新访问计数与最后访问时间
	Get(id string) (*MemoryItem, bool)
	// Search 对序列化内容做大小写不敏感的子串匹配,
	// 按 (importance, last_access) 降序返回至多 limit 条
	Search(query string, limit int) []*MemoryItem
	// Delete 删除记忆项, 存在则返回 true
	Delete(id string) bool
	// Clear 清空存储
	Clear()
	// All 返回全部记忆项的快照
	All() []*MemoryItem
	// Size 当前条数
	Size() int
	// Stats 统计信息
	Stats() map[string]any
	// Close 释放资源并落盘
	Close() error
}

// Compactable 支持后端压缩的存储(如 SQLite VACUUM)
type Compactable interface {
	Compact() error
}

// sortByRelevance 按 (importance, last_access) 降序排序
func sortByRelevance(items []*MemoryItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Importance != items[j].Importance {
			return items[i].Importance > items[j].Importance
		}
		return items[i].LastAccess > items[j].LastAccess
	})
}

// limitItems 截断到 limit 条, limit<=0 表示不限制
func limitItems(items []*MemoryItem, limit int) []*MemoryItem {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
