package memory

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryStoreSaveAndGet(t *testing.T) {
	store := NewInMemoryStore(10)

	item := NewMemoryItem("st_1", TextContent("用户预算20万"), MemoryTypeShortTerm, 0.7)
	require.True(t, store.Save(item))

	got, ok := store.Get("st_1")
	require.True(t, ok)
	assert.Equal(t, "st_1", got.ID)
	assert.Equal(t, 1, got.AccessCount, "读取应更新访问计数")

	_, ok = store.Get("不存在")
	assert.False(t, ok)
}

func TestInMemoryStoreGetDoesNotMutateContent(t *testing.T) {
	store := NewInMemoryStore(10)

	item := NewMemoryItem("st_1", TextContent("不可变内容"), MemoryTypeShortTerm, 0.7)
	created := item.Timestamp
	store.Save(item)

	got, ok := store.Get("st_1")
	require.True(t, ok)
	assert.Equal(t, "不可变内容", got.Content.Text)
	assert.Equal(t, MemoryTypeShortTerm, got.MemoryType)
	assert.Equal(t, created, got.Timestamp)
	assert.Equal(t, 0.7, got.Importance)
}

func TestInMemoryStoreCapacity(t *testing.T) {
	store := NewInMemoryStore(5)

	for i := 0; i < 20; i++ {
		item := NewMemoryItem(fmt.Sprintf("st_%d", i), TextContent(fmt.Sprintf("记忆 %d", i)), MemoryTypeShortTerm, 0.5)
		store.Save(item)
	}

	assert.LessOrEqual(t, store.Size(), 5, "任意写入序列后条数不应超过容量")
}

func TestInMemoryStoreSingleSlotEviction(t *testing.T) {
	store := NewInMemoryStore(1)

	a := NewMemoryItem("a", TextContent("高重要性"), MemoryTypeShortTerm, 0.9)
	b := NewMemoryItem("b", TextContent("低重要性"), MemoryTypeShortTerm, 0.2)

	// 固定插入顺序: 写入 b 前必须先腾出唯一槽位, a 被淘汰
	require.True(t, store.Save(a))
	require.True(t, store.Save(b))

	assert.Equal(t, 1, store.Size())
	_, ok := store.Get("a")
	assert.False(t, ok)
	_, ok = store.Get("b")
	assert.True(t, ok)
}

func TestInMemoryStoreEvictsLowerImportance(t *testing.T) {
	store := NewInMemoryStore(10)

	// 最旧的两条一低一高, 淘汰扫描窗口覆盖两者
	low := NewMemoryItem("low", TextContent("不重要的闲聊"), MemoryTypeShortTerm, 0.1)
	high := NewMemoryItem("high", TextContent("关键决策"), MemoryTypeShortTerm, 0.9)
	store.Save(low)
	store.Save(high)
	for i := 0; i < 8; i++ {
		store.Save(NewMemoryItem(fmt.Sprintf("mid_%d", i), TextContent("普通记忆"), MemoryTypeShortTerm, 0.5))
	}

	// 触发一次淘汰
	store.Save(NewMemoryItem("new", TextContent("新记忆"), MemoryTypeShortTerm, 0.5))

	assert.Equal(t, 10, store.Size())

	store.mu.Lock()
	_, lowAlive := store.items["low"]
	_, highAlive := store.items["high"]
	store.mu.Unlock()
	assert.False(t, lowAlive, "低重要性条目应先被淘汰")
	assert.True(t, highAlive)
}

func TestInMemoryStoreReturnsCopies(t *testing.T) {
	store := NewInMemoryStore(10)

	saved := NewMemoryItem("st_1", TextContent("原始内容"), MemoryTypeShortTerm, 0.5)
	require.True(t, store.Save(saved))

	// 写入后修改调用方持有的对象, 不应影响库内状态
	saved.Importance = 0.0
	got, ok := store.Get("st_1")
	require.True(t, ok)
	assert.Equal(t, 0.5, got.Importance)

	// 后续读取不应改写先前返回的对象
	first, _ := store.Get("st_1")
	lastAccess := first.LastAccess
	accessCount := first.AccessCount
	second, _ := store.Get("st_1")
	assert.NotSame(t, first, second)
	assert.Equal(t, lastAccess, first.LastAccess)
	assert.Equal(t, accessCount, first.AccessCount)
	assert.Equal(t, accessCount+1, second.AccessCount)

	// 修改读出的对象不应写回存储
	second.Content = TextContent("篡改")
	second.Importance = 0.0
	again, _ := store.Get("st_1")
	assert.Equal(t, "原始内容", again.Content.Text)
	assert.Equal(t, 0.5, again.Importance)

	// Search / All 返回的同样是拷贝
	store.Search("原始", 10)[0].Importance = 0.0
	store.All()[0].Importance = 0.0
	final, _ := store.Get("st_1")
	assert.Equal(t, 0.5, final.Importance)
}

func TestInMemoryStoreReadReturnedItemDuringConcurrentGets(t *testing.T) {
	store := NewInMemoryStore(10)
	store.Save(NewMemoryItem("st_1", TextContent("共享读取"), MemoryTypeShortTerm, 0.5))

	got, ok := store.Get("st_1")
	require.True(t, ok)

	// 持有已返回的对象并发读字段, 另一协程反复 Get 触发访问计数更新
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			store.Get("st_1")
		}
	}()

	total := 0.0
	for i := 0; i < 1000; i++ {
		total += got.LastAccess
		total += float64(got.AccessCount)
	}
	<-done

	assert.Greater(t, total, 0.0)
	assert.Equal(t, 1, got.AccessCount, "已返回的对象不应被后续读取改写")
}

func TestInMemoryStoreSearch(t *testing.T) {
	store := NewInMemoryStore(10)

	store.Save(NewMemoryItem("1", TextContent("用户喜欢北欧风格"), MemoryTypeLongTerm, 0.6))
	store.Save(NewMemoryItem("2", TextContent("预算上限20万"), MemoryTypeLongTerm, 0.9))
	store.Save(NewMemoryItem("3", TextContent("北欧风格的沙发"), MemoryTypeLongTerm, 0.8))

	results := store.Search("北欧", 10)
	require.Len(t, results, 2)
	// 按重要性降序
	assert.Equal(t, "3", results[0].ID)
	assert.Equal(t, "1", results[1].ID)

	assert.Len(t, store.Search("北欧", 1), 1)
	assert.Empty(t, store.Search("不存在的词", 10))
}

func TestInMemoryStoreDeleteAndClear(t *testing.T) {
	store := NewInMemoryStore(10)
	store.Save(NewMemoryItem("1", TextContent("a"), MemoryTypeShortTerm, 0.5))
	store.Save(NewMemoryItem("2", TextContent("b"), MemoryTypeShortTerm, 0.5))

	assert.True(t, store.Delete("1"))
	assert.False(t, store.Delete("1"), "重复删除返回 false")
	assert.Equal(t, 1, store.Size())

	store.Clear()
	assert.Equal(t, 0, store.Size())
	assert.Empty(t, store.All())
}

func TestInMemoryStoreStats(t *testing.T) {
	store := NewInMemoryStore(10)
	store.Save(NewMemoryItem("1", TextContent("a"), MemoryTypeShortTerm, 0.5))

	store.Get("1")
	store.Get("missing")

	stats := store.Stats()
	assert.Equal(t, "memory", stats["storage_type"])
	assert.Equal(t, 1, stats["size"])
	assert.Equal(t, int64(1), stats["hits"])
	assert.Equal(t, int64(1), stats["misses"])
	assert.InDelta(t, 0.5, stats["hit_rate"].(float64), 0.001)
}

func TestInMemoryStoreConcurrentAccess(t *testing.T) {
	store := NewInMemoryStore(100)

	done := make(chan struct{})
	for g := 0; g < 4; g++ {
		go func(g int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 50; i++ {
				id := fmt.Sprintf("g%d_%d", g, i)
				store.Save(NewMemoryItem(id, TextContent("并发写入"), MemoryTypeShortTerm, 0.5))
				store.Get(id)
				store.Search("并发", 5)
			}
		}(g)
	}
	for g := 0; g < 4; g++ {
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("并发测试超时")
		}
	}

	assert.LessOrEqual(t, store.Size(), 100)
}
