package memory

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupSQLiteStore(t *testing.T) (*SQLiteMemoryStore, string) {
	dbPath := filepath.Join(t.TempDir(), "memories.db")
	store, err := NewSQLiteMemoryStore(dbPath, 100)
	require.NoError(t, err)
	require.NotNil(t, store)
	return store, dbPath
}

func TestSQLiteStoreSaveAndGet(t *testing.T) {
	store, _ := setupSQLiteStore(t)
	defer store.Close()

	item := NewMemoryItem("lt_1", TextContent("用户是业主"), MemoryTypeLongTerm, 0.8)
	item.Metadata["user_id"] = "user_1"
	require.True(t, store.Save(item))

	got, ok := store.Get("lt_1")
	require.True(t, ok)
	assert.Equal(t, "lt_1", got.ID)
	assert.Equal(t, "用户是业主", got.Content.Text)
	assert.Equal(t, 0.8, got.Importance)
	assert.Equal(t, "user_1", got.Metadata["user_id"])

	_, ok = store.Get("missing")
	assert.False(t, ok)
}

func TestSQLiteStoreUpsert(t *testing.T) {
	store, _ := setupSQLiteStore(t)
	defer store.Close()

	item := NewMemoryItem("lt_1", TextContent("第一版"), MemoryTypeLongTerm, 0.5)
	require.True(t, store.Save(item))

	item.Content = TextContent("第二版")
	item.Importance = 0.9
	require.True(t, store.Save(item))

	assert.Equal(t, 1, store.Size())
	got, ok := store.Get("lt_1")
	require.True(t, ok)
	assert.Equal(t, "第二版", got.Content.Text)
	assert.Equal(t, 0.9, got.Importance)
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "memories.db")

	store, err := NewSQLiteMemoryStore(dbPath, 100)
	require.NoError(t, err)

	original := 0.6
	items := []*MemoryItem{
		NewMemoryItem("lt_1", TextContent("文本记忆"), MemoryTypeLongTerm, 0.6),
		NewMemoryItem("lt_2", ChatTurnContent("user", "我想要北欧风"), MemoryTypeLongTerm, 0.7),
		NewMemoryItem("lt_3", SummaryContent(&ConversationSummary{
			SessionID:   "sess_1",
			UserID:      "user_1",
			StartTime:   1700000000,
			SummaryText: "讨论风格偏好",
		}), MemoryTypeEpisodic, 0.8),
	}
	items[0].OriginalImportance = &original
	for _, item := range items {
		require.True(t, store.Save(item))
	}
	require.NoError(t, store.Close())

	// 新实例重新打开同一数据库
	reopened, err := NewSQLiteMemoryStore(dbPath, 100)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, len(items), reopened.Size())
	for _, want := range items {
		got, ok := reopened.Get(want.ID)
		require.True(t, ok, "条目 %s 应在重载后存在", want.ID)
		assert.Equal(t, want.Content.Kind, got.Content.Kind)
		assert.Equal(t, want.Content.String(), got.Content.String())
		assert.Equal(t, want.Importance, got.Importance)
	}

	got, _ := reopened.Get("lt_1")
	require.NotNil(t, got.OriginalImportance)
	assert.Equal(t, original, *got.OriginalImportance)
}

func TestSQLiteStoreSearchByUserAndSession(t *testing.T) {
	store, _ := setupSQLiteStore(t)
	defer store.Close()

	for i, uid := range []string{"user_a", "user_a", "user_b"} {
		item := NewMemoryItem(fmt.Sprintf("lt_%d", i), TextContent(fmt.Sprintf("风格记录 %d", i)), MemoryTypeLongTerm, 0.5)
		item.Metadata["user_id"] = uid
		item.Metadata["session_id"] = fmt.Sprintf("sess_%d", i)
		require.True(t, store.Save(item))
	}

	assert.Len(t, store.SearchByUser("user_a", "", 10), 2)
	assert.Len(t, store.SearchByUser("user_a", "风格", 10), 2)
	assert.Len(t, store.SearchByUser("user_b", "不存在", 10), 0)
	assert.Len(t, store.SearchBySession("sess_2", 10), 1)
}

func TestSQLiteStoreDeleteBySession(t *testing.T) {
	store, _ := setupSQLiteStore(t)
	defer store.Close()

	for i := 0; i < 3; i++ {
		item := NewMemoryItem(fmt.Sprintf("st_%d", i), TextContent("会话记忆"), MemoryTypeShortTerm, 0.5)
		item.Metadata["session_id"] = "sess_x"
		store.Save(item)
	}
	other := NewMemoryItem("st_other", TextContent("别的会话"), MemoryTypeShortTerm, 0.5)
	other.Metadata["session_id"] = "sess_y"
	store.Save(other)

	assert.Equal(t, 3, store.DeleteBySession("sess_x"))
	assert.Equal(t, 1, store.Size())
	assert.Equal(t, 0, store.DeleteBySession("sess_x"))
}

func TestSQLiteStoreEviction(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "memories.db")
	store, err := NewSQLiteMemoryStore(dbPath, 10)
	require.NoError(t, err)
	defer store.Close()

	for i := 0; i < 30; i++ {
		item := NewMemoryItem(fmt.Sprintf("lt_%d", i), TextContent(fmt.Sprintf("记忆 %d", i)), MemoryTypeLongTerm, float64(i%10)/10)
		require.True(t, store.Save(item))
	}

	assert.LessOrEqual(t, store.Size(), 10)
}

func TestSQLiteStoreConcurrentWrites(t *testing.T) {
	store, _ := setupSQLiteStore(t)
	defer store.Close()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				id := fmt.Sprintf("g%d_%d", g, i)
				store.Save(NewMemoryItem(id, TextContent("并发写入"), MemoryTypeLongTerm, 0.5))
				store.Get(id)
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, 80, store.Size())
}

func TestSQLiteStoreCompact(t *testing.T) {
	store, _ := setupSQLiteStore(t)
	defer store.Close()

	for i := 0; i < 10; i++ {
		store.Save(NewMemoryItem(fmt.Sprintf("lt_%d", i), TextContent("待压缩"), MemoryTypeLongTerm, 0.5))
	}
	store.Clear()

	assert.NoError(t, store.Compact())
	assert.Equal(t, 0, store.Size())
}

func TestSQLiteStoreStats(t *testing.T) {
	store, _ := setupSQLiteStore(t)
	defer store.Close()

	store.Save(NewMemoryItem("lt_1", TextContent("a"), MemoryTypeLongTerm, 0.5))
	store.Save(NewMemoryItem("ep_1", TextContent("b"), MemoryTypeEpisodic, 0.5))
	store.Get("lt_1")
	store.Get("missing")

	stats := store.Stats()
	assert.Equal(t, "sqlite", stats["storage_type"])
	assert.Equal(t, 2, stats["size"])
	assert.Equal(t, int64(1), stats["hits"])
	assert.Equal(t, int64(1), stats["misses"])

	byType, ok := stats["by_type"].(map[string]int)
	require.True(t, ok)
	assert.Equal(t, 1, byType["long_term"])
	assert.Equal(t, 1, byType["episodic"])
}
