package memory

import (
	"fmt"
	"testing"
)

func BenchmarkInMemoryStoreSave(b *testing.B) {
	store := NewInMemoryStore(10000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		item := NewMemoryItem(fmt.Sprintf("st_%d", i), TextContent("基准测试记忆"), MemoryTypeShortTerm, 0.5)
		store.Save(item)
	}
}

func BenchmarkInMemoryStoreGet(b *testing.B) {
	store := NewInMemoryStore(10000)
	for i := 0; i < 1000; i++ {
		store.Save(NewMemoryItem(fmt.Sprintf("st_%d", i), TextContent("基准测试记忆"), MemoryTypeShortTerm, 0.5))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		store.Get(fmt.Sprintf("st_%d", i%1000))
	}
}

func BenchmarkInMemoryStoreSearch(b *testing.B) {
	store := NewInMemoryStore(10000)
	for i := 0; i < 1000; i++ {
		store.Save(NewMemoryItem(fmt.Sprintf("st_%d", i), TextContent(fmt.Sprintf("记忆内容 %d", i)), MemoryTypeShortTerm, 0.5))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		store.Search("内容", 10)
	}
}
