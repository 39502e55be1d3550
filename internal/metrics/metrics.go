// Package metrics 定义记忆子系统的 Prometheus 指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 存储层指标
var (
	// MemoryHitsTotal 记忆读取命中总数
	MemoryHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmemory_hits_total",
			Help: "记忆读取命中总数",
		},
		[]string{"store"},
	)

	// MemoryMissesTotal 记忆读取未命中总数
	MemoryMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmemory_misses_total",
			Help: "记忆读取未命中总数",
		},
		[]string{"store"},
	)

	// MemorySavesTotal 记忆写入总数
	MemorySavesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmemory_saves_total",
			Help: "记忆写入总数",
		},
		[]string{"store"},
	)

	// MemoryEvictionsTotal 容量淘汰总数
	MemoryEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmemory_evictions_total",
			Help: "容量淘汰的记忆条数",
		},
		[]string{"store"},
	)

	// MemoryItems 当前记忆条数
	MemoryItems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentmemory_items",
			Help: "当前存储的记忆条数",
		},
		[]string{"store"},
	)

	// StorageErrorsTotal 存储层 I/O 错误总数
	StorageErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmemory_storage_errors_total",
			Help: "存储层 I/O 错误总数",
		},
		[]string{"store", "operation"},
	)
)

// 遗忘与整合指标
var (
	// ForgettingPrunedTotal 遗忘曲线裁剪的记忆条数
	ForgettingPrunedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentmemory_forgetting_pruned_total",
			Help: "遗忘曲线裁剪的记忆条数",
		},
	)

	// MergedMemoriesTotal 相似合并消除的记忆条数
	MergedMemoriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentmemory_merged_total",
			Help: "相似合并消除的记忆条数",
		},
	)

	// ConsolidatedTotal 短期转长期的记忆条数
	ConsolidatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentmemory_consolidated_total",
			Help: "短期记忆转入长期存储的条数",
		},
	)

	// FlushDuration 持久化刷盘耗时（秒）
	FlushDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentmemory_flush_duration_seconds",
			Help:    "持久化刷盘耗时分布",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"target"},
	)
)
